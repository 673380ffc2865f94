package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abacktest/internal/indicator"
	"abacktest/internal/market"
	"abacktest/internal/portfolio"
	"abacktest/internal/sellrule"
)

const day1 = "2024-01-01"

func dateAt(t *testing.T, offset int) string {
	t.Helper()
	d, err := market.AddDays(day1, offset)
	require.NoError(t, err)
	return d
}

// flatBars 生成从 day1 起连续自然日的 K 线，open=close=price。
func flatBars(t *testing.T, code string, days int, price float64) []market.Bar {
	t.Helper()
	bars := make([]market.Bar, days)
	for i := 0; i < days; i++ {
		bars[i] = market.Bar{
			Code: code, Date: dateAt(t, i),
			Open: price, High: price * 1.005, Low: price * 0.995, Close: price,
			Volume: 1_000_000,
		}
	}
	return bars
}

// waveBars 生成带确定性涨跌起伏的序列，日内与日间波动都控制在涨跌停
// 阈值之内。
func waveBars(t *testing.T, code string, days int, base float64) []market.Bar {
	t.Helper()
	bars := make([]market.Bar, days)
	price := base
	for i := 0; i < days; i++ {
		price *= 1 + 0.025*math.Sin(float64(i)*0.7) - 0.003
		bars[i] = market.Bar{
			Code: code, Date: dateAt(t, i),
			Open: price * 0.998, High: price * 1.012, Low: price * 0.988, Close: price,
			Volume: 800_000 + 40_000*float64(i%7),
		}
	}
	return bars
}

func newDataset(series ...*market.Series) *market.Dataset {
	ds := market.NewDataset()
	for _, s := range series {
		ds.Put(s)
	}
	return ds
}

type stubSelector struct {
	name  string
	picks map[string][]string
}

func (s *stubSelector) Name() string { return s.name }

func (s *stubSelector) Select(date string, data map[string][]market.Bar) ([]string, error) {
	return s.picks[date], nil
}

func newTestEngine(t *testing.T, days int, data *market.Dataset, combination CombinationConfig, sels []selectorInstance, spec sellrule.Spec) *Engine {
	t.Helper()
	cfg := EngineConfig{
		StartDate:    day1,
		EndDate:      dateAt(t, days-1),
		LookbackDays: 1,
		Portfolio:    portfolio.DefaultConfig(),
		Execution:    portfolio.DefaultExecutionConfig(),
		Combination:  combination,
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, e.LoadData(data))
	require.NotEmpty(t, sels)
	e.selectors = sels
	e.state = StateSelectorsLoaded
	require.NoError(t, e.LoadSellStrategy(spec))
	return e
}

func holdForeverSpec() sellrule.Spec {
	return sellrule.Spec{Leaf: &sellrule.LeafSpec{Name: "hold_forever"}}
}

func TestEngineStateMachine(t *testing.T) {
	cfg := EngineConfig{
		StartDate:   day1,
		EndDate:     "2024-01-05",
		Portfolio:   portfolio.DefaultConfig(),
		Execution:   portfolio.DefaultExecutionConfig(),
		Combination: CombinationConfig{},
	}
	e, err := NewEngine(cfg)
	require.NoError(t, err)
	assert.Equal(t, StateCreated, e.State())

	// 未加载数据时不允许后续步骤
	require.Error(t, e.LoadSelectors([]SelectorConfig{{Name: "kdj_oversold", Activate: true}}))
	require.Error(t, e.LoadSellStrategy(holdForeverSpec()))
	require.Error(t, e.Run(context.Background(), nil))

	data := newDataset(market.NewSeries("600000", flatBars(t, "600000", 5, 10)))
	require.NoError(t, e.LoadData(data))
	assert.Equal(t, StateDataLoaded, e.State())
	require.Error(t, e.LoadData(data))

	require.Error(t, e.LoadSelectors([]SelectorConfig{{Name: "no_such", Activate: true}}))
	require.Error(t, e.LoadSelectors(nil))
	require.NoError(t, e.LoadSelectors([]SelectorConfig{{Name: "kdj_oversold", Activate: true}}))
	assert.Equal(t, StateSelectorsLoaded, e.State())

	require.NoError(t, e.LoadSellStrategy(holdForeverSpec()))
	assert.Equal(t, StateStrategyLoaded, e.State())

	require.NoError(t, e.Run(context.Background(), nil))
	assert.Equal(t, StateCompleted, e.State())
}

func TestEngineBuyLifecycle(t *testing.T) {
	data := newDataset(market.NewSeries("600000", flatBars(t, "600000", 4, 10)))
	sel := &stubSelector{name: "stub", picks: map[string][]string{day1: {"600000"}}}
	e := newTestEngine(t, 4, data, CombinationConfig{}, []selectorInstance{
		{Name: "stub", Alias: "甲", impl: sel},
	}, holdForeverSpec())

	var seen []string
	require.NoError(t, e.Run(context.Background(), func(day, total int, date string) {
		seen = append(seen, date)
	}))

	// 信号日 T 挂单，T+1 按开盘价成交
	require.Len(t, e.portfolio.Positions(), 1)
	pos := e.portfolio.Positions()["600000"]
	assert.Equal(t, dateAt(t, 1), pos.EntryDate)
	assert.Equal(t, "甲", pos.BuyStrategy)
	assert.Equal(t, 0, pos.Shares%100)
	assert.Less(t, e.portfolio.Cash(), 1_000_000.0)

	results := e.GetResults()
	assert.Len(t, results.EquityCurve, 4)
	assert.Equal(t, 1, results.NumPositions)
	assert.Zero(t, results.NumTrades)
	assert.Len(t, seen, 4)
}

func TestEngineRoundTrip(t *testing.T) {
	data := newDataset(market.NewSeries("600000", flatBars(t, "600000", 5, 10)))
	sel := &stubSelector{name: "stub", picks: map[string][]string{day1: {"600000"}}}
	spec := sellrule.Spec{Leaf: &sellrule.LeafSpec{
		Name:   "timed_exit",
		Params: map[string]any{"max_holding_days": 2},
	}}
	e := newTestEngine(t, 5, data, CombinationConfig{}, []selectorInstance{
		{Name: "stub", Alias: "甲", impl: sel},
	}, spec)

	require.NoError(t, e.Run(context.Background(), nil))

	// day2 买入，day3 持有满 2 日触发，day4 卖出成交
	results := e.GetResults()
	require.Len(t, results.Trades, 1)
	trade := results.Trades[0]
	assert.Equal(t, dateAt(t, 1), trade.EntryDate)
	assert.Contains(t, trade.ExitReason, "上限")
	assert.InDelta(t, trade.NetPnL, trade.ExitProceeds-trade.EntryCost, 1e-9)
	assert.Empty(t, e.portfolio.Positions())
}

func TestCheckSellSignalsStableOrder(t *testing.T) {
	var codes []string
	var series []*market.Series
	for i := 0; i < 8; i++ {
		code := fmt.Sprintf("60000%d", i)
		codes = append(codes, code)
		series = append(series, market.NewSeries(code, flatBars(t, code, 3, 10)))
	}
	data := newDataset(series...)
	sel := &stubSelector{name: "stub", picks: nil}
	spec := sellrule.Spec{Leaf: &sellrule.LeafSpec{
		Name:   "timed_exit",
		Params: map[string]any{"max_holding_days": 1},
	}}
	e := newTestEngine(t, 3, data, CombinationConfig{}, []selectorInstance{
		{Name: "stub", Alias: "甲", impl: sel},
	}, spec)

	// 手工建仓：day1 挂单，day2 成交并累计持有天数
	day2 := dateAt(t, 1)
	for _, code := range codes {
		s, ok := data.Get(code)
		require.True(t, ok)
		order, skip, err := e.portfolio.GenerateBuyOrder(code, day1, 10, "甲", s.UpTo(day1))
		require.NoError(t, err)
		require.Empty(t, skip)
		require.NotNil(t, order)
	}
	e.portfolio.ExecutePendingOrders(day2, data)
	require.Len(t, e.portfolio.Positions(), len(codes))
	bars := make(map[string]market.Bar)
	for _, code := range codes {
		s, _ := data.Get(code)
		if b, ok := s.At(day2); ok {
			bars[code] = b
		}
	}
	e.portfolio.UpdatePositions(day2, bars)

	// 全部持仓同日触发时，信号顺序按代码升序且多次调用一致
	day3 := dateAt(t, 2)
	first := e.CheckSellSignals(day3)
	second := e.CheckSellSignals(day3)
	require.Len(t, first, len(codes))
	got := make([]string, len(first))
	for i, sig := range first {
		got[i] = sig.Code
	}
	assert.True(t, sort.StringsAreSorted(got), "卖出信号顺序应按代码升序: %v", got)
	assert.Equal(t, first, second)
}

func TestEngineNoLookahead(t *testing.T) {
	const days = 30
	build := func() *market.Dataset {
		return newDataset(
			market.NewSeries("600000", waveBars(t, "600000", days+10, 10)),
			market.NewSeries("600001", waveBars(t, "600001", days+10, 25)),
			market.NewSeries("600002", waveBars(t, "600002", days+10, 40)),
		)
	}
	picks := map[string][]string{
		dateAt(t, 2):  {"600000", "600001"},
		dateAt(t, 9):  {"600002"},
		dateAt(t, 15): {"600000"},
	}
	spec := sellrule.Spec{Leaf: &sellrule.LeafSpec{
		Name:   "timed_exit",
		Params: map[string]any{"max_holding_days": 3},
	}}
	run := func(data *market.Dataset) Results {
		kdj, err := BuildSelector("kdj_oversold", map[string]any{"min_bars": 10})
		require.NoError(t, err)
		sel := &stubSelector{name: "stub", picks: picks}
		e := newTestEngine(t, days, data, CombinationConfig{}, []selectorInstance{
			{Name: "stub", Alias: "甲", impl: sel},
			{Name: "kdj", Alias: "乙", impl: kdj},
		}, spec)
		require.NoError(t, e.Run(context.Background(), nil))
		return e.GetResults()
	}

	// 截掉回测终点之后的全部行情重跑，结果必须逐位一致
	full := run(build())
	trimmed := run(build().Truncate(dateAt(t, days)))
	assert.Equal(t, full.Trades, trimmed.Trades)
	assert.Equal(t, full.EquityCurve, trimmed.EquityCurve)
	assert.Equal(t, full.FinalValue, trimmed.FinalValue)
}

func TestEngineUpperLimitGap(t *testing.T) {
	bars := flatBars(t, "600000", 3, 10)
	// T+1 开盘一字涨停，买单必须失败且现金不动
	bars[1].Open = 11.2
	bars[1].High = 11.2
	bars[1].Low = 11.0
	bars[1].Close = 11.1
	data := newDataset(market.NewSeries("600000", bars))
	sel := &stubSelector{name: "stub", picks: map[string][]string{day1: {"600000"}}}
	e := newTestEngine(t, 3, data, CombinationConfig{}, []selectorInstance{
		{Name: "stub", Alias: "甲", impl: sel},
	}, holdForeverSpec())

	require.NoError(t, e.Run(context.Background(), nil))
	assert.Empty(t, e.portfolio.Positions())
	assert.Equal(t, 1_000_000.0, e.portfolio.Cash())
}

func TestEngineANDCombination(t *testing.T) {
	data := newDataset(
		market.NewSeries("600000", flatBars(t, "600000", 3, 10)),
		market.NewSeries("600001", flatBars(t, "600001", 3, 20)),
	)
	// 甲在 day1 选中两只，乙只选中 600001：AND 模式下仅 600001 产生信号
	selA := &stubSelector{name: "a", picks: map[string][]string{day1: {"600000", "600001"}}}
	selB := &stubSelector{name: "b", picks: map[string][]string{day1: {"600001"}}}
	e := newTestEngine(t, 3, data, CombinationConfig{Mode: CombineAND}, []selectorInstance{
		{Name: "a", Alias: "甲", impl: selA},
		{Name: "b", Alias: "乙", impl: selB},
	}, holdForeverSpec())

	require.NoError(t, e.Run(context.Background(), nil))
	assert.Len(t, e.portfolio.Positions(), 1)
	assert.Contains(t, e.portfolio.Positions(), "600001")
}

func TestEngineTimeWindowCombination(t *testing.T) {
	data := newDataset(market.NewSeries("600000", flatBars(t, "600000", 5, 10)))
	day2 := "2024-01-02"
	// 甲 day1 选中、乙 day2 选中：窗口内累计 2 个选股器，day2 产生信号
	selA := &stubSelector{name: "a", picks: map[string][]string{day1: {"600000"}}}
	selB := &stubSelector{name: "b", picks: map[string][]string{day2: {"600000"}}}
	e := newTestEngine(t, 5, data, CombinationConfig{
		Mode:           CombineTimeWindow,
		TimeWindowDays: 3,
		RequiredCount:  2,
	}, []selectorInstance{
		{Name: "a", Alias: "甲", impl: selA},
		{Name: "b", Alias: "乙", impl: selB},
	}, holdForeverSpec())

	require.NoError(t, e.Run(context.Background(), nil))
	require.Len(t, e.portfolio.Positions(), 1)
	// day2 信号，day3 成交
	assert.Equal(t, dateAt(t, 2), e.portfolio.Positions()["600000"].EntryDate)
}

func TestEngineCancellation(t *testing.T) {
	data := newDataset(market.NewSeries("600000", flatBars(t, "600000", 10, 10)))
	sel := &stubSelector{name: "stub", picks: map[string][]string{day1: {"600000"}}}
	e := newTestEngine(t, 10, data, CombinationConfig{}, []selectorInstance{
		{Name: "stub", Alias: "甲", impl: sel},
	}, holdForeverSpec())

	ctx, cancel := context.WithCancel(context.Background())
	// 第 2 日结束后取消：取消只在日边界生效，day3 不再执行
	var lastDay string
	require.NoError(t, e.Run(ctx, func(day, total int, date string) {
		lastDay = date
		if day == 2 {
			cancel()
		}
	}))

	assert.Equal(t, StateCancelled, e.State())
	assert.Equal(t, "2024-01-02", lastDay)
	// 悬挂挂单全部转为已取消
	for _, o := range e.portfolio.PendingOrders() {
		assert.NotEqual(t, portfolio.OrderPending, o.Status)
	}
}

func TestCombineOR(t *testing.T) {
	raw := []BuySignal{
		{Code: "600000", StrategyAlias: "甲", Score: 50},
		{Code: "600000", StrategyAlias: "乙", Score: 80},
		{Code: "600001", StrategyAlias: "甲", Score: 60},
	}
	out := combineOR(raw)
	require.Len(t, out, 2)
	byCode := map[string]BuySignal{}
	for _, sig := range out {
		byCode[sig.Code] = sig
	}
	assert.Equal(t, "乙", byCode["600000"].StrategyAlias)
	assert.Equal(t, 80.0, byCode["600000"].Score)

	// 同分保留先出现的
	tied := combineOR([]BuySignal{
		{Code: "600002", StrategyAlias: "甲", Score: 70},
		{Code: "600002", StrategyAlias: "乙", Score: 70},
	})
	require.Len(t, tied, 1)
	assert.Equal(t, "甲", tied[0].StrategyAlias)
}

func TestComputeSignalScore(t *testing.T) {
	bars := flatBars(t, "600000", 30, 10)
	score, indicators := computeSignalScore("600000", bars, indicator.NewCache())
	assert.GreaterOrEqual(t, score, 0.0)
	assert.LessOrEqual(t, score, 100.0)
	require.NotNil(t, indicators)
	// 平盘无动量
	assert.Equal(t, 0.0, indicators["momentum_pct"])
	assert.Equal(t, 0.0, indicators["score_momentum"])
	// 成交量恒定，量比为 1
	assert.InDelta(t, 1.0, indicators["volume_ratio"], 1e-9)
	assert.Equal(t, 0.0, indicators["score_volume"])
}

func TestSelectorRegistry(t *testing.T) {
	_, err := BuildSelector("no_such", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kdj_oversold")

	for _, name := range SelectorNames() {
		sel, err := BuildSelector(name, nil)
		require.NoError(t, err, name)
		assert.NotEmpty(t, sel.Name())
	}

	_, err = BuildSelector("kdj_oversold", map[string]any{"j_threshold": 15, "typo": 1})
	require.Error(t, err)
}

func TestKDJOversoldSelector(t *testing.T) {
	sel, err := BuildSelector("kdj_oversold", map[string]any{"j_threshold": 20, "min_bars": 20})
	require.NoError(t, err)

	// 持续下跌使 J 值深度超卖
	bars := make([]market.Bar, 30)
	price := 20.0
	for i := range bars {
		bars[i] = market.Bar{
			Code: "600000", Date: dateAt(t, i),
			Open: price, High: price * 1.002, Low: price * 0.97, Close: price * 0.975,
			Volume: 1_000_000,
		}
		price *= 0.975
	}
	data := map[string][]market.Bar{"600000": bars}
	picked, err := sel.Select(bars[len(bars)-1].Date, data)
	require.NoError(t, err)
	assert.Equal(t, []string{"600000"}, picked)

	// 横盘时 J 在 50 附近，不选
	flat := map[string][]market.Bar{"600001": flatBars(t, "600001", 30, 10)}
	picked, err = sel.Select(dateAt(t, 29), flat)
	require.NoError(t, err)
	assert.Empty(t, picked)
}

func TestComputeRunStats(t *testing.T) {
	results := Results{
		FinalValue: 1_100_000,
		NumTrades:  2,
		Trades: []portfolio.Trade{
			{NetPnL: 120_000, HoldingDays: 10},
			{NetPnL: -20_000, HoldingDays: 4},
		},
		EquityCurve: []portfolio.EquityPoint{
			{TotalValue: 1_000_000},
			{TotalValue: 1_200_000},
			{TotalValue: 1_080_000},
			{TotalValue: 1_100_000},
		},
	}
	stats := computeRunStats(1_000_000, results)
	assert.InDelta(t, 0.10, stats.ReturnPct, 1e-9)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)
	assert.Equal(t, 1, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, 0.10, stats.MaxDrawdownPct, 1e-9)
	assert.InDelta(t, 7.0, stats.AvgHoldingDays, 1e-9)
	assert.InDelta(t, 1_200_000, stats.EquityPeak, 1e-9)
}
