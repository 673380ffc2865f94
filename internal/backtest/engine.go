package backtest

import (
	"context"
	"fmt"

	"abacktest/internal/indicator"
	"abacktest/internal/logger"
	"abacktest/internal/market"
	"abacktest/internal/portfolio"
	"abacktest/internal/sellrule"
)

// State 引擎生命周期状态。加载步骤必须按序完成后才能进入 Running。
type State string

const (
	StateCreated         State = "created"
	StateDataLoaded      State = "data_loaded"
	StateSelectorsLoaded State = "selectors_loaded"
	StateStrategyLoaded  State = "strategy_loaded"
	StateRunning         State = "running"
	StateCompleted       State = "completed"
	StateCancelled       State = "cancelled"
	StateFailed          State = "failed"
)

// EngineConfig 单次回测的全部参数。
type EngineConfig struct {
	StartDate    string                    `mapstructure:"start_date"`
	EndDate      string                    `mapstructure:"end_date"`
	LookbackDays int                       `mapstructure:"lookback_days"` // 起始日前预热的自然日数
	Portfolio    portfolio.Config          `mapstructure:"portfolio"`
	Execution    portfolio.ExecutionConfig `mapstructure:"execution"`
	Combination  CombinationConfig         `mapstructure:"combination"`
}

func (c *EngineConfig) Validate() error {
	if _, err := market.ParseDate(c.StartDate); err != nil {
		return fmt.Errorf("start_date 非法: %w", err)
	}
	if _, err := market.ParseDate(c.EndDate); err != nil {
		return fmt.Errorf("end_date 非法: %w", err)
	}
	if c.EndDate < c.StartDate {
		return fmt.Errorf("end_date %s 早于 start_date %s", c.EndDate, c.StartDate)
	}
	if c.LookbackDays < 0 {
		return fmt.Errorf("lookback_days 不能为负，当前 %d", c.LookbackDays)
	}
	if c.LookbackDays == 0 {
		// 约 140 个交易日，足够 MA120/BBI 等长周期指标预热
		c.LookbackDays = 200
	}
	if err := c.Portfolio.Validate(); err != nil {
		return err
	}
	if err := c.Execution.Validate(); err != nil {
		return err
	}
	return c.Combination.Validate()
}

// SelectorConfig 选股器装配配置。
type SelectorConfig struct {
	Name     string         `json:"name" mapstructure:"name"`
	Alias    string         `json:"alias" mapstructure:"alias"`
	Params   map[string]any `json:"params,omitempty" mapstructure:"params"`
	Activate bool           `json:"activate" mapstructure:"activate"`
}

type selectorInstance struct {
	Name  string
	Alias string
	impl  Selector
}

// SellSignal 当日卖出判定结果。
type SellSignal struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

// Results 回测产出，下游统计与展示直接消费。
type Results struct {
	EquityCurve  []portfolio.EquityPoint `json:"equity_curve"`
	Trades       []portfolio.Trade       `json:"trades"`
	FinalValue   float64                 `json:"final_value"`
	TotalReturn  float64                 `json:"total_return"`
	NumTrades    int                     `json:"num_trades"`
	NumPositions int                     `json:"num_positions"`
	CacheHits    int                     `json:"cache_hits"`
	CacheMisses  int                     `json:"cache_misses"`
}

// ProgressFunc 每个模拟日结束后回调一次。
type ProgressFunc func(day, total int, date string)

// Engine 日级事件循环的编排者。组合是资金与仓位状态的唯一持有者，
// 引擎只负责驱动流程与信号归并。
type Engine struct {
	cfg         EngineConfig
	state       State
	data        *market.Dataset
	dates       []string
	portfolio   *portfolio.Portfolio
	selectors   []selectorInstance
	sellRule    sellrule.Rule
	combination CombinationConfig
	cache       *indicator.Cache
	picks       *pickHistory
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("回测配置非法: %w", err)
	}
	exec := portfolio.NewExecutionEngine(cfg.Execution)
	tracker := portfolio.NewSettlementTracker()
	pf, err := portfolio.NewPortfolio(cfg.Portfolio, exec, tracker)
	if err != nil {
		return nil, err
	}
	return &Engine{
		cfg:         cfg,
		state:       StateCreated,
		portfolio:   pf,
		combination: cfg.Combination,
		cache:       indicator.NewCache(),
		picks:       newPickHistory(),
	}, nil
}

func (e *Engine) State() State { return e.state }

func (e *Engine) Portfolio() *portfolio.Portfolio { return e.portfolio }

// LoadData 装入行情数据集并固定交易日历。数据集应包含 start_date 前
// lookback_days 的预热数据，这里对预热不足的股票给出诊断。
func (e *Engine) LoadData(data *market.Dataset) error {
	if e.state != StateCreated {
		return fmt.Errorf("当前状态 %s 不允许加载数据", e.state)
	}
	if data == nil || data.Len() == 0 {
		return fmt.Errorf("行情数据集为空")
	}
	dates := data.TradingDates(e.cfg.StartDate, e.cfg.EndDate)
	if len(dates) == 0 {
		return fmt.Errorf("区间 [%s, %s] 内无交易日", e.cfg.StartDate, e.cfg.EndDate)
	}

	warmStart, err := market.AddDays(e.cfg.StartDate, -e.cfg.LookbackDays)
	if err != nil {
		return err
	}
	short := 0
	for _, code := range data.Codes() {
		series, _ := data.Get(code)
		bars := series.Bars()
		if len(bars) == 0 || bars[0].Date > warmStart {
			short++
		}
	}
	if short > 0 {
		logger.Warnf("%d/%d 只股票预热数据不足 %d 个自然日，长周期指标可能失真",
			short, data.Len(), e.cfg.LookbackDays)
	}
	logger.Infof("行情加载完成: %d 只股票, %d 个交易日 [%s ~ %s]",
		data.Len(), len(dates), dates[0], dates[len(dates)-1])

	e.data = data
	e.dates = dates
	e.state = StateDataLoaded
	return nil
}

// LoadSelectors 按配置装配选股器，未知名称或非法参数立即失败。
func (e *Engine) LoadSelectors(configs []SelectorConfig) error {
	if e.state != StateDataLoaded {
		return fmt.Errorf("当前状态 %s 不允许加载选股器", e.state)
	}
	var loaded []selectorInstance
	for _, sc := range configs {
		if !sc.Activate {
			continue
		}
		impl, err := BuildSelector(sc.Name, sc.Params)
		if err != nil {
			return err
		}
		alias := sc.Alias
		if alias == "" {
			alias = sc.Name
		}
		loaded = append(loaded, selectorInstance{Name: sc.Name, Alias: alias, impl: impl})
	}
	if len(loaded) == 0 {
		return fmt.Errorf("没有激活的选股器")
	}
	for _, sel := range loaded {
		logger.Infof("选股器已加载: %s (%s)", sel.Alias, sel.impl.Name())
	}
	e.selectors = loaded
	e.state = StateSelectorsLoaded
	return nil
}

// LoadSellStrategy 构建卖出规则树，配置错误在此失败而不进入日循环。
func (e *Engine) LoadSellStrategy(spec sellrule.Spec) error {
	if e.state != StateSelectorsLoaded {
		return fmt.Errorf("当前状态 %s 不允许加载卖出策略", e.state)
	}
	rule, err := spec.Build()
	if err != nil {
		return err
	}
	logger.Infof("卖出策略已加载: %s", rule.Name())
	e.sellRule = rule
	e.state = StateStrategyLoaded
	return nil
}

// Run 执行日级事件循环。ctx 取消只在日边界生效：当日各步骤要么全部
// 完成，要么运行停在前一日的终点，账务状态不会停在半截。
func (e *Engine) Run(ctx context.Context, progress ProgressFunc) error {
	if e.state != StateStrategyLoaded {
		return fmt.Errorf("当前状态 %s 不允许启动回测", e.state)
	}
	e.state = StateRunning
	total := len(e.dates)

	for i, date := range e.dates {
		if err := ctx.Err(); err != nil {
			cancelled := e.portfolio.CancelPendingOrders("回测被取消")
			logger.Infof("回测在 %s 前被取消，撤销挂单 %d 笔", date, cancelled)
			e.state = StateCancelled
			return nil
		}

		e.runDay(date)

		if progress != nil {
			progress(i+1, total, date)
		}
	}

	e.state = StateCompleted
	hits, misses := e.cache.Stats()
	logger.Infof("回测完成: %d 个交易日, 指标缓存命中 %d / 未命中 %d", total, hits, misses)
	return nil
}

func (e *Engine) runDay(date string) {
	logger.Debugf("--- %s ---", date)

	// 1. T+1 交收
	e.portfolio.ProcessSettlement(date)

	// 2. 执行前一日生成的挂单
	for _, o := range e.portfolio.ExecutePendingOrders(date, e.data) {
		if o.Status == portfolio.OrderExecuted {
			logger.Infof("%s 成交 %s: %s x %d @ %.2f", date, o.Action, o.Code, o.Shares, o.ExecutionPrice)
		} else {
			logger.Infof("%s 失败 %s: %s - %s", date, o.Action, o.Code, o.Reason)
		}
	}

	// 3. 刷新持仓滚动统计
	bars := e.data.BarsOn(date)
	e.portfolio.UpdatePositions(date, bars)

	// 4. 卖出信号
	for _, sig := range e.CheckSellSignals(date) {
		if _, skip, err := e.portfolio.GenerateSellOrder(sig.Code, date, sig.Reason); err != nil {
			logger.Warnf("%s 卖出挂单 %s 失败: %v", date, sig.Code, err)
		} else if skip != "" {
			logger.Debugf("%s 卖出 %s 跳过: %s", date, sig.Code, skip)
		} else {
			logger.Infof("%s 卖出信号: %s (%s)", date, sig.Code, sig.Reason)
		}
	}

	// 5. 买入信号与资金分配
	signals := e.GetBuySignals(date)
	e.processBuySignalsWithFallback(date, signals, bars)

	// 6. 净值快照
	e.portfolio.UpdateEquityCurve(date, bars)
}

// GetBuySignals 汇集各选股器当日信号并按组合模式归并。选股器只能看到
// 截止当日的数据；单个选股器出错按当日零信号处理。
func (e *Engine) GetBuySignals(date string) []BuySignal {
	data := make(map[string][]market.Bar, e.data.Len())
	for _, code := range e.data.Codes() {
		series, _ := e.data.Get(code)
		if bars := series.UpTo(date); len(bars) > 0 {
			data[code] = bars
		}
	}

	var raw []BuySignal
	for _, sel := range e.selectors {
		codes, err := sel.impl.Select(date, data)
		if err != nil {
			logger.Warnf("%s 选股器 %s 出错: %v", date, sel.Alias, err)
			continue
		}
		logger.Debugf("%s %s: %d 个信号", date, sel.Alias, len(codes))
		for _, code := range codes {
			score, indicators := computeSignalScore(code, data[code], e.cache)
			raw = append(raw, BuySignal{
				Code:          code,
				Date:          date,
				StrategyName:  sel.Name,
				StrategyAlias: sel.Alias,
				Score:         score,
				Indicators:    indicators,
			})
		}
	}
	return e.combineSignals(date, raw)
}

// CheckSellSignals 对每个持仓执行卖出规则树。规则出错只影响该持仓当日
// 的判定，不中断回测。
func (e *Engine) CheckSellSignals(date string) []SellSignal {
	var out []SellSignal
	positions := e.portfolio.Positions()
	// 按代码升序遍历，保证卖单与成交记录顺序可复现
	for _, code := range e.portfolio.PositionCodes() {
		pos := positions[code]
		series, ok := e.data.Get(code)
		if !ok {
			continue
		}
		hist := series.UpTo(date)
		if len(hist) == 0 {
			continue
		}
		bar, ok := series.At(date)
		if !ok {
			continue
		}
		sell, reason, err := e.sellRule.ShouldSell(&sellrule.Context{
			Position: pos,
			Date:     date,
			Bar:      bar,
			Hist:     hist,
			Cache:    e.cache,
		})
		if err != nil {
			logger.Warnf("%s 卖出判定 %s 出错: %v", date, code, err)
			continue
		}
		if sell {
			out = append(out, SellSignal{Code: code, Reason: reason})
		}
	}
	return out
}

// processBuySignalsWithFallback 按优先级消费买信号：单个信号下不了单
// （无行情、资金不足）只跳过自身，资金继续流向次优信号；仓位达上限
// 才整体停止。
func (e *Engine) processBuySignalsWithFallback(date string, signals []BuySignal, bars map[string]market.Bar) int {
	attempted, created := 0, 0
	for _, sig := range signals {
		if !e.portfolio.CanOpenNewPosition() {
			logger.Debugf("%s 持仓达上限，停止处理剩余 %d 个信号", date, len(signals)-attempted)
			break
		}
		attempted++
		bar, ok := bars[sig.Code]
		if !ok {
			logger.Debugf("%s 跳过 %s (%s): 无当日行情", date, sig.Code, sig.StrategyAlias)
			continue
		}
		series, _ := e.data.Get(sig.Code)
		hist := series.UpTo(date)
		order, skip, err := e.portfolio.GenerateBuyOrder(sig.Code, date, bar.Close, sig.StrategyAlias, hist)
		if err != nil {
			logger.Warnf("%s 买入挂单 %s 失败: %v", date, sig.Code, err)
			continue
		}
		if skip != "" {
			logger.Debugf("%s 跳过 %s (%s): %s", date, sig.Code, sig.StrategyAlias, skip)
			continue
		}
		created++
		logger.Infof("%s 买入信号 #%d: %s (%s) %d 股 @ ~%.2f 分值 %.1f",
			date, created, sig.Code, sig.StrategyAlias, order.Shares, bar.Close, sig.Score)
	}
	if len(signals) > 0 {
		logger.Debugf("%s 买信号: 共 %d, 尝试 %d, 挂单 %d", date, len(signals), attempted, created)
	}
	return created
}

// GetResults 汇总回测产出。
func (e *Engine) GetResults() Results {
	var lastBars map[string]market.Bar
	if len(e.dates) > 0 {
		lastBars = e.data.BarsOn(e.dates[len(e.dates)-1])
	}
	finalValue := e.portfolio.TotalValue(lastBars)
	curve := e.portfolio.EquityCurve()
	if len(curve) > 0 {
		finalValue = curve[len(curve)-1].TotalValue
	}
	hits, misses := e.cache.Stats()
	return Results{
		EquityCurve:  curve,
		Trades:       e.portfolio.Trades(),
		FinalValue:   finalValue,
		TotalReturn:  (finalValue - e.portfolio.InitialCapital()) / e.portfolio.InitialCapital(),
		NumTrades:    len(e.portfolio.Trades()),
		NumPositions: len(e.portfolio.Positions()),
		CacheHits:    hits,
		CacheMisses:  misses,
	}
}
