package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abacktest/internal/market"
)

func newTestPortfolio(t *testing.T, cfg Config) *Portfolio {
	t.Helper()
	p, err := NewPortfolio(cfg, testEngine(), NewSettlementTracker())
	require.NoError(t, err)
	return p
}

// flatDataset 构造一段价格恒定的行情。
func flatDataset(code string, dates []string, price float64) *market.Dataset {
	bars := make([]market.Bar, 0, len(dates))
	for _, d := range dates {
		bars = append(bars, market.Bar{
			Code: code, Date: d,
			Open: price, High: price * 1.01, Low: price * 0.99, Close: price,
			Volume: 100000,
		})
	}
	ds := market.NewDataset()
	ds.Put(market.NewSeries(code, bars))
	return ds
}

func TestConfigValidate(t *testing.T) {
	t.Run("默认配置合法", func(t *testing.T) {
		cfg := DefaultConfig()
		assert.NoError(t, cfg.Validate())
	})

	t.Run("未知仓位模式启动即失败", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SizingMode = "kelly"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "仓位模式")
	})

	t.Run("非法资金", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.InitialCapital = 0
		assert.Error(t, cfg.Validate())
	})
}

func TestBuyOrderLifecycle(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	ds := flatDataset("600000", []string{"2023-06-01", "2023-06-02", "2023-06-05"}, 10)

	order, skip, err := p.GenerateBuyOrder("600000", "2023-06-01", 10, "kdj_oversold", nil)
	require.NoError(t, err)
	require.Empty(t, skip)
	require.NotNil(t, order)

	t.Run("T+1执行日", func(t *testing.T) {
		assert.Equal(t, "2023-06-02", order.ExecutionDate)
		assert.Equal(t, OrderPending, order.Status)
		assert.Zero(t, order.Shares%100)
	})

	cashBefore := p.Cash()
	resolved := p.ExecutePendingOrders("2023-06-02", ds)
	require.Len(t, resolved, 1)
	require.Equal(t, OrderExecuted, resolved[0].Status)

	t.Run("现金精确扣减", func(t *testing.T) {
		assert.InDelta(t, cashBefore-resolved[0].TotalCost, p.Cash(), 1e-9)
	})

	t.Run("建仓且T+1冻结", func(t *testing.T) {
		require.True(t, p.HasPosition("600000"))
		pos := p.Positions()["600000"]
		assert.Equal(t, "2023-06-02", pos.EntryDate)
		assert.Equal(t, resolved[0].Shares, pos.Shares)
		// 执行日当天不可卖，次日可卖
		assert.False(t, p.Tracker().CanSell("600000", "2023-06-02"))
		assert.True(t, p.Tracker().CanSell("600000", "2023-06-03"))
	})

	t.Run("挂单队列清空", func(t *testing.T) {
		assert.Empty(t, p.PendingOrders())
	})
}

func TestSellOrderLifecycle(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	dates := []string{"2023-06-01", "2023-06-02", "2023-06-05", "2023-06-06"}
	ds := flatDataset("600000", dates, 10)

	_, _, err := p.GenerateBuyOrder("600000", "2023-06-01", 10, "kdj_oversold", nil)
	require.NoError(t, err)
	p.ExecutePendingOrders("2023-06-02", ds)
	require.True(t, p.HasPosition("600000"))

	t.Run("冻结期内卖出被拒", func(t *testing.T) {
		_, skip, err := p.GenerateSellOrder("600000", "2023-06-02", "止损")
		require.NoError(t, err)
		assert.NotEmpty(t, skip)
	})

	p.ProcessSettlement("2023-06-05")
	order, skip, err := p.GenerateSellOrder("600000", "2023-06-05", "止盈")
	require.NoError(t, err)
	require.Empty(t, skip)
	require.NotNil(t, order)
	assert.Equal(t, "2023-06-06", order.ExecutionDate)

	cashBefore := p.Cash()
	resolved := p.ExecutePendingOrders("2023-06-06", ds)
	require.Len(t, resolved, 1)
	require.Equal(t, OrderExecuted, resolved[0].Status)

	t.Run("回款当日计入现金", func(t *testing.T) {
		assert.InDelta(t, cashBefore+resolved[0].NetProceeds, p.Cash(), 1e-9)
	})

	t.Run("平仓生成交易记录", func(t *testing.T) {
		require.Len(t, p.Trades(), 1)
		trade := p.Trades()[0]
		assert.Equal(t, "止盈", trade.ExitReason)
		assert.InDelta(t, trade.ExitProceeds-trade.EntryCost, trade.NetPnL, 1e-9)
		assert.InDelta(t, trade.NetPnL/trade.EntryCost, trade.NetPnLPct, 1e-9)
		assert.False(t, p.HasPosition("600000"))
	})

	t.Run("回款T+1完成交收", func(t *testing.T) {
		assert.InDelta(t, resolved[0].NetProceeds, p.Tracker().PendingProceedsOn("2023-06-07"), 1e-9)
	})
}

func TestUpperLimitBlocksBuy(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	bars := []market.Bar{
		{Code: "600000", Date: "2023-06-01", Open: 10, High: 10.1, Low: 9.9, Close: 10, Volume: 100000},
		// 次日开盘一字涨停
		{Code: "600000", Date: "2023-06-02", Open: 11, High: 11, Low: 11, Close: 11, Volume: 100000},
	}
	ds := market.NewDataset()
	ds.Put(market.NewSeries("600000", bars))

	_, _, err := p.GenerateBuyOrder("600000", "2023-06-01", 10, "t", nil)
	require.NoError(t, err)
	cashBefore := p.Cash()

	resolved := p.ExecutePendingOrders("2023-06-02", ds)
	require.Len(t, resolved, 1)
	assert.Equal(t, OrderFailed, resolved[0].Status)
	assert.Contains(t, resolved[0].Reason, "涨停")
	assert.False(t, p.HasPosition("600000"))
	assert.InDelta(t, cashBefore, p.Cash(), 1e-9)
}

func TestSuspendedExecutionDay(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	bars := []market.Bar{
		{Code: "600000", Date: "2023-06-01", Open: 10, High: 10.1, Low: 9.9, Close: 10, Volume: 100000},
		{Code: "600000", Date: "2023-06-02", Open: 10, High: 10, Low: 10, Close: 10, Volume: 0},
		{Code: "600000", Date: "2023-06-05", Open: 10, High: 10.1, Low: 9.9, Close: 10, Volume: 100000},
	}
	ds := market.NewDataset()
	ds.Put(market.NewSeries("600000", bars))

	_, _, err := p.GenerateBuyOrder("600000", "2023-06-01", 10, "t", nil)
	require.NoError(t, err)

	resolved := p.ExecutePendingOrders("2023-06-02", ds)
	require.Len(t, resolved, 1)
	assert.Equal(t, OrderFailed, resolved[0].Status)
	assert.Contains(t, resolved[0].Reason, "停牌")

	t.Run("后续交易日不再重试", func(t *testing.T) {
		assert.Empty(t, p.ExecutePendingOrders("2023-06-05", ds))
		assert.False(t, p.HasPosition("600000"))
	})
}

func TestStaleOrderFails(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	ds := flatDataset("600000", []string{"2023-06-02", "2023-06-05"}, 10)

	// 信号日周五，T+1 落在周六（非交易日）
	_, _, err := p.GenerateBuyOrder("600000", "2023-06-02", 10, "t", nil)
	require.NoError(t, err)

	resolved := p.ExecutePendingOrders("2023-06-05", ds)
	require.Len(t, resolved, 1)
	assert.Equal(t, OrderFailed, resolved[0].Status)
	assert.Contains(t, resolved[0].Reason, "非交易日")
	assert.True(t, p.CanOpenNewPosition())
}

func TestPositionCodesSorted(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	codes := []string{"600007", "600001", "600005", "600003"}
	ds := market.NewDataset()
	for _, code := range codes {
		one := flatDataset(code, []string{"2023-06-01", "2023-06-02"}, 10)
		s, ok := one.Get(code)
		require.True(t, ok)
		ds.Put(s)
	}
	for _, code := range codes {
		_, skip, err := p.GenerateBuyOrder(code, "2023-06-01", 10, "t", nil)
		require.NoError(t, err)
		require.Empty(t, skip)
	}
	p.ExecutePendingOrders("2023-06-02", ds)

	require.Len(t, p.Positions(), len(codes))
	assert.Equal(t, []string{"600001", "600003", "600005", "600007"}, p.PositionCodes())
}

func TestEqualWeightTenSignals(t *testing.T) {
	cfg := DefaultConfig()
	cfg.InitialCapital = 1_000_000
	cfg.MaxPositions = 10
	p := newTestPortfolio(t, cfg)

	codes := []string{"600001", "600002", "600003", "600004", "600005", "600006", "600007", "600008", "600009", "600010", "600011"}
	accepted := 0
	for _, code := range codes {
		order, skip, err := p.GenerateBuyOrder(code, "2023-06-01", 100, "t", nil)
		require.NoError(t, err)
		if order != nil {
			accepted++
			// 每个信号约 10 万名义金额，整手对齐
			assert.Zero(t, order.Shares%100, code)
			assert.GreaterOrEqual(t, order.Shares, 900, code)
			assert.LessOrEqual(t, order.Shares, 1100, code)
		} else {
			assert.Contains(t, skip, "上限")
		}
	}

	t.Run("前10个成单第11个受仓位上限限制", func(t *testing.T) {
		assert.Equal(t, 10, accepted)
	})

	t.Run("同日订单合计不超预计资金", func(t *testing.T) {
		total := 0.0
		for _, o := range p.PendingOrders() {
			total += o.TotalCost
		}
		assert.LessOrEqual(t, total, cfg.InitialCapital)
	})
}

func TestProjectedCashSubtractsSameDayBuys(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	before := p.ProjectedCash("2023-06-02")
	_, _, err := p.GenerateBuyOrder("600000", "2023-06-01", 100, "t", nil)
	require.NoError(t, err)
	after := p.ProjectedCash("2023-06-02")
	assert.Less(t, after, before)

	t.Run("不同执行日不受影响", func(t *testing.T) {
		other := p.ProjectedCash("2023-06-09")
		assert.InDelta(t, before, other, 1e-6)
	})
}

func TestRiskBasedSizing(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SizingMode = SizingRiskBased
	p := newTestPortfolio(t, cfg)

	hist := make([]market.Bar, 20)
	for i := range hist {
		hist[i] = market.Bar{High: 11, Low: 9, Close: 10, Volume: 1000}
	}

	t.Run("按ATR风险定仓", func(t *testing.T) {
		// ATR=2，止损距离 4，风险额 1% × 100万 = 1 万 → 2500 股
		shares, err := p.CalculatePositionSize("600000", 10, hist, 980_000)
		require.NoError(t, err)
		assert.Equal(t, 2500, shares)
	})

	t.Run("历史不足退回均分", func(t *testing.T) {
		shares, err := p.CalculatePositionSize("600000", 10, hist[:5], 980_000)
		require.NoError(t, err)
		assert.Greater(t, shares, 0)
		assert.Zero(t, shares%100)
	})

	t.Run("受可用资金上限约束", func(t *testing.T) {
		shares, err := p.CalculatePositionSize("600000", 10, hist, 5000)
		require.NoError(t, err)
		assert.LessOrEqual(t, shares, 400)
	})
}

func TestUpdatePositions(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	ds := flatDataset("600000", []string{"2023-06-01", "2023-06-02"}, 10)
	_, _, err := p.GenerateBuyOrder("600000", "2023-06-01", 10, "t", nil)
	require.NoError(t, err)
	p.ExecutePendingOrders("2023-06-02", ds)
	pos := p.Positions()["600000"]

	t.Run("正常日更新统计", func(t *testing.T) {
		bars := map[string]market.Bar{
			"600000": {Code: "600000", Date: "2023-06-05", Open: 10, High: 12, Low: 9.5, Close: 11.5, Volume: 1000},
		}
		p.UpdatePositions("2023-06-05", bars)
		assert.InDelta(t, 12, pos.HighestPriceSinceEntry, 1e-9)
		assert.InDelta(t, 11.5, pos.HighestCloseSinceEntry, 1e-9)
		assert.Equal(t, "2023-06-05", pos.HighestCloseDate)
		assert.Equal(t, 1, pos.DaysHeld)
	})

	t.Run("停牌日跳过", func(t *testing.T) {
		bars := map[string]market.Bar{
			"600000": {Code: "600000", Date: "2023-06-06", Open: 20, High: 20, Low: 20, Close: 20, Volume: 0},
		}
		p.UpdatePositions("2023-06-06", bars)
		assert.InDelta(t, 12, pos.HighestPriceSinceEntry, 1e-9)
		assert.Equal(t, 1, pos.DaysHeld)
	})

	t.Run("无K线日跳过", func(t *testing.T) {
		p.UpdatePositions("2023-06-07", map[string]market.Bar{})
		assert.Equal(t, 1, pos.DaysHeld)
	})
}

func TestUpdateEquityCurve(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	ds := flatDataset("600000", []string{"2023-06-01", "2023-06-02"}, 10)
	_, _, err := p.GenerateBuyOrder("600000", "2023-06-01", 10, "t", nil)
	require.NoError(t, err)
	resolved := p.ExecutePendingOrders("2023-06-02", ds)
	require.Equal(t, OrderExecuted, resolved[0].Status)

	p.UpdateEquityCurve("2023-06-02", ds.BarsOn("2023-06-02"))
	require.Len(t, p.EquityCurve(), 1)
	point := p.EquityCurve()[0]
	assert.Equal(t, 1, point.NumPositions)
	assert.InDelta(t, float64(resolved[0].Shares)*10, point.PositionValue, 1e-9)
	assert.InDelta(t, p.Cash()+point.PositionValue, point.TotalValue, 1e-9)
}

func TestDefensiveInsufficientCash(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	ds := flatDataset("600000", []string{"2023-06-01", "2023-06-02"}, 10)

	// 人为构造超出现金的挂单，模拟上游核算错误
	p.pendingOrders = append(p.pendingOrders, &Order{
		Code: "600000", Action: ActionBuy, Shares: 100,
		SignalDate: "2023-06-01", ExecutionDate: "2023-06-02",
		Status: OrderPending,
	})
	p.cash = 500

	resolved := p.ExecutePendingOrders("2023-06-02", ds)
	require.Len(t, resolved, 1)
	assert.Equal(t, OrderFailed, resolved[0].Status)
	assert.Contains(t, resolved[0].Reason, "资金不足")
	assert.InDelta(t, 500, p.Cash(), 1e-9)
	assert.False(t, p.HasPosition("600000"))
}

func TestCancelPendingOrders(t *testing.T) {
	p := newTestPortfolio(t, DefaultConfig())
	_, _, err := p.GenerateBuyOrder("600000", "2023-06-01", 10, "t", nil)
	require.NoError(t, err)

	n := p.CancelPendingOrders("运行已取消")
	assert.Equal(t, 1, n)
	assert.Empty(t, p.PendingOrders())
}
