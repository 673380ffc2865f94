package portfolio

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abacktest/internal/market"
)

func testEngine() *ExecutionEngine {
	return NewExecutionEngine(DefaultExecutionConfig())
}

func TestCanExecute(t *testing.T) {
	e := testEngine()

	t.Run("停牌拒单", func(t *testing.T) {
		bar := market.Bar{Code: "600000", Date: "2023-01-04", Open: 10, High: 10, Low: 10, Close: 10, Volume: 0}
		err := e.CanExecute(&Order{Code: "600000", Action: ActionBuy}, bar, 10)
		require.Error(t, err)
		reject, ok := err.(*RejectError)
		require.True(t, ok)
		assert.Equal(t, RejectSuspended, reject.Reason)
	})

	t.Run("买单封涨停", func(t *testing.T) {
		bar := market.Bar{Open: 11, High: 11, Low: 11, Close: 11, Volume: 1000}
		err := e.CanExecute(&Order{Code: "600000", Action: ActionBuy}, bar, 10)
		require.Error(t, err)
		assert.Equal(t, RejectUpperLimitBlocked, err.(*RejectError).Reason)
	})

	t.Run("卖单封跌停", func(t *testing.T) {
		bar := market.Bar{Open: 9, High: 9, Low: 9, Close: 9, Volume: 1000}
		err := e.CanExecute(&Order{Code: "600000", Action: ActionSell}, bar, 10)
		require.Error(t, err)
		assert.Equal(t, RejectLowerLimitBlocked, err.(*RejectError).Reason)
	})

	t.Run("涨停不影响卖出", func(t *testing.T) {
		bar := market.Bar{Open: 11, High: 11, Low: 11, Close: 11, Volume: 1000}
		assert.NoError(t, e.CanExecute(&Order{Code: "600000", Action: ActionSell}, bar, 10))
	})

	t.Run("阈值容忍取整误差", func(t *testing.T) {
		// 开盘 +9.8% 不算封板
		bar := market.Bar{Open: 10.98, High: 11, Low: 10.9, Close: 11, Volume: 1000}
		assert.NoError(t, e.CanExecute(&Order{Code: "600000", Action: ActionBuy}, bar, 10))
	})
}

func TestExecuteBuy(t *testing.T) {
	e := testEngine()
	o := &Order{Code: "600000", Action: ActionBuy, Shares: 100}
	e.Execute(o, 10)

	assert.Equal(t, OrderExecuted, o.Status)
	assert.InDelta(t, 10.01, o.ExecutionPrice, 1e-9)
	// 名义金额 1001，佣金触发 5 元下限
	assert.InDelta(t, 5, o.Commission, 1e-9)
	assert.InDelta(t, 0, o.StampTax, 1e-9)
	assert.InDelta(t, 1006.0, o.TotalCost, 1e-9)
	assert.InDelta(t, 1.0, o.Slippage, 1e-9)
}

func TestExecuteSell(t *testing.T) {
	e := testEngine()
	o := &Order{Code: "600000", Action: ActionSell, Shares: 100}
	e.Execute(o, 10)

	assert.Equal(t, OrderExecuted, o.Status)
	assert.InDelta(t, 9.99, o.ExecutionPrice, 1e-9)
	assert.InDelta(t, 5, o.Commission, 1e-9)
	assert.InDelta(t, 0.999, o.StampTax, 1e-9)
	assert.InDelta(t, 999-5-0.999, o.NetProceeds, 1e-9)
}

func TestMaxAffordableShares(t *testing.T) {
	e := testEngine()

	t.Run("整手对齐且含费用", func(t *testing.T) {
		shares := e.MaxAffordableShares(100_000, 100)
		assert.Equal(t, 900, shares)
		assert.Zero(t, shares%100)
		assert.LessOrEqual(t, e.EstimateBuyCost(100, shares), 100_000.0)
	})

	t.Run("一手都买不起返回0", func(t *testing.T) {
		assert.Equal(t, 0, e.MaxAffordableShares(1000, 100))
	})

	t.Run("临界资金逐手下调", func(t *testing.T) {
		// 恰好买不起近似值的情况必须能下调一手
		cost1000 := e.EstimateBuyCost(10, 1000)
		shares := e.MaxAffordableShares(cost1000-0.01, 10)
		assert.Equal(t, 900, shares)
	})
}

func TestRoundToLot(t *testing.T) {
	e := testEngine()
	assert.Equal(t, 0, e.RoundToLot(99))
	assert.Equal(t, 100, e.RoundToLot(100))
	assert.Equal(t, 100, e.RoundToLot(199))
	assert.Equal(t, 0, e.RoundToLot(-5))
}

func TestValidateBar(t *testing.T) {
	good := market.Bar{Open: 10, High: 10.5, Low: 9.8, Close: 10.2, Volume: 1000}
	assert.True(t, ValidateBar(good))

	t.Run("零成交量合法", func(t *testing.T) {
		b := good
		b.Volume = 0
		assert.True(t, ValidateBar(b))
	})

	t.Run("NaN拒绝", func(t *testing.T) {
		b := good
		b.Close = math.NaN()
		assert.False(t, ValidateBar(b))
	})

	t.Run("高低倒挂拒绝", func(t *testing.T) {
		b := good
		b.High, b.Low = 9, 11
		assert.False(t, ValidateBar(b))
	})

	t.Run("最低价高于收盘拒绝", func(t *testing.T) {
		b := good
		b.Low = 10.3
		assert.False(t, ValidateBar(b))
	})

	t.Run("负值拒绝", func(t *testing.T) {
		b := good
		b.Open = -1
		assert.False(t, ValidateBar(b))
	})
}
