package backtest

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"abacktest/internal/portfolio"
)

const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusDone      = "done"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// RunConfig 记录本次回测的参数快照，便于重放。
type RunConfig struct {
	Codes          []string          `json:"codes"`
	StartDate      string            `json:"start_date"`
	EndDate        string            `json:"end_date"`
	LookbackDays   int               `json:"lookback_days"`
	InitialCapital float64           `json:"initial_capital"`
	MaxPositions   int               `json:"max_positions"`
	PositionSizing string            `json:"position_sizing"`
	CommissionRate float64           `json:"commission_rate"`
	StampTaxRate   float64           `json:"stamp_tax_rate"`
	SlippageRate   float64           `json:"slippage_rate"`
	MinCommission  float64           `json:"min_commission"`
	Combination    CombinationConfig `json:"combination"`
	Selectors      []SelectorConfig  `json:"selectors"`
	SellStrategy   json.RawMessage   `json:"sell_strategy,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

// RunStats 汇总收益与风控指标，供前端展示。
type RunStats struct {
	FinalValue     float64   `json:"final_value"`
	Profit         float64   `json:"profit"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Trades         int       `json:"trades"`
	Wins           int       `json:"wins"`
	Losses         int       `json:"losses"`
	OpenPositions  int       `json:"open_positions"`
	AvgHoldingDays float64   `json:"avg_holding_days"`
	EquityPeak     float64   `json:"equity_peak"`
	EquityValley   float64   `json:"equity_valley"`
	TradingDays    int       `json:"trading_days"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Run 表示一次回测任务。
type Run struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	StartDate      string    `json:"start_date"`
	EndDate        string    `json:"end_date"`
	InitialCapital float64   `json:"initial_capital"`
	FinalValue     float64   `json:"final_value"`
	ReturnPct      float64   `json:"return_pct"`
	WinRate        float64   `json:"win_rate"`
	MaxDrawdownPct float64   `json:"max_drawdown_pct"`
	Trades         int       `json:"trades"`
	Message        string    `json:"message"`
	Config         RunConfig `json:"config"`
	Stats          RunStats  `json:"stats"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// RunRequest 为 HTTP 提交使用。SellStrategy 为嵌套的卖出策略 JSON，
// 缺省取 hold_forever；SellPlan 为模板名，优先于 SellStrategy。
// 费率字段用指针区分"未填"与"显式传 0"：留空回落到服务缺省，传 0
// 表示零费率回测。
type RunRequest struct {
	Codes          []string          `json:"codes"`
	StartDate      string            `json:"start_date" binding:"required"`
	EndDate        string            `json:"end_date" binding:"required"`
	LookbackDays   int               `json:"lookback_days"`
	InitialCapital float64           `json:"initial_capital"`
	MaxPositions   int               `json:"max_positions"`
	PositionSizing string            `json:"position_sizing"`
	CommissionRate *float64          `json:"commission_rate,omitempty"`
	StampTaxRate   *float64          `json:"stamp_tax_rate,omitempty"`
	SlippageRate   *float64          `json:"slippage_rate,omitempty"`
	MinCommission  *float64          `json:"min_commission,omitempty"`
	Combination    CombinationConfig `json:"combination"`
	Selectors      []SelectorConfig  `json:"selectors"`
	SellStrategy   json.RawMessage   `json:"sell_strategy,omitempty"`
	SellPlan       string            `json:"sell_plan,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

// Float64Ptr 构造 RunRequest 的可选费率字段。
func Float64Ptr(v float64) *float64 { return &v }

// computeRunStats 用十进制运算汇总收益指标，避免长资金曲线上的浮点
// 累积误差进入关键比率。
func computeRunStats(initialCapital float64, results Results) RunStats {
	stats := RunStats{
		FinalValue:    results.FinalValue,
		Trades:        results.NumTrades,
		OpenPositions: results.NumPositions,
		TradingDays:   len(results.EquityCurve),
		FinishedAt:    time.Now(),
	}

	capital := decimal.NewFromFloat(initialCapital)
	final := decimal.NewFromFloat(results.FinalValue)
	profit := final.Sub(capital)
	stats.Profit, _ = profit.Float64()
	if capital.IsPositive() {
		stats.ReturnPct, _ = profit.Div(capital).Float64()
	}

	holdingDays := 0
	for _, tr := range results.Trades {
		if tr.NetPnL >= 0 {
			stats.Wins++
		} else {
			stats.Losses++
		}
		holdingDays += tr.HoldingDays
	}
	if results.NumTrades > 0 {
		stats.WinRate = float64(stats.Wins) / float64(results.NumTrades)
		stats.AvgHoldingDays = float64(holdingDays) / float64(results.NumTrades)
	}

	peak := capital
	valley := capital
	maxDD := decimal.Zero
	for _, point := range results.EquityCurve {
		equity := decimal.NewFromFloat(point.TotalValue)
		if equity.GreaterThan(peak) {
			peak = equity
		}
		if equity.LessThan(valley) {
			valley = equity
		}
		if peak.IsPositive() {
			dd := peak.Sub(equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
			}
		}
	}
	stats.MaxDrawdownPct, _ = maxDD.Float64()
	stats.EquityPeak, _ = peak.Float64()
	stats.EquityValley, _ = valley.Float64()
	return stats
}

// TradeRecord 持久化的成交记录，附属于一次 run。
type TradeRecord struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	portfolio.Trade
}

// EquityRecord 持久化的净值快照。
type EquityRecord struct {
	ID    int64  `json:"id"`
	RunID string `json:"run_id"`
	portfolio.EquityPoint
}
