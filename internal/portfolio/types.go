package portfolio

// Action 订单方向。
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// OrderStatus 订单生命周期状态。订单在信号日创建，在执行日一次性
// 落定为 EXECUTED 或 FAILED，之后不再变更。
type OrderStatus string

const (
	OrderPending   OrderStatus = "PENDING"
	OrderExecuted  OrderStatus = "EXECUTED"
	OrderFailed    OrderStatus = "FAILED"
	OrderCancelled OrderStatus = "CANCELLED"
)

// Order T 日信号、T+1 执行的订单记录。
type Order struct {
	Code          string      `json:"code"`
	Action        Action      `json:"action"`
	Shares        int         `json:"shares"`
	SignalDate    string      `json:"signal_date"`
	ExecutionDate string      `json:"execution_date"`
	Status        OrderStatus `json:"status"`

	ExecutionPrice float64 `json:"execution_price"`
	Commission     float64 `json:"commission"`
	StampTax       float64 `json:"stamp_tax"`
	Slippage       float64 `json:"slippage"`
	TotalCost      float64 `json:"total_cost"`   // 买入总支出（含费用）
	NetProceeds    float64 `json:"net_proceeds"` // 卖出净回款（扣费用）
	Reason         string  `json:"reason"`
	BuyStrategy    string  `json:"buy_strategy"`
}

// Position 在持仓位及其滚动价格统计。同一 code 同时最多一个仓位。
type Position struct {
	Code        string  `json:"code"`
	EntryDate   string  `json:"entry_date"`
	EntryPrice  float64 `json:"entry_price"`
	Shares      int     `json:"shares"`
	CostBasis   float64 `json:"cost_basis"`
	BuyStrategy string  `json:"buy_strategy"`

	HighestPriceSinceEntry float64 `json:"highest_price_since_entry"`
	HighestCloseSinceEntry float64 `json:"highest_close_since_entry"`
	HighestCloseDate       string  `json:"highest_close_date"`
	LowestCloseSinceEntry  float64 `json:"lowest_close_since_entry"`
	LowestCloseDate        string  `json:"lowest_close_date"`
	HighestHighSinceEntry  float64 `json:"highest_high_since_entry"`
	HighestHighDate        string  `json:"highest_high_date"`
	LowestLowSinceEntry    float64 `json:"lowest_low_since_entry"`
	LowestLowDate          string  `json:"lowest_low_date"`
	DaysHeld               int     `json:"days_held"`
}

// Trade 平仓记录，由卖出成交时的仓位和订单合成，之后不可变。
type Trade struct {
	Code                string  `json:"code"`
	EntryDate           string  `json:"entry_date"`
	ExitDate            string  `json:"exit_date"`
	EntryPrice          float64 `json:"entry_price"`
	ExitPrice           float64 `json:"exit_price"`
	Shares              int     `json:"shares"`
	EntryCost           float64 `json:"entry_cost"`
	ExitProceeds        float64 `json:"exit_proceeds"`
	GrossPnL            float64 `json:"gross_pnl"`
	NetPnL              float64 `json:"net_pnl"`
	GrossPnLPct         float64 `json:"gross_pnl_pct"`
	NetPnLPct           float64 `json:"net_pnl_pct"`
	HoldingDays         int     `json:"holding_days"`
	MaxUnrealizedPnLPct float64 `json:"max_unrealized_pnl_pct"`
	ExitReason          string  `json:"exit_reason"`
	BuyStrategy         string  `json:"buy_strategy"`
}

// EquityPoint 每个交易日收盘后的账户快照。
type EquityPoint struct {
	Date            string  `json:"date"`
	Cash            float64 `json:"cash"`
	PositionValue   float64 `json:"position_value"`
	TotalValue      float64 `json:"total_value"`
	NumPositions    int     `json:"num_positions"`
	FrozenCash      float64 `json:"frozen_cash"`
	PendingProceeds float64 `json:"pending_proceeds"`
}
