package portfolio

import (
	"errors"
	"fmt"
	"sort"

	"abacktest/internal/indicator"
	"abacktest/internal/logger"
	"abacktest/internal/market"
)

// SizingMode 仓位计算模式。
type SizingMode string

const (
	SizingEqualWeight SizingMode = "equal_weight"
	SizingRiskBased   SizingMode = "risk_based"
)

const cashEpsilon = 1e-6

// Config 组合层参数。费率类参数见 ExecutionConfig。
type Config struct {
	InitialCapital  float64    `mapstructure:"initial_capital"`
	MaxPositions    int        `mapstructure:"max_positions"`
	SizingMode      SizingMode `mapstructure:"position_sizing"`
	BufferPct       float64    `mapstructure:"buffer_pct"`         // 预计资金安全系数
	RiskPerTradePct float64    `mapstructure:"risk_per_trade_pct"` // risk_based 单笔风险占初始资金比
	ATRPeriod       int        `mapstructure:"atr_period"`
	ATRStopMultiple float64    `mapstructure:"atr_stop_multiple"`
}

func DefaultConfig() Config {
	return Config{
		InitialCapital:  1_000_000,
		MaxPositions:    10,
		SizingMode:      SizingEqualWeight,
		BufferPct:       0.98,
		RiskPerTradePct: 0.01,
		ATRPeriod:       14,
		ATRStopMultiple: 2,
	}
}

// Validate 配置错误必须在回测开始前暴露，不做静默兜底。
func (c *Config) Validate() error {
	if c.InitialCapital <= 0 {
		return fmt.Errorf("initial_capital 必须 > 0，当前 %v", c.InitialCapital)
	}
	if c.MaxPositions <= 0 {
		return fmt.Errorf("max_positions 必须 > 0，当前 %d", c.MaxPositions)
	}
	switch c.SizingMode {
	case SizingEqualWeight, SizingRiskBased:
	default:
		return fmt.Errorf("未知的仓位模式 %q（可选 equal_weight / risk_based）", c.SizingMode)
	}
	if c.BufferPct <= 0 || c.BufferPct > 1 {
		return fmt.Errorf("buffer_pct 必须在 (0,1] 内，当前 %v", c.BufferPct)
	}
	if c.RiskPerTradePct <= 0 || c.RiskPerTradePct > 1 {
		return fmt.Errorf("risk_per_trade_pct 必须在 (0,1] 内，当前 %v", c.RiskPerTradePct)
	}
	if c.ATRPeriod <= 0 {
		return fmt.Errorf("atr_period 必须 > 0，当前 %d", c.ATRPeriod)
	}
	if c.ATRStopMultiple <= 0 {
		return fmt.Errorf("atr_stop_multiple 必须 > 0，当前 %v", c.ATRStopMultiple)
	}
	return nil
}

// Portfolio 资金、仓位、挂单、成交与净值曲线的唯一持有者。
// 执行引擎与交收跟踪器作为无状态协作方注入，不持有组合状态。
type Portfolio struct {
	cfg     Config
	exec    *ExecutionEngine
	tracker *SettlementTracker

	cash          float64
	positions     map[string]*Position
	pendingOrders []*Order
	trades        []Trade
	equityCurve   []EquityPoint
}

func NewPortfolio(cfg Config, exec *ExecutionEngine, tracker *SettlementTracker) (*Portfolio, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("组合配置非法: %w", err)
	}
	if exec == nil || tracker == nil {
		return nil, fmt.Errorf("执行引擎与交收跟踪器不能为空")
	}
	return &Portfolio{
		cfg:       cfg,
		exec:      exec,
		tracker:   tracker,
		cash:      cfg.InitialCapital,
		positions: make(map[string]*Position),
	}, nil
}

func (p *Portfolio) Cash() float64                 { return p.cash }
func (p *Portfolio) InitialCapital() float64       { return p.cfg.InitialCapital }
func (p *Portfolio) Trades() []Trade               { return p.trades }
func (p *Portfolio) EquityCurve() []EquityPoint    { return p.equityCurve }
func (p *Portfolio) Tracker() *SettlementTracker   { return p.tracker }
func (p *Portfolio) Executor() *ExecutionEngine    { return p.exec }
func (p *Portfolio) Positions() map[string]*Position {
	return p.positions
}

// PositionCodes 按代码升序返回全部持仓代码。遍历持仓的场合统一走
// 这里，同一输入跑多少次顺序都一样。
func (p *Portfolio) PositionCodes() []string {
	codes := make([]string, 0, len(p.positions))
	for code := range p.positions {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return codes
}

func (p *Portfolio) HasPosition(code string) bool {
	_, ok := p.positions[code]
	return ok
}

func (p *Portfolio) PendingOrders() []*Order { return p.pendingOrders }

func (p *Portfolio) pendingBuyCount() int {
	n := 0
	for _, o := range p.pendingOrders {
		if o.Action == ActionBuy && o.Status == OrderPending {
			n++
		}
	}
	return n
}

func (p *Portfolio) hasPendingBuy(code string) bool {
	for _, o := range p.pendingOrders {
		if o.Action == ActionBuy && o.Status == OrderPending && o.Code == code {
			return true
		}
	}
	return false
}

func (p *Portfolio) hasPendingSell(code string) bool {
	for _, o := range p.pendingOrders {
		if o.Action == ActionSell && o.Status == OrderPending && o.Code == code {
			return true
		}
	}
	return false
}

// AvailableCash 现金减去冻结部分。
func (p *Portfolio) AvailableCash() float64 {
	return p.cash - p.tracker.TotalFrozenCash()
}

// ProjectedCash 预计 executionDate 当日可用于买入的资金：现金加上恰好
// 当日交收的回款，减去已排在同一执行日的其他买单预估支出，再乘安全
// 系数吸收开盘跳空风险。多个同日买信号用它避免集体透支 T+1 资金。
func (p *Portfolio) ProjectedCash(executionDate string) float64 {
	projected := p.cash + p.tracker.PendingProceedsOn(executionDate)
	for _, o := range p.pendingOrders {
		if o.Action == ActionBuy && o.Status == OrderPending && o.ExecutionDate == executionDate {
			projected -= o.TotalCost
		}
	}
	return projected * p.cfg.BufferPct
}

// CanOpenNewPosition 在持仓数加挂单买入数未达上限。资金是否充足交给
// 逐信号的仓位计算判断，不在这里检查。
func (p *Portfolio) CanOpenNewPosition() bool {
	return len(p.positions)+p.pendingBuyCount() < p.cfg.MaxPositions
}

// CalculatePositionSize 按配置模式计算整手股数。
func (p *Portfolio) CalculatePositionSize(code string, price float64, hist []market.Bar, projectedCash float64) (int, error) {
	switch p.cfg.SizingMode {
	case SizingEqualWeight:
		return p.sizeEqualWeight(price, projectedCash), nil
	case SizingRiskBased:
		return p.sizeRiskBased(code, price, hist, projectedCash), nil
	default:
		return 0, fmt.Errorf("未知的仓位模式 %q", p.cfg.SizingMode)
	}
}

// sizeEqualWeight 可用资金按剩余仓位槽均分。
func (p *Portfolio) sizeEqualWeight(price, projectedCash float64) int {
	remaining := p.cfg.MaxPositions - (len(p.positions) + p.pendingBuyCount())
	if remaining < 1 {
		remaining = 1
	}
	target := projectedCash / float64(remaining)
	shares := p.exec.MaxAffordableShares(target, price)
	if shares <= 0 {
		return 0
	}
	if p.exec.EstimateBuyCost(price, shares) > projectedCash {
		return 0
	}
	return shares
}

// sizeRiskBased 按初始资金的固定比例承担单笔风险，止损距离取 2 倍 ATR；
// 历史不足以计算 ATR 时退回均分模式。
func (p *Portfolio) sizeRiskBased(code string, price float64, hist []market.Bar, projectedCash float64) int {
	if len(hist) < p.cfg.ATRPeriod {
		logger.Debugf("%s 历史 %d 根不足 ATR(%d)，退回均分仓位", code, len(hist), p.cfg.ATRPeriod)
		return p.sizeEqualWeight(price, projectedCash)
	}
	high := make([]float64, len(hist))
	low := make([]float64, len(hist))
	closePrices := make([]float64, len(hist))
	for i, b := range hist {
		high[i], low[i], closePrices[i] = b.High, b.Low, b.Close
	}
	atr, ok := indicator.ATR(high, low, closePrices, p.cfg.ATRPeriod)
	if !ok || atr <= 0 {
		return p.sizeEqualWeight(price, projectedCash)
	}
	riskAmount := p.cfg.InitialCapital * p.cfg.RiskPerTradePct
	stopDistance := p.cfg.ATRStopMultiple * atr
	sharesForRisk := p.exec.RoundToLot(int(riskAmount / stopDistance))
	maxAffordable := p.exec.MaxAffordableShares(projectedCash, price)
	if sharesForRisk > maxAffordable {
		sharesForRisk = maxAffordable
	}
	return sharesForRisk
}

// GenerateBuyOrder 为买信号生成 T+1 挂单。返回的 skip 非空表示未下单
// 及其原因；order 创建时即写入预估支出，保证同日后续信号看到更新后的
// 预计资金。
func (p *Portfolio) GenerateBuyOrder(code, signalDate string, price float64, strategyTag string, hist []market.Bar) (order *Order, skip string, err error) {
	if !p.CanOpenNewPosition() {
		return nil, "持仓与挂单已达上限", nil
	}
	if p.HasPosition(code) || p.hasPendingBuy(code) {
		return nil, "已持有或已有挂单", nil
	}
	if price <= 0 {
		return nil, "无有效价格", nil
	}
	executionDate, err := market.NextDay(signalDate)
	if err != nil {
		return nil, "", err
	}
	projected := p.ProjectedCash(executionDate)
	shares, err := p.CalculatePositionSize(code, price, hist, projected)
	if err != nil {
		return nil, "", err
	}
	if shares <= 0 {
		return nil, "可用资金不足一手", nil
	}
	o := &Order{
		Code:          code,
		Action:        ActionBuy,
		Shares:        shares,
		SignalDate:    signalDate,
		ExecutionDate: executionDate,
		Status:        OrderPending,
		TotalCost:     p.exec.EstimateBuyCost(price, shares),
		BuyStrategy:   strategyTag,
	}
	p.pendingOrders = append(p.pendingOrders, o)
	return o, "", nil
}

// GenerateSellOrder 为持仓生成 T+1 全仓卖出挂单。
func (p *Portfolio) GenerateSellOrder(code, signalDate, reason string) (order *Order, skip string, err error) {
	pos, ok := p.positions[code]
	if !ok {
		return nil, "无持仓", nil
	}
	if p.hasPendingSell(code) {
		return nil, "已有卖出挂单", nil
	}
	if !p.tracker.CanSell(code, signalDate) {
		return nil, "T+1 限制未到可卖日", nil
	}
	executionDate, err := market.NextDay(signalDate)
	if err != nil {
		return nil, "", err
	}
	o := &Order{
		Code:          code,
		Action:        ActionSell,
		Shares:        pos.Shares,
		SignalDate:    signalDate,
		ExecutionDate: executionDate,
		Status:        OrderPending,
		Reason:        reason,
		BuyStrategy:   pos.BuyStrategy,
	}
	p.pendingOrders = append(p.pendingOrders, o)
	return o, "", nil
}

// ExecutePendingOrders 处理执行日为 date 的挂单，按开盘价成交。
// 返回当日落定（成交或失败）的全部订单供调用方记录；未到期的订单
// 继续保留，执行日早于 date 的陈旧订单（T+1 落在非交易日）置为失败，
// 避免永久占用仓位槽。
func (p *Portfolio) ExecutePendingOrders(date string, data *market.Dataset) []*Order {
	var due, carry []*Order
	for _, o := range p.pendingOrders {
		switch {
		case o.Status != OrderPending:
			// 已落定的不应留在队列，防御性过滤
		case o.ExecutionDate == date:
			due = append(due, o)
		case o.ExecutionDate < date:
			o.Status = OrderFailed
			o.Reason = fmt.Sprintf("执行日 %s 非交易日，订单作废", o.ExecutionDate)
			due = append(due, o)
		default:
			carry = append(carry, o)
		}
	}
	p.pendingOrders = carry

	var resolved []*Order
	for _, o := range due {
		if o.Status == OrderFailed {
			resolved = append(resolved, o)
			continue
		}
		p.resolveOrder(o, date, data)
		resolved = append(resolved, o)
	}
	return resolved
}

func (p *Portfolio) resolveOrder(o *Order, date string, data *market.Dataset) {
	series, ok := data.Get(o.Code)
	if !ok {
		o.Status = OrderFailed
		o.Reason = fmt.Sprintf("%s 无行情数据", o.Code)
		return
	}
	bar, ok := series.At(date)
	if !ok {
		o.Status = OrderFailed
		o.Reason = fmt.Sprintf("%s 在 %s 无 K 线", o.Code, date)
		return
	}
	prevClose, ok := series.PrevClose(date)
	if !ok {
		o.Status = OrderFailed
		o.Reason = fmt.Sprintf("%s 缺少昨收价", o.Code)
		return
	}
	if !ValidateBar(bar) {
		o.Status = OrderFailed
		o.Reason = fmt.Sprintf("%s 在 %s 的 K 线数据异常", o.Code, date)
		return
	}
	if err := p.exec.CanExecute(o, bar, prevClose); err != nil {
		o.Status = OrderFailed
		var reject *RejectError
		if errors.As(err, &reject) {
			o.Reason = reject.Detail
		} else {
			o.Reason = err.Error()
		}
		return
	}
	p.exec.Execute(o, bar.Open)
	switch o.Action {
	case ActionBuy:
		p.settleBuy(o)
	case ActionSell:
		p.settleSell(o)
	}
}

// settleBuy 买入成交的资金与仓位变更。单笔订单的变更是原子的：
// 资金保护检查失败时整单拒绝，不留下半截状态。
func (p *Portfolio) settleBuy(o *Order) {
	if o.TotalCost > p.cash+cashEpsilon {
		// 上游仓位计算正确时不应触发，一旦出现说明资金核算有错
		logger.Errorf("买入 %s 需要 %.2f 超过现金 %.2f，拒绝订单（请检查仓位计算）", o.Code, o.TotalCost, p.cash)
		o.Status = OrderFailed
		o.Reason = "执行时资金不足（防御性拒绝）"
		return
	}
	p.cash -= o.TotalCost
	if p.cash < 0 && p.cash > -cashEpsilon {
		p.cash = 0
	}
	pos := &Position{
		Code:        o.Code,
		EntryDate:   o.ExecutionDate,
		EntryPrice:  o.ExecutionPrice,
		Shares:      o.Shares,
		CostBasis:   o.TotalCost,
		BuyStrategy: o.BuyStrategy,

		HighestPriceSinceEntry: o.ExecutionPrice,
		HighestCloseSinceEntry: o.ExecutionPrice,
		HighestCloseDate:       o.ExecutionDate,
		LowestCloseSinceEntry:  o.ExecutionPrice,
		LowestCloseDate:        o.ExecutionDate,
		HighestHighSinceEntry:  o.ExecutionPrice,
		HighestHighDate:        o.ExecutionDate,
		LowestLowSinceEntry:    o.ExecutionPrice,
		LowestLowDate:          o.ExecutionDate,
	}
	p.positions[o.Code] = pos
	if sellable, err := market.NextDay(o.ExecutionDate); err == nil {
		p.tracker.FreezePosition(o.Code, sellable)
	}
}

// settleSell 卖出成交：平仓生成 Trade，回款当日计入现金（当日可再买），
// 交收记录到 T+1 仅约束可取资金。
func (p *Portfolio) settleSell(o *Order) {
	pos, ok := p.positions[o.Code]
	if !ok {
		logger.Errorf("卖出 %s 成交但无对应持仓，回测状态异常", o.Code)
		o.Status = OrderFailed
		o.Reason = "无对应持仓（防御性拒绝）"
		return
	}
	grossPnL := (o.ExecutionPrice - pos.EntryPrice) * float64(pos.Shares)
	netPnL := o.NetProceeds - pos.CostBasis
	entryNotional := pos.EntryPrice * float64(pos.Shares)
	trade := Trade{
		Code:         pos.Code,
		EntryDate:    pos.EntryDate,
		ExitDate:     o.ExecutionDate,
		EntryPrice:   pos.EntryPrice,
		ExitPrice:    o.ExecutionPrice,
		Shares:       pos.Shares,
		EntryCost:    pos.CostBasis,
		ExitProceeds: o.NetProceeds,
		GrossPnL:     grossPnL,
		NetPnL:       netPnL,
		HoldingDays:  pos.DaysHeld,
		ExitReason:   o.Reason,
		BuyStrategy:  pos.BuyStrategy,
	}
	if entryNotional > 0 {
		trade.GrossPnLPct = grossPnL / entryNotional
	}
	if pos.CostBasis > 0 {
		trade.NetPnLPct = netPnL / pos.CostBasis
	}
	if pos.EntryPrice > 0 {
		trade.MaxUnrealizedPnLPct = (pos.HighestPriceSinceEntry - pos.EntryPrice) / pos.EntryPrice
	}
	p.trades = append(p.trades, trade)
	delete(p.positions, o.Code)

	p.cash += o.NetProceeds
	if settleDate, err := market.NextDay(o.ExecutionDate); err == nil {
		p.tracker.AddPendingProceeds(o.NetProceeds, settleDate)
	}
}

// UpdatePositions 用当日 K 线刷新持仓滚动统计。停牌（零成交量）当日
// 既不更新价格统计也不累计持有天数。
func (p *Portfolio) UpdatePositions(date string, bars map[string]market.Bar) {
	for code, pos := range p.positions {
		bar, ok := bars[code]
		if !ok || bar.Volume == 0 {
			continue
		}
		if bar.High > pos.HighestPriceSinceEntry {
			pos.HighestPriceSinceEntry = bar.High
		}
		if bar.Close > pos.HighestCloseSinceEntry {
			pos.HighestCloseSinceEntry = bar.Close
			pos.HighestCloseDate = date
		}
		if bar.Close < pos.LowestCloseSinceEntry {
			pos.LowestCloseSinceEntry = bar.Close
			pos.LowestCloseDate = date
		}
		if bar.High > pos.HighestHighSinceEntry {
			pos.HighestHighSinceEntry = bar.High
			pos.HighestHighDate = date
		}
		if bar.Low < pos.LowestLowSinceEntry {
			pos.LowestLowSinceEntry = bar.Low
			pos.LowestLowDate = date
		}
		pos.DaysHeld++
	}
}

// UpdateEquityCurve 追加当日净值快照。持仓市值按当日有 K 线的仓位
// 收盘价合计。
func (p *Portfolio) UpdateEquityCurve(date string, bars map[string]market.Bar) {
	positionValue := 0.0
	for _, code := range p.PositionCodes() {
		if bar, ok := bars[code]; ok {
			positionValue += float64(p.positions[code].Shares) * bar.Close
		}
	}
	p.equityCurve = append(p.equityCurve, EquityPoint{
		Date:            date,
		Cash:            p.cash,
		PositionValue:   positionValue,
		TotalValue:      p.cash + positionValue,
		NumPositions:    len(p.positions),
		FrozenCash:      p.tracker.TotalFrozenCash(),
		PendingProceeds: p.tracker.TotalPendingProceeds(),
	})
}

// ProcessSettlement 每个模拟日开盘前调用一次。卖出回款在成交日已计入
// 现金，这里只解除交收与冻结记录并输出诊断。
func (p *Portfolio) ProcessSettlement(date string) (releasedCash, receivedProceeds float64) {
	releasedCash, receivedProceeds = p.tracker.Settle(date)
	if releasedCash > 0 || receivedProceeds > 0 {
		logger.Debugf("%s 交收: 解冻资金 %.2f, 回款完成交收 %.2f", date, releasedCash, receivedProceeds)
	}
	return releasedCash, receivedProceeds
}

// TotalValue 现金加持仓市值（按给定收盘价表）。
func (p *Portfolio) TotalValue(bars map[string]market.Bar) float64 {
	total := p.cash
	for _, code := range p.PositionCodes() {
		if bar, ok := bars[code]; ok {
			total += float64(p.positions[code].Shares) * bar.Close
		}
	}
	return total
}

// CancelPendingOrders 将全部未到期挂单置为已取消，返回取消数量。
// 运行被取消时调用，保证终态下没有悬挂订单。
func (p *Portfolio) CancelPendingOrders(reason string) int {
	n := 0
	for _, o := range p.pendingOrders {
		if o.Status == OrderPending {
			o.Status = OrderCancelled
			o.Reason = reason
			n++
		}
	}
	p.pendingOrders = nil
	return n
}
