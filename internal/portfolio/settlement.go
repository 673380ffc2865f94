package portfolio

// SettlementTracker T+1 交收模型：买入的仓位 T+1 可卖；卖出回款
// 当日可继续买入、T+1 完成交收可取；冻结资金到期自动解冻。
// 各映射的键均为日期串，条目在到期日被 Settle 弹出。
type SettlementTracker struct {
	frozenCash      map[string]float64 // 解冻日 -> 金额
	pendingProceeds map[string]float64 // 交收日 -> 金额
	frozenPositions map[string]string  // code -> 最早可卖日
}

func NewSettlementTracker() *SettlementTracker {
	return &SettlementTracker{
		frozenCash:      make(map[string]float64),
		pendingProceeds: make(map[string]float64),
		frozenPositions: make(map[string]string),
	}
}

func (t *SettlementTracker) FreezeCash(amount float64, releaseDate string) {
	if amount <= 0 || releaseDate == "" {
		return
	}
	t.frozenCash[releaseDate] += amount
}

func (t *SettlementTracker) AddPendingProceeds(amount float64, settleDate string) {
	if amount <= 0 || settleDate == "" {
		return
	}
	t.pendingProceeds[settleDate] += amount
}

func (t *SettlementTracker) FreezePosition(code, sellableDate string) {
	if code == "" || sellableDate == "" {
		return
	}
	t.frozenPositions[code] = sellableDate
}

// CanSell 无冻结记录或已到可卖日即可卖。
func (t *SettlementTracker) CanSell(code, date string) bool {
	sellable, ok := t.frozenPositions[code]
	if !ok {
		return true
	}
	return date >= sellable
}

// Settle 弹出恰好在 date 到期的冻结资金与待交收回款，并清理已到期的
// 仓位冻结记录。每个模拟日必须先于当日其他操作调用一次；同一日期
// 第二次调用返回零（不会重复解冻）。
func (t *SettlementTracker) Settle(date string) (releasedCash, receivedProceeds float64) {
	if amount, ok := t.frozenCash[date]; ok {
		releasedCash = amount
		delete(t.frozenCash, date)
	}
	if amount, ok := t.pendingProceeds[date]; ok {
		receivedProceeds = amount
		delete(t.pendingProceeds, date)
	}
	for code, sellable := range t.frozenPositions {
		if sellable <= date {
			delete(t.frozenPositions, code)
		}
	}
	return releasedCash, receivedProceeds
}

func (t *SettlementTracker) TotalFrozenCash() float64 {
	total := 0.0
	for _, amount := range t.frozenCash {
		total += amount
	}
	return total
}

func (t *SettlementTracker) TotalPendingProceeds() float64 {
	total := 0.0
	for _, amount := range t.pendingProceeds {
		total += amount
	}
	return total
}

// PendingProceedsOn 恰好在 date 交收的回款金额。
func (t *SettlementTracker) PendingProceedsOn(date string) float64 {
	return t.pendingProceeds[date]
}
