package portfolio

import (
	"fmt"
	"math"

	"abacktest/internal/market"
)

// RejectReason 执行层拒单原因，可供调用方分支判断。
type RejectReason string

const (
	RejectSuspended         RejectReason = "suspended"
	RejectUpperLimitBlocked RejectReason = "upper_limit_blocked"
	RejectLowerLimitBlocked RejectReason = "lower_limit_blocked"
)

// RejectError 拒单错误，Detail 为落到订单 reason 字段的可读说明。
type RejectError struct {
	Reason RejectReason
	Detail string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// ExecutionConfig A 股市场微观结构参数。
type ExecutionConfig struct {
	CommissionRate float64 `mapstructure:"commission_rate"` // 佣金费率（双边）
	StampTaxRate   float64 `mapstructure:"stamp_tax_rate"`  // 印花税率（仅卖出）
	SlippageRate   float64 `mapstructure:"slippage_rate"`   // 滑点率（买高卖低）
	MinCommission  float64 `mapstructure:"min_commission"`  // 单笔最低佣金
	LotSize        int     `mapstructure:"lot_size"`        // 一手股数
	// 涨跌停判定阈值：开盘价 ≥ 昨收 × UpperLimitRatio 视为封涨停，
	// ≤ 昨收 × LowerLimitRatio 视为封跌停。取 9.9%/90.1% 容忍取整误差。
	UpperLimitRatio float64 `mapstructure:"upper_limit_ratio"`
	LowerLimitRatio float64 `mapstructure:"lower_limit_ratio"`
}

func (c *ExecutionConfig) Validate() error {
	if c.CommissionRate < 0 || c.StampTaxRate < 0 || c.SlippageRate < 0 || c.MinCommission < 0 {
		return fmt.Errorf("费率参数不能为负")
	}
	if c.LotSize < 0 {
		return fmt.Errorf("lot_size 不能为负，当前 %d", c.LotSize)
	}
	if c.UpperLimitRatio < 0 || c.LowerLimitRatio < 0 {
		return fmt.Errorf("涨跌停阈值不能为负")
	}
	if c.UpperLimitRatio > 0 && c.LowerLimitRatio > 0 && c.UpperLimitRatio <= c.LowerLimitRatio {
		return fmt.Errorf("upper_limit_ratio 必须大于 lower_limit_ratio")
	}
	return nil
}

func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		CommissionRate:  0.0003,
		StampTaxRate:    0.001,
		SlippageRate:    0.001,
		MinCommission:   5.0,
		LotSize:         100,
		UpperLimitRatio: 1.099,
		LowerLimitRatio: 0.901,
	}
}

// ExecutionEngine 对单笔订单应用市场规则：涨跌停、停牌、整手、费用。
// 无状态，单次调用只依赖入参。
type ExecutionEngine struct {
	cfg ExecutionConfig
}

func NewExecutionEngine(cfg ExecutionConfig) *ExecutionEngine {
	if cfg.LotSize <= 0 {
		cfg.LotSize = 100
	}
	if cfg.UpperLimitRatio <= 0 {
		cfg.UpperLimitRatio = 1.099
	}
	if cfg.LowerLimitRatio <= 0 {
		cfg.LowerLimitRatio = 0.901
	}
	return &ExecutionEngine{cfg: cfg}
}

func (e *ExecutionEngine) Config() ExecutionConfig { return e.cfg }

// CanExecute 判断订单能否按当日 K 线成交。停牌与涨跌停均按开盘时刻判定：
// 买单封涨停不可追入，卖单封跌停不可卖出。
func (e *ExecutionEngine) CanExecute(order *Order, bar market.Bar, prevClose float64) error {
	if bar.Volume == 0 {
		return &RejectError{Reason: RejectSuspended, Detail: fmt.Sprintf("%s 当日停牌", order.Code)}
	}
	if prevClose <= 0 {
		return &RejectError{Reason: RejectSuspended, Detail: fmt.Sprintf("%s 缺少昨收价", order.Code)}
	}
	switch order.Action {
	case ActionBuy:
		if bar.Open >= prevClose*e.cfg.UpperLimitRatio {
			return &RejectError{
				Reason: RejectUpperLimitBlocked,
				Detail: fmt.Sprintf("%s 开盘 %.2f 封涨停（昨收 %.2f），买入受限", order.Code, bar.Open, prevClose),
			}
		}
	case ActionSell:
		if bar.Open <= prevClose*e.cfg.LowerLimitRatio {
			return &RejectError{
				Reason: RejectLowerLimitBlocked,
				Detail: fmt.Sprintf("%s 开盘 %.2f 封跌停（昨收 %.2f），卖出受限", order.Code, bar.Open, prevClose),
			}
		}
	}
	return nil
}

// Execute 按给定价格成交并填充费用字段。调用前必须先通过 CanExecute，
// 本方法不再失败。滑点始终向不利方向调整。
func (e *ExecutionEngine) Execute(order *Order, price float64) {
	switch order.Action {
	case ActionBuy:
		execPrice := price * (1 + e.cfg.SlippageRate)
		notional := execPrice * float64(order.Shares)
		commission := e.commission(notional)
		order.ExecutionPrice = execPrice
		order.Slippage = (execPrice - price) * float64(order.Shares)
		order.Commission = commission
		order.StampTax = 0
		order.TotalCost = notional + commission
	case ActionSell:
		execPrice := price * (1 - e.cfg.SlippageRate)
		notional := execPrice * float64(order.Shares)
		commission := e.commission(notional)
		stampTax := notional * e.cfg.StampTaxRate
		order.ExecutionPrice = execPrice
		order.Slippage = (price - execPrice) * float64(order.Shares)
		order.Commission = commission
		order.StampTax = stampTax
		order.NetProceeds = notional - commission - stampTax
	}
	order.Status = OrderExecuted
}

func (e *ExecutionEngine) commission(notional float64) float64 {
	c := notional * e.cfg.CommissionRate
	if c < e.cfg.MinCommission {
		c = e.cfg.MinCommission
	}
	return c
}

// EstimateBuyCost 预估买入总支出（含滑点与佣金下限），下单前记入订单
// 供同日后续信号计算预计可用资金。
func (e *ExecutionEngine) EstimateBuyCost(price float64, shares int) float64 {
	if shares <= 0 || price <= 0 {
		return 0
	}
	notional := price * (1 + e.cfg.SlippageRate) * float64(shares)
	return notional + e.commission(notional)
}

// MaxAffordableShares 给定资金下可买的最大整手股数。先按调整价做一次
// 近似，再逐手下调直到总支出不超过 cash；一手都买不起返回 0。
func (e *ExecutionEngine) MaxAffordableShares(cash, price float64) int {
	if cash <= 0 || price <= 0 {
		return 0
	}
	adjPrice := price * (1 + e.cfg.SlippageRate)
	shares := e.RoundToLot(int(cash / adjPrice))
	for shares > 0 {
		if e.EstimateBuyCost(price, shares) <= cash {
			return shares
		}
		shares -= e.cfg.LotSize
	}
	return 0
}

// RoundToLot 向下取整到整手。
func (e *ExecutionEngine) RoundToLot(shares int) int {
	if shares <= 0 {
		return 0
	}
	return shares - shares%e.cfg.LotSize
}

// ValidateBar 校验 K 线数据质量：NaN、负值、高低价与开收盘倒挂。
// 成交量为 0 合法（停牌由 CanExecute 处理）。
func ValidateBar(bar market.Bar) bool {
	fields := []float64{bar.Open, bar.High, bar.Low, bar.Close, bar.Volume}
	for _, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	if bar.Open <= 0 || bar.High <= 0 || bar.Low <= 0 || bar.Close <= 0 {
		return false
	}
	if bar.High < bar.Low {
		return false
	}
	if bar.Low > bar.Open || bar.Low > bar.Close {
		return false
	}
	if bar.High < bar.Open || bar.High < bar.Close {
		return false
	}
	return true
}
