package sellrule

import "fmt"

// FixedProfitTargetParams 固定止盈参数。
type FixedProfitTargetParams struct {
	TargetPct float64 `mapstructure:"target_pct"` // 止盈比例，> 0
}

type fixedProfitTarget struct {
	params FixedProfitTargetParams
}

func newFixedProfitTarget(raw map[string]any) (Rule, error) {
	p := FixedProfitTargetParams{TargetPct: 0.15}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TargetPct <= 0 {
		return nil, fmt.Errorf("target_pct 必须 > 0，当前 %v", p.TargetPct)
	}
	return &fixedProfitTarget{params: p}, nil
}

func (r *fixedProfitTarget) Name() string {
	return fmt.Sprintf("固定止盈(%.1f%%)", r.params.TargetPct*100)
}

func (r *fixedProfitTarget) ShouldSell(ctx *Context) (bool, string, error) {
	close := ctx.Bar.Close
	profit := ctx.unrealizedPnLPct(close)
	if profit >= r.params.TargetPct {
		return true, fmt.Sprintf("固定止盈 %.1f%% 达成于 %.2f（盈亏 %+.2f%%）",
			r.params.TargetPct*100, close, profit*100), nil
	}
	return false, "", nil
}

// MultipleRExitParams R 倍数止盈参数。R 为入场时的初始风险
// （入场日 ATR × 止损倍数 ÷ 入场价），浮盈达到 N×R 时离场。
type MultipleRExitParams struct {
	RMultiple      float64 `mapstructure:"r_multiple"`
	ATRPeriod      int     `mapstructure:"atr_period"`
	StopMultiplier float64 `mapstructure:"stop_multiplier"`
}

type multipleRExit struct {
	params MultipleRExitParams
}

func newMultipleRExit(raw map[string]any) (Rule, error) {
	p := MultipleRExitParams{RMultiple: 3.0, ATRPeriod: 14, StopMultiplier: 2.0}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.RMultiple <= 0 || p.ATRPeriod <= 0 || p.StopMultiplier <= 0 {
		return nil, fmt.Errorf("R 倍数止盈参数必须均 > 0")
	}
	return &multipleRExit{params: p}, nil
}

func (r *multipleRExit) Name() string {
	return fmt.Sprintf("R倍数止盈(%gR)", r.params.RMultiple)
}

// 入场时历史不足以算 ATR 时，初始风险退化为 2% × 止损倍数。
const fallbackRiskPct = 0.02

func (r *multipleRExit) ShouldSell(ctx *Context) (bool, string, error) {
	entryIdx := ctx.entryIndex()
	if entryIdx < 0 {
		return false, "", nil
	}
	upToEntry := ctx.Hist[:entryIdx+1]

	initialRiskPct := fallbackRiskPct * r.params.StopMultiplier
	if len(upToEntry) >= r.params.ATRPeriod+1 {
		high := make([]float64, len(upToEntry))
		low := make([]float64, len(upToEntry))
		close := make([]float64, len(upToEntry))
		for i, b := range upToEntry {
			high[i], low[i], close[i] = b.High, b.Low, b.Close
		}
		if atr, ok := atrOf(ctx, ctx.Position.Code, ctx.Position.EntryDate, high, low, close, r.params.ATRPeriod); ok && atr > 0 {
			initialRiskPct = atr * r.params.StopMultiplier / ctx.Position.EntryPrice
		}
	}

	target := initialRiskPct * r.params.RMultiple
	close := ctx.Bar.Close
	profit := ctx.unrealizedPnLPct(close)
	if profit >= target {
		return true, fmt.Sprintf("%gR 目标达成于 %.2f（R=%.2f%%，盈亏 %+.2f%%）",
			r.params.RMultiple, close, initialRiskPct*100, profit*100), nil
	}
	return false, "", nil
}
