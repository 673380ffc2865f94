package sellrule

import "fmt"

// PercentageTrailingStopParams 百分比移动止损参数。
type PercentageTrailingStopParams struct {
	TrailingPct            float64 `mapstructure:"trailing_pct"`              // 回撤比例，(0,1)
	ActivateAfterProfitPct float64 `mapstructure:"activate_after_profit_pct"` // 浮盈达到该比例后才启用，0 表示始终启用
}

type percentageTrailingStop struct {
	params PercentageTrailingStopParams
}

func newPercentageTrailingStop(raw map[string]any) (Rule, error) {
	p := PercentageTrailingStopParams{TrailingPct: 0.08}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.TrailingPct <= 0 || p.TrailingPct >= 1 {
		return nil, fmt.Errorf("trailing_pct 必须在 (0,1) 内，当前 %v", p.TrailingPct)
	}
	if p.ActivateAfterProfitPct < 0 {
		return nil, fmt.Errorf("activate_after_profit_pct 不能为负，当前 %v", p.ActivateAfterProfitPct)
	}
	return &percentageTrailingStop{params: p}, nil
}

func (r *percentageTrailingStop) Name() string {
	if r.params.ActivateAfterProfitPct > 0 {
		return fmt.Sprintf("百分比移动止损(%.1f%%,浮盈%.1f%%后启用)", r.params.TrailingPct*100, r.params.ActivateAfterProfitPct*100)
	}
	return fmt.Sprintf("百分比移动止损(%.1f%%)", r.params.TrailingPct*100)
}

func (r *percentageTrailingStop) ShouldSell(ctx *Context) (bool, string, error) {
	pos := ctx.Position
	close := ctx.Bar.Close
	if r.params.ActivateAfterProfitPct > 0 {
		maxProfit := (pos.HighestPriceSinceEntry - pos.EntryPrice) / pos.EntryPrice
		if maxProfit < r.params.ActivateAfterProfitPct {
			return false, "", nil
		}
	}
	stop := pos.HighestPriceSinceEntry * (1 - r.params.TrailingPct)
	if close <= stop {
		return true, fmt.Sprintf("百分比移动止损 %.1f%% 触发于 %.2f（止损位 %.2f，盈亏 %+.2f%%）",
			r.params.TrailingPct*100, close, stop, ctx.unrealizedPnLPct(close)*100), nil
	}
	return false, "", nil
}

// ATRTrailingStopParams ATR 移动止损参数。止损位 = 入场后最高价 − ATR×倍数。
type ATRTrailingStopParams struct {
	ATRPeriod     int     `mapstructure:"atr_period"`
	ATRMultiplier float64 `mapstructure:"atr_multiplier"`
}

type atrTrailingStop struct {
	params ATRTrailingStopParams
}

func newATRTrailingStop(raw map[string]any) (Rule, error) {
	p := ATRTrailingStopParams{ATRPeriod: 14, ATRMultiplier: 2.0}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ATRPeriod <= 0 {
		return nil, fmt.Errorf("atr_period 必须 > 0，当前 %d", p.ATRPeriod)
	}
	if p.ATRMultiplier <= 0 {
		return nil, fmt.Errorf("atr_multiplier 必须 > 0，当前 %v", p.ATRMultiplier)
	}
	return &atrTrailingStop{params: p}, nil
}

func (r *atrTrailingStop) Name() string {
	return fmt.Sprintf("ATR移动止损(%gx)", r.params.ATRMultiplier)
}

func (r *atrTrailingStop) ShouldSell(ctx *Context) (bool, string, error) {
	if len(ctx.Hist) < r.params.ATRPeriod+1 {
		return false, "", nil
	}
	atr, ok := ctx.atr(r.params.ATRPeriod)
	if !ok || atr <= 0 {
		return false, "", nil
	}
	pos := ctx.Position
	stop := pos.HighestPriceSinceEntry - atr*r.params.ATRMultiplier
	close := ctx.Bar.Close
	if close <= stop {
		return true, fmt.Sprintf("ATR移动止损(%gx)触发于 %.2f（止损位 %.2f，盈亏 %+.2f%%）",
			r.params.ATRMultiplier, close, stop, ctx.unrealizedPnLPct(close)*100), nil
	}
	return false, "", nil
}

// ChandelierStopParams 吊灯止损参数。以入场以来最高价的回看窗口最高点
// 为基准，比 ATR 止损更不易被洗出。
type ChandelierStopParams struct {
	LookbackPeriod int     `mapstructure:"lookback_period"`
	ATRPeriod      int     `mapstructure:"atr_period"`
	ATRMultiplier  float64 `mapstructure:"atr_multiplier"`
}

type chandelierStop struct {
	params ChandelierStopParams
}

func newChandelierStop(raw map[string]any) (Rule, error) {
	p := ChandelierStopParams{LookbackPeriod: 22, ATRPeriod: 14, ATRMultiplier: 3.0}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.LookbackPeriod <= 0 || p.ATRPeriod <= 0 || p.ATRMultiplier <= 0 {
		return nil, fmt.Errorf("吊灯止损参数必须均 > 0")
	}
	return &chandelierStop{params: p}, nil
}

func (r *chandelierStop) Name() string {
	return fmt.Sprintf("吊灯止损(%gx)", r.params.ATRMultiplier)
}

func (r *chandelierStop) ShouldSell(ctx *Context) (bool, string, error) {
	if len(ctx.Hist) < r.params.ATRPeriod+1 {
		return false, "", nil
	}
	atr, ok := ctx.atr(r.params.ATRPeriod)
	if !ok || atr <= 0 {
		return false, "", nil
	}
	entryIdx := ctx.entryIndex()
	if entryIdx < 0 {
		return false, "", nil
	}
	sinceEntry := ctx.Hist[entryIdx:]
	lookback := r.params.LookbackPeriod
	if lookback > len(sinceEntry) {
		lookback = len(sinceEntry)
	}
	highest := sinceEntry[len(sinceEntry)-lookback].High
	for _, b := range sinceEntry[len(sinceEntry)-lookback:] {
		if b.High > highest {
			highest = b.High
		}
	}
	stop := highest - atr*r.params.ATRMultiplier
	close := ctx.Bar.Close
	if close <= stop {
		return true, fmt.Sprintf("吊灯止损(%gx)触发于 %.2f（止损位 %.2f，盈亏 %+.2f%%）",
			r.params.ATRMultiplier, close, stop, ctx.unrealizedPnLPct(close)*100), nil
	}
	return false, "", nil
}
