package sellrule

import "fmt"

// TimedExitParams 最长持有期参数，避免资金长期沉淀。
type TimedExitParams struct {
	MaxHoldingDays int `mapstructure:"max_holding_days"`
}

type timedExit struct {
	params TimedExitParams
}

func newTimedExit(raw map[string]any) (Rule, error) {
	p := TimedExitParams{MaxHoldingDays: 60}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.MaxHoldingDays <= 0 {
		return nil, fmt.Errorf("max_holding_days 必须 > 0，当前 %d", p.MaxHoldingDays)
	}
	return &timedExit{params: p}, nil
}

func (r *timedExit) Name() string {
	return fmt.Sprintf("限时离场(%d日)", r.params.MaxHoldingDays)
}

func (r *timedExit) ShouldSell(ctx *Context) (bool, string, error) {
	if ctx.Position.DaysHeld >= r.params.MaxHoldingDays {
		return true, fmt.Sprintf("持有达 %d 日上限（盈亏 %+.2f%%）",
			r.params.MaxHoldingDays, ctx.unrealizedPnLPct(ctx.Bar.Close)*100), nil
	}
	return false, "", nil
}

// holdForever 永不卖出，做买入持有基准对照。
type holdForever struct{}

func newHoldForever(raw map[string]any) (Rule, error) {
	if err := decodeParams(raw, &struct{}{}); err != nil {
		return nil, err
	}
	return holdForever{}, nil
}

func (holdForever) Name() string { return "永久持有" }

func (holdForever) ShouldSell(*Context) (bool, string, error) {
	return false, "", nil
}
