package sellrule

import "fmt"

// VolumeDryUpExitParams 缩量离场参数：连续 M 日成交量低于 N 日均量的
// 给定比例，视为动能衰竭。
type VolumeDryUpExitParams struct {
	VolumeThresholdPct float64 `mapstructure:"volume_threshold_pct"`
	LookbackPeriod     int     `mapstructure:"lookback_period"`
	ConsecutiveDays    int     `mapstructure:"consecutive_days"`
}

type volumeDryUpExit struct {
	params VolumeDryUpExitParams
}

func newVolumeDryUpExit(raw map[string]any) (Rule, error) {
	p := VolumeDryUpExitParams{VolumeThresholdPct: 0.5, LookbackPeriod: 20, ConsecutiveDays: 3}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.VolumeThresholdPct <= 0 || p.VolumeThresholdPct >= 1 {
		return nil, fmt.Errorf("volume_threshold_pct 必须在 (0,1) 内，当前 %v", p.VolumeThresholdPct)
	}
	if p.LookbackPeriod <= 0 || p.ConsecutiveDays <= 0 {
		return nil, fmt.Errorf("lookback_period 与 consecutive_days 必须 > 0")
	}
	return &volumeDryUpExit{params: p}, nil
}

func (r *volumeDryUpExit) Name() string {
	return fmt.Sprintf("缩量离场(%d日<%.0f%%均量)", r.params.ConsecutiveDays, r.params.VolumeThresholdPct*100)
}

func (r *volumeDryUpExit) ShouldSell(ctx *Context) (bool, string, error) {
	_, _, _, volume := ctx.ohlcv()
	if len(volume) < r.params.LookbackPeriod+r.params.ConsecutiveDays {
		return false, "", nil
	}
	sum := 0.0
	for _, v := range volume[len(volume)-r.params.LookbackPeriod:] {
		sum += v
	}
	avg := sum / float64(r.params.LookbackPeriod)
	if avg == 0 {
		return false, "", nil
	}
	lowDays := 0
	for _, v := range volume[len(volume)-r.params.ConsecutiveDays:] {
		if v < avg*r.params.VolumeThresholdPct {
			lowDays++
		}
	}
	if lowDays >= r.params.ConsecutiveDays {
		ratio := ctx.Bar.Volume / avg
		return true, fmt.Sprintf("连续 %d 日缩量（<%.0f%% 均量，量比 %.2f，盈亏 %+.2f%%）",
			lowDays, r.params.VolumeThresholdPct*100, ratio, ctx.unrealizedPnLPct(ctx.Bar.Close)*100), nil
	}
	return false, "", nil
}
