package sellrule

import (
	"fmt"
	"math"
)

// AdaptiveVolatilityExitParams 波动率自适应止损参数：高波动放宽止损
// 避免洗出，低波动收紧止损保护利润。波动率状态按历史分位数判定。
type AdaptiveVolatilityExitParams struct {
	VolatilityPeriod  int     `mapstructure:"volatility_period"`
	LookbackPeriod    int     `mapstructure:"lookback_period"`
	LowVolPercentile  float64 `mapstructure:"low_vol_percentile"`
	HighVolPercentile float64 `mapstructure:"high_vol_percentile"`
	LowVolStopPct     float64 `mapstructure:"low_vol_stop_pct"`
	NormalVolStopPct  float64 `mapstructure:"normal_vol_stop_pct"`
	HighVolStopPct    float64 `mapstructure:"high_vol_stop_pct"`
}

type adaptiveVolatilityExit struct {
	params AdaptiveVolatilityExitParams
}

func newAdaptiveVolatilityExit(raw map[string]any) (Rule, error) {
	p := AdaptiveVolatilityExitParams{
		VolatilityPeriod:  20,
		LookbackPeriod:    120,
		LowVolPercentile:  30,
		HighVolPercentile: 70,
		LowVolStopPct:     0.05,
		NormalVolStopPct:  0.08,
		HighVolStopPct:    0.12,
	}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.VolatilityPeriod <= 0 || p.LookbackPeriod <= 0 {
		return nil, fmt.Errorf("volatility_period 与 lookback_period 必须 > 0")
	}
	if p.LowVolPercentile >= p.HighVolPercentile {
		return nil, fmt.Errorf("low_vol_percentile(%v) 必须小于 high_vol_percentile(%v)", p.LowVolPercentile, p.HighVolPercentile)
	}
	for _, stop := range []float64{p.LowVolStopPct, p.NormalVolStopPct, p.HighVolStopPct} {
		if stop <= 0 || stop >= 1 {
			return nil, fmt.Errorf("止损比例必须在 (0,1) 内")
		}
	}
	return &adaptiveVolatilityExit{params: p}, nil
}

func (r *adaptiveVolatilityExit) Name() string {
	return fmt.Sprintf("波动自适应止损(%.0f%%-%.0f%%)", r.params.LowVolStopPct*100, r.params.HighVolStopPct*100)
}

func (r *adaptiveVolatilityExit) ShouldSell(ctx *Context) (bool, string, error) {
	_, _, close, _ := ctx.ohlcv()
	currentVol, ok := logReturnVol(close, r.params.VolatilityPeriod)
	if !ok {
		return false, "", nil
	}
	percentile, ok := r.volPercentile(close, currentVol)
	if !ok {
		return false, "", nil
	}

	var stopPct float64
	var regime string
	switch {
	case percentile < r.params.LowVolPercentile:
		stopPct, regime = r.params.LowVolStopPct, "低波动"
	case percentile > r.params.HighVolPercentile:
		stopPct, regime = r.params.HighVolStopPct, "高波动"
	default:
		stopPct, regime = r.params.NormalVolStopPct, "正常波动"
	}

	stop := ctx.Position.HighestPriceSinceEntry * (1 - stopPct)
	currentClose := ctx.Bar.Close
	if currentClose <= stop {
		return true, fmt.Sprintf("自适应止损触发于 %.2f（%s %.1f%%，波动分位 %.0f，止损位 %.2f，盈亏 %+.2f%%）",
			currentClose, regime, stopPct*100, percentile, stop, ctx.unrealizedPnLPct(currentClose)*100), nil
	}
	return false, "", nil
}

// volPercentile 当前波动率在回看窗口各期波动率中的分位（0-100）。
func (r *adaptiveVolatilityExit) volPercentile(close []float64, currentVol float64) (float64, bool) {
	if len(close) < r.params.LookbackPeriod+r.params.VolatilityPeriod {
		return 0, false
	}
	var vols []float64
	for i := len(close) - r.params.LookbackPeriod; i < len(close); i++ {
		if i < r.params.VolatilityPeriod {
			continue
		}
		window := close[i-r.params.VolatilityPeriod : i+1]
		if vol, ok := logReturnVol(window, r.params.VolatilityPeriod); ok {
			vols = append(vols, vol)
		}
	}
	if len(vols) == 0 {
		return 0, false
	}
	below := 0
	for _, v := range vols {
		if v < currentVol {
			below++
		}
	}
	return float64(below) / float64(len(vols)) * 100, true
}

// logReturnVol 最近 period+1 个收盘价的对数收益率样本标准差。
func logReturnVol(close []float64, period int) (float64, bool) {
	if len(close) < period+1 {
		return 0, false
	}
	window := close[len(close)-period-1:]
	var returns []float64
	for i := 1; i < len(window); i++ {
		if window[i-1] <= 0 || window[i] <= 0 {
			return 0, false
		}
		returns = append(returns, math.Log(window[i]/window[i-1]))
	}
	if len(returns) < 2 {
		return 0, false
	}
	mean := 0.0
	for _, v := range returns {
		mean += v
	}
	mean /= float64(len(returns))
	variance := 0.0
	for _, v := range returns {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(returns) - 1)
	return math.Sqrt(variance), true
}
