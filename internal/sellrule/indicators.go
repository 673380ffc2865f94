package sellrule

import (
	"fmt"
	"sort"

	"abacktest/internal/indicator"
)

// KDJOverboughtExitParams KDJ 超买离场参数。
type KDJOverboughtExitParams struct {
	JThreshold      float64 `mapstructure:"j_threshold"`       // 固定阈值
	WaitForTurndown bool    `mapstructure:"wait_for_turndown"` // 要求 J 拐头向下才卖
	UsePercentile   bool    `mapstructure:"use_percentile"`    // 用入场以来分位数替代固定阈值
	Percentile      float64 `mapstructure:"percentile"`
}

type kdjOverboughtExit struct {
	params KDJOverboughtExitParams
}

func newKDJOverboughtExit(raw map[string]any) (Rule, error) {
	p := KDJOverboughtExitParams{JThreshold: 80, Percentile: 90}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.UsePercentile && (p.Percentile <= 0 || p.Percentile >= 100) {
		return nil, fmt.Errorf("percentile 必须在 (0,100) 内，当前 %v", p.Percentile)
	}
	return &kdjOverboughtExit{params: p}, nil
}

func (r *kdjOverboughtExit) Name() string {
	return fmt.Sprintf("KDJ超买(J>%g)", r.params.JThreshold)
}

func (r *kdjOverboughtExit) ShouldSell(ctx *Context) (bool, string, error) {
	high, low, close, _ := ctx.ohlcv()
	kdj, ok := kdjOf(ctx, high, low, close)
	if !ok {
		return false, "", nil
	}
	last := len(kdj.J) - 1
	currentJ := kdj.J[last]

	threshold := r.params.JThreshold
	if r.params.UsePercentile {
		if entryIdx := ctx.entryIndex(); entryIdx >= 0 {
			threshold = quantile(kdj.J[entryIdx:], r.params.Percentile/100)
		}
	}

	if currentJ > threshold {
		if r.params.WaitForTurndown {
			if last < 1 || currentJ >= kdj.J[last-1] {
				return false, "", nil
			}
		}
		return true, fmt.Sprintf("KDJ 超买（J=%.1f > %.1f，盈亏 %+.2f%%）",
			currentJ, threshold, ctx.unrealizedPnLPct(ctx.Bar.Close)*100), nil
	}
	return false, "", nil
}

func kdjOf(ctx *Context, high, low, close []float64) (indicator.KDJResult, bool) {
	if ctx.Cache != nil {
		return indicator.KDJCached(ctx.Cache, ctx.Position.Code, ctx.Date, high, low, close, 9, 3, 3)
	}
	return indicator.KDJ(high, low, close, 9, 3, 3)
}

// quantile 线性插值分位数，q 取 [0,1]。
func quantile(values []float64, q float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lower := int(pos)
	frac := pos - float64(lower)
	if lower+1 >= len(sorted) {
		return sorted[lower]
	}
	return sorted[lower]*(1-frac) + sorted[lower+1]*frac
}

// BBIReversalExitParams BBI 连续下行离场参数，与买入端的 BBI 上行
// 条件互为镜像。
type BBIReversalExitParams struct {
	ConsecutiveDeclines int `mapstructure:"consecutive_declines"`
}

type bbiReversalExit struct {
	params BBIReversalExitParams
}

func newBBIReversalExit(raw map[string]any) (Rule, error) {
	p := BBIReversalExitParams{ConsecutiveDeclines: 3}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ConsecutiveDeclines <= 0 {
		return nil, fmt.Errorf("consecutive_declines 必须 > 0，当前 %d", p.ConsecutiveDeclines)
	}
	return &bbiReversalExit{params: p}, nil
}

func (r *bbiReversalExit) Name() string {
	return fmt.Sprintf("BBI反转(%d连降)", r.params.ConsecutiveDeclines)
}

func (r *bbiReversalExit) ShouldSell(ctx *Context) (bool, string, error) {
	_, _, close, _ := ctx.ohlcv()
	if len(close) < r.params.ConsecutiveDeclines+1 {
		return false, "", nil
	}
	var bbi []float64
	if ctx.Cache != nil {
		bbi = indicator.BBICached(ctx.Cache, ctx.Position.Code, ctx.Date, close)
	} else {
		bbi = indicator.BBI(close)
	}
	start := len(bbi) - r.params.ConsecutiveDeclines - 1
	for i := start + 1; i < len(bbi); i++ {
		if bbi[i] >= bbi[i-1] {
			return false, "", nil
		}
	}
	return true, fmt.Sprintf("BBI 连续 %d 日下行（盈亏 %+.2f%%）",
		r.params.ConsecutiveDeclines, ctx.unrealizedPnLPct(ctx.Bar.Close)*100), nil
}

// zxCrossDownExit 知行短期线下穿多空线离场，与买入端的 ZXDQ > ZXDKX
// 条件相反。
type zxCrossDownExit struct{}

func newZXCrossDownExit(raw map[string]any) (Rule, error) {
	if err := decodeParams(raw, &struct{}{}); err != nil {
		return nil, err
	}
	return zxCrossDownExit{}, nil
}

func (zxCrossDownExit) Name() string { return "知行双线下穿" }

func (zxCrossDownExit) ShouldSell(ctx *Context) (bool, string, error) {
	_, _, close, _ := ctx.ohlcv()
	if len(close) < 2 {
		return false, "", nil
	}
	var zx indicator.ZXLines
	if ctx.Cache != nil {
		zx = indicator.ZXCached(ctx.Cache, ctx.Position.Code, ctx.Date, close)
	} else {
		zx = indicator.ZX(close)
	}
	last := len(close) - 1
	if zx.DQ[last-1] >= zx.DKX[last-1] && zx.DQ[last] < zx.DKX[last] {
		return true, fmt.Sprintf("知行短期线下穿多空线（盈亏 %+.2f%%）",
			ctx.unrealizedPnLPct(ctx.Bar.Close)*100), nil
	}
	return false, "", nil
}

// MADeathCrossExitParams 均线死叉离场参数。
type MADeathCrossExitParams struct {
	FastPeriod int `mapstructure:"fast_period"`
	SlowPeriod int `mapstructure:"slow_period"`
}

type maDeathCrossExit struct {
	params MADeathCrossExitParams
}

func newMADeathCrossExit(raw map[string]any) (Rule, error) {
	p := MADeathCrossExitParams{FastPeriod: 5, SlowPeriod: 20}
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.FastPeriod <= 0 || p.SlowPeriod <= 0 {
		return nil, fmt.Errorf("均线周期必须 > 0")
	}
	if p.FastPeriod >= p.SlowPeriod {
		return nil, fmt.Errorf("fast_period(%d) 必须小于 slow_period(%d)", p.FastPeriod, p.SlowPeriod)
	}
	return &maDeathCrossExit{params: p}, nil
}

func (r *maDeathCrossExit) Name() string {
	return fmt.Sprintf("均线死叉(MA%d<MA%d)", r.params.FastPeriod, r.params.SlowPeriod)
}

func (r *maDeathCrossExit) ShouldSell(ctx *Context) (bool, string, error) {
	_, _, close, _ := ctx.ohlcv()
	if len(close) < r.params.SlowPeriod+1 {
		return false, "", nil
	}
	fast := indicator.RollingMean(close, r.params.FastPeriod)
	slow := indicator.RollingMean(close, r.params.SlowPeriod)
	last := len(close) - 1
	if fast[last-1] >= slow[last-1] && fast[last] < slow[last] {
		return true, fmt.Sprintf("MA%d 死叉 MA%d（盈亏 %+.2f%%）",
			r.params.FastPeriod, r.params.SlowPeriod, ctx.unrealizedPnLPct(ctx.Bar.Close)*100), nil
	}
	return false, "", nil
}
