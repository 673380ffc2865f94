package indicator

import (
	"math"

	"github.com/markcheno/go-talib"
)

// KDJResult 随机指标三线，长度与输入一致。
type KDJResult struct {
	K []float64
	D []float64
	J []float64
}

// KDJ 经典国内参数 n=9, m1=3, m2=3。历史不足 n 根时返回 ok=false。
// 头部窗口不足 n 根时用已有数据求极值，横盘极差为零时 RSV 取中性值
// 50，首根 K=D=50。
func KDJ(high, low, close []float64, n, m1, m2 int) (KDJResult, bool) {
	size := len(close)
	if size < n || n <= 0 || len(high) != size || len(low) != size {
		return KDJResult{}, false
	}
	res := KDJResult{
		K: make([]float64, size),
		D: make([]float64, size),
		J: make([]float64, size),
	}
	for i := 0; i < size; i++ {
		lo := i - n + 1
		if lo < 0 {
			lo = 0
		}
		hh, ll := high[lo], low[lo]
		for j := lo + 1; j <= i; j++ {
			if high[j] > hh {
				hh = high[j]
			}
			if low[j] < ll {
				ll = low[j]
			}
		}
		rsv := 50.0
		if hh-ll > 1e-6 {
			rsv = 100 * (close[i] - ll) / (hh - ll)
		}
		if i == 0 {
			res.K[0] = 50
			res.D[0] = 50
		} else {
			res.K[i] = (float64(m1-1)*res.K[i-1] + rsv) / float64(m1)
			res.D[i] = (float64(m2-1)*res.D[i-1] + res.K[i]) / float64(m2)
		}
		res.J[i] = 3*res.K[i] - 2*res.D[i]
	}
	return res, true
}

// RollingMean 滚动均线，头部不足窗口时用已有数据的均值（min_periods=1 语义）。
func RollingMean(values []float64, n int) []float64 {
	return maExpanding(values, n)
}

func maExpanding(values []float64, n int) []float64 {
	out := make([]float64, len(values))
	sum := 0.0
	for i, v := range values {
		sum += v
		width := n
		if i+1 < n {
			width = i + 1
		} else if i >= n {
			sum -= values[i-n]
		}
		out[i] = sum / float64(width)
	}
	return out
}

// BBI 多空指标：(MA3+MA6+MA12+MA24)/4。
func BBI(close []float64) []float64 {
	ma3 := maExpanding(close, 3)
	ma6 := maExpanding(close, 6)
	ma12 := maExpanding(close, 12)
	ma24 := maExpanding(close, 24)
	out := make([]float64, len(close))
	for i := range close {
		out[i] = (ma3[i] + ma6[i] + ma12[i] + ma24[i]) / 4
	}
	return out
}

// ATR 真实波幅的简单均值（非 Wilder 平滑），首根 TR = high-low。
// 历史不足 period 根时返回 ok=false。
func ATR(high, low, close []float64, period int) (float64, bool) {
	size := len(close)
	if period <= 0 || size < period || len(high) != size || len(low) != size {
		return 0, false
	}
	tr := make([]float64, size)
	tr[0] = high[0] - low[0]
	for i := 1; i < size; i++ {
		hl := high[i] - low[i]
		hc := math.Abs(high[i] - close[i-1])
		lc := math.Abs(low[i] - close[i-1])
		tr[i] = math.Max(hl, math.Max(hc, lc))
	}
	sum := 0.0
	for i := size - period; i < size; i++ {
		sum += tr[i]
	}
	return sum / float64(period), true
}

// SMA 完整窗口简单均线，前 period-1 位无效（为 0）。
func SMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return make([]float64, len(values))
	}
	return talib.Sma(values, period)
}

// EMA 指数均线，talib 实现（SMA 种子）。
func EMA(values []float64, period int) []float64 {
	if len(values) < period || period <= 0 {
		return make([]float64, len(values))
	}
	return talib.Ema(values, period)
}

// EWMA 以首值为种子的指数加权均线（alpha = 2/(span+1)），
// 与 pandas ewm(span, adjust=False) 一致。
func EWMA(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || span <= 0 {
		return out
	}
	alpha := 2.0 / float64(span+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// ZXLines 知行短期线与多空线。短期线为收盘价的双重 EWMA(10)，
// 多空线为四条长周期均线的均值。
type ZXLines struct {
	DQ  []float64 // 短期
	DKX []float64 // 多空
}

func ZX(close []float64) ZXLines {
	dq := EWMA(EWMA(close, 10), 10)
	ma14 := maExpanding(close, 14)
	ma28 := maExpanding(close, 28)
	ma57 := maExpanding(close, 57)
	ma114 := maExpanding(close, 114)
	dkx := make([]float64, len(close))
	for i := range close {
		dkx[i] = (ma14[i] + ma28[i] + ma57[i] + ma114[i]) / 4
	}
	return ZXLines{DQ: dq, DKX: dkx}
}

// VolumeRatio 最新成交量相对最近 window 日均量的倍数。
func VolumeRatio(volumes []float64, window int) (float64, bool) {
	if window <= 0 || len(volumes) < window {
		return 0, false
	}
	sma := talib.Sma(volumes, window)
	avg := sma[len(sma)-1]
	if avg <= 0 {
		return 0, false
	}
	return volumes[len(volumes)-1] / avg, true
}
