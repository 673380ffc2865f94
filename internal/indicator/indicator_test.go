package indicator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKDJ(t *testing.T) {
	t.Run("历史不足9根返回false", func(t *testing.T) {
		flat := []float64{10, 10, 10, 10}
		_, ok := KDJ(flat, flat, flat, 9, 3, 3)
		assert.False(t, ok)
	})

	t.Run("预热段KD保持50", func(t *testing.T) {
		flat := make([]float64, 12)
		for i := range flat {
			flat[i] = 10
		}
		res, ok := KDJ(flat, flat, flat, 9, 3, 3)
		require.True(t, ok)
		for i := range flat {
			assert.InDelta(t, 50, res.K[i], 1e-9)
			assert.InDelta(t, 50, res.D[i], 1e-9)
			assert.InDelta(t, 50, res.J[i], 1e-9)
		}
	})

	t.Run("预热段用部分窗口极值", func(t *testing.T) {
		var high, low, close []float64
		for i := 0; i < 12; i++ {
			high = append(high, 11+float64(i))
			low = append(low, 9+float64(i))
			close = append(close, 10.5+float64(i))
		}
		res, ok := KDJ(high, low, close, 9, 3, 3)
		require.True(t, ok)
		// 首根 K=D=50；第二根窗口只有两根：RSV=(11.5-9)/(12-9)*100
		assert.InDelta(t, 50, res.K[0], 1e-9)
		assert.InDelta(t, 50, res.D[0], 1e-9)
		assert.InDelta(t, (2*50+250.0/3)/3, res.K[1], 1e-9)
		assert.InDelta(t, (2*50+(2*50+250.0/3)/3)/3, res.D[1], 1e-9)
	})

	t.Run("持续上涨J走高", func(t *testing.T) {
		var high, low, close []float64
		price := 10.0
		for i := 0; i < 20; i++ {
			high = append(high, price*1.02)
			low = append(low, price*0.99)
			close = append(close, price*1.02)
			price *= 1.02
		}
		res, ok := KDJ(high, low, close, 9, 3, 3)
		require.True(t, ok)
		last := len(close) - 1
		assert.Greater(t, res.J[last], 80.0)
	})
}

func TestBBI(t *testing.T) {
	close := make([]float64, 30)
	for i := range close {
		close[i] = 10
	}
	bbi := BBI(close)
	require.Len(t, bbi, 30)
	// 平价下四条均线都等于价格
	assert.InDelta(t, 10, bbi[0], 1e-9)
	assert.InDelta(t, 10, bbi[29], 1e-9)
}

func TestATR(t *testing.T) {
	t.Run("历史不足返回false", func(t *testing.T) {
		h := []float64{11, 11}
		l := []float64{9, 9}
		c := []float64{10, 10}
		_, ok := ATR(h, l, c, 14)
		assert.False(t, ok)
	})

	t.Run("恒定波幅", func(t *testing.T) {
		var h, l, c []float64
		for i := 0; i < 20; i++ {
			h = append(h, 11)
			l = append(l, 9)
			c = append(c, 10)
		}
		atr, ok := ATR(h, l, c, 14)
		require.True(t, ok)
		// 每根 TR = max(2, |11-10|, |9-10|) = 2
		assert.InDelta(t, 2, atr, 1e-9)
	})

	t.Run("首根TR为高低差", func(t *testing.T) {
		h := []float64{12, 11}
		l := []float64{8, 9}
		c := []float64{10, 10}
		atr, ok := ATR(h, l, c, 2)
		require.True(t, ok)
		// tr = [4, 2] → 均值 3
		assert.InDelta(t, 3, atr, 1e-9)
	})
}

func TestVolumeRatio(t *testing.T) {
	vols := make([]float64, 20)
	for i := range vols {
		vols[i] = 100
	}
	vols[19] = 200

	ratio, ok := VolumeRatio(vols, 20)
	require.True(t, ok)
	// 均量 = (19*100+200)/20 = 105
	assert.InDelta(t, 200.0/105.0, ratio, 1e-9)

	_, ok = VolumeRatio(vols[:10], 20)
	assert.False(t, ok)
}

func TestCache(t *testing.T) {
	c := NewCache()
	n := 10
	high := make([]float64, n)
	low := make([]float64, n)
	close := make([]float64, n)
	for i := 0; i < n; i++ {
		high[i], low[i], close[i] = 11+float64(i), 9, 10+float64(i)
	}

	first, ok1 := KDJCached(c, "600000", "2023-01-04", high, low, close, 9, 3, 3)
	second, ok2 := KDJCached(c, "600000", "2023-01-04", high, low, close, 9, 3, 3)
	require.True(t, ok1)
	require.True(t, ok2)
	assert.Equal(t, first, second)

	hits, misses := c.Stats()
	assert.Equal(t, 1, hits)
	assert.Equal(t, 1, misses)

	t.Run("参数不同键不同", func(t *testing.T) {
		KDJCached(c, "600000", "2023-01-04", high, low, close, 5, 3, 3)
		assert.Equal(t, 2, c.Len())
	})

	t.Run("EWMA首值做种子", func(t *testing.T) {
		out := EWMA([]float64{10, 20}, 10)
		assert.InDelta(t, 10, out[0], 1e-9)
		// alpha = 2/11
		assert.InDelta(t, 10+2.0/11*10, out[1], 1e-9)
	})
}
