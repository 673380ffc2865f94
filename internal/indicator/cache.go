package indicator

import "fmt"

// Kind 指标类别，缓存键的一部分。
type Kind string

const (
	KindKDJ      Kind = "kdj"
	KindBBI      Kind = "bbi"
	KindATR      Kind = "atr"
	KindSMA      Kind = "sma"
	KindEMA      Kind = "ema"
	KindZX       Kind = "zx"
	KindVolRatio Kind = "vol_ratio"
)

// Key 指标缓存键。Params 为参数的规范化串（如 "n=9,m1=3,m2=3"），
// 同参数同日同股票的计算结果可复用。
type Key struct {
	Code   string
	Date   string
	Kind   Kind
	Params string
}

// Cache 单次回测运行持有的指标缓存。回测主循环单线程，不加锁；
// 由引擎创建并显式传入打分与卖出规则，不做全局状态。
type Cache struct {
	entries map[Key]any
	hits    int
	misses  int
}

func NewCache() *Cache {
	return &Cache{entries: make(map[Key]any)}
}

func (c *Cache) Get(key Key) (any, bool) {
	v, ok := c.entries[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return v, ok
}

func (c *Cache) Put(key Key, value any) {
	c.entries[key] = value
}

func (c *Cache) Len() int { return len(c.entries) }

// Stats 命中/未命中计数，回测结束时的诊断日志用。
func (c *Cache) Stats() (hits, misses int) {
	return c.hits, c.misses
}

// KDJCached 带缓存的 KDJ 计算。date 为序列末根对应的交易日。
func KDJCached(c *Cache, code, date string, high, low, close []float64, n, m1, m2 int) (KDJResult, bool) {
	key := Key{Code: code, Date: date, Kind: KindKDJ, Params: kdjParams(n, m1, m2)}
	if v, ok := c.Get(key); ok {
		e := v.(kdjEntry)
		return e.res, e.ok
	}
	res, ok := KDJ(high, low, close, n, m1, m2)
	c.Put(key, kdjEntry{res: res, ok: ok})
	return res, ok
}

type kdjEntry struct {
	res KDJResult
	ok  bool
}

// BBICached 带缓存的 BBI 计算。
func BBICached(c *Cache, code, date string, close []float64) []float64 {
	key := Key{Code: code, Date: date, Kind: KindBBI}
	if v, ok := c.Get(key); ok {
		return v.([]float64)
	}
	res := BBI(close)
	c.Put(key, res)
	return res
}

// ATRCached 带缓存的 ATR 计算。
func ATRCached(c *Cache, code, date string, high, low, close []float64, period int) (float64, bool) {
	key := Key{Code: code, Date: date, Kind: KindATR, Params: periodParams(period)}
	if v, ok := c.Get(key); ok {
		r := v.(atrEntry)
		return r.value, r.ok
	}
	value, ok := ATR(high, low, close, period)
	c.Put(key, atrEntry{value: value, ok: ok})
	return value, ok
}

// ZXCached 带缓存的知行双线计算。
func ZXCached(c *Cache, code, date string, close []float64) ZXLines {
	key := Key{Code: code, Date: date, Kind: KindZX}
	if v, ok := c.Get(key); ok {
		return v.(ZXLines)
	}
	res := ZX(close)
	c.Put(key, res)
	return res
}

type atrEntry struct {
	value float64
	ok    bool
}

func kdjParams(n, m1, m2 int) string {
	return fmt.Sprintf("n=%d,m1=%d,m2=%d", n, m1, m2)
}

func periodParams(period int) string {
	return fmt.Sprintf("period=%d", period)
}
