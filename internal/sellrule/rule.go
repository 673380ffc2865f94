// Package sellrule 卖出规则库。每个规则实现 Rule 接口，由静态注册表
// 按名称构建，参数在构建期校验；规则内部只允许使用截止当日的数据。
package sellrule

import (
	"abacktest/internal/indicator"
	"abacktest/internal/market"
	"abacktest/internal/portfolio"
)

// Context 单次卖出判定的输入。Hist 为截止当日（含）的全部 K 线，
// Cache 为本次回测运行的指标缓存。
type Context struct {
	Position *portfolio.Position
	Date     string
	Bar      market.Bar
	Hist     []market.Bar
	Cache    *indicator.Cache
}

// Rule 卖出规则契约。返回 (是否卖出, 原因)；err 非空时调用方视为
// 本日零信号并记录日志，绝不中断回测。
type Rule interface {
	Name() string
	ShouldSell(ctx *Context) (bool, string, error)
}

func (c *Context) unrealizedPnLPct(close float64) float64 {
	if c.Position == nil || c.Position.EntryPrice <= 0 {
		return 0
	}
	return (close - c.Position.EntryPrice) / c.Position.EntryPrice
}

// entryIndex 持仓入场日在 Hist 中的下标，找不到返回 -1。
func (c *Context) entryIndex() int {
	for i, b := range c.Hist {
		if b.Date == c.Position.EntryDate {
			return i
		}
	}
	return -1
}

func (c *Context) ohlcv() (high, low, close, volume []float64) {
	high = make([]float64, len(c.Hist))
	low = make([]float64, len(c.Hist))
	close = make([]float64, len(c.Hist))
	volume = make([]float64, len(c.Hist))
	for i, b := range c.Hist {
		high[i], low[i], close[i], volume[i] = b.High, b.Low, b.Close, b.Volume
	}
	return high, low, close, volume
}

func (c *Context) atr(period int) (float64, bool) {
	high, low, close, _ := c.ohlcv()
	return atrOf(c, c.Position.Code, c.Date, high, low, close, period)
}

// atrOf 计算指定截止日的 ATR，date 作为缓存键的一部分（如入场日 ATR
// 在持仓期内每天复用）。
func atrOf(c *Context, code, date string, high, low, close []float64, period int) (float64, bool) {
	if c.Cache != nil {
		return indicator.ATRCached(c.Cache, code, date, high, low, close, period)
	}
	return indicator.ATR(high, low, close, period)
}
