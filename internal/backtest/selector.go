package backtest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mitchellh/mapstructure"

	"abacktest/internal/indicator"
	"abacktest/internal/market"
)

// Selector 买入选股器契约。data 只包含截止 date（含）的 K 线，
// 实现方不得假定能看到未来数据。出错时当日按零信号处理。
type Selector interface {
	Name() string
	Select(date string, data map[string][]market.Bar) ([]string, error)
}

// SelectorBuilder 按参数构建选股器，参数非法时在设置期报错。
type SelectorBuilder func(params map[string]any) (Selector, error)

var selectorRegistry = map[string]SelectorBuilder{
	"kdj_oversold": newKDJOversoldSelector,
	"bbi_uptrend":  newBBIUptrendSelector,
}

// BuildSelector 按名称构建选股器，未知名称立即报错。
func BuildSelector(name string, params map[string]any) (Selector, error) {
	builder, ok := selectorRegistry[name]
	if !ok {
		return nil, fmt.Errorf("未知选股器 %q（可选: %s）", name, strings.Join(SelectorNames(), ", "))
	}
	return builder(params)
}

// SelectorNames 返回全部内建选股器名称，升序。
func SelectorNames() []string {
	names := make([]string, 0, len(selectorRegistry))
	for name := range selectorRegistry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func decodeSelectorParams(raw map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(raw); err != nil {
		return fmt.Errorf("选股器参数非法: %w", err)
	}
	return nil
}

// KDJOversoldParams KDJ 超卖选股参数。
type KDJOversoldParams struct {
	JThreshold float64 `mapstructure:"j_threshold"` // J 值低于该阈值视为超卖
	MinBars    int     `mapstructure:"min_bars"`    // 最少历史 K 线数
}

type kdjOversoldSelector struct {
	params KDJOversoldParams
}

func newKDJOversoldSelector(raw map[string]any) (Selector, error) {
	p := KDJOversoldParams{JThreshold: 20, MinBars: 30}
	if err := decodeSelectorParams(raw, &p); err != nil {
		return nil, err
	}
	if p.MinBars < 9 {
		return nil, fmt.Errorf("min_bars 至少为 9，当前 %d", p.MinBars)
	}
	return &kdjOversoldSelector{params: p}, nil
}

func (s *kdjOversoldSelector) Name() string {
	return fmt.Sprintf("KDJ超卖(J<%g)", s.params.JThreshold)
}

func (s *kdjOversoldSelector) Select(date string, data map[string][]market.Bar) ([]string, error) {
	var picked []string
	for code, bars := range data {
		if len(bars) < s.params.MinBars {
			continue
		}
		last := bars[len(bars)-1]
		if last.Date != date || last.Volume <= 0 {
			continue
		}
		high := make([]float64, len(bars))
		low := make([]float64, len(bars))
		close := make([]float64, len(bars))
		for i, b := range bars {
			high[i], low[i], close[i] = b.High, b.Low, b.Close
		}
		res, ok := indicator.KDJ(high, low, close, 9, 3, 3)
		if !ok || len(res.J) == 0 {
			continue
		}
		if res.J[len(res.J)-1] < s.params.JThreshold {
			picked = append(picked, code)
		}
	}
	sort.Strings(picked)
	return picked, nil
}

// BBIUptrendParams BBI 多头选股参数：收盘站上 BBI 且 BBI 近期上行。
type BBIUptrendParams struct {
	SlopeWindow int `mapstructure:"slope_window"` // BBI 斜率观察窗口
	MinBars     int `mapstructure:"min_bars"`
}

type bbiUptrendSelector struct {
	params BBIUptrendParams
}

func newBBIUptrendSelector(raw map[string]any) (Selector, error) {
	p := BBIUptrendParams{SlopeWindow: 5, MinBars: 30}
	if err := decodeSelectorParams(raw, &p); err != nil {
		return nil, err
	}
	if p.SlopeWindow < 2 {
		return nil, fmt.Errorf("slope_window 至少为 2，当前 %d", p.SlopeWindow)
	}
	if p.MinBars < 24 {
		return nil, fmt.Errorf("min_bars 至少为 24，当前 %d", p.MinBars)
	}
	return &bbiUptrendSelector{params: p}, nil
}

func (s *bbiUptrendSelector) Name() string {
	return fmt.Sprintf("BBI多头(%d日)", s.params.SlopeWindow)
}

func (s *bbiUptrendSelector) Select(date string, data map[string][]market.Bar) ([]string, error) {
	var picked []string
	for code, bars := range data {
		if len(bars) < s.params.MinBars {
			continue
		}
		last := bars[len(bars)-1]
		if last.Date != date || last.Volume <= 0 {
			continue
		}
		close := make([]float64, len(bars))
		for i, b := range bars {
			close[i] = b.Close
		}
		bbi := indicator.BBI(close)
		if len(bbi) < s.params.SlopeWindow {
			continue
		}
		cur := bbi[len(bbi)-1]
		prev := bbi[len(bbi)-s.params.SlopeWindow]
		if last.Close > cur && cur > prev {
			picked = append(picked, code)
		}
	}
	sort.Strings(picked)
	return picked, nil
}
