package backtest

import (
	"fmt"
	"sort"
	"strings"

	"abacktest/internal/indicator"
	"abacktest/internal/logger"
	"abacktest/internal/market"
)

const (
	CombineOR         = "OR"
	CombineAND        = "AND"
	CombineTimeWindow = "TIME_WINDOW"
)

// CombinationConfig 多选股器信号合并策略。
type CombinationConfig struct {
	Mode              string   `json:"mode" mapstructure:"mode"`
	TimeWindowDays    int      `json:"time_window_days" mapstructure:"time_window_days"`
	RequiredSelectors []string `json:"required_selectors" mapstructure:"required_selectors"` // AND 模式的必要选股器别名集
	RequiredCount     int      `json:"required_count" mapstructure:"required_count"`         // TIME_WINDOW 模式的最少选股器数
}

func (c *CombinationConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = CombineOR
	}
	c.Mode = strings.ToUpper(c.Mode)
	switch c.Mode {
	case CombineOR, CombineAND:
	case CombineTimeWindow:
		if c.TimeWindowDays <= 0 {
			c.TimeWindowDays = 3
		}
		if c.RequiredCount <= 0 {
			c.RequiredCount = 2
		}
	default:
		return fmt.Errorf("未知信号合并模式 %q（可选 OR / AND / TIME_WINDOW）", c.Mode)
	}
	return nil
}

// BuySignal 单日单选股器产生的候选信号，当日消费后即丢弃。
type BuySignal struct {
	Code          string             `json:"code"`
	Date          string             `json:"date"`
	StrategyName  string             `json:"strategy_name"`
	StrategyAlias string             `json:"strategy_alias"`
	Score         float64            `json:"score"`
	Indicators    map[string]float64 `json:"indicators,omitempty"`
}

// computeSignalScore 综合打分：KDJ 超卖 40% + 量能 30% + 动量 20% +
// BBI 斜率 10%，各分项先归一到 [0,100]。
func computeSignalScore(code string, bars []market.Bar, cache *indicator.Cache) (float64, map[string]float64) {
	if len(bars) == 0 {
		return 0, nil
	}
	date := bars[len(bars)-1].Date
	high := make([]float64, len(bars))
	low := make([]float64, len(bars))
	close := make([]float64, len(bars))
	volume := make([]float64, len(bars))
	for i, b := range bars {
		high[i], low[i], close[i], volume[i] = b.High, b.Low, b.Close, b.Volume
	}

	kdjScore := 0.0
	currentJ := 0.0
	if res, ok := indicator.KDJCached(cache, code, date, high, low, close, 9, 3, 3); ok && len(res.J) > 0 {
		currentJ = res.J[len(res.J)-1]
		kdjScore = clamp(100-currentJ, 0, 100)
	}

	volumeRatio := 0.0
	lookback := 20
	if lookback > len(volume) {
		lookback = len(volume)
	}
	avgVolume := 0.0
	for _, v := range volume[len(volume)-lookback:] {
		avgVolume += v
	}
	avgVolume /= float64(lookback)
	if avgVolume > 0 {
		volumeRatio = volume[len(volume)-1] / avgVolume
	}
	volumeScore := clamp((volumeRatio-1)/2*100, 0, 100)

	momentumPct := 0.0
	if len(close) >= 2 && close[len(close)-2] > 0 {
		momentumPct = close[len(close)-1]/close[len(close)-2] - 1
	}
	var momentumScore float64
	switch {
	case momentumPct <= 0:
		momentumScore = 0
	case momentumPct <= 0.02:
		momentumScore = momentumPct / 0.02 * 100
	case momentumPct <= 0.05:
		momentumScore = 100 - (momentumPct-0.02)/0.03*50
	default:
		momentumScore = 50
	}
	momentumScore = clamp(momentumScore, 0, 100)

	bbiSlope := 0.0
	bbi := indicator.BBICached(cache, code, date, close)
	if len(bbi) >= 2 {
		window := bbi
		if len(window) > 5 {
			window = window[len(window)-5:]
		}
		if window[0] != 0 {
			bbiSlope = (window[len(window)-1] - window[0]) / window[0] / float64(len(window)-1)
		}
	}
	bbiScore := 0.0
	if bbiSlope > 0 {
		bbiScore = clamp(bbiSlope/0.005*100, 0, 100)
	}

	composite := 0.4*kdjScore + 0.3*volumeScore + 0.2*momentumScore + 0.1*bbiScore
	return composite, map[string]float64{
		"kdj_j":          currentJ,
		"volume_ratio":   volumeRatio,
		"momentum_pct":   momentumPct,
		"bbi_slope":      bbiSlope,
		"score_kdj":      kdjScore,
		"score_volume":   volumeScore,
		"score_momentum": momentumScore,
		"score_bbi":      bbiScore,
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// pickHistory 按日期记录各选股器的选中结果，供 TIME_WINDOW 模式跨日归并。
type pickHistory struct {
	byDate map[string]map[string]map[string]struct{} // date -> code -> alias 集
}

func newPickHistory() *pickHistory {
	return &pickHistory{byDate: make(map[string]map[string]map[string]struct{})}
}

func (h *pickHistory) record(date, code, alias string) {
	codes, ok := h.byDate[date]
	if !ok {
		codes = make(map[string]map[string]struct{})
		h.byDate[date] = codes
	}
	aliases, ok := codes[code]
	if !ok {
		aliases = make(map[string]struct{})
		codes[code] = aliases
	}
	aliases[alias] = struct{}{}
}

// selectorsWithin 返回 [from, to] 日期区间内选中过 code 的选股器别名并集。
func (h *pickHistory) selectorsWithin(code, from, to string) map[string]struct{} {
	union := make(map[string]struct{})
	for date, codes := range h.byDate {
		if date < from || date > to {
			continue
		}
		for alias := range codes[code] {
			union[alias] = struct{}{}
		}
	}
	return union
}

// prune 清除早于 cutoff 的历史。
func (h *pickHistory) prune(cutoff string) {
	for date := range h.byDate {
		if date < cutoff {
			delete(h.byDate, date)
		}
	}
}

// combineSignals 按配置模式归并各选股器的原始信号，再按分值降序排定
// 资金分配优先级（同分保持先到先得）。
func (e *Engine) combineSignals(date string, raw []BuySignal) []BuySignal {
	var combined []BuySignal
	switch e.combination.Mode {
	case CombineAND:
		combined = e.combineAND(raw)
	case CombineTimeWindow:
		combined = e.combineTimeWindow(date, raw)
	default:
		combined = combineOR(raw)
	}
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Score > combined[j].Score
	})
	return combined
}

// combineOR 同一股票取分值最高的信号，同分保留先出现的。
func combineOR(raw []BuySignal) []BuySignal {
	best := make(map[string]int)
	var out []BuySignal
	for _, sig := range raw {
		idx, ok := best[sig.Code]
		if !ok {
			best[sig.Code] = len(out)
			out = append(out, sig)
			continue
		}
		if sig.Score > out[idx].Score {
			out[idx] = sig
		}
	}
	return out
}

// combineAND 必要选股器集合当日全部命中才产生信号。
func (e *Engine) combineAND(raw []BuySignal) []BuySignal {
	required := e.combination.RequiredSelectors
	if len(required) == 0 {
		required = make([]string, 0, len(e.selectors))
		for _, sel := range e.selectors {
			required = append(required, sel.Alias)
		}
	}
	picked := make(map[string]map[string]struct{})
	for _, sig := range raw {
		aliases, ok := picked[sig.Code]
		if !ok {
			aliases = make(map[string]struct{})
			picked[sig.Code] = aliases
		}
		aliases[sig.StrategyAlias] = struct{}{}
	}
	var out []BuySignal
	for _, sig := range combineOR(raw) {
		qualified := true
		for _, alias := range required {
			if _, ok := picked[sig.Code][alias]; !ok {
				qualified = false
				break
			}
		}
		if qualified {
			out = append(out, sig)
		}
	}
	return out
}

// combineTimeWindow 今日被选中、且近 time_window_days 日内累计被至少
// required_count 个选股器选中的股票产生信号。
func (e *Engine) combineTimeWindow(date string, raw []BuySignal) []BuySignal {
	for _, sig := range raw {
		e.picks.record(date, sig.Code, sig.StrategyAlias)
	}
	from, err := market.AddDays(date, -e.combination.TimeWindowDays)
	if err != nil {
		logger.Warnf("TIME_WINDOW 日期计算失败: %v", err)
		return nil
	}
	var out []BuySignal
	for _, sig := range combineOR(raw) {
		union := e.picks.selectorsWithin(sig.Code, from, date)
		if len(union) >= e.combination.RequiredCount {
			out = append(out, sig)
		}
	}
	if cutoff, err := market.AddDays(date, -(e.combination.TimeWindowDays + 1)); err == nil {
		e.picks.prune(cutoff)
	}
	return out
}
