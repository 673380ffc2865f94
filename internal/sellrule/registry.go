package sellrule

import (
	"fmt"
	"sort"

	"github.com/mitchellh/mapstructure"
)

// Builder 按原始参数构建规则，参数非法时返回错误。
type Builder func(params map[string]any) (Rule, error)

// registry 静态注册表：规则名在进程启动时全部确定，未知名称在
// 构建期（回测开始前）即失败，而不是首次调用时。
var registry = map[string]Builder{
	"hold_forever":             newHoldForever,
	"percentage_trailing_stop": newPercentageTrailingStop,
	"atr_trailing_stop":        newATRTrailingStop,
	"chandelier_stop":          newChandelierStop,
	"fixed_profit_target":      newFixedProfitTarget,
	"multiple_r_exit":          newMultipleRExit,
	"timed_exit":               newTimedExit,
	"kdj_overbought_exit":      newKDJOverboughtExit,
	"bbi_reversal_exit":        newBBIReversalExit,
	"zx_cross_down_exit":       newZXCrossDownExit,
	"ma_death_cross_exit":      newMADeathCrossExit,
	"volume_dry_up_exit":       newVolumeDryUpExit,
	"adaptive_volatility_exit": newAdaptiveVolatilityExit,
}

// Build 按名称构建卖出规则。
func Build(name string, params map[string]any) (Rule, error) {
	builder, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("未知的卖出规则 %q（可选: %v）", name, Names())
	}
	rule, err := builder(params)
	if err != nil {
		return nil, fmt.Errorf("构建卖出规则 %s 失败: %w", name, err)
	}
	return rule, nil
}

// Names 已注册的规则名（升序）。
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// decodeParams 把原始参数解码进类型化参数结构。多余的键视为配置错误，
// 在构建期报出，不静默忽略。
func decodeParams(raw map[string]any, out any) error {
	if raw == nil {
		raw = map[string]any{}
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	if err := decoder.Decode(raw); err != nil {
		return fmt.Errorf("参数解析失败: %w", err)
	}
	return nil
}
