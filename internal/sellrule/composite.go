package sellrule

import (
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"abacktest/internal/logger"
)

// Spec 卖出策略配置的标签联合：Leaf、All、Any 三选一，支持任意嵌套。
// 组合求值不依赖反射，由通用解释器完成。
type Spec struct {
	Leaf *LeafSpec
	All  []Spec
	Any  []Spec
}

// LeafSpec 单一规则及其参数。
type LeafSpec struct {
	Name   string
	Params map[string]any
}

// Build 把配置构建为可执行规则，任何非法之处在此一次性报出。
func (s Spec) Build() (Rule, error) {
	variants := 0
	if s.Leaf != nil {
		variants++
	}
	if len(s.All) > 0 {
		variants++
	}
	if len(s.Any) > 0 {
		variants++
	}
	if variants != 1 {
		return nil, fmt.Errorf("卖出策略配置必须且只能是 Leaf/All/Any 之一")
	}
	switch {
	case s.Leaf != nil:
		return Build(s.Leaf.Name, s.Leaf.Params)
	case len(s.All) > 0:
		children, err := buildChildren(s.All)
		if err != nil {
			return nil, err
		}
		return &allRule{children: children}, nil
	default:
		children, err := buildChildren(s.Any)
		if err != nil {
			return nil, err
		}
		return &anyRule{children: children}, nil
	}
}

func buildChildren(specs []Spec) ([]Rule, error) {
	children := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		child, err := spec.Build()
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}

// anyRule 任一子规则触发即卖出。子规则出错按未触发处理并记录，
// 不影响其余子规则。
type anyRule struct {
	children []Rule
}

func (r *anyRule) Name() string {
	return "任一(" + joinNames(r.children) + ")"
}

func (r *anyRule) ShouldSell(ctx *Context) (bool, string, error) {
	for _, child := range r.children {
		sell, reason, err := child.ShouldSell(ctx)
		if err != nil {
			logger.Warnf("卖出规则 %s 在 %s 判定 %s 出错: %v", child.Name(), ctx.Date, ctx.Position.Code, err)
			continue
		}
		if sell {
			return true, child.Name() + ": " + reason, nil
		}
	}
	return false, "", nil
}

// allRule 全部子规则同时触发才卖出。
type allRule struct {
	children []Rule
}

func (r *allRule) Name() string {
	return "全部(" + joinNames(r.children) + ")"
}

func (r *allRule) ShouldSell(ctx *Context) (bool, string, error) {
	var reasons []string
	for _, child := range r.children {
		sell, reason, err := child.ShouldSell(ctx)
		if err != nil {
			logger.Warnf("卖出规则 %s 在 %s 判定 %s 出错: %v", child.Name(), ctx.Date, ctx.Position.Code, err)
			return false, "", nil
		}
		if !sell {
			return false, "", nil
		}
		if reason != "" {
			reasons = append(reasons, child.Name()+": "+reason)
		}
	}
	return true, strings.Join(reasons, " 且 "), nil
}

func joinNames(rules []Rule) string {
	names := make([]string, len(rules))
	for i, r := range rules {
		names[i] = r.Name()
	}
	return strings.Join(names, ", ")
}

// SpecFromConfig 把配置映射解析为 Spec。组合节点形如
// {"combination_logic": "ANY"|"ALL", "strategies": [...]}，
// 叶子形如 {"name": "...", "params": {...}}；缺省为永久持有。
func SpecFromConfig(cfg map[string]any) (Spec, error) {
	if cfg == nil {
		return Spec{Leaf: &LeafSpec{Name: "hold_forever"}}, nil
	}
	_, hasLogic := cfg["combination_logic"]
	_, hasStrategies := cfg["strategies"]
	if hasLogic || hasStrategies {
		return compositeFromConfig(cfg)
	}

	name, _ := cfg["name"].(string)
	if name == "" {
		return Spec{Leaf: &LeafSpec{Name: "hold_forever"}}, nil
	}
	var params map[string]any
	if raw, ok := cfg["params"]; ok && raw != nil {
		params, ok = raw.(map[string]any)
		if !ok {
			return Spec{}, fmt.Errorf("规则 %s 的 params 必须是对象", name)
		}
	}
	return Spec{Leaf: &LeafSpec{Name: name, Params: params}}, nil
}

func compositeFromConfig(cfg map[string]any) (Spec, error) {
	logic := "ANY"
	if raw, ok := cfg["combination_logic"]; ok {
		s, ok := raw.(string)
		if !ok {
			return Spec{}, fmt.Errorf("combination_logic 必须是字符串")
		}
		logic = strings.ToUpper(s)
	}
	rawChildren, _ := cfg["strategies"].([]any)
	if len(rawChildren) == 0 {
		return Spec{}, fmt.Errorf("组合策略的 strategies 不能为空")
	}
	children := make([]Spec, 0, len(rawChildren))
	for i, raw := range rawChildren {
		childCfg, ok := raw.(map[string]any)
		if !ok {
			return Spec{}, fmt.Errorf("strategies[%d] 必须是对象", i)
		}
		child, err := SpecFromConfig(childCfg)
		if err != nil {
			return Spec{}, err
		}
		children = append(children, child)
	}
	switch logic {
	case "ANY":
		return Spec{Any: children}, nil
	case "ALL":
		return Spec{All: children}, nil
	default:
		return Spec{}, fmt.Errorf("非法的 combination_logic %q（可选 ANY / ALL）", logic)
	}
}

// ParseSpecJSON 解析 HTTP 请求中的卖出策略 JSON。
func ParseSpecJSON(raw string) (Spec, error) {
	if strings.TrimSpace(raw) == "" {
		return Spec{Leaf: &LeafSpec{Name: "hold_forever"}}, nil
	}
	if !gjson.Valid(raw) {
		return Spec{}, fmt.Errorf("卖出策略 JSON 非法")
	}
	value := gjson.Parse(raw).Value()
	cfg, ok := value.(map[string]any)
	if !ok {
		return Spec{}, fmt.Errorf("卖出策略 JSON 必须是对象")
	}
	return SpecFromConfig(cfg)
}
