package config

import (
	"fmt"
	"strings"
)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	if err := c.App.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Backtest.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AppConfig) validate() error {
	switch strings.ToLower(strings.TrimSpace(a.LogLevel)) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("app.log_level 非法: %q（可选 debug/info/warn/error）", a.LogLevel)
	}
	if strings.TrimSpace(a.HTTPAddr) == "" {
		return fmt.Errorf("app.http_addr 不能为空")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	if strings.TrimSpace(m.DBPath) == "" {
		return fmt.Errorf("market.db_path 不能为空")
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if strings.TrimSpace(b.ResultsDir) == "" {
		return fmt.Errorf("backtest.results_dir 不能为空")
	}
	if b.MaxConcurrent < 1 {
		return fmt.Errorf("backtest.max_concurrent 必须 >= 1，当前 %d", b.MaxConcurrent)
	}
	if b.InitialCapital <= 0 {
		return fmt.Errorf("backtest.initial_capital 必须 > 0，当前 %.2f", b.InitialCapital)
	}
	if b.MaxPositions < 1 {
		return fmt.Errorf("backtest.max_positions 必须 >= 1，当前 %d", b.MaxPositions)
	}
	switch b.PositionSizing {
	case "equal_weight", "risk_based":
	default:
		return fmt.Errorf("backtest.position_sizing 非法: %q（可选 equal_weight / risk_based）", b.PositionSizing)
	}
	for name, rate := range map[string]float64{
		"commission_rate": b.CommissionRate,
		"stamp_tax_rate":  b.StampTaxRate,
		"slippage_rate":   b.SlippageRate,
		"min_commission":  b.MinCommission,
	} {
		if rate < 0 {
			return fmt.Errorf("backtest.%s 不能为负，当前 %f", name, rate)
		}
	}
	return nil
}
