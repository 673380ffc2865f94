package config

import "strings"

// 默认值常量
const (
	defaultAppEnv      = "dev"
	defaultAppLogLevel = "info"
	defaultAppHTTPAddr = ":9981"
	defaultAppLogPath  = "/data/logs/abacktest.log"

	defaultMarketDBPath = "/data/db/bars.db"

	defaultResultsDir     = "/data/db"
	defaultMaxConcurrent  = 2
	defaultProgressPerSec = 2.0

	defaultLookbackDays   = 200
	defaultInitialCapital = 1_000_000.0
	defaultMaxPositions   = 10
	defaultPositionSizing = "equal_weight"
	defaultCommissionRate = 0.0003
	defaultStampTaxRate   = 0.001
	defaultSlippageRate   = 0.001
	defaultMinCommission  = 5.0

	defaultPlansPath = "configs/sell_plans.yaml"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Plans.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.db_path", &m.DBPath, defaultMarketDBPath),
	)
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.results_dir", &b.ResultsDir, defaultResultsDir),
		stringFieldDefault("backtest.position_sizing", &b.PositionSizing, defaultPositionSizing),
		fieldDefault{
			key:   "backtest.max_concurrent",
			need:  func() bool { return b.MaxConcurrent <= 0 },
			apply: func() { b.MaxConcurrent = defaultMaxConcurrent },
		},
		fieldDefault{
			key:   "backtest.progress_per_sec",
			need:  func() bool { return b.ProgressPerSec <= 0 },
			apply: func() { b.ProgressPerSec = defaultProgressPerSec },
		},
		fieldDefault{
			key:   "backtest.lookback_days",
			need:  func() bool { return b.LookbackDays <= 0 },
			apply: func() { b.LookbackDays = defaultLookbackDays },
		},
		fieldDefault{
			key:   "backtest.initial_capital",
			need:  func() bool { return b.InitialCapital <= 0 },
			apply: func() { b.InitialCapital = defaultInitialCapital },
		},
		fieldDefault{
			key:   "backtest.max_positions",
			need:  func() bool { return b.MaxPositions <= 0 },
			apply: func() { b.MaxPositions = defaultMaxPositions },
		},
		// 费率显式写 0 表示免费率，keySet 保证只有留空才回落默认值
		fieldDefault{
			key:   "backtest.commission_rate",
			apply: func() { b.CommissionRate = defaultCommissionRate },
		},
		fieldDefault{
			key:   "backtest.stamp_tax_rate",
			apply: func() { b.StampTaxRate = defaultStampTaxRate },
		},
		fieldDefault{
			key:   "backtest.slippage_rate",
			apply: func() { b.SlippageRate = defaultSlippageRate },
		},
		fieldDefault{
			key:   "backtest.min_commission",
			apply: func() { b.MinCommission = defaultMinCommission },
		},
	)
}

func (p *PlansConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("plans.path", &p.Path, defaultPlansPath),
	)
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key: key,
		need: func() bool {
			return target != nil && strings.TrimSpace(*target) == ""
		},
		apply: func() {
			if target != nil {
				*target = def
			}
		},
	}
}
