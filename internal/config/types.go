package config

import "strings"

// Config 是整个服务的主配置载体。
type Config struct {
	App      AppConfig      `toml:"app"`
	Market   MarketConfig   `toml:"market"`
	Backtest BacktestConfig `toml:"backtest"`
	Plans    PlansConfig    `toml:"plans"`
}

type AppConfig struct {
	Env      string `toml:"env"`
	LogLevel string `toml:"log_level"`
	HTTPAddr string `toml:"http_addr"`
	LogPath  string `toml:"log_path"`
}

// MarketConfig 描述行情库位置与可选的 CSV 导入目录。
type MarketConfig struct {
	DBPath string `toml:"db_path"`
	CSVDir string `toml:"csv_dir"` // 启动时批量导入，留空跳过
}

// BacktestConfig 是回测服务级配置与单次回测的缺省参数。
// 费率字段显式写 0 与留空含义不同：显式 0 表示免费率，留空取默认值。
type BacktestConfig struct {
	ResultsDir     string  `toml:"results_dir"`
	MaxConcurrent  int     `toml:"max_concurrent"`
	ProgressPerSec float64 `toml:"progress_per_sec"`

	LookbackDays   int     `toml:"lookback_days"`
	InitialCapital float64 `toml:"initial_capital"`
	MaxPositions   int     `toml:"max_positions"`
	PositionSizing string  `toml:"position_sizing"`
	CommissionRate float64 `toml:"commission_rate"`
	StampTaxRate   float64 `toml:"stamp_tax_rate"`
	SlippageRate   float64 `toml:"slippage_rate"`
	MinCommission  float64 `toml:"min_commission"`
}

// PlansConfig 指向卖出策略模板文件。
type PlansConfig struct {
	Path string `toml:"path"`
}

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
