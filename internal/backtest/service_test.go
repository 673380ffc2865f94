package backtest

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"abacktest/internal/market"
)

func newTestService(t *testing.T, bars []market.Bar) (*Service, *ResultStore) {
	t.Helper()
	dir := t.TempDir()
	barStore, err := market.NewStore(filepath.Join(dir, "bars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { barStore.Close() })
	if len(bars) > 0 {
		_, err = barStore.InsertBars(context.Background(), bars)
		require.NoError(t, err)
	}

	results, err := NewResultStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	svc, err := NewService(ServiceConfig{Bars: barStore, Results: results})
	require.NoError(t, err)
	return svc, results
}

func waitForTerminal(t *testing.T, results *ResultStore, id string) Run {
	t.Helper()
	var run Run
	require.Eventually(t, func() bool {
		var err error
		run, err = results.GetRun(context.Background(), id)
		if err != nil {
			return false
		}
		return isTerminalStatus(run.Status)
	}, 10*time.Second, 20*time.Millisecond)
	return run
}

func TestServiceStartRunCompletes(t *testing.T) {
	svc, results := newTestService(t, flatBars(t, "600000", 40, 10))

	run, err := svc.StartRun(RunRequest{
		Codes:        []string{"600000"},
		StartDate:    dateAt(t, 35),
		EndDate:      dateAt(t, 39),
		LookbackDays: 35,
	})
	require.NoError(t, err)
	require.NotEmpty(t, run.ID)
	assert.Equal(t, RunStatusPending, run.Status)
	// 未指定选股器时默认装配 kdj_oversold
	require.Len(t, run.Config.Selectors, 1)
	assert.Equal(t, "kdj_oversold", run.Config.Selectors[0].Name)

	done := waitForTerminal(t, results, run.ID)
	assert.Equal(t, RunStatusDone, done.Status)
	assert.Equal(t, "完成", done.Message)
	assert.InDelta(t, 1_000_000, done.Stats.FinalValue, 1.0)

	points, err := results.ListEquity(context.Background(), run.ID, 100)
	require.NoError(t, err)
	assert.Len(t, points, 5)
}

func TestServiceStartRunRejectsBadConfig(t *testing.T) {
	svc, _ := newTestService(t, nil)

	// 提交期全量校验：日期、选股器、卖出策略
	_, err := svc.StartRun(RunRequest{StartDate: "2024-13-01", EndDate: "2024-01-05"})
	require.Error(t, err)

	_, err = svc.StartRun(RunRequest{
		StartDate: "2024-01-01", EndDate: "2024-01-05",
		Selectors: []SelectorConfig{{Name: "no_such", Activate: true}},
	})
	require.Error(t, err)

	_, err = svc.StartRun(RunRequest{
		StartDate: "2024-01-01", EndDate: "2024-01-05",
		SellStrategy: []byte(`{"name":"no_such_rule"}`),
	})
	require.Error(t, err)

	_, err = svc.StartRun(RunRequest{
		StartDate: "2024-01-01", EndDate: "2024-01-05",
		SellPlan: "missing_plan",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "模板")
}

func TestServiceDefaults(t *testing.T) {
	dir := t.TempDir()
	barStore, err := market.NewStore(filepath.Join(dir, "bars.db"))
	require.NoError(t, err)
	t.Cleanup(func() { barStore.Close() })
	results, err := NewResultStore(dir)
	require.NoError(t, err)
	t.Cleanup(func() { results.Close() })

	svc, err := NewService(ServiceConfig{
		Bars: barStore, Results: results,
		Defaults: RunRequest{
			InitialCapital: 500_000,
			MaxPositions:   5,
			CommissionRate: Float64Ptr(0.0005),
			StampTaxRate:   Float64Ptr(0.001),
		},
	})
	require.NoError(t, err)

	cfg, engineCfg, err := svc.buildConfigs(RunRequest{
		StartDate: "2024-01-01", EndDate: "2024-01-31",
	})
	require.NoError(t, err)
	assert.InDelta(t, 500_000, cfg.InitialCapital, 1e-9)
	assert.Equal(t, 5, cfg.MaxPositions)
	assert.InDelta(t, 0.0005, cfg.CommissionRate, 1e-12)
	// 请求显式给值时覆盖服务缺省
	cfg2, _, err := svc.buildConfigs(RunRequest{
		StartDate: "2024-01-01", EndDate: "2024-01-31",
		InitialCapital: 2_000_000,
	})
	require.NoError(t, err)
	assert.InDelta(t, 2_000_000, cfg2.InitialCapital, 1e-9)
	assert.Equal(t, 200, engineCfg.LookbackDays)

	// 显式传 0 的费率不被缺省覆盖，零费率回测可表达
	cfg3, _, err := svc.buildConfigs(RunRequest{
		StartDate: "2024-01-01", EndDate: "2024-01-31",
		CommissionRate: Float64Ptr(0),
		StampTaxRate:   Float64Ptr(0),
	})
	require.NoError(t, err)
	assert.Zero(t, cfg3.CommissionRate)
	assert.Zero(t, cfg3.StampTaxRate)

	// 负费率在提交期报错
	_, _, err = svc.buildConfigs(RunRequest{
		StartDate: "2024-01-01", EndDate: "2024-01-31",
		SlippageRate: Float64Ptr(-0.001),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "slippage_rate")
}

func TestRenderRunSummary(t *testing.T) {
	stats := RunStats{
		FinalValue: 1_050_000, ReturnPct: 0.05, WinRate: 0.6,
		MaxDrawdownPct: 0.08, Trades: 10, AvgHoldingDays: 4.5, OpenPositions: 2,
	}
	block := renderRunSummary("run-1", "完成", stats, 1500*time.Millisecond)
	lines := strings.Split(block, "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "run-1")
	assert.Contains(t, lines[1], "+5.00%")
	assert.Contains(t, lines[2], "胜率 60.0%")
}

func TestServiceCancelUnknownRun(t *testing.T) {
	svc, _ := newTestService(t, nil)
	err := svc.CancelRun("no-such-id")
	require.Error(t, err)
}
