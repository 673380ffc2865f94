package backtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"abacktest/internal/logger"
	"abacktest/internal/market"
	"abacktest/internal/portfolio"
	"abacktest/internal/sellrule"
)

// SellPlanResolver 按模板名解析卖出策略，形参与 sellplan 注册表解耦。
type SellPlanResolver interface {
	SpecFor(name string) (sellrule.Spec, error)
	Names() []string
}

// ServiceConfig 配置回测运行服务。
type ServiceConfig struct {
	Bars          *market.Store
	Results       *ResultStore
	Plans         SellPlanResolver
	MaxConcurrent int
	// 进度写库限速（次/秒），避免长回测高频刷 runs 表
	ProgressPerSec float64
	// 提交请求未填字段的缺省参数（资金、费率、回看天数等）
	Defaults RunRequest
}

// Service 管理回测任务的提交、后台执行与取消。
type Service struct {
	bars    *market.Store
	results *ResultStore
	plans   SellPlanResolver

	sem      chan struct{}
	limiter  *rate.Limiter
	defaults RunRequest

	mu      sync.Mutex
	cancels map[string]context.CancelFunc

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Bars == nil {
		return nil, fmt.Errorf("bar store 不能为空")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 2
	}
	perSec := cfg.ProgressPerSec
	if perSec <= 0 {
		perSec = 2
	}
	return &Service{
		bars:     cfg.Bars,
		results:  cfg.Results,
		plans:    cfg.Plans,
		sem:      make(chan struct{}, maxConcurrent),
		limiter:  rate.NewLimiter(rate.Limit(perSec), 1),
		defaults: cfg.Defaults,
		cancels:  make(map[string]context.CancelFunc),
		baseCtx:  context.Background(),
	}, nil
}

// SetContext 注入宿主 ctx，服务关闭时联动取消所有任务。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// StartRun 校验配置、落地 run 记录并在后台执行回测。配置错误在这里
// 全部暴露，进入日循环后不会再因配置失败。
func (s *Service) StartRun(req RunRequest) (Run, error) {
	cfg, engineCfg, err := s.buildConfigs(req)
	if err != nil {
		return Run{}, err
	}
	// 选股器与卖出策略的装配错误也属于提交期失败
	for _, sc := range cfg.Selectors {
		if !sc.Activate {
			continue
		}
		if _, err := BuildSelector(sc.Name, sc.Params); err != nil {
			return Run{}, err
		}
	}
	spec, err := s.resolveSellSpec(req)
	if err != nil {
		return Run{}, err
	}
	if _, err := spec.Build(); err != nil {
		return Run{}, err
	}

	run := Run{
		ID:             uuid.NewString(),
		Status:         RunStatusPending,
		StartDate:      cfg.StartDate,
		EndDate:        cfg.EndDate,
		InitialCapital: cfg.InitialCapital,
		FinalValue:     cfg.InitialCapital,
		Config:         cfg,
	}
	if err := s.results.InsertRun(s.ctx(), run); err != nil {
		return Run{}, err
	}
	go s.runLoop(run.ID, cfg, engineCfg, spec)
	return run, nil
}

func (s *Service) buildConfigs(req RunRequest) (RunConfig, EngineConfig, error) {
	req = s.applyDefaults(req)
	execCfg := portfolio.DefaultExecutionConfig()
	for _, f := range []struct {
		name string
		src  *float64
		dst  *float64
	}{
		{"commission_rate", req.CommissionRate, &execCfg.CommissionRate},
		{"stamp_tax_rate", req.StampTaxRate, &execCfg.StampTaxRate},
		{"slippage_rate", req.SlippageRate, &execCfg.SlippageRate},
		{"min_commission", req.MinCommission, &execCfg.MinCommission},
	} {
		if f.src == nil {
			continue
		}
		if *f.src < 0 {
			return RunConfig{}, EngineConfig{}, fmt.Errorf("%s 不能为负数: %v", f.name, *f.src)
		}
		*f.dst = *f.src
	}

	pfCfg := portfolio.DefaultConfig()
	if req.InitialCapital > 0 {
		pfCfg.InitialCapital = req.InitialCapital
	}
	if req.MaxPositions > 0 {
		pfCfg.MaxPositions = req.MaxPositions
	}
	if req.PositionSizing != "" {
		pfCfg.SizingMode = portfolio.SizingMode(req.PositionSizing)
	}

	selectors := req.Selectors
	if len(selectors) == 0 {
		selectors = []SelectorConfig{{Name: "kdj_oversold", Alias: "kdj_oversold", Activate: true}}
	}

	engineCfg := EngineConfig{
		StartDate:    req.StartDate,
		EndDate:      req.EndDate,
		LookbackDays: req.LookbackDays,
		Portfolio:    pfCfg,
		Execution:    execCfg,
		Combination:  req.Combination,
	}
	if err := engineCfg.Validate(); err != nil {
		return RunConfig{}, EngineConfig{}, err
	}

	cfg := RunConfig{
		Codes:          req.Codes,
		StartDate:      engineCfg.StartDate,
		EndDate:        engineCfg.EndDate,
		LookbackDays:   engineCfg.LookbackDays,
		InitialCapital: pfCfg.InitialCapital,
		MaxPositions:   pfCfg.MaxPositions,
		PositionSizing: string(pfCfg.SizingMode),
		CommissionRate: execCfg.CommissionRate,
		StampTaxRate:   execCfg.StampTaxRate,
		SlippageRate:   execCfg.SlippageRate,
		MinCommission:  execCfg.MinCommission,
		Combination:    engineCfg.Combination,
		Selectors:      selectors,
		SellStrategy:   req.SellStrategy,
		Notes:          req.Notes,
	}
	return cfg, engineCfg, nil
}

// applyDefaults 用服务级缺省参数补齐请求里留空的字段。
func (s *Service) applyDefaults(req RunRequest) RunRequest {
	d := s.defaults
	if req.LookbackDays <= 0 {
		req.LookbackDays = d.LookbackDays
	}
	if req.InitialCapital <= 0 {
		req.InitialCapital = d.InitialCapital
	}
	if req.MaxPositions <= 0 {
		req.MaxPositions = d.MaxPositions
	}
	if req.PositionSizing == "" {
		req.PositionSizing = d.PositionSizing
	}
	// 费率只在请求未携带时回落缺省，显式传 0 原样保留
	if req.CommissionRate == nil {
		req.CommissionRate = d.CommissionRate
	}
	if req.StampTaxRate == nil {
		req.StampTaxRate = d.StampTaxRate
	}
	if req.SlippageRate == nil {
		req.SlippageRate = d.SlippageRate
	}
	if req.MinCommission == nil {
		req.MinCommission = d.MinCommission
	}
	return req
}

func (s *Service) resolveSellSpec(req RunRequest) (sellrule.Spec, error) {
	if req.SellPlan != "" {
		if s.plans == nil {
			return sellrule.Spec{}, fmt.Errorf("未启用卖出策略模板")
		}
		return s.plans.SpecFor(req.SellPlan)
	}
	return sellrule.ParseSpecJSON(string(req.SellStrategy))
}

// CancelRun 请求取消运行中的任务。取消在日边界生效。
func (s *Service) CancelRun(id string) error {
	s.mu.Lock()
	cancel, ok := s.cancels[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("任务 %s 不存在或已结束", id)
	}
	cancel()
	logger.Infof("[backtest] 任务 %s 收到取消请求", id)
	return nil
}

func (s *Service) runLoop(runID string, cfg RunConfig, engineCfg EngineConfig, spec sellrule.Spec) {
	select {
	case s.sem <- struct{}{}:
	case <-s.ctx().Done():
		_ = s.results.UpdateRunStatus(context.Background(), runID, RunStatusFailed, "服务已关闭")
		return
	}
	defer func() { <-s.sem }()

	runCtx, cancel := context.WithCancel(s.ctx())
	s.mu.Lock()
	s.cancels[runID] = cancel
	s.mu.Unlock()
	defer func() {
		cancel()
		s.mu.Lock()
		delete(s.cancels, runID)
		s.mu.Unlock()
	}()

	if err := s.execute(runCtx, runID, cfg, engineCfg, spec); err != nil {
		logger.Warnf("[backtest] 任务 %s 失败: %v", runID, err)
		_ = s.results.UpdateRunStatus(s.ctx(), runID, RunStatusFailed, err.Error())
	}
}

func (s *Service) execute(ctx context.Context, runID string, cfg RunConfig, engineCfg EngineConfig, spec sellrule.Spec) error {
	_ = s.results.UpdateRunStatus(ctx, runID, RunStatusRunning, "加载行情…")

	warmStart, err := market.AddDays(cfg.StartDate, -cfg.LookbackDays)
	if err != nil {
		return err
	}
	data, err := s.bars.LoadDataset(ctx, cfg.Codes, warmStart, cfg.EndDate)
	if err != nil {
		return fmt.Errorf("加载行情失败: %w", err)
	}

	engine, err := NewEngine(engineCfg)
	if err != nil {
		return err
	}
	if err := engine.LoadData(data); err != nil {
		return err
	}
	if err := engine.LoadSelectors(cfg.Selectors); err != nil {
		return err
	}
	if err := engine.LoadSellStrategy(spec); err != nil {
		return err
	}

	start := time.Now()
	err = engine.Run(ctx, func(day, total int, date string) {
		if day == total || s.limiter.Allow() {
			msg := fmt.Sprintf("processing %d/%d (%s)", day, total, date)
			_ = s.results.UpdateRunStatus(context.Background(), runID, RunStatusRunning, msg)
		}
	})
	if err != nil {
		return err
	}

	results := engine.GetResults()
	stats := computeRunStats(cfg.InitialCapital, results)

	// 结果落库用后台 ctx：任务取消不应丢掉已算出的部分结果
	persistCtx := context.Background()
	if err := s.persistResults(persistCtx, runID, results); err != nil {
		return err
	}
	status := RunStatusDone
	message := "完成"
	if engine.State() == StateCancelled {
		status = RunStatusCancelled
		message = "已取消"
	}
	if err := s.results.UpdateRunSummary(persistCtx, runID, status, stats, message); err != nil {
		return err
	}
	logger.InfoBlock(renderRunSummary(runID, message, stats, time.Since(start)))
	return nil
}

// renderRunSummary 渲染回测结束后的多行汇总报告。
func renderRunSummary(runID, message string, stats RunStats, elapsed time.Duration) string {
	return fmt.Sprintf(
		"[backtest] 任务 %s %s（用时 %s）\n"+
			"期末净值 %.2f | 收益率 %+.2f%% | 最大回撤 %.2f%%\n"+
			"交易 %d 笔 | 胜率 %.1f%% | 平均持有 %.1f 日 | 在持 %d 仓",
		runID, message, elapsed.Round(time.Millisecond),
		stats.FinalValue, stats.ReturnPct*100, stats.MaxDrawdownPct*100,
		stats.Trades, stats.WinRate*100, stats.AvgHoldingDays, stats.OpenPositions)
}

func (s *Service) persistResults(ctx context.Context, runID string, results Results) error {
	trades := make([]TradeRecord, len(results.Trades))
	for i, tr := range results.Trades {
		trades[i] = TradeRecord{RunID: runID, Trade: tr}
	}
	if err := s.results.InsertTrades(ctx, runID, trades); err != nil {
		return fmt.Errorf("写入成交记录失败: %w", err)
	}
	points := make([]EquityRecord, len(results.EquityCurve))
	for i, p := range results.EquityCurve {
		points[i] = EquityRecord{RunID: runID, EquityPoint: p}
	}
	if err := s.results.InsertEquity(ctx, runID, points); err != nil {
		return fmt.Errorf("写入净值曲线失败: %w", err)
	}
	return nil
}

// SellRuleNames 暴露内建卖出规则清单，供前端展示可选项。
func (s *Service) SellRuleNames() []string { return sellrule.Names() }

// SelectorCatalog 暴露内建选股器清单。
func (s *Service) SelectorCatalog() []string { return SelectorNames() }
