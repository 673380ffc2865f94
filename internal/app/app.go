package app

import (
	"context"
	"fmt"

	"abacktest/internal/backtest"
	acfg "abacktest/internal/config"
	"abacktest/internal/logger"
	"abacktest/internal/market"
	"abacktest/internal/sellplan"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→启动回测服务与 HTTP。
type App struct {
	cfg     *acfg.Config
	bars    *market.Store
	results *backtest.ResultStore
	plans   *sellplan.Registry
	svc     *backtest.Service
	server  *backtest.HTTPServer
}

// NewApp 根据配置构建应用对象（不启动）。
func NewApp(cfg *acfg.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	logger.SetLevel(cfg.App.LogLevel)

	bars, err := market.NewStore(cfg.Market.DBPath)
	if err != nil {
		return nil, fmt.Errorf("打开行情库失败: %w", err)
	}

	results, err := backtest.NewResultStore(cfg.Backtest.ResultsDir)
	if err != nil {
		bars.Close()
		return nil, fmt.Errorf("打开结果库失败: %w", err)
	}

	plans, err := sellplan.NewRegistry(cfg.Plans.Path)
	if err != nil {
		bars.Close()
		results.Close()
		return nil, fmt.Errorf("加载卖出策略模板失败: %w", err)
	}

	svc, err := backtest.NewService(backtest.ServiceConfig{
		Bars:           bars,
		Results:        results,
		Plans:          plans,
		MaxConcurrent:  cfg.Backtest.MaxConcurrent,
		ProgressPerSec: cfg.Backtest.ProgressPerSec,
		Defaults: backtest.RunRequest{
			LookbackDays:   cfg.Backtest.LookbackDays,
			InitialCapital: cfg.Backtest.InitialCapital,
			MaxPositions:   cfg.Backtest.MaxPositions,
			PositionSizing: cfg.Backtest.PositionSizing,
			CommissionRate: backtest.Float64Ptr(cfg.Backtest.CommissionRate),
			StampTaxRate:   backtest.Float64Ptr(cfg.Backtest.StampTaxRate),
			SlippageRate:   backtest.Float64Ptr(cfg.Backtest.SlippageRate),
			MinCommission:  backtest.Float64Ptr(cfg.Backtest.MinCommission),
		},
	})
	if err != nil {
		bars.Close()
		results.Close()
		return nil, err
	}

	server, err := backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:    cfg.App.HTTPAddr,
		Svc:     svc,
		Results: results,
		Bars:    bars,
	})
	if err != nil {
		bars.Close()
		results.Close()
		return nil, err
	}

	return &App{
		cfg:     cfg,
		bars:    bars,
		results: results,
		plans:   plans,
		svc:     svc,
		server:  server,
	}, nil
}

// Run 启动服务并阻塞到 ctx 取消。启动时按配置批量导入 CSV 行情。
func (a *App) Run(ctx context.Context) error {
	if a == nil || a.cfg == nil {
		return fmt.Errorf("app not initialized")
	}
	defer a.Close()

	if dir := a.cfg.Market.CSVDir; dir != "" {
		n, err := market.ImportDir(ctx, a.bars, dir)
		if err != nil {
			return fmt.Errorf("导入行情失败: %w", err)
		}
		logger.Infof("✓ 行情导入完成：%d 根 K 线（来源 %s）", n, dir)
	}

	a.svc.SetContext(ctx)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := a.server.Start(ctx); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close 释放存储资源。
func (a *App) Close() {
	if a == nil {
		return
	}
	if a.results != nil {
		if err := a.results.Close(); err != nil {
			logger.Warnf("关闭结果库失败: %v", err)
		}
	}
	if a.bars != nil {
		if err := a.bars.Close(); err != nil {
			logger.Warnf("关闭行情库失败: %v", err)
		}
	}
}
