package svc

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"marginx/internal/application/service"
	"marginx/internal/application/usecase/scanner"
	"marginx/internal/infrastructure/config"
	"marginx/internal/infrastructure/container"
	httpapi "marginx/internal/interfaces/http"
)

type ServiceContext struct {
	Ctx    context.Context
	Config *config.Config

	// 基础设施层（第一层初始化）
	container *container.Container

	// 应用业务组件（依赖基础设施）
	engine  *service.PositionEngine
	scanner *scanner.Service
	server  *httpapi.Server
}

// New 创建并初始化 ServiceContext
// 这是应用启动的唯一入口点，所有依赖初始化都在这里完成
func New(ctx context.Context, cfg *config.Config) (*ServiceContext, error) {
	c, err := container.New(ctx, cfg)
	if err != nil {
		return nil, err
	}

	sc := &ServiceContext{
		Ctx:       ctx,
		Config:    cfg,
		container: c,
	}

	if err := sc.initializeComponents(); err != nil {
		_ = sc.Close()
		return nil, err
	}
	return sc, nil
}

// initializeComponents 按依赖顺序初始化：账户 -> 引擎 -> 扫描 -> HTTP
func (sc *ServiceContext) initializeComponents() error {
	c := sc.container
	if c.Store() == nil {
		return ErrNoStore
	}
	if c.Oracle() == nil {
		return ErrNoOracle
	}

	if err := c.SeedAccounts(sc.Ctx); err != nil {
		return fmt.Errorf("seed accounts failed: %w", err)
	}

	sc.engine = service.NewPositionEngine(service.EngineDeps{
		Store:        c.Store(),
		Oracle:       c.Oracle(),
		Publisher:    c.Publisher(),
		Metrics:      c.Metrics(),
		PriceTimeout: sc.Config.PriceTimeout(),
		TxTimeout:    sc.Config.TxTimeout(),

		NormalizeSymbol: c.SymbolConverter().Normalize,
	})

	sc.scanner = scanner.NewService(scanner.ServiceDeps{
		Engine:               sc.engine,
		Interval:             sc.Config.ScanInterval(),
		RecoveryInterval:     sc.Config.RecoveryInterval(),
		MaxConcurrentSymbols: sc.Config.App.MaxConcurrentSymbols,
		Sink:                 c.Sink(),
		Metrics:              c.Metrics(),
	})

	if sc.Config.HTTP.Enabled {
		deps := httpapi.ServerDeps{
			Addr:    sc.Config.HTTP.Addr,
			Handler: httpapi.NewPositionHandler(sc.engine),
		}
		if prom := c.Prometheus(); prom != nil {
			deps.Metrics = prom.Handler()
			deps.MetricsPath = sc.Config.Metrics.Path
		}
		sc.server = httpapi.NewServer(deps)
	}

	log.Info().
		Str("storage", sc.Config.Storage.Driver).
		Str("oracle", sc.Config.Oracle.Source).
		Bool("redis", sc.Config.Redis.Enabled).
		Bool("http", sc.server != nil).
		Bool("metrics", c.Prometheus() != nil).
		Msg("all components initialized")
	return nil
}

// Run 并发运行扫描、行情推送与 HTTP 服务，任一退出即整体退出
func (sc *ServiceContext) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sc.scanner.Run(gctx)
	})
	g.Go(func() error {
		return sc.container.RunPriceFeed(gctx)
	})
	if sc.server != nil {
		g.Go(func() error {
			return sc.server.Run(gctx)
		})
	}
	return g.Wait()
}

// Close 关闭 ServiceContext 中的所有资源
// 应该在应用退出时调用
func (sc *ServiceContext) Close() error {
	if sc.container == nil {
		return nil
	}
	return sc.container.Close()
}
