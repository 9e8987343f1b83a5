package scanner

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"marginx/internal/application/port"
	"marginx/internal/application/service"
	"marginx/internal/domain/model"
)

// Engine 扫描依赖的引擎能力
type Engine interface {
	OpenPositions(ctx context.Context) ([]*model.Position, error)
	Price(ctx context.Context, symbol string) (decimal.Decimal, error)
	ScanAndClose(ctx context.Context, positions []*model.Position, price decimal.Decimal) []service.CloseResult
	Recover(ctx context.Context) (service.RecoveryResult, error)
}

type ServiceDeps struct {
	Engine               Engine
	Interval             time.Duration
	RecoveryInterval     time.Duration
	MaxConcurrentSymbols int
	Sink                 port.Sink    // optional
	Metrics              port.Metrics // optional
}

// Service 周期性扫描所有 open 持仓，每个 symbol 只取一次价格
type Service struct {
	deps ServiceDeps
	fmt  *Formatter
}

func NewService(deps ServiceDeps) *Service {
	if deps.Interval <= 0 {
		deps.Interval = 5 * time.Second
	}
	if deps.RecoveryInterval <= 0 {
		deps.RecoveryInterval = 30 * time.Second
	}
	if deps.MaxConcurrentSymbols <= 0 {
		deps.MaxConcurrentSymbols = 8
	}
	if deps.Metrics == nil {
		deps.Metrics = port.NopMetrics{}
	}
	return &Service{deps: deps, fmt: NewFormatter()}
}

func (s *Service) Run(ctx context.Context) error {
	if s.deps.Engine == nil {
		return errors.New("scanner: no engine")
	}

	// settle anything a previous run left in closing before scanning
	s.recover(ctx)
	s.tick(ctx)

	scanTicker := time.NewTicker(s.deps.Interval)
	defer scanTicker.Stop()
	recoveryTicker := time.NewTicker(s.deps.RecoveryInterval)
	defer recoveryTicker.Stop()

	log.Info().
		Dur("interval", s.deps.Interval).
		Dur("recovery_interval", s.deps.RecoveryInterval).
		Int("max_concurrent_symbols", s.deps.MaxConcurrentSymbols).
		Msg("scanner started")

	for {
		select {
		case <-ctx.Done():
			if s.deps.Sink != nil {
				_ = s.deps.Sink.NewLine()
			}
			return nil
		case <-scanTicker.C:
			s.tick(ctx)
		case <-recoveryTicker.C:
			s.recover(ctx)
		}
	}
}

func (s *Service) tick(ctx context.Context) {
	report, err := s.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Error().Err(err).Msg("scan failed")
		}
		return
	}
	if s.deps.Sink == nil {
		return
	}
	_ = s.deps.Sink.WriteLive(s.fmt.Live(report))
	for _, line := range s.fmt.Closes(report) {
		_ = s.deps.Sink.WriteSnapshot(report.At, line)
	}
}

func (s *Service) recover(ctx context.Context) {
	if _, err := s.deps.Engine.Recover(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("recovery sweep failed")
	}
}

// RunOnce 执行一次扫描：加载 open 持仓、按 symbol 分组、并发取价并评估
//
// A symbol whose price fetch fails is skipped for this tick and does not block
// the others.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	start := time.Now()

	positions, err := s.deps.Engine.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}

	groups := make(map[string][]*model.Position)
	for _, pos := range positions {
		groups[pos.Symbol] = append(groups[pos.Symbol], pos)
	}
	symbols := make([]string, 0, len(groups))
	for sym := range groups {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	report := &Report{At: start.UTC(), Symbols: len(symbols), Positions: len(positions)}
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(s.deps.MaxConcurrentSymbols)
	for _, sym := range symbols {
		group := groups[sym]
		g.Go(func() error {
			price, err := s.deps.Engine.Price(ctx, sym)
			if err != nil {
				log.Warn().Err(err).Str("symbol", sym).Int("positions", len(group)).Msg("price unavailable, symbol skipped")
				mu.Lock()
				report.Skipped = append(report.Skipped, sym)
				mu.Unlock()
				return nil
			}

			results := s.deps.Engine.ScanAndClose(ctx, group, price)

			mu.Lock()
			report.add(len(group), results)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(report.Skipped)
	report.Duration = time.Since(start)
	s.deps.Metrics.ObserveScan(report.Duration.Seconds(), report.Evaluated)
	s.deps.Metrics.SetOpenPositions(len(positions) - report.Closed)

	if report.Closed > 0 || report.Failed > 0 || len(report.Skipped) > 0 {
		log.Info().
			Int("symbols", report.Symbols).
			Strs("skipped", report.Skipped).
			Int("evaluated", report.Evaluated).
			Int("closed", report.Closed).
			Int("conflicts", report.Conflicts).
			Int("failed", report.Failed).
			Dur("took", report.Duration).
			Msg("scan tick")
	}
	return report, nil
}
