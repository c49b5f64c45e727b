package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"sentinel-oracle/internal/api"
	"sentinel-oracle/internal/chain"
	"sentinel-oracle/internal/detector"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/events"
	"sentinel-oracle/internal/fetcher"
	"sentinel-oracle/internal/scheduler"
	"sentinel-oracle/internal/status"
)

// Options configure the multi-asset service.
type Options struct {
	Assets []domain.Asset
	Loop   scheduler.LoopOptions
	// Stagger offsets the first tick of consecutive assets.
	Stagger  time.Duration
	Detector detector.Options
}

// Deps are the shared collaborators. Only Source and Submitter are required.
type Deps struct {
	Source    fetcher.PriceSource
	Submitter chain.Submitter
	Flagger   chain.Flagger
	Locker    scheduler.AssetLocker
	Tracker   *status.Tracker
	// Recorders observe every loop in addition to the tracker.
	Recorders []scheduler.Recorder
	API       *api.Server
	Poller    *events.Poller
	Events    *events.Handler
}

// Service orchestrates one update loop per asset plus the API and the
// event consumer.
type Service struct {
	loops   []*scheduler.Loop
	tracker *status.Tracker
	api     *api.Server
	poller  *events.Poller
	events  *events.Handler
	logger  zerolog.Logger
}

// New builds a loop per asset. Each loop owns its window and classifier.
func New(opts Options, deps Deps, logger zerolog.Logger) (*Service, error) {
	if len(opts.Assets) == 0 {
		return nil, errors.New("no assets configured")
	}
	if deps.Source == nil || deps.Submitter == nil {
		return nil, errors.New("price source and submitter are required")
	}
	if deps.Tracker == nil {
		deps.Tracker = status.NewTracker(opts.Assets, 0, logger)
	}

	recorders := scheduler.Recorders{deps.Tracker}
	recorders = append(recorders, deps.Recorders...)

	s := &Service{
		tracker: deps.Tracker,
		api:     deps.API,
		poller:  deps.Poller,
		events:  deps.Events,
		logger:  logger.With().Str("component", "service").Logger(),
	}

	for i, asset := range opts.Assets {
		loopOpts := opts.Loop
		loopOpts.StartupDelay += time.Duration(i) * opts.Stagger

		loop, err := scheduler.NewLoop(asset, loopOpts, scheduler.LoopDeps{
			Source:    deps.Source,
			Detector:  detector.New(opts.Detector),
			Submitter: deps.Submitter,
			Flagger:   deps.Flagger,
			Locker:    deps.Locker,
			Recorder:  recorders,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("build loop for %s: %w", asset.Symbol, err)
		}
		s.loops = append(s.loops, loop)
	}
	return s, nil
}

// Tracker exposes the shared status tracker.
func (s *Service) Tracker() *status.Tracker { return s.tracker }

// Loops returns the per-asset loops in configuration order.
func (s *Service) Loops() []*scheduler.Loop { return s.loops }

// Run 启动所有资产循环、API 与事件消费者，任一组件返回错误即整体退出。
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, loop := range s.loops {
		g.Go(func() error {
			if err := loop.Run(gctx); err != nil {
				return fmt.Errorf("asset loop %s: %w", loop.Asset().Symbol, err)
			}
			return nil
		})
	}
	if s.api != nil {
		g.Go(func() error { return s.api.Run(gctx) })
	}
	if s.poller != nil && s.events != nil {
		g.Go(func() error { return s.events.Consume(gctx, s.poller) })
	}

	s.tracker.SetStatus("running")
	s.logger.Info().Int("assets", len(s.loops)).
		Bool("api", s.api != nil).
		Bool("events", s.poller != nil).
		Msg("service started")

	err := g.Wait()
	s.tracker.SetStatus("stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		s.tracker.SetStatus("error")
		return err
	}
	s.logger.Info().Msg("service stopped")
	return nil
}
