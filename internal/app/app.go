package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"sentinel-oracle/internal/alerting"
	"sentinel-oracle/internal/api"
	"sentinel-oracle/internal/chain"
	"sentinel-oracle/internal/config"
	"sentinel-oracle/internal/detector"
	"sentinel-oracle/internal/domain"
	"sentinel-oracle/internal/events"
	"sentinel-oracle/internal/fetcher"
	"sentinel-oracle/internal/scheduler"
	"sentinel-oracle/internal/service"
	"sentinel-oracle/internal/status"
	"sentinel-oracle/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newHermes() *fetcher.Hermes {
	opts := fetcher.HermesOptions{
		BaseURL:           a.Config.Feed.BaseURL,
		Timeout:           a.Config.Feed.RequestTimeout,
		UserAgent:         a.Config.Feed.UserAgent,
		RequestsPerSecond: a.Config.Feed.RateLimit,
		Burst:             a.Config.Feed.RateBurst,
	}
	if a.Config.Feed.SyntheticFallback {
		opts.Fallback = fetcher.NewSynthetic()
	}
	return fetcher.NewHermes(opts, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

func (a *App) detectorOptions() detector.Options {
	return detector.Options{
		MinSamples:   a.Config.Detector.MinSamples,
		ZThreshold:   a.Config.Detector.ZThreshold,
		PctThreshold: a.Config.Detector.PctThreshold,
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}
	if err := storage.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) dial(ctx context.Context) (*ethclient.Client, error) {
	return chain.Dial(ctx, a.Config.Chain.RPCURL, a.Config.Chain.RequestTimeout)
}

func (a *App) newSubmitter(client *ethclient.Client, payloads fetcher.PayloadSource) (*chain.EthSubmitter, chain.Submitter, error) {
	cfg := a.Config.Chain
	eth, err := chain.NewEthSubmitter(client, chain.Options{
		ContractAddress: cfg.ContractAddress,
		PrivateKeyHex:   cfg.PrivateKey,
		UpdateGasLimit:  cfg.UpdateGasLimit,
		PullGasLimit:    cfg.PullGasLimit,
		ConsumeGasLimit: cfg.ConsumeGasLimit,
		FlagGasLimit:    cfg.FlagGasLimit,
		ConfirmTimeout:  cfg.ConfirmTimeout,
	}, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	if cfg.Mode == config.ModePull {
		return eth, chain.NewPullSubmitter(eth, payloads, a.Logger), nil
	}
	return eth, eth, nil
}

// openLedger prefers Postgres and falls back to the SQLite file.
func (a *App) openLedger(store *storage.Store) (events.Ledger, func(), error) {
	if store != nil {
		return store, func() {}, nil
	}
	ledger, err := storage.OpenSQLiteLedger(a.Config.Events.SQLitePath)
	if err != nil {
		return nil, nil, err
	}
	return ledger, func() { _ = ledger.Close() }, nil
}

// Run executes the long-running price pusher.
func (a *App) Run(ctx context.Context) error {
	if err := a.Config.ValidateRun(); err != nil {
		return err
	}
	assets, err := a.Config.SelectedAssets()
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; attempt log and submit locks disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	client, err := a.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	hermes := a.newHermes()
	eth, submitter, err := a.newSubmitter(client, hermes)
	if err != nil {
		return err
	}
	a.Logger.Info().Str("signer", eth.From().Hex()).Str("mode", a.Config.Chain.Mode).Msg("chain submitter ready")

	tracker := status.NewTracker(assets, a.Config.API.HistorySize, a.Logger)
	notifier := a.newNotifier()

	deps := service.Deps{
		Source:    hermes,
		Submitter: submitter,
		Flagger:   eth,
		Tracker:   tracker,
	}

	if store != nil {
		deps.Recorders = append(deps.Recorders, service.NewAttemptLog(store, a.Logger))
		if key := a.Config.Scheduler.AdvisoryLockKey; key != 0 {
			deps.Locker = storage.NewAssetLocks(store, key)
		}
	}
	if a.Config.Redis.Addr != "" {
		publisher, err := status.NewRedisPublisher(ctx, status.RedisOptions{
			Addr:        a.Config.Redis.Addr,
			Password:    a.Config.Redis.Password,
			DB:          a.Config.Redis.DB,
			Prefix:      a.Config.Redis.Prefix,
			TTL:         a.Config.Redis.TTL,
			HistorySize: a.Config.API.HistorySize,
		}, tracker, a.Logger)
		if err != nil {
			return err
		}
		defer publisher.Close()
		deps.Recorders = append(deps.Recorders, publisher)
	}
	if a.Config.Alerting.Enabled && notifier != nil {
		alerts := service.NewDetectionAlerts(notifier, a.Config.Detector.FlagCooldown, a.Logger)
		defer alerts.Wait()
		deps.Recorders = append(deps.Recorders, alerts)
	}
	if a.Config.API.Enabled {
		deps.API = api.NewServer(api.Options{
			Addr:         a.Config.API.Addr,
			AgentName:    a.Config.App.Name,
			AllowUpdates: a.Config.API.AllowUpdates,
		}, tracker, nil, a.Logger)
	}
	if a.Config.Events.Enabled {
		ledger, closeLedger, err := a.openLedger(store)
		if err != nil {
			return err
		}
		defer closeLedger()

		poller, err := events.NewPoller(client, ledger, events.PollerOptions{
			ContractAddress: a.Config.Chain.ContractAddress,
			PollInterval:    a.Config.Events.PollInterval,
			StartBlock:      a.Config.Events.StartBlock,
			MaxRange:        a.Config.Events.MaxRange,
			Confirmations:   a.Config.Events.Confirmations,
		}, a.Logger)
		if err != nil {
			return err
		}
		deps.Poller = poller
		deps.Events = events.NewHandler(ledger, assets, tracker, notifier, events.HandlerOptions{
			NotifyCleared: a.Config.Events.NotifyCleared,
		}, a.Logger)
	}

	svc, err := service.New(service.Options{
		Assets: assets,
		Loop: scheduler.LoopOptions{
			Interval:     a.Config.Scheduler.Interval,
			StartupDelay: a.Config.Scheduler.StartupDelay,
			SubmitGap:    a.Config.Scheduler.SubmitGap,
			WindowSize:   a.Config.Detector.WindowSize,
			ClearZ:       a.Config.Detector.ClearZ,
			FlagCooldown: a.Config.Detector.FlagCooldown,
		},
		Stagger:  a.Config.Scheduler.Stagger,
		Detector: a.detectorOptions(),
	}, deps, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Int("assets", len(assets)).Dur("interval", a.Config.Scheduler.Interval).Msg("starting price pusher")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("price pusher stopped")
	return nil
}

// ExportOptions hold parameters for exporting the attempt log.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	Asset     string
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
	Asset string
}

// SimulateOptions configure the offline anomaly simulation.
type SimulateOptions struct {
	Asset    string
	Baseline int
	DropPct  float64
	Notify   bool
	Seed     int64
}

// resolveAsset picks one of the selected assets; empty selects the first.
func (a *App) resolveAsset(name string) (domain.Asset, error) {
	assets, err := a.Config.SelectedAssets()
	if err != nil {
		return domain.Asset{}, err
	}
	if name == "" {
		return assets[0], nil
	}
	matched, _ := domain.SelectAssets(assets, name)
	if len(matched) != 1 {
		return domain.Asset{}, fmt.Errorf("asset %q is not selected (assets.select=%s)", name, a.Config.Assets.Select)
	}
	return matched[0], nil
}
