package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"signal-fusion/internal/alerting"
	"signal-fusion/internal/config"
	"signal-fusion/internal/dispatch"
	"signal-fusion/internal/fusion"
	"signal-fusion/internal/httpapi"
	"signal-fusion/internal/ingest"
	"signal-fusion/internal/pricing"
	"signal-fusion/internal/quality"
	"signal-fusion/internal/service"
	"signal-fusion/internal/storage"
	"signal-fusion/internal/version"
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

// engineSettings resolves the preset and applies any non-zero overrides.
func (a *App) engineSettings(lookup fusion.SourceQualityLookup) (fusion.Settings, error) {
	ec := a.Config.Engine

	var s fusion.Settings
	switch ec.Preset {
	case config.PresetConvergence:
		hours := int(ec.Window / time.Hour)
		s = fusion.ConvergenceSettings(lookup, hours, ec.MinDistinctSources)
		if ec.BonusPerSource > 0 {
			s.Policy = fusion.QualityWeighted{Lookup: lookup, PerSource: ec.BonusPerSource}
		}
	default:
		s = fusion.ConvictionSettings()
		if ec.BonusPerSource > 0 {
			s.Policy = fusion.FlatBonus{PerSource: ec.BonusPerSource}
		}
	}

	if ec.MinFireScore > 0 {
		s.MinFireScore = ec.MinFireScore
	}
	if ec.Window > 0 {
		s.Window = ec.Window
	}
	if ec.Cooldown > 0 {
		s.Cooldown = ec.Cooldown
	}
	if ec.MinDistinctSources > 0 {
		s.MinDistinctSources = ec.MinDistinctSources
	}
	if ec.ScoreCeiling > 0 {
		s.ScoreCeiling = ec.ScoreCeiling
	}
	if ec.ListLimit > 0 {
		s.ListLimit = ec.ListLimit
	}
	return s, s.Validate()
}

func (a *App) newQualityTable() *quality.Table {
	return quality.NewTable(a.Config.Quality.Default, a.Config.Quality.Sources)
}

func (a *App) newNotifier() dispatch.NotifySink {
	var sinks alerting.Fanout
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		sinks = append(sinks, alerting.NewTelegramNotifier(alerting.TelegramOptions{
			BotToken:            cfg.BotToken,
			ChatID:              cfg.ChatID,
			APIBase:             cfg.APIBase,
			Timeout:             cfg.Timeout,
			DisableNotification: cfg.DisableNotification,
		}, a.Logger))
	}
	if a.Config.Alerting.LogSink {
		sinks = append(sinks, alerting.NewLogNotifier(a.Logger))
	}
	switch len(sinks) {
	case 0:
		return nil
	case 1:
		return sinks[0]
	default:
		return sinks
	}
}

func (a *App) newPriceLookup() dispatch.PriceLookup {
	if !a.Config.Pricing.Enabled {
		return nil
	}
	pc := a.Config.Pricing

	var lookup pricing.Lookup = pricing.NewPairAPI(pricing.PairOptions{
		BaseURL:         pc.BaseURL,
		Timeout:         pc.RequestTimeout,
		UserAgent:       pc.UserAgent,
		MinLiquidityUSD: pc.MinLiquidityUSD,
	}, a.Logger)

	if a.Config.Ethereum.RPCURL != "" {
		resolver := pricing.NewChainResolver(pricing.ChainResolverOptions{
			RPCURL:  a.Config.Ethereum.RPCURL,
			Timeout: a.Config.Ethereum.RequestTimeout,
		}, a.Logger)
		lookup = pricing.NewWithNames(lookup, resolver, a.Logger)
	}
	return pricing.NewCache(lookup, pc.CacheTTL, pc.CacheSize)
}

func (a *App) dispatchOptions() dispatch.Options {
	dc := a.Config.Dispatch
	followUps := make([]dispatch.FollowUp, 0, len(dc.FollowUps))
	for _, fu := range dc.FollowUps {
		followUps = append(followUps, dispatch.FollowUp{Field: fu.Field, Offset: fu.Offset})
	}
	return dispatch.Options{
		QueueSize:       dc.QueueSize,
		Workers:         dc.Workers,
		LookupTimeout:   dc.LookupTimeout,
		NotifyTimeout:   dc.NotifyTimeout,
		PersistTimeout:  dc.PersistTimeout,
		PersistRetries:  dc.PersistRetries,
		PersistBackoff:  dc.PersistBackoff,
		FollowUps:       followUps,
		FollowUpWorkers: dc.FollowUpWorkers,
		MaxPending:      dc.MaxPendingFollowUps,
		FollowUpTimeout: dc.FollowUpTimeout,
	}
}

// newPipeline wires the engine to a dispatcher. The engine hands fires to the
// dispatcher and the dispatcher annotates the engine, so the dispatcher is
// bound after the engine exists.
func (a *App) newPipeline(lookup fusion.SourceQualityLookup, notifier dispatch.NotifySink, store dispatch.AlertStore, prices dispatch.PriceLookup, opts ...fusion.Option) (*fusion.Engine, *dispatch.Dispatcher, error) {
	settings, err := a.engineSettings(lookup)
	if err != nil {
		return nil, nil, err
	}

	var disp *dispatch.Dispatcher
	opts = append(opts, fusion.WithDispatcher(fusion.DispatcherFunc(func(rec fusion.AlertRecord) {
		disp.Dispatch(rec)
	})))
	engine, err := fusion.New(settings, a.Logger, opts...)
	if err != nil {
		return nil, nil, err
	}
	disp = dispatch.New(a.dispatchOptions(), notifier, store, prices, engine, a.Logger)
	return engine, disp, nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	if a.Config.Database.AutoMigrate {
		applied, err := storage.Migrate(ctx, pool, a.Config.Database.MigrationsPath)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		a.Logger.Debug().Strs("migrations", applied).Msg("migrations applied")
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// Run executes the long-running aggregation service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence and follow-ups disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	table := a.newQualityTable()
	var alertStore dispatch.AlertStore
	deps := service.Deps{}
	if store != nil {
		alertStore = store
		deps.History = store
		deps.Locker = store
		deps.Quality = quality.NewRefresher(table, store, quality.RefresherOptions{
			Field:      a.Config.Quality.RefreshField,
			Lookback:   a.Config.Quality.Lookback,
			MinSamples: a.Config.Quality.MinSamples,
		}, a.Logger)
	}

	engine, disp, err := a.newPipeline(table, a.newNotifier(), alertStore, a.newPriceLookup())
	if err != nil {
		return err
	}
	deps.Engine = engine
	deps.Dispatcher = disp

	if a.Config.HTTP.Enabled {
		hc := a.Config.HTTP
		deps.Runners = append(deps.Runners, service.NamedRunner{Name: "http", Runner: httpapi.NewServer(httpapi.Options{
			Addr:            hc.Addr,
			ReadTimeout:     hc.ReadTimeout,
			WriteTimeout:    hc.WriteTimeout,
			ShutdownTimeout: hc.ShutdownTimeout,
			MaxBatch:        hc.MaxBatch,
		}, engine, a.Logger)})
	}
	if a.Config.Ingest.Kafka.Enabled {
		kc := a.Config.Ingest.Kafka
		consumer, err := ingest.NewKafkaConsumer(ingest.KafkaOptions{
			Brokers:       kc.Brokers,
			Topics:        kc.Topics,
			GroupID:       kc.GroupID,
			Version:       kc.Version,
			InitialOffset: kc.InitialOffset,
		}, engine, a.Logger)
		if err != nil {
			disp.Close(context.Background())
			return err
		}
		deps.Runners = append(deps.Runners, service.NamedRunner{Name: "kafka", Runner: consumer})
	}
	if len(deps.Runners) == 0 {
		a.Logger.Warn().Msg("no signal producers enabled (http and kafka both off)")
	}

	svc := service.New(service.Options{
		SweepInterval:     a.Config.Engine.SweepInterval,
		QualityInterval:   a.Config.Quality.RefreshInterval,
		RetentionInterval: a.Config.Retention.Interval,
		RetentionKeep:     a.Config.Retention.Keep,
		LockKey:           a.Config.Engine.InstanceLockKey,
		ShutdownTimeout:   a.Config.Dispatch.ShutdownTimeout,
	}, deps, a.Logger)

	s := engine.Settings()
	a.Logger.Info().
		Str("preset", a.Config.Engine.Preset).
		Str("policy", s.Policy.Name()).
		Float64("min_fire_score", s.MinFireScore).
		Dur("window", s.Window).
		Dur("cooldown", s.Cooldown).
		Str("build", version.String()).
		Msg("starting fusion service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("fusion service stopped")
	return nil
}

// ExportOptions hold parameters for exporting persisted alerts.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// ReconcileOptions configure the follow-up reconciliation job.
type ReconcileOptions struct {
	Fields  []string
	Limit   int
	DryRun  bool
	Workers int
}

// SimulateOptions configure a scenario replay.
type SimulateOptions struct {
	ScenarioPath string
}
