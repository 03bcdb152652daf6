package daemon

import (
	"context"
	"sync"
	"time"

	"github.com/agape-platform/convsync/internal/aggregate"
	"github.com/agape-platform/convsync/internal/bus"
	"github.com/agape-platform/convsync/internal/channel"
	"github.com/agape-platform/convsync/internal/config"
	"github.com/agape-platform/convsync/internal/lock"
	"github.com/agape-platform/convsync/internal/logging"
	"github.com/agape-platform/convsync/internal/meeting"
	"github.com/agape-platform/convsync/internal/outbox"
	"github.com/agape-platform/convsync/internal/profile"
	"github.com/agape-platform/convsync/internal/restapi"
	"github.com/agape-platform/convsync/internal/status"
	"github.com/agape-platform/convsync/internal/store"
	intsync "github.com/agape-platform/convsync/internal/sync"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// startupTimeout bounds the initial refresh and connect.
const startupTimeout = time.Minute

// Params holds the resolved profile and loaded config passed to the fx module.
type Params struct {
	Profile    string
	Config     *config.Config
	SocketPath string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideLog,
			provideRESTClient,
			provideChannel,
			provideAggregator,
			provideTracker,
			provideEngine,
			NewHealthServer,
			NewMetricsServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig(p Params) (*config.Config, error) {
	if err := p.Config.Validate(); err != nil {
		return nil, err
	}
	return p.Config, nil
}

func provideLogger(p Params, cfg *config.Config) (*zap.Logger, error) {
	return logging.New(profile.LogPath(p.Profile), cfg.LogLevel, p.Profile, cfg.UserID)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, cfg *config.Config, logger *zap.Logger) (*lock.Lock, error) {
	if err := profile.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(profile.LockPath(p.Profile), cfg.UserID)
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

// provideStore takes the lock so the journal is never opened by two daemons.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := profile.DBPath(p.Profile)
	db, err := store.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}

	orphaned, err := db.FailOrphaned("daemon restarted before the action resolved")
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, r := range orphaned {
		logger.Warn("orphaned action marked failed",
			zap.String("temp_id", r.TempID),
			zap.String("kind", r.Kind),
		)
	}

	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideLog(cfg *config.Config, db *store.DB, logger *zap.Logger) *outbox.Log {
	return outbox.NewLog(logger.Named("outbox"),
		outbox.WithMatchWindow(cfg.Outbox.MatchWindow),
		outbox.WithRetention(cfg.Outbox.Retention),
		outbox.WithJournal(db),
	)
}

func provideRESTClient(cfg *config.Config, logger *zap.Logger) (*restapi.Client, error) {
	token := cfg.APIToken
	return restapi.New(cfg.APIURL, logger.Named("restapi"), restapi.WithToken(func() string { return token }))
}

func provideChannel(cfg *config.Config, m *status.Machine, b *bus.Bus, logger *zap.Logger) *channel.Channel {
	return channel.New(channel.Config{
		URL:              cfg.SocketURL,
		UserID:           cfg.UserID,
		HandshakeTimeout: cfg.Channel.HandshakeTimeout,
		PingPeriod:       cfg.Channel.PingPeriod,
		MaxRetries:       cfg.Channel.MaxRetries,
		InitialBackoff:   cfg.Channel.InitialBackoff,
		MaxBackoff:       cfg.Channel.MaxBackoff,
	}, m, b, logger.Named("channel"))
}

func provideAggregator(cfg *config.Config, logger *zap.Logger) *aggregate.Aggregator {
	return aggregate.New(cfg.UserID, logger.Named("aggregate"))
}

func provideTracker(cfg *config.Config, ch *channel.Channel, api *restapi.Client, log *outbox.Log, b *bus.Bus, logger *zap.Logger) *meeting.Tracker {
	return meeting.NewTracker(cfg.UserID, ch, api, log, b, logger.Named("meeting"))
}

func provideEngine(cfg *config.Config, agg *aggregate.Aggregator, log *outbox.Log, tracker *meeting.Tracker, api *restapi.Client, ch *channel.Channel, db *store.DB, b *bus.Bus, logger *zap.Logger) *intsync.Engine {
	return intsync.NewEngine(agg, log, tracker, api, ch, db, b, logger.Named("engine"), intsync.Options{
		SenderWorkers: cfg.Outbox.Workers,
		SendTimeout:   cfg.Outbox.SendTimeout,
	})
}

type lifecycleParams struct {
	fx.In

	Config  *config.Config
	Health  *HealthServer
	Metrics *MetricsServer
	Lock    *lock.Lock
	DB      *store.DB
	Log     *outbox.Log
	Engine  *intsync.Engine
	Logger  *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, p lifecycleParams) {
	bg, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	j := &janitor{db: p.DB, log: p.Log, retention: p.Config.Outbox.Retention, logger: p.Logger}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if err := p.Metrics.Start(); err != nil {
				cancel()
				return err
			}

			p.Engine.Start(bg)
			wg.Go(func() { j.run(bg) })

			go func() {
				if err := p.Health.Start(); err != nil {
					p.Logger.Error("health server error", zap.Error(err))
				}
			}()

			// Initial load then connect. fx bounds OnStart with a timeout.
			wg.Go(func() {
				ctx, done := context.WithTimeout(bg, startupTimeout)
				defer done()
				if t, ok := p.Engine.LastRefresh(); ok {
					p.Logger.Info("previous run refreshed", zap.Time("last_refresh", t))
				}
				if err := p.Engine.Refresh(ctx); err != nil {
					p.Logger.Warn("initial refresh failed", zap.Error(err))
				}
				st, err := p.Engine.Connect(ctx)
				if err != nil {
					p.Logger.Error("connect failed", zap.Error(err))
					return
				}
				p.Logger.Info("channel status", zap.String("status", string(st)))
			})
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			wg.Wait()
			p.Engine.Disconnect()
			p.Engine.Stop()
			p.Health.Stop(ctx)
			p.Metrics.Stop(ctx)
			if err := p.DB.Close(); err != nil {
				p.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := p.Lock.Release(); err != nil {
				p.Logger.Warn("error releasing lock", zap.Error(err))
			}
			p.Logger.Info("daemon stopped")
			return nil
		},
	})
}
