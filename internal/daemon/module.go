package daemon

import (
	"context"
	"fmt"

	"github.com/matheus3301/supportchat/internal/api"
	"github.com/matheus3301/supportchat/internal/bus"
	"github.com/matheus3301/supportchat/internal/config"
	"github.com/matheus3301/supportchat/internal/connectivity"
	"github.com/matheus3301/supportchat/internal/encryption"
	"github.com/matheus3301/supportchat/internal/lock"
	"github.com/matheus3301/supportchat/internal/logging"
	"github.com/matheus3301/supportchat/internal/outbox"
	"github.com/matheus3301/supportchat/internal/pipeline"
	"github.com/matheus3301/supportchat/internal/ratelimit"
	"github.com/matheus3301/supportchat/internal/session"
	"github.com/matheus3301/supportchat/internal/status"
	"github.com/matheus3301/supportchat/internal/store"
	"github.com/matheus3301/supportchat/internal/transport"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved session configuration passed to the fx module.
type Params struct {
	SessionName    string
	ConversationID string
	Config         *config.Config
	SocketPath     string // optional override for testing; empty = use default
}

// Module returns the fx module for the daemon, composing all providers and lifecycle hooks.
func Module(p Params) fx.Option {
	if p.Config == nil {
		p.Config = config.Default()
	}
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideQueue,
			provideKeyManager,
			provideLimiter,
			provideMonitor,
			provideProber,
			provideTransport,
			providePipeline,
			provideHandler,
			NewServer,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	logger, err := logging.New(session.LogPath(p.SessionName), p.SessionName, p.Config.Log.Level)
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("conversation_id", p.ConversationID)), nil
}

func provideBus(logger *zap.Logger) *bus.Bus {
	return bus.New(logger)
}

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName), p.ConversationID)
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

// provideStore depends on the lock so the database is only opened by its
// single owner.
func provideStore(p Params, _ *lock.Lock, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.AppDBPath(p.SessionName)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideQueue(db *store.DB, b *bus.Bus, logger *zap.Logger) *outbox.Queue {
	return outbox.NewQueue(db, b, logger)
}

func provideKeyManager(p Params, db *store.DB, logger *zap.Logger) *encryption.Manager {
	return encryption.NewManager(db, encryption.ChaChaProvider{}, encryption.Options{
		MaxPreviousKeys: p.Config.Encryption.MaxPreviousKeys,
		Logger:          logger,
	})
}

func provideLimiter(p Params) *ratelimit.Limiter {
	rl := p.Config.RateLimit
	return ratelimit.New(ratelimit.Config{
		MaxActions: rl.MaxActions,
		Window:     rl.Window.Duration,
		Cooldown:   rl.Cooldown.Duration,
	}, nil)
}

func provideMonitor(machine *status.Machine, b *bus.Bus, logger *zap.Logger) *connectivity.Monitor {
	return connectivity.NewMonitor(machine, b, logger)
}

// provideProber returns nil when no probe address is configured; the
// network is then assumed online.
func provideProber(p Params, m *connectivity.Monitor, logger *zap.Logger) *connectivity.Prober {
	pc := p.Config.Probe
	if pc.Address == "" {
		return nil
	}
	return connectivity.NewProber(m, pc.Address, pc.Interval.Duration, pc.Timeout.Duration, nil, logger)
}

func provideTransport(p Params, machine *status.Machine, logger *zap.Logger) (*transport.NATS, error) {
	tc := p.Config.Transport
	return transport.Dial(transport.Options{
		URL:           tc.URL,
		SubjectPrefix: tc.SubjectPrefix,
		ClientName:    fmt.Sprintf("chatd-%s-%s", p.SessionName, p.Config.Identity.UserID),
		ReconnectWait: tc.ReconnectWait.Duration,
		MaxReconnects: tc.MaxReconnects,
	}, machine, logger)
}

func providePipeline(
	p Params,
	tr *transport.NATS,
	q *outbox.Queue,
	keys *encryption.Manager,
	limiter *ratelimit.Limiter,
	m *connectivity.Monitor,
	b *bus.Bus,
	logger *zap.Logger,
) *pipeline.Pipeline {
	cfg := p.Config
	return pipeline.New(pipeline.Config{
		ConversationID:    p.ConversationID,
		SelfID:            cfg.Identity.UserID,
		SelfType:          pipeline.SenderType(cfg.Identity.Role),
		DisplayName:       cfg.Identity.DisplayName,
		Encryption:        cfg.Encryption.Enabled,
		RotationPeriod:    cfg.Encryption.RotationPeriod.Duration,
		QueuePollInterval: cfg.Queue.PollInterval.Duration,
		PublishTimeout:    cfg.Transport.PublishTimeout.Duration,
	}, pipeline.Deps{
		Transport:    tr,
		Queue:        q,
		Keys:         keys,
		Limiter:      limiter,
		Connectivity: m,
		Bus:          b,
		Logger:       logger,
	})
}

func provideHandler(p Params, pl *pipeline.Pipeline, m *connectivity.Monitor, b *bus.Bus, logger *zap.Logger) *api.Handler {
	h := api.NewHandler(p.SessionName, p.ConversationID, pl, m, logger)
	h.SetEvents(b)
	return h
}

type lifecycleDeps struct {
	fx.In

	Server    *Server
	Lock      *lock.Lock
	DB        *store.DB
	Transport *transport.NATS
	Monitor   *connectivity.Monitor
	Prober    *connectivity.Prober
	Pipeline  *pipeline.Pipeline
	Bus       *bus.Bus
	Logger    *zap.Logger
}

func registerLifecycle(lc fx.Lifecycle, d lifecycleDeps) {
	var unsubLog func()
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			unsubLog = d.Bus.Subscribe(bus.Wildcard, logEvent(d.Logger))

			if d.Prober != nil {
				d.Prober.Start(context.Background())
			}
			if err := d.Pipeline.Start(ctx); err != nil {
				return fmt.Errorf("start pipeline: %w", err)
			}

			// Serve the control API in background.
			go func() {
				if err := d.Server.Start(); err != nil {
					d.Logger.Error("control API error", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			d.Server.Stop(ctx)
			d.Pipeline.Close()
			if d.Prober != nil {
				d.Prober.Stop()
			}
			if err := d.Transport.Close(); err != nil {
				d.Logger.Warn("error closing transport", zap.Error(err))
			}
			d.Monitor.Close()
			if unsubLog != nil {
				unsubLog()
			}
			if err := d.DB.Close(); err != nil {
				d.Logger.Warn("error closing store", zap.Error(err))
			}
			if err := d.Lock.Release(); err != nil {
				d.Logger.Warn("error releasing lock", zap.Error(err))
			}
			d.Logger.Info("daemon stopped")
			return nil
		},
	})
}

// logEvent records every bus event at debug level.
func logEvent(logger *zap.Logger) bus.Handler {
	return func(evt bus.Event) {
		logger.Debug("event", zap.String("kind", evt.Kind), zap.Any("payload", evt.Payload))
	}
}
