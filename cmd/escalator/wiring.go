package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/escalator/internal/audit"
	"github.com/pitabwire/escalator/internal/config"
	"github.com/pitabwire/escalator/internal/escalation"
	"github.com/pitabwire/escalator/internal/lease"
	"github.com/pitabwire/escalator/internal/notify"
	"github.com/pitabwire/escalator/internal/observability"
	"github.com/pitabwire/escalator/internal/orgchart"
	"github.com/pitabwire/escalator/internal/resilience"
	"github.com/pitabwire/escalator/internal/transport"
	"github.com/pitabwire/escalator/internal/workflow"
	"github.com/pitabwire/escalator/model"
)

// app is the fully wired engine shared by serve and run-once.
type app struct {
	scheduler *escalation.Scheduler
	readiness observability.ReadinessChecks
	closers   []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// buildApp constructs every dependency named in cfg. On error, whatever was
// already opened is closed.
func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, metrics *observability.Metrics) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	var pool *pgxpool.Pool
	if cfg.Store.Driver == config.DriverPostgres || cfg.Audit.Driver == config.DriverPostgres {
		pool, err = openPool(ctx, cfg.Store)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, pool.Close)
	}

	store, err := buildTaskStore(ctx, cfg.Store, pool, logger)
	if err != nil {
		return nil, err
	}
	a.readiness.TaskStore = store

	sink, err := buildAuditSink(ctx, cfg, pool, logger)
	if err != nil {
		return nil, err
	}
	if pool != nil && cfg.Audit.Driver == config.DriverPostgres {
		a.readiness.Audit = observability.HealthCheckFunc(pool.Ping)
	}

	leaser, closeLeaser, err := buildLeaser(ctx, cfg.Lease, logger)
	if err != nil {
		return nil, err
	}
	if closeLeaser != nil {
		a.closers = append(a.closers, closeLeaser)
	}
	a.readiness.Lease = leaser

	resolver, resolverHealth, err := buildResolver(cfg.OrgChart, metrics, logger)
	if err != nil {
		return nil, err
	}
	a.readiness.OrgChart = resolverHealth

	dispatcher, notifierHealth, closeNotifier, err := buildDispatcher(cfg.Notify, metrics, logger)
	if err != nil {
		return nil, err
	}
	if closeNotifier != nil {
		a.closers = append(a.closers, closeNotifier)
	}
	a.readiness.Notifier = notifierHealth

	a.scheduler = escalation.NewScheduler(escalation.Deps{
		Store:      store,
		Leaser:     leaser,
		Resolver:   resolver,
		Dispatcher: dispatcher,
		Recorder:   audit.NewRecorder(sink, cfg.Escalation.IOTimeout),
		Metrics:    metrics,
		Logger:     logger,
	}, escalation.ConfigFrom(cfg.Escalation))
	return a, nil
}

func openPool(ctx context.Context, cfg config.StoreConfig) (*pgxpool.Pool, error) {
	dsn := os.Getenv(cfg.DSNEnv)
	if dsn == "" {
		return nil, fmt.Errorf("postgres: %s environment variable not set", cfg.DSNEnv)
	}

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse DSN: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return pool, nil
}

type healthyTaskStore interface {
	workflow.TaskStore
	observability.HealthChecker
}

func buildTaskStore(ctx context.Context, cfg config.StoreConfig, pool *pgxpool.Pool, logger *zap.Logger) (healthyTaskStore, error) {
	switch cfg.Driver {
	case config.DriverPostgres:
		store := workflow.NewPgTaskStore(pool)
		if cfg.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("workflow store: %w", err)
			}
		}
		logger.Info("using postgres task store")
		return store, nil
	default:
		logger.Warn("using in-memory task store; tasks are not shared across replicas")
		return workflow.NewMemoryTaskStore(), nil
	}
}

func buildAuditSink(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, logger *zap.Logger) (audit.Sink, error) {
	switch cfg.Audit.Driver {
	case config.DriverPostgres:
		sink := audit.NewPgSink(pool)
		if cfg.Store.AutoMigrate {
			if err := sink.EnsureSchema(ctx); err != nil {
				return nil, fmt.Errorf("audit sink: %w", err)
			}
		}
		logger.Info("using postgres audit sink")
		return sink, nil
	default:
		logger.Warn("using in-memory audit sink; escalation events are lost on restart")
		return audit.NewMemorySink(), nil
	}
}

type healthyLeaser interface {
	lease.Leaser
	observability.HealthChecker
}

func buildLeaser(ctx context.Context, cfg config.LeaseConfig, logger *zap.Logger) (healthyLeaser, func(), error) {
	switch cfg.Driver {
	case config.DriverRedis:
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("lease: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("lease: redis ping %s: %w", addr, err)
		}
		logger.Info("using redis task leases", zap.String("addr", addr), zap.Int("db", cfg.DB))
		return lease.NewRedisLeaser(client, cfg.Prefix), func() { client.Close() }, nil
	default:
		logger.Info("using in-process task leases")
		return lease.NewMemoryLeaser(), nil, nil
	}
}

func breakerSettings(cfg config.CircuitBreakerConfig, metrics *observability.Metrics) resilience.Settings {
	return resilience.Settings{
		FailureThreshold: cfg.FailureThreshold,
		SuccessThreshold: cfg.SuccessThreshold,
		OpenTimeout:      cfg.Timeout,
		OnStateChange:    metrics.ObserveBreaker,
	}
}

func buildResolver(cfg config.OrgChartConfig, metrics *observability.Metrics, logger *zap.Logger) (orgchart.Resolver, observability.HealthChecker, error) {
	switch cfg.Driver {
	case config.DriverHTTP:
		var token string
		if cfg.TokenEnv != "" {
			token = os.Getenv(cfg.TokenEnv)
		}
		r := orgchart.NewHTTPResolver(orgchart.HTTPResolverConfig{
			BaseURL: cfg.BaseURL,
			Token:   token,
			Timeout: cfg.Timeout,
			Breaker: resilience.New("org-service", breakerSettings(cfg.CircuitBreaker, metrics)),
		})
		logger.Info("using org service resolver", zap.String("base_url", cfg.BaseURL))
		return r, r, nil
	default:
		r, err := orgchart.LoadDirectory(cfg.DirectoryFile)
		if err != nil {
			return nil, nil, fmt.Errorf("orgchart: %w", err)
		}
		logger.Info("using static org directory", zap.String("file", cfg.DirectoryFile))
		return r, nil, nil
	}
}

func buildDispatcher(cfg config.NotifyConfig, metrics *observability.Metrics, logger *zap.Logger) (notify.Dispatcher, observability.HealthChecker, func(), error) {
	switch cfg.Driver {
	case config.DriverNATS:
		nc, err := notify.ConnectNATS(notify.NatsConfig{
			URL:           cfg.URL,
			SubjectPrefix: cfg.SubjectPrefix,
			Timeout:       cfg.Timeout,
		}, logger)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("notify: %w", err)
		}
		breaker := resilience.New("notifier", breakerSettings(cfg.CircuitBreaker, metrics))
		d := notify.NewGuardedDispatcher(notify.NewNatsDispatcher(nc, cfg.SubjectPrefix), breaker)
		health := observability.HealthCheckFunc(func(context.Context) error {
			if !nc.IsConnected() || breaker.State() == resilience.Open {
				return model.NewBackendUnavailableError("notifier")
			}
			return nil
		})
		logger.Info("publishing notifications to nats",
			zap.String("url", nc.ConnectedUrl()),
			zap.String("subject_prefix", cfg.SubjectPrefix),
		)
		return d, health, func() {
			if err := nc.Drain(); err != nil {
				logger.Warn("nats drain failed", zap.Error(err))
			}
		}, nil
	default:
		logger.Info("logging notifications instead of delivering them")
		return notify.NewLogDispatcher(logger), nil, nil, nil
	}
}

// buildAuthenticator returns the admin middleware for POST /v1/runs, or nil
// when no secret is configured.
func buildAuthenticator(cfg config.AdminConfig, logger *zap.Logger) (func(http.Handler) http.Handler, error) {
	if cfg.JWTSecretEnv == "" {
		logger.Warn("admin.jwt_secret_env not set; the run trigger is unauthenticated")
		return nil, nil
	}
	secret := os.Getenv(cfg.JWTSecretEnv)
	if len(secret) < 32 {
		return nil, fmt.Errorf("admin: %s must hold a secret of at least 32 bytes", cfg.JWTSecretEnv)
	}
	return transport.HMACAuthenticator([]byte(secret), cfg.Issuer), nil
}
