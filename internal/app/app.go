package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"

	"github.com/mindfulhome/sessiond/internal/config"
	"github.com/mindfulhome/sessiond/internal/server"
	"github.com/mindfulhome/sessiond/pkg/backend"
	"github.com/mindfulhome/sessiond/pkg/karma"
	"github.com/mindfulhome/sessiond/pkg/negotiation"
	"github.com/mindfulhome/sessiond/pkg/policy"
	"github.com/mindfulhome/sessiond/pkg/session"
)

// App holds all daemon dependencies and manages the application lifecycle.
type App struct {
	cfg               *config.Config
	httpServer        *server.HTTPServer
	metricsServer     *server.MetricsServer
	redisClient       *redis.Client
	runtime           *negotiation.LocalRuntime
	shutdownTelemetry func(context.Context) error
}

// New creates and initializes a new application instance. Components are
// initialized in dependency order: redis, policy, backend auth, local
// runtime, negotiation, session controller, servers, telemetry.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logrus.Info("initializing application...")

	app := &App{cfg: cfg}

	if err := app.initRedis(ctx); err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}

	policyCfg, err := loadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}

	// Backend stack, only when a remote service is configured.
	var client *backend.Client
	var tokens *backend.TokenManager
	if cfg.BackendBaseURL != "" {
		client = backend.NewClient(cfg.BackendBaseURL)
		tokens = backend.NewTokenManager(
			client,
			backend.NewRedisTokenStore(app.redisClient),
			backend.NewEnvSignInProvider(cfg.IDTokenVar),
		)
		logrus.Infof("remote negotiation backend configured at %s", cfg.BackendBaseURL)
	} else {
		logrus.Info("no remote negotiation backend configured")
	}

	app.runtime = negotiation.NewLocalRuntime(cfg.LocalModelBaseURL, cfg.LocalModelName)
	if app.runtime != nil {
		if err := app.runtime.Initialize(ctx); err != nil {
			logrus.Warnf("local model runtime unavailable: %v", err)
		}
	}

	karmaEngine := karma.NewEngine(karma.NewRedisStore(app.redisClient), policyCfg.Karma)

	var remote negotiation.RemoteGenerator
	if tokens != nil {
		remote = tokens
	}
	orchestrator := negotiation.NewOrchestrator(remote, app.runtime, karmaEngine, policyCfg.Negotiation)

	machine := session.NewMachineWithTick(policyCfg.Timer.TickInterval.Std(), 1000)
	controller := session.NewController(
		machine,
		orchestrator,
		karmaEngine,
		session.NewRedisStore(app.redisClient),
		session.NewLogger(cfg.SessionLogsDir),
		policyCfg,
	)

	handler := server.NewHandler(controller, orchestrator, karmaEngine, client, tokens, policyCfg)
	app.httpServer = server.NewHTTPServer(cfg.HTTPPort, handler)

	app.metricsServer = server.NewMetricsServer(cfg.MetricsPort, "/metrics")
	if err := app.metricsServer.Setup(); err != nil {
		return nil, fmt.Errorf("failed to setup metrics server: %w", err)
	}

	if cfg.OtelEnabled {
		shutdownTelemetry, err := server.SetupTelemetry(ctx, cfg.ServiceName, cfg.Environment, 0)
		if err != nil {
			return nil, fmt.Errorf("failed to setup telemetry: %w", err)
		}
		app.shutdownTelemetry = shutdownTelemetry
	}

	logrus.Info("application initialized successfully")
	return app, nil
}

// Run starts the servers. It returns immediately; the caller owns the
// shutdown signal.
func (a *App) Run(ctx context.Context) error {
	if err := a.metricsServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}
	if err := a.httpServer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start control API server: %w", err)
	}
	logrus.Info("application started")
	return nil
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(ctx context.Context) error {
	logrus.Info("shutting down application...")

	if err := a.httpServer.Shutdown(ctx); err != nil {
		logrus.Errorf("control API shutdown error: %v", err)
	}
	if err := a.metricsServer.Shutdown(ctx); err != nil {
		logrus.Errorf("metrics server shutdown error: %v", err)
	}
	if a.shutdownTelemetry != nil {
		if err := a.shutdownTelemetry(ctx); err != nil {
			logrus.Errorf("telemetry shutdown error: %v", err)
		}
	}

	a.runtime.Shutdown()

	if err := a.redisClient.Close(); err != nil {
		logrus.Errorf("redis close error: %v", err)
	}

	logrus.Info("application stopped")
	return nil
}

// initRedis initializes the Redis client, retrying the initial ping with
// exponential backoff so a daemon racing redis at boot settles cleanly.
func (a *App) initRedis(ctx context.Context) error {
	client := redis.NewClient(&redis.Options{
		Addr:         a.cfg.RedisHost + ":" + a.cfg.RedisPort,
		Password:     a.cfg.RedisPassword,
		DB:           0, // use default DB
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	b := backoff.NewExponentialBackOff()
	maxRetries := backoff.WithMaxRetries(b, 5)

	err := backoff.Retry(
		func() error {
			_, err := client.Ping(ctx).Result()
			if err != nil {
				logrus.Warnf("Redis connection failed: %v, retrying...", err)
				return err
			}
			return nil
		},
		maxRetries,
	)
	if err != nil {
		return err
	}

	a.redisClient = client
	logrus.Info("Redis client initialized")
	return nil
}

// loadPolicy reads the product constants, falling back to the built-in
// defaults when no policy file exists.
func loadPolicy(path string) (*policy.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		logrus.Warnf("policy file %s not found, using built-in defaults", path)
		return policy.Default(), nil
	}

	policyCfg, err := policy.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy from %s: %w", path, err)
	}
	logrus.Infof("loaded policy configuration from %s", path)
	return policyCfg, nil
}
