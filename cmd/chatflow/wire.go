package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rendis/chatflow/internal/api"
	"github.com/rendis/chatflow/internal/engine"
	"github.com/rendis/chatflow/internal/flowgraph"
	"github.com/rendis/chatflow/internal/idempotency"
	"github.com/rendis/chatflow/internal/masking"
	"github.com/rendis/chatflow/internal/outbox"
	"github.com/rendis/chatflow/internal/scheduler"
	"github.com/rendis/chatflow/internal/secrets"
	"github.com/rendis/chatflow/internal/session"
	"github.com/rendis/chatflow/internal/store"
	"github.com/rendis/chatflow/internal/telemetry"
	"github.com/rendis/chatflow/internal/tracer"
	"github.com/rendis/chatflow/pkg/schema"
)

// application is the fully wired runtime shared by serve and mcp.
type application struct {
	cfg    Config
	logger *slog.Logger

	store      *store.LibSQLStore
	vault      *secrets.AESVault
	resolver   *flowgraph.Resolver
	components *engine.Components
	runtime    *engine.Runtime
	tracer     *tracer.Tracer
	dispatcher *outbox.Dispatcher
	scheduler  *scheduler.Scheduler
	bus        *gochannel.GoChannel
	redis      *redis.Client
	provider   *sdktrace.TracerProvider
}

// openStore opens and migrates the database at cfg.DBPath.
func openStore(ctx context.Context, cfg Config) (*store.LibSQLStore, error) {
	dsn := cfg.DBPath
	if !strings.Contains(dsn, ":") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + dsn
	}
	s, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate %s: %w", cfg.DBPath, err)
	}
	return s, nil
}

// buildApplication wires every component from cfg. Callers must Close it.
func buildApplication(ctx context.Context, cfg Config, logger *slog.Logger) (_ *application, err error) {
	app := &application{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.Close(context.WithoutCancel(ctx))
		}
	}()

	app.provider, err = telemetry.NewTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.ServiceName,
		Enabled:     cfg.OTLPEnabled,
	})
	if err != nil {
		return nil, err
	}

	if app.store, err = openStore(ctx, cfg); err != nil {
		return nil, err
	}

	var vault secrets.Vault
	if cfg.VaultPassphrase != "" {
		app.vault, err = secrets.NewAESVault(app.store, secrets.VaultConfig{
			Passphrase: cfg.VaultPassphrase,
			Salt:       []byte(cfg.VaultSalt),
		})
		if err != nil {
			return nil, fmt.Errorf("open vault: %w", err)
		}
		vault = app.vault
	} else {
		logger.Warn("vault disabled: secret placeholders and subscription secrets are unavailable")
	}

	masker := masking.New(masking.Options{})
	breakers := engine.NewCircuitBreakerRegistry(engine.DefaultCircuitBreakerConfig())
	app.resolver = flowgraph.NewResolver(app.store, logger)
	app.components, err = engine.NewComponents(app.resolver, engine.ComponentOptions{
		Vault:   vault,
		Breaker: breakers,
		Masker:  masker,
		Logger:  logger,
	})
	if err != nil {
		return nil, err
	}

	app.tracer = tracer.New(app.store, tracer.Options{BufferSize: cfg.TraceBuffer, Masker: masker, Logger: logger})
	guard := idempotency.NewGuard(app.store, idempotency.WithTTL(cfg.IdempotencyTTL))
	sessions := session.NewManager(app.store, logger)

	app.runtime, err = engine.NewRuntime(engine.RuntimeDeps{
		Sessions: sessions,
		Resolver: app.resolver,
		Guard:    guard,
		Executor: app.components.Executor,
		Tracer:   app.tracer,
		Traces:   app.store,
		Events: outbox.NewBuilder(app.store, outbox.BuilderConfig{
			InternalTopic: cfg.InternalTopic,
			RedisList:     cfg.RedisList,
		}),
		OTel:   app.provider.Tracer("github.com/rendis/chatflow"),
		Logger: logger,
	}, engine.Config{
		MaxConflictRetries: cfg.MaxConflictRetries,
		MaxAutoSteps:       cfg.MaxAutoSteps,
	})
	if err != nil {
		return nil, err
	}

	app.dispatcher = outbox.NewDispatcher(app.store, outbox.Config{
		PollInterval: cfg.PollInterval,
		PoolSize:     cfg.PoolSize,
	}, logger)
	app.dispatcher.Register(schema.DestinationWebhook,
		outbox.NewWebhookDeliverer(app.store, vault, app.components.HTTP, logger))
	app.bus = outbox.NewGoChannelBus(logger)
	app.dispatcher.Register(schema.DestinationInternal, outbox.NewBusDeliverer(app.bus))
	if cfg.RedisAddr != "" {
		if app.redis, err = outbox.NewRedisClient(ctx, cfg.RedisAddr); err != nil {
			return nil, err
		}
		app.dispatcher.Register(schema.DestinationRedis, outbox.NewRedisDeliverer(app.redis))
	}

	app.scheduler = scheduler.NewScheduler(0, logger)
	if err := (scheduler.Housekeeping{
		Idempotency: guard,
		Traces:      app.tracer,
		Outbox:      app.dispatcher,
		Sessions:    sessions,
		Abandoner:   app.runtime,
		IdleAfter:   cfg.IdleAfter,
	}).Register(app.scheduler); err != nil {
		return nil, fmt.Errorf("register housekeeping: %w", err)
	}
	return app, nil
}

// apiServer builds the HTTP binding over the application.
func (a *application) apiServer() *api.Server {
	deps := api.Deps{
		Runtime:       a.runtime,
		Flows:         a.store,
		Validator:     a.components.Validator,
		Subscriptions: a.store,
		Outbox:        a.dispatcher,
		Auth:          api.NewAuth(a.cfg.JWTSecret),
		Logger:        a.logger,
	}
	if a.vault != nil {
		deps.Secrets = a.vault
	}
	return api.NewServer(deps)
}

// startBackground runs the outbox dispatcher and the scheduler until ctx is
// cancelled. The returned channel closes once the dispatcher has drained.
func (a *application) startBackground(ctx context.Context) (<-chan struct{}, error) {
	if err := a.scheduler.Start(ctx); err != nil {
		return nil, err
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := a.dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.logger.Error("outbox dispatcher stopped", slog.String("error", err.Error()))
		}
	}()
	return done, nil
}

// Close releases every opened resource. It is safe on a partially built
// application.
func (a *application) Close(ctx context.Context) {
	if a.scheduler != nil {
		_ = a.scheduler.Stop()
	}
	if a.tracer != nil {
		a.tracer.Close()
	}
	if a.bus != nil {
		if err := a.bus.Close(); err != nil {
			a.logger.Error("failed to close event bus", slog.String("error", err.Error()))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("failed to close store", slog.String("error", err.Error()))
		}
	}
	if a.provider != nil {
		if err := a.provider.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shutdown tracer provider", slog.String("error", err.Error()))
		}
	}
}
