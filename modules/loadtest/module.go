package loadtest

import (
	"context"
	"io/fs"

	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"

	"github.com/loadforge/loadforge/modules/loadtest/handlers"
	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/dedup"
	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/engine"
	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/persistence"
	"github.com/loadforge/loadforge/modules/loadtest/presentation/controllers"
	"github.com/loadforge/loadforge/modules/loadtest/services"
	"github.com/loadforge/loadforge/pkg/application"
	"github.com/loadforge/loadforge/pkg/configuration"
	"github.com/loadforge/loadforge/pkg/middleware"
)

type ModuleOptions struct {
	// Configuration defaults to configuration.Use().
	Configuration *configuration.Configuration
}

func NewModule(opts *ModuleOptions) application.Module {
	if opts == nil {
		opts = &ModuleOptions{}
	}
	return &Module{options: opts}
}

type Module struct {
	options *ModuleOptions
}

func (m *Module) Register(app application.Application) error {
	conf := m.options.Configuration
	if conf == nil {
		conf = configuration.Use()
	}
	logger := app.Logger()

	schema, err := fs.Sub(persistence.MigrationFiles, persistence.MigrationDir)
	if err != nil {
		return err
	}
	app.Migrations().RegisterSchema(m.Name(), schema)

	cache, err := newDedupCache(conf)
	if err != nil {
		return err
	}

	adapter := engine.New(app.EventPublisher(), engine.Options{
		URL:               conf.Engine.URL,
		HandshakeTimeout:  conf.Engine.HandshakeTimeout,
		ReconnectAttempts: conf.Engine.ReconnectAttempts,
		ReconnectDelay:    conf.Engine.ReconnectDelay,
		SendWait:          conf.Engine.SendWait,
		PingInterval:      conf.Engine.PingInterval,
		Logger:            logger.WithField("component", "engine"),
	})

	tests := persistence.NewLoadTestRepository()
	phases := persistence.NewPhaseRepository()
	results := persistence.NewResultRepository()
	owners := services.NewOwnerIndex(tests, conf.Stream.OwnerCacheSize)
	recorder := services.NewProgressRecorder(tests, phases, results, owners, cache, logger)

	app.RegisterServices(
		services.NewLoadtestService(tests, phases, results, adapter, owners, logger),
		services.NewProgressService(app.EventPublisher(), owners, logger),
		recorder,
	)

	startLimitStore, err := newLimitStore(conf)
	if err != nil {
		return err
	}
	startLimit := 0
	if conf.RateLimit.Enabled {
		startLimit = conf.RateLimit.StartPerMinute
	}
	health := controllers.NewHealthController(adapter, nil)
	if pool := app.DB(); pool != nil {
		health = controllers.NewHealthController(adapter, pool)
	}
	app.RegisterControllers(
		health,
		controllers.NewStreamController(app, controllers.StreamOptions{
			Heartbeat: conf.Stream.HeartbeatInterval,
			RetryHint: conf.Stream.RetryHint,
		}),
		controllers.NewLoadtestAPIController(app, controllers.APIOptions{
			StartLimit: startLimit,
			LimitStore: startLimitStore,
		}),
	)

	sinks := handlers.NewProgressSinks(recorder, app.DB(), handlers.SinkOptions{
		BufferSize:    conf.Sink.BufferSize,
		FlushSize:     conf.Sink.FlushSize,
		FlushInterval: conf.Sink.FlushInterval,
	}, logger)
	app.RegisterRunners(
		application.Runner{
			Name: "engine",
			Run: func(ctx context.Context) error {
				adapter.Ensure()
				return adapter.Run(ctx)
			},
		},
		application.Runner{
			Name: "progress-sinks",
			Run: func(ctx context.Context) error {
				unsubscribe := sinks.Register(app.EventPublisher())
				defer unsubscribe()
				return sinks.Run(ctx)
			},
		},
	)
	return nil
}

func (m *Module) Name() string {
	return "loadtest"
}

func newDedupCache(conf *configuration.Configuration) (dedup.Cache, error) {
	if conf.Sink.DedupCacheSize == 0 {
		return dedup.Nop{}, nil
	}
	if conf.Sink.DedupCacheBackend != "redis" {
		return dedup.NewMemory(conf.Sink.DedupCacheSize), nil
	}
	opts, err := redis.ParseURL(conf.RedisURL)
	if err != nil {
		return nil, err
	}
	return dedup.NewRedis(redis.NewClient(opts), conf.Sink.DedupCacheTTL), nil
}

func newLimitStore(conf *configuration.Configuration) (limiter.Store, error) {
	if conf.RateLimit.Storage == "redis" {
		return middleware.NewRedisStore(conf.RedisURL)
	}
	return middleware.NewMemoryStore(), nil
}
