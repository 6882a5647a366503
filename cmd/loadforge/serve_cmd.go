package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/loadforge/loadforge/internal/server"
	"github.com/loadforge/loadforge/modules"
	"github.com/loadforge/loadforge/pkg/application"
	"github.com/loadforge/loadforge/pkg/configuration"
	"github.com/loadforge/loadforge/pkg/eventbus"
	"github.com/loadforge/loadforge/pkg/logging"
)

func newServeCmd() *cobra.Command {
	var migrate bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the engine connection and the durable sinks",
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf := configuration.Use()
			defer conf.Unload()
			logger := conf.Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if conf.OpenTelemetry.Enabled {
				cleanup := logging.SetupTracing(ctx, conf.OpenTelemetry.ServiceName, conf.OpenTelemetry.TempoURL)
				defer cleanup()
				logger.Info("OpenTelemetry tracing enabled, exporting to Tempo at " + conf.OpenTelemetry.TempoURL)
			}

			connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			pool, err := pgxpool.New(connectCtx, conf.Database.Opts)
			if err != nil {
				return err
			}
			defer pool.Close()

			app := application.New(&application.ApplicationOptions{
				Pool:     pool,
				EventBus: eventbus.NewEventPublisher(logger),
				Logger:   logger,
			})
			if err := modules.Load(app, modules.BuiltInModules...); err != nil {
				return err
			}
			if migrate {
				if err := app.Migrations().Run(ctx); err != nil {
					return err
				}
			}

			srv, err := server.Default(&server.DefaultOptions{
				Logger:        logger,
				Configuration: conf,
				Application:   app,
				Pool:          pool,
			})
			if err != nil {
				return err
			}

			g, gctx := errgroup.WithContext(ctx)
			for _, runner := range app.Runners() {
				g.Go(func() error {
					logger.WithField("runner", runner.Name).Info("runner started")
					defer logger.WithField("runner", runner.Name).Info("runner stopped")
					return runner.Run(gctx)
				})
			}
			g.Go(func() error {
				return srv.Serve(gctx, conf.SocketAddress)
			})
			return g.Wait()
		},
	}
	cmd.Flags().BoolVar(&migrate, "migrate", false, "apply pending migrations before serving")
	return cmd
}
