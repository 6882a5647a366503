package main

import (
	"context"
	"fmt"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/loadforge/loadforge/modules"
	"github.com/loadforge/loadforge/pkg/application"
	"github.com/loadforge/loadforge/pkg/configuration"
	"github.com/loadforge/loadforge/pkg/eventbus"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: withMigrations(func(ctx context.Context, cmd *cobra.Command, m application.MigrationManager) error {
				return m.Run(ctx)
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the latest migration of every schema",
			RunE: withMigrations(func(ctx context.Context, cmd *cobra.Command, m application.MigrationManager) error {
				return m.Rollback(ctx)
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether they are applied",
			RunE: withMigrations(func(ctx context.Context, cmd *cobra.Command, m application.MigrationManager) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "SCHEMA\tVERSION\tAPPLIED\tPATH")
				for _, s := range statuses {
					fmt.Fprintf(w, "%s\t%d\t%t\t%s\n", s.Schema, s.Version, s.Applied, s.Path)
				}
				return w.Flush()
			}),
		},
	)
	return cmd
}

func withMigrations(fn func(ctx context.Context, cmd *cobra.Command, m application.MigrationManager) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		conf := configuration.Use()
		defer conf.Unload()

		ctx := cmd.Context()
		pool, err := pgxpool.New(ctx, conf.Database.Opts)
		if err != nil {
			return err
		}
		defer pool.Close()

		app := application.New(&application.ApplicationOptions{
			Pool:     pool,
			EventBus: eventbus.NewEventPublisher(conf.Logger()),
			Logger:   conf.Logger(),
		})
		if err := modules.Load(app, modules.BuiltInModules...); err != nil {
			return err
		}
		return fn(ctx, cmd, app.Migrations())
	}
}
