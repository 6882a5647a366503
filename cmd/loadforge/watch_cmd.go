package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/loadforge/loadforge/modules/loadtest/client"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/reconciler"
	"github.com/loadforge/loadforge/pkg/logging"
)

type watchOptions struct {
	BaseURL    string
	UserID     string
	UserHeader string
	LogLevel   string
}

func newWatchCmd() *cobra.Command {
	var opts watchOptions

	cmd := &cobra.Command{
		Use:   "watch --base-url <url> --user <id>",
		Short: "Follow running tests and print the reconciled view on every change",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(opts.BaseURL) == "" {
				return errors.New("--base-url is required")
			}
			if strings.TrimSpace(opts.UserID) == "" {
				return errors.New("--user is required")
			}
			level, err := logrus.ParseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			logger := logging.ConsoleLogger(level)

			c := client.New(opts.BaseURL, opts.UserID, client.WithUserHeader(opts.UserHeader))
			view := reconciler.New(c.Source(), logger)
			out := cmd.OutOrStdout()

			return c.Follow(cmd.Context(), client.FollowOptions{
				Logger: logger.WithField("component", "watch"),
				OnConnect: func(ctx context.Context) error {
					if err := view.Bootstrap(ctx); err != nil {
						return err
					}
					return printView(out, view)
				},
			}, func(ev events.Event) error {
				view.Apply(cmd.Context(), ev)
				return printView(out, view)
			})
		},
	}
	cmd.Flags().StringVar(&opts.BaseURL, "base-url", "http://localhost:3200", "loadforge API base URL")
	cmd.Flags().StringVar(&opts.UserID, "user", "", "identity to watch as")
	cmd.Flags().StringVar(&opts.UserHeader, "user-header", "X-User-ID", "header carrying the identity")
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "warn", "log level")
	return cmd
}

func printView(out io.Writer, view *reconciler.Reconciler) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	if banner := view.Banner(); banner != "" {
		fmt.Fprintf(w, "! %s\n", banner)
	}
	fmt.Fprintln(w, "TEST\tNAME\tSTATUS\tPHASE\tREQUESTS\tERRORS\tSINCE")
	for _, e := range view.Running() {
		phase, requests, errs := "-", "-", "-"
		if p := e.CurrentPhase; p != nil {
			phase = fmt.Sprintf("%d/%d", p.Phase, p.TotalPhases)
			requests = fmt.Sprint(p.Requests)
			errs = fmt.Sprint(p.ErrorCount)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", e.TestID, e.Name, e.Status, phase, requests, errs, e.StartTime.Format(time.TimeOnly))
	}
	for _, e := range view.Recent() {
		status := string(e.Status)
		if e.Error != "" {
			status += ": " + e.Error
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t-\t-\t-\t%s\n", e.TestID, e.Name, status, e.EffectiveTime().Format(time.TimeOnly))
	}
	fmt.Fprintln(w)
	return w.Flush()
}
