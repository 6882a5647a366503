package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/services"
	"github.com/loadforge/loadforge/pkg/application"
	"github.com/loadforge/loadforge/pkg/composables"
	"github.com/loadforge/loadforge/pkg/httpapi"
	"github.com/loadforge/loadforge/pkg/middleware"
)

type StreamOptions struct {
	Heartbeat time.Duration
	// RetryHint is sent as the SSE retry field.
	RetryHint time.Duration
}

// StreamController exposes progress sessions as Server-Sent Events.
type StreamController struct {
	progress *services.ProgressService
	path     string
	opts     StreamOptions
}

func NewStreamController(app application.Application, opts StreamOptions) application.Controller {
	progress := app.Service(services.ProgressService{}).(*services.ProgressService)
	return newStreamController(progress, opts)
}

func newStreamController(progress *services.ProgressService, opts StreamOptions) *StreamController {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 15 * time.Second
	}
	return &StreamController{
		progress: progress,
		path:     "/api/loadtests/events",
		opts:     opts,
	}
}

func (c *StreamController) Key() string {
	return c.path
}

func (c *StreamController) Register(r *mux.Router) {
	r.Handle(c.path, middleware.RequireUser()(http.HandlerFunc(c.stream))).Methods(http.MethodGet)
}

// parseKinds reads the optional ?types=a,b filter.
func parseKinds(r *http.Request) (events.Filter, error) {
	raw := composables.GetQueryList(r, "types")
	kinds := make([]events.Kind, 0, len(raw))
	for _, name := range raw {
		kind := events.Kind(name)
		if !kind.Valid() {
			return nil, fmt.Errorf("unknown event type %q", name)
		}
		kinds = append(kinds, kind)
	}
	return events.NewFilter(kinds...), nil
}

func (c *StreamController) stream(w http.ResponseWriter, r *http.Request) {
	userID, _ := composables.UseUserID(r.Context())
	logger := composables.UseLogger(r.Context())

	filter, err := parseKinds(r)
	if err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeValidation, err.Error(), nil)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		_ = httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "streaming unsupported", nil)
		return
	}
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		logger.WithField("last-event-id", last).Info("stream resumed, state is rebuilt from the bootstrap")
	}

	session := c.progress.Open(filter)
	if err := session.Start(); err != nil {
		_ = httpapi.WriteError(w, http.StatusInternalServerError, httpapi.CodeInternal, "failed to open stream", nil)
		return
	}
	defer session.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if c.opts.RetryHint > 0 {
		fmt.Fprintf(w, "retry: %d\n\n", c.opts.RetryHint.Milliseconds())
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		tracked, err := c.next(ctx, session)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
			continue
		case err != nil:
			if !errors.Is(err, context.Canceled) && !errors.Is(err, services.ErrSessionStopped) {
				logger.WithError(err).Warn("stream stopped")
			}
			return
		}

		if !c.progress.Visible(ctx, userID, tracked.Event) {
			continue
		}
		if err := writeEvent(w, tracked); err != nil {
			logger.WithError(err).WithFields(logrus.Fields{
				"event": tracked.Event.Kind(),
				"id":    tracked.Cursor,
			}).Debug("failed to write event")
			return
		}
		flusher.Flush()
	}
}

// next waits for the next event at most one heartbeat interval. The deadline
// belongs to the wait only, the request context keeps the session alive.
func (c *StreamController) next(ctx context.Context, session *services.Session) (services.Tracked, error) {
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.Heartbeat)
	defer cancel()
	tracked, err := session.Next(waitCtx)
	if err != nil && ctx.Err() != nil {
		return tracked, ctx.Err()
	}
	return tracked, err
}

func writeEvent(w http.ResponseWriter, tracked services.Tracked) error {
	env, err := events.Encode(tracked.Event)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "id: %s\n", tracked.Cursor)
	fmt.Fprintf(&b, "event: %s\n", env.Type)
	fmt.Fprintf(&b, "data: %s\n\n", data)
	_, err = fmt.Fprint(w, b.String())
	return err
}
