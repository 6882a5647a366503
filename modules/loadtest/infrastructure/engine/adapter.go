// Package engine owns the single persistent channel to the load engine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/pkg/eventbus"
)

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	// StateDisconnected is entered once a connection cycle exhausts its
	// retries. Only a new Ensure or SendStart leaves it.
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Adapter translates engine frames into events on the bus and forwards start
// commands to the engine. The connection is opened lazily by Ensure or the
// first SendStart and driven by Run.
type Adapter struct {
	opts    Options
	bus     eventbus.EventBus
	dialer  *websocket.Dialer
	log     *logrus.Entry
	metrics *metrics

	kick chan struct{}

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	changed chan struct{}

	writeMu sync.Mutex
}

var _ loadtest.Engine = (*Adapter)(nil)

func New(bus eventbus.EventBus, opts Options) *Adapter {
	opts.setDefaults()
	return &Adapter{
		opts: opts,
		bus:  bus,
		dialer: &websocket.Dialer{
			HandshakeTimeout: opts.HandshakeTimeout,
		},
		log:     opts.Logger,
		metrics: metricsSingleton(),
		kick:    make(chan struct{}, 1),
		changed: make(chan struct{}),
	}
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Ensure requests a connection cycle unless one is already running.
func (a *Adapter) Ensure() {
	switch a.State() {
	case StateConnecting, StateConnected:
		return
	}
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run serves connection cycles until ctx is done.
func (a *Adapter) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			a.setState(StateIdle, nil)
			return nil
		case <-a.kick:
		}
		a.cycle(ctx)
	}
}

func (a *Adapter) setState(state State, conn *websocket.Conn) {
	a.mu.Lock()
	a.state = state
	a.conn = conn
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()

	if state == StateConnected {
		a.metrics.connected.Set(1)
	} else {
		a.metrics.connected.Set(0)
	}
}

func (a *Adapter) snapshot() (State, *websocket.Conn, <-chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, a.conn, a.changed
}

// cycle connects, serves the connection and reconnects after drops. It returns
// when ctx is done or after ReconnectAttempts consecutive failed dials.
func (a *Adapter) cycle(ctx context.Context) {
	a.setState(StateConnecting, nil)
	failures := 0
	for {
		conn, _, err := a.dialer.DialContext(ctx, a.opts.URL, nil)
		if err == nil {
			failures = 0
			a.setState(StateConnected, conn)
			a.log.WithField("url", a.opts.URL).Info("engine: connected")
			dropErr := a.serve(ctx, conn)
			if ctx.Err() != nil {
				return
			}
			a.setState(StateConnecting, nil)
			a.metrics.reconnects.Inc()
			a.log.WithError(dropErr).Warn("engine: connection lost, reconnecting")
		} else {
			if ctx.Err() != nil {
				return
			}
			failures++
			a.log.WithError(err).WithFields(logrus.Fields{
				"attempt":      failures,
				"max_attempts": a.opts.ReconnectAttempts,
			}).Warn("engine: dial failed")
			if failures > a.opts.ReconnectAttempts {
				a.giveUp(failures)
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(a.opts.ReconnectDelay):
		}
	}
}

func (a *Adapter) giveUp(attempts int) {
	a.setState(StateDisconnected, nil)
	// Kicks issued while the cycle was running are answered by this failure.
	select {
	case <-a.kick:
	default:
	}
	a.log.WithField("attempts", attempts).Error("engine: giving up on connection")
	a.bus.Publish(&events.Error{
		Message: fmt.Sprintf("Lost connection to the load engine after %d attempts", attempts),
		At:      a.opts.Now(),
	})
}

// serve reads frames until the connection fails or ctx is done.
func (a *Adapter) serve(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	defer conn.Close()

	readWait := 2 * a.opts.PingInterval
	_ = conn.SetReadDeadline(a.opts.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(a.opts.Now().Add(readWait))
	})

	go func() {
		ticker := time.NewTicker(a.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				_ = conn.Close()
				return
			case <-ticker.C:
				deadline := a.opts.Now().Add(a.opts.WriteTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					_ = conn.Close()
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(a.opts.Now().Add(readWait))
		a.dispatch(raw)
	}
}

func (a *Adapter) dispatch(raw []byte) {
	var f frame
	if err := json.Unmarshal(raw, &f); err != nil {
		a.metrics.frames.WithLabelValues("", "malformed").Inc()
		a.log.WithError(err).Warn("engine: dropping malformed frame")
		return
	}
	ev, err := translate(f, a.opts.Now())
	if err != nil {
		a.metrics.frames.WithLabelValues(f.Event, "skipped").Inc()
		a.log.WithError(err).WithField("event", f.Event).Warn("engine: dropping frame")
		return
	}
	a.metrics.frames.WithLabelValues(f.Event, "published").Inc()
	a.bus.Publish(ev)
}

// SendStart writes the start command on the live connection. While a cycle is
// reconnecting it waits up to SendWait; otherwise it starts a new cycle and
// fails immediately. Commands are never queued.
func (a *Adapter) SendStart(ctx context.Context, cmd loadtest.StartCommand) (loadtest.Ack, error) {
	conn, err := a.await(ctx)
	if err != nil {
		return loadtest.Ack{}, err
	}
	return a.write(conn, cmd)
}

// Ready reports whether a start command could be written now, with the same
// waiting rules as SendStart.
func (a *Adapter) Ready(ctx context.Context) error {
	_, err := a.await(ctx)
	return err
}

func (a *Adapter) await(ctx context.Context) (*websocket.Conn, error) {
	var timeout <-chan time.Time
	for {
		state, conn, changed := a.snapshot()
		switch state {
		case StateConnected:
			return conn, nil
		case StateConnecting:
			if timeout == nil {
				timer := time.NewTimer(a.opts.SendWait)
				defer timer.Stop()
				timeout = timer.C
			}
			select {
			case <-changed:
				continue
			case <-timeout:
				return nil, a.unavailable("engine is still reconnecting")
			case <-ctx.Done():
				a.metrics.sendFailures.Inc()
				return nil, loadtest.ErrEngineUnavailable.Wrap(ctx.Err())
			}
		default:
			a.Ensure()
			return nil, a.unavailable("engine is " + state.String())
		}
	}
}

func (a *Adapter) unavailable(reason string) error {
	a.metrics.sendFailures.Inc()
	return loadtest.ErrEngineUnavailable.Wrap(errors.New(reason))
}

func (a *Adapter) write(conn *websocket.Conn, cmd loadtest.StartCommand) (loadtest.Ack, error) {
	payload, err := encodeStart(cmd)
	if err != nil {
		return loadtest.Ack{}, err
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = conn.SetWriteDeadline(a.opts.Now().Add(a.opts.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		// The reader observes the closed socket and starts reconnecting.
		_ = conn.Close()
		a.metrics.sendFailures.Inc()
		a.log.WithError(err).WithField("test_id", cmd.TestID).Warn("engine: start command write failed")
		return loadtest.Ack{}, loadtest.ErrEngineUnavailable.Wrap(err)
	}
	return loadtest.Ack{TestID: cmd.TestID, SentAt: a.opts.Now()}, nil
}
