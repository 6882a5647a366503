package engine

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/pkg/eventbus"
)

// fakeEngine accepts websocket connections and records inbound frames.
type fakeEngine struct {
	t        *testing.T
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    []*websocket.Conn
	accepted chan *websocket.Conn
	received chan frame
}

func newFakeEngine(t *testing.T) *fakeEngine {
	t.Helper()
	e := &fakeEngine{
		t:        t,
		accepted: make(chan *websocket.Conn, 8),
		received: make(chan frame, 16),
	}
	e.server = httptest.NewServer(http.HandlerFunc(e.handle))
	t.Cleanup(e.Close)
	return e
}

func (e *fakeEngine) URL() string {
	return "ws" + strings.TrimPrefix(e.server.URL, "http")
}

func (e *fakeEngine) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.conns = append(e.conns, conn)
	e.mu.Unlock()
	e.accepted <- conn
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if json.Unmarshal(raw, &f) == nil {
			e.received <- f
		}
	}
}

func (e *fakeEngine) Close() {
	e.mu.Lock()
	for _, c := range e.conns {
		_ = c.Close()
	}
	e.mu.Unlock()
	e.server.Close()
}

func (e *fakeEngine) waitConn() *websocket.Conn {
	e.t.Helper()
	select {
	case c := <-e.accepted:
		return c
	case <-time.After(5 * time.Second):
		e.t.Fatal("engine: no connection accepted")
		return nil
	}
}

func emit(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	payload, err := json.Marshal(frame{Event: event, Data: raw})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, payload))
}

func collect(bus eventbus.EventBus) <-chan events.Event {
	ch := make(chan events.Event, 32)
	bus.Subscribe(func(ev events.Event) { ch <- ev })
	return ch
}

func next(t *testing.T, ch <-chan events.Event) events.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("no event published")
		return nil
	}
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func startAdapter(t *testing.T, url string, opts Options) (*Adapter, eventbus.EventBus) {
	t.Helper()
	bus := eventbus.NewEventPublisher(logrus.New())
	opts.URL = url
	opts.Logger = quietLogger()
	if opts.ReconnectDelay == 0 {
		opts.ReconnectDelay = 10 * time.Millisecond
	}
	a := New(bus, opts)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return a, bus
}

func TestAdapter_TranslatesFramesInOrder(t *testing.T) {
	engine := newFakeEngine(t)
	a, bus := startAdapter(t, engine.URL(), Options{ReconnectAttempts: 3})
	published := collect(bus)

	require.Equal(t, StateIdle, a.State(), "the connection is lazy")
	a.Ensure()
	conn := engine.waitConn()
	require.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 5*time.Millisecond)

	emit(t, conn, "connected", map[string]string{"message": "hello"})
	emit(t, conn, "test_started", map[string]any{"test_id": "t1", "urls": []string{"https://a"}, "concurrency_pattern": []int{5}})
	for phase := 1; phase <= 3; phase++ {
		emit(t, conn, "phase_complete", map[string]any{
			"test_id": "t1", "phase": phase, "total_phases": 3, "concurrency": 5,
			"requests": 100, "success_count": 99, "error_count": 1,
			"percentiles": map[string]float64{"p50": 0.1, "p95": 0.2, "p99": 0.3},
		})
	}
	emit(t, conn, "test_completed", map[string]any{"test_id": "t1", "phase_summaries": []any{}})

	require.Equal(t, events.KindConnected, next(t, published).Kind())
	started := next(t, published).(*events.TestStarted)
	require.Equal(t, "t1", started.ID)
	require.False(t, started.At.IsZero())
	for phase := 1; phase <= 3; phase++ {
		pc := next(t, published).(*events.PhaseComplete)
		require.Equal(t, phase, pc.Phase)
		require.Equal(t, 0.2, pc.Percentiles.P95)
	}
	require.Equal(t, events.KindTestCompleted, next(t, published).Kind())
}

func TestAdapter_SkipsUnknownAndMalformedFrames(t *testing.T) {
	engine := newFakeEngine(t)
	a, bus := startAdapter(t, engine.URL(), Options{})
	published := collect(bus)
	a.Ensure()
	conn := engine.waitConn()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not json")))
	emit(t, conn, "heartbeat", map[string]any{})
	emit(t, conn, "error", map[string]string{"test_id": "t1", "error": "target refused connections"})
	emit(t, conn, "error", map[string]string{})

	scoped := next(t, published).(*events.Error)
	require.Equal(t, "t1", scoped.ID)
	require.Equal(t, "target refused connections", scoped.Message)

	global := next(t, published).(*events.Error)
	require.Empty(t, global.ID)
	require.Equal(t, unknownErrorMessage, global.Message)
}

func TestAdapter_SendStartWritesCommand(t *testing.T) {
	engine := newFakeEngine(t)
	a, _ := startAdapter(t, engine.URL(), Options{})
	a.Ensure()
	engine.waitConn()
	require.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 5*time.Millisecond)

	ack, err := a.SendStart(context.Background(), loadtest.StartCommand{
		TestID:      "t1",
		URLs:        []string{"https://a"},
		Concurrency: []int{1, 2},
		PhaseLength: 10,
		UserID:      "u1",
	})
	require.NoError(t, err)
	require.Equal(t, "t1", ack.TestID)
	require.False(t, ack.SentAt.IsZero())

	select {
	case f := <-engine.received:
		require.Equal(t, startTestEvent, f.Event)
		var cmd loadtest.StartCommand
		require.NoError(t, json.Unmarshal(f.Data, &cmd))
		require.Equal(t, "u1", cmd.UserID)
		require.Equal(t, []int{1, 2}, cmd.Concurrency)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not receive the start command")
	}
}

func TestAdapter_SendStartWhileIdleFailsAndConnects(t *testing.T) {
	engine := newFakeEngine(t)
	a, _ := startAdapter(t, engine.URL(), Options{})

	_, err := a.SendStart(context.Background(), loadtest.StartCommand{TestID: "t1"})
	require.ErrorIs(t, err, loadtest.ErrEngineUnavailable)

	engine.waitConn()
	require.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 5*time.Millisecond)
}

func TestAdapter_ReadyFollowsConnection(t *testing.T) {
	engine := newFakeEngine(t)
	a, _ := startAdapter(t, engine.URL(), Options{})

	require.ErrorIs(t, a.Ready(context.Background()), loadtest.ErrEngineUnavailable, "idle adapters are not ready")

	engine.waitConn()
	require.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, a.Ready(context.Background()))
}

func TestAdapter_ReconnectsAfterDrop(t *testing.T) {
	engine := newFakeEngine(t)
	a, bus := startAdapter(t, engine.URL(), Options{ReconnectAttempts: 5})
	published := collect(bus)
	a.Ensure()

	first := engine.waitConn()
	require.NoError(t, first.Close())

	second := engine.waitConn()
	require.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 5*time.Millisecond)
	emit(t, second, "phase_complete", map[string]any{"test_id": "t1", "phase": 1, "total_phases": 2})

	pc := next(t, published).(*events.PhaseComplete)
	require.Equal(t, "t1", pc.ID)
}

func TestAdapter_GivesUpAfterRetries(t *testing.T) {
	engine := newFakeEngine(t)
	url := engine.URL()
	engine.Close()

	a, bus := startAdapter(t, url, Options{ReconnectAttempts: 2, ReconnectDelay: 5 * time.Millisecond})
	published := collect(bus)
	a.Ensure()

	ev := next(t, published).(*events.Error)
	require.Empty(t, ev.ID, "terminal disconnects are not scoped to a test")
	require.Contains(t, ev.Message, "after 3 attempts")
	require.Equal(t, StateDisconnected, a.State())

	_, err := a.SendStart(context.Background(), loadtest.StartCommand{TestID: "t1"})
	require.ErrorIs(t, err, loadtest.ErrEngineUnavailable)
}

func TestAdapter_SendStartWaitsForReconnect(t *testing.T) {
	engine := newFakeEngine(t)
	a, _ := startAdapter(t, engine.URL(), Options{ReconnectAttempts: 5, ReconnectDelay: 50 * time.Millisecond, SendWait: 5 * time.Second})
	a.Ensure()
	first := engine.waitConn()
	require.Eventually(t, func() bool { return a.State() == StateConnected }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return a.State() == StateConnecting }, 5*time.Second, time.Millisecond)

	ack, err := a.SendStart(context.Background(), loadtest.StartCommand{TestID: "t2"})
	require.NoError(t, err)
	require.Equal(t, "t2", ack.TestID)
}

func TestTranslate(t *testing.T) {
	at := time.Unix(100, 0)

	ev, err := translate(frame{Event: "phase_complete", Data: json.RawMessage(`{"test_id":"t1","phase":2,"total_phases":4}`)}, at)
	require.NoError(t, err)
	require.Equal(t, at, ev.OccurredAt())

	ev, err = translate(frame{Event: "error", Data: json.RawMessage(`{"message":"boom"}`)}, at)
	require.NoError(t, err)
	require.Equal(t, "boom", ev.(*events.Error).Message)

	_, err = translate(frame{Event: "start_test"}, at)
	require.Error(t, err)

	_, err = translate(frame{Event: "test_started", Data: json.RawMessage(`{"urls":"nope"}`)}, at)
	require.Error(t, err)
}
