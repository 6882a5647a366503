package handlers

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/services"
	"github.com/loadforge/loadforge/pkg/eventbus"
)

type fakeRecorder struct {
	mu      sync.Mutex
	phases  []int
	done    []string
	failed  []string
	block   chan struct{}
	failFor string
}

func (r *fakeRecorder) wait() {
	if r.block != nil {
		<-r.block
	}
}

func (r *fakeRecorder) RecordPhase(_ context.Context, ev *events.PhaseComplete) (services.Outcome, error) {
	r.wait()
	if ev.ID == r.failFor {
		return services.OutcomeFailed, errors.New("connection reset")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.phases = append(r.phases, ev.Phase)
	return services.OutcomeRecorded, nil
}

func (r *fakeRecorder) RecordCompletion(_ context.Context, ev *events.TestCompleted) (services.Outcome, error) {
	r.wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.done = append(r.done, ev.ID)
	return services.OutcomeRecorded, nil
}

func (r *fakeRecorder) RecordFailure(_ context.Context, ev *events.Error) (services.Outcome, error) {
	r.wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed = append(r.failed, ev.ID)
	return services.OutcomeRecorded, nil
}

func (r *fakeRecorder) snapshot() (phases []int, done, failed []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.phases...), append([]string(nil), r.done...), append([]string(nil), r.failed...)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func startSinks(t *testing.T, recorder Recorder) (eventbus.EventBus, *ProgressSinks) {
	t.Helper()
	bus := eventbus.NewEventPublisher(quietLogger())
	sinks := NewProgressSinks(recorder, nil, SinkOptions{FlushSize: 1, FlushInterval: 5 * time.Millisecond}, quietLogger())
	unsubscribe := sinks.Register(bus)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sinks.Run(ctx)
	}()
	t.Cleanup(func() {
		unsubscribe()
		cancel()
		<-done
	})
	return bus, sinks
}

func TestProgressSinks_RoutesEvents(t *testing.T) {
	recorder := &fakeRecorder{}
	bus, _ := startSinks(t, recorder)

	bus.Publish(&events.TestStarted{ID: "t1"})
	bus.Publish(&events.PhaseComplete{ID: "t1", PhaseStats: events.PhaseStats{Phase: 1, TotalPhases: 1}})
	bus.Publish(&events.TestCompleted{ID: "t1"})
	bus.Publish(&events.Error{ID: "t2", Message: "target refused"})
	bus.Publish(&events.Error{Message: "engine gone"})

	require.Eventually(t, func() bool {
		phases, done, failed := recorder.snapshot()
		return len(phases) == 1 && len(done) == 1 && len(failed) == 1
	}, time.Second, 5*time.Millisecond)

	phases, done, failed := recorder.snapshot()
	require.Equal(t, []int{1}, phases)
	require.Equal(t, []string{"t1"}, done)
	require.Equal(t, []string{"t2"}, failed, "errors without a test id never reach the store")
}

func TestProgressSinks_PublishDoesNotWaitForStore(t *testing.T) {
	recorder := &fakeRecorder{block: make(chan struct{})}
	bus, _ := startSinks(t, recorder)
	defer close(recorder.block)

	published := make(chan struct{})
	go func() {
		for n := 1; n <= 10; n++ {
			bus.Publish(&events.PhaseComplete{ID: "t1", PhaseStats: events.PhaseStats{Phase: n, TotalPhases: 10}})
		}
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a slow store")
	}
}

func TestProgressSinks_PublishOutrunsFullBuffer(t *testing.T) {
	recorder := &fakeRecorder{block: make(chan struct{})}
	bus := eventbus.NewEventPublisher(quietLogger())
	sinks := NewProgressSinks(recorder, nil, SinkOptions{BufferSize: 2, FlushSize: 1, FlushInterval: time.Millisecond}, quietLogger())
	unsubscribe := sinks.Register(bus)
	defer unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		_ = sinks.Run(ctx)
	}()
	defer func() {
		cancel()
		<-stopped
	}()

	const total = 50
	published := make(chan struct{})
	go func() {
		for n := 1; n <= total; n++ {
			bus.Publish(&events.PhaseComplete{ID: "t1", PhaseStats: events.PhaseStats{Phase: n, TotalPhases: total}})
		}
		bus.Publish(&events.TestCompleted{ID: "t1"})
		close(published)
	}()

	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish blocked behind a full pipeline buffer")
	}

	close(recorder.block)
	require.Eventually(t, func() bool {
		phases, done, _ := recorder.snapshot()
		return len(phases) == total && len(done) == 1
	}, 2*time.Second, 5*time.Millisecond)

	want := make([]int, total)
	for i := range want {
		want[i] = i + 1
	}
	phases, _, _ := recorder.snapshot()
	require.ElementsMatch(t, want, phases)
	require.Zero(t, sinks.Pending())
}

func TestBacklog_DrainKeepsOrder(t *testing.T) {
	b := newBacklog[int]()
	for i := 1; i <= 5; i++ {
		require.Equal(t, i, b.push(i))
	}

	out := make(chan int)
	ctx, cancel := context.WithCancel(context.Background())
	left := make(chan []int, 1)
	go func() { left <- b.drain(ctx, out) }()

	require.Equal(t, 1, <-out)
	require.Equal(t, 2, <-out)
	cancel()
	require.Equal(t, []int{3, 4, 5}, <-left)
}

func TestProgressSinks_FailureIsPerEvent(t *testing.T) {
	recorder := &fakeRecorder{failFor: "broken"}
	bus, _ := startSinks(t, recorder)

	bus.Publish(&events.PhaseComplete{ID: "broken", PhaseStats: events.PhaseStats{Phase: 1, TotalPhases: 2}})
	bus.Publish(&events.PhaseComplete{ID: "t1", PhaseStats: events.PhaseStats{Phase: 2, TotalPhases: 2}})

	require.Eventually(t, func() bool {
		phases, _, _ := recorder.snapshot()
		return len(phases) == 1 && phases[0] == 2
	}, time.Second, 5*time.Millisecond)
}

func TestProgressSinks_HandleIgnoresOtherEvents(t *testing.T) {
	recorder := &fakeRecorder{}
	sinks := NewProgressSinks(recorder, nil, SinkOptions{}, quietLogger())

	sinks.Handle(context.Background(), &events.Connected{})
	sinks.Handle(context.Background(), &events.TestStarted{ID: "t1"})
	sinks.Handle(context.Background(), &events.TestCompleted{ID: "t1"})

	phases, done, failed := recorder.snapshot()
	require.Empty(t, phases)
	require.Equal(t, []string{"t1"}, done)
	require.Empty(t, failed)
}
