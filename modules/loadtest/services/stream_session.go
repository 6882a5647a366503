package services

import (
	"context"
	"fmt"
	"iter"
	"sync"
	"time"

	"github.com/go-faster/errors"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/pkg/eventbus"
)

var (
	// ErrSessionStopped resolves a pending Next after Cancel or Close.
	ErrSessionStopped = errors.New("stream session stopped")
	ErrSessionBusy    = errors.New("stream session already has a pending consumer")
)

type SessionState int32

const (
	SessionIdle SessionState = iota
	SessionStreaming
	SessionCancelled
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionStreaming:
		return "streaming"
	case SessionCancelled:
		return "cancelled"
	case SessionClosed:
		return "closed"
	}
	return fmt.Sprintf("session(%d)", int32(s))
}

// Tracked is an event tagged with its resumption cursor.
type Tracked struct {
	Cursor string
	Event  events.Event
}

// Session buffers bus events for one consumer. Deliveries never block: an
// event goes straight to the pending consumer if there is one, otherwise to
// an unbounded FIFO queue.
type Session struct {
	bus     eventbus.EventBus
	filter  events.Filter
	now     func() time.Time
	metrics *serviceMetrics

	mu          sync.Mutex
	state       SessionState
	queue       []events.Event
	waiter      chan events.Event
	stopped     chan struct{}
	unsubscribe func()
}

func NewSession(bus eventbus.EventBus, filter events.Filter) *Session {
	return &Session{
		bus:     bus,
		filter:  filter,
		now:     time.Now,
		metrics: metricsSingleton(),
		stopped: make(chan struct{}),
	}
}

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Start subscribes to the bus. Only an idle session can be started.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.state != SessionIdle {
		state := s.state
		s.mu.Unlock()
		return errors.Errorf("cannot start a %s session", state)
	}
	s.state = SessionStreaming
	s.mu.Unlock()

	unsubscribe := s.bus.Subscribe(s.deliver)

	s.mu.Lock()
	if s.state != SessionStreaming {
		// stopped while subscribing
		s.mu.Unlock()
		unsubscribe()
		return ErrSessionStopped
	}
	s.unsubscribe = unsubscribe
	s.mu.Unlock()
	s.metrics.activeSessions.Inc()
	return nil
}

func (s *Session) deliver(ev events.Event) {
	if !s.filter.Accepts(ev) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != SessionStreaming {
		return
	}
	if s.waiter != nil {
		// buffered, never blocks
		s.waiter <- ev
		s.waiter = nil
		return
	}
	s.queue = append(s.queue, ev)
}

// Pending returns the number of queued events.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Next returns the oldest queued event or waits for the next delivery. It
// returns ErrSessionStopped once the session is cancelled or closed and
// ctx.Err() when ctx is done first.
func (s *Session) Next(ctx context.Context) (Tracked, error) {
	s.mu.Lock()
	switch s.state {
	case SessionIdle:
		s.mu.Unlock()
		return Tracked{}, errors.New("stream session not started")
	case SessionCancelled, SessionClosed:
		s.mu.Unlock()
		return Tracked{}, ErrSessionStopped
	}
	if len(s.queue) > 0 {
		ev := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()
		return s.track(ev), nil
	}
	if s.waiter != nil {
		s.mu.Unlock()
		return Tracked{}, ErrSessionBusy
	}
	w := make(chan events.Event, 1)
	s.waiter = w
	stopped := s.stopped
	s.mu.Unlock()

	select {
	case ev := <-w:
		return s.track(ev), nil
	case <-stopped:
		return Tracked{}, ErrSessionStopped
	case <-ctx.Done():
		s.mu.Lock()
		if s.waiter == w {
			s.waiter = nil
			s.mu.Unlock()
			return Tracked{}, ctx.Err()
		}
		s.mu.Unlock()
		// A delivery raced the cancellation and must not be lost.
		select {
		case ev := <-w:
			return s.track(ev), nil
		default:
			return Tracked{}, ErrSessionStopped
		}
	}
}

func (s *Session) track(ev events.Event) Tracked {
	s.metrics.deliveredEvents.Inc()
	return Tracked{Cursor: events.Cursor(ev, s.now()), Event: ev}
}

// Events starts the session if needed and yields events until ctx is done,
// the session is stopped or the consumer breaks. The session is closed on
// every exit path, so the sequence cannot be restarted.
func (s *Session) Events(ctx context.Context) iter.Seq[Tracked] {
	return func(yield func(Tracked) bool) {
		defer s.Close()
		if s.State() == SessionIdle {
			if err := s.Start(); err != nil {
				return
			}
		}
		for {
			t, err := s.Next(ctx)
			if err != nil {
				return
			}
			if !yield(t) {
				return
			}
		}
	}
}

func (s *Session) Cancel() { s.stop(SessionCancelled) }

func (s *Session) Close() { s.stop(SessionClosed) }

func (s *Session) stop(state SessionState) {
	s.mu.Lock()
	if s.state == SessionCancelled || s.state == SessionClosed {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.waiter = nil
	s.queue = nil
	close(s.stopped)
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
		s.metrics.activeSessions.Dec()
	}
}
