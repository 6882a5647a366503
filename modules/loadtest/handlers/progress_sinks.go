// Package handlers subscribes the durable sinks to the event bus.
package handlers

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	gopipeline "github.com/rushairer/go-pipeline/v2"
	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/services"
	"github.com/loadforge/loadforge/pkg/composables"
	"github.com/loadforge/loadforge/pkg/eventbus"
)

// Recorder persists progress events. *services.ProgressRecorder implements it.
type Recorder interface {
	RecordPhase(ctx context.Context, ev *events.PhaseComplete) (services.Outcome, error)
	RecordCompletion(ctx context.Context, ev *events.TestCompleted) (services.Outcome, error)
	RecordFailure(ctx context.Context, ev *events.Error) (services.Outcome, error)
}

type SinkOptions struct {
	BufferSize    uint32
	FlushSize     uint32
	FlushInterval time.Duration
	// EventTimeout bounds the processing of a single event.
	EventTimeout time.Duration
}

func (o *SinkOptions) setDefaults() {
	if o.BufferSize == 0 {
		o.BufferSize = 1024
	}
	if o.FlushSize == 0 || o.FlushSize > o.BufferSize {
		o.FlushSize = min(16, o.BufferSize)
	}
	if o.FlushInterval == 0 {
		o.FlushInterval = 50 * time.Millisecond
	}
	if o.EventTimeout == 0 {
		o.EventTimeout = 10 * time.Second
	}
}

// ProgressSinks hands bus events to two queues: one for phase_complete and
// one for test_completed and test scoped errors. Bus callbacks only append to
// an unbounded backlog; forwarders feed the pipelines and the recorder runs on
// the pipelines' goroutines, so a slow store never blocks Publish.
type ProgressSinks struct {
	recorder Recorder
	pool     *pgxpool.Pool
	opts     SinkOptions
	log      *logrus.Entry

	phases      *gopipeline.StandardPipeline[*events.PhaseComplete]
	completions *gopipeline.StandardPipeline[events.Event]

	phaseBacklog      *backlog[*events.PhaseComplete]
	completionBacklog *backlog[events.Event]
	done              chan struct{}
}

// NewProgressSinks builds the queues. pool may be nil when the recorder does
// not touch the database.
func NewProgressSinks(recorder Recorder, pool *pgxpool.Pool, opts SinkOptions, logger *logrus.Logger) *ProgressSinks {
	opts.setDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &ProgressSinks{
		recorder: recorder,
		pool:     pool,
		opts:     opts,
		log:      logger.WithField("component", "progress-sinks"),

		phaseBacklog:      newBacklog[*events.PhaseComplete](),
		completionBacklog: newBacklog[events.Event](),
		done:              make(chan struct{}),
	}
	config := gopipeline.PipelineConfig{
		BufferSize:    opts.BufferSize,
		FlushSize:     opts.FlushSize,
		FlushInterval: opts.FlushInterval,
	}
	s.phases = gopipeline.NewStandardPipeline(config, func(ctx context.Context, batch []*events.PhaseComplete) error {
		for _, ev := range batch {
			s.Handle(ctx, ev)
		}
		return nil
	})
	s.completions = gopipeline.NewStandardPipeline(config, func(ctx context.Context, batch []events.Event) error {
		for _, ev := range batch {
			s.Handle(ctx, ev)
		}
		return nil
	})
	return s
}

// Register subscribes the sinks and returns the combined unsubscribe func.
func (s *ProgressSinks) Register(bus eventbus.EventBus) func() {
	unsubscribers := []func(){
		bus.Subscribe(s.onPhaseComplete),
		bus.Subscribe(s.onTestCompleted),
		bus.Subscribe(s.onError),
	}
	return func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}
}

// Run processes queued events until ctx is done.
func (s *ProgressSinks) Run(ctx context.Context) error {
	defer close(s.done)

	phaseErrs := s.phases.ErrorChan(16)
	completionErrs := s.completions.ErrorChan(16)
	go func() {
		_ = s.phases.AsyncPerform(ctx)
	}()
	go func() {
		_ = s.completions.AsyncPerform(ctx)
	}()

	var forwarders sync.WaitGroup
	forwarders.Add(2)
	go func() {
		defer forwarders.Done()
		if left := s.phaseBacklog.drain(ctx, s.phases.DataChan()); len(left) > 0 {
			s.log.WithField("count", len(left)).Warn("sinks stopped, phase events not recorded")
		}
	}()
	go func() {
		defer forwarders.Done()
		if left := s.completionBacklog.drain(ctx, s.completions.DataChan()); len(left) > 0 {
			s.log.WithField("count", len(left)).Warn("sinks stopped, events not recorded")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			forwarders.Wait()
			return nil
		case err, ok := <-phaseErrs:
			if !ok {
				phaseErrs = nil
				continue
			}
			s.log.WithError(err).WithField("sink", "phase").Error("sink pipeline error")
		case err, ok := <-completionErrs:
			if !ok {
				completionErrs = nil
				continue
			}
			s.log.WithError(err).WithField("sink", "completion").Error("sink pipeline error")
		}
	}
}

func (s *ProgressSinks) onPhaseComplete(ev *events.PhaseComplete) {
	select {
	case <-s.done:
		s.log.WithField("test_id", ev.ID).Warn("sinks stopped, phase event not recorded")
		return
	default:
	}
	s.warnBacklog("phase", s.phaseBacklog.push(ev))
}

func (s *ProgressSinks) onTestCompleted(ev *events.TestCompleted) {
	s.enqueueCompletion(ev)
}

func (s *ProgressSinks) onError(ev *events.Error) {
	if ev.ID == "" {
		return
	}
	s.enqueueCompletion(ev)
}

func (s *ProgressSinks) enqueueCompletion(ev events.Event) {
	select {
	case <-s.done:
		s.log.WithFields(logrus.Fields{
			"test_id": ev.TestID(),
			"event":   ev.Kind(),
		}).Warn("sinks stopped, event not recorded")
		return
	default:
	}
	s.warnBacklog("completion", s.completionBacklog.push(ev))
}

// warnBacklog logs each time a backlog grows by another full buffer.
func (s *ProgressSinks) warnBacklog(sink string, waiting int) {
	if size := int(s.opts.BufferSize); waiting >= size && waiting%size == 0 {
		s.log.WithFields(logrus.Fields{"sink": sink, "waiting": waiting}).Warn("sink backlog is growing, store is slow")
	}
}

// Pending reports how many events wait in the backlogs before the pipelines.
func (s *ProgressSinks) Pending() int {
	return s.phaseBacklog.len() + s.completionBacklog.len()
}

// Handle processes one event synchronously. Failures are logged and never
// affect other events.
func (s *ProgressSinks) Handle(ctx context.Context, ev events.Event) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.EventTimeout)
	defer cancel()
	if s.pool != nil {
		ctx = composables.WithPool(ctx, s.pool)
	}

	var (
		sink    string
		outcome services.Outcome
		err     error
	)
	switch e := ev.(type) {
	case *events.PhaseComplete:
		sink = "phase"
		outcome, err = s.recorder.RecordPhase(ctx, e)
	case *events.TestCompleted:
		sink = "completion"
		outcome, err = s.recorder.RecordCompletion(ctx, e)
	case *events.Error:
		sink = "completion"
		outcome, err = s.recorder.RecordFailure(ctx, e)
	default:
		return
	}

	entry := s.log.WithFields(logrus.Fields{
		"sink":    sink,
		"event":   ev.Kind(),
		"test_id": ev.TestID(),
		"outcome": outcome,
	})
	switch outcome {
	case services.OutcomeFailed:
		entry.WithError(err).Error("failed to persist event")
	case services.OutcomeDropped:
		entry.WithError(err).Warn("dropped event")
	default:
		entry.Debug("event processed")
	}
}
