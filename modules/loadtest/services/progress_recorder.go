package services

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/result"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/dedup"
	"github.com/loadforge/loadforge/pkg/composables"
)

type Outcome string

const (
	OutcomeRecorded  Outcome = "recorded"
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored marks events that carry nothing to persist.
	OutcomeIgnored Outcome = "ignored"
	OutcomeDropped Outcome = "dropped"
	OutcomeFailed  Outcome = "failed"
)

// ProgressRecorder is the only writer of phase and result records and of
// terminal test statuses. Every method is idempotent under re-delivery.
type ProgressRecorder struct {
	tests   loadtest.Repository
	phases  phase.Repository
	results result.Repository
	owners  *OwnerIndex
	cache   dedup.Cache
	log     *logrus.Entry
	metrics *serviceMetrics

	inTx func(ctx context.Context, fn func(context.Context) error) error
	now  func() time.Time
}

func NewProgressRecorder(
	tests loadtest.Repository,
	phases phase.Repository,
	results result.Repository,
	owners *OwnerIndex,
	cache dedup.Cache,
	logger *logrus.Logger,
) *ProgressRecorder {
	if cache == nil {
		cache = dedup.Nop{}
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ProgressRecorder{
		tests:   tests,
		phases:  phases,
		results: results,
		owners:  owners,
		cache:   cache,
		log:     logger.WithField("component", "progress-recorder"),
		metrics: metricsSingleton(),
		inTx:    composables.InTx,
		now:     time.Now,
	}
}

func (r *ProgressRecorder) observe(sink string, outcome Outcome) {
	r.metrics.sinkEvents.WithLabelValues(sink, string(outcome)).Inc()
}

// RecordPhase stores one phase_complete event. A non-nil error explains a
// dropped or failed event.
func (r *ProgressRecorder) RecordPhase(ctx context.Context, ev *events.PhaseComplete) (outcome Outcome, err error) {
	defer func() { r.observe("phase", outcome) }()

	if err := ev.Validate(); err != nil {
		return OutcomeDropped, errors.Wrap(err, "invalid phase event")
	}

	owner, err := r.owners.Lookup(ctx, ev.ID)
	if err != nil {
		if errors.Is(err, loadtest.ErrNotFound) {
			return OutcomeDropped, errors.Wrapf(err, "phase %d of unknown test %s", ev.Phase, ev.ID)
		}
		return OutcomeFailed, errors.Wrap(err, "resolve test owner")
	}

	key := dedup.PhaseKey(ev.ID, ev.Phase, owner.UserID)
	seen, err := r.cache.Seen(ctx, key)
	if err != nil {
		r.log.WithError(err).Warn("dedup cache lookup failed")
	}
	if seen {
		return OutcomeDuplicate, nil
	}

	exists, err := r.phases.Exists(ctx, ev.ID, ev.Phase, owner.UserID)
	if err != nil {
		return OutcomeFailed, errors.Wrap(err, "check phase existence")
	}
	if exists {
		r.mark(ctx, key)
		return OutcomeDuplicate, nil
	}

	err = r.phases.Create(ctx, phase.FromEvent(ev, owner.UserID))
	switch {
	case err == nil:
		outcome = OutcomeRecorded
	case errors.Is(err, loadtest.ErrDuplicateEvent):
		outcome = OutcomeDuplicate
	case errors.Is(err, loadtest.ErrTestNotFound):
		r.owners.Forget(ev.ID)
		return OutcomeDropped, err
	default:
		return OutcomeFailed, err
	}
	r.mark(ctx, key)
	return outcome, nil
}

func (r *ProgressRecorder) mark(ctx context.Context, key string) {
	if err := r.cache.Mark(ctx, key); err != nil {
		r.log.WithError(err).Warn("dedup cache update failed")
	}
}

// RecordCompletion stores the result of a finished run and marks the test
// completed, both in one transaction.
func (r *ProgressRecorder) RecordCompletion(ctx context.Context, ev *events.TestCompleted) (outcome Outcome, err error) {
	defer func() { r.observe("completion", outcome) }()

	if ev.ID == "" {
		return OutcomeDropped, errors.New("test_completed without test_id")
	}
	owner, err := r.owners.Lookup(ctx, ev.ID)
	if err != nil {
		if errors.Is(err, loadtest.ErrNotFound) {
			return OutcomeDropped, errors.Wrapf(err, "completion of unknown test %s", ev.ID)
		}
		return OutcomeFailed, errors.Wrap(err, "resolve test owner")
	}

	now := r.now()
	res := result.Compute(ev.ID, owner.UserID, ev, owner.PhaseLength, now)
	var transitioned bool
	err = r.inTx(ctx, func(txCtx context.Context) error {
		if err := r.results.Create(txCtx, res); err != nil {
			return err
		}
		var err error
		transitioned, err = r.tests.Finish(txCtx, ev.ID, loadtest.StatusCompleted, now)
		return err
	})
	switch {
	case err == nil:
	case errors.Is(err, loadtest.ErrDuplicateEvent):
		return OutcomeDuplicate, nil
	case errors.Is(err, loadtest.ErrTestNotFound):
		r.owners.Forget(ev.ID)
		return OutcomeDropped, err
	default:
		return OutcomeFailed, err
	}

	if !transitioned {
		r.log.WithField("test_id", ev.ID).Info("result recorded for a test that already reached a terminal status")
	}
	return OutcomeRecorded, nil
}

// RecordFailure marks the test of a test scoped error as failed. The message
// itself is not persisted.
func (r *ProgressRecorder) RecordFailure(ctx context.Context, ev *events.Error) (outcome Outcome, err error) {
	defer func() { r.observe("failure", outcome) }()

	if ev.ID == "" {
		return OutcomeIgnored, nil
	}
	transitioned, err := r.tests.Finish(ctx, ev.ID, loadtest.StatusFailed, r.now())
	if err != nil {
		return OutcomeFailed, err
	}
	if !transitioned {
		return OutcomeDuplicate, nil
	}
	return OutcomeRecorded, nil
}
