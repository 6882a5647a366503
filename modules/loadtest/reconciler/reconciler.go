// Package reconciler merges the persisted snapshot of running tests with the
// live event stream into one view per test.
package reconciler

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
)

const unknownErrorMessage = "An unknown error occurred"

// Entry is the live view of one test.
type Entry struct {
	TestID       string
	Name         string
	Status       loadtest.Status
	CurrentPhase *events.PhaseStats
	StartTime    time.Time
	// EndTime is when the completion or failure was observed.
	EndTime *time.Time
	Error   string
	// Live is set once any live event for the test has been applied. From
	// then on bootstrap data never overwrites the entry.
	Live bool
	// HighestPhase is the largest phase number seen from bootstrap or live
	// events. Phases below it are redeliveries and are ignored.
	HighestPhase int
}

func (e *Entry) terminal() bool {
	return e.Status == loadtest.StatusCompleted || e.Status == loadtest.StatusFailed
}

// EffectiveTime orders recent entries.
func (e Entry) EffectiveTime() time.Time {
	if e.EndTime != nil {
		return *e.EndTime
	}
	return e.StartTime
}

type RunningTest struct {
	ID        string
	Name      string
	Status    loadtest.Status
	CreatedAt time.Time
}

type LatestPhase struct {
	TestID string
	events.PhaseStats
}

// Source is the read API the reconciler bootstraps from.
type Source interface {
	RunningTests(ctx context.Context) ([]RunningTest, error)
	LatestPhases(ctx context.Context, testIDs []string) ([]LatestPhase, error)
	TestName(ctx context.Context, testID string) (string, error)
}

type Reconciler struct {
	source Source
	log    *logrus.Entry
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]*Entry
	banner  string
	lookups sync.WaitGroup
}

func New(source Source, logger *logrus.Logger) *Reconciler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Reconciler{
		source:  source,
		log:     logger.WithField("component", "reconciler"),
		now:     time.Now,
		entries: map[string]*Entry{},
	}
}

// Bootstrap loads the caller's running tests and their latest phases. Live
// events may be applied while it runs.
func (r *Reconciler) Bootstrap(ctx context.Context) error {
	tests, err := r.source.RunningTests(ctx)
	if err != nil {
		return err
	}
	var phases []LatestPhase
	if len(tests) > 0 {
		ids := make([]string, len(tests))
		for i, t := range tests {
			ids[i] = t.ID
		}
		phases, err = r.source.LatestPhases(ctx, ids)
		if err != nil {
			return err
		}
	}
	r.Seed(tests, phases)
	return nil
}

// Seed merges a bootstrap snapshot into the view.
func (r *Reconciler) Seed(tests []RunningTest, phases []LatestPhase) {
	latest := make(map[string]events.PhaseStats, len(phases))
	for _, p := range phases {
		latest[p.TestID] = p.PhaseStats
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range tests {
		existing, ok := r.entries[t.ID]
		if ok && existing.Live {
			if existing.Name == "" {
				existing.Name = t.Name
			}
			if p, found := latest[t.ID]; found && !existing.terminal() && p.Phase > existing.HighestPhase {
				existing.CurrentPhase = &p
				existing.HighestPhase = p.Phase
			}
			continue
		}
		entry := &Entry{
			TestID:    t.ID,
			Name:      t.Name,
			Status:    cmp.Or(t.Status, loadtest.StatusRunning),
			StartTime: t.CreatedAt,
		}
		if p, found := latest[t.ID]; found {
			entry.CurrentPhase = &p
			entry.HighestPhase = p.Phase
		}
		r.entries[t.ID] = entry
	}
}

// Apply merges one live event. Name lookups for newly seen tests run in the
// background, bound to ctx.
func (r *Reconciler) Apply(ctx context.Context, ev events.Event) {
	var lookup string

	r.mu.Lock()
	switch e := ev.(type) {
	case *events.TestStarted:
		if e.ID == "" {
			break
		}
		r.banner = ""
		entry, ok := r.entries[e.ID]
		if !ok {
			entry = &Entry{
				TestID:    e.ID,
				Status:    loadtest.StatusRunning,
				StartTime: r.observedAt(ev),
			}
			r.entries[e.ID] = entry
		}
		entry.Live = true
		if entry.Name == "" {
			lookup = e.ID
		}
	case *events.PhaseComplete:
		if e.ID == "" {
			break
		}
		entry, ok := r.entries[e.ID]
		if !ok {
			entry = &Entry{TestID: e.ID, StartTime: r.observedAt(ev)}
			r.entries[e.ID] = entry
			lookup = e.ID
		}
		if entry.terminal() || e.Phase < entry.HighestPhase {
			r.log.WithFields(logrus.Fields{
				"test_id": e.ID,
				"phase":   e.Phase,
				"highest": entry.HighestPhase,
			}).Debug("stale phase_complete ignored")
			break
		}
		stats := e.PhaseStats
		entry.CurrentPhase = &stats
		entry.HighestPhase = e.Phase
		entry.Status = loadtest.StatusRunning
		entry.Live = true
	case *events.TestCompleted:
		entry, ok := r.entries[e.ID]
		if !ok {
			r.log.WithField("test_id", e.ID).Debug("completion for an unknown test")
			break
		}
		end := r.observedAt(ev)
		entry.Status = loadtest.StatusCompleted
		entry.CurrentPhase = nil
		entry.EndTime = &end
		entry.Live = true
	case *events.Error:
		message := cmp.Or(e.Message, unknownErrorMessage)
		if e.ID == "" {
			r.banner = message
			break
		}
		entry, ok := r.entries[e.ID]
		if !ok {
			r.log.WithField("test_id", e.ID).Debug("error for an unknown test")
			break
		}
		end := r.observedAt(ev)
		entry.Status = loadtest.StatusFailed
		entry.Error = message
		entry.EndTime = &end
		entry.Live = true
	}
	r.mu.Unlock()

	if lookup != "" {
		r.resolveName(ctx, lookup)
	}
}

func (r *Reconciler) observedAt(ev events.Event) time.Time {
	if at := ev.OccurredAt(); !at.IsZero() {
		return at
	}
	return r.now()
}

func (r *Reconciler) resolveName(ctx context.Context, testID string) {
	r.lookups.Add(1)
	go func() {
		defer r.lookups.Done()
		name, err := r.source.TestName(ctx, testID)
		if err != nil {
			r.log.WithError(err).WithField("test_id", testID).Warn("failed to fetch test name")
			return
		}
		if name == "" {
			return
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if entry, ok := r.entries[testID]; ok {
			entry.Name = name
		}
	}()
}

// WaitLookups blocks until pending name lookups finish.
func (r *Reconciler) WaitLookups() {
	r.lookups.Wait()
}

func (r *Reconciler) Get(testID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[testID]
	if !ok {
		return Entry{}, false
	}
	return entry.clone(), true
}

// Banner is the session wide error, empty when there is none.
func (r *Reconciler) Banner() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.banner
}

// Running returns running entries, most recently started first.
func (r *Reconciler) Running() []Entry {
	out := r.collect(func(e *Entry) bool { return e.Status == loadtest.StatusRunning })
	slices.SortStableFunc(out, func(a, b Entry) int {
		return cmp.Or(b.StartTime.Compare(a.StartTime), cmp.Compare(a.TestID, b.TestID))
	})
	return out
}

// Recent returns the entries that are no longer running, newest first.
func (r *Reconciler) Recent() []Entry {
	out := r.collect(func(e *Entry) bool { return e.Status != loadtest.StatusRunning })
	slices.SortStableFunc(out, func(a, b Entry) int {
		return cmp.Or(b.EffectiveTime().Compare(a.EffectiveTime()), cmp.Compare(a.TestID, b.TestID))
	})
	return out
}

func (r *Reconciler) collect(keep func(*Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, e.clone())
		}
	}
	return out
}

func (e *Entry) clone() Entry {
	cp := *e
	if e.CurrentPhase != nil {
		p := *e.CurrentPhase
		cp.CurrentPhase = &p
	}
	if e.EndTime != nil {
		t := *e.EndTime
		cp.EndTime = &t
	}
	return cp
}
