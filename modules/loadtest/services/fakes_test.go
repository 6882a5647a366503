package services

import (
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/result"
)

// memStore mimics the relational store: unique keys, foreign keys and
// transactions that roll back on error.
type memStore struct {
	mu      sync.Mutex
	tests   map[string]*loadtest.LoadTest
	phases  map[string]*phase.Phase
	results map[string]*result.Result
	nextID  int64

	phaseInserts int
	// hideExisting makes Exists report false, as when a concurrent delivery
	// inserts between the check and the insert.
	hideExisting bool
	failWrites   error
	failDeletes  error

	// openTx counts transactions that have not finished yet.
	openTx int
}

func newMemStore() *memStore {
	return &memStore{
		tests:   map[string]*loadtest.LoadTest{},
		phases:  map[string]*phase.Phase{},
		results: map[string]*result.Result{},
	}
}

func phaseKey(testID string, number int, userID string) string {
	return fmt.Sprintf("%s|%d|%s", testID, number, userID)
}

func (s *memStore) inTx(ctx context.Context, fn func(context.Context) error) error {
	s.mu.Lock()
	tests := maps.Clone(s.tests)
	phases := maps.Clone(s.phases)
	results := maps.Clone(s.results)
	s.openTx++
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.openTx--
		s.mu.Unlock()
	}()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.tests, s.phases, s.results = tests, phases, results
		s.mu.Unlock()
		return err
	}
	return nil
}

func (s *memStore) seed(tests ...*loadtest.LoadTest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range tests {
		cp := *t
		s.tests[t.ID] = &cp
	}
}

func (s *memStore) test(id string) *loadtest.LoadTest {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tests[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

func (s *memStore) txOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openTx > 0
}

func (s *memStore) phaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.phases)
}

func (s *memStore) resultCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.results)
}

type memTests struct{ *memStore }

func (r memTests) Create(_ context.Context, t *loadtest.LoadTest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return loadtest.ErrPersistence.Wrap(r.failWrites)
	}
	if _, ok := r.tests[t.ID]; ok {
		return loadtest.ErrPersistence.Wrap(fmt.Errorf("duplicate test id %s", t.ID))
	}
	cp := *t
	r.tests[t.ID] = &cp
	return nil
}

func (r memTests) GetByID(_ context.Context, id string) (*loadtest.LoadTest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tests[id]
	if !ok {
		return nil, loadtest.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (r memTests) List(_ context.Context, params *loadtest.FindParams) ([]*loadtest.LoadTest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*loadtest.LoadTest
	for _, t := range r.tests {
		if params.UserID != "" && t.UserID != params.UserID {
			continue
		}
		if len(params.Statuses) > 0 && !slices.Contains(params.Statuses, t.Status) {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	slices.SortFunc(out, func(a, b *loadtest.LoadTest) int { return b.CreatedAt.Compare(a.CreatedAt) })
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}

func (r memTests) Count(_ context.Context, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for _, t := range r.tests {
		if t.UserID == userID {
			n++
		}
	}
	return n, nil
}

func (r memTests) Finish(_ context.Context, id string, status loadtest.Status, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return false, r.failWrites
	}
	t, ok := r.tests[id]
	if !ok || t.Status.Terminal() {
		return false, nil
	}
	cp := *t
	cp.Status = status
	cp.CompletedAt = &at
	r.tests[id] = &cp
	return true, nil
}

func (r memTests) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failDeletes != nil {
		return loadtest.ErrPersistence.Wrap(r.failDeletes)
	}
	delete(r.tests, id)
	return nil
}

type memPhases struct{ *memStore }

func (r memPhases) Exists(_ context.Context, testID string, number int, userID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hideExisting {
		return false, nil
	}
	_, ok := r.phases[phaseKey(testID, number, userID)]
	return ok, nil
}

func (r memPhases) Create(_ context.Context, p *phase.Phase) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	r.phaseInserts++
	if _, ok := r.tests[p.TestID]; !ok {
		return loadtest.ErrTestNotFound
	}
	key := phaseKey(p.TestID, p.Number, p.UserID)
	if _, ok := r.phases[key]; ok {
		return loadtest.ErrDuplicateEvent
	}
	r.nextID++
	cp := *p
	cp.ID = r.nextID
	r.phases[key] = &cp
	return nil
}

func (r memPhases) Latest(_ context.Context, userID string, testIDs []string) (map[string]*phase.Phase, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]*phase.Phase{}
	for _, p := range r.phases {
		if p.UserID != userID || !slices.Contains(testIDs, p.TestID) {
			continue
		}
		if cur, ok := out[p.TestID]; !ok || p.Number > cur.Number {
			out[p.TestID] = p
		}
	}
	return out, nil
}

type memResults struct{ *memStore }

func (r memResults) Create(_ context.Context, res *result.Result) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites != nil {
		return r.failWrites
	}
	if _, ok := r.tests[res.TestID]; !ok {
		return loadtest.ErrTestNotFound
	}
	if _, ok := r.results[res.TestID]; ok {
		return loadtest.ErrDuplicateEvent
	}
	cp := *res
	r.results[res.TestID] = &cp
	return nil
}

func (r memResults) GetByTestID(_ context.Context, testID, userID string) (*result.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[testID]
	if !ok || res.UserID != userID {
		return nil, loadtest.ErrNotFound
	}
	return res, nil
}

func (r memResults) ListByTestIDs(_ context.Context, userID string, testIDs []string) (map[string]*result.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]*result.Result{}
	for _, id := range testIDs {
		if res, ok := r.results[id]; ok && res.UserID == userID {
			out[id] = res
		}
	}
	return out, nil
}

func (r memResults) Stats(_ context.Context, userID string) (*result.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stats result.Stats
	var sum float64
	var n int
	for _, res := range r.results {
		if res.UserID != userID {
			continue
		}
		n++
		sum += float64(res.AvgResponseTime)
		stats.TotalRequests += res.TotalRequests
		stats.SuccessfulRequests += res.SuccessfulRequests
		stats.FailedRequests += res.FailedRequests
	}
	if n > 0 {
		stats.AvgResponseTime = sum / float64(n)
	}
	return &stats, nil
}

// fakeEngine fails Ready and SendStart with err. sendErr fails SendStart
// only, as when the connection drops between the two. onSend runs before a
// command is accepted, like an engine that answers immediately.
type fakeEngine struct {
	mu      sync.Mutex
	err     error
	sendErr error
	sent    []loadtest.StartCommand
	onSend  func(cmd loadtest.StartCommand)
}

func (e *fakeEngine) Ready(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

func (e *fakeEngine) SendStart(_ context.Context, cmd loadtest.StartCommand) (loadtest.Ack, error) {
	if e.onSend != nil {
		e.onSend(cmd)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return loadtest.Ack{}, e.err
	}
	if e.sendErr != nil {
		return loadtest.Ack{}, e.sendErr
	}
	e.sent = append(e.sent, cmd)
	return loadtest.Ack{TestID: cmd.TestID, SentAt: time.Now()}, nil
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

var testClock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestRecorder(store *memStore) (*ProgressRecorder, *OwnerIndex) {
	owners := NewOwnerIndex(memTests{store}, 16)
	r := NewProgressRecorder(memTests{store}, memPhases{store}, memResults{store}, owners, nil, quietLogger())
	r.inTx = store.inTx
	r.now = func() time.Time { return testClock }
	return r, owners
}

func newTestService(store *memStore, engine loadtest.Engine) *LoadtestService {
	owners := NewOwnerIndex(memTests{store}, 16)
	s := NewLoadtestService(memTests{store}, memPhases{store}, memResults{store}, engine, owners, quietLogger())
	s.inTx = store.inTx
	s.now = func() time.Time { return testClock }
	return s
}

func runningTest(id, userID string) *loadtest.LoadTest {
	return &loadtest.LoadTest{
		ID:                 id,
		UserID:             userID,
		Name:               "test " + id,
		URLs:               []string{"https://a.example"},
		ConcurrencyPattern: []int{10, 20},
		PhaseLength:        30,
		Status:             loadtest.StatusRunning,
		CreatedAt:          testClock,
	}
}
