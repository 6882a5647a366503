package services

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/result"
	"github.com/loadforge/loadforge/pkg/composables"
	"github.com/loadforge/loadforge/pkg/constants"
	"github.com/loadforge/loadforge/pkg/serrors"
)

const recentTestsLimit = 5

type StartInput struct {
	Name               string   `json:"name" validate:"required,max=255"`
	URLs               []string `json:"urls" validate:"required,min=1,max=20,dive,required,url"`
	ConcurrencyPattern []int    `json:"concurrency_pattern" validate:"required,min=1,max=50,dive,gt=0"`
	PhaseLength        int      `json:"phase_length" validate:"gt=0"`
	RampUpTime         int      `json:"ramp_up_time" validate:"gte=0"`
	RampDownTime       int      `json:"ramp_down_time" validate:"gte=0"`
}

// Validate returns serrors.ValidationErrors keyed by JSON field name.
func (in *StartInput) Validate() error {
	err := constants.Validate.Struct(in)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	out := serrors.ValidationErrors{}
	for field, msg := range serrors.ProcessValidatorErrors(verrs, startInputField) {
		if _, ok := out[field]; !ok {
			out[field] = msg
		}
	}
	return out
}

func startInputField(field string) string {
	switch field {
	case "Name":
		return "name"
	case "URLs":
		return "urls"
	case "ConcurrencyPattern":
		return "concurrency_pattern"
	case "PhaseLength":
		return "phase_length"
	case "RampUpTime":
		return "ramp_up_time"
	case "RampDownTime":
		return "ramp_down_time"
	}
	// dive errors are reported as e.g. "URLs[0]"
	if i := strings.IndexByte(field, '['); i > 0 {
		return startInputField(field[:i]) + field[i:]
	}
	return ""
}

type Overview struct {
	TotalTests      int64
	AvgResponseTime int64
	// SuccessRate is a percentage with one decimal, 0 without traffic.
	SuccessRate    float64
	FailedRequests int64
	RecentTests    []RecentTest
}

type RecentTest struct {
	Test     *loadtest.LoadTest
	Requests int64
	// SuccessRate is nil for tests without a result or without traffic.
	SuccessRate *float64
}

type LoadtestService struct {
	tests   loadtest.Repository
	phases  phase.Repository
	results result.Repository
	engine  loadtest.Engine
	owners  *OwnerIndex
	log     *logrus.Entry
	metrics *serviceMetrics

	inTx  func(ctx context.Context, fn func(context.Context) error) error
	now   func() time.Time
	newID func() string
}

func NewLoadtestService(
	tests loadtest.Repository,
	phases phase.Repository,
	results result.Repository,
	engine loadtest.Engine,
	owners *OwnerIndex,
	logger *logrus.Logger,
) *LoadtestService {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &LoadtestService{
		tests:   tests,
		phases:  phases,
		results: results,
		engine:  engine,
		owners:  owners,
		log:     logger.WithField("component", "loadtest-service"),
		metrics: metricsSingleton(),
		inTx:    composables.InTx,
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// StartTest checks the engine connection, commits the test record, then sends
// the start command, so progress the engine reports right away always finds
// the record. When the command cannot be sent the record is deleted again,
// falling back to marking it failed if the delete fails.
func (s *LoadtestService) StartTest(ctx context.Context, userID string, in *StartInput) (string, error) {
	if err := in.Validate(); err != nil {
		s.metrics.startedTests.WithLabelValues("invalid").Inc()
		return "", loadtest.ErrValidation.Wrap(err)
	}

	test := &loadtest.LoadTest{
		ID:                 s.newID(),
		UserID:             userID,
		Name:               strings.TrimSpace(in.Name),
		URLs:               in.URLs,
		ConcurrencyPattern: in.ConcurrencyPattern,
		PhaseLength:        in.PhaseLength,
		RampUpTime:         in.RampUpTime,
		RampDownTime:       in.RampDownTime,
		Status:             loadtest.StatusRunning,
		CreatedAt:          s.now(),
	}

	if err := s.engine.Ready(ctx); err != nil {
		s.metrics.startedTests.WithLabelValues("engine_unavailable").Inc()
		return "", err
	}
	if err := s.inTx(ctx, func(txCtx context.Context) error {
		return s.tests.Create(txCtx, test)
	}); err != nil {
		s.metrics.startedTests.WithLabelValues("persistence_failed").Inc()
		if errors.Is(err, loadtest.ErrPersistence) {
			return "", err
		}
		return "", loadtest.ErrPersistence.Wrap(err)
	}
	s.owners.Remember(test)

	_, err := s.engine.SendStart(ctx, loadtest.StartCommand{
		TestID:      test.ID,
		URLs:        test.URLs,
		Concurrency: test.ConcurrencyPattern,
		PhaseLength: test.PhaseLength,
		UserID:      userID,
	})
	if err != nil {
		s.discard(context.WithoutCancel(ctx), test.ID)
		s.metrics.startedTests.WithLabelValues("engine_unavailable").Inc()
		if !errors.Is(err, loadtest.ErrEngineUnavailable) {
			err = loadtest.ErrEngineUnavailable.Wrap(err)
		}
		return "", err
	}

	s.metrics.startedTests.WithLabelValues("started").Inc()
	s.log.WithFields(logrus.Fields{"test_id": test.ID, "user_id": userID}).Info("load test started")
	return test.ID, nil
}

// discard removes a test whose start command never reached the engine.
func (s *LoadtestService) discard(ctx context.Context, testID string) {
	s.owners.Forget(testID)
	log := s.log.WithField("test_id", testID)
	err := s.inTx(ctx, func(txCtx context.Context) error {
		return s.tests.Delete(txCtx, testID)
	})
	if err == nil {
		return
	}
	log.WithError(err).Warn("failed to delete unsent test, marking it failed")
	err = s.inTx(ctx, func(txCtx context.Context) error {
		_, err := s.tests.Finish(txCtx, testID, loadtest.StatusFailed, s.now())
		return err
	})
	if err != nil {
		log.WithError(err).Error("unsent test left in running state")
	}
}

func (s *LoadtestService) GetRunningTests(ctx context.Context, userID string) ([]*loadtest.LoadTest, error) {
	return s.tests.List(ctx, &loadtest.FindParams{
		UserID:   userID,
		Statuses: []loadtest.Status{loadtest.StatusRunning},
	})
}

// GetLatestPhases returns the highest recorded phase of each of the caller's
// tests, in the order of testIDs. Tests without phases are omitted.
func (s *LoadtestService) GetLatestPhases(ctx context.Context, userID string, testIDs []string) ([]*phase.Phase, error) {
	if len(testIDs) == 0 {
		return []*phase.Phase{}, nil
	}
	latest, err := s.phases.Latest(ctx, userID, testIDs)
	if err != nil {
		return nil, err
	}
	out := make([]*phase.Phase, 0, len(latest))
	seen := make(map[string]struct{}, len(testIDs))
	for _, id := range testIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if p, ok := latest[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// GetTestName returns loadtest.ErrNotFound for tests of other users.
func (s *LoadtestService) GetTestName(ctx context.Context, userID, testID string) (*loadtest.LoadTest, error) {
	test, err := s.tests.GetByID(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.UserID != userID {
		return nil, loadtest.ErrNotFound
	}
	return test, nil
}

// GetResults returns loadtest.ErrNotFound unless the result belongs to userID.
func (s *LoadtestService) GetResults(ctx context.Context, userID, testID string) (*result.Result, error) {
	return s.results.GetByTestID(ctx, testID, userID)
}

// OwnerOf reports the owner of a test, for scoping the event stream.
func (s *LoadtestService) OwnerOf(ctx context.Context, testID string) (string, error) {
	owner, err := s.owners.Lookup(ctx, testID)
	if err != nil {
		return "", err
	}
	return owner.UserID, nil
}

func (s *LoadtestService) Overview(ctx context.Context, userID string) (*Overview, error) {
	total, err := s.tests.Count(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats, err := s.results.Stats(ctx, userID)
	if err != nil {
		return nil, err
	}
	recent, err := s.tests.List(ctx, &loadtest.FindParams{UserID: userID, Limit: recentTestsLimit})
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(recent))
	for i, t := range recent {
		ids[i] = t.ID
	}
	results, err := s.results.ListByTestIDs(ctx, userID, ids)
	if err != nil {
		return nil, err
	}

	out := &Overview{
		TotalTests:      total,
		AvgResponseTime: int64(roundHalfUp(stats.AvgResponseTime, 0)),
		FailedRequests:  stats.FailedRequests,
		RecentTests:     make([]RecentTest, 0, len(recent)),
	}
	if stats.TotalRequests > 0 {
		out.SuccessRate = roundHalfUp(float64(stats.SuccessfulRequests)/float64(stats.TotalRequests)*100, 1)
	}
	for _, t := range recent {
		rt := RecentTest{Test: t}
		if r, ok := results[t.ID]; ok {
			rt.Requests = r.TotalRequests
			if rate := r.SuccessRate(); rate != nil {
				rounded := roundHalfUp(*rate, 1)
				rt.SuccessRate = &rounded
			}
		}
		out.RecentTests = append(out.RecentTests, rt)
	}
	return out, nil
}

func roundHalfUp(v float64, places int32) float64 {
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
