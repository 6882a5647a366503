package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/require"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/result"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/presentation/controllers/dtos"
	"github.com/loadforge/loadforge/modules/loadtest/services"
	"github.com/loadforge/loadforge/pkg/httpapi"
	"github.com/loadforge/loadforge/pkg/middleware"
	"github.com/loadforge/loadforge/pkg/serrors"
)

const userHeader = "X-User-ID"

var created = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type stubService struct {
	startErr  error
	started   []*services.StartInput
	tests     map[string]*loadtest.LoadTest
	results   map[string]*result.Result
	phases    []*phase.Phase
	phaseArgs []string
}

func (s *stubService) StartTest(_ context.Context, _ string, in *services.StartInput) (string, error) {
	if s.startErr != nil {
		return "", s.startErr
	}
	s.started = append(s.started, in)
	return "t-new", nil
}

func (s *stubService) GetRunningTests(_ context.Context, userID string) ([]*loadtest.LoadTest, error) {
	var out []*loadtest.LoadTest
	for _, t := range s.tests {
		if t.UserID == userID && t.Status == loadtest.StatusRunning {
			out = append(out, t)
		}
	}
	return out, nil
}

func (s *stubService) GetLatestPhases(_ context.Context, _ string, ids []string) ([]*phase.Phase, error) {
	s.phaseArgs = ids
	return s.phases, nil
}

func (s *stubService) GetTestName(_ context.Context, userID, testID string) (*loadtest.LoadTest, error) {
	t, ok := s.tests[testID]
	if !ok || t.UserID != userID {
		return nil, loadtest.ErrNotFound
	}
	return t, nil
}

func (s *stubService) GetResults(_ context.Context, userID, testID string) (*result.Result, error) {
	r, ok := s.results[testID]
	if !ok || r.UserID != userID {
		return nil, loadtest.ErrNotFound
	}
	return r, nil
}

func (s *stubService) Overview(context.Context, string) (*services.Overview, error) {
	rate := 98.0
	return &services.Overview{
		TotalTests:      1,
		AvgResponseTime: 100,
		SuccessRate:     98,
		RecentTests: []services.RecentTest{{
			Test:        s.tests["t1"],
			Requests:    200,
			SuccessRate: &rate,
		}},
	}, nil
}

func newStub() *stubService {
	return &stubService{
		tests: map[string]*loadtest.LoadTest{
			"t1": {
				ID: "t1", UserID: "u1", Name: "checkout", Status: loadtest.StatusRunning,
				ConcurrencyPattern: []int{10, 20}, PhaseLength: 30, CreatedAt: created,
			},
		},
		results: map[string]*result.Result{
			"t1": {ID: uuid.New(), TestID: "t1", UserID: "u1", TotalRequests: 200, SuccessfulRequests: 196},
		},
	}
}

func newRouter(svc loadtestService, opts APIOptions) *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.ProvideUser(userHeader))
	newLoadtestAPIController(svc, opts).Register(r)
	return r
}

func do(t *testing.T, h http.Handler, method, target, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != "" {
		req.Header.Set(userHeader, userID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) httpapi.ErrorEnvelope {
	t.Helper()
	var env httpapi.ErrorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

const startBody = `{"name":"checkout","urls":["http://a.example"],"concurrency_pattern":[10,20],"phase_length":30}`

func TestStart(t *testing.T) {
	svc := newStub()
	router := newRouter(svc, APIOptions{})

	rec := do(t, router, http.MethodPost, "/api/loadtests", "u1", startBody)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp dtos.StartTestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "t-new", resp.TestID)
	require.Len(t, svc.started, 1)
	require.Equal(t, []int{10, 20}, svc.started[0].ConcurrencyPattern)
}

func TestStart_Errors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		body   string
		userID string
		status int
		code   string
	}{
		{"anonymous", nil, startBody, "", http.StatusUnauthorized, httpapi.CodeUnauthenticated},
		{"malformed body", nil, `{"name":`, "u1", http.StatusBadRequest, httpapi.CodeValidation},
		{"unknown field", nil, `{"nme":"x"}`, "u1", http.StatusBadRequest, httpapi.CodeValidation},
		{"engine down", loadtest.ErrEngineUnavailable.Wrap(errors.New("disconnected")), startBody, "u1", http.StatusServiceUnavailable, httpapi.CodeEngineUnavailable},
		{"store down", loadtest.ErrPersistence.Wrap(errors.New("timeout")), startBody, "u1", http.StatusInternalServerError, httpapi.CodePersistence},
		{"unexpected", errors.New("boom"), startBody, "u1", http.StatusInternalServerError, httpapi.CodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			svc := newStub()
			svc.startErr = tc.err
			rec := do(t, newRouter(svc, APIOptions{}), http.MethodPost, "/api/loadtests", tc.userID, tc.body)
			require.Equal(t, tc.status, rec.Code)
			require.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestStart_ValidationDetails(t *testing.T) {
	svc := newStub()
	svc.startErr = loadtest.ErrValidation.Wrap(serrors.ValidationErrors{"urls[0]": "must be a valid URL"})

	rec := do(t, newRouter(svc, APIOptions{}), http.MethodPost, "/api/loadtests", "u1", startBody)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeError(t, rec)
	require.Equal(t, httpapi.CodeValidation, env.Code)
	require.Equal(t, "must be a valid URL", env.Meta["urls[0]"])
}

func TestStart_RateLimited(t *testing.T) {
	svc := newStub()
	router := newRouter(svc, APIOptions{StartLimit: 2, LimitStore: middleware.NewMemoryStore()})

	for i := 0; i < 2; i++ {
		require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/api/loadtests", "u1", startBody).Code)
	}
	rec := do(t, router, http.MethodPost, "/api/loadtests", "u1", startBody)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, httpapi.CodeRateLimited, decodeError(t, rec).Code)

	require.Equal(t, http.StatusCreated, do(t, router, http.MethodPost, "/api/loadtests", "u2", startBody).Code, "limits are per user")
}

func TestReadAPI(t *testing.T) {
	svc := newStub()
	svc.phases = []*phase.Phase{{
		TestID: "t1", Number: 2, TotalPhases: 2, Requests: 100,
		Percentiles: &events.Percentiles{P50: 0.1, P95: 0.2, P99: 0.3},
	}}
	router := newRouter(svc, APIOptions{})

	rec := do(t, router, http.MethodGet, "/api/loadtests/running", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var running []dtos.RunningTestResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &running))
	require.Equal(t, []dtos.RunningTestResponse{{ID: "t1", Name: "checkout", Status: loadtest.StatusRunning, CreatedAt: created}}, running)

	rec = do(t, router, http.MethodGet, "/api/loadtests/phases/latest?ids=t1,t2&ids=t3", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []string{"t1", "t2", "t3"}, svc.phaseArgs)
	var phases []dtos.LatestPhaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &phases))
	require.Len(t, phases, 1)
	require.Equal(t, 2, phases[0].Phase)
	require.Equal(t, 0.2, phases[0].Percentiles.P95)

	rec = do(t, router, http.MethodGet, "/api/loadtests/t1/name", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"name":"checkout","status":"running"}`, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/loadtests/t1/results", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var res dtos.ResultResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, int64(200), res.TotalRequests)
	require.NotNil(t, res.URLBreakdown)

	rec = do(t, router, http.MethodGet, "/api/dashboard/overview", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var overview dtos.OverviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	require.Equal(t, int64(1), overview.Metrics.TotalTests)
	require.Len(t, overview.RecentTests, 1)
	require.Equal(t, 60, overview.RecentTests[0].Duration)
}

func TestReadAPI_OtherUsersSeeNotFound(t *testing.T) {
	router := newRouter(newStub(), APIOptions{})

	for _, target := range []string{"/api/loadtests/t1/results", "/api/loadtests/t1/name"} {
		rec := do(t, router, http.MethodGet, target, "u2", "")
		require.Equal(t, http.StatusNotFound, rec.Code, target)
		require.Equal(t, httpapi.CodeNotFound, decodeError(t, rec).Code)
	}

	rec := do(t, router, http.MethodGet, "/api/loadtests/running", "", "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestReadAPI_TooManyIDs(t *testing.T) {
	ids := make([]string, 101)
	for i := range ids {
		ids[i] = uuid.NewString()
	}
	rec := do(t, newRouter(newStub(), APIOptions{}), http.MethodGet, "/api/loadtests/phases/latest?ids="+strings.Join(ids, ","), "u1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}
