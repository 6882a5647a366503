package controllers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/ulule/limiter/v3"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/result"
	"github.com/loadforge/loadforge/modules/loadtest/presentation/controllers/dtos"
	"github.com/loadforge/loadforge/modules/loadtest/services"
	"github.com/loadforge/loadforge/pkg/application"
	"github.com/loadforge/loadforge/pkg/composables"
	"github.com/loadforge/loadforge/pkg/httpapi"
	"github.com/loadforge/loadforge/pkg/middleware"
	"github.com/loadforge/loadforge/pkg/serrors"
)

const maxStartBodyBytes = 64 << 10

type loadtestService interface {
	StartTest(ctx context.Context, userID string, in *services.StartInput) (string, error)
	GetRunningTests(ctx context.Context, userID string) ([]*loadtest.LoadTest, error)
	GetLatestPhases(ctx context.Context, userID string, testIDs []string) ([]*phase.Phase, error)
	GetTestName(ctx context.Context, userID, testID string) (*loadtest.LoadTest, error)
	GetResults(ctx context.Context, userID, testID string) (*result.Result, error)
	Overview(ctx context.Context, userID string) (*services.Overview, error)
}

type APIOptions struct {
	// StartLimit caps start commands per user and minute, 0 disables it.
	StartLimit int
	LimitStore limiter.Store
}

// LoadtestAPIController serves the command and read API.
type LoadtestAPIController struct {
	svc      loadtestService
	basePath string
	opts     APIOptions
}

func NewLoadtestAPIController(app application.Application, opts APIOptions) application.Controller {
	svc := app.Service(services.LoadtestService{}).(*services.LoadtestService)
	return newLoadtestAPIController(svc, opts)
}

func newLoadtestAPIController(svc loadtestService, opts APIOptions) *LoadtestAPIController {
	return &LoadtestAPIController{
		svc:      svc,
		basePath: "/api/loadtests",
		opts:     opts,
	}
}

func (c *LoadtestAPIController) Key() string {
	return c.basePath
}

func (c *LoadtestAPIController) Register(r *mux.Router) {
	router := r.PathPrefix(c.basePath).Subrouter()
	router.Use(middleware.RequireUser())

	startLimit := middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerPeriod: c.opts.StartLimit,
		Period:            time.Minute,
		Store:             c.opts.LimitStore,
		KeyFunc:           middleware.UserKeyFunc("loadtests.start"),
	})
	router.Handle("", startLimit(http.HandlerFunc(c.start))).Methods(http.MethodPost)

	router.HandleFunc("/running", c.running).Methods(http.MethodGet)
	router.HandleFunc("/phases/latest", c.latestPhases).Methods(http.MethodGet)
	router.HandleFunc("/{id}/name", c.testName).Methods(http.MethodGet)
	router.HandleFunc("/{id}/results", c.results).Methods(http.MethodGet)

	dashboard := r.PathPrefix("/api/dashboard").Subrouter()
	dashboard.Use(middleware.RequireUser())
	dashboard.HandleFunc("/overview", c.overview).Methods(http.MethodGet)
}

// writeServiceError logs unexpected failures before rendering the envelope.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := http.StatusInternalServerError
	var base *serrors.BaseError
	if errors.As(err, &base) {
		status = httpapi.StatusFor(base.Code)
	}
	if status >= http.StatusInternalServerError {
		composables.UseLogger(r.Context()).WithError(err).Error(msg)
	}
	_ = httpapi.WriteServiceError(w, err)
}

func (c *LoadtestAPIController) start(w http.ResponseWriter, r *http.Request) {
	userID, _ := composables.UseUserID(r.Context())

	var in services.StartInput
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxStartBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&in); err != nil {
		_ = httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeValidation, "invalid request body", map[string]string{
			"body": err.Error(),
		})
		return
	}

	testID, err := c.svc.StartTest(r.Context(), userID, &in)
	if err != nil {
		writeServiceError(w, r, err, "failed to start load test")
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusCreated, dtos.StartTestResponse{TestID: testID})
}

func (c *LoadtestAPIController) running(w http.ResponseWriter, r *http.Request) {
	userID, _ := composables.UseUserID(r.Context())
	tests, err := c.svc.GetRunningTests(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "failed to list running tests")
		return
	}
	out := make([]dtos.RunningTestResponse, 0, len(tests))
	for _, t := range tests {
		out = append(out, dtos.NewRunningTestResponse(t))
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, out)
}

func (c *LoadtestAPIController) latestPhases(w http.ResponseWriter, r *http.Request) {
	userID, _ := composables.UseUserID(r.Context())
	ids := composables.GetQueryList(r, "ids")
	if len(ids) > 100 {
		_ = httpapi.WriteError(w, http.StatusBadRequest, httpapi.CodeValidation, "too many test ids", map[string]string{
			"ids": "must contain at most 100 ids",
		})
		return
	}
	phases, err := c.svc.GetLatestPhases(r.Context(), userID, ids)
	if err != nil {
		writeServiceError(w, r, err, "failed to load latest phases")
		return
	}
	out := make([]dtos.LatestPhaseResponse, 0, len(phases))
	for _, p := range phases {
		out = append(out, dtos.NewLatestPhaseResponse(p))
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, out)
}

func (c *LoadtestAPIController) testName(w http.ResponseWriter, r *http.Request) {
	userID, _ := composables.UseUserID(r.Context())
	test, err := c.svc.GetTestName(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err, "failed to load test name")
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, dtos.TestNameResponse{Name: test.Name, Status: test.Status})
}

func (c *LoadtestAPIController) results(w http.ResponseWriter, r *http.Request) {
	userID, _ := composables.UseUserID(r.Context())
	res, err := c.svc.GetResults(r.Context(), userID, mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, r, err, "failed to load results")
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, dtos.NewResultResponse(res))
}

func (c *LoadtestAPIController) overview(w http.ResponseWriter, r *http.Request) {
	userID, _ := composables.UseUserID(r.Context())
	overview, err := c.svc.Overview(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err, "failed to build overview")
		return
	}
	_ = httpapi.WriteJSON(w, http.StatusOK, dtos.NewOverviewResponse(overview))
}
