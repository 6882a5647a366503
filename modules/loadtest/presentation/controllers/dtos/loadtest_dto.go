package dtos

import (
	"time"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/result"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/services"
)

type StartTestResponse struct {
	TestID string `json:"test_id"`
}

type RunningTestResponse struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Status    loadtest.Status `json:"status"`
	CreatedAt time.Time       `json:"created_at"`
}

func NewRunningTestResponse(t *loadtest.LoadTest) RunningTestResponse {
	return RunningTestResponse{ID: t.ID, Name: t.Name, Status: t.Status, CreatedAt: t.CreatedAt}
}

type LatestPhaseResponse struct {
	TestID       string             `json:"test_id"`
	Phase        int                `json:"phase"`
	TotalPhases  int                `json:"total_phases"`
	Concurrency  int                `json:"concurrency"`
	Requests     int64              `json:"requests"`
	SuccessCount int64              `json:"success_count"`
	ErrorCount   int64              `json:"error_count"`
	Percentiles  events.Percentiles `json:"percentiles"`
}

func NewLatestPhaseResponse(p *phase.Phase) LatestPhaseResponse {
	out := LatestPhaseResponse{
		TestID:       p.TestID,
		Phase:        p.Number,
		TotalPhases:  p.TotalPhases,
		Concurrency:  p.Concurrency,
		Requests:     p.Requests,
		SuccessCount: p.SuccessCount,
		ErrorCount:   p.ErrorCount,
	}
	if p.Percentiles != nil {
		out.Percentiles = *p.Percentiles
	}
	return out
}

type TestNameResponse struct {
	Name   string          `json:"name"`
	Status loadtest.Status `json:"status"`
}

type ResultResponse struct {
	ID                 string                       `json:"id"`
	TestID             string                       `json:"test_id"`
	TotalRequests      int64                        `json:"total_requests"`
	SuccessfulRequests int64                        `json:"successful_requests"`
	FailedRequests     int64                        `json:"failed_requests"`
	AvgResponseTime    int64                        `json:"avg_response_time"`
	MinResponseTime    int64                        `json:"min_response_time"`
	MaxResponseTime    int64                        `json:"max_response_time"`
	P50ResponseTime    int64                        `json:"p50_response_time"`
	P95ResponseTime    int64                        `json:"p95_response_time"`
	P99ResponseTime    int64                        `json:"p99_response_time"`
	RequestsPerSecond  int64                        `json:"requests_per_second"`
	URLBreakdown       map[string]events.URLMetrics `json:"url_breakdown"`
	PhaseMetrics       result.PhaseMetrics          `json:"phase_metrics"`
	CreatedAt          time.Time                    `json:"created_at"`
}

func NewResultResponse(r *result.Result) ResultResponse {
	breakdown := r.URLBreakdown
	if breakdown == nil {
		breakdown = map[string]events.URLMetrics{}
	}
	return ResultResponse{
		ID:                 r.ID.String(),
		TestID:             r.TestID,
		TotalRequests:      r.TotalRequests,
		SuccessfulRequests: r.SuccessfulRequests,
		FailedRequests:     r.FailedRequests,
		AvgResponseTime:    r.AvgResponseTime,
		MinResponseTime:    r.MinResponseTime,
		MaxResponseTime:    r.MaxResponseTime,
		P50ResponseTime:    r.P50ResponseTime,
		P95ResponseTime:    r.P95ResponseTime,
		P99ResponseTime:    r.P99ResponseTime,
		RequestsPerSecond:  r.RequestsPerSecond,
		URLBreakdown:       breakdown,
		PhaseMetrics:       r.PhaseMetrics,
		CreatedAt:          r.CreatedAt,
	}
}

type OverviewMetrics struct {
	TotalTests      int64   `json:"total_tests"`
	AvgResponseTime int64   `json:"avg_response_time"`
	SuccessRate     float64 `json:"success_rate"`
	FailedRequests  int64   `json:"failed_requests"`
}

type RecentTestResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Status      loadtest.Status `json:"status"`
	Duration    int             `json:"duration"`
	Requests    int64           `json:"requests"`
	SuccessRate *float64        `json:"success_rate"`
	CreatedAt   time.Time       `json:"created_at"`
}

type OverviewResponse struct {
	Metrics     OverviewMetrics      `json:"metrics"`
	RecentTests []RecentTestResponse `json:"recent_tests"`
}

func NewOverviewResponse(o *services.Overview) OverviewResponse {
	out := OverviewResponse{
		Metrics: OverviewMetrics{
			TotalTests:      o.TotalTests,
			AvgResponseTime: o.AvgResponseTime,
			SuccessRate:     o.SuccessRate,
			FailedRequests:  o.FailedRequests,
		},
		RecentTests: make([]RecentTestResponse, 0, len(o.RecentTests)),
	}
	for _, rt := range o.RecentTests {
		out.RecentTests = append(out.RecentTests, RecentTestResponse{
			ID:          rt.Test.ID,
			Name:        rt.Test.Name,
			Status:      rt.Test.Status,
			Duration:    rt.Test.Duration(),
			Requests:    rt.Requests,
			SuccessRate: rt.SuccessRate,
			CreatedAt:   rt.Test.CreatedAt,
		})
	}
	return out
}
