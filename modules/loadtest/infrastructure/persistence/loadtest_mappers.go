package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/phase"
	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/result"
	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
	"github.com/loadforge/loadforge/modules/loadtest/infrastructure/persistence/models"
)

func toDBLoadTest(t *loadtest.LoadTest) (*models.LoadTest, error) {
	urls, err := json.Marshal(nonNil(t.URLs))
	if err != nil {
		return nil, err
	}
	pattern, err := json.Marshal(nonNil(t.ConcurrencyPattern))
	if err != nil {
		return nil, err
	}
	return &models.LoadTest{
		ID:                 t.ID,
		UserID:             t.UserID,
		Name:               t.Name,
		URLs:               urls,
		ConcurrencyPattern: pattern,
		PhaseLength:        t.PhaseLength,
		RampUpTime:         t.RampUpTime,
		RampDownTime:       t.RampDownTime,
		Status:             string(t.Status),
		CreatedAt:          t.CreatedAt,
		CompletedAt:        t.CompletedAt,
	}, nil
}

func toDomainLoadTest(row *models.LoadTest) (*loadtest.LoadTest, error) {
	t := &loadtest.LoadTest{
		ID:           row.ID,
		UserID:       row.UserID,
		Name:         row.Name,
		PhaseLength:  row.PhaseLength,
		RampUpTime:   row.RampUpTime,
		RampDownTime: row.RampDownTime,
		Status:       loadtest.Status(row.Status),
		CreatedAt:    row.CreatedAt,
		CompletedAt:  row.CompletedAt,
	}
	if err := unmarshalColumn(row.URLs, &t.URLs); err != nil {
		return nil, fmt.Errorf("urls of %s: %w", row.ID, err)
	}
	if err := unmarshalColumn(row.ConcurrencyPattern, &t.ConcurrencyPattern); err != nil {
		return nil, fmt.Errorf("concurrency_pattern of %s: %w", row.ID, err)
	}
	return t, nil
}

func toDomainPhase(row *models.Phase) *phase.Phase {
	p := &phase.Phase{
		ID:           row.ID,
		TestID:       row.TestID,
		UserID:       row.UserID,
		Number:       row.PhaseNumber,
		TotalPhases:  row.TotalPhases,
		Concurrency:  row.Concurrency,
		Requests:     row.Requests,
		SuccessCount: row.SuccessCount,
		ErrorCount:   row.ErrorCount,
		CreatedAt:    row.CreatedAt,
	}
	if row.P50 != nil && row.P95 != nil && row.P99 != nil {
		p.Percentiles = &events.Percentiles{P50: *row.P50, P95: *row.P95, P99: *row.P99}
	}
	return p
}

func percentileColumns(p *events.Percentiles) (p50, p95, p99 *float64) {
	if p == nil {
		return nil, nil, nil
	}
	return &p.P50, &p.P95, &p.P99
}

func toDBResult(r *result.Result) (*models.Result, error) {
	breakdown, err := json.Marshal(r.URLBreakdown)
	if err != nil {
		return nil, err
	}
	if r.URLBreakdown == nil {
		breakdown = []byte("{}")
	}
	phaseMetrics, err := json.Marshal(r.PhaseMetrics)
	if err != nil {
		return nil, err
	}
	return &models.Result{
		ID:                 r.ID.String(),
		TestID:             r.TestID,
		UserID:             r.UserID,
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
		PhaseMetrics:       phaseMetrics,
		CreatedAt:          r.CreatedAt,
	}, nil
}

func toDomainResult(row *models.Result) (*result.Result, error) {
	id, err := uuid.Parse(row.ID)
	if err != nil {
		return nil, fmt.Errorf("result id %q: %w", row.ID, err)
	}
	r := &result.Result{
		ID:                 id,
		TestID:             row.TestID,
		UserID:             row.UserID,
		TotalRequests:      row.TotalRequests,
		SuccessfulRequests: row.SuccessfulRequests,
		FailedRequests:     row.FailedRequests,
		AvgResponseTime:    row.AvgResponseTime,
		MinResponseTime:    row.MinResponseTime,
		MaxResponseTime:    row.MaxResponseTime,
		P50ResponseTime:    row.P50ResponseTime,
		P95ResponseTime:    row.P95ResponseTime,
		P99ResponseTime:    row.P99ResponseTime,
		RequestsPerSecond:  row.RequestsPerSecond,
		URLBreakdown:       map[string]events.URLMetrics{},
		CreatedAt:          row.CreatedAt,
	}
	if err := unmarshalColumn(row.URLBreakdown, &r.URLBreakdown); err != nil {
		return nil, fmt.Errorf("url_breakdown of %s: %w", row.TestID, err)
	}
	if err := unmarshalColumn(row.PhaseMetrics, &r.PhaseMetrics); err != nil {
		return nil, fmt.Errorf("phase_metrics of %s: %w", row.TestID, err)
	}
	return r, nil
}

func unmarshalColumn(raw []byte, dest any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
