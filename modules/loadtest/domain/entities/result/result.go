package result

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
)

type PhaseMetrics struct {
	RampUp   *events.PhaseStats `json:"ramp_up,omitempty"`
	Steady   *events.PhaseStats `json:"steady,omitempty"`
	RampDown *events.PhaseStats `json:"ramp_down,omitempty"`
}

// Result is the immutable aggregate of a completed run. Response times are
// integer milliseconds.
type Result struct {
	ID                 uuid.UUID
	TestID             string
	UserID             string
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AvgResponseTime    int64
	MinResponseTime    int64
	MaxResponseTime    int64
	P50ResponseTime    int64
	P95ResponseTime    int64
	P99ResponseTime    int64
	RequestsPerSecond  int64
	URLBreakdown       map[string]events.URLMetrics
	PhaseMetrics       PhaseMetrics
	CreatedAt          time.Time
}

// SuccessRate is the share of successful requests in percent, nil without traffic.
func (r *Result) SuccessRate() *float64 {
	if r.TotalRequests == 0 {
		return nil
	}
	rate := float64(r.SuccessfulRequests) / float64(r.TotalRequests) * 100
	return &rate
}

// Stats summarises every result of a user.
type Stats struct {
	AvgResponseTime    float64
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
}

type Repository interface {
	// Create returns loadtest.ErrDuplicateEvent when the test already has a
	// result and loadtest.ErrTestNotFound when the test does not exist.
	Create(ctx context.Context, r *Result) error
	GetByTestID(ctx context.Context, testID, userID string) (*Result, error)
	ListByTestIDs(ctx context.Context, userID string, testIDs []string) (map[string]*Result, error)
	Stats(ctx context.Context, userID string) (*Stats, error)
}
