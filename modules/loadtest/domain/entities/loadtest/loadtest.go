package loadtest

import (
	"context"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type LoadTest struct {
	ID                 string
	UserID             string
	Name               string
	URLs               []string
	ConcurrencyPattern []int
	// Seconds per concurrency step.
	PhaseLength  int
	RampUpTime   int
	RampDownTime int
	Status       Status
	CreatedAt    time.Time
	CompletedAt  *time.Time
}

// Duration is the configured run time in seconds.
func (t *LoadTest) Duration() int {
	return len(t.ConcurrencyPattern)*t.PhaseLength + t.RampUpTime + t.RampDownTime
}

type FindParams struct {
	UserID   string
	Statuses []Status
	Limit    int
}

type Repository interface {
	Create(ctx context.Context, test *LoadTest) error
	// GetByID is not scoped to a user and returns ErrNotFound when missing.
	GetByID(ctx context.Context, id string) (*LoadTest, error)
	List(ctx context.Context, params *FindParams) ([]*LoadTest, error)
	Count(ctx context.Context, userID string) (int64, error)
	// Finish moves a pending or running test to a terminal status and
	// reports whether this call performed the transition.
	Finish(ctx context.Context, id string, status Status, at time.Time) (bool, error)
	// Delete removes a test that never reached the engine.
	Delete(ctx context.Context, id string) error
}
