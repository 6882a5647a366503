package phase

import (
	"context"
	"time"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
)

type Phase struct {
	ID           int64
	TestID       string
	UserID       string
	Number       int
	TotalPhases  int
	Concurrency  int
	Requests     int64
	SuccessCount int64
	ErrorCount   int64
	Percentiles  *events.Percentiles
	CreatedAt    time.Time
}

func FromEvent(ev *events.PhaseComplete, userID string) *Phase {
	var percentiles *events.Percentiles
	if ev.Percentiles != nil {
		p := *ev.Percentiles
		percentiles = &p
	}
	return &Phase{
		TestID:       ev.ID,
		UserID:       userID,
		Number:       ev.Phase,
		TotalPhases:  ev.TotalPhases,
		Concurrency:  ev.Concurrency,
		Requests:     ev.Requests,
		SuccessCount: ev.SuccessCount,
		ErrorCount:   ev.ErrorCount,
		Percentiles:  percentiles,
	}
}

type Repository interface {
	Exists(ctx context.Context, testID string, number int, userID string) (bool, error)
	// Create returns loadtest.ErrDuplicateEvent when the phase is already
	// recorded and loadtest.ErrTestNotFound when the test does not exist.
	Create(ctx context.Context, p *Phase) error
	// Latest returns the highest recorded phase per test, omitting tests
	// without phases.
	Latest(ctx context.Context, userID string, testIDs []string) (map[string]*Phase, error)
}
