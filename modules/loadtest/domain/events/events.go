// Package events defines the canonical progress events fanned out on the bus.
package events

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindConnected     Kind = "connected"
	KindTestStarted   Kind = "test_started"
	KindPhaseComplete Kind = "phase_complete"
	KindTestCompleted Kind = "test_completed"
	KindError         Kind = "error"
)

func (k Kind) Valid() bool {
	switch k {
	case KindConnected, KindTestStarted, KindPhaseComplete, KindTestCompleted, KindError:
		return true
	}
	return false
}

// Event is implemented by every progress event. TestID is empty for events
// that are not scoped to a test.
type Event interface {
	Kind() Kind
	TestID() string
	OccurredAt() time.Time
}

type Percentiles struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// PhaseStats is the engine's report for one completed phase. Percentiles are
// in seconds.
type PhaseStats struct {
	Phase        int          `json:"phase"`
	TotalPhases  int          `json:"total_phases"`
	Concurrency  int          `json:"concurrency"`
	Requests     int64        `json:"requests"`
	SuccessCount int64        `json:"success_count"`
	ErrorCount   int64        `json:"error_count"`
	Percentiles  *Percentiles `json:"percentiles,omitempty"`
	PhaseLength  int          `json:"phase_length,omitempty"`
}

func (s PhaseStats) Validate() error {
	if s.Phase < 1 {
		return fmt.Errorf("phase must start at 1, got %d", s.Phase)
	}
	if s.TotalPhases > 0 && s.Phase > s.TotalPhases {
		return fmt.Errorf("phase %d exceeds total_phases %d", s.Phase, s.TotalPhases)
	}
	return nil
}

type Connected struct {
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

func (e *Connected) Kind() Kind            { return KindConnected }
func (e *Connected) TestID() string        { return "" }
func (e *Connected) OccurredAt() time.Time { return e.At }

type TestStarted struct {
	ID                 string    `json:"test_id"`
	URLs               []string  `json:"urls"`
	ConcurrencyPattern []int     `json:"concurrency_pattern"`
	At                 time.Time `json:"at"`
}

func (e *TestStarted) Kind() Kind            { return KindTestStarted }
func (e *TestStarted) TestID() string        { return e.ID }
func (e *TestStarted) OccurredAt() time.Time { return e.At }

type PhaseComplete struct {
	ID string `json:"test_id"`
	PhaseStats
	At time.Time `json:"at"`
}

func (e *PhaseComplete) Kind() Kind            { return KindPhaseComplete }
func (e *PhaseComplete) TestID() string        { return e.ID }
func (e *PhaseComplete) OccurredAt() time.Time { return e.At }

func (e *PhaseComplete) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("phase_complete without test_id")
	}
	if e.TotalPhases < 1 {
		return fmt.Errorf("phase_complete without total_phases")
	}
	return e.PhaseStats.Validate()
}

type URLMetrics struct {
	Requests        int64   `json:"requests"`
	SuccessCount    int64   `json:"success_count"`
	ErrorCount      int64   `json:"error_count"`
	AvgResponseTime float64 `json:"avg_response_time"`
}

type TestCompleted struct {
	ID             string       `json:"test_id"`
	PhaseSummaries []PhaseStats `json:"phase_summaries"`
	// Engine supplied totals, used when no phase summary is present.
	TotalRequests int64                 `json:"total_requests,omitempty"`
	SuccessCount  int64                 `json:"success_count,omitempty"`
	ErrorCount    int64                 `json:"error_count,omitempty"`
	URLBreakdown  map[string]URLMetrics `json:"url_breakdown,omitempty"`
	At            time.Time             `json:"at"`
}

func (e *TestCompleted) Kind() Kind            { return KindTestCompleted }
func (e *TestCompleted) TestID() string        { return e.ID }
func (e *TestCompleted) OccurredAt() time.Time { return e.At }

type Error struct {
	ID      string    `json:"test_id,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

func (e *Error) Kind() Kind            { return KindError }
func (e *Error) TestID() string        { return e.ID }
func (e *Error) OccurredAt() time.Time { return e.At }

// Identity returns the natural key of an event and false for events that
// have none.
func Identity(ev Event) (string, bool) {
	switch e := ev.(type) {
	case *TestStarted:
		return fmt.Sprintf("%s:%s", KindTestStarted, e.ID), e.ID != ""
	case *PhaseComplete:
		return fmt.Sprintf("%s:%s:%d", KindPhaseComplete, e.ID, e.Phase), e.ID != ""
	case *TestCompleted:
		return fmt.Sprintf("%s:%s", KindTestCompleted, e.ID), e.ID != ""
	case *Error:
		if e.ID == "" {
			return "", false
		}
		return fmt.Sprintf("%s:%s", KindError, e.ID), true
	}
	return "", false
}

// Cursor returns the resumption token attached to a delivered event: its
// identity, or "<kind>-<unix millis>" when it has none.
func Cursor(ev Event, now time.Time) string {
	if id, ok := Identity(ev); ok {
		return id
	}
	at := ev.OccurredAt()
	if at.IsZero() {
		at = now
	}
	return fmt.Sprintf("%s-%d", ev.Kind(), at.UnixMilli())
}
