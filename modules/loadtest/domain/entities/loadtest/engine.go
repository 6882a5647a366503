package loadtest

import (
	"context"
	"time"
)

// StartCommand is sent to the load engine to begin a run.
type StartCommand struct {
	TestID      string   `json:"test_id"`
	URLs        []string `json:"urls"`
	Concurrency []int    `json:"concurrency"`
	PhaseLength int      `json:"phase_length"`
	UserID      string   `json:"user_id"`
}

type Ack struct {
	TestID string
	SentAt time.Time
}

// Engine delivers start commands to the load engine. SendStart fails with
// ErrEngineUnavailable instead of queueing when there is no live connection.
type Engine interface {
	// Ready fails with ErrEngineUnavailable when SendStart would.
	Ready(ctx context.Context) error
	SendStart(ctx context.Context, cmd StartCommand) (Ack, error)
}
