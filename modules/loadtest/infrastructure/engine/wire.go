package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loadforge/loadforge/modules/loadtest/domain/events"
)

const (
	startTestEvent      = "start_test"
	unknownErrorMessage = "An unknown error occurred"
)

// frame is the engine's message shape in both directions.
type frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// engineError accepts both the engine's "error" key and "message".
type engineError struct {
	TestID  string `json:"test_id"`
	Error   string `json:"error"`
	Message string `json:"message"`
}

// translate converts one engine frame into its canonical event stamped with at.
func translate(f frame, at time.Time) (events.Event, error) {
	kind := events.Kind(f.Event)
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown engine event %q", f.Event)
	}

	if kind == events.KindError {
		var payload engineError
		if len(f.Data) > 0 {
			if err := json.Unmarshal(f.Data, &payload); err != nil {
				return nil, fmt.Errorf("decode error payload: %w", err)
			}
		}
		msg := payload.Error
		if msg == "" {
			msg = payload.Message
		}
		if msg == "" {
			msg = unknownErrorMessage
		}
		return &events.Error{ID: payload.TestID, Message: msg, At: at}, nil
	}

	ev, err := events.Decode(kind, f.Data)
	if err != nil {
		return nil, err
	}
	switch e := ev.(type) {
	case *events.Connected:
		e.At = at
	case *events.TestStarted:
		e.At = at
	case *events.PhaseComplete:
		e.At = at
	case *events.TestCompleted:
		e.At = at
	}
	return ev, nil
}

func encodeStart(cmd any) ([]byte, error) {
	data, err := json.Marshal(cmd)
	if err != nil {
		return nil, err
	}
	return json.Marshal(frame{Event: startTestEvent, Data: data})
}
