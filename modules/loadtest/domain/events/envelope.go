package events

import (
	"encoding/json"
	"fmt"
)

// Envelope is the JSON form of an event on the wire.
type Envelope struct {
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data"`
}

func Encode(ev Event) (Envelope, error) {
	data, err := json.Marshal(ev)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: ev.Kind(), Data: data}, nil
}

func Decode(kind Kind, data json.RawMessage) (Event, error) {
	var ev Event
	switch kind {
	case KindConnected:
		ev = &Connected{}
	case KindTestStarted:
		ev = &TestStarted{}
	case KindPhaseComplete:
		ev = &PhaseComplete{}
	case KindTestCompleted:
		ev = &TestCompleted{}
	case KindError:
		ev = &Error{}
	default:
		return nil, fmt.Errorf("unknown event type %q", kind)
	}
	if len(data) == 0 || string(data) == "null" {
		return ev, nil
	}
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return ev, nil
}

func (e Envelope) Event() (Event, error) {
	return Decode(e.Type, e.Data)
}

// Filter selects event kinds. An empty filter accepts everything.
type Filter map[Kind]struct{}

func NewFilter(kinds ...Kind) Filter {
	if len(kinds) == 0 {
		return nil
	}
	f := make(Filter, len(kinds))
	for _, k := range kinds {
		f[k] = struct{}{}
	}
	return f
}

func (f Filter) Accepts(ev Event) bool {
	if len(f) == 0 {
		return true
	}
	_, ok := f[ev.Kind()]
	return ok
}
