package dedup

import (
	"context"
	"sync"
)

// Memory is a bounded set that is cleared wholesale once it reaches capacity.
type Memory struct {
	mu       sync.Mutex
	capacity int
	keys     map[string]struct{}
}

// NewMemory returns a Memory holding at most capacity keys. A capacity of zero
// yields a cache that never reports a hit.
func NewMemory(capacity int) *Memory {
	if capacity < 0 {
		capacity = 0
	}
	return &Memory{
		capacity: capacity,
		keys:     make(map[string]struct{}, capacity),
	}
}

func (m *Memory) Seen(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.keys[key]
	return ok, nil
}

func (m *Memory) Mark(_ context.Context, key string) error {
	if m.capacity == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.keys[key]; ok {
		return nil
	}
	if len(m.keys) >= m.capacity {
		clear(m.keys)
	}
	m.keys[key] = struct{}{}
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.keys)
}
