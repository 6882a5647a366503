package services

import (
	"context"
	"sync"

	"github.com/loadforge/loadforge/modules/loadtest/domain/entities/loadtest"
)

// Owner is what the sinks and the stream need to know about a test.
type Owner struct {
	UserID      string
	Name        string
	PhaseLength int
}

// OwnerIndex caches test ownership. Entries are filled when a test is started
// and lazily from the repository; the whole index is cleared when it grows
// past its capacity.
type OwnerIndex struct {
	repo     loadtest.Repository
	capacity int

	mu      sync.RWMutex
	entries map[string]Owner
}

func NewOwnerIndex(repo loadtest.Repository, capacity int) *OwnerIndex {
	if capacity <= 0 {
		capacity = 1024
	}
	return &OwnerIndex{
		repo:     repo,
		capacity: capacity,
		entries:  make(map[string]Owner, capacity),
	}
}

func (o *OwnerIndex) Remember(t *loadtest.LoadTest) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.entries) >= o.capacity {
		clear(o.entries)
	}
	o.entries[t.ID] = Owner{UserID: t.UserID, Name: t.Name, PhaseLength: t.PhaseLength}
}

func (o *OwnerIndex) Forget(testID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, testID)
}

// Lookup returns loadtest.ErrNotFound for unknown tests. ctx must carry a
// database pool or transaction for the fallback read.
func (o *OwnerIndex) Lookup(ctx context.Context, testID string) (Owner, error) {
	o.mu.RLock()
	owner, ok := o.entries[testID]
	o.mu.RUnlock()
	if ok {
		return owner, nil
	}

	t, err := o.repo.GetByID(ctx, testID)
	if err != nil {
		return Owner{}, err
	}
	o.Remember(t)
	return Owner{UserID: t.UserID, Name: t.Name, PhaseLength: t.PhaseLength}, nil
}
