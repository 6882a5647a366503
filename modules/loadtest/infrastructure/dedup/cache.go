// Package dedup holds the recently-seen caches in front of the phase store.
// A cache only saves round trips: the store's uniqueness check stays the
// source of truth, so losing entries is always safe.
package dedup

import (
	"context"
	"fmt"
)

type Cache interface {
	Seen(ctx context.Context, key string) (bool, error)
	Mark(ctx context.Context, key string) error
}

func PhaseKey(testID string, phase int, userID string) string {
	return fmt.Sprintf("%s:%d:%s", testID, phase, userID)
}

// Nop never remembers anything.
type Nop struct{}

func (Nop) Seen(context.Context, string) (bool, error) { return false, nil }
func (Nop) Mark(context.Context, string) error         { return nil }
