package handlers

import (
	"context"
	"sync"
)

// backlog is an unbounded FIFO between bus callbacks and a pipeline's data
// channel. push never blocks; drain forwards items in order.
type backlog[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newBacklog[T any]() *backlog[T] {
	return &backlog[T]{ready: make(chan struct{}, 1)}
}

// push appends v and returns the number of items waiting.
func (b *backlog[T]) push(v T) int {
	b.mu.Lock()
	b.items = append(b.items, v)
	n := len(b.items)
	b.mu.Unlock()

	select {
	case b.ready <- struct{}{}:
	default:
	}
	return n
}

func (b *backlog[T]) take() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	items := b.items
	b.items = nil
	return items
}

func (b *backlog[T]) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// drain sends queued items to out until ctx is done. Items taken but not
// yet sent when ctx ends are returned.
func (b *backlog[T]) drain(ctx context.Context, out chan<- T) []T {
	for {
		batch := b.take()
		for i, v := range batch {
			select {
			case out <- v:
			case <-ctx.Done():
				return batch[i:]
			}
		}
		select {
		case <-b.ready:
		case <-ctx.Done():
			return b.take()
		}
	}
}
