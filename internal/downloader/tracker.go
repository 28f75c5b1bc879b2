package downloader

import (
	"context"
	"sync"
)

// Tracker counts outstanding tasks and lets callers wait for the count to
// reach zero. It can be drained any number of times.
type Tracker struct {
	mu   sync.Mutex
	n    int
	zero chan struct{} // closed while n == 0
}

func NewTracker() *Tracker {
	zero := make(chan struct{})
	close(zero)
	return &Tracker{zero: zero}
}

// Add adjusts the outstanding count by n. Leaving zero arms a fresh wait
// channel; reaching zero releases every waiter.
func (t *Tracker) Add(n int) {
	if n == 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.n == 0 && n > 0 {
		t.zero = make(chan struct{})
	}
	t.n += n
	if t.n < 0 {
		panic("downloader: negative tracker count")
	}
	if t.n == 0 {
		close(t.zero)
	}
}

func (t *Tracker) Done() { t.Add(-1) }

func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Wait blocks until the count is zero or ctx ends.
func (t *Tracker) Wait(ctx context.Context) error {
	select {
	case <-t.done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Tracker) done() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.zero
}
