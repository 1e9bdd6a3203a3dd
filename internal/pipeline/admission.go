package pipeline

import (
	"context"
	"errors"
	"sync"
)

// ErrBusy is returned when a caller already has a run in flight
var ErrBusy = errors.New("caller already has a run in progress")

// Admission allows at most one concurrent run per caller
type Admission struct {
	mu     sync.Mutex
	active map[string]bool
}

// NewAdmission creates an Admission
func NewAdmission() *Admission {
	return &Admission{active: make(map[string]bool)}
}

// Acquire claims the caller's slot. It fails fast with ErrBusy instead of
// waiting; the returned release func frees the slot.
func (a *Admission) Acquire(caller string) (func(), error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active[caller] {
		return nil, ErrBusy
	}
	a.active[caller] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.active, caller)
			a.mu.Unlock()
		})
	}, nil
}

// Active reports whether caller holds a slot
func (a *Admission) Active(caller string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active[caller]
}

// ErrSerializerStopped is returned by Do once the worker has shut down
var ErrSerializerStopped = errors.New("serializer stopped")

type task struct {
	ctx  context.Context
	fn   func(ctx context.Context) error
	done chan error
}

// Serializer runs submitted work one at a time on a single worker, behind a
// FIFO queue of depth one.
type Serializer struct {
	queue    chan task
	stopped  chan struct{}
	stopOnce sync.Once
}

// NewSerializer creates a Serializer. Run must be started before Do is used.
func NewSerializer() *Serializer {
	return &Serializer{
		queue:   make(chan task, 1),
		stopped: make(chan struct{}),
	}
}

// Run processes queued work until ctx is done. Work still queued at that
// point, and any submitted later, fails with ErrSerializerStopped.
func (s *Serializer) Run(ctx context.Context) {
	defer s.stopOnce.Do(func() { close(s.stopped) })
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-s.queue:
			if err := t.ctx.Err(); err != nil {
				t.done <- err
				continue
			}
			t.done <- t.fn(t.ctx)
		}
	}
}

// Do queues fn and waits for its result. Submitters block while the queue
// slot is taken.
func (s *Serializer) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	select {
	case <-s.stopped:
		return ErrSerializerStopped
	default:
	}

	t := task{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case s.queue <- t:
	case <-s.stopped:
		return ErrSerializerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-t.done:
		return err
	case <-s.stopped:
		// the worker may have finished t just before stopping
		select {
		case err := <-t.done:
			return err
		default:
			return ErrSerializerStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
