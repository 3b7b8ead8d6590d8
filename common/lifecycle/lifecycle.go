// Package lifecycle gives background loops the blocking Start / idempotent Close shape the service registry expects.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrAlreadyStarted = errors.New("already started")

// Runner owns the context of one background routine.
type Runner struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	closed bool
}

// Run blocks in fn until Close is called or fn returns. Run after Close returns immediately.
func (r *Runner) Run(fn func(ctx context.Context) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	if r.cancel != nil {
		r.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	defer close(r.done)
	defer cancel()

	err := fn(ctx)
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// Close cancels the routine and waits for it to return. It is safe to call more than once.
func (r *Runner) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
	return nil
}

// Every calls fn immediately and then every interval until ctx is done. Errors from fn do not stop the loop;
// onErr receives them.
func Every(ctx context.Context, interval time.Duration, fn func(ctx context.Context) error, onErr func(error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := fn(ctx); err != nil && ctx.Err() == nil && onErr != nil {
			onErr(err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
