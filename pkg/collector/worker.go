package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Handle controls one background worker goroutine. Stop cancels the worker's
// context and returns immediately; the worker is considered dead from that
// moment even if its goroutine is still unwinding.
type Handle struct {
	name    string
	cancel  context.CancelFunc
	done    chan struct{}
	stopped atomic.Bool

	mu  sync.Mutex
	err error
}

// StartWorker runs fn in a new goroutine under a child context of parent
func StartWorker(parent context.Context, name string, fn func(ctx context.Context) error) *Handle {
	ctx, cancel := context.WithCancel(parent)
	h := &Handle{name: name, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		err := fn(ctx)
		h.mu.Lock()
		h.err = err
		h.mu.Unlock()
	}()
	return h
}

// Name returns the worker label
func (h *Handle) Name() string { return h.name }

// Alive reports whether the worker is running and has not been stopped.
// A nil handle is not alive.
func (h *Handle) Alive() bool {
	if h == nil || h.stopped.Load() {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

// Crashed reports whether the worker exited without being stopped
func (h *Handle) Crashed() bool {
	if h == nil || h.stopped.Load() {
		return false
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Exited reports whether the goroutine has returned. A nil handle has exited.
func (h *Handle) Exited() bool {
	if h == nil {
		return true
	}
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Stop cancels the worker without waiting for it
func (h *Handle) Stop() {
	if h == nil {
		return
	}
	h.stopped.Store(true)
	h.cancel()
}

// Done is closed when the goroutine returns
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the worker's exit error once it has exited
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// sleepCtx waits for d or until ctx is done
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
