// Package flowcontrol implements the HTTP/2 flow-control window (L6): a
// debit/credit counter with FIFO waiters, used by both the per-connection
// and per-stream send windows in pkg/h2/conn and pkg/h2/stream.
package flowcontrol

import (
	"container/list"
	"sync"

	"github.com/sandboxnet/httpengine/pkg/httperr"
)

// MaxWindowSize is the 2^31-1 ceiling update() must never exceed — a
// FLOW_CONTROL_ERROR in the wire protocol beyond that.
const MaxWindowSize = (1 << 31) - 1

type waiter struct {
	n        int64
	resolved chan error
}

// Window is a single flow-control counter (a connection's or one stream's
// send window). Zero value is not usable; use New.
type Window struct {
	mu        sync.Mutex
	available int64
	waiters   *list.List // of *waiter, FIFO
	cancelled bool
}

// New creates a Window starting at initial bytes available.
func New(initial int64) *Window {
	return &Window{available: initial, waiters: list.New()}
}

// Consume debits n bytes, blocking until enough become available via
// Update, the window is cancelled, or cancelCh fires. n <= 0 returns
// immediately.
func (w *Window) Consume(n int64, cancelCh <-chan struct{}) error {
	if n <= 0 {
		return nil
	}

	w.mu.Lock()
	if w.cancelled {
		w.mu.Unlock()
		return httperr.NewCancelledError("flow_control_window_cancelled")
	}
	if w.available >= n {
		w.available -= n
		w.mu.Unlock()
		return nil
	}

	wt := &waiter{n: n, resolved: make(chan error, 1)}
	el := w.waiters.PushBack(wt)
	w.mu.Unlock()

	select {
	case err := <-wt.resolved:
		return err
	case <-cancelCh:
		w.mu.Lock()
		// Only remove if still queued; Update may have already resolved it
		// concurrently, in which case its result takes precedence.
		select {
		case err := <-wt.resolved:
			w.mu.Unlock()
			return err
		default:
			w.waiters.Remove(el)
			w.mu.Unlock()
			return httperr.NewCancelledError("flow_control_consume")
		}
	}
}

// Update credits inc bytes and drains waiters in FIFO order while the head
// waiter's request fits. A resulting total above MaxWindowSize is a fatal
// overflow.
func (w *Window) Update(inc int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if inc <= 0 {
		return nil
	}
	if w.available+inc > MaxWindowSize {
		return httperr.NewProtocolError("flow-control window overflow", nil)
	}
	w.available += inc
	w.drainLocked()
	return nil
}

// drainLocked resolves waiters from the front of the queue while the
// available balance covers the head request. A waiter is never skipped in
// favor of a later, smaller one.
func (w *Window) drainLocked() {
	for {
		front := w.waiters.Front()
		if front == nil {
			return
		}
		wt := front.Value.(*waiter)
		if w.available < wt.n {
			return
		}
		w.available -= wt.n
		w.waiters.Remove(front)
		wt.resolved <- nil
	}
}

// Reset shifts the available balance by (newInit - oldInit), e.g. when a
// peer's SETTINGS_INITIAL_WINDOW_SIZE changes mid-connection. Waiters are
// drained only when the delta is positive.
func (w *Window) Reset(newInit, oldInit int64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	delta := newInit - oldInit
	if w.available+delta > MaxWindowSize {
		return httperr.NewProtocolError("flow-control window overflow on reset", nil)
	}
	w.available += delta
	if delta > 0 {
		w.drainLocked()
	}
	return nil
}

// Cancel sets a sticky cancelled flag and rejects every queued waiter.
// Subsequent Consume calls fail immediately.
func (w *Window) Cancel() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.cancelled = true
	for {
		front := w.waiters.Front()
		if front == nil {
			break
		}
		wt := front.Value.(*waiter)
		w.waiters.Remove(front)
		wt.resolved <- httperr.NewCancelledError("flow_control_window_cancelled")
	}
}

// Available returns the current uncommitted balance, for diagnostics.
func (w *Window) Available() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.available
}
