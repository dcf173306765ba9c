package nextz

import (
	"context"
	"log/slog"
	"sync"
)

// Deferred is a one-shot, write-once settlement point: a future value plus
// external settle operations. At most one of Resolve/Reject has observable
// effect: whichever is called first wins, regardless of which operation it
// was. Later settlement attempts are logged as warnings and ignored, never
// panic.
//
// Consumers block in Await until settlement; there is no polling. A Deferred
// is created fresh per pending synchronization point and becomes immutable
// once settled.
type Deferred[T any] struct {
	logger  *slog.Logger
	done    chan struct{}
	value   T
	err     error
	mu      sync.Mutex
	settled bool
}

// NewDeferred creates an unsettled Deferred.
func NewDeferred[T any]() *Deferred[T] {
	return &Deferred[T]{
		done:   make(chan struct{}),
		logger: noopLogger,
	}
}

// WithLogger sets the logger used to report redundant settlement attempts.
func (d *Deferred[T]) WithLogger(logger *slog.Logger) *Deferred[T] {
	if logger != nil {
		d.logger = logger
	}
	return d
}

// Resolve settles the deferred with value on first call. It reports whether
// this call performed the settlement; a false return means the deferred was
// already settled and the attempt was ignored.
func (d *Deferred[T]) Resolve(value T) bool {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		d.logger.Warn("deferred already settled, resolve ignored")
		return false
	}
	d.value = value
	d.settled = true
	close(d.done)
	d.mu.Unlock()
	return true
}

// Reject settles the deferred as failed with err on first call, sharing the
// same settled flag with Resolve. It reports whether this call performed the
// settlement.
func (d *Deferred[T]) Reject(err error) bool {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		d.logger.Warn("deferred already settled, reject ignored", "error", err)
		return false
	}
	d.err = err
	d.settled = true
	close(d.done)
	d.mu.Unlock()
	return true
}

// Await blocks until the deferred settles or ctx is canceled. On settlement
// it returns the settled value or the rejection error; on cancellation it
// returns ctx.Err().
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	select {
	case <-d.done:
		return d.value, d.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Done returns a channel closed when the deferred settles.
func (d *Deferred[T]) Done() <-chan struct{} {
	return d.done
}

// Settled reports whether the deferred has been settled.
func (d *Deferred[T]) Settled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled
}

// Value returns the settled value. Only meaningful after Done is closed;
// before settlement it returns the zero value.
func (d *Deferred[T]) Value() T {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.value
}

// Err returns the rejection error, or nil if the deferred resolved or has
// not settled yet.
func (d *Deferred[T]) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.err
}
