// Package testing provides test utilities for nextz-based applications.
//
// It includes a configurable mock receiver, a recording observer, and
// assertion helpers to make testing lazy chains and middleware producers
// easier.
//
// Example usage:
//
//	func TestMyChain(t *testing.T) {
//		mock := nztesting.NewMockReceiver[int](t, "mock-producer").
//			WithValue(42).
//			WithComplete(true)
//
//		node := nextz.NewNext[int]("under-test")
//		node.Produce(mock.Receiver())
//
//		result, err := node.Await(context.Background())
//		if err != nil {
//			t.Fatal(err)
//		}
//		nztesting.AssertCalled(t, mock, 1)
//	}
package testing

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zoobzio/nextz"
)

// MockReceiver provides a configurable mock implementation of
// nextz.Receiver[T]. It tracks calls, allows configuring the emitted value
// or error, and provides assertion helpers for testing chain behavior.
type MockReceiver[T any] struct {
	t           *testing.T
	teardown    nextz.Teardown
	emitErr     error
	lastRequest *nextz.Next[T]
	name        string
	panicMsg    string
	emitValue   T
	delay       time.Duration
	callCount   int64
	mu          sync.RWMutex
	complete    bool
	emit        bool
}

// NewMockReceiver creates a mock receiver that, by default, emits the zero
// value and completes on every call.
func NewMockReceiver[T any](t *testing.T, name string) *MockReceiver[T] {
	return &MockReceiver[T]{
		t:        t,
		name:     name,
		emit:     true,
		complete: true,
	}
}

// WithValue configures the value emitted on each call.
func (m *MockReceiver[T]) WithValue(value T) *MockReceiver[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitValue = value
	m.emit = true
	m.emitErr = nil
	return m
}

// WithError configures the receiver to settle each run with err instead of
// emitting a value.
func (m *MockReceiver[T]) WithError(err error) *MockReceiver[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.emitErr = err
	m.emit = false
	return m
}

// WithComplete configures whether the receiver signals Complete after
// settling. Disabling it reproduces producers that emit a value but never
// announce the run is drained.
func (m *MockReceiver[T]) WithComplete(complete bool) *MockReceiver[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.complete = complete
	return m
}

// WithTeardown configures the teardown returned on each call.
func (m *MockReceiver[T]) WithTeardown(teardown nextz.Teardown) *MockReceiver[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.teardown = teardown
	return m
}

// WithDelay configures a delay before the receiver settles, honoring context
// cancellation. Useful for exercising Await timeouts.
func (m *MockReceiver[T]) WithDelay(d time.Duration) *MockReceiver[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
	return m
}

// WithPanic configures the receiver to panic with msg, for testing the
// engine's panic recovery.
func (m *MockReceiver[T]) WithPanic(msg string) *MockReceiver[T] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.panicMsg = msg
	return m
}

// Receiver returns the nextz.Receiver[T] to attach with Produce.
func (m *MockReceiver[T]) Receiver() nextz.Receiver[T] {
	return func(ctx context.Context, obs nextz.Observer[T], req *nextz.Next[T]) nextz.Teardown {
		atomic.AddInt64(&m.callCount, 1)

		m.mu.Lock()
		m.lastRequest = req
		value := m.emitValue
		emit := m.emit
		emitErr := m.emitErr
		complete := m.complete
		teardown := m.teardown
		delay := m.delay
		panicMsg := m.panicMsg
		m.mu.Unlock()

		if panicMsg != "" {
			panic(panicMsg)
		}

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				obs.Error(ctx.Err())
				return teardown
			}
		}

		if emit {
			obs.Next(value)
		} else {
			obs.Error(emitErr)
		}
		if complete {
			obs.Complete()
		}
		return teardown
	}
}

// CallCount returns the number of production rounds served.
func (m *MockReceiver[T]) CallCount() int {
	return int(atomic.LoadInt64(&m.callCount))
}

// LastRequest returns the request node of the most recent round.
func (m *MockReceiver[T]) LastRequest() *nextz.Next[T] {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastRequest
}

// Reset clears the call count and last request.
func (m *MockReceiver[T]) Reset() {
	atomic.StoreInt64(&m.callCount, 0)
	m.mu.Lock()
	m.lastRequest = nil
	m.mu.Unlock()
}

// RecordingObserver records every Observer call for assertions. It is safe
// for concurrent use.
type RecordingObserver[T any] struct {
	values    []T
	errs      []error
	mu        sync.RWMutex
	completes int
}

// NewRecordingObserver creates an empty recording observer.
func NewRecordingObserver[T any]() *RecordingObserver[T] {
	return &RecordingObserver[T]{}
}

// Next implements nextz.Observer[T].
func (o *RecordingObserver[T]) Next(value T) {
	o.mu.Lock()
	o.values = append(o.values, value)
	o.mu.Unlock()
}

// Error implements nextz.Observer[T].
func (o *RecordingObserver[T]) Error(err error) {
	o.mu.Lock()
	o.errs = append(o.errs, err)
	o.mu.Unlock()
}

// Complete implements nextz.Observer[T].
func (o *RecordingObserver[T]) Complete() {
	o.mu.Lock()
	o.completes++
	o.mu.Unlock()
}

// Values returns a copy of all recorded values.
func (o *RecordingObserver[T]) Values() []T {
	o.mu.RLock()
	defer o.mu.RUnlock()
	values := make([]T, len(o.values))
	copy(values, o.values)
	return values
}

// Errors returns a copy of all recorded errors.
func (o *RecordingObserver[T]) Errors() []error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	errs := make([]error, len(o.errs))
	copy(errs, o.errs)
	return errs
}

// Completes returns how many times Complete was called.
func (o *RecordingObserver[T]) Completes() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.completes
}

// AssertCalled verifies the mock receiver served exactly expected rounds.
func AssertCalled[T any](t *testing.T, mock *MockReceiver[T], expected int) {
	t.Helper()
	if got := mock.CallCount(); got != expected {
		t.Errorf("expected %d receiver calls, got %d", expected, got)
	}
}

// AssertCompleted verifies the observer completed exactly expected times.
func AssertCompleted[T any](t *testing.T, obs *RecordingObserver[T], expected int) {
	t.Helper()
	if got := obs.Completes(); got != expected {
		t.Errorf("expected %d completes, got %d", expected, got)
	}
}
