package nextz

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the Dispatcher.
const (
	// Metrics.
	DispatcherRunsTotal      = metricz.Key("dispatcher.runs.total")
	DispatcherStepsTotal     = metricz.Key("dispatcher.steps.total")
	DispatcherErrorsTotal    = metricz.Key("dispatcher.errors.total")
	DispatcherTeardownsTotal = metricz.Key("dispatcher.teardowns.total")
	DispatcherDurationMs     = metricz.Key("dispatcher.duration.ms")

	// Spans.
	DispatcherHandleSpan = tracez.Key("dispatcher.handle")

	// Tags.
	DispatcherTagHandlers   = tracez.Tag("dispatcher.handlers")
	DispatcherTagErrorTrack = tracez.Tag("dispatcher.error_track")

	// Hook event keys.
	DispatchEventStepComplete  = hookz.Key("dispatcher.step_complete")
	DispatchEventErrorTrack    = hookz.Key("dispatcher.error_track")
	DispatchEventTeardownPanic = hookz.Key("dispatcher.teardown_panic")
)

// DispatchEvent represents a dispatcher run event, emitted via hookz as
// handlers execute, when a run switches onto the error track, and when a
// teardown panic is recovered.
type DispatchEvent struct {
	Err        error         // Current error of the run, if any
	Panic      any           // Recovered value (teardown_panic only)
	Name       Name          // Dispatcher name
	Step       int           // Handler index on its track (0-based)
	Duration   time.Duration // How long the handler ran (step_complete only)
	Timestamp  time.Time     // When the event occurred
	ErrorTrack bool          // Whether the step ran on the error track
}

// Dispatcher is an ordered middleware pipeline with a distinct error-handler
// track. Handlers are registered explicitly as normal (Use) or error
// (UseError) middleware and accumulate for the dispatcher's whole lifetime.
//
// Each Handle call drives a single request through the handlers with
// chain-of-responsibility semantics: handlers run strictly in registration
// order, next(nil) advances, and next(err) switches the run permanently onto
// the error track. Handle snapshots both handler lists at call time, so
// handlers registered after a run started never affect that run. The lists
// are append-only and safely shared between concurrent registration and
// execution.
//
// # Observability
//
// Metrics:
//   - dispatcher.runs.total: Counter of Handle calls
//   - dispatcher.steps.total: Counter of handler invocations
//   - dispatcher.errors.total: Counter of error-track switches
//   - dispatcher.teardowns.total: Counter of collected teardowns
//   - dispatcher.duration.ms: Gauge of last synchronous dispatch duration
//
// Traces:
//   - dispatcher.handle: Span per Handle call
//
// Events (via hooks):
//   - dispatcher.step_complete: Fired as each handler returns
//   - dispatcher.error_track: Fired when next(err) switches the track
//   - dispatcher.teardown_panic: Fired when a teardown panic is recovered
type Dispatcher[Req, Res any] struct {
	logger      *slog.Logger
	clock       clockz.Clock
	metrics     *metricz.Registry
	tracer      *tracez.Tracer
	hooks       *hookz.Hooks[DispatchEvent]
	handlers    []Middleware[Req, Res]
	errHandlers []ErrorMiddleware[Req, Res]
	name        Name
	mu          sync.RWMutex
}

// NewDispatcher creates an empty Dispatcher. At least one normal handler
// must be registered before Handle is called.
func NewDispatcher[Req, Res any](name Name) *Dispatcher[Req, Res] {
	metrics := metricz.New()
	metrics.Counter(DispatcherRunsTotal)
	metrics.Counter(DispatcherStepsTotal)
	metrics.Counter(DispatcherErrorsTotal)
	metrics.Counter(DispatcherTeardownsTotal)
	metrics.Gauge(DispatcherDurationMs)

	return &Dispatcher[Req, Res]{
		name:    name,
		logger:  noopLogger,
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[DispatchEvent](),
	}
}

// WithLogger sets the structured logger for this dispatcher.
func (d *Dispatcher[Req, Res]) WithLogger(logger *slog.Logger) *Dispatcher[Req, Res] {
	if logger != nil {
		d.logger = logger
	}
	return d
}

// WithClock sets the clock used for event timestamps and durations.
// Defaults to the real clock.
func (d *Dispatcher[Req, Res]) WithClock(clock clockz.Clock) *Dispatcher[Req, Res] {
	d.clock = clock
	return d
}

// getClock returns the clock to use.
func (d *Dispatcher[Req, Res]) getClock() clockz.Clock {
	if d.clock == nil {
		return clockz.RealClock
	}
	return d.clock
}

// Name returns the name of this dispatcher.
func (d *Dispatcher[Req, Res]) Name() Name {
	return d.name
}

// Use appends normal handlers in registration order. A nil handler is an
// invalid-middleware usage error: it is logged and then panics. Returns the
// dispatcher for chaining. Registration never affects in-flight runs.
func (d *Dispatcher[Req, Res]) Use(handlers ...Middleware[Req, Res]) *Dispatcher[Req, Res] {
	for _, h := range handlers {
		if h == nil {
			d.logger.Error("nil middleware registered", "dispatcher", d.name)
			panic("nil middleware passed to Use")
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers = append(d.handlers, handlers...)
	return d
}

// UseError appends error handlers in registration order. A nil handler is
// logged and then panics. Returns the dispatcher for chaining.
func (d *Dispatcher[Req, Res]) UseError(handlers ...ErrorMiddleware[Req, Res]) *Dispatcher[Req, Res] {
	for _, h := range handlers {
		if h == nil {
			d.logger.Error("nil error middleware registered", "dispatcher", d.name)
			panic("nil middleware passed to UseError")
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errHandlers = append(d.errHandlers, handlers...)
	return d
}

// Handlers returns the number of registered normal handlers.
func (d *Dispatcher[Req, Res]) Handlers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// ErrorHandlers returns the number of registered error handlers.
func (d *Dispatcher[Req, Res]) ErrorHandlers() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.errHandlers)
}

// Handle drives one request through the registered handlers. It panics if no
// normal handler has ever been registered (logged first).
//
// The run owns an immutable snapshot of both handler lists, each with an
// implicit terminal no-op sentinel appended so dispatch beyond the last real
// handler is a safe close. Teardowns returned by handlers are collected in
// call order; when any were collected by the time the first dispatch
// returns, Handle returns a closure draining them one at a time from the
// front of the list, front-to-back rather than reverse. A teardown panic is
// recovered and logged, and draining proceeds with the rest. When nothing
// was collected, Handle returns nil: the run is already fully closed.
func (d *Dispatcher[Req, Res]) Handle(ctx context.Context, req Req, res Res) Teardown {
	if ctx == nil {
		ctx = context.Background()
	}

	d.mu.RLock()
	handlers := make([]Middleware[Req, Res], len(d.handlers), len(d.handlers)+1)
	copy(handlers, d.handlers)
	errHandlers := make([]ErrorMiddleware[Req, Res], len(d.errHandlers), len(d.errHandlers)+1)
	copy(errHandlers, d.errHandlers)
	d.mu.RUnlock()

	if len(handlers) == 0 {
		d.logger.Error("Handle called with no middleware registered", "dispatcher", d.name)
		panic("Handle called before any middleware was registered")
	}

	// Terminal sentinels: dispatching past the last real handler is a no-op.
	handlers = append(handlers, func(context.Context, Req, Res, NextFunc) Teardown { return nil })
	errHandlers = append(errHandlers, func(context.Context, error, Req, Res, NextFunc) Teardown { return nil })

	clock := d.getClock()
	start := clock.Now()
	d.metrics.Counter(DispatcherRunsTotal).Inc()

	runCtx, span := d.tracer.StartSpan(ctx, DispatcherHandleSpan)
	span.SetTag(DispatcherTagHandlers, fmt.Sprintf("%d", len(handlers)-1))

	run := &dispatchRun[Req, Res]{
		d:           d,
		handlers:    handlers,
		errHandlers: errHandlers,
	}
	run.step(runCtx, req, res)

	run.mu.Lock()
	collected := len(run.teardowns)
	onErrorTrack := run.errorTrack
	run.mu.Unlock()

	elapsed := clock.Since(start)
	d.metrics.Gauge(DispatcherDurationMs).Set(float64(elapsed.Milliseconds()))
	if onErrorTrack {
		span.SetTag(DispatcherTagErrorTrack, "true")
	} else {
		span.SetTag(DispatcherTagErrorTrack, "false")
	}
	span.Finish()

	if collected == 0 {
		return nil
	}
	return func() { run.drain(ctx) }
}

// OnStepComplete registers a handler fired as each middleware returns.
func (d *Dispatcher[Req, Res]) OnStepComplete(handler func(context.Context, DispatchEvent) error) error {
	_, err := d.hooks.Hook(DispatchEventStepComplete, handler)
	return err
}

// OnErrorTrack registers a handler fired when next(err) switches a run onto
// the error track or replaces the current error.
func (d *Dispatcher[Req, Res]) OnErrorTrack(handler func(context.Context, DispatchEvent) error) error {
	_, err := d.hooks.Hook(DispatchEventErrorTrack, handler)
	return err
}

// OnTeardownPanic registers a handler fired when a teardown panic is
// recovered during draining.
func (d *Dispatcher[Req, Res]) OnTeardownPanic(handler func(context.Context, DispatchEvent) error) error {
	_, err := d.hooks.Hook(DispatchEventTeardownPanic, handler)
	return err
}

// Metrics returns the metrics registry for this dispatcher.
func (d *Dispatcher[Req, Res]) Metrics() *metricz.Registry {
	return d.metrics
}

// Tracer returns the tracer for this dispatcher.
func (d *Dispatcher[Req, Res]) Tracer() *tracez.Tracer {
	return d.tracer
}

// Close gracefully shuts down observability components.
func (d *Dispatcher[Req, Res]) Close() error {
	if d.tracer != nil {
		d.tracer.Close()
	}
	d.hooks.Close()
	return nil
}

// dispatchRun holds the private state of a single Handle call: the handler
// snapshots, the shared cursor pair, the current-error slot, and the
// collected teardowns. Two runs never share cursors.
type dispatchRun[Req, Res any] struct {
	d           *Dispatcher[Req, Res]
	current     error
	handlers    []Middleware[Req, Res]
	errHandlers []ErrorMiddleware[Req, Res]
	teardowns   []Teardown
	normalIdx   int
	errIdx      int
	mu          sync.Mutex
	errorTrack  bool
}

// next returns the continuation handed to handlers. A non-nil error becomes
// (or replaces) the current error, permanently switching dispatch to the
// error track for the remainder of the run. A nil error on the error track
// keeps the previous current error.
func (r *dispatchRun[Req, Res]) next(ctx context.Context, req Req, res Res) NextFunc {
	return func(err error) {
		if err != nil {
			r.mu.Lock()
			r.current = err
			r.errorTrack = true
			r.mu.Unlock()

			r.d.metrics.Counter(DispatcherErrorsTotal).Inc()
			_ = r.d.hooks.Emit(ctx, DispatchEventErrorTrack, DispatchEvent{ //nolint:errcheck
				Name:       r.d.name,
				Err:        err,
				ErrorTrack: true,
				Timestamp:  r.d.getClock().Now(),
			})
		}
		r.step(ctx, req, res)
	}
}

// step invokes the next handler on the current track. The run mutex is never
// held across a handler call, so a handler may call next synchronously.
func (r *dispatchRun[Req, Res]) step(ctx context.Context, req Req, res Res) {
	clock := r.d.getClock()

	r.mu.Lock()
	onErrorTrack := r.errorTrack
	var idx int
	var handler Middleware[Req, Res]
	var errHandler ErrorMiddleware[Req, Res]
	var current error
	if onErrorTrack {
		if r.errIdx >= len(r.errHandlers) {
			r.mu.Unlock()
			return
		}
		idx = r.errIdx
		errHandler = r.errHandlers[idx]
		current = r.current
		r.errIdx++
	} else {
		if r.normalIdx >= len(r.handlers) {
			r.mu.Unlock()
			return
		}
		idx = r.normalIdx
		handler = r.handlers[idx]
		r.normalIdx++
	}
	r.mu.Unlock()

	r.d.metrics.Counter(DispatcherStepsTotal).Inc()
	start := clock.Now()

	var teardown Teardown
	if onErrorTrack {
		teardown = errHandler(ctx, current, req, res, r.next(ctx, req, res))
	} else {
		teardown = handler(ctx, req, res, r.next(ctx, req, res))
	}

	if teardown != nil {
		r.mu.Lock()
		r.teardowns = append(r.teardowns, teardown)
		r.mu.Unlock()
		r.d.metrics.Counter(DispatcherTeardownsTotal).Inc()
	}

	_ = r.d.hooks.Emit(ctx, DispatchEventStepComplete, DispatchEvent{ //nolint:errcheck
		Name:       r.d.name,
		Step:       idx,
		ErrorTrack: onErrorTrack,
		Err:        current,
		Duration:   clock.Since(start),
		Timestamp:  clock.Now(),
	})
}

// drain pops and runs teardowns one at a time from the front of the list,
// in the order they were collected. A panicking teardown is recovered and
// logged, and draining continues with the next one.
func (r *dispatchRun[Req, Res]) drain(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.teardowns) == 0 {
			r.mu.Unlock()
			return
		}
		teardown := r.teardowns[0]
		r.teardowns = r.teardowns[1:]
		r.mu.Unlock()

		func() {
			defer func() {
				if rec := recover(); rec != nil {
					r.d.logger.Warn("teardown panicked", "dispatcher", r.d.name, "panic", rec)
					_ = r.d.hooks.Emit(ctx, DispatchEventTeardownPanic, DispatchEvent{ //nolint:errcheck
						Name:      r.d.name,
						Panic:     rec,
						Timestamp: r.d.getClock().Now(),
					})
				}
			}()
			teardown()
		}()
	}
}

// AsReceiver bridges a Dispatcher into a chain-node producer: the request is
// the node that asked for production and the response is the run's Observer.
// The teardown Handle collected, if any, becomes the receiver's teardown and
// so runs once the chain round settles.
func AsReceiver[T any](d *Dispatcher[*Next[T], Observer[T]]) Receiver[T] {
	return func(ctx context.Context, obs Observer[T], req *Next[T]) Teardown {
		return d.Handle(ctx, req, obs)
	}
}
