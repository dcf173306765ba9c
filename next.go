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

// Observability constants for Next.
const (
	// Metrics.
	NextRunsTotal         = metricz.Key("next.runs.total")
	NextSuccessesTotal    = metricz.Key("next.successes.total")
	NextFailuresTotal     = metricz.Key("next.failures.total")
	NextRedispatchesTotal = metricz.Key("next.redispatches.total")
	NextRunDurationMs     = metricz.Key("next.run.duration.ms")

	// Spans.
	NextRunSpan        = tracez.Key("next.run")
	NextRedispatchSpan = tracez.Key("next.redispatch")

	// Tags.
	NextTagRequest = tracez.Tag("next.request")
	NextTagSuccess = tracez.Tag("next.success")
	NextTagError   = tracez.Tag("next.error")

	// Hook event keys.
	NextEventRunComplete   = hookz.Key("next.run_complete")
	NextEventRedispatch    = hookz.Key("next.redispatch")
	NextEventReceiverPanic = hookz.Key("next.receiver_panic")
)

// NextEvent represents a production run event. It is emitted via hookz when
// a run settles, when a handler result is re-dispatched as a sub-request,
// and when a receiver panic is recovered.
type NextEvent struct {
	Err       error         // Error the run settled with, if any
	Panic     any           // Recovered value (receiver_panic only)
	Name      Name          // Node the run was dispatched through
	Request   Name          // Request node of this round
	Duration  time.Duration // How long the round took (run_complete only)
	Timestamp time.Time     // When the event occurred
	Success   bool          // Whether the round settled successfully
}

// operator is the accumulated transformation pipeline threaded through
// chained nodes. Each Chain call wraps the parent's operator; a node with a
// nil operator is a root whose value comes straight from the receiver.
// dispatch re-enters the still-pending producer for a Pending outcome.
type operator[T any] func(ctx context.Context, value T, err error, dispatch dispatchFunc[T]) (T, error)

// dispatchFunc resolves a sub-request against the producer of the current
// production run.
type dispatchFunc[T any] func(ctx context.Context, sub *Next[T]) (T, error)

// Next is an immutable lazy composition unit: "produce a value, then
// optionally transform it". Chain never mutates the receiver node: it
// returns an independent clone carrying a wrapped operator and a fresh,
// unattached producer slot. Nothing executes until a consumer calls Await
// (or drives ProduceNext directly).
//
// A node's producer slot is write-once: attaching a second producer panics.
// Attaching a producer never starts execution.
//
// # Observability
//
// Each node carries a per-instance metrics registry, tracer, and hooks:
//
// Metrics:
//   - next.runs.total: Counter of production rounds
//   - next.successes.total: Counter of rounds settled with a value
//   - next.failures.total: Counter of rounds settled with an error
//   - next.redispatches.total: Counter of sub-chain re-dispatch rounds
//   - next.run.duration.ms: Gauge of last round duration
//
// Traces:
//   - next.run: Span per production round
//   - next.redispatch: Child span per sub-chain round
//
// Events (via hooks):
//   - next.run_complete: Fired as each round settles
//   - next.redispatch: Fired when a Pending outcome re-enters the producer
//   - next.receiver_panic: Fired when a receiver panic is recovered
type Next[T any] struct {
	op       operator[T]
	receiver *Deferred[Receiver[T]]
	run      *Deferred[T]
	factory  CloneFactory[T]
	logger   *slog.Logger
	clock    clockz.Clock
	metrics  *metricz.Registry
	tracer   *tracez.Tracer
	hooks    *hookz.Hooks[NextEvent]
	name     Name
	mu       sync.Mutex
	runOnce  sync.Once
	produced bool
	shared   bool
}

// NewNext creates a root node. Its value, once a producer is attached and a
// consumer awaits, is produced directly by the receiver.
func NewNext[T any](name Name) *Next[T] {
	metrics := metricz.New()
	metrics.Counter(NextRunsTotal)
	metrics.Counter(NextSuccessesTotal)
	metrics.Counter(NextFailuresTotal)
	metrics.Counter(NextRedispatchesTotal)
	metrics.Gauge(NextRunDurationMs)

	return &Next[T]{
		name:     name,
		receiver: NewDeferred[Receiver[T]](),
		logger:   noopLogger,
		metrics:  metrics,
		tracer:   tracez.New(),
		hooks:    hookz.New[NextEvent](),
	}
}

// WithLogger sets the structured logger for this node. Clones created by
// Chain and Share inherit it.
func (n *Next[T]) WithLogger(logger *slog.Logger) *Next[T] {
	if logger != nil {
		n.logger = logger
	}
	return n
}

// WithClock sets the clock used for event timestamps and durations.
// Defaults to the real clock.
func (n *Next[T]) WithClock(clock clockz.Clock) *Next[T] {
	n.clock = clock
	return n
}

// WithCloneFactory sets the factory used to allocate clones. Specialized
// request families use this to keep their configuration across Chain, Share,
// and lift instead of subclassing.
func (n *Next[T]) WithCloneFactory(factory CloneFactory[T]) *Next[T] {
	n.factory = factory
	return n
}

// getClock returns the clock to use.
func (n *Next[T]) getClock() clockz.Clock {
	if n.clock == nil {
		return clockz.RealClock
	}
	return n.clock
}

// Name returns the name of this node.
func (n *Next[T]) Name() Name {
	return n.name
}

// Produced reports whether a producer has been attached to this node.
func (n *Next[T]) Produced() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.produced
}

// lift clones this node. The clone carries op when non-nil, otherwise the
// caller's already-registered operator, and always starts with a fresh,
// unattached producer slot. When a clone factory is configured it allocates
// the base node, preserving the family's configuration.
func (n *Next[T]) lift(op operator[T]) *Next[T] {
	var c *Next[T]
	if n.factory != nil {
		c = n.factory(n)
	} else {
		c = NewNext[T](n.name)
		c.logger = n.logger
		c.clock = n.clock
	}
	c.factory = n.factory
	if op != nil {
		c.op = op
	} else {
		c.op = n.op
	}
	return c
}

// Chain returns a new node that, when eventually produced, first produces
// this node's value and then applies the given handlers: onSuccess on a
// successful value, onFailure on a failed one (recovering the chain). A nil
// handler passes the value or failure through unchanged. A Pending outcome
// is re-dispatched to the same still-pending producer and that round's
// result supersedes the outer value.
//
// Chain never mutates this node.
func (n *Next[T]) Chain(onSuccess SuccessHandler[T], onFailure FailureHandler[T]) *Next[T] {
	parent := n.op
	logger := n.logger
	op := func(ctx context.Context, value T, err error, dispatch dispatchFunc[T]) (T, error) {
		if parent != nil {
			value, err = parent(ctx, value, err, dispatch)
		}
		var out Outcome[T]
		var herr error
		switch {
		case err == nil && onSuccess != nil:
			out, herr = applyHandler(ctx, logger, func(hctx context.Context) (Outcome[T], error) {
				return onSuccess(hctx, value)
			})
		case err != nil && onFailure != nil:
			out, herr = applyHandler(ctx, logger, func(hctx context.Context) (Outcome[T], error) {
				return onFailure(hctx, err)
			})
		default:
			return value, err
		}
		if herr != nil {
			var zero T
			return zero, herr
		}
		if out.IsPending() {
			return dispatch(ctx, out.Sub())
		}
		return out.Value(), nil
	}
	return n.lift(op)
}

// Produce attaches a producer to this node. The producer slot is write-once:
// a second attachment on the same node instance panics, and the first
// producer remains active. Attaching a producer never itself starts
// execution. Production is demand-driven, triggered by Await or an external
// driver using ProduceNext.
func (n *Next[T]) Produce(receiver Receiver[T]) {
	if receiver == nil {
		n.logger.Error("nil receiver attached", "node", n.name)
		panic("Produce requires a non-nil receiver")
	}
	n.mu.Lock()
	if n.produced {
		n.mu.Unlock()
		n.logger.Error("producer already attached", "node", n.name)
		panic("Produce called twice on the same node")
	}
	n.produced = true
	n.mu.Unlock()
	n.receiver.Resolve(receiver)
}

// Share returns a node in multicast mode: the first Await's run result is
// cached and replayed to every later Await caller, converting the otherwise
// unicast chain into a multicast one. Calling Share on an already-shared
// node returns it unchanged. The clone has a fresh producer slot.
func (n *Next[T]) Share() *Next[T] {
	if n.shared {
		return n
	}
	c := n.lift(nil)
	c.shared = true
	c.run = NewDeferred[T]().WithLogger(c.logger)
	return c
}

// Await resolves this node to a value: it waits for a producer to be
// attached, invokes the full operator pipeline rooted at this node against
// that producer, and waits for the run's Complete signal before returning
// the settled value. On a shared node the first call's run is cached and
// replayed to all callers; the cached run is detached from any single
// caller's cancellation, so a canceled consumer only abandons its own wait.
// On a non-shared node every call is a fully independent run with
// independent side effects.
//
// An Observer.Error settlement returns exactly that error, after the
// captured teardown has run, without waiting for Complete. A run that emits
// a value but never completes blocks until ctx is canceled; that is a
// producer contract violation, not engine responsibility.
func (n *Next[T]) Await(ctx context.Context) (T, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if n.shared {
		n.runOnce.Do(func() {
			// The cached run is detached from the triggering caller's
			// cancellation: an abandoned first consumer must not poison the
			// cache for everyone else. Context values still flow through.
			runCtx := context.WithoutCancel(ctx)
			go func() {
				value, err := n.runProduction(runCtx)
				if err != nil {
					n.run.Reject(err)
					return
				}
				n.run.Resolve(value)
			}()
		})
		return n.run.Await(ctx)
	}
	return n.runProduction(ctx)
}

// runProduction performs one full production run rooted at this node.
func (n *Next[T]) runProduction(ctx context.Context) (T, error) {
	receiver, err := n.receiver.Await(ctx)
	if err != nil {
		var zero T
		return zero, err
	}

	completed := make(chan struct{})
	value, err := n.ProduceNext(ctx, receiver, n, func() { close(completed) })
	if err != nil {
		var zero T
		return zero, err
	}

	// Value settlement and the completion signal are deliberately decoupled:
	// the run is only drained once the observer completes.
	select {
	case <-completed:
		return value, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// ProduceNext is the core dispatch primitive. It creates a fresh Observer
// bound to a new Deferred, invokes the receiver with it and req (this node
// when req is nil), captures the optional teardown, awaits settlement, and
// pipes the settled result through req's operator, including nested
// re-dispatch rounds for Pending outcomes, before returning. The captured
// teardown runs exactly once, whatever the outcome.
//
// A panic inside the receiver call is recovered and logged, never
// propagated; the round then only settles if another path settles it.
// onComplete, when non-nil, is invoked once the observer's Complete fires.
func (n *Next[T]) ProduceNext(ctx context.Context, receiver Receiver[T], req *Next[T], onComplete func()) (result T, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if req == nil {
		req = n
	}

	clock := n.getClock()
	start := clock.Now()
	n.metrics.Counter(NextRunsTotal).Inc()

	runCtx, span := n.tracer.StartSpan(ctx, NextRunSpan)
	span.SetTag(NextTagRequest, string(req.name))
	defer func() {
		elapsed := clock.Since(start)
		n.metrics.Gauge(NextRunDurationMs).Set(float64(elapsed.Milliseconds()))
		if err == nil {
			n.metrics.Counter(NextSuccessesTotal).Inc()
			span.SetTag(NextTagSuccess, "true")
		} else {
			n.metrics.Counter(NextFailuresTotal).Inc()
			span.SetTag(NextTagSuccess, "false")
			span.SetTag(NextTagError, err.Error())
		}
		span.Finish()

		_ = n.hooks.Emit(ctx, NextEventRunComplete, NextEvent{ //nolint:errcheck
			Name:      n.name,
			Request:   req.name,
			Success:   err == nil,
			Err:       err,
			Duration:  elapsed,
			Timestamp: clock.Now(),
		})
	}()

	settle := NewDeferred[T]().WithLogger(n.logger)
	obs := &runObserver[T]{settle: settle, onComplete: onComplete}

	teardown := n.invokeReceiver(runCtx, receiver, obs, req)
	defer func() {
		if teardown != nil {
			runTeardown(teardown, n.logger)
		}
	}()

	result, err = settle.Await(runCtx)
	if req.op != nil {
		result, err = req.op(runCtx, result, err, n.redispatch(receiver))
	}
	return result, err
}

// redispatch returns the dispatch function handed to operators: it resolves
// a Pending outcome's sub-request against the same still-pending producer.
// Rounds are causally ordered: a re-dispatch never starts before the
// previous round's value or error has settled.
func (n *Next[T]) redispatch(receiver Receiver[T]) dispatchFunc[T] {
	return func(ctx context.Context, sub *Next[T]) (T, error) {
		n.metrics.Counter(NextRedispatchesTotal).Inc()

		subCtx, span := n.tracer.StartSpan(ctx, NextRedispatchSpan)
		span.SetTag(NextTagRequest, string(sub.name))
		value, err := n.ProduceNext(subCtx, receiver, sub, nil)
		if err != nil {
			span.SetTag(NextTagError, err.Error())
		}
		span.Finish()

		_ = n.hooks.Emit(ctx, NextEventRedispatch, NextEvent{ //nolint:errcheck
			Name:      n.name,
			Request:   sub.name,
			Success:   err == nil,
			Err:       err,
			Timestamp: n.getClock().Now(),
		})
		return value, err
	}
}

// invokeReceiver calls the receiver, recovering and logging any panic from
// the call itself so it never reaches the consumer.
func (n *Next[T]) invokeReceiver(ctx context.Context, receiver Receiver[T], obs Observer[T], req *Next[T]) (teardown Teardown) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.Warn("receiver panicked", "node", n.name, "request", req.name, "panic", r)
			_ = n.hooks.Emit(ctx, NextEventReceiverPanic, NextEvent{ //nolint:errcheck
				Name:      n.name,
				Request:   req.name,
				Panic:     r,
				Timestamp: n.getClock().Now(),
			})
		}
	}()
	return receiver(ctx, obs, req)
}

// Metrics returns the metrics registry for this node.
func (n *Next[T]) Metrics() *metricz.Registry {
	return n.metrics
}

// Tracer returns the tracer for this node.
func (n *Next[T]) Tracer() *tracez.Tracer {
	return n.tracer
}

// Close gracefully shuts down observability components.
func (n *Next[T]) Close() error {
	if n.tracer != nil {
		n.tracer.Close()
	}
	n.hooks.Close()
	return nil
}

// OnRunComplete registers a handler fired as each production round settles.
func (n *Next[T]) OnRunComplete(handler func(context.Context, NextEvent) error) error {
	_, err := n.hooks.Hook(NextEventRunComplete, handler)
	return err
}

// OnRedispatch registers a handler fired when a Pending outcome re-enters
// the producer for another round.
func (n *Next[T]) OnRedispatch(handler func(context.Context, NextEvent) error) error {
	_, err := n.hooks.Hook(NextEventRedispatch, handler)
	return err
}

// OnReceiverPanic registers a handler fired when a receiver panic is
// recovered.
func (n *Next[T]) OnReceiverPanic(handler func(context.Context, NextEvent) error) error {
	_, err := n.hooks.Hook(NextEventReceiverPanic, handler)
	return err
}

// runObserver is the one-shot settlement capability handed to a receiver for
// a single production round.
type runObserver[T any] struct {
	settle     *Deferred[T]
	onComplete func()
	once       sync.Once
}

func (o *runObserver[T]) Next(value T) {
	o.settle.Resolve(value)
}

func (o *runObserver[T]) Error(err error) {
	o.settle.Reject(err)
}

func (o *runObserver[T]) Complete() {
	o.once.Do(func() {
		if o.onComplete != nil {
			o.onComplete()
		}
	})
}

// applyHandler invokes a chain handler, converting a panic into a chain
// failure so a downstream FailureHandler can still observe it.
func applyHandler[T any](ctx context.Context, logger *slog.Logger, fn func(context.Context) (Outcome[T], error)) (out Outcome[T], err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("chain handler panicked", "panic", r)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx)
}

// runTeardown invokes a teardown, recovering and logging any panic so
// cleanup failures never halt the caller.
func runTeardown(teardown Teardown, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("teardown panicked", "panic", r)
		}
	}()
	teardown()
}
