// Package nextz provides lazy, composable request chains over a deferred
// producer/consumer protocol, together with a generic middleware dispatcher
// that can serve as the producer for such chains.
//
// # Overview
//
// nextz is built around two engines:
//
//   - Next[T]: an immutable, lazily-executed chain of transformations over a
//     value that does not exist yet. Chaining never mutates a node; each
//     Chain call returns a new node. Nothing runs until a consumer calls
//     Await, at which point the node pulls its attached producer, hands it a
//     fresh Observer, and resolves the chain, including any sub-chains
//     returned by handlers along the way.
//   - Dispatcher[Req, Res]: an ordered middleware pipeline with a separate
//     error-handler track, chain-of-responsibility dispatch, and teardown
//     collection. A Dispatcher can be bridged into a chain producer with
//     AsReceiver.
//
// The support type Deferred[T] is a one-shot, write-once settlement point:
// first Resolve or Reject wins, later settlements are logged and ignored.
//
// # Quick Start
//
//	node := nextz.NewNext[int]("prices")
//	node.Produce(func(_ context.Context, obs nextz.Observer[int], _ *nextz.Next[int]) nextz.Teardown {
//	    obs.Next(41)
//	    obs.Complete()
//	    return nil
//	})
//
//	answer := node.Chain(nextz.Map(func(_ context.Context, v int) int {
//	    return v + 1
//	}), nil)
//
//	result, err := answer.Await(context.Background())
//	// result: 42, err: nil
//
// Handlers return an Outcome[T]: either Settled with a final value, or
// Pending with a further *Next[T] that the engine re-dispatches to the same
// producer before adopting its result. The adapters in adapt.go (Map, Try,
// Sub, Recover, RecoverSub) wrap plain functions into handlers so most code
// never builds an Outcome by hand.
//
// # Middleware
//
//	d := nextz.NewDispatcher[*http.Request, http.ResponseWriter]("api")
//	d.Use(logRequest, authenticate, serve)
//	d.UseError(renderError)
//
//	teardown := d.Handle(ctx, req, w)
//	if teardown != nil {
//	    teardown()
//	}
//
// Handlers run strictly in registration order. Calling next(nil) advances to
// the following handler; calling next(err) switches the run permanently onto
// the error track, where error handlers run in their own registration order
// with the current error. Each Handle call snapshots the handler lists, so
// registrations made after a run started never affect that run. Teardowns
// returned by handlers are collected in call order and drained front-to-back
// by the closure Handle returns.
//
// # Laziness and Multicast
//
// Attaching a producer with Produce never starts execution. Every Await on a
// non-shared node triggers an independent production run with independent
// side effects. Share returns a multicast clone whose first run is cached
// and replayed to all later consumers.
//
// # Concurrency
//
// All blocking points take a context.Context and unblock on cancellation.
// Producer slots are write-once (a second Produce panics). Dispatcher
// handler lists are append-only and read via snapshot, permitting concurrent
// registration and execution without explicit locks around dispatch.
//
// # Observability
//
// Next and Dispatcher each carry a per-instance metricz registry, a tracez
// tracer, and typed hookz events (NextEvent, DispatchEvent) exposed through
// OnX registration methods. Every component accepts an injected *slog.Logger
// (discard by default) and a clockz.Clock (real clock by default) for
// deterministic tests.
package nextz
