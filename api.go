package nextz

import (
	"context"
	"io"
	"log/slog"
)

// Name is a type alias for node and dispatcher names.
// Using this type encourages storing names as constants rather than
// using inline strings throughout your code.
//
// Example:
//
//	const (
//	    FetchUserName    Name = "fetch-user"
//	    RequestRouteName Name = "request-route"
//	)
type Name = string

// Teardown is a cleanup closure returned by producers and middleware.
// The engine guarantees a captured teardown runs exactly once when the
// corresponding run is fully settled, regardless of success or failure.
type Teardown func()

// Observer is the one-shot settlement and completion capability handed to a
// producer. Next and Error settle the eventual value; the first of the two
// wins, later calls are logged and ignored. Complete signals the production
// run is fully drained, independent of whether a value was emitted; a run
// that emits a value but never completes keeps its consumer blocked.
type Observer[T any] interface {
	Next(value T)
	Error(err error)
	Complete()
}

// Receiver supplies the raw value for a chain node's root. The engine calls
// it with a fresh Observer and the node that requested production, captures
// the returned teardown (nil is fine), and invokes the teardown once the
// resulting value, or its derived sub-chain, is fully settled.
//
// A panic inside a Receiver is recovered and logged, never propagated: the
// pending value simply never settles from that path.
type Receiver[T any] func(ctx context.Context, obs Observer[T], req *Next[T]) Teardown

// SuccessHandler transforms a successfully produced value. It returns either
// Settled with the adopted value or Pending with a further request that the
// engine re-dispatches to the same producer before adopting its result.
// Returning an error fails the chain at this point.
type SuccessHandler[T any] func(ctx context.Context, value T) (Outcome[T], error)

// FailureHandler recovers a failed chain. When invoked, the chain is no
// longer failed: the returned Outcome is adopted the same way a
// SuccessHandler's is. Returning an error keeps the chain failed with that
// error.
type FailureHandler[T any] func(ctx context.Context, err error) (Outcome[T], error)

// NextFunc advances a dispatcher run. Calling it with nil moves to the next
// handler on the current track. Calling it with a non-nil error switches the
// run permanently onto the error track; the error persists across
// error-handler calls until replaced by another non-nil error.
type NextFunc func(err error)

// Middleware is a normal dispatch handler. It may return a Teardown to be
// collected for the run, or nil.
type Middleware[Req, Res any] func(ctx context.Context, req Req, res Res, next NextFunc) Teardown

// ErrorMiddleware handles an already-failed dispatch run. It receives the
// current error of the run alongside the request and response.
type ErrorMiddleware[Req, Res any] func(ctx context.Context, err error, req Req, res Res, next NextFunc) Teardown

// CloneFactory allocates the base node used by Chain, Share, and lift when
// cloning. Specialized request families supply a factory that returns a node
// carrying their configuration (logger, clock, the factory itself), so
// derived chains keep their behavior across cloning without inheritance.
// The returned node must have a fresh, unattached producer slot, which
// NewNext guarantees.
type CloneFactory[T any] func(parent *Next[T]) *Next[T]

// noopLogger is the default logger for every component: structured logging
// is injected, never a hidden global, and discarded unless configured.
var noopLogger = slog.New(slog.NewTextHandler(io.Discard, nil))
