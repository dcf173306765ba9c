package nextz

import (
	"context"
)

// Map creates a SuccessHandler from a pure transformation that cannot fail.
// Map is the simplest adapter. Use it when the step always succeeds and
// produces a final value.
//
// Example:
//
//	increment := nextz.Map(func(_ context.Context, v int) int {
//	    return v + 1
//	})
//	node.Chain(increment, nil)
func Map[T any](fn func(context.Context, T) T) SuccessHandler[T] {
	return func(ctx context.Context, value T) (Outcome[T], error) {
		return Settled(fn(ctx, value)), nil
	}
}

// Try creates a SuccessHandler from a transformation that may fail. On error
// the chain fails at this point; a FailureHandler further down the chain may
// recover it.
//
// Example:
//
//	parse := nextz.Try(func(_ context.Context, raw string) (string, error) {
//	    if raw == "" {
//	        return "", errors.New("empty input")
//	    }
//	    return strings.TrimSpace(raw), nil
//	})
func Try[T any](fn func(context.Context, T) (T, error)) SuccessHandler[T] {
	return func(ctx context.Context, value T) (Outcome[T], error) {
		result, err := fn(ctx, value)
		if err != nil {
			return Outcome[T]{}, err
		}
		return Settled(result), nil
	}
}

// Sub creates a SuccessHandler that maps the value to a further request.
// The engine re-dispatches the returned node to the same producer and adopts
// that round's result. Returning nil settles with the zero value.
//
// Example:
//
//	detail := nextz.Sub(func(_ context.Context, id Order) *nextz.Next[Order] {
//	    return nextz.NewNext[Order]("order-detail").Chain(loadLines, nil)
//	})
func Sub[T any](fn func(context.Context, T) *Next[T]) SuccessHandler[T] {
	return func(ctx context.Context, value T) (Outcome[T], error) {
		sub := fn(ctx, value)
		if sub == nil {
			var zero T
			return Settled(zero), nil
		}
		return Pending(sub), nil
	}
}

// Recover creates a FailureHandler from a function that converts an error
// back into a value. When it returns nil error, the chain is recovered and
// continues with the returned value; returning an error keeps the chain
// failed with that error.
func Recover[T any](fn func(context.Context, error) (T, error)) FailureHandler[T] {
	return func(ctx context.Context, err error) (Outcome[T], error) {
		result, rerr := fn(ctx, err)
		if rerr != nil {
			return Outcome[T]{}, rerr
		}
		return Settled(result), nil
	}
}

// RecoverSub creates a FailureHandler that recovers by dispatching a further
// request to the same producer. Returning nil keeps the chain failed with
// the original error.
func RecoverSub[T any](fn func(context.Context, error) *Next[T]) FailureHandler[T] {
	return func(ctx context.Context, err error) (Outcome[T], error) {
		sub := fn(ctx, err)
		if sub == nil {
			return Outcome[T]{}, err
		}
		return Pending(sub), nil
	}
}
