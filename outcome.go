package nextz

// Outcome is the tagged result of a success or failure handler: either a
// settled final value, or a further pending request. A Pending outcome is
// not used directly: the engine hands the carried sub-request back to the
// still-pending producer for another production round, and that round's
// result supersedes the outer value. The engine loops until it observes a
// settled outcome, so one producer can serve an entire tree of composed
// sub-requests.
type Outcome[T any] struct {
	sub   *Next[T]
	value T
}

// Settled returns an Outcome carrying a final value.
func Settled[T any](value T) Outcome[T] {
	return Outcome[T]{value: value}
}

// Pending returns an Outcome carrying a further request to be re-dispatched
// to the producer of the current run.
func Pending[T any](sub *Next[T]) Outcome[T] {
	return Outcome[T]{sub: sub}
}

// IsPending reports whether the outcome carries a further request rather
// than a final value.
func (o Outcome[T]) IsPending() bool {
	return o.sub != nil
}

// Value returns the settled value. Only meaningful when IsPending is false.
func (o Outcome[T]) Value() T {
	return o.value
}

// Sub returns the pending sub-request, or nil for a settled outcome.
func (o Outcome[T]) Sub() *Next[T] {
	return o.sub
}
