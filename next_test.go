package nextz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

// emitting returns a receiver that emits value, completes, and counts calls.
func emitting(value int, calls *int64) Receiver[int] {
	return func(_ context.Context, obs Observer[int], _ *Next[int]) Teardown {
		if calls != nil {
			atomic.AddInt64(calls, 1)
		}
		obs.Next(value)
		obs.Complete()
		return nil
	}
}

func TestNext_RoundTrip(t *testing.T) {
	node := NewNext[int]("round-trip")
	node.Produce(emitting(42, nil))

	result, err := node.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 42 {
		t.Errorf("expected 42, got %d", result)
	}
}

func TestNext_LazyUntilAwait(t *testing.T) {
	var calls int64
	node := NewNext[int]("lazy")
	node.Produce(emitting(1, &calls))

	if atomic.LoadInt64(&calls) != 0 {
		t.Fatal("producer must not run before a consumer awaits")
	}

	if _, err := node.Await(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected 1 producer call, got %d", atomic.LoadInt64(&calls))
	}
}

func TestNext_ChainDoesNotMutateReceiver(t *testing.T) {
	root := NewNext[int]("root")
	chained := root.Chain(Map(func(_ context.Context, v int) int { return v + 1 }), nil)

	if chained == root {
		t.Fatal("Chain must return a new node")
	}
	if chained.Produced() {
		t.Error("clone must start with an unattached producer slot")
	}

	root.Produce(emitting(1, nil))
	result, err := root.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 1 {
		t.Errorf("root behavior changed by chaining: expected 1, got %d", result)
	}

	chained.Produce(emitting(1, nil))
	result, err = chained.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 2 {
		t.Errorf("expected 2, got %d", result)
	}
}

func TestNext_ProduceTwicePanics(t *testing.T) {
	node := NewNext[int]("double-produce")
	node.Produce(emitting(1, nil))

	func() {
		defer func() {
			if recover() == nil {
				t.Error("expected second Produce to panic")
			}
		}()
		node.Produce(emitting(2, nil))
	}()

	// The first producer stays active.
	result, err := node.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 1 {
		t.Errorf("expected first producer's value 1, got %d", result)
	}
}

func TestNext_ProduceNilPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected Produce(nil) to panic")
		}
	}()
	NewNext[int]("nil-produce").Produce(nil)
}

func TestNext_AwaitWaitsForProducer(t *testing.T) {
	node := NewNext[int]("late-producer")

	done := make(chan int, 1)
	go func() {
		result, err := node.Await(context.Background())
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		done <- result
	}()

	node.Produce(emitting(8, nil))

	select {
	case result := <-done:
		if result != 8 {
			t.Errorf("expected 8, got %d", result)
		}
	case <-time.After(time.Second):
		t.Fatal("Await did not resolve after producer attached")
	}
}

func TestNext_AwaitNoProducerContextExpires(t *testing.T) {
	node := NewNext[int]("never-produced")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := node.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestNext_ChainRecovery(t *testing.T) {
	node := NewNext[int]("recovery").
		Chain(Map(func(_ context.Context, v int) int { return v + 1 }), nil).
		Chain(Try(func(_ context.Context, v int) (int, error) {
			return 0, fmt.Errorf("%d", v)
		}), nil).
		Chain(nil, Recover(func(_ context.Context, err error) (int, error) {
			n, perr := strconv.Atoi(err.Error())
			if perr != nil {
				return 0, perr
			}
			return n + 1, nil
		}))

	node.Produce(emitting(1, nil))

	result, err := node.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 3 {
		t.Errorf("expected 3, got %d", result)
	}
}

func TestNext_FailurePassesThroughWithoutHandler(t *testing.T) {
	sentinel := errors.New("upstream failure")
	node := NewNext[int]("pass-through").
		Chain(Map(func(_ context.Context, v int) int { return v * 2 }), nil)

	node.Produce(func(_ context.Context, obs Observer[int], _ *Next[int]) Teardown {
		obs.Error(sentinel)
		return nil
	})

	_, err := node.Await(context.Background())
	if !errors.Is(err, sentinel) {
		t.Errorf("expected exact sentinel error, got %v", err)
	}
}

func TestNext_ErrorRunsTeardownFirst(t *testing.T) {
	sentinel := errors.New("boom")
	var tornDown int64

	node := NewNext[int]("error-teardown")
	node.Produce(func(_ context.Context, obs Observer[int], _ *Next[int]) Teardown {
		obs.Error(sentinel)
		return func() { atomic.AddInt64(&tornDown, 1) }
	})

	_, err := node.Await(context.Background())
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if atomic.LoadInt64(&tornDown) != 1 {
		t.Errorf("expected teardown to run exactly once, ran %d times", atomic.LoadInt64(&tornDown))
	}
}

func TestNext_TeardownRunsOnceOnSuccess(t *testing.T) {
	var tornDown int64

	node := NewNext[int]("success-teardown")
	node.Produce(func(_ context.Context, obs Observer[int], _ *Next[int]) Teardown {
		obs.Next(1)
		obs.Complete()
		return func() { atomic.AddInt64(&tornDown, 1) }
	})

	if _, err := node.Await(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if atomic.LoadInt64(&tornDown) != 1 {
		t.Errorf("expected teardown to run exactly once, ran %d times", atomic.LoadInt64(&tornDown))
	}
}

func TestNext_TeardownPanicRecovered(t *testing.T) {
	node := NewNext[int]("panicky-teardown")
	node.Produce(func(_ context.Context, obs Observer[int], _ *Next[int]) Teardown {
		obs.Next(3)
		obs.Complete()
		return func() { panic("cleanup failed") }
	})

	result, err := node.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 3 {
		t.Errorf("expected 3, got %d", result)
	}
}

func TestNext_ValueWithoutCompleteBlocks(t *testing.T) {
	node := NewNext[int]("no-complete")
	node.Produce(func(_ context.Context, obs Observer[int], _ *Next[int]) Teardown {
		obs.Next(1)
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := node.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestNext_ReceiverPanicSwallowed(t *testing.T) {
	node := NewNext[int]("panicky-receiver")
	node.Produce(func(_ context.Context, _ Observer[int], _ *Next[int]) Teardown {
		panic("receiver exploded")
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	// The panic is recovered and logged; nothing ever settles the run.
	_, err := node.Await(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestNext_HandlerPanicBecomesFailure(t *testing.T) {
	node := NewNext[int]("panicky-handler").
		Chain(Map(func(_ context.Context, _ int) int { panic("handler exploded") }), nil).
		Chain(nil, Recover(func(_ context.Context, err error) (int, error) {
			if err == nil {
				return 0, errors.New("expected an error")
			}
			return 99, nil
		}))

	node.Produce(emitting(1, nil))

	result, err := node.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 99 {
		t.Errorf("expected recovery value 99, got %d", result)
	}
}

func TestNext_IndependentRuns(t *testing.T) {
	var calls int64
	node := NewNext[int]("unicast")
	node.Produce(emitting(5, &calls))

	for i := 0; i < 2; i++ {
		result, err := node.Await(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != 5 {
			t.Errorf("expected 5, got %d", result)
		}
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("expected 2 independent producer runs, got %d", atomic.LoadInt64(&calls))
	}
}

func TestNext_ShareCachesRun(t *testing.T) {
	var calls int64
	shared := NewNext[int]("multicast").Share()
	shared.Produce(emitting(5, &calls))

	for i := 0; i < 3; i++ {
		result, err := shared.Await(context.Background())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result != 5 {
			t.Errorf("expected 5, got %d", result)
		}
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected a single cached producer run, got %d", atomic.LoadInt64(&calls))
	}
}

func TestNext_ShareSurvivesCanceledConsumer(t *testing.T) {
	var calls int64
	shared := NewNext[int]("abandoned-first").Share()
	shared.Produce(emitting(5, &calls))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// The first consumer abandons its wait; the cached run must not adopt
	// its cancellation.
	if _, err := shared.Await(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for the canceled consumer, got %v", err)
	}

	result, err := shared.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 5 {
		t.Errorf("expected cached value 5, got %d", result)
	}
	if atomic.LoadInt64(&calls) != 1 {
		t.Errorf("expected a single cached producer run, got %d", atomic.LoadInt64(&calls))
	}
}

func TestNext_ShareIdempotent(t *testing.T) {
	shared := NewNext[int]("already-shared").Share()
	if shared.Share() != shared {
		t.Error("Share on an already-shared node must return it unchanged")
	}
}

func TestNext_SubChainRedispatch(t *testing.T) {
	var calls int64
	node := NewNext[int]("outer").
		Chain(Sub(func(_ context.Context, v int) *Next[int] {
			return NewNext[int]("inner").
				Chain(Map(func(_ context.Context, base int) int { return base*10 + v }), nil)
		}), nil)

	node.Produce(emitting(1, &calls))

	result, err := node.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Round one produces 1; the sub-chain's round produces 1 again and its
	// operator turns it into 11, superseding the outer value.
	if result != 11 {
		t.Errorf("expected 11, got %d", result)
	}
	if atomic.LoadInt64(&calls) != 2 {
		t.Errorf("expected producer to serve 2 rounds, got %d", atomic.LoadInt64(&calls))
	}
	if got := node.Metrics().Counter(NextRedispatchesTotal).Value(); got != 1 {
		t.Errorf("expected 1 redispatch recorded, got %v", got)
	}
}

func TestNext_RunMetrics(t *testing.T) {
	node := NewNext[int]("metrics")
	node.Produce(emitting(1, nil))

	if _, err := node.Await(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := node.Metrics().Counter(NextRunsTotal).Value(); got != 1 {
		t.Errorf("expected 1 run, got %v", got)
	}
	if got := node.Metrics().Counter(NextSuccessesTotal).Value(); got != 1 {
		t.Errorf("expected 1 success, got %v", got)
	}
	if got := node.Metrics().Counter(NextFailuresTotal).Value(); got != 0 {
		t.Errorf("expected 0 failures, got %v", got)
	}
}

func TestNext_OnRunComplete(t *testing.T) {
	node := NewNext[int]("hooked")
	defer node.Close()

	events := make(chan NextEvent, 1)
	if err := node.OnRunComplete(func(_ context.Context, event NextEvent) error {
		select {
		case events <- event:
		default:
		}
		return nil
	}); err != nil {
		t.Fatalf("unexpected hook error: %v", err)
	}

	node.Produce(emitting(1, nil))
	if _, err := node.Await(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	select {
	case event := <-events:
		if !event.Success {
			t.Error("expected successful run event")
		}
		if event.Name != "hooked" {
			t.Errorf("expected node name %q, got %q", "hooked", event.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("run complete event not emitted")
	}
}

func TestNext_CloneFactoryPreservedAcrossChain(t *testing.T) {
	var allocs int64
	var factory CloneFactory[int]
	factory = func(parent *Next[int]) *Next[int] {
		atomic.AddInt64(&allocs, 1)
		return NewNext[int](parent.Name()).WithCloneFactory(factory)
	}

	root := NewNext[int]("family").WithCloneFactory(factory)
	chained := root.
		Chain(Map(func(_ context.Context, v int) int { return v + 1 }), nil).
		Chain(Map(func(_ context.Context, v int) int { return v * 2 }), nil)

	if atomic.LoadInt64(&allocs) != 2 {
		t.Errorf("expected factory to allocate both clones, got %d", atomic.LoadInt64(&allocs))
	}

	chained.Produce(emitting(1, nil))
	result, err := chained.Await(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != 4 {
		t.Errorf("expected 4, got %d", result)
	}
}
