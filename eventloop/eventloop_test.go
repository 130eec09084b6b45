package eventloop

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fooEvent struct{ n int }
type barEvent struct{}

func TestDispatchRoutesByDynamicType(t *testing.T) {
	el := New(10)
	var got []int
	el.RegisterHandler(fooEvent{}, func(ev any) { got = append(got, ev.(fooEvent).n) })
	el.RegisterHandler(barEvent{}, func(ev any) { t.Fatal("barEvent handler should not fire for a fooEvent") })

	ctx, cancel := context.WithCancel(context.Background())
	go el.Run(ctx)
	defer cancel()

	el.AddEvent(fooEvent{n: 1})
	el.AddEvent(fooEvent{n: 2})

	require.Eventually(t, func() bool { return len(got) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []int{1, 2}, got)
}

func TestMultipleHandlersForTheSameTypeRunInRegistrationOrder(t *testing.T) {
	el := New(10)
	var order []int
	el.RegisterHandler(fooEvent{}, func(any) { order = append(order, 1) })
	el.RegisterHandler(fooEvent{}, func(any) { order = append(order, 2) })

	ctx, cancel := context.WithCancel(context.Background())
	go el.Run(ctx)
	defer cancel()

	el.AddEvent(fooEvent{})
	require.Eventually(t, func() bool { return len(order) == 2 }, time.Second, time.Millisecond)
	require.Equal(t, []int{1, 2}, order)
}

func TestEventWithNoRegisteredHandlerIsDroppedSilently(t *testing.T) {
	el := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	go el.Run(ctx)
	defer cancel()

	el.AddEvent(barEvent{})
	// nothing to assert beyond "this does not panic or hang"; give the
	// loop a moment to actually drain the event.
	time.Sleep(20 * time.Millisecond)
}

func TestStopCancelsContextAndUnblocksAddEvent(t *testing.T) {
	el := New(0) // unbuffered, so AddEvent blocks until Run or Stop

	select {
	case <-el.Context().Done():
		t.Fatal("context should not be done before Stop")
	default:
	}

	el.Stop()

	select {
	case <-el.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("Stop did not cancel the event loop context")
	}

	done := make(chan struct{})
	go func() {
		el.AddEvent(fooEvent{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AddEvent did not return after Stop")
	}
}

func TestRunReturnsWhenItsOwnContextIsCancelledIndependentlyOfStop(t *testing.T) {
	el := New(10)
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		el.Run(ctx)
		close(runDone)
	}()

	cancel()
	select {
	case <-runDone:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after its context was cancelled")
	}
}
