package typing

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestControllerStartsOncePerCycle(t *testing.T) {
	var starts atomic.Int32
	c := NewController(Callbacks{
		Start: func() error { starts.Add(1); return nil },
	}, WithRefreshInterval(time.Hour))
	defer c.Seal()

	c.OnReplyStart()
	c.OnReplyStart()
	c.OnReplyStart()

	if got := starts.Load(); got != 1 {
		t.Errorf("start fired %d times, want 1", got)
	}
}

func TestControllerStopsWhenRunCompleteAndDispatchIdle(t *testing.T) {
	var stops atomic.Int32
	c := NewController(Callbacks{
		Start: func() error { return nil },
		Stop:  func() { stops.Add(1) },
	}, WithRefreshInterval(time.Hour))

	c.OnReplyStart()
	c.MarkRunComplete()
	if c.Sealed() {
		t.Fatal("sealed before dispatch idle")
	}
	c.MarkDispatchIdle()
	if !c.Sealed() {
		t.Fatal("not sealed after both events")
	}
	if stops.Load() != 1 {
		t.Errorf("stop fired %d times, want 1", stops.Load())
	}

	// Late start attempts stay dead.
	c.OnReplyStart()
	if stops.Load() != 1 {
		t.Error("sealed controller restarted")
	}
}

func TestControllerOrderIndependence(t *testing.T) {
	c := NewController(Callbacks{Start: func() error { return nil }}, WithRefreshInterval(time.Hour))
	c.OnReplyStart()
	c.MarkDispatchIdle()
	c.MarkRunComplete()
	if !c.Sealed() {
		t.Error("idle-then-complete order should also seal")
	}
}

func TestControllerStartErrorDoesNotAbort(t *testing.T) {
	var gotErr atomic.Value
	c := NewController(Callbacks{
		Start:        func() error { return errors.New("typing unsupported") },
		OnStartError: func(err error) { gotErr.Store(err) },
	}, WithRefreshInterval(time.Hour))
	defer c.Seal()

	c.OnReplyStart()
	if gotErr.Load() == nil {
		t.Error("start error not routed to OnStartError")
	}
	if c.Sealed() {
		t.Error("start error sealed the controller")
	}
}

func TestControllerRefreshTicks(t *testing.T) {
	var starts atomic.Int32
	c := NewController(Callbacks{
		Start: func() error { starts.Add(1); return nil },
	}, WithRefreshInterval(10*time.Millisecond))
	defer c.Seal()

	c.OnReplyStart()
	deadline := time.After(2 * time.Second)
	for starts.Load() < 3 {
		select {
		case <-deadline:
			t.Fatalf("refresh never ticked, starts=%d", starts.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestControllerTTLSeals(t *testing.T) {
	c := NewController(Callbacks{
		Start: func() error { return nil },
	}, WithRefreshInterval(time.Hour), WithTTL(15*time.Millisecond))

	c.OnReplyStart()
	deadline := time.After(2 * time.Second)
	for !c.Sealed() {
		select {
		case <-deadline:
			t.Fatal("TTL never sealed the controller")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
