package channels

import (
	"context"
	"errors"
	"testing"

	"github.com/relayhq/relay/internal/backoff"
)

func testReconnector() *Reconnector {
	return &Reconnector{Policy: backoff.Policy{InitialMs: 1, MaxMs: 2, Factor: 2}}
}

func TestReconnectorRetriesUntilContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	r := testReconnector()
	err := r.Run(ctx, func(context.Context) error {
		calls++
		if calls == 3 {
			cancel()
			return ctx.Err()
		}
		return NewError(ErrCodeConnection, "websocket closed", nil)
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3 connection attempts", calls)
	}
}

func TestReconnectorStopsOnNonRetryable(t *testing.T) {
	calls := 0
	r := testReconnector()
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return NewError(ErrCodeAuthentication, "token rejected", nil)
	})
	if CodeOf(err) != ErrCodeAuthentication {
		t.Fatalf("err = %v, want the auth error", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, auth failures must not retry", calls)
	}
}

func TestReconnectorHonorsMaxAttempts(t *testing.T) {
	calls := 0
	r := testReconnector()
	r.MaxAttempts = 2
	err := r.Run(context.Background(), func(context.Context) error {
		calls++
		return NewError(ErrCodeConnection, "websocket closed", nil)
	})
	if err == nil {
		t.Fatal("expected the last error after exhausting attempts")
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestReconnectorCleanDropResetsAttempts(t *testing.T) {
	var attempts []int
	calls := 0
	ctx, cancel := context.WithCancel(context.Background())
	r := testReconnector()
	r.OnAttempt = func(attempt int, err error) { attempts = append(attempts, attempt) }
	_ = r.Run(ctx, func(context.Context) error {
		calls++
		switch calls {
		case 1:
			return NewError(ErrCodeConnection, "websocket closed", nil)
		case 2:
			// Clean drop: reconnect immediately, counter resets.
			return nil
		case 3:
			return NewError(ErrCodeConnection, "websocket closed", nil)
		default:
			cancel()
			return ctx.Err()
		}
	})
	want := []int{1, 1}
	if len(attempts) != len(want) || attempts[0] != 1 || attempts[1] != 1 {
		t.Errorf("attempts = %v, want %v (clean drop resets the counter)", attempts, want)
	}
}

func TestReconnectorNilRun(t *testing.T) {
	r := testReconnector()
	if err := r.Run(context.Background(), nil); err == nil {
		t.Fatal("expected an error for a nil run func")
	}
}
