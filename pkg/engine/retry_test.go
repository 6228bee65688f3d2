package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffDelay(t *testing.T) {
	linear := &RetryPolicy{MaxAttempts: 5, Delay: time.Second, Backoff: BackoffLinear}
	for attempt := 1; attempt <= 4; attempt++ {
		if got := BackoffDelay(linear, attempt); got != time.Second {
			t.Errorf("Expected linear delay 1s for attempt %d, got %s", attempt, got)
		}
	}

	exp := &RetryPolicy{MaxAttempts: 5, Delay: time.Second, Backoff: BackoffExponential}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := BackoffDelay(exp, i+1); got != w {
			t.Errorf("Expected exponential delay %s for attempt %d, got %s", w, i+1, got)
		}
	}

	if got := BackoffDelay(exp, 30); got != maxBackoff {
		t.Errorf("Expected delay capped at %s, got %s", maxBackoff, got)
	}
	if got := BackoffDelay(nil, 1); got != 0 {
		t.Errorf("Expected no delay without policy, got %s", got)
	}
}

func TestPoll_SucceedsAfterRetries(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), time.Millisecond, time.Second, func(ctx context.Context) (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 checks, got %d", calls)
	}
}

func TestPoll_TimeoutKeepsLastError(t *testing.T) {
	last := errors.New("pod not ready")
	err := Poll(context.Background(), time.Millisecond, 20*time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, last
	})
	if !errors.Is(err, errPollTimeout) {
		t.Fatalf("Expected poll timeout, got: %v", err)
	}
	if !errors.Is(err, last) {
		t.Errorf("Expected last check error to be kept, got: %v", err)
	}
}

func TestPoll_ZeroTimeoutChecksOnce(t *testing.T) {
	calls := 0
	err := Poll(context.Background(), time.Millisecond, 0, func(ctx context.Context) (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, errPollTimeout) {
		t.Fatalf("Expected poll timeout, got: %v", err)
	}
	if calls != 1 {
		t.Errorf("Expected a single check, got %d", calls)
	}
}

func TestPoll_BlockingCheckHitsDeadline(t *testing.T) {
	start := time.Now()
	err := Poll(context.Background(), time.Millisecond, 50*time.Millisecond, func(ctx context.Context) (bool, error) {
		<-ctx.Done()
		return false, ctx.Err()
	})
	if !errors.Is(err, errPollTimeout) {
		t.Fatalf("Expected poll timeout, got: %v", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected the check deadline to surface as a poll timeout, got: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Expected Poll to return near its timeout, took %s", elapsed)
	}
}

func TestPoll_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Poll(ctx, time.Millisecond, time.Minute, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	if err := Sleep(ctx, time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got: %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Expected cancelled sleep to return immediately")
	}
}
