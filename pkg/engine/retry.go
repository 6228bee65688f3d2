package engine

import (
	"context"
	"errors"
	"time"
)

// maxBackoff caps exponential retry delays.
const maxBackoff = 5 * time.Minute

// defaultPollInterval is used by validation polling when neither the rule nor
// the retry policy names an interval.
const defaultPollInterval = 2 * time.Second

// errPollTimeout is returned by Poll when the deadline passes before the check holds.
var errPollTimeout = errors.New("condition not met before timeout")

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Poll calls check every interval until it reports done, returns an error that
// should stop polling, or timeout elapses. A zero timeout means check runs once.
//
// check returns (done, err). A non-nil err with done=false is remembered and
// returned wrapped on timeout; polling continues. Each check runs under the
// overall deadline, so a check that blocks ends with errPollTimeout too.
// Context cancellation always wins and returns ctx.Err().
func Poll(ctx context.Context, interval, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	deadline := time.Now().Add(timeout)

	var last error
	for {
		done, err := pollOnce(ctx, deadline, timeout > 0, check)
		if done {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			last = err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if last != nil {
				return errors.Join(errPollTimeout, last)
			}
			return errPollTimeout
		}
		wait := interval
		if wait > remaining {
			wait = remaining
		}
		if err := Sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func pollOnce(ctx context.Context, deadline time.Time, bounded bool, check func(ctx context.Context) (bool, error)) (bool, error) {
	if !bounded {
		return check(ctx)
	}
	checkCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return check(checkCtx)
}

// BackoffDelay returns how long to wait after the attempt-th failed attempt
// (1-based). Linear waits delay every time; exponential waits
// delay * 2^(attempt-1), capped at five minutes.
func BackoffDelay(policy *RetryPolicy, attempt int) time.Duration {
	if policy == nil || policy.Delay <= 0 || attempt < 1 {
		return 0
	}
	if policy.Backoff != BackoffExponential {
		return policy.Delay
	}
	d := policy.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	return d
}
