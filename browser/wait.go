package browser

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrWaitTimeout is returned when a condition does not become true in time.
var ErrWaitTimeout = errors.New("condition not met before timeout")

// Condition is polled by WaitUntil. Returning an error aborts the wait.
type Condition func(ctx context.Context) (bool, error)

// WaitUntil polls cond every interval until it returns true, the timeout
// elapses, or ctx is done. It generalizes the DOM "watch an attribute until
// it changes" pattern into a plain polling contract, so flows can be tested
// against fakes.
func WaitUntil(ctx context.Context, interval, timeout time.Duration, cond Condition) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if timeout > 0 && time.Now().After(deadline) {
			return fmt.Errorf("after %s: %w", timeout, ErrWaitTimeout)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
