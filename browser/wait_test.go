package browser

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWaitUntilSucceeds(t *testing.T) {
	var polls int
	err := WaitUntil(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		polls++
		return polls >= 3, nil
	})
	if err != nil {
		t.Fatalf("WaitUntil: %v", err)
	}
	if polls != 3 {
		t.Errorf("polls = %d, want 3", polls)
	}
}

func TestWaitUntilTimesOut(t *testing.T) {
	err := WaitUntil(context.Background(), time.Millisecond, 10*time.Millisecond, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrWaitTimeout) {
		t.Errorf("err = %v, want ErrWaitTimeout", err)
	}
}

func TestWaitUntilPropagatesConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := WaitUntil(context.Background(), time.Millisecond, time.Second, func(context.Context) (bool, error) {
		return false, boom
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}

func TestWaitUntilHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := WaitUntil(ctx, time.Hour, time.Hour, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
