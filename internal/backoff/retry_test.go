package backoff

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy() Policy {
	return Policy{Initial: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2, Jitter: 0}
}

func TestRetrySucceedsFirstAttempt(t *testing.T) {
	v, err := Retry(context.Background(), fastPolicy(), 3, func(attempt int) (int, error) {
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Errorf("value = %d, want 42", v)
	}
}

func TestRetryRecoversAfterFailures(t *testing.T) {
	calls := 0
	v, err := Retry(context.Background(), fastPolicy(), 5, func(attempt int) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != "ok" || calls != 3 {
		t.Errorf("got %q after %d calls, want ok after 3", v, calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	sentinel := errors.New("always fails")
	_, err := Retry(context.Background(), fastPolicy(), 3, func(attempt int) (int, error) {
		return 0, sentinel
	})
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Errorf("err = %v, want ErrAttemptsExhausted", err)
	}
	if !errors.Is(err, sentinel) {
		t.Errorf("err should wrap the last failure, got %v", err)
	}
}

func TestRetryStopsOnPermanent(t *testing.T) {
	calls := 0
	fatal := errors.New("bad request")
	_, err := Retry(context.Background(), fastPolicy(), 5, func(attempt int) (int, error) {
		calls++
		return 0, &Permanent{Err: fatal}
	})
	if !errors.Is(err, fatal) {
		t.Errorf("err = %v, want %v", err, fatal)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestRetryObservesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Retry(ctx, fastPolicy(), 3, func(attempt int) (int, error) {
		t.Fatal("fn should not run with cancelled context")
		return 0, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestDelayGrowsAndClamps(t *testing.T) {
	p := Policy{Initial: 250 * time.Millisecond, Max: time.Second, Factor: 4, Jitter: 0}
	if d := p.delayWithRand(1, 0); d != 250*time.Millisecond {
		t.Errorf("attempt 1 delay = %v, want 250ms", d)
	}
	if d := p.delayWithRand(2, 0); d != time.Second {
		t.Errorf("attempt 2 delay = %v, want 1s", d)
	}
	if d := p.delayWithRand(5, 0); d != time.Second {
		t.Errorf("attempt 5 delay = %v, want clamp at 1s", d)
	}
}
