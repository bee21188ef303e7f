package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllowsBurst(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 5, Enabled: true})

	for i := 0; i < 5; i++ {
		if !l.Allow("client-a") {
			t.Fatalf("request %d within burst should be allowed", i+1)
		}
	}
	if l.Allow("client-a") {
		t.Error("request beyond burst should be rejected")
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, Enabled: true})

	if !l.Allow("client-a") {
		t.Fatal("first request for client-a should be allowed")
	}
	if l.Allow("client-a") {
		t.Error("second request for client-a should be rejected")
	}
	if !l.Allow("client-b") {
		t.Error("client-b has its own bucket and should be allowed")
	}
}

func TestLimiterDisabled(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, Enabled: false})

	for i := 0; i < 100; i++ {
		if !l.Allow("client-a") {
			t.Fatal("disabled limiter must allow everything")
		}
	}
	if l.WaitTime("client-a") != 0 {
		t.Error("disabled limiter reports zero wait time")
	}
}

func TestLimiterRefills(t *testing.T) {
	// 6000 per minute = 100 per second, so one token takes 10ms.
	l := NewLimiter(Config{RequestsPerMinute: 6000, BurstSize: 1, Enabled: true})

	if !l.Allow("k") {
		t.Fatal("first request should pass")
	}
	if l.Allow("k") {
		t.Fatal("bucket should be empty")
	}
	time.Sleep(30 * time.Millisecond)
	if !l.Allow("k") {
		t.Error("bucket should have refilled after sleeping")
	}
}

func TestWaitTimePositiveWhenExhausted(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, Enabled: true})
	l.Allow("k")

	if wait := l.WaitTime("k"); wait <= 0 {
		t.Errorf("wait time = %v, want > 0 for exhausted bucket", wait)
	}
}

func TestReset(t *testing.T) {
	l := NewLimiter(Config{RequestsPerMinute: 60, BurstSize: 1, Enabled: true})
	l.Allow("k")
	l.Reset("k")

	if !l.Allow("k") {
		t.Error("reset key should start with a fresh bucket")
	}
}
