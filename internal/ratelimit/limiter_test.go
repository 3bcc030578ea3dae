package ratelimit

import (
	"testing"
	"time"

	"github.com/go-logr/logr"
	testingclock "k8s.io/utils/clock/testing"

	"github.com/policy-hub/coordinator/internal/apperror"
)

func newTestLimiter(t *testing.T, rps float64, burst int) (*Limiter, *testingclock.FakeClock) {
	t.Helper()
	fc := testingclock.NewFakeClock(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	l, err := New(Config{RequestsPerSecond: rps, Burst: burst, IdleTTL: time.Minute, Clock: fc, Logger: logr.Discard()})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, fc
}

func TestLimiter_Allow(t *testing.T) {
	l, fc := newTestLimiter(t, 1, 3)

	for i := 0; i < 3; i++ {
		if err := l.Allow("c1"); err != nil {
			t.Fatalf("Allow() #%d error = %v", i, err)
		}
	}
	err := l.Allow("c1")
	if !apperror.IsKind(err, apperror.KindRateLimited) {
		t.Fatalf("Allow() error = %v, want RateLimited", err)
	}

	if err := l.Allow("c2"); err != nil {
		t.Errorf("Allow() for another key error = %v", err)
	}

	fc.Step(time.Second)
	if err := l.Allow("c1"); err != nil {
		t.Errorf("Allow() after refill error = %v", err)
	}
}

func TestLimiter_Disabled(t *testing.T) {
	l, _ := newTestLimiter(t, 0, 0)
	if l.Enabled() {
		t.Fatal("Enabled() = true with zero rate")
	}
	for i := 0; i < 100; i++ {
		if err := l.Allow("c1"); err != nil {
			t.Fatalf("Allow() error = %v", err)
		}
	}
}

func TestLimiter_IdleBucketEvicted(t *testing.T) {
	l, fc := newTestLimiter(t, 0.001, 1)

	if err := l.Allow("c1"); err != nil {
		t.Fatalf("Allow() error = %v", err)
	}
	if err := l.Allow("c1"); err == nil {
		t.Fatal("Allow() expected exhausted bucket")
	}

	fc.Step(time.Minute)
	if err := l.Allow("c1"); err != nil {
		t.Errorf("Allow() after idle eviction error = %v", err)
	}
}
