package ratelimit

import (
	"testing"
	"time"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestWindow(clock *fakeClock) *SlidingWindow {
	return NewSlidingWindow(Config{Limit: 5, Window: time.Minute, Horizon: time.Hour}, nil).WithClock(clock.Now)
}

func TestSlidingWindowRejectsSixthRequest(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newTestWindow(clock)

	for i := 0; i < 5; i++ {
		decision := limiter.Allow("10.0.0.1")
		if !decision.Allowed {
			t.Fatalf("expected request %d to be admitted", i+1)
		}
		if decision.Remaining != 4-i {
			t.Fatalf("expected remaining %d, got %d", 4-i, decision.Remaining)
		}
		clock.Advance(time.Second)
	}

	decision := limiter.Allow("10.0.0.1")
	if decision.Allowed {
		t.Fatalf("expected sixth request to be rejected")
	}
	// Oldest admission at 12:00:00, now 12:00:05.
	if decision.RetryAfter != 55*time.Second {
		t.Fatalf("expected retry after 55s, got %s", decision.RetryAfter)
	}

	if !limiter.Allow("10.0.0.2").Allowed {
		t.Fatalf("expected other key to be admitted")
	}
}

func TestSlidingWindowAdmitsAgainAfterWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newTestWindow(clock)

	for i := 0; i < 5; i++ {
		limiter.Allow("client")
	}
	if limiter.Allow("client").Allowed {
		t.Fatalf("expected rejection inside window")
	}

	clock.Advance(59 * time.Second)
	if limiter.Allow("client").Allowed {
		t.Fatalf("expected rejection one second before window ends")
	}

	clock.Advance(time.Second)
	if !limiter.Allow("client").Allowed {
		t.Fatalf("expected admission once the window has passed")
	}
}

func TestSlidingWindowRejectionsDoNotExtendWindow(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newTestWindow(clock)

	for i := 0; i < 5; i++ {
		limiter.Allow("client")
	}
	for i := 0; i < 10; i++ {
		clock.Advance(time.Second)
		limiter.Allow("client")
	}

	clock.Advance(50 * time.Second)
	if !limiter.Allow("client").Allowed {
		t.Fatalf("expected rejected attempts to leave the window unchanged")
	}
}

func TestSlidingWindowSweepRemovesIdleKeys(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	limiter := newTestWindow(clock)

	limiter.Allow("idle")
	clock.Advance(30 * time.Minute)
	limiter.Allow("active")
	clock.Advance(31 * time.Minute)

	removed := limiter.Sweep()
	if removed != 1 {
		t.Fatalf("expected 1 key removed, got %d", removed)
	}
	if limiter.Len() != 1 {
		t.Fatalf("expected 1 key left, got %d", limiter.Len())
	}

	decision := limiter.Allow("active")
	if !decision.Allowed || decision.Remaining != 4 {
		t.Fatalf("expected stale timestamps trimmed, got %+v", decision)
	}
}

func TestNewSlidingWindowDefaults(t *testing.T) {
	limiter := NewSlidingWindow(Config{}, nil)
	if limiter.Limit() != DefaultLimit {
		t.Fatalf("expected default limit %d, got %d", DefaultLimit, limiter.Limit())
	}
	if limiter.cfg.Window != DefaultWindow || limiter.cfg.Horizon != DefaultHorizon {
		t.Fatalf("unexpected defaults %+v", limiter.cfg)
	}
}
