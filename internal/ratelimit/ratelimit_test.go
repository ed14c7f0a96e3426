package ratelimit

import (
	"errors"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func TestLimiter_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for i := 0; i < 100; i++ {
		if _, err := l.Allow("ci"); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}
}

func TestLimiter_BurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(Config{RunsPerHour: 6, Burst: 2})
	l.now = clock.now

	for i := 0; i < 2; i++ {
		if _, err := l.Allow("ci"); err != nil {
			t.Fatalf("burst call %d: %v", i, err)
		}
	}
	wait, err := l.Allow("ci")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("third call err = %v, want ErrRateLimited", err)
	}
	if wait != 10*time.Minute {
		t.Errorf("wait = %s, want 10m", wait)
	}

	// another client has its own bucket
	if _, err := l.Allow("laptop"); err != nil {
		t.Errorf("other client: %v", err)
	}

	clock.t = clock.t.Add(10 * time.Minute)
	if _, err := l.Allow("ci"); err != nil {
		t.Errorf("after refill: %v", err)
	}
	if _, err := l.Allow("ci"); !errors.Is(err, ErrRateLimited) {
		t.Errorf("refill granted more than one run: %v", err)
	}
}

func TestLimiter_BucketIsCapped(t *testing.T) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := NewLimiter(Config{RunsPerHour: 60})
	l.now = clock.now

	if _, err := l.Allow("ci"); err != nil {
		t.Fatal(err)
	}
	clock.t = clock.t.Add(24 * time.Hour)
	allowed := 0
	for i := 0; i < 100; i++ {
		if _, err := l.Allow("ci"); err == nil {
			allowed++
		}
	}
	if allowed != 60 {
		t.Errorf("allowed %d runs after a long idle period, want the burst of 60", allowed)
	}
}
