package security

import (
	"testing"
	"time"

	"github.com/odin-rt/core/rterr"
)

func TestTokenBucketLimiterAllowsUpToCapacity(t *testing.T) {
	l := NewTokenBucketLimiter(3, 1, time.Hour)
	for i := 0; i < 3; i++ {
		if err := l.Check("client-a"); err != nil {
			t.Fatalf("request %d: unexpected error %v", i, err)
		}
	}
	err := l.Check("client-a")
	if err == nil {
		t.Fatal("expected rate limit error on 4th request")
	}
	e, ok := rterr.As(err)
	if !ok || e.Kind != rterr.KindRateLimited {
		t.Fatalf("expected KindRateLimited, got %v", err)
	}
}

func TestTokenBucketLimiterRefills(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1, 10*time.Millisecond)
	if err := l.Check("client-b"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := l.Check("client-b"); err == nil {
		t.Fatal("expected rate limit immediately after exhausting bucket")
	}
	time.Sleep(25 * time.Millisecond)
	if err := l.Check("client-b"); err != nil {
		t.Fatalf("expected refill to allow request, got %v", err)
	}
}

func TestTokenBucketLimiterPerClientIsolation(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1, time.Hour)
	if err := l.Check("client-a"); err != nil {
		t.Fatalf("client-a: %v", err)
	}
	if err := l.Check("client-b"); err != nil {
		t.Fatalf("client-b should have its own bucket: %v", err)
	}
}

func TestTokenBucketLimiterRemove(t *testing.T) {
	l := NewTokenBucketLimiter(1, 1, time.Hour)
	if err := l.Check("client-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Remove("client-a")
	if err := l.Check("client-a"); err != nil {
		t.Fatalf("expected fresh bucket after Remove, got %v", err)
	}
}

func TestSlidingWindowLimiterAllowsUpToMax(t *testing.T) {
	l := NewSlidingWindowLimiter(time.Minute, 2)
	if err := l.Check("c"); err != nil {
		t.Fatalf("1st: %v", err)
	}
	if err := l.Check("c"); err != nil {
		t.Fatalf("2nd: %v", err)
	}
	err := l.Check("c")
	if err == nil {
		t.Fatal("expected 3rd request to be rate limited")
	}
	e, ok := rterr.As(err)
	if !ok || e.Kind != rterr.KindRateLimited {
		t.Fatalf("expected KindRateLimited, got %v", err)
	}
}

func TestSlidingWindowLimiterRemove(t *testing.T) {
	l := NewSlidingWindowLimiter(time.Minute, 1)
	if err := l.Check("c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	l.Remove("c")
	if err := l.Check("c"); err != nil {
		t.Fatalf("expected fresh limiter after Remove, got %v", err)
	}
}
