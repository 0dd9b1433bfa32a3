package twitch

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	limiter := newRateLimiter(time.Second, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait %d error: %v", i, err)
		}
	}
	if available := limiter.Available(); available != 0 {
		t.Fatalf("available = %d, want 0", available)
	}
}

func TestRateLimiterBlocksUntilWindowSlides(t *testing.T) {
	limiter := newRateLimiter(100*time.Millisecond, 1)
	ctx := context.Background()

	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("first Wait error: %v", err)
	}

	start := time.Now()
	if err := limiter.Wait(ctx); err != nil {
		t.Fatalf("second Wait error: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Fatalf("second Wait returned after %v, want blocking until window slides", elapsed)
	}
}

func TestRateLimiterHonorsContextCancel(t *testing.T) {
	limiter := newRateLimiter(time.Minute, 1)

	if err := limiter.Wait(context.Background()); err != nil {
		t.Fatalf("first Wait error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := limiter.Wait(ctx); err == nil {
		t.Fatal("expected context error while budget exhausted")
	}
}

func TestRateLimiterUsesFullBudget(t *testing.T) {
	limiter := newRateLimiter(0, 0)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if err := limiter.Wait(ctx); err != nil {
			t.Fatalf("Wait %d error: %v", i, err)
		}
	}
	if available := limiter.Available(); available != 0 {
		t.Fatalf("available = %d after 20 sends, want 0", available)
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	limiter := newRateLimiter(0, 0)
	if limiter.window != rateWindow || limiter.limit != rateLimit {
		t.Fatalf("defaults = %v/%d", limiter.window, limiter.limit)
	}
}
