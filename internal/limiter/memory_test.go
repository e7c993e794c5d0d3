package limiter

import (
	"context"
	"testing"
	"time"
)

func TestMemory_StaleAfterThresholdWithinWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemory(time.Minute, 3)

	for i := 0; i < 2; i++ {
		stale, _ := l.Failure(ctx, "t")
		if stale {
			t.Fatalf("stale too early at failure %d", i+1)
		}
	}
	stale, _ := l.Failure(ctx, "t")
	if !stale {
		t.Fatalf("want stale at threshold")
	}
	if ok, _ := l.Allow(ctx, "t"); ok {
		t.Fatalf("stale topic must not be allowed")
	}
	if again, _ := l.Failure(ctx, "t"); again {
		t.Fatalf("stale transition must be reported once")
	}

	_ = l.Success(ctx, "t")
	if ok, _ := l.Allow(ctx, "t"); !ok {
		t.Fatalf("success must reset staleness")
	}
}

func TestMemory_WindowResetsCounter(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	l := NewMemory(time.Minute, 2)
	now := time.Now()
	l.now = func() time.Time { return now }

	_, _ = l.Failure(ctx, "t")
	now = now.Add(2 * time.Minute)
	if stale, _ := l.Failure(ctx, "t"); stale {
		t.Fatalf("failure outside window must restart the count")
	}
}
