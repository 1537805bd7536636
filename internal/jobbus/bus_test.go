package jobbus

import (
	"context"
	"testing"
	"time"
)

func TestNextBackoffCapsAt30s(t *testing.T) {
	b := time.Second
	for i := 0; i < 10; i++ {
		b = nextBackoff(b)
		if b > 30*time.Second {
			t.Fatalf("backoff exceeded cap: %v", b)
		}
	}
	if b != 30*time.Second {
		t.Fatalf("expected backoff pinned at 30s, got %v", b)
	}
}

func TestSleepHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if sleep(ctx, time.Minute) {
		t.Fatal("expected sleep to report cancellation")
	}
}

func TestSleepCompletes(t *testing.T) {
	if !sleep(context.Background(), time.Millisecond) {
		t.Fatal("expected sleep to complete")
	}
}
