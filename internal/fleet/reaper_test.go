package fleet

import (
	"context"
	"testing"
	"time"
)

func TestSweepEvictsPastThreshold(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	threshold := 5 * time.Minute

	registry := NewRegistry(nil, nil)
	registry.SetClock(fixedClock(base))
	registry.Register(NewMockConn("conn-1"), RegisterPayload{TabletID: strPtr("lobby")})

	reaper := NewReaper(registry, time.Minute, threshold)

	// At the threshold exactly, the tablet survives.
	reaper.SetClock(fixedClock(base.Add(threshold)))
	if evicted := reaper.Sweep(); len(evicted) != 0 {
		t.Fatalf("expected no evictions at the threshold, got %d", len(evicted))
	}

	// One second past, it is gone.
	reaper.SetClock(fixedClock(base.Add(threshold + time.Second)))
	evicted := reaper.Sweep()
	if len(evicted) != 1 || evicted[0].TabletID != "lobby" {
		t.Fatalf("expected lobby evicted, got %+v", evicted)
	}
	if registry.ActiveCount() != 0 {
		t.Error("expected registry emptied by sweep")
	}
}

func TestReaperLifecycle(t *testing.T) {
	registry := NewRegistry(nil, nil)
	reaper := NewReaper(registry, 10*time.Millisecond, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reaper.Start(ctx)

	// Close must stop the loop and return promptly.
	done := make(chan struct{})
	go func() {
		reaper.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not stop")
	}
}
