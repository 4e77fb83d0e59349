package stage2

import (
	"context"
	"testing"
)

func TestMemoryBusyCacheCounts(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryBusyCache()

	busy, err := c.IsBusy(ctx, "2001")
	if err != nil || busy {
		t.Fatalf("IsBusy = %v, %v, want false for an unknown extension", busy, err)
	}

	c.CallStarted(ctx, "2001")
	c.CallStarted(ctx, "2001")
	if busy, _ = c.IsBusy(ctx, "2001"); !busy {
		t.Error("extension with two legs must be busy")
	}

	c.CallEnded(ctx, "2001")
	if busy, _ = c.IsBusy(ctx, "2001"); !busy {
		t.Error("one leg remaining still counts as busy")
	}

	c.CallEnded(ctx, "2001")
	if busy, _ = c.IsBusy(ctx, "2001"); busy {
		t.Error("all legs ended, extension must be idle")
	}
}

func TestMemoryBusyCacheFloorsAtZero(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryBusyCache()

	// a finalize without a matching initialize must not go negative
	c.CallEnded(ctx, "2001")
	c.CallStarted(ctx, "2001")
	if busy, _ := c.IsBusy(ctx, "2001"); !busy {
		t.Error("stray finalize must not swallow the next leg")
	}
}

func TestMemoryBusyCacheStatus(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryBusyCache()
	c.CallStarted(ctx, "2001")
	c.CallStarted(ctx, "2001")
	c.CallStarted(ctx, "2002")
	c.CallEnded(ctx, "2002")

	status, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(status) != 1 {
		t.Fatalf("status entries = %d, want 1 (idle extensions filtered)", len(status))
	}
	if status["2001"] != 2 {
		t.Errorf("legs for 2001 = %d, want 2", status["2001"])
	}
}

func TestMemoryBusyCacheFlush(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryBusyCache()
	c.CallStarted(ctx, "2001")

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if busy, _ := c.IsBusy(ctx, "2001"); busy {
		t.Error("flush must clear all counts")
	}
}
