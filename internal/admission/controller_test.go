package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

func TestAdmitUntilCapacity(t *testing.T) {
	ctx := context.Background()
	c := NewController(3, nil, testLogger())

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		slot, err := c.Admit(ctx, fmt.Sprintf("conv-%d", i), "caller")
		if err != nil {
			t.Fatalf("Admit %d failed: %v", i+1, err)
		}
		if slot.ID == "" {
			t.Fatal("Expected a slot ID")
		}
		if seen[slot.ID] {
			t.Fatalf("Duplicate slot ID %s", slot.ID)
		}
		seen[slot.ID] = true
	}

	slot, err := c.Admit(ctx, "conv-overflow", "caller")
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected ErrCapacityExceeded, got %v", err)
	}
	if slot != nil {
		t.Errorf("Expected no slot on rejection, got %+v", slot)
	}

	stats := c.Stats(ctx)
	if stats.Accepted != 3 || stats.Rejected != 1 {
		t.Errorf("Expected 3 accepted and 1 rejected, got %+v", stats)
	}
	if stats.ActiveSlots != 3 {
		t.Errorf("Expected 3 active slots, got %d", stats.ActiveSlots)
	}
}

func TestReleaseRecoversExactlyOneSlot(t *testing.T) {
	ctx := context.Background()
	c := NewController(1, nil, testLogger())

	slotA, err := c.Admit(ctx, "conv-a", "caller")
	if err != nil {
		t.Fatalf("Admit A failed: %v", err)
	}

	if _, err := c.Admit(ctx, "conv-b", "caller"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Expected B to be rejected at capacity, got %v", err)
	}

	if !c.Release(ctx, "conv-a", slotA.ID, "client_disconnect") {
		t.Fatal("Expected release of A to succeed")
	}

	if _, err := c.Admit(ctx, "conv-c", "caller"); err != nil {
		t.Fatalf("Expected C to be admitted after A released, got %v", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c := NewController(2, nil, testLogger())

	slot, err := c.Admit(ctx, "conv-1", "caller")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if !c.Release(ctx, "conv-1", slot.ID, "client_stop") {
		t.Fatal("Expected first release to succeed")
	}
	if c.Release(ctx, "conv-1", slot.ID, "provider_error") {
		t.Fatal("Expected repeated release to be a no-op")
	}

	stats := c.Stats(ctx)
	if stats.Released != 1 {
		t.Errorf("Expected exactly 1 release counted, got %d", stats.Released)
	}
	if stats.ActiveSlots != 0 {
		t.Errorf("Expected 0 active slots, got %d", stats.ActiveSlots)
	}
}

func TestReleaseUnknownSlot(t *testing.T) {
	c := NewController(2, nil, testLogger())

	if c.Release(context.Background(), "conv-1", "no-such-slot", "cleanup") {
		t.Error("Expected release of unknown slot to report false")
	}
}

func TestConcurrentAdmissionsNeverExceedCapacity(t *testing.T) {
	ctx := context.Background()
	c := NewController(10, nil, testLogger())

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := c.Admit(ctx, fmt.Sprintf("conv-%d", i), "caller"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if admitted != 10 {
		t.Errorf("Expected exactly 10 admissions, got %d", admitted)
	}

	active, err := c.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active != 10 {
		t.Errorf("Expected 10 active slots, got %d", active)
	}

	stats := c.Stats(ctx)
	if stats.Rejected != 40 {
		t.Errorf("Expected 40 rejections, got %d", stats.Rejected)
	}
}

func TestConcurrentAdmitReleaseConverges(t *testing.T) {
	ctx := context.Background()
	c := NewController(5, nil, testLogger())

	var wg sync.WaitGroup
	for g := 0; g < 20; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				conversationID := fmt.Sprintf("conv-%d-%d", g, i)
				slot, err := c.Admit(ctx, conversationID, "caller")
				if err != nil {
					continue
				}
				c.Release(ctx, conversationID, slot.ID, "client_disconnect")
			}
		}(g)
	}
	wg.Wait()

	active, err := c.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active != 0 {
		t.Errorf("Expected all slots returned, got %d active", active)
	}

	stats := c.Stats(ctx)
	if stats.Accepted != stats.Released {
		t.Errorf("Every admission must be released, got %d accepted and %d released",
			stats.Accepted, stats.Released)
	}
	if stats.Accepted+stats.Rejected != 200 {
		t.Errorf("Expected 200 attempts accounted for, got %d", stats.Accepted+stats.Rejected)
	}
}

func TestStateInitializedOnFirstUse(t *testing.T) {
	ctx := context.Background()

	// No store is wired up front. The first operation must install the
	// in-process registry on its own.
	c := NewController(2, nil, testLogger())

	active, err := c.Active(ctx)
	if err != nil {
		t.Fatalf("Active before any admission failed: %v", err)
	}
	if active != 0 {
		t.Errorf("Expected empty registry, got %d", active)
	}

	if _, err := c.Admit(ctx, "conv-1", "caller"); err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if c.Capacity() != 2 {
		t.Errorf("Expected capacity 2, got %d", c.Capacity())
	}
}

func TestShutdownClearsRegistry(t *testing.T) {
	ctx := context.Background()
	c := NewController(4, nil, testLogger())

	for i := 0; i < 3; i++ {
		if _, err := c.Admit(ctx, fmt.Sprintf("conv-%d", i), "caller"); err != nil {
			t.Fatalf("Admit %d failed: %v", i+1, err)
		}
	}

	c.Shutdown(ctx)

	active, err := c.Active(ctx)
	if err != nil {
		t.Fatalf("Active failed: %v", err)
	}
	if active != 0 {
		t.Errorf("Expected registry cleared on shutdown, got %d", active)
	}
}
