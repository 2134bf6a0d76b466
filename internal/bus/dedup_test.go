package bus

import (
	"context"
	"fmt"
	"sync"
	"testing"
)

func TestMemoryDeduper_SeenOnce(t *testing.T) {
	d := NewMemoryDeduper(10)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "k1")
	if err != nil || seen {
		t.Fatalf("first sighting: seen=%v err=%v", seen, err)
	}
	seen, err = d.Seen(ctx, "k1")
	if err != nil || !seen {
		t.Fatalf("second sighting: seen=%v err=%v", seen, err)
	}
	seen, _ = d.Seen(ctx, "k2")
	if seen {
		t.Fatal("distinct key reported as seen")
	}
}

func TestMemoryDeduper_EvictsOldestAtCapacity(t *testing.T) {
	d := NewMemoryDeduper(3)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d.Seen(ctx, fmt.Sprintf("k%d", i))
	}

	// k0 was evicted to make room for k3, so it reads as new again.
	seen, _ := d.Seen(ctx, "k0")
	if seen {
		t.Fatal("oldest key should have been evicted")
	}
	// k3 is still inside the window.
	seen, _ = d.Seen(ctx, "k3")
	if !seen {
		t.Fatal("newest key should still be in the window")
	}
}

func TestMemoryDeduper_ConcurrentSightingsAgreeOnFirst(t *testing.T) {
	d := NewMemoryDeduper(100)
	ctx := context.Background()

	const workers = 16
	var wg sync.WaitGroup
	firsts := make(chan struct{}, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			seen, err := d.Seen(ctx, "shared")
			if err != nil {
				t.Errorf("seen: %v", err)
				return
			}
			if !seen {
				firsts <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(firsts)

	var count int
	for range firsts {
		count++
	}
	if count != 1 {
		t.Fatalf("exactly one sighting must be first, got %d", count)
	}
}
