package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryStoreWindowReset(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := time.Second

	for i := 1; i <= 3; i++ {
		rec := store.Increment("k", window, base)
		if rec.Count != i {
			t.Fatalf("expected count %d, got %d", i, rec.Count)
		}
	}

	rec := store.Increment("k", window, base.Add(500*time.Millisecond))
	if rec.Count != 4 {
		t.Fatalf("expected count 4 inside window, got %d", rec.Count)
	}

	rec = store.Increment("k", window, base.Add(1001*time.Millisecond))
	if rec.Count != 1 {
		t.Fatalf("expected fresh window with count 1, got %d", rec.Count)
	}
	wantReset := base.Add(1001 * time.Millisecond).Add(window)
	if !rec.ResetAt.Equal(wantReset) {
		t.Fatalf("expected reset %s, got %s", wantReset, rec.ResetAt)
	}
}

func TestMemoryStoreAllowFixedWindow(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	window := time.Second

	for i := 0; i < 3; i++ {
		res, err := store.Allow(context.Background(), "k", 3, window, base)
		if err != nil {
			t.Fatalf("allow: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("expected call %d allowed", i+1)
		}
		if res.Remaining != 3-i-1 {
			t.Fatalf("expected remaining %d, got %d", 3-i-1, res.Remaining)
		}
	}

	res, err := store.Allow(context.Background(), "k", 3, window, base.Add(500*time.Millisecond))
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if res.Allowed || res.Remaining != 0 {
		t.Fatalf("expected denial with remaining 0, got %+v", res)
	}

	res, err = store.Allow(context.Background(), "k", 3, window, base.Add(1001*time.Millisecond))
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if !res.Allowed || res.Remaining != 2 {
		t.Fatalf("expected fresh window allow with remaining 2, got %+v", res)
	}
}

func TestMemoryStoreGetHidesExpired(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store.Increment("k", time.Second, base)
	if _, ok := store.Get("k", base.Add(500*time.Millisecond)); !ok {
		t.Fatalf("expected live record visible")
	}
	if _, ok := store.Get("k", base.Add(time.Second)); ok {
		t.Fatalf("expected expired record hidden before sweep")
	}
	if store.Len() != 1 {
		t.Fatalf("expected record still physically present, len=%d", store.Len())
	}
}

func TestMemoryStoreSweepRemovesOnlyExpired(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	store.Increment("old", time.Second, base)
	for i := 0; i < 10; i++ {
		store.Increment("busy", time.Minute, base)
	}

	evicted := store.Sweep(base.Add(2 * time.Second))
	if evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	rec, ok := store.Get("busy", base.Add(2*time.Second))
	if !ok {
		t.Fatalf("expected live record untouched by sweep")
	}
	if rec.Count != 10 {
		t.Fatalf("expected count 10 preserved, got %d", rec.Count)
	}
}

func TestMemoryStoreAllowNoDoubleAdmit(t *testing.T) {
	store := NewMemoryStore()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	const limit = 5
	const callers = 50

	var wg sync.WaitGroup
	allowed := make(chan struct{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := store.Allow(context.Background(), "k", limit, time.Minute, base)
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if res.Allowed {
				allowed <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(allowed)

	got := 0
	for range allowed {
		got++
	}
	if got != limit {
		t.Fatalf("expected exactly %d admissions, got %d", limit, got)
	}
}
