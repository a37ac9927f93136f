package fieldcache

import (
	"fmt"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for TTL tests.
type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}
func (f *fakeClock) now() time.Time            { return f.t }
func (f *fakeClock) advance(d time.Duration)   { f.t = f.t.Add(d) }

func TestGetPut(t *testing.T) {
	c := New[string, int](Config{MaxSize: 4, Timeout: time.Minute})

	c.Put("a", 1, "")
	e, ok := c.Get("a")
	if !ok {
		t.Fatal("get after put: missing")
	}
	if e.Data != 1 {
		t.Errorf("Data: got %d, want 1", e.Data)
	}
	if e.Hits != 1 {
		t.Errorf("Hits: got %d, want 1", e.Hits)
	}

	if _, ok := c.Get("missing"); ok {
		t.Error("get of absent key: expected miss")
	}
}

func TestTTL_HardExpiry(t *testing.T) {
	clk := newFakeClock()
	c := New[string, string](Config{MaxSize: 10, Timeout: 30 * time.Second, Now: clk.now})

	c.Put("k", "v", "")

	// Reads must not refresh the TTL.
	clk.advance(20 * time.Second)
	if _, ok := c.Get("k"); !ok {
		t.Fatal("entry expired early")
	}
	clk.advance(15 * time.Second) // 35s after insertion, 15s after last read
	if _, ok := c.Get("k"); ok {
		t.Error("entry survived past its hard TTL")
	}
	if got := c.Stats().Size; got != 0 {
		t.Errorf("Size after expiry read: got %d, want 0", got)
	}
}

func TestCapacity_EvictsExactlyLRU(t *testing.T) {
	clk := newFakeClock()
	c := New[string, int](Config{MaxSize: 3, Timeout: time.Hour, Now: clk.now})

	c.Put("a", 1, "")
	clk.advance(time.Second)
	c.Put("b", 2, "")
	clk.advance(time.Second)
	c.Put("c", 3, "")
	clk.advance(time.Second)

	// Touch a and b; c becomes least recently accessed.
	c.Get("a")
	clk.advance(time.Second)
	c.Get("b")
	clk.advance(time.Second)

	c.Put("d", 4, "")

	if _, ok := c.Get("c"); ok {
		t.Error("LRU victim c still present")
	}
	for _, k := range []string{"a", "b", "d"} {
		if _, ok := c.Get(k); !ok {
			t.Errorf("entry %q was evicted, want kept", k)
		}
	}
	if got := c.Stats().Size; got != 3 {
		t.Errorf("Size: got %d, want 3 (never exceeds MaxSize)", got)
	}
}

func TestCapacity_NeverExceedsMax(t *testing.T) {
	c := New[string, int](Config{MaxSize: 8, Timeout: time.Hour})
	for i := 0; i < 50; i++ {
		c.Put(fmt.Sprintf("k%d", i), i, "")
		if got := c.Stats().Size; got > 8 {
			t.Fatalf("Size %d exceeds MaxSize after insert %d", got, i)
		}
	}
}

func TestCapacity_ExpiredClearedBeforeEviction(t *testing.T) {
	clk := newFakeClock()
	c := New[string, int](Config{MaxSize: 2, Timeout: 10 * time.Second, Now: clk.now})

	c.Put("stale", 1, "")
	clk.advance(11 * time.Second)
	c.Put("live", 2, "")
	c.Put("live2", 3, "")

	// "stale" was past TTL, so no live entry should have been evicted.
	if _, ok := c.Get("live"); !ok {
		t.Error("live entry evicted while an expired one occupied a slot")
	}
	if _, ok := c.Get("live2"); !ok {
		t.Error("live2 missing")
	}
}

func TestPut_OverwriteDoesNotEvict(t *testing.T) {
	c := New[string, int](Config{MaxSize: 2, Timeout: time.Hour})
	c.Put("a", 1, "")
	c.Put("b", 2, "")
	c.Put("a", 10, "") // overwrite, cache already full

	ea, ok := c.Get("a")
	if !ok || ea.Data != 10 {
		t.Fatalf("overwrite: got %+v ok=%v", ea, ok)
	}
	if _, ok := c.Get("b"); !ok {
		t.Error("overwrite of existing key must not evict another entry")
	}
}

func TestInvalidateAndClear(t *testing.T) {
	c := New[string, int](Config{MaxSize: 4, Timeout: time.Hour})
	c.Put("a", 1, "sig-1")
	c.Put("b", 2, "sig-1")
	c.Put("c", 3, "sig-2")

	c.Invalidate("a")
	if _, ok := c.Get("a"); ok {
		t.Error("a still present after Invalidate")
	}

	n := c.InvalidateFunc(func(_ string, e *Entry[int]) bool { return e.Context == "sig-1" })
	if n != 1 {
		t.Errorf("InvalidateFunc: got %d, want 1", n)
	}
	if _, ok := c.Get("b"); ok {
		t.Error("b still present after InvalidateFunc by context")
	}

	c.Clear()
	if got := c.Stats().Size; got != 0 {
		t.Errorf("Size after Clear: got %d, want 0", got)
	}
}

func TestStats(t *testing.T) {
	c := New[string, int](Config{MaxSize: 7, Timeout: 90 * time.Second})
	c.Put("a", 1, "")
	st := c.Stats()
	if st.Size != 1 || st.MaxSize != 7 || st.Timeout != 90*time.Second {
		t.Errorf("Stats: got %+v", st)
	}
}
