package ringbuffer

import (
	"reflect"
	"sync"
	"testing"
)

// TestRing_overwrite tests that the oldest items are dropped when full.
func TestRing_overwrite(t *testing.T) {
	r := New[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	if r.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", r.Len())
	}
	if got := r.Items(); !reflect.DeepEqual(got, []int{3, 4, 5}) {
		t.Errorf("Items() = %v", got)
	}
}

// TestRing_partial tests order before the buffer wraps.
func TestRing_partial(t *testing.T) {
	r := New[string](4)
	r.Push("a")
	r.Push("b")
	if got := r.Items(); !reflect.DeepEqual(got, []string{"a", "b"}) {
		t.Errorf("Items() = %v", got)
	}
	if r.Cap() != 4 {
		t.Errorf("Cap() = %d", r.Cap())
	}
}

// TestRing_filterReset tests filtering and reset.
func TestRing_filterReset(t *testing.T) {
	r := New[int](0)
	if r.Cap() != 1 {
		t.Fatalf("zero capacity should clamp to 1, got %d", r.Cap())
	}
	r = New[int](10)
	for i := 0; i < 10; i++ {
		r.Push(i)
	}
	even := r.Filter(func(v int) bool { return v%2 == 0 })
	if len(even) != 5 {
		t.Errorf("Filter = %v", even)
	}
	r.Reset()
	if r.Len() != 0 || len(r.Items()) != 0 {
		t.Error("Reset left items")
	}
}

// TestRing_concurrent tests concurrent pushes keep the length bounded.
func TestRing_concurrent(t *testing.T) {
	r := New[int](16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				r.Push(i)
				_ = r.Items()
			}
		}()
	}
	wg.Wait()
	if r.Len() != 16 {
		t.Errorf("Len() = %d, want 16", r.Len())
	}
}
