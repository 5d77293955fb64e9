package events

import (
	"bytes"
	"testing"

	"github.com/kimhsiao/marketsync/internal/logging"
)

// TestBus_publish tests delivery order and unsubscribe.
func TestBus_publish(t *testing.T) {
	b := NewBus[int]("test")
	var got []int

	unsub := b.Subscribe(func(v int) { got = append(got, v) })
	b.Subscribe(func(v int) { got = append(got, v*10) })

	b.Publish(1)
	unsub()
	unsub()
	b.Publish(2)

	want := []int{1, 10, 20}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
		}
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d, want 1", b.Len())
	}
}

// TestBus_panicIsolation tests that one panicking subscriber does not stop others.
func TestBus_panicIsolation(t *testing.T) {
	logging.SetOutput(&bytes.Buffer{})
	b := NewBus[string]("panic")
	delivered := false
	b.Subscribe(func(string) { panic("boom") })
	b.Subscribe(func(string) { delivered = true })

	b.Publish("x")
	if !delivered {
		t.Error("second subscriber not called after panic")
	}
}

// TestSafeCall tests panic recovery for callbacks.
func TestSafeCall(t *testing.T) {
	logging.SetOutput(&bytes.Buffer{})
	if !SafeCall("ok", func() {}) {
		t.Error("SafeCall returned false for normal fn")
	}
	if SafeCall("bad", func() { panic("x") }) {
		t.Error("SafeCall returned true for panicking fn")
	}
	if !SafeCall("nil", nil) {
		t.Error("SafeCall(nil) should be a no-op")
	}
}
