package ember

import (
	"testing"
	"time"
)

func TestPendingIDSet(t *testing.T) {
	clock := newFakeClock()
	p := NewPendingIDSet(5 * time.Second)
	p.now = clock.now

	t.Run("membership", func(t *testing.T) {
		p.Add("temp-1")
		if !p.Contains("temp-1") {
			t.Fatal("expected temp-1 present")
		}
		if p.Contains("temp-2") {
			t.Fatal("unexpected member")
		}
	})

	t.Run("expires after the window", func(t *testing.T) {
		clock.advance(4 * time.Second)
		if !p.Contains("temp-1") {
			t.Fatal("expired too early")
		}
		clock.advance(2 * time.Second)
		if p.Contains("temp-1") {
			t.Fatal("expected temp-1 expired")
		}
		if p.Len() != 0 {
			t.Fatalf("expected pruned set, len=%d", p.Len())
		}
	})

	t.Run("re-add resets expiry", func(t *testing.T) {
		p.Add("temp-3")
		clock.advance(4 * time.Second)
		p.Add("temp-3")
		clock.advance(4 * time.Second)
		if !p.Contains("temp-3") {
			t.Fatal("re-add should reset the expiry")
		}
	})

	t.Run("remove drops early", func(t *testing.T) {
		p.Add("temp-4")
		p.Remove("temp-4")
		if p.Contains("temp-4") {
			t.Fatal("expected temp-4 removed")
		}
	})
}
