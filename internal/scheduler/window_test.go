package scheduler

import (
	"testing"
	"time"
)

func TestWindowPrune(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := window{span: time.Minute}
	w.record(base, 100)
	w.record(base.Add(10*time.Second), 50)
	w.record(base.Add(30*time.Second), 25)

	w.prune(base.Add(59 * time.Second))
	if len(w.requests) != 3 || w.tokenSum != 175 {
		t.Fatalf("nothing should expire yet: %d requests, %d tokens", len(w.requests), w.tokenSum)
	}

	// An entry exactly one span old is out of the window.
	w.prune(base.Add(time.Minute))
	if len(w.requests) != 2 || w.tokenSum != 75 {
		t.Fatalf("got %d requests, %d tokens; want 2, 75", len(w.requests), w.tokenSum)
	}

	w.prune(base.Add(2 * time.Minute))
	if len(w.requests) != 0 || len(w.tokens) != 0 || w.tokenSum != 0 {
		t.Fatalf("window should be empty, got %d requests, %d tokens", len(w.requests), w.tokenSum)
	}
}

func TestWindowNextExpiry(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := window{span: time.Minute}
	if !w.nextExpiry().IsZero() {
		t.Fatal("empty window should have no expiry")
	}
	w.record(base, 1)
	w.record(base.Add(5*time.Second), 1)
	if got, want := w.nextExpiry(), base.Add(time.Minute); !got.Equal(want) {
		t.Errorf("nextExpiry = %v, want %v", got, want)
	}
}

func TestWindowRecordIsMonotonic(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	w := window{span: time.Minute}
	w.record(base, 1)
	w.record(base.Add(-time.Second), 1)
	if w.requests[1].Before(w.requests[0]) {
		t.Errorf("request log went backwards: %v then %v", w.requests[0], w.requests[1])
	}
}
