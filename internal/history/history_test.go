package history

import (
	"testing"
	"time"

	"coinwatchv1/internal/model"
)

func candle(open int64, ts time.Time) model.Candle {
	return model.Candle{Symbol: "btcusdt", WindowStart: ts, Open: open, High: open, Low: open, Close: open}
}

func TestRing_AppendOrder(t *testing.T) {
	r := New(10)
	t0 := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	for i := int64(0); i < 3; i++ {
		r.Push(candle(100+i, t0.Add(time.Duration(i)*time.Minute)))
	}

	snap := r.Snapshot()
	if len(snap) != 3 {
		t.Fatalf("expected 3 candles, got %d", len(snap))
	}
	for i, c := range snap {
		if c.Open != 100+int64(i) {
			t.Errorf("snapshot[%d].Open = %d, want %d", i, c.Open, 100+int64(i))
		}
	}
}

func TestRing_EvictsOldest(t *testing.T) {
	r := New(2)
	t0 := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	// 3 pushes into capacity 2: only #2 and #3 survive, in order.
	r.Push(candle(1, t0))
	r.Push(candle(2, t0.Add(time.Minute)))
	r.Push(candle(3, t0.Add(2*time.Minute)))

	if r.Len() != 2 {
		t.Fatalf("expected len=2, got %d", r.Len())
	}
	snap := r.Snapshot()
	if snap[0].Open != 2 || snap[1].Open != 3 {
		t.Errorf("expected [2 3], got [%d %d]", snap[0].Open, snap[1].Open)
	}
}

func TestRing_BoundHolds(t *testing.T) {
	r := New(100)
	t0 := time.Now().UTC()

	for i := 0; i < 250; i++ {
		r.Push(candle(int64(i), t0.Add(time.Duration(i)*time.Second)))
		if r.Len() > 100 {
			t.Fatalf("length %d exceeds bound after %d pushes", r.Len(), i+1)
		}
	}

	snap := r.Snapshot()
	if len(snap) != 100 {
		t.Fatalf("expected 100 candles, got %d", len(snap))
	}
	// The 100 most recent, oldest-first: opens 150..249.
	if snap[0].Open != 150 || snap[99].Open != 249 {
		t.Errorf("expected window [150..249], got [%d..%d]", snap[0].Open, snap[99].Open)
	}
}

func TestRing_SnapshotIsCopy(t *testing.T) {
	r := New(4)
	r.Push(candle(7, time.Now().UTC()))

	snap := r.Snapshot()
	snap[0].Open = 999

	if got := r.Snapshot()[0].Open; got != 7 {
		t.Errorf("mutating a snapshot leaked into the ring: open=%d", got)
	}
}
