package invoice

import (
	"context"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"evrpos/internal/store"
	"evrpos/internal/store/memory"
)

type fakeClock struct {
	at time.Time
}

func (c *fakeClock) Now() time.Time { return c.at }

func TestSequenceIsPerDateAndResets(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	clock := &fakeClock{at: time.Date(2024, 3, 9, 10, 0, 0, 0, time.Local)}
	kv := memory.New()
	seq := NewSequencer(kv, logger, "", clock.Now)
	ctx := context.Background()

	got := []string{seq.Next(ctx), seq.Next(ctx), seq.Next(ctx)}
	want := []string{"EVR-20240309-0001", "EVR-20240309-0002", "EVR-20240309-0003"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("allocation %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	clock.at = clock.at.Add(24 * time.Hour)
	if id := seq.Next(ctx); id != "EVR-20240310-0001" {
		t.Fatalf("expected reset on new date, got %s", id)
	}
	if seq.Last("20240309") != 3 {
		t.Fatalf("previous day counter must be kept, got %d", seq.Last("20240309"))
	}

	var saved map[string]int
	if ok, err := store.LoadJSON(ctx, kv, store.KeyInvoiceCounters, &saved); err != nil || !ok {
		t.Fatalf("counters not persisted: ok=%v err=%v", ok, err)
	}
	if saved["20240309"] != 3 || saved["20240310"] != 1 {
		t.Fatalf("unexpected persisted counters %v", saved)
	}
}

func TestSequenceContinuesFromStoredCounters(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	clock := &fakeClock{at: time.Date(2024, 3, 9, 10, 0, 0, 0, time.Local)}
	kv := memory.NewWith(map[string]string{store.KeyInvoiceCounters: `{"20240309":9999}`})
	seq := NewSequencer(kv, logger, "POS", clock.Now)
	if err := seq.Load(context.Background()); err != nil {
		t.Fatalf("load: %v", err)
	}

	if id := seq.Next(context.Background()); id != "POS-20240309-10000" {
		t.Fatalf("expected widening past 9999, got %s", id)
	}
}

func TestLoadNeverMovesCounterBackwards(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	clock := &fakeClock{at: time.Date(2024, 3, 9, 10, 0, 0, 0, time.Local)}
	kv := memory.New()
	seq := NewSequencer(kv, logger, "EVR", clock.Now)
	ctx := context.Background()
	seq.Next(ctx)
	seq.Next(ctx)

	if err := kv.Set(ctx, store.KeyInvoiceCounters, `{"20240309":1}`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := seq.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if id := seq.Next(ctx); id != "EVR-20240309-0003" {
		t.Fatalf("expected 0003 after stale reload, got %s", id)
	}
}

func TestNullStoredCountersStillAllocate(t *testing.T) {
	logger, _ := logtest.NewNullLogger()
	clock := &fakeClock{at: time.Date(2024, 3, 9, 10, 0, 0, 0, time.Local)}
	kv := memory.NewWith(map[string]string{store.KeyInvoiceCounters: `null`})
	seq := NewSequencer(kv, logger, "EVR", clock.Now)
	ctx := context.Background()
	if err := seq.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	if id := seq.Next(ctx); id != "EVR-20240309-0001" {
		t.Fatalf("expected first allocation, got %s", id)
	}

	if err := kv.Set(ctx, store.KeyInvoiceCounters, `null`); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := seq.Load(ctx); err != nil {
		t.Fatalf("reload over null: %v", err)
	}
	if id := seq.Next(ctx); id != "EVR-20240309-0002" {
		t.Fatalf("in-memory counter should survive a null snapshot, got %s", id)
	}
}
