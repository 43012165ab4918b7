package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/wudi/steer/internal/clock"
	"github.com/wudi/steer/internal/kv"
	"github.com/wudi/steer/internal/metrics"
)

func testConfig() Config {
	return Config{
		MaxQueueSize:        10,
		DropThreshold:       8,
		MaxMemorySize:       50,
		MaxQueueAge:         5 * time.Minute,
		SlowClientThreshold: time.Second,
	}
}

func newTestQueue(cfg Config) (*Queue, *kv.Memory, *clock.Fake) {
	store := kv.NewMemory()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	q := New("conn-1", "t1", cfg, store, clk, metrics.New())
	return q, store, clk
}

func TestFIFOAndSequenceIntegrity(t *testing.T) {
	q, _, _ := newTestQueue(testConfig())
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		if !q.Enqueue(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i)), KindIntermediate, false, 0) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}

	var last uint64
	for i := 0; i < 8; i++ {
		msg := q.Dequeue(ctx)
		if msg == nil {
			t.Fatalf("dequeue %d returned nil", i)
		}
		if msg.Sequence != last+1 {
			t.Fatalf("sequence gap: got %d after %d", msg.Sequence, last)
		}
		last = msg.Sequence
	}
	if q.Dequeue(ctx) != nil {
		t.Fatal("expected empty queue")
	}
}

func TestFIFOAcrossSpillBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 100
	cfg.DropThreshold = 90
	cfg.MaxMemorySize = 4
	q, _, _ := newTestQueue(cfg)
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		if !q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if q.Len() != 20 {
		t.Fatalf("expected 20 queued, got %d", q.Len())
	}

	for want := uint64(1); want <= 20; want++ {
		msg := q.Dequeue(ctx)
		if msg == nil {
			t.Fatalf("dequeue for seq %d returned nil", want)
		}
		if msg.Sequence != want {
			t.Fatalf("out of order across spill: got seq %d, want %d", msg.Sequence, want)
		}
	}
}

func TestIntermediateDroppedOverThreshold(t *testing.T) {
	q, _, _ := newTestQueue(testConfig())
	ctx := context.Background()

	accepted := 0
	for i := 0; i < 20; i++ {
		if q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0) {
			accepted++
		}
	}
	// Accepts while size <= threshold; one more lands before the check trips.
	if accepted != 9 {
		t.Fatalf("expected 9 accepted intermediates, got %d", accepted)
	}

	st := q.SnapshotState()
	if st.DroppedCount != 11 {
		t.Fatalf("expected 11 drops, got %d", st.DroppedCount)
	}
}

func TestFinalNeverDropped(t *testing.T) {
	q, _, _ := newTestQueue(testConfig())
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0)
	}
	// Fill to the hard cap and beyond with finals.
	for i := 0; i < 5; i++ {
		if !q.Enqueue(ctx, []byte(`{}`), KindFinal, true, 0) {
			t.Fatalf("final %d dropped", i)
		}
	}

	finals := 0
	for {
		msg := q.Dequeue(ctx)
		if msg == nil {
			break
		}
		if msg.IsFinal {
			finals++
		}
	}
	if finals != 5 {
		t.Fatalf("expected all 5 finals delivered, got %d", finals)
	}
}

func TestFinalEvictsOldestIntermediateAtCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 4
	cfg.DropThreshold = 3
	q, _, _ := newTestQueue(cfg)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0)
	}
	if q.Len() != 4 {
		t.Fatalf("setup: want 4 queued, got %d", q.Len())
	}
	if !q.Enqueue(ctx, []byte(`{}`), KindFinal, true, 0) {
		t.Fatal("final rejected at cap")
	}
	if q.Len() != 4 {
		t.Fatalf("eviction should keep size at cap, got %d", q.Len())
	}

	// The oldest intermediate (seq 1) is gone.
	first := q.Dequeue(ctx)
	if first == nil || first.Sequence != 2 {
		t.Fatalf("expected seq 2 first after eviction, got %+v", first)
	}
}

func TestFinalEvictsOldestSpilledIntermediate(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 4
	cfg.DropThreshold = 3
	cfg.MaxMemorySize = 2
	q, _, _ := newTestQueue(cfg)
	ctx := context.Background()

	// Four intermediates: seq 1 and 2 end up spilled, 3 and 4 in memory.
	for i := 0; i < 4; i++ {
		if !q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0) {
			t.Fatalf("enqueue %d rejected", i)
		}
	}
	if !q.Enqueue(ctx, []byte(`{}`), KindFinal, true, 0) {
		t.Fatal("final rejected at cap")
	}
	if q.Len() != 4 {
		t.Fatalf("eviction should keep size at cap, got %d", q.Len())
	}

	// Seq 1 was the globally oldest intermediate and lived in the spill.
	first := q.Dequeue(ctx)
	if first == nil || first.Sequence != 2 {
		t.Fatalf("expected seq 2 first after eviction, got %+v", first)
	}
}

func TestFinalEvictionSparesSpilledFinal(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 4
	cfg.DropThreshold = 3
	cfg.MaxMemorySize = 2
	q, _, _ := newTestQueue(cfg)
	ctx := context.Background()

	// The final enqueued first gets spilled to the tail position.
	q.Enqueue(ctx, []byte(`{}`), KindFinal, true, 0)
	for i := 0; i < 3; i++ {
		q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0)
	}
	if !q.Enqueue(ctx, []byte(`{}`), KindFinal, true, 0) {
		t.Fatal("final rejected at cap")
	}

	// The spilled final survives; the oldest in-memory intermediate went.
	wantSeqs := []uint64{1, 2, 4, 5}
	for _, want := range wantSeqs {
		msg := q.Dequeue(ctx)
		if msg == nil || msg.Sequence != want {
			t.Fatalf("expected seq %d, got %+v", want, msg)
		}
		if want == 1 && !msg.IsFinal {
			t.Fatal("seq 1 should be the surviving final")
		}
	}
	if q.Dequeue(ctx) != nil {
		t.Fatal("expected empty queue")
	}
}

func TestSlowClientDropsIntermediatesKeepsFinals(t *testing.T) {
	q, _, clk := newTestQueue(testConfig())
	ctx := context.Background()

	q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0)
	msg := q.Dequeue(ctx)
	q.MarkSent(msg)

	// No ack for longer than the threshold.
	clk.Advance(1500 * time.Millisecond)
	if !q.Slow() {
		t.Fatal("expected slow-client flag")
	}

	if q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0) {
		t.Fatal("intermediate accepted for slow client")
	}
	if !q.Enqueue(ctx, []byte(`{}`), KindFinal, true, 0) {
		t.Fatal("final rejected for slow client")
	}

	// The overdue ack advances the window but does not clear the flag.
	q.Ack(msg.Sequence)
	if !q.Slow() {
		t.Fatal("late ack must not clear the slow flag")
	}

	// A timely ack on the next message does.
	fin := q.Dequeue(ctx)
	if fin == nil || !fin.IsFinal {
		t.Fatalf("expected the queued final, got %+v", fin)
	}
	q.MarkSent(fin)
	clk.Advance(100 * time.Millisecond)
	q.Ack(fin.Sequence)
	if q.Slow() {
		t.Fatal("slow flag should clear on a timely ack")
	}
	if !q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0) {
		t.Fatal("intermediate rejected after recovery")
	}
}

func TestAgedOutIntermediatesSkippedFinalsSurvive(t *testing.T) {
	q, _, clk := newTestQueue(testConfig())
	ctx := context.Background()

	q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0)
	q.Enqueue(ctx, []byte(`{}`), KindFinal, true, 0)

	clk.Advance(6 * time.Minute)

	msg := q.Dequeue(ctx)
	if msg == nil || !msg.IsFinal {
		t.Fatalf("expected the final past max age, got %+v", msg)
	}
	if q.Dequeue(ctx) != nil {
		t.Fatal("aged intermediate should have been discarded")
	}
	if st := q.SnapshotState(); st.DroppedCount != 1 {
		t.Fatalf("expected 1 aged-out drop, got %d", st.DroppedCount)
	}
}

func TestPersistRestoreRoundTrip(t *testing.T) {
	cfg := testConfig()
	store := kv.NewMemory()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	m := metrics.New()
	ctx := context.Background()

	q := New("conn-1", "t1", cfg, store, clk, m)
	for i := 0; i < 5; i++ {
		q.Enqueue(ctx, []byte(fmt.Sprintf(`{"n":%d}`, i)), KindIntermediate, false, 0)
	}
	if err := q.Persist(ctx); err != nil {
		t.Fatal(err)
	}

	q2 := New("conn-1", "t1", cfg, store, clk, metrics.New())
	n, err := q2.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 5 {
		t.Fatalf("expected 5 restored, got %d", n)
	}

	for want := uint64(1); want <= 5; want++ {
		msg := q2.Dequeue(ctx)
		if msg == nil || msg.Sequence != want {
			t.Fatalf("restore broke ordering at seq %d: %+v", want, msg)
		}
	}

	// New sequences continue past the restored maximum.
	q2.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0)
	if msg := q2.Dequeue(ctx); msg == nil || msg.Sequence != 6 {
		t.Fatalf("expected seq 6 after restore, got %+v", msg)
	}
}

func TestRestoreOverflowStaysSpilled(t *testing.T) {
	cfg := testConfig()
	cfg.MaxQueueSize = 100
	cfg.DropThreshold = 90
	store := kv.NewMemory()
	clk := clock.NewFake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	q := New("conn-1", "t1", cfg, store, clk, metrics.New())
	for i := 0; i < 7; i++ {
		q.Enqueue(ctx, []byte(`{}`), KindIntermediate, false, 0)
	}
	if err := q.Persist(ctx); err != nil {
		t.Fatal(err)
	}

	cfg.MaxMemorySize = 3
	q2 := New("conn-1", "t1", cfg, store, clk, metrics.New())
	n, err := q2.Restore(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 7 {
		t.Fatalf("expected 7 restored, got %d", n)
	}

	for want := uint64(1); want <= 7; want++ {
		msg := q2.Dequeue(ctx)
		if msg == nil || msg.Sequence != want {
			t.Fatalf("overflow restore broke ordering at seq %d: %+v", want, msg)
		}
	}
}

func TestRestoreEmptyKey(t *testing.T) {
	q, _, _ := newTestQueue(testConfig())
	n, err := q.Restore(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("expected 0 restored, got %d", n)
	}
}
