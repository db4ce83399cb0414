package maintenance

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mattjoyce/bascule/internal/events"
	"github.com/mattjoyce/bascule/internal/log"
	"github.com/mattjoyce/bascule/internal/pool"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakePruner struct {
	calls  atomic.Int64
	pruned int64
}

func (f *fakePruner) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	f.calls.Add(1)
	return f.pruned, nil
}

type fakeRecoverer struct {
	calls atomic.Int64
}

func (f *fakeRecoverer) RecoverBroken(ctx context.Context) int {
	f.calls.Add(1)
	return 0
}

func (f *fakeRecoverer) Stats() pool.Stats {
	return pool.Stats{Capacity: 2, Idle: 2}
}

func TestTickRunsImmediatelyAndRepeats(t *testing.T) {
	pruner := &fakePruner{}
	rec := &fakeRecoverer{}
	l := New(Config{
		TickInterval:     20 * time.Millisecond,
		JournalRetention: time.Hour,
	}, pruner, rec, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Start(ctx)

	deadline := time.After(2 * time.Second)
	for pruner.calls.Load() < 2 || rec.calls.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("loop did not tick twice: prune=%d recover=%d",
				pruner.calls.Load(), rec.calls.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	l.Stop()
}

func TestPrunePublishesEvent(t *testing.T) {
	hub := events.NewHub(16)
	ch, cancel := hub.Subscribe()
	defer cancel()

	pruner := &fakePruner{pruned: 3}
	l := New(Config{
		TickInterval:     time.Hour, // only the immediate pass runs
		JournalRetention: time.Hour,
	}, pruner, &fakeRecoverer{}, hub)

	ctx, cancelCtx := context.WithCancel(context.Background())
	defer cancelCtx()
	l.Start(ctx)
	defer l.Stop()

	select {
	case ev := <-ch:
		if ev.Type != events.TypeMaintenancePruned {
			t.Errorf("event type = %q, want %q", ev.Type, events.TypeMaintenancePruned)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no maintenance.pruned event published")
	}
}

func TestStopHaltsLoop(t *testing.T) {
	pruner := &fakePruner{}
	l := New(Config{
		TickInterval:     10 * time.Millisecond,
		JournalRetention: time.Hour,
	}, pruner, &fakeRecoverer{}, nil)

	l.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	l.Stop()

	calls := pruner.calls.Load()
	time.Sleep(50 * time.Millisecond)
	if got := pruner.calls.Load(); got != calls {
		t.Errorf("loop still ticking after Stop: %d -> %d", calls, got)
	}
}
