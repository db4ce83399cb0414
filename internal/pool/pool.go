// Package pool manages the fixed set of invocation slots that bound
// concurrent interpreter invocations. Slot state lives here and nowhere
// else: callers get a *Slot handle to run against and give it back
// through Release with a health verdict.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/bascule/internal/log"
)

// State is the lifecycle position of a slot.
type State int

const (
	// StateIdle means the slot is in the free list, ready for use.
	StateIdle State = iota
	// StateBusy means an invocation currently owns the slot.
	StateBusy
	// StateBroken means the slot needs re-initialization before its
	// next use. Re-initialization happens lazily on acquisition.
	StateBroken
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBusy:
		return "busy"
	case StateBroken:
		return "broken"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	// ErrExhausted is returned when no slot frees up within the acquire
	// timeout. Callers surface it immediately; it is not a retry signal.
	ErrExhausted = errors.New("no idle slot available within acquire timeout")
	// ErrClosed is returned once the pool has shut down.
	ErrClosed = errors.New("pool is closed")
	// ErrProbeFailed is returned when a broken slot fails its
	// re-initialization probe. The invocation channel is degraded.
	ErrProbeFailed = errors.New("slot re-initialization probe failed")
)

// ProbeFunc performs a cheap no-op invocation to verify the channel to
// the engine works before a revived slot is handed out.
type ProbeFunc func(ctx context.Context, slot *Slot) error

// Event reports a slot lifecycle change for observers.
type Event struct {
	Type       string
	SlotID     int
	Generation int
}

// Event types.
const (
	EventSlotBroken   = "slot_broken"
	EventSlotRevived  = "slot_revived"
	EventSlotReplaced = "slot_replaced"
)

// Config sizes and tunes the pool.
type Config struct {
	Capacity       int
	AcquireTimeout time.Duration
	ProbeTimeout   time.Duration
	// Notify, when set, receives slot lifecycle events. Calls are made
	// under no lock but must not block.
	Notify func(Event)
}

// Slot is one invocation slot. All fields are owned by the pool; callers
// only read the identity accessors.
type Slot struct {
	id         int
	generation int
	state      State
	failures   int
	lastUsed   time.Time
}

// ID returns the slot's stable identity.
func (s *Slot) ID() int { return s.id }

// Generation counts how many times the slot has been re-initialized.
func (s *Slot) Generation() int { return s.generation }

// Stats is a point-in-time census of slot states.
type Stats struct {
	Capacity int `json:"capacity"`
	Idle     int `json:"idle"`
	Busy     int `json:"busy"`
	Broken   int `json:"broken"`
}

// SlotInfo is one row of a pool snapshot.
type SlotInfo struct {
	ID         int       `json:"id"`
	State      string    `json:"state"`
	Generation int       `json:"generation"`
	Failures   int       `json:"failures"`
	LastUsed   time.Time `json:"last_used,omitempty"`
}

// Pool is the fixed-capacity slot pool. Waiters blocked in Acquire are
// served in arrival order by the runtime's channel receive queue, so no
// waiter starves while slots keep cycling.
type Pool struct {
	cfg    Config
	probe  ProbeFunc
	logger *slog.Logger

	idle chan *Slot

	mu     sync.Mutex
	slots  map[int]*Slot
	nextID int
	closed bool
}

// New creates a pool with cfg.Capacity fresh Idle slots. probe is
// required: broken slots cannot be revived without one.
func New(cfg Config, probe ProbeFunc) (*Pool, error) {
	if cfg.Capacity < 1 {
		return nil, fmt.Errorf("pool: capacity must be at least 1 (got %d)", cfg.Capacity)
	}
	if cfg.AcquireTimeout <= 0 {
		return nil, fmt.Errorf("pool: acquire timeout must be positive")
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if probe == nil {
		return nil, fmt.Errorf("pool: probe func is required")
	}

	p := &Pool{
		cfg:    cfg,
		probe:  probe,
		logger: log.WithComponent("pool"),
		idle:   make(chan *Slot, cfg.Capacity),
		slots:  make(map[int]*Slot, cfg.Capacity),
	}
	for i := 0; i < cfg.Capacity; i++ {
		s := &Slot{id: p.nextID, state: StateIdle}
		p.nextID++
		p.slots[s.id] = s
		p.idle <- s
	}
	return p, nil
}

// Acquire blocks until a slot is available, the timeout elapses, or ctx
// is done. timeout <= 0 uses the configured default. A slot returned
// broken by a previous user is re-initialized here before being handed
// out; if its probe fails the slot is destroyed, a replacement enters
// the free list still broken, and Acquire fails with ErrProbeFailed.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Slot, error) {
	if timeout <= 0 {
		timeout = p.cfg.AcquireTimeout
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrClosed
	}
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot := <-p.idle:
		return p.checkout(ctx, slot)
	case <-timer.C:
		return nil, fmt.Errorf("%w: waited %s at capacity %d", ErrExhausted, timeout, p.cfg.Capacity)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// checkout transitions a slot out of the free list, reviving it first if
// it came back broken.
func (p *Pool) checkout(ctx context.Context, slot *Slot) (*Slot, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.idle <- slot
		return nil, ErrClosed
	}
	broken := slot.state == StateBroken
	if !broken {
		slot.state = StateBusy
	}
	p.mu.Unlock()

	if !broken {
		return slot, nil
	}
	return p.revive(ctx, slot)
}

// revive runs the probe against a broken slot it exclusively holds.
func (p *Pool) revive(ctx context.Context, slot *Slot) (*Slot, error) {
	probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
	defer cancel()

	p.logger.Debug("re-initializing broken slot", "slot_id", slot.id, "generation", slot.generation)
	err := p.probe(probeCtx, slot)
	if err == nil {
		p.mu.Lock()
		slot.generation++
		slot.failures = 0
		slot.state = StateBusy
		gen := slot.generation
		p.mu.Unlock()
		p.logger.Info("slot revived", "slot_id", slot.id, "generation", gen)
		p.notify(Event{Type: EventSlotRevived, SlotID: slot.id, Generation: gen})
		return slot, nil
	}

	// Caller cancellation is not the slot's fault: leave it broken in
	// the free list for the next acquirer to revive.
	if ctx.Err() != nil {
		p.idle <- slot
		return nil, ctx.Err()
	}

	replacement := p.replace(slot)
	p.idle <- replacement
	p.logger.Warn("slot probe failed, slot destroyed and replaced",
		"slot_id", slot.id, "replacement_id", replacement.id, "error", err)
	return nil, fmt.Errorf("%w: %v", ErrProbeFailed, err)
}

// replace destroys a slot that failed its probe and registers a fresh
// identity, still broken so the next acquisition probes it again.
func (p *Pool) replace(old *Slot) *Slot {
	p.mu.Lock()
	delete(p.slots, old.id)
	fresh := &Slot{id: p.nextID, state: StateBroken, failures: old.failures}
	p.nextID++
	p.slots[fresh.id] = fresh
	p.mu.Unlock()

	p.notify(Event{Type: EventSlotReplaced, SlotID: fresh.id})
	return fresh
}

// Release returns a slot to the free list. healthy=false marks it broken
// so the next acquisition re-initializes it first. Release never blocks:
// the free list holds at most capacity slots.
func (p *Pool) Release(slot *Slot, healthy bool) {
	p.mu.Lock()
	if _, known := p.slots[slot.id]; !known {
		// Slot was replaced while out; drop the stale handle.
		p.mu.Unlock()
		return
	}
	slot.lastUsed = time.Now().UTC()
	if healthy {
		slot.state = StateIdle
		slot.failures = 0
	} else {
		slot.state = StateBroken
		slot.failures++
	}
	broken := !healthy
	failures := slot.failures
	gen := slot.generation
	p.mu.Unlock()

	if broken {
		p.logger.Warn("slot released unhealthy", "slot_id", slot.id, "consecutive_failures", failures)
		p.notify(Event{Type: EventSlotBroken, SlotID: slot.id, Generation: gen})
	}
	p.idle <- slot
}

// RecoverBroken probes broken slots sitting in the free list so steady
// traffic does not pay the revival cost. It drains whatever is idle,
// returns the healthy slots to the free list before any probe runs, and
// only then revives what it can. A slow probe therefore never holds
// healthy capacity out of circulation. Returns the number of slots
// revived.
func (p *Pool) RecoverBroken(ctx context.Context) int {
	var drained []*Slot
	for {
		select {
		case s := <-p.idle:
			drained = append(drained, s)
			continue
		default:
		}
		break
	}

	var broken []*Slot
	for _, slot := range drained {
		p.mu.Lock()
		b := slot.state == StateBroken
		p.mu.Unlock()
		if b {
			broken = append(broken, slot)
		} else {
			p.idle <- slot
		}
	}

	revived := 0
	for _, slot := range broken {
		if ctx.Err() != nil {
			p.idle <- slot
			continue
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.ProbeTimeout)
		err := p.probe(probeCtx, slot)
		cancel()
		if err != nil {
			p.idle <- slot
			continue
		}

		p.mu.Lock()
		slot.generation++
		slot.failures = 0
		slot.state = StateIdle
		gen := slot.generation
		p.mu.Unlock()
		p.idle <- slot
		revived++
		p.logger.Info("slot revived by maintenance", "slot_id", slot.id, "generation", gen)
		p.notify(Event{Type: EventSlotRevived, SlotID: slot.id, Generation: gen})
	}
	return revived
}

// Stats returns a census of slot states. Idle+Busy+Broken always equals
// Capacity: slots are never created or destroyed except 1:1 replacement.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{Capacity: p.cfg.Capacity}
	for _, s := range p.slots {
		switch s.state {
		case StateIdle:
			st.Idle++
		case StateBusy:
			st.Busy++
		case StateBroken:
			st.Broken++
		}
	}
	return st
}

// Snapshot returns per-slot details ordered by slot ID.
func (p *Pool) Snapshot() []SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, SlotInfo{
			ID:         s.id,
			State:      s.state.String(),
			Generation: s.generation,
			Failures:   s.failures,
			LastUsed:   s.lastUsed,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Capacity returns the configured slot count.
func (p *Pool) Capacity() int { return p.cfg.Capacity }

// Close stops further acquisitions. Slots already checked out can still
// be released.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *Pool) notify(ev Event) {
	if p.cfg.Notify != nil {
		p.cfg.Notify(ev)
	}
}
