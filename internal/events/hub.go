// Package events is an in-memory pub/sub hub for dispatch lifecycle
// events. A small ring buffer lets late subscribers (SSE clients, the
// watch TUI) replay recent history before tailing live events.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the bridge.
const (
	TypeDispatchStarted   = "dispatch.started"
	TypeDispatchSucceeded = "dispatch.succeeded"
	TypeDispatchFailed    = "dispatch.failed"
	TypeDispatchRetry     = "dispatch.retry"
	TypeCircuitChanged    = "circuit.state_changed"
	TypePoolSlotBroken    = "pool.slot_broken"
	TypePoolSlotRevived   = "pool.slot_revived"
	TypePoolSlotReplaced  = "pool.slot_replaced"
	TypeMaintenancePruned = "maintenance.pruned"
)

type Event struct {
	ID   int64     `json:"id"`
	Type string    `json:"type"`
	At   time.Time `json:"at"`
	Data []byte    `json:"data"` // JSON payload
}

// Hub fans events out to subscribers and keeps the most recent ones in a
// fixed ring. Publishing never blocks: a subscriber that cannot keep up
// has events dropped, counted in Dropped.
type Hub struct {
	nextID  atomic.Int64
	dropped atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]chan Event
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records the event in the ring and offers it to every live
// subscriber without blocking.
func (h *Hub) Publish(eventType string, data any) {
	id := h.nextID.Add(1)

	payload := []byte("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:   id,
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	h.pushLocked(ev)
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
	h.mu.Unlock()
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel func. The channel is closed on cancel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 128)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
		h.mu.Unlock()
	}

	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID, oldest-first.
// lastID 0 returns the whole ring. SSE clients pass their Last-Event-ID
// here to replay what they missed across a reconnect.
func (h *Hub) SnapshotSince(lastID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if lastID == 0 || ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

// Dropped reports how many events were discarded because a subscriber's
// channel was full.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if capacity == 0 {
		return
	}

	if h.size < capacity {
		idx := (h.start + h.size) % capacity
		h.ring[idx] = ev
		h.size++
		return
	}

	// Ring is full, overwrite the oldest entry.
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
