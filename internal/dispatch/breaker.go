package dispatch

import (
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/bascule/internal/script"
)

// CircuitState is the per-category breaker state.
type CircuitState string

const (
	CircuitClosed   CircuitState = "closed"
	CircuitOpen     CircuitState = "open"
	CircuitHalfOpen CircuitState = "half_open"
)

// Decision is the breaker's answer before an attempt may touch the pool.
type Decision int

const (
	// Proceed: circuit closed, attempt normally.
	Proceed Decision = iota
	// ProbeGranted: cool-down elapsed, this attempt is the single
	// half-open probe.
	ProbeGranted
	// Rejected: circuit open, or a probe is already in flight.
	Rejected
)

// Transition records one circuit state change.
type Transition struct {
	Category script.Category
	From     CircuitState
	To       CircuitState
	Failures int
	At       time.Time
}

// BreakerConfig sets the shared thresholds. Read-only after construction.
type BreakerConfig struct {
	FailureThreshold int
	Cooldown         time.Duration
	// OnTransition, when set, is called outside the breaker lock for
	// every state change.
	OnTransition func(Transition)
}

type circuit struct {
	state         CircuitState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// Breaker tracks engine health per operation category. Sustained terminal
// failures open the category's circuit; after the cool-down a single
// probe attempt decides whether it closes again. All state lives behind
// one mutex; categories are created lazily in Closed state.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu         sync.Mutex
	categories map[script.Category]*circuit
}

func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		cfg:        cfg,
		now:        time.Now,
		categories: make(map[script.Category]*circuit),
	}
}

// Admit is consulted before every attempt touches the pool. An open
// circuit whose cool-down has elapsed moves to half-open and grants the
// caller the single probe slot; everything else while open or while a
// probe is in flight is rejected without consuming any resource.
func (b *Breaker) Admit(category script.Category) Decision {
	b.mu.Lock()
	c := b.circuitLocked(category)

	switch c.state {
	case CircuitOpen:
		if b.now().Before(c.openedAt.Add(b.cfg.Cooldown)) {
			b.mu.Unlock()
			return Rejected
		}
		tr := b.transitionLocked(category, c, CircuitHalfOpen)
		c.probeInFlight = true
		b.mu.Unlock()
		b.fire(tr)
		return ProbeGranted

	case CircuitHalfOpen:
		if c.probeInFlight {
			b.mu.Unlock()
			return Rejected
		}
		c.probeInFlight = true
		b.mu.Unlock()
		return ProbeGranted

	default:
		b.mu.Unlock()
		return Proceed
	}
}

// RecordSuccess resets the category's consecutive-failure counter and
// closes the circuit if it was half-open.
func (b *Breaker) RecordSuccess(category script.Category) {
	b.mu.Lock()
	c := b.circuitLocked(category)
	c.failures = 0

	var fired *Transition
	if c.state == CircuitHalfOpen {
		tr := b.transitionLocked(category, c, CircuitClosed)
		fired = &tr
		c.probeInFlight = false
		c.openedAt = time.Time{}
	}
	b.mu.Unlock()

	if fired != nil {
		b.fire(*fired)
	}
}

// RecordFailure notes one terminal engine-path failure for the category.
// Crossing the threshold opens the circuit; a half-open probe failure
// reopens it and restarts the cool-down.
func (b *Breaker) RecordFailure(category script.Category) {
	b.mu.Lock()
	c := b.circuitLocked(category)
	c.failures++

	var fired *Transition
	switch c.state {
	case CircuitHalfOpen:
		tr := b.transitionLocked(category, c, CircuitOpen)
		fired = &tr
		c.openedAt = b.now()
		c.probeInFlight = false
	case CircuitClosed:
		if c.failures >= b.cfg.FailureThreshold {
			tr := b.transitionLocked(category, c, CircuitOpen)
			fired = &tr
			c.openedAt = b.now()
		}
	case CircuitOpen:
		// Straggler from an attempt admitted before the circuit opened.
		// Counted, but the cool-down timer is not restarted.
	}
	b.mu.Unlock()

	if fired != nil {
		b.fire(*fired)
	}
}

// ProbeAbandoned returns the half-open probe token when the granted
// attempt never reached the executor, so a later dispatch can probe.
func (b *Breaker) ProbeAbandoned(category script.Category) {
	b.mu.Lock()
	c := b.circuitLocked(category)
	if c.state == CircuitHalfOpen {
		c.probeInFlight = false
	}
	b.mu.Unlock()
}

// State returns the current circuit state for the category.
func (b *Breaker) State(category script.Category) CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.circuitLocked(category).state
}

// CircuitInfo is a point-in-time view of one category's circuit.
type CircuitInfo struct {
	Category script.Category `json:"category"`
	State    CircuitState    `json:"state"`
	Failures int             `json:"failures"`
	OpenedAt *time.Time      `json:"opened_at,omitempty"`
}

// Snapshot returns every known category's circuit, sorted by category.
func (b *Breaker) Snapshot() []CircuitInfo {
	b.mu.Lock()
	out := make([]CircuitInfo, 0, len(b.categories))
	for category, c := range b.categories {
		info := CircuitInfo{
			Category: category,
			State:    c.state,
			Failures: c.failures,
		}
		if !c.openedAt.IsZero() {
			at := c.openedAt
			info.OpenedAt = &at
		}
		out = append(out, info)
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func (b *Breaker) circuitLocked(category script.Category) *circuit {
	c, ok := b.categories[category]
	if !ok {
		c = &circuit{state: CircuitClosed}
		b.categories[category] = c
	}
	return c
}

// transitionLocked flips the state and returns the record to fire after
// the lock is released.
func (b *Breaker) transitionLocked(category script.Category, c *circuit, to CircuitState) Transition {
	tr := Transition{
		Category: category,
		From:     c.state,
		To:       to,
		Failures: c.failures,
		At:       b.now(),
	}
	c.state = to
	return tr
}

func (b *Breaker) fire(tr Transition) {
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(tr)
	}
}
