package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mattjoyce/bascule/internal/script"
)

func TestBreakerOpensAtThreshold(t *testing.T) {
	var transitions []Transition
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 3,
		Cooldown:         time.Minute,
		OnTransition:     func(tr Transition) { transitions = append(transitions, tr) },
	})

	assert.Equal(t, Proceed, b.Admit(script.CategoryMacro))
	b.RecordFailure(script.CategoryMacro)
	b.RecordFailure(script.CategoryMacro)
	assert.Equal(t, CircuitClosed, b.State(script.CategoryMacro))
	assert.Equal(t, Proceed, b.Admit(script.CategoryMacro))

	b.RecordFailure(script.CategoryMacro)
	assert.Equal(t, CircuitOpen, b.State(script.CategoryMacro))
	assert.Equal(t, Rejected, b.Admit(script.CategoryMacro))

	if assert.Len(t, transitions, 1) {
		assert.Equal(t, script.CategoryMacro, transitions[0].Category)
		assert.Equal(t, CircuitClosed, transitions[0].From)
		assert.Equal(t, CircuitOpen, transitions[0].To)
		assert.Equal(t, 3, transitions[0].Failures)
	}
}

func TestBreakerSuccessResetsCounter(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute})

	b.RecordFailure(script.CategoryMacro)
	b.RecordFailure(script.CategoryMacro)
	b.RecordSuccess(script.CategoryMacro)

	// The reset counter means two more failures stay under the threshold.
	b.RecordFailure(script.CategoryMacro)
	b.RecordFailure(script.CategoryMacro)
	assert.Equal(t, CircuitClosed, b.State(script.CategoryMacro))

	b.RecordFailure(script.CategoryMacro)
	assert.Equal(t, CircuitOpen, b.State(script.CategoryMacro))
}

func TestBreakerCooldownGatesProbe(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 30 * time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure(script.CategoryVariable)
	assert.Equal(t, CircuitOpen, b.State(script.CategoryVariable))

	assert.Equal(t, Rejected, b.Admit(script.CategoryVariable))

	now = now.Add(29 * time.Second)
	assert.Equal(t, Rejected, b.Admit(script.CategoryVariable))

	now = now.Add(2 * time.Second)
	assert.Equal(t, ProbeGranted, b.Admit(script.CategoryVariable))
	assert.Equal(t, CircuitHalfOpen, b.State(script.CategoryVariable))
}

func TestBreakerSingleProbeInFlight(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure(script.CategoryMacro)
	now = now.Add(2 * time.Second)

	assert.Equal(t, ProbeGranted, b.Admit(script.CategoryMacro))
	// While the probe runs every other admit is turned away.
	assert.Equal(t, Rejected, b.Admit(script.CategoryMacro))
	assert.Equal(t, Rejected, b.Admit(script.CategoryMacro))
}

func TestBreakerProbeSuccessCloses(t *testing.T) {
	var transitions []Transition
	now := time.Now()
	b := NewBreaker(BreakerConfig{
		FailureThreshold: 1,
		Cooldown:         time.Second,
		OnTransition:     func(tr Transition) { transitions = append(transitions, tr) },
	})
	b.now = func() time.Time { return now }

	b.RecordFailure(script.CategoryMacro)
	now = now.Add(2 * time.Second)
	assert.Equal(t, ProbeGranted, b.Admit(script.CategoryMacro))

	b.RecordSuccess(script.CategoryMacro)
	assert.Equal(t, CircuitClosed, b.State(script.CategoryMacro))
	assert.Equal(t, Proceed, b.Admit(script.CategoryMacro))

	// closed->open, open->half_open, half_open->closed.
	if assert.Len(t, transitions, 3) {
		assert.Equal(t, CircuitHalfOpen, transitions[1].To)
		assert.Equal(t, CircuitClosed, transitions[2].To)
	}

	snap := b.Snapshot()
	if assert.Len(t, snap, 1) {
		assert.Equal(t, 0, snap[0].Failures)
		assert.Nil(t, snap[0].OpenedAt)
	}
}

func TestBreakerProbeFailureReopens(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure(script.CategoryMacro)
	now = now.Add(11 * time.Second)
	assert.Equal(t, ProbeGranted, b.Admit(script.CategoryMacro))

	b.RecordFailure(script.CategoryMacro)
	assert.Equal(t, CircuitOpen, b.State(script.CategoryMacro))

	// The cool-down restarts from the probe failure.
	now = now.Add(9 * time.Second)
	assert.Equal(t, Rejected, b.Admit(script.CategoryMacro))
	now = now.Add(2 * time.Second)
	assert.Equal(t, ProbeGranted, b.Admit(script.CategoryMacro))
}

func TestBreakerProbeAbandonedFreesToken(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure(script.CategoryMacro)
	now = now.Add(2 * time.Second)

	assert.Equal(t, ProbeGranted, b.Admit(script.CategoryMacro))
	b.ProbeAbandoned(script.CategoryMacro)

	// The returned token is immediately available to the next caller.
	assert.Equal(t, ProbeGranted, b.Admit(script.CategoryMacro))
}

func TestBreakerCategoriesIndependent(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	b.RecordFailure(script.CategoryMacro)
	assert.Equal(t, CircuitOpen, b.State(script.CategoryMacro))
	assert.Equal(t, Rejected, b.Admit(script.CategoryMacro))

	assert.Equal(t, Proceed, b.Admit(script.CategoryVariable))
	assert.Equal(t, CircuitClosed, b.State(script.CategoryVariable))
}

func TestBreakerStragglerFailureWhileOpen(t *testing.T) {
	now := time.Now()
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: 10 * time.Second})
	b.now = func() time.Time { return now }

	b.RecordFailure(script.CategoryMacro)
	now = now.Add(9 * time.Second)

	// A failure reported while already open must not restart the timer.
	b.RecordFailure(script.CategoryMacro)
	now = now.Add(2 * time.Second)
	assert.Equal(t, ProbeGranted, b.Admit(script.CategoryMacro))
}

func TestBreakerSnapshotSorted(t *testing.T) {
	b := NewBreaker(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute})

	b.Admit(script.CategoryVariable)
	b.RecordFailure(script.CategoryMacro)
	b.Admit(script.CategoryClipboard)

	snap := b.Snapshot()
	if assert.Len(t, snap, 3) {
		assert.Equal(t, script.CategoryClipboard, snap[0].Category)
		assert.Equal(t, script.CategoryMacro, snap[1].Category)
		assert.Equal(t, script.CategoryVariable, snap[2].Category)

		assert.Equal(t, CircuitOpen, snap[1].State)
		assert.NotNil(t, snap[1].OpenedAt)
		assert.Equal(t, CircuitClosed, snap[2].State)
	}
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(BreakerConfig{})

	for range 4 {
		b.RecordFailure(script.CategoryMacro)
	}
	assert.Equal(t, CircuitClosed, b.State(script.CategoryMacro))

	b.RecordFailure(script.CategoryMacro)
	assert.Equal(t, CircuitOpen, b.State(script.CategoryMacro))
}
