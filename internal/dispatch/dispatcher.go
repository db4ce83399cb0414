package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mattjoyce/bascule/internal/events"
	"github.com/mattjoyce/bascule/internal/guard"
	"github.com/mattjoyce/bascule/internal/log"
	"github.com/mattjoyce/bascule/internal/metrics"
	"github.com/mattjoyce/bascule/internal/pool"
	"github.com/mattjoyce/bascule/internal/script"
	"github.com/mattjoyce/bascule/internal/validate"
)

// Output is the successful result of a dispatch.
type Output struct {
	RequestID string
	Stdout    string
	Attempts  int
	Duration  time.Duration
}

// Record summarizes one completed dispatch for the journal. Raw script
// output is deliberately absent: results are consumed by the caller and
// discarded, never persisted.
type Record struct {
	RequestID string
	Caller    string
	Category  script.Category
	Template  string
	Success   bool
	ErrorKind string // taxonomy kind, empty on success
	Message   string // diagnostic excerpt, empty on success
	TimedOut  bool
	Attempts  int
	Duration  time.Duration
	At        time.Time
}

// Recorder persists completed dispatches. Implementations must swallow
// their own failures; recording never fails a dispatch.
type Recorder interface {
	DispatchCompleted(rec Record)
}

// Config sets the dispatcher's fixed parameters. Read-only after New.
type Config struct {
	// AcquireTimeout bounds the wait for a pool slot on each attempt.
	AcquireTimeout time.Duration
	// AttemptTimeout is the per-attempt run deadline, overridable per
	// request.
	AttemptTimeout time.Duration
	// EngineName is interpolated into templates as the reserved engine
	// parameter. Trusted configuration value.
	EngineName string
	Policy     RetryPolicy
	// Recorder and Hub are optional observability sinks.
	Recorder Recorder
	Hub      *events.Hub
}

// Dispatcher is the orchestration entry point for script requests.
type Dispatcher struct {
	registry  *script.Registry
	validator *validate.Validator
	boundary  *guard.Guard
	pool      *pool.Pool
	runner    ScriptRunner
	breaker   *Breaker
	cfg       Config
	logger    *slog.Logger
}

// New creates a Dispatcher. All collaborators are required except the
// Config's optional sinks.
func New(reg *script.Registry, vld *validate.Validator, grd *guard.Guard, pl *pool.Pool, runner ScriptRunner, breaker *Breaker, cfg Config) *Dispatcher {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	cfg.Policy = cfg.Policy.normalized()

	return &Dispatcher{
		registry:  reg,
		validator: vld,
		boundary:  grd,
		pool:      pl,
		runner:    runner,
		breaker:   breaker,
		cfg:       cfg,
		logger:    log.WithComponent("dispatch"),
	}
}

// Breaker exposes the circuit breaker for status reporting.
func (d *Dispatcher) Breaker() *Breaker {
	return d.breaker
}

// Dispatch runs one request to completion: up to Policy.MaxAttempts
// interpreter invocations with backoff between retryable failures,
// honoring ctx as the caller's overall deadline. The error, when
// non-nil, is always a *ClassifiedError.
func (d *Dispatcher) Dispatch(ctx context.Context, req script.Request) (*Output, error) {
	start := time.Now()
	logger := d.logger.With(
		"request_id", req.ID,
		"caller", req.Caller,
		"category", req.Category,
		"template", req.Template,
	)

	tmpl, ok := d.registry.Get(req.Template)
	if !ok {
		cerr := newError(KindValidation, req.Category, fmt.Sprintf("unknown template %q", req.Template), nil)
		return d.finish(req, start, 0, "", cerr, logger)
	}

	// The caller quota spans the whole dispatch, retries included.
	release, err := d.boundary.Admit(req.Caller)
	if err != nil {
		cerr := newError(KindPermission, req.Category, err.Error(), err)
		return d.finish(req, start, 0, "", cerr, logger)
	}
	defer release()

	logger.Info("dispatch started", "priority", req.Priority)
	d.publish(events.TypeDispatchStarted, map[string]any{
		"request_id": req.ID,
		"caller":     req.Caller,
		"category":   req.Category,
		"template":   req.Template,
	})

	var (
		lastErr      *ClassifiedError
		lastEvidence bool
		spawned      int
	)

	for attempt := 0; attempt < d.cfg.Policy.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := d.cfg.Policy.backoff(attempt - 1)
			logger.Debug("backing off before retry", "attempt", attempt+1, "delay", delay)
			metrics.RetriesTotal.WithLabelValues(string(req.Category)).Inc()
			d.publish(events.TypeDispatchRetry, map[string]any{
				"request_id": req.ID,
				"category":   req.Category,
				"attempt":    attempt + 1,
				"delay_ms":   delay.Milliseconds(),
			})
			select {
			case <-ctx.Done():
				// Caller deadline spent during backoff. The previous
				// failure becomes this dispatch's terminal one.
				if lastEvidence {
					d.breaker.RecordFailure(req.Category)
				}
				return d.finish(req, start, spawned, "", lastErr, logger)
			case <-time.After(delay):
			}
		}

		out := d.attempt(ctx, req, tmpl, logger)
		if out.spawned {
			spawned++
		}

		if out.cerr == nil {
			d.breaker.RecordSuccess(req.Category)
			return d.finish(req, start, spawned, out.stdout, nil, logger)
		}

		lastErr = out.cerr
		lastEvidence = out.evidence

		// A half-open probe gets exactly one shot; its failure reopens
		// the circuit immediately, so retrying here is pointless.
		if out.probe {
			d.breaker.RecordFailure(req.Category)
			return d.finish(req, start, spawned, "", lastErr, logger)
		}

		if !out.cerr.Retryable() {
			return d.finish(req, start, spawned, "", lastErr, logger)
		}

		if ctx.Err() != nil {
			if out.evidence {
				d.breaker.RecordFailure(req.Category)
			}
			return d.finish(req, start, spawned, "", lastErr, logger)
		}
	}

	// Retries exhausted. The dispatch's terminal failure counts once
	// toward the category's circuit.
	if lastEvidence {
		d.breaker.RecordFailure(req.Category)
	}
	if lastErr.Kind == KindTimeout && spawned > 1 {
		// Repeated attempt timeouts are read as the engine being
		// unavailable; the timeout root cause stays on the error.
		conv := newError(KindEngineUnavailable, req.Category,
			fmt.Sprintf("engine unresponsive: %s", lastErr.Message), lastErr)
		conv.TimedOut = true
		lastErr = conv
	}
	return d.finish(req, start, spawned, "", lastErr, logger)
}

// attemptOutcome carries one attempt's result plus the bookkeeping flags
// the retry loop needs.
type attemptOutcome struct {
	stdout string
	cerr   *ClassifiedError
	// spawned: an interpreter invocation was consumed.
	spawned bool
	// evidence: the failure says something about the engine channel and
	// may count toward the circuit.
	evidence bool
	// probe: the attempt held the half-open probe token through
	// execution.
	probe bool
}

// attempt performs a single dispatch attempt: validate, boundary-check,
// consult the circuit, acquire a slot, run, classify, release.
func (d *Dispatcher) attempt(ctx context.Context, req script.Request, tmpl *script.Template, logger *slog.Logger) attemptOutcome {
	// Validation is pure and repeats cheaply; boundary constraints are
	// re-checked each attempt for freshness.
	if err := d.validator.Check(req, tmpl); err != nil {
		return attemptOutcome{cerr: newError(KindValidation, req.Category, err.Error(), err)}
	}
	if err := d.boundary.Check(req, tmpl); err != nil {
		return attemptOutcome{cerr: newError(KindPermission, req.Category, err.Error(), err)}
	}

	probe := false
	switch d.breaker.Admit(req.Category) {
	case Rejected:
		return attemptOutcome{cerr: newError(KindCircuitOpen, req.Category,
			fmt.Sprintf("circuit open for category %s", req.Category), nil)}
	case ProbeGranted:
		probe = true
		logger.Info("circuit half-open, attempt runs as recovery probe")
	}

	source, err := script.Assemble(tmpl, req.Params, d.cfg.EngineName)
	if err != nil {
		if probe {
			d.breaker.ProbeAbandoned(req.Category)
		}
		return attemptOutcome{cerr: newError(KindValidation, req.Category,
			fmt.Sprintf("assemble script: %v", err), err)}
	}

	slot, err := d.pool.Acquire(ctx, d.cfg.AcquireTimeout)
	if err != nil {
		if probe {
			d.breaker.ProbeAbandoned(req.Category)
		}
		switch {
		case errors.Is(err, pool.ErrProbeFailed):
			return attemptOutcome{
				cerr:     newError(KindEngineUnavailable, req.Category, fmt.Sprintf("slot revival failed: %v", err), err),
				evidence: true,
			}
		case errors.Is(err, pool.ErrExhausted):
			return attemptOutcome{cerr: newError(KindPoolExhausted, req.Category, err.Error(), err)}
		case errors.Is(err, pool.ErrClosed):
			return attemptOutcome{cerr: newError(KindPoolExhausted, req.Category, "pool closed", err)}
		default:
			cerr := newError(KindTimeout, req.Category,
				fmt.Sprintf("cancelled while waiting for a slot: %v", err), err)
			cerr.TimedOut = true
			return attemptOutcome{cerr: cerr}
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = d.cfg.AttemptTimeout
	}

	metrics.ExecutorInvocations.WithLabelValues(string(req.Category)).Inc()
	res, err := d.runner.Run(ctx, slot, source, timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			// Caller cancelled mid-attempt. The interpreter was force
			// terminated; the slot itself is fine.
			d.pool.Release(slot, true)
			if probe {
				d.breaker.ProbeAbandoned(req.Category)
			}
			cerr := newError(KindTimeout, req.Category,
				fmt.Sprintf("dispatch cancelled mid-attempt: %v", err), err)
			cerr.TimedOut = true
			return attemptOutcome{cerr: cerr, spawned: true}
		}
		d.pool.Release(slot, false)
		return attemptOutcome{cerr: ClassifySpawn(err, req.Category), spawned: true, evidence: true, probe: probe}
	}

	cerr := Classify(res, req.Category)
	d.pool.Release(slot, slotHealthy(cerr))
	if cerr == nil {
		return attemptOutcome{stdout: res.Stdout, spawned: true, probe: probe}
	}

	logger.Warn("attempt failed",
		"kind", cerr.Kind.String(),
		"exit_code", res.ExitCode,
		"timed_out", res.TimedOut,
	)
	return attemptOutcome{cerr: cerr, spawned: true, evidence: engineEvidence(cerr.Kind), probe: probe}
}

// slotHealthy decides the release health for a classified outcome. Only
// an unreachable engine marks the slot for a probe before reuse; a
// timed-out or failed one-shot invocation leaves no residue.
func slotHealthy(cerr *ClassifiedError) bool {
	return cerr == nil || cerr.Kind != KindEngineUnavailable
}

// engineEvidence reports whether a failure kind counts toward the
// category circuit. The breaker guards engine availability, not request
// correctness.
func engineEvidence(kind Kind) bool {
	switch kind {
	case KindEngineUnavailable, KindTimeout, KindTransientIO:
		return true
	default:
		return false
	}
}

func (d *Dispatcher) finish(req script.Request, start time.Time, attempts int, stdout string, cerr *ClassifiedError, logger *slog.Logger) (*Output, error) {
	duration := time.Since(start)
	metrics.DispatchDuration.WithLabelValues(string(req.Category)).Observe(duration.Seconds())

	if cerr == nil {
		metrics.DispatchesTotal.WithLabelValues(string(req.Category), "success").Inc()
		logger.Info("dispatch succeeded", "attempts", attempts, "duration_ms", duration.Milliseconds())
		d.publish(events.TypeDispatchSucceeded, map[string]any{
			"request_id":  req.ID,
			"category":    req.Category,
			"template":    req.Template,
			"attempts":    attempts,
			"duration_ms": duration.Milliseconds(),
		})
		d.record(Record{
			RequestID: req.ID,
			Caller:    req.Caller,
			Category:  req.Category,
			Template:  req.Template,
			Success:   true,
			Attempts:  attempts,
			Duration:  duration,
			At:        time.Now().UTC(),
		})
		return &Output{RequestID: req.ID, Stdout: stdout, Attempts: attempts, Duration: duration}, nil
	}

	cerr.Attempts = attempts
	metrics.DispatchesTotal.WithLabelValues(string(req.Category), cerr.Kind.String()).Inc()
	logger.Warn("dispatch failed",
		"kind", cerr.Kind.String(),
		"attempts", attempts,
		"duration_ms", duration.Milliseconds(),
		"error", cerr.Message,
	)
	d.publish(events.TypeDispatchFailed, map[string]any{
		"request_id":  req.ID,
		"category":    req.Category,
		"template":    req.Template,
		"kind":        cerr.Kind.String(),
		"attempts":    attempts,
		"duration_ms": duration.Milliseconds(),
	})
	d.record(Record{
		RequestID: req.ID,
		Caller:    req.Caller,
		Category:  req.Category,
		Template:  req.Template,
		ErrorKind: cerr.Kind.String(),
		Message:   cerr.Message,
		TimedOut:  cerr.TimedOut,
		Attempts:  attempts,
		Duration:  duration,
		At:        time.Now().UTC(),
	})
	return nil, cerr
}

func (d *Dispatcher) publish(eventType string, data map[string]any) {
	if d.cfg.Hub != nil {
		d.cfg.Hub.Publish(eventType, data)
	}
}

func (d *Dispatcher) record(rec Record) {
	if d.cfg.Recorder != nil {
		d.cfg.Recorder.DispatchCompleted(rec)
	}
}
