// Package dispatch orchestrates invocations against the automation engine.
//
// The dispatcher takes a validated request through boundary checks, circuit
// breaker admission, slot acquisition, and script execution, classifies any
// failure into the error taxonomy, and retries transient failures with
// capped exponential backoff.
//
// Key features:
//   - Full validation before any resource is touched (all violations reported)
//   - Boundary check on every attempt (category, path, app ID, caller quota)
//   - Per-category circuit breaker consulted before the pool
//   - One interpreter spawn per attempt, hard per-attempt timeout
//   - stderr-based failure classification into a fixed taxonomy
//   - Capped exponential backoff between retry attempts
//
// Retry handling:
//   - engine_unavailable, timeout, transient_io: retried up to the policy limit
//   - validation, permission, script_syntax: surfaced on first occurrence
//   - pool_exhausted, circuit_open: surfaced immediately, never retried
//   - Caller cancellation stops the loop and terminates the in-flight attempt
//   - A dispatch that exhausts retries on timeouts surfaces engine_unavailable
//
// Circuit breaker:
//   - Closed → Open after the per-category failure threshold is reached
//   - Open → HalfOpen after the cool-down, admitting exactly one probe
//   - HalfOpen → Closed on probe success, → Open on probe failure
//   - Only engine-side evidence counts toward the threshold, once per dispatch
package dispatch
