// Package doctor validates bascule configuration and the invocation
// channel before the daemon starts taking traffic.
package doctor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mattjoyce/bascule/internal/config"
	"github.com/mattjoyce/bascule/internal/script"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// knownScopes are the scope names the API understands, besides "*".
var knownScopes = map[string]bool{
	"status:ro":   true,
	"dispatch:rw": true,
	"events:ro":   true,
}

// tokenLabelPattern mirrors the caller-identity shape the validator
// accepts; a label outside it would fail every dispatch it makes.
var tokenLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Doctor validates configuration against the template registry.
type Doctor struct {
	cfg      *config.Config
	registry *script.Registry
}

// New creates a Doctor from a loaded config and template registry.
func New(cfg *config.Config, registry *script.Registry) *Doctor {
	return &Doctor{cfg: cfg, registry: registry}
}

// Validate runs all static checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateInterpreter(r)
	d.validateJournalPath(r)
	d.validateGuardPolicy(r)
	d.validateTokenScopes(r)
	d.validateTemplates(r)
	d.warnSuspiciousTimeouts(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// Probe runs the configured probe script through the interpreter once,
// verifying the channel to the engine end to end. Separate from Validate
// because it spawns a process and needs a reachable engine.
func (d *Doctor) Probe(ctx context.Context) error {
	timeout := d.cfg.Pool.ProbeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.cfg.Interpreter.Binary, d.cfg.Interpreter.Args...)
	cmd.Stdin = strings.NewReader(d.cfg.Interpreter.ProbeScript)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("probe script did not finish within %s", timeout)
	}
	if err != nil {
		return fmt.Errorf("probe script failed: %v (output: %s)", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateInterpreter checks the interpreter binary resolves to an
// executable.
func (d *Doctor) validateInterpreter(r *Result) {
	binary := d.cfg.Interpreter.Binary
	if binary == "" {
		d.addError(r, "interpreter", "interpreter.binary", "interpreter binary is required")
		return
	}
	if _, err := exec.LookPath(binary); err != nil {
		d.addError(r, "interpreter", "interpreter.binary",
			fmt.Sprintf("interpreter %q not found in PATH: %v", binary, err))
	}
	if d.cfg.Interpreter.EngineName == "" {
		d.addWarning(r, "interpreter", "interpreter.engine_name",
			"engine_name is empty; templates referencing {{engine}} will address nothing")
	}
	if strings.TrimSpace(d.cfg.Interpreter.ProbeScript) == "" {
		d.addError(r, "interpreter", "interpreter.probe_script",
			"probe_script is required for slot health checks")
	}
}

// validateJournalPath checks the journal location is creatable and
// writable.
func (d *Doctor) validateJournalPath(r *Result) {
	path := d.cfg.Journal.Path
	if path == "" {
		d.addWarning(r, "journal", "journal.path", "journal disabled (no path configured)")
		return
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		d.addError(r, "journal", "journal.path",
			fmt.Sprintf("cannot create journal directory %q: %v", dir, err))
		return
	}
	probe, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		d.addError(r, "journal", "journal.path",
			fmt.Sprintf("journal directory %q is not writable: %v", dir, err))
		return
	}
	name := probe.Name()
	_ = probe.Close()
	_ = os.Remove(name)
}

// validateGuardPolicy checks the boundary configuration is usable.
func (d *Doctor) validateGuardPolicy(r *Result) {
	if len(d.cfg.Guard.AllowedCategories) == 0 {
		d.addError(r, "guard", "guard.allowed_categories",
			"no categories allowed; every dispatch would be rejected")
	}
	for i, name := range d.cfg.Guard.AllowedCategories {
		if _, err := script.ParseCategory(name); err != nil {
			d.addError(r, "guard", fmt.Sprintf("guard.allowed_categories[%d]", i), err.Error())
		}
	}
	if d.cfg.Guard.CallerQuota < 1 {
		d.addError(r, "guard", "guard.caller_quota", "caller quota must be at least 1")
	}
	for i, root := range d.cfg.Guard.AllowedPaths {
		field := fmt.Sprintf("guard.allowed_paths[%d]", i)
		if !filepath.IsAbs(root) {
			d.addError(r, "guard", field, fmt.Sprintf("allowed path %q must be absolute", root))
			continue
		}
		if _, err := os.Stat(root); err != nil {
			d.addWarning(r, "guard", field,
				fmt.Sprintf("allowed path %q does not exist: %v", root, err))
		}
	}
}

// validateTokenScopes checks API tokens reference known scopes.
func (d *Doctor) validateTokenScopes(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "API enabled but no authentication configured")
	}
	for i, token := range d.cfg.API.Auth.Tokens {
		if token.Token == "" {
			d.addError(r, "api", fmt.Sprintf("api.auth.tokens[%d].token", i), "token is empty")
		}
		if token.Label != "" && !tokenLabelPattern.MatchString(token.Label) {
			d.addError(r, "api", fmt.Sprintf("api.auth.tokens[%d].label", i),
				fmt.Sprintf("label %q must match %s to serve as a caller identity", token.Label, tokenLabelPattern.String()))
		}
		for j, scope := range token.Scopes {
			if scope == "*" || knownScopes[scope] {
				continue
			}
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
				fmt.Sprintf("unknown scope %q (valid: *, status:ro, dispatch:rw, events:ro)", scope))
		}
	}
}

// validateTemplates cross-checks the registry against the guard policy.
func (d *Doctor) validateTemplates(r *Result) {
	if d.registry == nil || d.registry.Len() == 0 {
		d.addError(r, "templates", "", "template registry is empty")
		return
	}

	allowed := make(map[script.Category]bool, len(d.cfg.Guard.AllowedCategories))
	for _, name := range d.cfg.Guard.AllowedCategories {
		if c, err := script.ParseCategory(name); err == nil {
			allowed[c] = true
		}
	}

	unreachable := 0
	for _, t := range d.registry.All() {
		if !allowed[t.Category] {
			unreachable++
		}
	}
	if unreachable > 0 {
		d.addWarning(r, "templates", "",
			fmt.Sprintf("%d template(s) belong to categories outside the allow-list and cannot be dispatched", unreachable))
	}
}

// warnSuspiciousTimeouts flags settings that technically validate but
// rarely make operational sense.
func (d *Doctor) warnSuspiciousTimeouts(r *Result) {
	if d.cfg.Dispatch.AttemptTimeout > 0 && d.cfg.Dispatch.AttemptTimeout < time.Second {
		d.addWarning(r, "dispatch", "dispatch.attempt_timeout",
			fmt.Sprintf("attempt timeout %s is shorter than a typical interpreter spawn", d.cfg.Dispatch.AttemptTimeout))
	}
	if d.cfg.Pool.AcquireTimeout > 0 && d.cfg.Pool.AcquireTimeout < 100*time.Millisecond {
		d.addWarning(r, "pool", "pool.acquire_timeout",
			fmt.Sprintf("acquire timeout %s will reject callers under any load", d.cfg.Pool.AcquireTimeout))
	}
	if d.cfg.Dispatch.BackoffCap > 0 && d.cfg.Dispatch.BackoffCap < d.cfg.Dispatch.BackoffBase {
		d.addWarning(r, "dispatch", "dispatch.backoff_cap",
			"backoff cap is below backoff base; the cap always wins")
	}
	if d.cfg.Breaker.Cooldown > 0 && d.cfg.Breaker.Cooldown < time.Second {
		d.addWarning(r, "breaker", "breaker.cooldown",
			fmt.Sprintf("cooldown %s barely throttles a failing engine", d.cfg.Breaker.Cooldown))
	}
}
