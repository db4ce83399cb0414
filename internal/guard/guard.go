// Package guard enforces the boundary policy between validated requests
// and the slot pool: category allow-listing, path and bundle-ID
// containment, and a per-caller in-flight quota. Requests stopped here
// never consume an invocation slot.
package guard

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/mattjoyce/bascule/internal/script"
)

// PermissionError reports a boundary policy rejection. It is never
// retryable: the same request will be rejected again.
type PermissionError struct {
	Category script.Category
	Param    string
	Reason   string
}

func (e *PermissionError) Error() string {
	if e.Param != "" {
		return fmt.Sprintf("permission denied for category %q: param %q: %s", e.Category, e.Param, e.Reason)
	}
	return fmt.Sprintf("permission denied for category %q: %s", e.Category, e.Reason)
}

// QuotaError reports that a caller is at its concurrent dispatch limit.
type QuotaError struct {
	Caller   string
	InFlight int
	Limit    int
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("caller %q is at its in-flight quota (%d/%d)", e.Caller, e.InFlight, e.Limit)
}

// Config is the boundary policy.
type Config struct {
	// AllowedCategories is the closed set of categories accepted.
	AllowedCategories []script.Category
	// AllowedPaths are absolute directory roots that path params must
	// stay inside. Empty means any existing path is accepted.
	AllowedPaths []string
	// AllowedAppIDs are glob patterns bundle-ID params must match.
	// Empty means any well-formed bundle ID is accepted.
	AllowedAppIDs []string
	// CallerQuota caps concurrent dispatches per caller.
	CallerQuota int
}

// Guard holds the policy plus the live in-flight ledger.
type Guard struct {
	cfg     Config
	allowed map[script.Category]bool

	mu       sync.Mutex
	inflight map[string]int
}

// New creates a Guard from a policy. CallerQuota must be positive.
func New(cfg Config) (*Guard, error) {
	if cfg.CallerQuota < 1 {
		return nil, fmt.Errorf("guard: caller quota must be at least 1 (got %d)", cfg.CallerQuota)
	}
	if len(cfg.AllowedCategories) == 0 {
		return nil, fmt.Errorf("guard: at least one allowed category is required")
	}
	allowed := make(map[script.Category]bool, len(cfg.AllowedCategories))
	for _, c := range cfg.AllowedCategories {
		if !c.Valid() {
			return nil, fmt.Errorf("guard: unknown category %q", c)
		}
		allowed[c] = true
	}
	for i, root := range cfg.AllowedPaths {
		if !filepath.IsAbs(root) {
			return nil, fmt.Errorf("guard: allowed path %d (%q) must be absolute", i, root)
		}
		cfg.AllowedPaths[i] = filepath.Clean(root)
	}
	for _, pattern := range cfg.AllowedAppIDs {
		if _, err := path.Match(pattern, "probe"); err != nil {
			return nil, fmt.Errorf("guard: bad app ID pattern %q: %w", pattern, err)
		}
	}
	return &Guard{
		cfg:      cfg,
		allowed:  allowed,
		inflight: make(map[string]int),
	}, nil
}

// Admit reserves one in-flight unit for caller, covering a whole dispatch
// including its retries. The returned release func must be called exactly
// once when the dispatch finishes.
func (g *Guard) Admit(caller string) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	current := g.inflight[caller]
	if current >= g.cfg.CallerQuota {
		return nil, &QuotaError{Caller: caller, InFlight: current, Limit: g.cfg.CallerQuota}
	}
	g.inflight[caller] = current + 1

	var once sync.Once
	release := func() {
		once.Do(func() {
			g.mu.Lock()
			defer g.mu.Unlock()
			if n := g.inflight[caller]; n <= 1 {
				delete(g.inflight, caller)
			} else {
				g.inflight[caller] = n - 1
			}
		})
	}
	return release, nil
}

// Check applies the boundary policy to one request. It runs on every
// attempt so constraints that depend on the filesystem stay fresh across
// retries.
func (g *Guard) Check(req script.Request, tmpl *script.Template) error {
	if !g.allowed[req.Category] {
		return &PermissionError{
			Category: req.Category,
			Reason:   "category is not allow-listed",
		}
	}

	for i := range tmpl.Params {
		spec := &tmpl.Params[i]
		value, present := req.Params[spec.Name]
		if !present {
			continue
		}
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch spec.Kind {
		case script.KindPath:
			if err := g.checkPath(req.Category, spec.Name, s); err != nil {
				return err
			}
		case script.KindAppID:
			if err := g.checkAppID(req.Category, spec.Name, s); err != nil {
				return err
			}
		}
	}

	return nil
}

// checkPath confines a path param. With allow-listed roots configured the
// path must resolve inside one of them; otherwise it must already exist.
// Relative paths and traversal are rejected in both modes.
func (g *Guard) checkPath(cat script.Category, param, value string) error {
	if !filepath.IsAbs(value) {
		return &PermissionError{Category: cat, Param: param, Reason: "path must be absolute"}
	}
	cleaned := filepath.Clean(value)

	if len(g.cfg.AllowedPaths) > 0 {
		for _, root := range g.cfg.AllowedPaths {
			if cleaned == root || strings.HasPrefix(cleaned, root+string(os.PathSeparator)) {
				return nil
			}
		}
		return &PermissionError{
			Category: cat,
			Param:    param,
			Reason:   fmt.Sprintf("path %q is outside the allowed roots", value),
		}
	}

	if _, err := os.Stat(cleaned); err != nil {
		return &PermissionError{
			Category: cat,
			Param:    param,
			Reason:   fmt.Sprintf("path %q does not exist", value),
		}
	}
	return nil
}

var appIDShape = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9-]*(\.[A-Za-z0-9][A-Za-z0-9-]*)+$`)

// checkAppID confines a bundle-ID param to the allow-listed globs, or to
// a plausible reverse-DNS shape when no globs are configured.
func (g *Guard) checkAppID(cat script.Category, param, value string) error {
	if len(g.cfg.AllowedAppIDs) > 0 {
		for _, pattern := range g.cfg.AllowedAppIDs {
			if ok, _ := path.Match(pattern, value); ok {
				return nil
			}
		}
		return &PermissionError{
			Category: cat,
			Param:    param,
			Reason:   fmt.Sprintf("application id %q is not allow-listed", value),
		}
	}

	if !appIDShape.MatchString(value) {
		return &PermissionError{
			Category: cat,
			Param:    param,
			Reason:   fmt.Sprintf("application id %q is not a valid bundle identifier", value),
		}
	}
	return nil
}

// InFlight returns the current in-flight count for a caller.
func (g *Guard) InFlight(caller string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight[caller]
}

// CallerCount is one row of the in-flight ledger.
type CallerCount struct {
	Caller   string `json:"caller"`
	InFlight int    `json:"in_flight"`
}

// Snapshot returns the in-flight ledger sorted by caller.
func (g *Guard) Snapshot() []CallerCount {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]CallerCount, 0, len(g.inflight))
	for caller, n := range g.inflight {
		out = append(out, CallerCount{Caller: caller, InFlight: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Caller < out[j].Caller })
	return out
}

// Quota returns the configured per-caller limit.
func (g *Guard) Quota() int {
	return g.cfg.CallerQuota
}

// AllowedCategories returns the allow-listed categories sorted by name.
func (g *Guard) AllowedCategories() []script.Category {
	out := make([]script.Category, 0, len(g.allowed))
	for c := range g.allowed {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
