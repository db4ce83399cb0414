package script

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Registry holds validated templates indexed by ID. Populate it during
// startup; reads after that are safe from any goroutine.
type Registry struct {
	templates map[string]*Template
}

// NewRegistry creates an empty template registry.
func NewRegistry() *Registry {
	return &Registry{
		templates: make(map[string]*Template),
	}
}

// Get retrieves a template by ID.
func (r *Registry) Get(id string) (*Template, bool) {
	t, ok := r.templates[id]
	return t, ok
}

// All returns all templates sorted by ID.
func (r *Registry) All() []*Template {
	out := make([]*Template, 0, len(r.templates))
	for _, t := range r.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByCategory returns the templates in one category sorted by ID.
func (r *Registry) ByCategory(c Category) []*Template {
	var out []*Template
	for _, t := range r.templates {
		if t.Category == c {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of registered templates.
func (r *Registry) Len() int {
	return len(r.templates)
}

// Register validates and adds a template.
func (r *Registry) Register(t Template) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if _, exists := r.templates[t.ID]; exists {
		return fmt.Errorf("template %q already registered", t.ID)
	}
	r.templates[t.ID] = &t
	return nil
}

// RegisterBuiltins adds the built-in template set.
func (r *Registry) RegisterBuiltins() error {
	for _, t := range Builtins() {
		if err := r.Register(t); err != nil {
			return fmt.Errorf("builtin %s: %w", t.ID, err)
		}
	}
	return nil
}

// LoadDir scans dir for *.yaml template files and registers each one.
// Invalid files are reported through logger and skipped; they are not
// fatal. Returns the number of templates loaded.
func (r *Registry) LoadDir(dir string, logger func(level, msg string, args ...any)) (int, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to resolve templates dir %q: %w", dir, err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("templates dir does not exist: %s", absDir)
		}
		return 0, fmt.Errorf("failed to stat templates dir %s: %w", absDir, err)
	}
	if !info.IsDir() {
		return 0, fmt.Errorf("templates path is not a directory: %s", absDir)
	}

	entries, err := os.ReadDir(absDir)
	if err != nil {
		return 0, fmt.Errorf("failed to read templates dir: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		path := filepath.Join(absDir, name)

		t, err := loadTemplateFile(path)
		if err != nil {
			logger("warn", "failed to load template", "path", path, "error", err.Error())
			continue
		}
		if err := r.Register(*t); err != nil {
			if existing, ok := r.Get(t.ID); ok && existing != nil {
				logger("warn", "duplicate template ignored (keeping first registered)",
					"template", t.ID, "ignored_path", path)
			} else {
				logger("warn", "template rejected", "path", path, "error", err.Error())
			}
			continue
		}
		logger("info", "loaded template", "template", t.ID, "category", string(t.Category), "path", path)
		loaded++
	}

	return loaded, nil
}

// loadTemplateFile reads and parses a single template file.
func loadTemplateFile(path string) (*Template, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read template: %w", err)
	}

	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template YAML: %w", err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}
