package script

import (
	"fmt"
	"regexp"
	"strings"
)

// ParamType constrains the Go value accepted for a parameter.
type ParamType string

const (
	ParamString ParamType = "string"
	ParamInt    ParamType = "int"
	ParamFloat  ParamType = "float"
	ParamBool   ParamType = "bool"
)

func (t ParamType) valid() bool {
	switch t {
	case ParamString, ParamInt, ParamFloat, ParamBool:
		return true
	}
	return false
}

// ParamKind marks parameters that need boundary checks beyond type and
// shape: filesystem paths and application bundle identifiers.
type ParamKind string

const (
	KindPlain ParamKind = "plain"
	KindPath  ParamKind = "path"
	KindAppID ParamKind = "app_id"
)

func (k ParamKind) valid() bool {
	switch k {
	case KindPlain, KindPath, KindAppID:
		return true
	}
	return false
}

// ParamNamePattern is the shape every parameter name must match, for both
// template declarations and incoming request params.
var ParamNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// placeholderPattern matches {{name}} interpolation points in template
// source.
var placeholderPattern = regexp.MustCompile(`\{\{([a-z][a-z0-9_]*)\}\}`)

// templateIDPattern is the shape of template IDs, e.g. "macro.run".
var templateIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// EngineParam is the reserved placeholder name resolved from configuration
// rather than request params. Templates use it to address the engine by
// its application name.
const EngineParam = "engine"

// ParamSpec declares one template parameter.
type ParamSpec struct {
	Name     string    `yaml:"name"`
	Type     ParamType `yaml:"type"`
	Kind     ParamKind `yaml:"kind,omitempty"`
	Required bool      `yaml:"required,omitempty"`
	Min      *float64  `yaml:"min,omitempty"`
	Max      *float64  `yaml:"max,omitempty"`
	Pattern  string    `yaml:"pattern,omitempty"`

	compiled *regexp.Regexp
}

// MatchPattern reports whether s satisfies the parameter's pattern
// constraint. Parameters without a pattern accept everything.
func (p *ParamSpec) MatchPattern(s string) bool {
	if p.Pattern == "" {
		return true
	}
	if p.compiled == nil {
		// Validate() compiles patterns up front; tolerate direct struct use.
		re, err := regexp.Compile(p.Pattern)
		if err != nil {
			return false
		}
		p.compiled = re
	}
	return p.compiled.MatchString(s)
}

// Template is one named operation the bridge can perform: interpreter
// source with {{param}} placeholders plus the parameter contract callers
// must satisfy.
type Template struct {
	ID          string      `yaml:"id"`
	Category    Category    `yaml:"category"`
	Description string      `yaml:"description,omitempty"`
	Params      []ParamSpec `yaml:"params,omitempty"`
	Source      string      `yaml:"source"`
}

// Param returns the spec for a declared parameter name.
func (t *Template) Param(name string) (*ParamSpec, bool) {
	for i := range t.Params {
		if t.Params[i].Name == name {
			return &t.Params[i], true
		}
	}
	return nil, false
}

// Placeholders returns the distinct placeholder names referenced by the
// template source, in first-appearance order.
func (t *Template) Placeholders() []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range placeholderPattern.FindAllStringSubmatch(t.Source, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// Validate checks the template declaration for internal consistency.
// Registries refuse templates that fail here, so a registered template can
// always be assembled once its params pass validation.
func (t *Template) Validate() error {
	if !templateIDPattern.MatchString(t.ID) {
		return fmt.Errorf("template id %q must look like \"category.operation\"", t.ID)
	}
	if !t.Category.Valid() {
		return fmt.Errorf("template %s: unknown category %q", t.ID, t.Category)
	}
	if strings.TrimSpace(t.Source) == "" {
		return fmt.Errorf("template %s: source is required", t.ID)
	}

	declared := make(map[string]bool, len(t.Params))
	for i := range t.Params {
		p := &t.Params[i]
		if !ParamNamePattern.MatchString(p.Name) {
			return fmt.Errorf("template %s: invalid param name %q", t.ID, p.Name)
		}
		if p.Name == EngineParam {
			return fmt.Errorf("template %s: param name %q is reserved", t.ID, EngineParam)
		}
		if declared[p.Name] {
			return fmt.Errorf("template %s: duplicate param %q", t.ID, p.Name)
		}
		declared[p.Name] = true

		if p.Type == "" {
			p.Type = ParamString
		}
		if !p.Type.valid() {
			return fmt.Errorf("template %s: param %q has invalid type %q", t.ID, p.Name, p.Type)
		}
		if p.Kind == "" {
			p.Kind = KindPlain
		}
		if !p.Kind.valid() {
			return fmt.Errorf("template %s: param %q has invalid kind %q", t.ID, p.Name, p.Kind)
		}
		if p.Kind != KindPlain && p.Type != ParamString {
			return fmt.Errorf("template %s: param %q kind %s requires type string", t.ID, p.Name, p.Kind)
		}
		if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
			return fmt.Errorf("template %s: param %q has min > max", t.ID, p.Name)
		}
		if (p.Min != nil || p.Max != nil) && p.Type != ParamInt && p.Type != ParamFloat {
			return fmt.Errorf("template %s: param %q has range but type %s", t.ID, p.Name, p.Type)
		}
		if p.Pattern != "" {
			if p.Type != ParamString {
				return fmt.Errorf("template %s: param %q has pattern but type %s", t.ID, p.Name, p.Type)
			}
			re, err := regexp.Compile(p.Pattern)
			if err != nil {
				return fmt.Errorf("template %s: param %q pattern does not compile: %v", t.ID, p.Name, err)
			}
			p.compiled = re
		}
	}

	for _, name := range t.Placeholders() {
		if name == EngineParam {
			continue
		}
		if !declared[name] {
			return fmt.Errorf("template %s: source references undeclared param %q", t.ID, name)
		}
	}

	return nil
}
