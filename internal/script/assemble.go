package script

import (
	"fmt"
	"strconv"
	"strings"
)

// EscapeString escapes a value for inclusion inside a double-quoted
// interpreter string literal. Validation rejects control characters up
// front, so backslash and double quote are the only escapes needed; both
// are handled here again so assembly stays safe even for values that
// bypassed validation.
func EscapeString(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return s
}

// Assemble renders the template source, substituting every placeholder in
// a single pass. Substituted values never get re-scanned, so a value that
// happens to contain placeholder syntax stays inert. engineName resolves
// the reserved {{engine}} placeholder.
func Assemble(t *Template, params map[string]any, engineName string) (string, error) {
	var firstErr error
	rendered := placeholderPattern.ReplaceAllStringFunc(t.Source, func(match string) string {
		name := placeholderPattern.FindStringSubmatch(match)[1]

		if name == EngineParam {
			return EscapeString(engineName)
		}

		spec, ok := t.Param(name)
		if !ok {
			// Validate() refuses such templates; guard against direct use.
			if firstErr == nil {
				firstErr = fmt.Errorf("template %s: source references undeclared param %q", t.ID, name)
			}
			return match
		}

		value, present := params[name]
		if !present {
			// Absent optional strings render empty; anything else has no
			// sensible zero rendering.
			if !spec.Required && spec.Type == ParamString {
				return ""
			}
			if firstErr == nil {
				firstErr = fmt.Errorf("template %s: no value for param %q", t.ID, name)
			}
			return match
		}

		s, err := formatValue(spec, value)
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("template %s: %w", t.ID, err)
			}
			return match
		}
		return s
	})

	if firstErr != nil {
		return "", firstErr
	}
	return rendered, nil
}

// formatValue renders one param value as interpreter source text.
func formatValue(spec *ParamSpec, v any) (string, error) {
	switch spec.Type {
	case ParamString:
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("param %q: expected string, got %T", spec.Name, v)
		}
		return EscapeString(s), nil
	case ParamInt:
		i, ok := CoerceInt(v)
		if !ok {
			return "", fmt.Errorf("param %q: expected int, got %T", spec.Name, v)
		}
		return strconv.FormatInt(i, 10), nil
	case ParamFloat:
		f, ok := CoerceFloat(v)
		if !ok {
			return "", fmt.Errorf("param %q: expected float, got %T", spec.Name, v)
		}
		return strconv.FormatFloat(f, 'f', -1, 64), nil
	case ParamBool:
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("param %q: expected bool, got %T", spec.Name, v)
		}
		return strconv.FormatBool(b), nil
	}
	return "", fmt.Errorf("param %q: unsupported type %q", spec.Name, spec.Type)
}
