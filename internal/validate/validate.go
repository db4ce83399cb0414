// Package validate checks dispatch requests against their template's
// parameter contract before any interpolation or slot use. Checks are
// pure: same request, same verdict, no side effects.
package validate

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/mattjoyce/bascule/internal/script"
)

// Violation describes one failed rule. A rejected request carries every
// violation found, not just the first, so callers can fix a bad request
// in one round trip.
type Violation struct {
	Param  string `json:"param,omitempty"`
	Rule   string `json:"rule"`
	Detail string `json:"detail"`
}

// Rule names reported in violations.
const (
	RuleCaller           = "caller"
	RuleCategoryMismatch = "category_mismatch"
	RuleRequired         = "required"
	RuleUnknownParam     = "unknown_param"
	RuleParamName        = "param_name"
	RuleType             = "type"
	RuleRange            = "range"
	RulePattern          = "pattern"
	RuleLength           = "length"
	RuleUnsafeChars      = "unsafe_chars"
)

// Error aggregates every violation found in one request.
type Error struct {
	Violations []Violation
}

func (e *Error) Error() string {
	if len(e.Violations) == 0 {
		return "validation failed"
	}
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		if v.Param != "" {
			parts = append(parts, fmt.Sprintf("%s (%s): %s", v.Param, v.Rule, v.Detail))
		} else {
			parts = append(parts, fmt.Sprintf("%s: %s", v.Rule, v.Detail))
		}
	}
	return fmt.Sprintf("validation failed (%d violation(s)): %s", len(e.Violations), strings.Join(parts, "; "))
}

var callerPattern = regexp.MustCompile(`^[a-zA-Z0-9._-]{1,64}$`)

// Limits bounds accepted values independent of template constraints.
type Limits struct {
	MaxValueLen int
}

// DefaultLimits returns the standard limits.
func DefaultLimits() Limits {
	return Limits{MaxValueLen: 4096}
}

// Validator checks requests against template parameter contracts.
type Validator struct {
	limits Limits
}

// New creates a Validator with default limits.
func New() *Validator {
	return &Validator{limits: DefaultLimits()}
}

// NewWithLimits creates a Validator with explicit limits.
func NewWithLimits(limits Limits) *Validator {
	if limits.MaxValueLen <= 0 {
		limits.MaxValueLen = DefaultLimits().MaxValueLen
	}
	return &Validator{limits: limits}
}

// Check validates req against tmpl. It returns nil when the request is
// clean, or an *Error listing every violated rule.
func (v *Validator) Check(req script.Request, tmpl *script.Template) error {
	var violations []Violation

	if !callerPattern.MatchString(req.Caller) {
		violations = append(violations, Violation{
			Rule:   RuleCaller,
			Detail: fmt.Sprintf("caller identity %q must match %s", req.Caller, callerPattern.String()),
		})
	}

	if req.Category != tmpl.Category {
		violations = append(violations, Violation{
			Rule:   RuleCategoryMismatch,
			Detail: fmt.Sprintf("request category %q does not match template category %q", req.Category, tmpl.Category),
		})
	}

	// Every required param must be present.
	for i := range tmpl.Params {
		spec := &tmpl.Params[i]
		if !spec.Required {
			continue
		}
		if _, ok := req.Params[spec.Name]; !ok {
			violations = append(violations, Violation{
				Param:  spec.Name,
				Rule:   RuleRequired,
				Detail: "required param is missing",
			})
		}
	}

	// Every supplied param must be declared, well-named, well-typed, and
	// within its constraints.
	for name, value := range req.Params {
		if !script.ParamNamePattern.MatchString(name) {
			violations = append(violations, Violation{
				Param:  name,
				Rule:   RuleParamName,
				Detail: fmt.Sprintf("param name must match %s", script.ParamNamePattern.String()),
			})
			continue
		}

		spec, ok := tmpl.Param(name)
		if !ok {
			violations = append(violations, Violation{
				Param:  name,
				Rule:   RuleUnknownParam,
				Detail: fmt.Sprintf("template %s declares no such param", tmpl.ID),
			})
			continue
		}

		violations = append(violations, v.checkValue(spec, value)...)
	}

	if len(violations) == 0 {
		return nil
	}
	return &Error{Violations: violations}
}

func (v *Validator) checkValue(spec *script.ParamSpec, value any) []Violation {
	var violations []Violation

	switch spec.Type {
	case script.ParamString:
		s, ok := value.(string)
		if !ok {
			return append(violations, Violation{
				Param:  spec.Name,
				Rule:   RuleType,
				Detail: fmt.Sprintf("expected string, got %T", value),
			})
		}
		if len(s) > v.limits.MaxValueLen {
			violations = append(violations, Violation{
				Param:  spec.Name,
				Rule:   RuleLength,
				Detail: fmt.Sprintf("value is %d bytes, limit %d", len(s), v.limits.MaxValueLen),
			})
		}
		if detail, unsafe := unsafeDetail(s); unsafe {
			violations = append(violations, Violation{
				Param:  spec.Name,
				Rule:   RuleUnsafeChars,
				Detail: detail,
			})
		}
		if !spec.MatchPattern(s) {
			violations = append(violations, Violation{
				Param:  spec.Name,
				Rule:   RulePattern,
				Detail: fmt.Sprintf("value does not match %s", spec.Pattern),
			})
		}

	case script.ParamInt:
		i, ok := script.CoerceInt(value)
		if !ok {
			return append(violations, Violation{
				Param:  spec.Name,
				Rule:   RuleType,
				Detail: fmt.Sprintf("expected integer, got %T", value),
			})
		}
		violations = append(violations, checkRange(spec, float64(i))...)

	case script.ParamFloat:
		f, ok := script.CoerceFloat(value)
		if !ok {
			return append(violations, Violation{
				Param:  spec.Name,
				Rule:   RuleType,
				Detail: fmt.Sprintf("expected float, got %T", value),
			})
		}
		violations = append(violations, checkRange(spec, f)...)

	case script.ParamBool:
		if _, ok := value.(bool); !ok {
			return append(violations, Violation{
				Param:  spec.Name,
				Rule:   RuleType,
				Detail: fmt.Sprintf("expected bool, got %T", value),
			})
		}
	}

	return violations
}

func checkRange(spec *script.ParamSpec, f float64) []Violation {
	var violations []Violation
	if spec.Min != nil && f < *spec.Min {
		violations = append(violations, Violation{
			Param:  spec.Name,
			Rule:   RuleRange,
			Detail: fmt.Sprintf("value %v below minimum %v", f, *spec.Min),
		})
	}
	if spec.Max != nil && f > *spec.Max {
		violations = append(violations, Violation{
			Param:  spec.Name,
			Rule:   RuleRange,
			Detail: fmt.Sprintf("value %v above maximum %v", f, *spec.Max),
		})
	}
	return violations
}

// unsafeDetail reports the first class of character that would make the
// value unsafe to interpolate into interpreter source. Escaping handles
// quotes and backslashes a second time during assembly, but values
// carrying them are refused outright: interpolation is never attempted
// on input that needs repair.
func unsafeDetail(s string) (string, bool) {
	if !utf8.ValidString(s) {
		return "invalid UTF-8", true
	}
	for _, r := range s {
		switch {
		case r == '"':
			return "double quote is not allowed", true
		case r == '\\':
			return "backslash is not allowed", true
		case r < 0x20 || r == 0x7F:
			return fmt.Sprintf("control character U+%04X is not allowed", r), true
		}
	}
	return "", false
}
