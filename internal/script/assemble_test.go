package script

import (
	"strings"
	"testing"
)

func TestEscapeString(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{`plain`, `plain`},
		{`say "hi"`, `say \"hi\"`},
		{`back\slash`, `back\\slash`},
		{`both "\"`, `both \"\\\"`},
		{``, ``},
	}
	for _, tt := range tests {
		if got := EscapeString(tt.input); got != tt.want {
			t.Errorf("EscapeString(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestAssemble(t *testing.T) {
	tmpl := Template{
		ID:       "variable.set",
		Category: CategoryVariable,
		Params: []ParamSpec{
			{Name: "name", Type: ParamString, Required: true},
			{Name: "value", Type: ParamString},
		},
		Source: `tell application "{{engine}}" to setvariable "{{name}}" to "{{value}}"`,
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatal(err)
	}

	got, err := Assemble(&tmpl, map[string]any{"name": "Counter", "value": "42"}, "Keyboard Maestro Engine")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	want := `tell application "Keyboard Maestro Engine" to setvariable "Counter" to "42"`
	if got != want {
		t.Errorf("Assemble() = %q, want %q", got, want)
	}
}

func TestAssembleOptionalStringDefaultsEmpty(t *testing.T) {
	tmpl := Template{
		ID:       "macro.run",
		Category: CategoryMacro,
		Params: []ParamSpec{
			{Name: "name", Type: ParamString, Required: true},
			{Name: "value", Type: ParamString},
		},
		Source: `do script "{{name}}" with parameter "{{value}}"`,
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatal(err)
	}

	got, err := Assemble(&tmpl, map[string]any{"name": "Backup"}, "KM")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if got != `do script "Backup" with parameter ""` {
		t.Errorf("Assemble() = %q", got)
	}
}

func TestAssembleMissingRequiredValue(t *testing.T) {
	tmpl := Template{
		ID:       "variable.get",
		Category: CategoryVariable,
		Params: []ParamSpec{
			{Name: "name", Type: ParamString, Required: true},
		},
		Source: `getvariable "{{name}}"`,
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatal(err)
	}

	if _, err := Assemble(&tmpl, map[string]any{}, "KM"); err == nil {
		t.Error("expected error for missing required value")
	}
}

func TestAssembleSinglePass(t *testing.T) {
	// A value containing placeholder syntax must not be re-expanded.
	tmpl := Template{
		ID:       "variable.set",
		Category: CategoryVariable,
		Params: []ParamSpec{
			{Name: "name", Type: ParamString, Required: true},
			{Name: "value", Type: ParamString, Required: true},
		},
		Source: `setvariable "{{name}}" to "{{value}}"`,
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatal(err)
	}

	got, err := Assemble(&tmpl, map[string]any{"name": "a", "value": "{{name}}"}, "KM")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if !strings.Contains(got, `to "{{name}}"`) {
		t.Errorf("value containing placeholder syntax was re-expanded: %q", got)
	}
}

func TestAssembleEscapesValues(t *testing.T) {
	tmpl := Template{
		ID:       "clipboard.set",
		Category: CategoryClipboard,
		Params: []ParamSpec{
			{Name: "value", Type: ParamString, Required: true},
		},
		Source: `set the clipboard to "{{value}}"`,
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatal(err)
	}

	got, err := Assemble(&tmpl, map[string]any{"value": `end" & do shell script "id`}, "KM")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	want := `set the clipboard to "end\" & do shell script \"id"`
	if got != want {
		t.Errorf("Assemble() = %q, want %q", got, want)
	}
}

func TestAssembleValueFormatting(t *testing.T) {
	tmpl := Template{
		ID:       "screen.capture_area",
		Category: CategoryScreen,
		Params: []ParamSpec{
			{Name: "x", Type: ParamInt, Required: true},
			{Name: "scale", Type: ParamFloat, Required: true},
			{Name: "shadow", Type: ParamBool, Required: true},
		},
		Source: `capture {{x}} {{scale}} {{shadow}}`,
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatal(err)
	}

	// JSON decoding produces float64 for ints; both must format cleanly.
	got, err := Assemble(&tmpl, map[string]any{"x": float64(100), "scale": 1.5, "shadow": false}, "KM")
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if got != `capture 100 1.5 false` {
		t.Errorf("Assemble() = %q", got)
	}

	if _, err := Assemble(&tmpl, map[string]any{"x": 1.5, "scale": 1.0, "shadow": true}, "KM"); err == nil {
		t.Error("expected error for non-integral int param")
	}
	if _, err := Assemble(&tmpl, map[string]any{"x": 1, "scale": 1.0, "shadow": "yes"}, "KM"); err == nil {
		t.Error("expected error for non-bool bool param")
	}
}

func TestAssembleEngineEscaped(t *testing.T) {
	tmpl := Template{
		ID:       "macro.list",
		Category: CategoryMacro,
		Source:   `tell application "{{engine}}" to getmacros`,
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatal(err)
	}

	got, err := Assemble(&tmpl, nil, `Odd "Engine"`)
	if err != nil {
		t.Fatalf("Assemble() error = %v", err)
	}
	if !strings.Contains(got, `Odd \"Engine\"`) {
		t.Errorf("engine name not escaped: %q", got)
	}
}
