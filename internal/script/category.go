// Package script defines the operation catalog the bridge exposes:
// categories, parameterized templates, and the assembly step that turns a
// validated request into interpreter source text.
package script

import (
	"fmt"
	"strings"
)

// Category groups engine operations into permission families. The boundary
// guard allow-lists whole categories, never individual templates.
type Category string

const (
	CategoryMacro       Category = "macro"
	CategoryVariable    Category = "variable"
	CategoryDictionary  Category = "dictionary"
	CategoryClipboard   Category = "clipboard"
	CategoryFile        Category = "file"
	CategoryWindow      Category = "window"
	CategoryApplication Category = "application"
	CategoryScreen      Category = "screen"
)

var allCategories = []Category{
	CategoryMacro,
	CategoryVariable,
	CategoryDictionary,
	CategoryClipboard,
	CategoryFile,
	CategoryWindow,
	CategoryApplication,
	CategoryScreen,
}

// Categories returns every known category in declaration order.
func Categories() []Category {
	out := make([]Category, len(allCategories))
	copy(out, allCategories)
	return out
}

// Valid reports whether c names a known category.
func (c Category) Valid() bool {
	for _, known := range allCategories {
		if c == known {
			return true
		}
	}
	return false
}

func (c Category) String() string {
	return string(c)
}

// ParseCategory converts a config or API string into a Category.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown category %q (valid: %s)", s, joinCategories())
	}
	return c, nil
}

// ParseCategories converts a list of config strings, rejecting duplicates.
func ParseCategories(names []string) ([]Category, error) {
	out := make([]Category, 0, len(names))
	seen := make(map[Category]bool, len(names))
	for _, name := range names {
		c, err := ParseCategory(name)
		if err != nil {
			return nil, err
		}
		if seen[c] {
			return nil, fmt.Errorf("duplicate category %q", name)
		}
		seen[c] = true
		out = append(out, c)
	}
	return out, nil
}

func joinCategories() string {
	names := make([]string, len(allCategories))
	for i, c := range allCategories {
		names[i] = string(c)
	}
	return strings.Join(names, ", ")
}
