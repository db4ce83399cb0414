package script

func floatPtr(f float64) *float64 { return &f }

// Builtins returns the template set shipped with the bridge. Each covers
// one common engine operation; site-specific templates come from the
// configured templates directory.
func Builtins() []Template {
	return []Template{
		{
			ID:          "macro.run",
			Category:    CategoryMacro,
			Description: "Run a macro by name, optionally passing a trigger parameter",
			Params: []ParamSpec{
				{Name: "name", Type: ParamString, Required: true},
				{Name: "value", Type: ParamString},
			},
			Source: `tell application "{{engine}}" to do script "{{name}}" with parameter "{{value}}"`,
		},
		{
			ID:          "macro.list",
			Category:    CategoryMacro,
			Description: "List macros known to the engine",
			Source:      `tell application "{{engine}}" to getmacros`,
		},
		{
			ID:          "variable.get",
			Category:    CategoryVariable,
			Description: "Read an engine variable",
			Params: []ParamSpec{
				{Name: "name", Type: ParamString, Required: true},
			},
			Source: `tell application "{{engine}}" to getvariable "{{name}}"`,
		},
		{
			ID:          "variable.set",
			Category:    CategoryVariable,
			Description: "Write an engine variable",
			Params: []ParamSpec{
				{Name: "name", Type: ParamString, Required: true},
				{Name: "value", Type: ParamString, Required: true},
			},
			Source: `tell application "{{engine}}" to setvariable "{{name}}" to "{{value}}"`,
		},
		{
			ID:          "dictionary.get",
			Category:    CategoryDictionary,
			Description: "Read one key from an engine dictionary",
			Params: []ParamSpec{
				{Name: "dictionary", Type: ParamString, Required: true},
				{Name: "key", Type: ParamString, Required: true},
			},
			Source: `tell application "{{engine}}" to value of dictionary key "{{key}}" of dictionary "{{dictionary}}"`,
		},
		{
			ID:          "dictionary.set",
			Category:    CategoryDictionary,
			Description: "Write one key in an engine dictionary",
			Params: []ParamSpec{
				{Name: "dictionary", Type: ParamString, Required: true},
				{Name: "key", Type: ParamString, Required: true},
				{Name: "value", Type: ParamString, Required: true},
			},
			Source: `tell application "{{engine}}" to set value of dictionary key "{{key}}" of dictionary "{{dictionary}}" to "{{value}}"`,
		},
		{
			ID:          "clipboard.get",
			Category:    CategoryClipboard,
			Description: "Read the system clipboard as text",
			Source:      `the clipboard as text`,
		},
		{
			ID:          "clipboard.set",
			Category:    CategoryClipboard,
			Description: "Replace the system clipboard",
			Params: []ParamSpec{
				{Name: "value", Type: ParamString, Required: true},
			},
			Source: `set the clipboard to "{{value}}"`,
		},
		{
			ID:          "file.reveal",
			Category:    CategoryFile,
			Description: "Reveal a file in the Finder",
			Params: []ParamSpec{
				{Name: "path", Type: ParamString, Kind: KindPath, Required: true},
			},
			Source: `tell application "Finder" to reveal POSIX file "{{path}}"`,
		},
		{
			ID:          "window.list",
			Category:    CategoryWindow,
			Description: "List windows of the frontmost process",
			Source:      `tell application "System Events" to get name of every window of (first process whose frontmost is true)`,
		},
		{
			ID:          "application.activate",
			Category:    CategoryApplication,
			Description: "Bring an application to the foreground by bundle ID",
			Params: []ParamSpec{
				{Name: "app_id", Type: ParamString, Kind: KindAppID, Required: true},
			},
			Source: `tell application id "{{app_id}}" to activate`,
		},
		{
			ID:          "screen.capture_area",
			Category:    CategoryScreen,
			Description: "Capture a screen region to a file",
			Params: []ParamSpec{
				{Name: "x", Type: ParamInt, Required: true, Min: floatPtr(0)},
				{Name: "y", Type: ParamInt, Required: true, Min: floatPtr(0)},
				{Name: "width", Type: ParamInt, Required: true, Min: floatPtr(1), Max: floatPtr(16384)},
				{Name: "height", Type: ParamInt, Required: true, Min: floatPtr(1), Max: floatPtr(16384)},
				{Name: "path", Type: ParamString, Kind: KindPath, Required: true},
			},
			Source: `do shell script "screencapture -x -R{{x}},{{y}},{{width}},{{height}} " & quoted form of "{{path}}"`,
		},
	}
}
