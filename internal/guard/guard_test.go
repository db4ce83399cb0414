package guard

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mattjoyce/bascule/internal/script"
)

func testConfig() Config {
	return Config{
		AllowedCategories: []script.Category{script.CategoryMacro, script.CategoryFile, script.CategoryApplication},
		CallerQuota:       2,
	}
}

func pathTemplate() *script.Template {
	t := &script.Template{
		ID:       "file.reveal",
		Category: script.CategoryFile,
		Params: []script.ParamSpec{
			{Name: "path", Type: script.ParamString, Kind: script.KindPath, Required: true},
		},
		Source: `reveal "{{path}}"`,
	}
	if err := t.Validate(); err != nil {
		panic(err)
	}
	return t
}

func appTemplate() *script.Template {
	t := &script.Template{
		ID:       "application.activate",
		Category: script.CategoryApplication,
		Params: []script.ParamSpec{
			{Name: "app_id", Type: script.ParamString, Kind: script.KindAppID, Required: true},
		},
		Source: `activate "{{app_id}}"`,
	}
	if err := t.Validate(); err != nil {
		panic(err)
	}
	return t
}

func TestNewRejectsBadConfig(t *testing.T) {
	if _, err := New(Config{AllowedCategories: []script.Category{script.CategoryMacro}}); err == nil {
		t.Error("expected error for zero quota")
	}
	if _, err := New(Config{CallerQuota: 1}); err == nil {
		t.Error("expected error for empty category list")
	}
	if _, err := New(Config{CallerQuota: 1, AllowedCategories: []script.Category{"bogus"}}); err == nil {
		t.Error("expected error for unknown category")
	}
	if _, err := New(Config{
		CallerQuota:       1,
		AllowedCategories: []script.Category{script.CategoryMacro},
		AllowedPaths:      []string{"relative/path"},
	}); err == nil {
		t.Error("expected error for relative allowed path")
	}
}

func TestCheckCategoryAllowList(t *testing.T) {
	g, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &script.Template{ID: "clipboard.get", Category: script.CategoryClipboard, Source: "x"}
	req := script.NewRequest("agent-1", script.CategoryClipboard, "clipboard.get", nil)

	err = g.Check(req, tmpl)
	var perr *PermissionError
	if !errors.As(err, &perr) {
		t.Fatalf("Check() = %v, want PermissionError", err)
	}
	if perr.Category != script.CategoryClipboard {
		t.Errorf("PermissionError category = %q", perr.Category)
	}
}

func TestCheckPathAllowedRoots(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedPaths = []string{"/tmp/exports"}
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := pathTemplate()

	tests := []struct {
		path   string
		wantOK bool
	}{
		{"/tmp/exports/shot.png", true},
		{"/tmp/exports", true},
		{"/tmp/exports/deep/nested/file.txt", true},
		{"/tmp/other/shot.png", false},
		{"/tmp/exports/../secrets/key", false},
		{"/tmp/exportsevil/x", false},
		{"relative/path.png", false},
	}
	for _, tt := range tests {
		req := script.NewRequest("agent-1", script.CategoryFile, "file.reveal",
			map[string]any{"path": tt.path})
		err := g.Check(req, tmpl)
		if tt.wantOK && err != nil {
			t.Errorf("Check(%q) = %v, want nil", tt.path, err)
		}
		if !tt.wantOK && err == nil {
			t.Errorf("Check(%q) = nil, want PermissionError", tt.path)
		}
	}
}

func TestCheckPathExistenceFallback(t *testing.T) {
	g, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	tmpl := pathTemplate()

	tmpDir := t.TempDir()
	existing := filepath.Join(tmpDir, "real.txt")
	if err := os.WriteFile(existing, []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	req := script.NewRequest("agent-1", script.CategoryFile, "file.reveal",
		map[string]any{"path": existing})
	if err := g.Check(req, tmpl); err != nil {
		t.Errorf("Check(existing path) = %v, want nil", err)
	}

	req = script.NewRequest("agent-1", script.CategoryFile, "file.reveal",
		map[string]any{"path": filepath.Join(tmpDir, "ghost.txt")})
	if err := g.Check(req, tmpl); err == nil {
		t.Error("Check(missing path) = nil, want PermissionError")
	}
}

func TestCheckAppID(t *testing.T) {
	// With globs configured, only matches pass.
	cfg := testConfig()
	cfg.AllowedAppIDs = []string{"com.apple.*", "org.example.tools"}
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := appTemplate()

	tests := []struct {
		appID  string
		wantOK bool
	}{
		{"com.apple.Safari", true},
		{"org.example.tools", true},
		{"com.evil.app", false},
		{"", false},
	}
	for _, tt := range tests {
		req := script.NewRequest("agent-1", script.CategoryApplication, "application.activate",
			map[string]any{"app_id": tt.appID})
		err := g.Check(req, tmpl)
		if tt.wantOK && err != nil {
			t.Errorf("Check(%q) = %v, want nil", tt.appID, err)
		}
		if !tt.wantOK && err == nil {
			t.Errorf("Check(%q) = nil, want PermissionError", tt.appID)
		}
	}

	// Without globs, reverse-DNS shape is required.
	g2, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	req := script.NewRequest("agent-1", script.CategoryApplication, "application.activate",
		map[string]any{"app_id": "com.vendor.App"})
	if err := g2.Check(req, tmpl); err != nil {
		t.Errorf("Check(valid shape) = %v, want nil", err)
	}
	req = script.NewRequest("agent-1", script.CategoryApplication, "application.activate",
		map[string]any{"app_id": "no dots here"})
	if err := g2.Check(req, tmpl); err == nil {
		t.Error("Check(bad shape) = nil, want PermissionError")
	}
}

func TestAdmitQuota(t *testing.T) {
	g, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}

	rel1, err := g.Admit("agent-1")
	if err != nil {
		t.Fatalf("Admit() #1 error = %v", err)
	}
	rel2, err := g.Admit("agent-1")
	if err != nil {
		t.Fatalf("Admit() #2 error = %v", err)
	}

	// Quota is 2: the third admit must fail with QuotaError.
	_, err = g.Admit("agent-1")
	var qerr *QuotaError
	if !errors.As(err, &qerr) {
		t.Fatalf("Admit() #3 = %v, want QuotaError", err)
	}
	if qerr.InFlight != 2 || qerr.Limit != 2 {
		t.Errorf("QuotaError = %+v", qerr)
	}

	// Other callers are unaffected.
	relOther, err := g.Admit("agent-2")
	if err != nil {
		t.Errorf("Admit(other caller) error = %v", err)
	}
	relOther()

	// Releasing frees a unit.
	rel1()
	rel3, err := g.Admit("agent-1")
	if err != nil {
		t.Fatalf("Admit() after release error = %v", err)
	}

	// Double release must not double-decrement.
	rel1()
	if got := g.InFlight("agent-1"); got != 2 {
		t.Errorf("InFlight after double release = %d, want 2", got)
	}

	rel2()
	rel3()
	if got := g.InFlight("agent-1"); got != 0 {
		t.Errorf("InFlight after all released = %d, want 0", got)
	}
}

func TestAdmitConcurrent(t *testing.T) {
	cfg := testConfig()
	cfg.CallerQuota = 5
	g, err := New(cfg)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	admitted, rejected := 0, 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := g.Admit("agent-1")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				rejected++
				return
			}
			admitted++
			_ = release // released after counting
		}()
	}
	wg.Wait()

	if admitted != 5 || rejected != 15 {
		t.Errorf("admitted = %d, rejected = %d; want 5/15", admitted, rejected)
	}
	if got := g.InFlight("agent-1"); got != 5 {
		t.Errorf("InFlight = %d, want 5", got)
	}
}

func TestSnapshot(t *testing.T) {
	g, err := New(testConfig())
	if err != nil {
		t.Fatal(err)
	}
	relA, _ := g.Admit("zed")
	relB, _ := g.Admit("alice")
	defer relA()
	defer relB()

	snap := g.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if snap[0].Caller != "alice" || snap[1].Caller != "zed" {
		t.Errorf("Snapshot() not sorted: %+v", snap)
	}
}
