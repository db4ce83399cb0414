package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/bascule/internal/auth"
	"github.com/mattjoyce/bascule/internal/dispatch"
	"github.com/mattjoyce/bascule/internal/events"
	"github.com/mattjoyce/bascule/internal/guard"
	"github.com/mattjoyce/bascule/internal/log"
	"github.com/mattjoyce/bascule/internal/pool"
	"github.com/mattjoyce/bascule/internal/script"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

type fakeDispatcher struct {
	out  *dispatch.Output
	err  error
	last script.Request
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, req script.Request) (*dispatch.Output, error) {
	f.last = req
	if f.err != nil {
		return nil, f.err
	}
	return f.out, nil
}

func newTestServer(t *testing.T, d ScriptDispatcher) *Server {
	t.Helper()

	reg := script.NewRegistry()
	if err := reg.RegisterBuiltins(); err != nil {
		t.Fatalf("RegisterBuiltins: %v", err)
	}

	pl, err := pool.New(pool.Config{
		Capacity:       2,
		AcquireTimeout: time.Second,
	}, func(ctx context.Context, slot *pool.Slot) error { return nil })
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}

	grd, err := guard.New(guard.Config{
		AllowedCategories: []script.Category{script.CategoryMacro},
		CallerQuota:       4,
	})
	if err != nil {
		t.Fatalf("guard.New: %v", err)
	}

	cfg := Config{
		Listen: "127.0.0.1:0",
		APIKey: "admin-key",
		Tokens: []auth.TokenConfig{
			{Token: "ro-token", Label: "watcher", Scopes: []string{"status:ro", "events:ro"}},
			{Token: "rw-token", Label: "ops-bot", Scopes: []string{"dispatch:rw"}},
			{Token: "rw-unlabeled", Scopes: []string{"dispatch:rw"}},
		},
	}
	return New(cfg, d, reg, pl, dispatch.NewBreaker(dispatch.BreakerConfig{}), grd, nil,
		events.NewHub(16), log.WithComponent("api-test"))
}

func doRequest(s *Server, method, path, token, body string) *httptest.ResponseRecorder {
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.setupRoutes().ServeHTTP(rec, req)
	return rec
}

func TestHealthzUnauthenticated(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	rec := doRequest(s, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp HealthzResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want ok", resp.Status)
	}
	if resp.SlotsIdle != 2 {
		t.Errorf("slots_idle = %d, want 2", resp.SlotsIdle)
	}
}

func TestStatusRequiresAuth(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	if rec := doRequest(s, http.MethodGet, "/status", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d, want 401", rec.Code)
	}
	if rec := doRequest(s, http.MethodGet, "/status", "bogus", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token: status = %d, want 401", rec.Code)
	}
	if rec := doRequest(s, http.MethodGet, "/status", "ro-token", ""); rec.Code != http.StatusOK {
		t.Errorf("ro token: status = %d, want 200", rec.Code)
	}
}

func TestStatusSnapshot(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	rec := doRequest(s, http.MethodGet, "/status", "admin-key", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pool.Capacity != 2 {
		t.Errorf("pool.capacity = %d, want 2", resp.Pool.Capacity)
	}
	if len(resp.Slots) != 2 {
		t.Errorf("slots = %d, want 2", len(resp.Slots))
	}
	if resp.Templates == 0 {
		t.Error("expected registered templates in snapshot")
	}
}

func TestDispatchScopeEnforced(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	body := `{"category":"macro","template":"macro.run","params":{"name":"Build"}}`
	if rec := doRequest(s, http.MethodPost, "/dispatch", "ro-token", body); rec.Code != http.StatusForbidden {
		t.Errorf("ro token: status = %d, want 403", rec.Code)
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := &fakeDispatcher{out: &dispatch.Output{
		RequestID: "req-1",
		Stdout:    "OK",
		Attempts:  1,
		Duration:  50 * time.Millisecond,
	}}
	s := newTestServer(t, d)

	body := `{"category":"macro","template":"macro.run","params":{"name":"Build"},"timeout_seconds":10}`
	rec := doRequest(s, http.MethodPost, "/dispatch", "rw-token", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp DispatchResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Output != "OK" {
		t.Errorf("output = %q, want OK", resp.Output)
	}
	if d.last.Caller != "ops-bot" {
		t.Errorf("caller = %q, want ops-bot", d.last.Caller)
	}
	if d.last.Timeout != 10*time.Second {
		t.Errorf("timeout = %v, want 10s", d.last.Timeout)
	}
}

func TestDispatchCallerIdentity(t *testing.T) {
	// Each token spends its own guard quota, so the caller identity
	// follows the token label, with fallbacks for legacy and unlabeled.
	cases := []struct {
		token  string
		caller string
	}{
		{"rw-token", "ops-bot"},
		{"admin-key", "admin"},
		{"rw-unlabeled", "api"},
	}
	body := `{"category":"macro","template":"macro.run","params":{"name":"Build"}}`
	for _, tc := range cases {
		d := &fakeDispatcher{out: &dispatch.Output{RequestID: "req-1", Attempts: 1}}
		s := newTestServer(t, d)
		if rec := doRequest(s, http.MethodPost, "/dispatch", tc.token, body); rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d, want 200: %s", tc.token, rec.Code, rec.Body.String())
		}
		if d.last.Caller != tc.caller {
			t.Errorf("%s: caller = %q, want %q", tc.token, d.last.Caller, tc.caller)
		}
	}
}

func TestDispatchRejectsBadBody(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	for name, body := range map[string]string{
		"invalid json":     `{`,
		"unknown category": `{"category":"nope","template":"macro.run"}`,
		"missing template": `{"category":"macro"}`,
	} {
		if rec := doRequest(s, http.MethodPost, "/dispatch", "admin-key", body); rec.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, rec.Code)
		}
	}
}

func TestDispatchErrorMapping(t *testing.T) {
	cases := []struct {
		kind dispatch.Kind
		want int
	}{
		{dispatch.KindValidation, http.StatusBadRequest},
		{dispatch.KindPermission, http.StatusForbidden},
		{dispatch.KindScriptSyntax, http.StatusBadRequest},
		{dispatch.KindCircuitOpen, http.StatusServiceUnavailable},
		{dispatch.KindPoolExhausted, http.StatusServiceUnavailable},
		{dispatch.KindTimeout, http.StatusGatewayTimeout},
		{dispatch.KindEngineUnavailable, http.StatusBadGateway},
		{dispatch.KindTransientIO, http.StatusBadGateway},
	}

	body := `{"category":"macro","template":"macro.run"}`
	for _, tc := range cases {
		cerr := &dispatch.ClassifiedError{Kind: tc.kind, Category: script.CategoryMacro, Message: "boom"}
		s := newTestServer(t, &fakeDispatcher{err: cerr})

		rec := doRequest(s, http.MethodPost, "/dispatch", "admin-key", body)
		if rec.Code != tc.want {
			t.Errorf("kind %s: status = %d, want %d", tc.kind, rec.Code, tc.want)
			continue
		}
		var resp DispatchErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("kind %s: decode: %v", tc.kind, err)
		}
		if resp.Kind != tc.kind.String() {
			t.Errorf("kind = %q, want %q", resp.Kind, tc.kind.String())
		}
	}
}

func TestTemplatesListing(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	rec := doRequest(s, http.MethodGet, "/templates", "ro-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp []TemplateInfo
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	found := false
	for _, info := range resp {
		if info.ID == "macro.run" {
			found = true
			if info.Category != "macro" {
				t.Errorf("macro.run category = %q, want macro", info.Category)
			}
		}
	}
	if !found {
		t.Error("macro.run not in template listing")
	}
}
