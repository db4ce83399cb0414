package api

import (
	"encoding/json"
	"net/http"
	"testing"
)

func TestOpenAPIDocListsTemplates(t *testing.T) {
	s := newTestServer(t, &fakeDispatcher{})

	rec := doRequest(s, http.MethodGet, "/openapi.json", "ro-token", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var doc map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &doc); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if doc["openapi"] != "3.1.0" {
		t.Errorf("openapi = %v, want 3.1.0", doc["openapi"])
	}

	components, _ := doc["components"].(map[string]any)
	schemas, _ := components["schemas"].(map[string]any)
	templates, _ := schemas["templates"].(map[string]any)
	if _, ok := templates["macro.run"]; !ok {
		t.Error("macro.run missing from openapi template schemas")
	}

	paths, _ := doc["paths"].(map[string]any)
	if _, ok := paths["/dispatch"]; !ok {
		t.Error("/dispatch missing from openapi paths")
	}
}
