package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/wassette/wassette/internal/policy"
	"github.com/wassette/wassette/internal/registry"
)

func newTestRouter(t *testing.T) http.Handler {
	t.Helper()
	manager := registry.NewManager(registry.Options{
		Defaults:    policy.ResourceLimits{MemoryBytes: 1 << 20, Fuel: 1000, Timeout: time.Second},
		UnloadGrace: time.Second,
	})
	mcpStub := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
	return NewRouter(manager, mcpStub, "test")
}

func TestHealthz(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /healthz status = %d, want 200", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestListComponentsEmpty(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/components", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("GET /v1/components status = %d, want 200", rec.Code)
	}
	var body struct {
		Components []any `json:"components"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Components) != 0 {
		t.Errorf("components = %v, want empty", body.Components)
	}
}

func TestGetPolicyUnknownComponent(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/components/ghost/policy", nil))

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestMCPMount(t *testing.T) {
	router := newTestRouter(t)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/mcp", nil))

	if rec.Code != http.StatusAccepted {
		t.Errorf("POST /mcp status = %d, want stub 202", rec.Code)
	}
}
