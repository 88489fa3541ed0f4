package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func resetRegistry(version string) {
	registry = newHealthRegistry()
	registry.version = version
}

func TestRegisterComponentStoresStatus(t *testing.T) {
	resetRegistry("")
	RegisterComponent("control", true, "serving")

	registry.mu.RLock()
	comp, ok := registry.components["control"]
	registry.mu.RUnlock()

	if !ok {
		t.Fatal("expected control to be registered")
	}
	if !comp.healthy {
		t.Error("expected control to be healthy")
	}
	if comp.message != "serving" {
		t.Errorf("message = %q, want %q", comp.message, "serving")
	}
}

func TestUpdateComponentOverwritesPriorStatus(t *testing.T) {
	resetRegistry("")
	RegisterComponent("executor", true, "running")
	UpdateComponent("executor", false, "sanity check failing")

	registry.mu.RLock()
	comp := registry.components["executor"]
	registry.mu.RUnlock()

	if comp.healthy {
		t.Error("expected executor to be unhealthy after update")
	}
	if comp.message != "sanity check failing" {
		t.Errorf("message = %q, want %q", comp.message, "sanity check failing")
	}
}

func TestGetHealthReportsHealthyWhenEveryComponentIs(t *testing.T) {
	resetRegistry("1.2.3")
	RegisterComponent("control", true, "")
	RegisterComponent("zookeeper", true, "")

	h := GetHealth()
	if h.Status != "healthy" {
		t.Errorf("status = %q, want healthy", h.Status)
	}
	if len(h.Components) != 2 {
		t.Errorf("components = %d, want 2", len(h.Components))
	}
	if h.Version != "1.2.3" {
		t.Errorf("version = %q, want 1.2.3", h.Version)
	}
}

func TestGetHealthReportsUnhealthyIfAnyComponentIs(t *testing.T) {
	resetRegistry("")
	RegisterComponent("control", true, "")
	RegisterComponent("zookeeper", false, "not connected")

	h := GetHealth()
	if h.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", h.Status)
	}
	if got := h.Components["zookeeper"]; got != "unhealthy: not connected" {
		t.Errorf("zookeeper component status = %q", got)
	}
}

func TestGetReadinessReadyOnceCoordinatorAndExecutorReport(t *testing.T) {
	resetRegistry("")
	RegisterComponent("zookeeper", true, "")
	RegisterComponent("executor", true, "")
	RegisterComponent("control", true, "")

	r := GetReadiness()
	if r.Status != "ready" {
		t.Errorf("status = %q, want ready", r.Status)
	}
}

func TestGetReadinessNotReadyWhenComponentNeverRegistered(t *testing.T) {
	resetRegistry("")
	RegisterComponent("control", true, "")

	r := GetReadiness()
	if r.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", r.Status)
	}
	if r.Message == "" {
		t.Error("expected a message explaining why readiness failed")
	}
}

func TestGetReadinessNotReadyWhenComponentUnhealthy(t *testing.T) {
	resetRegistry("")
	RegisterComponent("zookeeper", false, "leader not elected")
	RegisterComponent("executor", true, "")
	RegisterComponent("control", true, "")

	r := GetReadiness()
	if r.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", r.Status)
	}
}

func decodeJSON(t *testing.T, body *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(body.Body).Decode(v); err != nil {
		t.Fatalf("decoding response body: %v", err)
	}
}

func TestHealthHandlerReturns200WhenHealthy(t *testing.T) {
	resetRegistry("test")
	RegisterComponent("control", true, "")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	var h HealthStatus
	decodeJSON(t, w, &h)
	if h.Status != "healthy" || h.Version != "test" {
		t.Errorf("unexpected body: %+v", h)
	}
}

func TestHealthHandlerReturns503WhenUnhealthy(t *testing.T) {
	resetRegistry("")
	RegisterComponent("control", false, "broken")

	w := httptest.NewRecorder()
	HealthHandler()(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", w.Code)
	}
	var h HealthStatus
	decodeJSON(t, w, &h)
	if h.Status != "unhealthy" {
		t.Errorf("status = %q, want unhealthy", h.Status)
	}
}

func TestReadyHandlerReturns200WhenAllDependenciesReady(t *testing.T) {
	resetRegistry("")
	RegisterComponent("zookeeper", true, "")
	RegisterComponent("executor", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	var r HealthStatus
	decodeJSON(t, w, &r)
	if r.Status != "ready" {
		t.Errorf("status = %q, want ready", r.Status)
	}
}

func TestReadyHandlerReturns503WhenZookeeperMissing(t *testing.T) {
	resetRegistry("")
	RegisterComponent("executor", true, "")

	w := httptest.NewRecorder()
	ReadyHandler()(w, httptest.NewRequest(http.MethodGet, "/ready", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d, want 503", w.Code)
	}
	var r HealthStatus
	decodeJSON(t, w, &r)
	if r.Status != "not_ready" {
		t.Errorf("status = %q, want not_ready", r.Status)
	}
}

func TestLivenessHandlerAlwaysReturns200(t *testing.T) {
	resetRegistry("")

	w := httptest.NewRecorder()
	LivenessHandler()(w, httptest.NewRequest(http.MethodGet, "/live", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("code = %d, want 200", w.Code)
	}
	var body map[string]string
	decodeJSON(t, w, &body)
	if body["status"] != "alive" {
		t.Errorf("status = %q, want alive", body["status"])
	}
	if body["uptime"] == "" {
		t.Error("expected a non-empty uptime")
	}
}
