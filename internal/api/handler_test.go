package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ridgeline/callsift/internal/controller"
	"github.com/ridgeline/callsift/internal/monitor"
	"github.com/ridgeline/callsift/internal/pipeline"
	"github.com/ridgeline/callsift/internal/rollout"
)

// noopClassifier is a minimal classification unit so the pipeline can run
// without a provider.
type noopClassifier struct{}

func (noopClassifier) Name() string           { return pipeline.UnitClassification }
func (noopClassifier) Version() string        { return "1.0.0" }
func (noopClassifier) Dependencies() []string { return nil }
func (noopClassifier) Config() pipeline.UnitConfig {
	return pipeline.UnitConfig{Timeout: time.Second, Critical: true}
}
func (noopClassifier) ShouldExecute(ec *pipeline.ExecutionContext) bool { return true }
func (noopClassifier) Execute(ctx context.Context, ec *pipeline.ExecutionContext) (any, error) {
	ec.SetShared(pipeline.SharedKeyCategory, pipeline.CategoryWrongNumber)
	return map[string]any{"category": pipeline.CategoryWrongNumber}, nil
}
func (noopClassifier) ValidateOutput(output any) bool { return output != nil }
func (noopClassifier) ClassifyError(err error) pipeline.UnitError {
	return pipeline.UnitError{Code: "extraction_error", Message: err.Error()}
}
func (noopClassifier) DefaultOutput() any { return map[string]any{} }

// echoLegacy stands in for the single-pass extractor.
type echoLegacy struct{}

func (echoLegacy) Extract(ctx context.Context, req controller.ProcessRequest) (map[string]any, int, error) {
	return map[string]any{"summary": "legacy"}, 100, nil
}

// newTestHandler creates a Handler wired with lightweight in-memory deps (no Postgres/Redis).
func newTestHandler(t *testing.T) (*Handler, http.Handler, *rollout.Controller) {
	t.Helper()
	logger := zap.NewNop()

	reg := pipeline.NewRegistry(logger)
	reg.Register(noopClassifier{})
	orc := pipeline.NewOrchestrator(reg, pipeline.NewPlanner(reg, logger), 4, logger)

	mon := monitor.New(monitor.DefaultConfig(), logger)
	ro := rollout.New(mon, nil, time.Minute, logger)
	ctrl := controller.New(orc, echoLegacy{}, ro, mon, nil, logger)

	h := NewHandler(ctrl, mon, ro, logger)
	return h, h.Router(), ro
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	var body map[string]string
	decodeBody(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("got status %q, want ok", body["status"])
	}
	if body["health"] != string(monitor.HealthHealthy) {
		t.Errorf("got health %q, want healthy", body["health"])
	}
}

func TestProcessCallValidation(t *testing.T) {
	_, router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	// Missing org_id.
	resp := postJSON(t, ts, "/api/calls/process", map[string]any{"call_id": "c1", "transcript": "hi"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing org_id: got status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()

	// Missing transcript and utterances.
	resp = postJSON(t, ts, "/api/calls/process", map[string]any{"call_id": "c1", "org_id": "o1"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing transcript: got status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestProcessCallEndToEnd(t *testing.T) {
	_, router, ro := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	ctx := context.Background()
	if err := ro.RegisterPhase(ctx, rollout.Phase{ID: "full", Percentage: 100}); err != nil {
		t.Fatal(err)
	}
	if err := ro.ActivatePhase(ctx, "full"); err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, ts, "/api/calls/process", map[string]any{
		"call_id":    "c1",
		"org_id":     "o1",
		"transcript": "Sorry, wrong number.",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}

	var result controller.ProcessingResult
	decodeBody(t, resp, &result)
	if !result.Success {
		t.Errorf("expected success, errors: %v", result.Errors)
	}
	if result.Method != controller.MethodNew {
		t.Errorf("got method %s, want new", result.Method)
	}
	if result.Category != pipeline.CategoryWrongNumber {
		t.Errorf("got category %s", result.Category)
	}
}

func TestRolloutLifecycleOverHTTP(t *testing.T) {
	_, router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/rollout/phases", rollout.Phase{ID: "p1", Name: "pilot", Percentage: 25})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: got status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/rollout/phases/p1/activate", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("activate: got status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/rollout/status")
	var status map[string]any
	decodeBody(t, resp, &status)
	active, ok := status["active_phase"].(map[string]any)
	if !ok || active["id"] != "p1" {
		t.Fatalf("got status %v, want active p1", status)
	}

	resp = postJSON(t, ts, "/api/rollout/phases/p1/rollback", map[string]string{"reason": "latency spike"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("rollback: got status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/rollout/status")
	var after map[string]any
	decodeBody(t, resp, &after)
	if _, ok := after["active_phase"]; ok {
		t.Error("rolled-back phase should not be active")
	}

	// Activating an unknown phase is a client error.
	resp = postJSON(t, ts, "/api/rollout/phases/ghost/activate", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("activate ghost: got status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestOverrideEndpoint(t *testing.T) {
	_, router, ro := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/rollout/override", map[string]any{"mode": "force_legacy", "reason": "incident"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	resp.Body.Close()
	if ro.Overridden() != rollout.OverrideForceLegacy {
		t.Errorf("got override %q, want force_legacy", ro.Overridden())
	}

	resp = postJSON(t, ts, "/api/rollout/override", map[string]any{"mode": "force_new", "reason": "soak test"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	resp.Body.Close()
	if ro.Overridden() != rollout.OverrideForceNew {
		t.Errorf("got override %q, want force_new", ro.Overridden())
	}

	resp = postJSON(t, ts, "/api/rollout/override", map[string]any{"mode": "off", "reason": "resolved"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("got status %d", resp.StatusCode)
	}
	resp.Body.Close()
	if ro.Overridden() != rollout.OverrideOff {
		t.Errorf("got override %q, want off", ro.Overridden())
	}

	// Unknown mode is a client error.
	resp = postJSON(t, ts, "/api/rollout/override", map[string]any{"mode": "sideways"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown mode: got status %d, want 400", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestMetricsEndpoints(t *testing.T) {
	h, router, _ := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	h.monitor.Record(monitor.UnitExecution{Unit: "rates", LatencyMs: 120, Tokens: 400, Success: true, Confidence: 0.9})

	resp := getJSON(t, ts, "/api/metrics")
	var metrics map[string]any
	decodeBody(t, resp, &metrics)
	if _, ok := metrics["system"]; !ok {
		t.Error("metrics response missing system block")
	}

	resp = getJSON(t, ts, "/api/metrics/units/rates")
	if resp.StatusCode != http.StatusOK {
		t.Errorf("unit metrics: got status %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/metrics/units/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown unit: got status %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/metrics/recommendations")
	var recs []monitor.Recommendation
	decodeBody(t, resp, &recs)
	if recs == nil {
		t.Error("recommendations should decode to an empty slice, not null")
	}
}
