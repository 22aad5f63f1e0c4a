package metrics

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestRecordInvocation(t *testing.T) {
	m := newMetrics()
	m.RecordInvocation("pricing.quote@1", "default@1", "unicast", 20*time.Millisecond, "success")
	m.RecordInvocation("pricing.quote@1", "default@1", "unicast", 40*time.Millisecond, "retryable")
	m.RecordRetry("pricing.quote@1", "default@1")
	m.RecordDegradation("pricing.quote@1", "default@1", "cached@1")

	if m.TotalInvocations.Load() != 2 || m.FailedInvocations.Load() != 1 {
		t.Fatalf("unexpected totals: %d total, %d failed", m.TotalInvocations.Load(), m.FailedInvocations.Load())
	}
	if m.MinLatencyMs.Load() != 20 || m.MaxLatencyMs.Load() != 40 {
		t.Fatalf("unexpected latency bounds %d..%d", m.MinLatencyMs.Load(), m.MaxLatencyMs.Load())
	}

	stats := m.GenericableStats()["pricing.quote@1"].(map[string]interface{})
	if stats["invocations"].(int64) != 2 || stats["avg_ms"].(float64) != 30 {
		t.Fatalf("unexpected genericable stats %v", stats)
	}
}

func TestJSONHandler(t *testing.T) {
	m := newMetrics()
	m.RecordInvocation("g@1", "f@1", "multicast", time.Millisecond, "success")
	m.RecordBranchFailure("g@1", "fitable")

	rec := httptest.NewRecorder()
	m.JSONHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))

	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	recovery := body["recovery"].(map[string]any)
	if recovery["branch_failures"].(float64) != 1 {
		t.Fatalf("unexpected recovery stats %v", recovery)
	}
	if _, ok := body["genericables"].(map[string]any)["g@1"]; !ok {
		t.Fatalf("missing genericable stats in %v", body)
	}
}

func TestPrometheusHandler(t *testing.T) {
	InitPrometheus("orbit_test", nil)
	defer func() { promMetrics = nil }()

	Global().RecordInvocation("g@1", "f@1", "unicast", time.Millisecond, "success")
	RecordAuthRefresh(true)
	SetCircuitBreakerState("worker-1", 1)

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	for _, want := range []string{
		"orbit_test_invocations_total",
		"orbit_test_auth_refresh_total",
		`orbit_test_circuit_breaker_state{worker="worker-1"} 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestPrometheusHandlerUninitialized(t *testing.T) {
	promMetrics = nil
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
