// Package metrics records invocation statistics, both as in-process
// counters served as JSON and as Prometheus collectors.
package metrics

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

const maxInt64 = int64(^uint64(0) >> 1)

// Metrics collects process-wide invocation counters.
type Metrics struct {
	TotalInvocations   atomic.Int64
	SuccessInvocations atomic.Int64
	FailedInvocations  atomic.Int64
	Retries            atomic.Int64
	Degradations       atomic.Int64
	BranchFailures     atomic.Int64
	AuthRefreshes      atomic.Int64

	// Latency metrics (in milliseconds)
	TotalLatencyMs atomic.Int64
	MinLatencyMs   atomic.Int64
	MaxLatencyMs   atomic.Int64

	genericables sync.Map // genericable id -> *GenericableMetrics

	startTime time.Time
}

// GenericableMetrics tracks the invocations of one genericable.
type GenericableMetrics struct {
	Invocations atomic.Int64
	Successes   atomic.Int64
	Failures    atomic.Int64
	TotalMs     atomic.Int64
	MinMs       atomic.Int64
	MaxMs       atomic.Int64
}

var global = newMetrics()

func newMetrics() *Metrics {
	m := &Metrics{startTime: time.Now()}
	m.MinLatencyMs.Store(maxInt64)
	return m
}

// Global returns the global metrics instance
func Global() *Metrics {
	return global
}

// RecordInvocation records a finished genericable invocation. status is
// "success" or the failure class.
func (m *Metrics) RecordInvocation(genericable, fitable, communication string, duration time.Duration, status string) {
	durationMs := duration.Milliseconds()
	success := status == "success"

	m.TotalInvocations.Add(1)
	if success {
		m.SuccessInvocations.Add(1)
	} else {
		m.FailedInvocations.Add(1)
	}
	m.TotalLatencyMs.Add(durationMs)
	updateMin(&m.MinLatencyMs, durationMs)
	updateMax(&m.MaxLatencyMs, durationMs)

	gm := m.genericableMetrics(genericable)
	gm.Invocations.Add(1)
	if success {
		gm.Successes.Add(1)
	} else {
		gm.Failures.Add(1)
	}
	gm.TotalMs.Add(durationMs)
	updateMin(&gm.MinMs, durationMs)
	updateMax(&gm.MaxMs, durationMs)

	RecordPrometheusInvocation(genericable, fitable, communication, float64(duration.Microseconds())/1000, status)
}

// RecordRetry records one retried attempt.
func (m *Metrics) RecordRetry(genericable, fitable string) {
	m.Retries.Add(1)
	RecordRetry(genericable, fitable)
}

// RecordDegradation records one degradation hop.
func (m *Metrics) RecordDegradation(genericable, from, to string) {
	m.Degradations.Add(1)
	RecordDegradation(genericable, from, to)
}

// RecordBranchFailure records a failed multicast branch.
func (m *Metrics) RecordBranchFailure(genericable, level string) {
	m.BranchFailures.Add(1)
	RecordBranchFailure(genericable, level)
}

// RecordAuthRefresh records a token refresh after a rejected request.
func (m *Metrics) RecordAuthRefresh(accepted bool) {
	m.AuthRefreshes.Add(1)
	RecordAuthRefresh(accepted)
}

func (m *Metrics) genericableMetrics(id string) *GenericableMetrics {
	if v, ok := m.genericables.Load(id); ok {
		return v.(*GenericableMetrics)
	}

	gm := &GenericableMetrics{}
	gm.MinMs.Store(maxInt64)
	actual, _ := m.genericables.LoadOrStore(id, gm)
	return actual.(*GenericableMetrics)
}

// Snapshot returns a point-in-time snapshot of all metrics
func (m *Metrics) Snapshot() map[string]interface{} {
	total := m.TotalInvocations.Load()
	avgLatency := float64(0)
	if total > 0 {
		avgLatency = float64(m.TotalLatencyMs.Load()) / float64(total)
	}

	minLatency := m.MinLatencyMs.Load()
	if minLatency == maxInt64 {
		minLatency = 0
	}

	return map[string]interface{}{
		"uptime_seconds": int64(time.Since(m.startTime).Seconds()),
		"invocations": map[string]interface{}{
			"total":   total,
			"success": m.SuccessInvocations.Load(),
			"failed":  m.FailedInvocations.Load(),
		},
		"recovery": map[string]interface{}{
			"retries":         m.Retries.Load(),
			"degradations":    m.Degradations.Load(),
			"branch_failures": m.BranchFailures.Load(),
			"auth_refreshes":  m.AuthRefreshes.Load(),
		},
		"latency_ms": map[string]interface{}{
			"avg": avgLatency,
			"min": minLatency,
			"max": m.MaxLatencyMs.Load(),
		},
	}
}

// GenericableStats returns per-genericable metrics
func (m *Metrics) GenericableStats() map[string]interface{} {
	result := make(map[string]interface{})

	m.genericables.Range(func(key, value interface{}) bool {
		gm := value.(*GenericableMetrics)

		total := gm.Invocations.Load()
		avgMs := float64(0)
		if total > 0 {
			avgMs = float64(gm.TotalMs.Load()) / float64(total)
		}
		minMs := gm.MinMs.Load()
		if minMs == maxInt64 {
			minMs = 0
		}

		result[key.(string)] = map[string]interface{}{
			"invocations": total,
			"successes":   gm.Successes.Load(),
			"failures":    gm.Failures.Load(),
			"avg_ms":      avgMs,
			"min_ms":      minMs,
			"max_ms":      gm.MaxMs.Load(),
		}
		return true
	})

	return result
}

// JSONHandler returns an HTTP handler that exposes metrics in JSON format
func (m *Metrics) JSONHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		result := m.Snapshot()
		result["genericables"] = m.GenericableStats()
		json.NewEncoder(w).Encode(result)
	})
}

func updateMin(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value >= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}

func updateMax(target *atomic.Int64, value int64) {
	for {
		old := target.Load()
		if value <= old {
			return
		}
		if target.CompareAndSwap(old, value) {
			return
		}
	}
}
