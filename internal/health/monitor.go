// Package health aggregates service liveness: dispatcher counters, limiter
// state, backend readiness, and host resource gauges, plus the Prometheus
// metrics surface.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/book-expert/voice-profile-service/internal/core"
	"github.com/book-expert/voice-profile-service/internal/dispatch"
	"github.com/book-expert/voice-profile-service/internal/ratelimit"
	"github.com/book-expert/voice-profile-service/internal/session"
)

// Overall service statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Degradation thresholds. Error rate is only considered once enough
// requests have been seen to make the ratio meaningful.
const (
	memoryPressureThreshold = 90.0
	errorRateThreshold      = 0.5
	errorRateMinRequests    = 10
)

// SystemGauges are point-in-time host resource readings.
type SystemGauges struct {
	CPUPercent        float64 `json:"cpu_percent"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`
	DiskUsedPercent   float64 `json:"disk_used_percent"`
}

// Report is one health evaluation.
type Report struct {
	Status         string             `json:"status"`
	UptimeSeconds  float64            `json:"uptime_seconds"`
	BackendReady   bool               `json:"backend_ready"`
	BackendError   string             `json:"backend_error,omitempty"`
	ActiveSessions int                `json:"active_sessions"`
	Dispatcher     dispatch.Stats     `json:"dispatcher"`
	RateLimiter    ratelimit.Snapshot `json:"rate_limiter"`
	System         SystemGauges       `json:"system"`
}

// requestsTotalName is the counter queried back for the metrics operation.
const requestsTotalName = "voice_profile_requests_total"

// Metrics is the Prometheus surface. It registers on a private registry so
// multiple monitors can coexist in one process.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

// NewMetrics creates the metric set on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: requestsTotalName,
			Help: "Requests handled, by operation and outcome.",
		}, []string{"operation", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "voice_profile_request_duration_seconds",
			Help:    "Request handling latency, by operation.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
	}
}

// Registry exposes the private registry for the metrics listener.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest accounts one handled request.
func (m *Metrics) RecordRequest(operation, status string, duration time.Duration) {
	m.requestsTotal.WithLabelValues(operation, status).Inc()
	m.requestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RequestCount is one request-counter sample.
type RequestCount struct {
	Operation string  `json:"operation"`
	Status    string  `json:"status"`
	Count     float64 `json:"count"`
}

// RequestCounts reads the per-operation request counters back out of the
// registry.
func (m *Metrics) RequestCounts() ([]RequestCount, error) {
	families, err := m.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	var counts []RequestCount

	for _, family := range families {
		if family.GetName() != requestsTotalName {
			continue
		}

		for _, metric := range family.GetMetric() {
			sample := RequestCount{Operation: "", Status: "", Count: metric.GetCounter().GetValue()}

			for _, label := range metric.GetLabel() {
				switch label.GetName() {
				case "operation":
					sample.Operation = label.GetValue()
				case "status":
					sample.Status = label.GetValue()
				}
			}

			counts = append(counts, sample)
		}
	}

	return counts, nil
}

// Monitor evaluates overall service health on demand.
type Monitor struct {
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.Limiter
	sessions   *session.Manager
	backend    core.SpeechSynthesizer
	startedAt  time.Time
}

// NewMonitor creates a monitor. Uptime counts from this call.
func NewMonitor(
	dispatcher *dispatch.Dispatcher,
	limiter *ratelimit.Limiter,
	sessions *session.Manager,
	backend core.SpeechSynthesizer,
) *Monitor {
	return &Monitor{
		dispatcher: dispatcher,
		limiter:    limiter,
		sessions:   sessions,
		backend:    backend,
		startedAt:  time.Now().UTC(),
	}
}

// Report evaluates current health. An unreachable backend makes the service
// unhealthy; host memory pressure or a high error rate degrade it.
func (m *Monitor) Report(ctx context.Context) Report {
	report := Report{
		Status:         StatusHealthy,
		UptimeSeconds:  time.Since(m.startedAt).Seconds(),
		BackendReady:   true,
		BackendError:   "",
		ActiveSessions: m.sessions.ActiveSessions(),
		Dispatcher:     m.dispatcher.Stats(),
		RateLimiter:    m.limiter.Snapshot(),
		System:         readSystemGauges(ctx),
	}

	backendErr := m.backend.Ready(ctx)
	if backendErr != nil {
		report.BackendReady = false
		report.BackendError = backendErr.Error()
		report.Status = StatusUnhealthy

		return report
	}

	if report.System.MemoryUsedPercent > memoryPressureThreshold || errorRateHigh(report.Dispatcher) {
		report.Status = StatusDegraded
	}

	return report
}

// System samples the host resource gauges without a full health evaluation.
func (m *Monitor) System(ctx context.Context) SystemGauges {
	return readSystemGauges(ctx)
}

func errorRateHigh(stats dispatch.Stats) bool {
	if stats.TotalRequests < errorRateMinRequests {
		return false
	}

	return float64(stats.FailedRequests)/float64(stats.TotalRequests) > errorRateThreshold
}

// readSystemGauges samples host resources. Failed probes leave zero values;
// health reporting never fails on a probe error.
func readSystemGauges(ctx context.Context) SystemGauges {
	var gauges SystemGauges

	cpuPercents, cpuErr := cpu.PercentWithContext(ctx, 0, false)
	if cpuErr == nil && len(cpuPercents) > 0 {
		gauges.CPUPercent = cpuPercents[0]
	}

	memory, memErr := mem.VirtualMemoryWithContext(ctx)
	if memErr == nil {
		gauges.MemoryUsedPercent = memory.UsedPercent
	}

	diskUsage, diskErr := disk.UsageWithContext(ctx, "/")
	if diskErr == nil {
		gauges.DiskUsedPercent = diskUsage.UsedPercent
	}

	return gauges
}
