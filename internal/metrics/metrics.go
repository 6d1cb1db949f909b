// Package metrics provides the Prometheus collectors of the gateway.
// All metrics use the tpmgate_ prefix and live on a private registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	// CacheRequests counts intercepted requests by class and X-TPM-Cache result.
	CacheRequests *prometheus.CounterVec
	// PrecacheFiles counts manifest files by install result.
	PrecacheFiles *prometheus.CounterVec
	CacheVersions prometheus.Gauge

	// Notifications counts dispatcher outcomes per role
	// (rendered, suppressed, render_failed).
	Notifications *prometheus.CounterVec
	Broadcasts    *prometheus.CounterVec
	SinkFailures  *prometheus.CounterVec

	UpdateChecks *prometheus.CounterVec
	PageContexts prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		CacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tpmgate_cache_requests_total",
			Help: "Intercepted requests by classification and cache result",
		}, []string{"class", "result"}),
		PrecacheFiles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tpmgate_precache_files_total",
			Help: "Precache manifest files processed at install",
		}, []string{"result"}),
		CacheVersions: f.NewGauge(prometheus.GaugeOpts{
			Name: "tpmgate_cache_versions",
			Help: "Cache generations currently present in storage",
		}),
		Notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tpmgate_notifications_total",
			Help: "Notification events handled by the dispatcher",
		}, []string{"role", "outcome"}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tpmgate_broadcast_messages_total",
			Help: "Messages posted to open page contexts",
		}, []string{"type"}),
		SinkFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tpmgate_sink_failures_total",
			Help: "Failed publishes to external broadcast sinks",
		}, []string{"sink"}),
		UpdateChecks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tpmgate_update_checks_total",
			Help: "Update checks by result (available, current, inconclusive)",
		}, []string{"result"}),
		PageContexts: f.NewGauge(prometheus.GaugeOpts{
			Name: "tpmgate_page_contexts",
			Help: "Currently connected page contexts",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// The helpers below are nil-safe so components can run without metrics.

func (m *Metrics) CacheRequest(class, result string) {
	if m == nil {
		return
	}
	m.CacheRequests.WithLabelValues(class, result).Inc()
}

func (m *Metrics) Precache(result string) {
	if m == nil {
		return
	}
	m.PrecacheFiles.WithLabelValues(result).Inc()
}

func (m *Metrics) SetCacheVersions(n int) {
	if m == nil {
		return
	}
	m.CacheVersions.Set(float64(n))
}

func (m *Metrics) Notification(role, outcome string) {
	if m == nil {
		return
	}
	m.Notifications.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) Broadcast(typ string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Broadcasts.WithLabelValues(typ).Add(float64(n))
}

func (m *Metrics) SinkFailure(sink string) {
	if m == nil {
		return
	}
	m.SinkFailures.WithLabelValues(sink).Inc()
}

func (m *Metrics) UpdateCheck(result string) {
	if m == nil {
		return
	}
	m.UpdateChecks.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPageContexts(n int) {
	if m == nil {
		return
	}
	m.PageContexts.Set(float64(n))
}
