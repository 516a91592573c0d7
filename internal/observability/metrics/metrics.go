// Package metrics holds the Prometheus collectors shared by the startup
// orchestrator, the backup manager and the webhook listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe for concurrent use. A nil *Metrics is valid and records nothing.
type Metrics struct {
	reg *prometheus.Registry

	// StartupPhase is 1 for the current lifecycle phase and 0 otherwise.
	StartupPhase *prometheus.GaugeVec

	// BackupsTotal counts backup attempts by result ("success", "failure").
	BackupsTotal *prometheus.CounterVec

	BackupLastSize prometheus.Gauge

	// WebhookUpdates counts webhook requests by outcome.
	WebhookUpdates *prometheus.CounterVec
}

// New creates a private registry with the process and Go collectors plus the
// oraclebot_ metrics.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		StartupPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "oraclebot_startup_phase",
				Help: "Current startup phase (1 for the active phase)",
			},
			[]string{"phase"},
		),
		BackupsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclebot_backups_total",
				Help: "Total backup attempts by result",
			},
			[]string{"result"},
		),
		BackupLastSize: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "oraclebot_backup_last_size_bytes",
				Help: "Size of the most recent successful backup archive",
			},
		),
		WebhookUpdates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oraclebot_webhook_updates_total",
				Help: "Webhook requests by status",
			},
			[]string{"status"}, // "ok", "bad_request", "unauthorized", "rate_limited", "error"
		),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.StartupPhase,
		m.BackupsTotal,
		m.BackupLastSize,
		m.WebhookUpdates,
	)
	return m
}

// Registry exposes the underlying registry (tests use it with testutil).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// SetPhase marks phase as current and clears every other known phase.
func (m *Metrics) SetPhase(phase string, all []string) {
	if m == nil {
		return
	}
	for _, p := range all {
		v := 0.0
		if p == phase {
			v = 1
		}
		m.StartupPhase.WithLabelValues(p).Set(v)
	}
}

func (m *Metrics) ObserveBackup(ok bool, size int64) {
	if m == nil {
		return
	}
	if !ok {
		m.BackupsTotal.WithLabelValues("failure").Inc()
		return
	}
	m.BackupsTotal.WithLabelValues("success").Inc()
	m.BackupLastSize.Set(float64(size))
}

func (m *Metrics) ObserveWebhook(status string) {
	if m == nil {
		return
	}
	m.WebhookUpdates.WithLabelValues(status).Inc()
}
