// Package metrics exposes execution and delivery counters in Prometheus format.
package metrics

import (
	"context"
	"net/http"

	"funnel-automation/backend/internal/events"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "funnel_automation"

// Delivery outcomes for RecordDelivery.
const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
)

// Metrics owns the collectors and the registry they are registered with.
type Metrics struct {
	registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	duration         *prometheus.HistogramVec
	deliveries       *prometheus.CounterVec
	reconcileSkipped prometheus.Counter
}

// New creates and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "execution_transitions_total",
				Help:      "Total number of execution status transitions",
			},
			[]string{"to"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time from execution start to terminal status",
				Buckets:   []float64{.5, 1, 2.5, 5, 10, 30, 60, 300, 900, 3600},
			},
			[]string{"status"},
		),
		deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Total number of inbound trigger deliveries by outcome",
			},
			[]string{"outcome"}, // accepted, rejected, failed
		),
		reconcileSkipped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_skipped_total",
				Help:      "Reconciliations skipped because the engine status fetch failed",
			},
		),
	}

	m.registry.MustRegister(
		m.transitions,
		m.duration,
		m.deliveries,
		m.reconcileSkipped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// HandleTransition records a lifecycle event. It is an events.Handler.
func (m *Metrics) HandleTransition(_ context.Context, t events.Transition) {
	m.transitions.WithLabelValues(string(t.To)).Inc()
	if t.To.IsTerminal() {
		m.duration.WithLabelValues(string(t.To)).Observe(t.DurationSeconds)
	}
}

// RecordDelivery counts an inbound trigger delivery.
func (m *Metrics) RecordDelivery(outcome string) {
	m.deliveries.WithLabelValues(outcome).Inc()
}

// RecordReconcileSkipped counts a swallowed engine fetch failure.
func (m *Metrics) RecordReconcileSkipped() {
	m.reconcileSkipped.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
