// Package metrics exposes Prometheus metrics for the trust and recovery
// service on a dedicated listen address.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer owns the metric registry and the /metrics HTTP listener.
type MetricsServer struct {
	registry *prometheus.Registry
	srv      *http.Server

	EventsRecorded      *prometheus.CounterVec
	Verdicts            *prometheus.CounterVec
	RecoveriesExecuted  prometheus.Counter
	SignaturesProduced  prometheus.Counter
	MFASessionsStarted  prometheus.Counter
	MFASessionsFinished prometheus.Counter
}

// New creates a metrics server for the given namespace listening on addr.
func New(namespace, addr string) (*MetricsServer, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &MetricsServer{
		registry: registry,
		EventsRecorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_events_total",
			Help:      "Security events recorded, by event type.",
		}, []string{"type"}),
		Verdicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verdicts_total",
			Help:      "Anomaly verdicts issued, by action.",
		}, []string{"action"}),
		RecoveriesExecuted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recoveries_executed_total",
			Help:      "Recovery requests successfully executed.",
		}),
		SignaturesProduced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "threshold_signatures_total",
			Help:      "Threshold signatures produced.",
		}),
		MFASessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_sessions_started_total",
			Help:      "MFA sessions opened.",
		}),
		MFASessionsFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mfa_sessions_finalized_total",
			Help:      "MFA sessions finalized with all factors satisfied.",
		}),
	}
	registry.MustRegister(m.EventsRecorded, m.Verdicts, m.RecoveriesExecuted, m.SignaturesProduced, m.MFASessionsStarted, m.MFASessionsFinished)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	m.srv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return m, nil
}

// ListenAndServe serves /metrics on the configured address until shutdown.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown stops the metrics listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
