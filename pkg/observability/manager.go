// Package observability wires tracing and metrics for the server.
//
// Tracing exports spans over OTLP gRPC, or to stderr with the debug
// exporter; metrics flow through the OpenTelemetry prometheus bridge into
// the default client_golang registry, exposed at /metrics in SSE mode.
// Everything degrades to no-ops when disabled, so call sites never branch.
package observability

import (
	"context"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/hanzoai/mcp/pkg/config"
)

// Manager owns the tracer provider and the metric instruments.
type Manager struct {
	cfg config.TelemetryConfig

	mu             sync.RWMutex
	tracerProvider trace.TracerProvider
	metrics        *Metrics
}

// NewManager builds a manager; nothing starts until Initialize.
func NewManager(cfg config.TelemetryConfig) *Manager {
	return &Manager{cfg: cfg}
}

// Initialize sets up the span exporter and metric instruments.
func (m *Manager) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	tp, err := initTracer(ctx, m.cfg.Tracing)
	if err != nil {
		return err
	}
	m.tracerProvider = tp

	metrics, err := initMetrics(m.cfg.Metrics)
	if err != nil {
		return err
	}
	m.metrics = metrics

	return nil
}

// Tracer returns a named tracer; a no-op one before Initialize or when
// tracing is disabled.
func (m *Manager) Tracer(name string) trace.Tracer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.tracerProvider == nil {
		return noopTracerProvider().Tracer(name)
	}
	return m.tracerProvider.Tracer(name)
}

// Metrics returns the instrument set. May be nil before Initialize; all
// Metrics methods tolerate a nil receiver.
func (m *Manager) Metrics() *Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// MetricsHandler returns the prometheus scrape handler, or nil when
// metrics are disabled.
func (m *Manager) MetricsHandler() http.Handler {
	if !m.cfg.Metrics.Enabled {
		return nil
	}
	return promhttp.Handler()
}

// Shutdown flushes and stops the span pipeline.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if sp, ok := m.tracerProvider.(interface{ Shutdown(context.Context) error }); ok {
		return sp.Shutdown(ctx)
	}
	return nil
}
