package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/hanzoai/mcp/pkg/config"
)

// Metrics holds the server's instruments. A nil *Metrics (or one built with
// metrics disabled) records nothing, so callers never branch.
type Metrics struct {
	meter metric.Meter

	invocationDuration metric.Float64Histogram
	invocationsTotal   metric.Int64Counter
	tokensEmitted      metric.Int64Counter
}

// GaugeSources supplies live values for the observable gauges. Nil funcs
// are skipped.
type GaugeSources struct {
	ActiveProcesses     func() int64
	ActiveCursors       func() int64
	TransportQueueDepth func() int64
}

// initMetrics bridges an OpenTelemetry meter into the default prometheus
// registry and creates the instrument set.
func initMetrics(cfg config.MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{}, nil
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
	)
	meter := meterProvider.Meter("hanzo-mcp")

	invocationDuration, err := meter.Float64Histogram(
		"hanzo_mcp_invocation_duration_seconds",
		metric.WithDescription("Tool invocation duration in seconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invocation duration histogram: %w", err)
	}

	invocationsTotal, err := meter.Int64Counter(
		"hanzo_mcp_invocations_total",
		metric.WithDescription("Total tool invocations by tool and outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create invocations counter: %w", err)
	}

	tokensEmitted, err := meter.Int64Counter(
		"hanzo_mcp_tokens_emitted_total",
		metric.WithDescription("Total response tokens emitted by tool"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokens counter: %w", err)
	}

	return &Metrics{
		meter:              meter,
		invocationDuration: invocationDuration,
		invocationsTotal:   invocationsTotal,
		tokensEmitted:      tokensEmitted,
	}, nil
}

// RecordInvocation records one completed tool invocation.
func (m *Metrics) RecordInvocation(ctx context.Context, tool, outcome string, duration time.Duration, tokensOut int) {
	if m == nil || m.invocationDuration == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.invocationDuration.Record(ctx, duration.Seconds(), attrs)
	m.invocationsTotal.Add(ctx, 1, attrs)

	if tokensOut > 0 {
		m.tokensEmitted.Add(ctx, int64(tokensOut),
			metric.WithAttributes(attribute.String("tool", tool)))
	}
}

// RegisterGauges installs the observable gauges backed by the given
// sources: live processes, active cursors, and transport queue depth.
func (m *Metrics) RegisterGauges(src GaugeSources) error {
	if m == nil || m.meter == nil {
		return nil
	}

	activeProcesses, err := m.meter.Int64ObservableGauge(
		"hanzo_mcp_active_processes",
		metric.WithDescription("Child processes currently supervised"),
	)
	if err != nil {
		return fmt.Errorf("failed to create active processes gauge: %w", err)
	}

	cursorsActive, err := m.meter.Int64ObservableGauge(
		"hanzo_mcp_cursors_active",
		metric.WithDescription("Pagination cursors currently live"),
	)
	if err != nil {
		return fmt.Errorf("failed to create cursors gauge: %w", err)
	}

	queueDepth, err := m.meter.Int64ObservableGauge(
		"hanzo_mcp_transport_queue_depth",
		metric.WithDescription("Messages accepted but not yet on the wire"),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue depth gauge: %w", err)
	}

	_, err = m.meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if src.ActiveProcesses != nil {
			o.ObserveInt64(activeProcesses, src.ActiveProcesses())
		}
		if src.ActiveCursors != nil {
			o.ObserveInt64(cursorsActive, src.ActiveCursors())
		}
		if src.TransportQueueDepth != nil {
			o.ObserveInt64(queueDepth, src.TransportQueueDepth())
		}
		return nil
	}, activeProcesses, cursorsActive, queueDepth)
	if err != nil {
		return fmt.Errorf("failed to register gauge callback: %w", err)
	}
	return nil
}
