package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
)

// MeterName is the meter used for all export metrics
const MeterName = "github.com/maintainer-dashboard/pdf-export"

// Metrics holds all application metrics
type Metrics struct {
	ExportsTotal      metric.Int64Counter
	ExportDuration    metric.Float64Histogram
	ActiveSessions    metric.Int64UpDownCounter
	ReadinessTimeouts metric.Int64Counter
	SessionCloseFails metric.Int64Counter
	ScheduledRuns     metric.Int64Counter
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// GetMetrics returns the global metrics instance, initializing it on first use
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		var err error
		globalMetrics, err = initMetrics()
		if err != nil {
			logger.Error("Failed to initialize metrics", zap.Error(err))
			globalMetrics = &Metrics{}
		}
	})
	return globalMetrics
}

func initMetrics() (*Metrics, error) {
	meter := otel.Meter(MeterName)
	m := &Metrics{}
	var err error

	m.ExportsTotal, err = meter.Int64Counter(
		"pdf_exports_total",
		metric.WithDescription("Total number of PDF exports by mode and status"),
		metric.WithUnit("{export}"),
	)
	if err != nil {
		return nil, err
	}

	m.ExportDuration, err = meter.Float64Histogram(
		"pdf_export_duration_seconds",
		metric.WithDescription("Duration of PDF exports in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(1, 2.5, 5, 10, 20, 30, 60, 120),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter(
		"pdf_browser_sessions_active",
		metric.WithDescription("Number of open headless browser sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.ReadinessTimeouts, err = meter.Int64Counter(
		"pdf_readiness_timeouts_total",
		metric.WithDescription("Chart readiness waits that ended on timeout"),
		metric.WithUnit("{wait}"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionCloseFails, err = meter.Int64Counter(
		"pdf_session_close_failures_total",
		metric.WithDescription("Browser sessions whose close returned an error"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	m.ScheduledRuns, err = meter.Int64Counter(
		"pdf_scheduled_runs_total",
		metric.WithDescription("Scheduled export runs by status"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RecordExport records a finished export
func (m *Metrics) RecordExport(ctx context.Context, mode, status string, durationSeconds float64) {
	attrs := metric.WithAttributes(
		attribute.String("mode", mode),
		attribute.String("status", status),
	)
	if m.ExportsTotal != nil {
		m.ExportsTotal.Add(ctx, 1, attrs)
	}
	if m.ExportDuration != nil {
		m.ExportDuration.Record(ctx, durationSeconds, attrs)
	}
}

// SessionOpened increments the active session gauge
func (m *Metrics) SessionOpened(ctx context.Context, engine string) {
	if m.ActiveSessions != nil {
		m.ActiveSessions.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
}

// SessionClosed decrements the active session gauge
func (m *Metrics) SessionClosed(ctx context.Context, engine string, closeErr bool) {
	if m.ActiveSessions != nil {
		m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(attribute.String("engine", engine)))
	}
	if closeErr && m.SessionCloseFails != nil {
		m.SessionCloseFails.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
	}
}

// RecordReadinessTimeout counts a soft readiness timeout
func (m *Metrics) RecordReadinessTimeout(ctx context.Context) {
	if m.ReadinessTimeouts != nil {
		m.ReadinessTimeouts.Add(ctx, 1)
	}
}

// RecordScheduledRun counts a scheduled run outcome
func (m *Metrics) RecordScheduledRun(ctx context.Context, status string) {
	if m.ScheduledRuns != nil {
		m.ScheduledRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	}
}
