package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetMetricsSingleton(t *testing.T) {
	m := GetMetrics()
	assert.NotNil(t, m)
	assert.Same(t, m, GetMetrics())
}

func TestRecordersDoNotPanic(t *testing.T) {
	ctx := context.Background()
	m := GetMetrics()

	assert.NotPanics(t, func() {
		m.RecordExport(ctx, "full", "success", 4.2)
		m.SessionOpened(ctx, "rod")
		m.SessionClosed(ctx, "rod", true)
		m.RecordReadinessTimeout(ctx)
		m.RecordScheduledRun(ctx, "failed")
	})
}

func TestZeroMetricsAreNilSafe(t *testing.T) {
	m := &Metrics{}
	assert.NotPanics(t, func() {
		m.RecordExport(context.Background(), "tabs", "error", 1)
		m.SessionClosed(context.Background(), "chromedp", false)
	})
}

func TestDisabledTelemetry(t *testing.T) {
	tel, err := New(Config{Enabled: false})
	assert.NoError(t, err)
	assert.False(t, tel.IsEnabled())
	assert.NoError(t, tel.Shutdown(context.Background()))
}
