package render

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/telemetry"
)

// Outcome of a readiness wait
type Outcome string

const (
	NoCharts Outcome = "no_charts"
	Ready    Outcome = "ready"
	TimedOut Outcome = "timed_out"
)

// Readiness is what the detector observed. It is informational only;
// a TimedOut outcome lets the capture proceed.
type Readiness struct {
	Outcome  Outcome
	Vectors  int
	Canvases int
	Waited   time.Duration
}

// DetectorConfig tunes chart readiness polling
type DetectorConfig struct {
	Timeout      time.Duration
	PollInterval time.Duration
	MinChartSize float64
}

// Detector waits until charts on a page have finished drawing
type Detector struct {
	cfg DetectorConfig
	log *zap.Logger
	now func() time.Time
}

// NewDetector returns a detector with defaults filled in
func NewDetector(cfg DetectorConfig) *Detector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MinChartSize <= 0 {
		cfg.MinChartSize = 100
	}
	return &Detector{cfg: cfg, log: logger.Named("readiness"), now: time.Now}
}

type chartProbe struct {
	Vectors  int  `json:"vectors"`
	Canvases int  `json:"canvases"`
	Ready    bool `json:"ready"`
}

// Await polls the page until every chart element is drawn, no chart
// elements exist, or the timeout elapses. Probe errors count as not
// ready yet. It never returns an error.
func (d *Detector) Await(ctx context.Context, doc Evaluator) Readiness {
	start := d.now()
	deadline := start.Add(d.cfg.Timeout)
	script, _ := callJS(probeChartsJS, d.cfg.MinChartSize)

	var last chartProbe
	probed := false
	for {
		probe, err := d.probe(ctx, doc, script)
		if err == nil {
			last = probe
			if probe.Vectors == 0 && probe.Canvases == 0 && !probed {
				d.log.Debug("no chart elements on page")
				return Readiness{Outcome: NoCharts, Waited: d.now().Sub(start)}
			}
			probed = true
			if probe.Ready {
				r := Readiness{Outcome: Ready, Vectors: probe.Vectors, Canvases: probe.Canvases, Waited: d.now().Sub(start)}
				d.log.Debug("charts ready",
					zap.Int("vectors", r.Vectors),
					zap.Int("canvases", r.Canvases),
					zap.Duration("waited", r.Waited))
				return r
			}
		} else {
			d.log.Debug("readiness probe failed", zap.Error(err))
		}

		if !d.now().Before(deadline) || sleep(ctx, d.cfg.PollInterval) != nil {
			break
		}
	}

	r := Readiness{Outcome: TimedOut, Vectors: last.Vectors, Canvases: last.Canvases, Waited: d.now().Sub(start)}
	d.log.Warn("charts not ready before timeout, capturing anyway",
		zap.Int("vectors", r.Vectors),
		zap.Int("canvases", r.Canvases),
		zap.Duration("waited", r.Waited))
	telemetry.GetMetrics().RecordReadinessTimeout(ctx)
	return r
}

func (d *Detector) probe(ctx context.Context, doc Evaluator, script string) (chartProbe, error) {
	var p chartProbe
	raw, err := doc.Eval(ctx, script)
	if err != nil {
		return p, err
	}
	err = json.Unmarshal(raw, &p)
	return p, err
}
