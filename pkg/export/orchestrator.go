// Package export turns export requests into PDF documents using the
// capture driver, one browser session per target.
package export

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
	"github.com/maintainer-dashboard/pdf-export/pkg/raster"
	"github.com/maintainer-dashboard/pdf-export/pkg/render"
	"github.com/maintainer-dashboard/pdf-export/pkg/telemetry"
)

// ErrAllTabsFailed is returned when no tab of a multi-tab export rendered
var ErrAllTabsFailed = errors.New("all tabs failed to export")

// Capturer renders a single target; *render.Driver implements it
type Capturer interface {
	Capture(ctx context.Context, target render.Target) ([]byte, error)
}

// Rasterer is the screenshot based fallback; *raster.Service implements it
type Rasterer interface {
	Available() bool
	Export(ctx context.Context, pageURL string, req raster.Request) ([]byte, error)
}

// Config tunes the orchestrator
type Config struct {
	// MaxConcurrent caps browser sessions across all requests; 0 is unlimited
	MaxConcurrent int
	// RasterFallback retries with the rasterizer when a browser cannot launch
	RasterFallback bool
}

// Orchestrator dispatches requests by mode
type Orchestrator struct {
	capturer Capturer
	raster   Rasterer
	cfg      Config
	sem      chan struct{}
	log      *zap.Logger
}

// NewOrchestrator creates an orchestrator; raster may be nil
func NewOrchestrator(capturer Capturer, raster Rasterer, cfg Config) *Orchestrator {
	o := &Orchestrator{
		capturer: capturer,
		raster:   raster,
		cfg:      cfg,
		log:      logger.Named("export"),
	}
	if cfg.MaxConcurrent > 0 {
		o.sem = make(chan struct{}, cfg.MaxConcurrent)
	}
	return o
}

// Result holds the documents produced for a request in target order
type Result struct {
	Mode      model.ExportMode
	Documents []model.TabResult
	// Rasterized is set when the fallback produced the output
	Rasterized bool
}

// First returns the first document
func (r *Result) First() *model.PDFArtifact {
	if r == nil || len(r.Documents) == 0 {
		return nil
	}
	return r.Documents[0].Artifact
}

// Export renders req. The request must already be validated.
func (o *Orchestrator) Export(ctx context.Context, req *model.ExportRequest) (*Result, error) {
	mode := req.Mode()
	start := time.Now()
	log := o.log.With(zap.String("mode", string(mode)), zap.String("url", req.URL))

	var (
		res *Result
		err error
	)
	switch mode {
	case model.ModeTabs:
		res, err = o.exportTabs(ctx, req, log)
	default:
		res, err = o.exportSingle(ctx, req, log)
	}

	status := "success"
	if err != nil {
		status = "failed"
	}
	telemetry.GetMetrics().RecordExport(context.WithoutCancel(ctx), string(mode), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	log.Info("export complete", zap.Int("documents", len(res.Documents)), zap.Duration("elapsed", time.Since(start)))
	return res, nil
}

func (o *Orchestrator) exportSingle(ctx context.Context, req *model.ExportRequest, log *zap.Logger) (*Result, error) {
	filename := baseFilename(req.Filename)
	target := render.Target{
		URL:      req.URL,
		Filename: filename,
		Sections: req.Sections,
		Options:  options(req),
	}

	pdf, err := o.capture(ctx, target)
	rasterized := false
	if err != nil && errors.Is(err, render.ErrLaunch) && o.fallbackEnabled() {
		log.Warn("browser launch failed, using raster fallback", zap.Error(err))
		pdf, err = o.raster.Export(ctx, req.URL, rasterRequest(req))
		rasterized = true
	}
	if err != nil {
		return nil, err
	}

	return &Result{
		Mode:       req.Mode(),
		Rasterized: rasterized,
		Documents: []model.TabResult{{
			Name:     filename,
			Artifact: &model.PDFArtifact{Filename: filename + ".pdf", Data: pdf},
		}},
	}, nil
}

// exportTabs renders each tab in its own session. A failing tab is
// logged and skipped.
func (o *Orchestrator) exportTabs(ctx context.Context, req *model.ExportRequest, log *zap.Logger) (*Result, error) {
	filename := baseFilename(req.Filename)
	base := strings.TrimSuffix(req.URL, "/")
	res := &Result{Mode: model.ModeTabs}
	var errs []error

	for _, tab := range req.Tabs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := tab.Name
		if name == "" {
			name = tab.Selector
		}
		tabURL := base + tab.Selector
		pdf, err := o.capture(ctx, render.Target{
			URL:      tabURL,
			Filename: fmt.Sprintf("%s - %s", filename, name),
			Options:  options(req),
		})
		if err != nil {
			log.Warn("tab export failed, skipping", zap.String("tab", name), zap.String("tab_url", tabURL), zap.Error(err))
			errs = append(errs, fmt.Errorf("tab %s: %w", name, err))
			continue
		}
		res.Documents = append(res.Documents, model.TabResult{
			Name: name,
			Artifact: &model.PDFArtifact{
				Filename: fmt.Sprintf("%s-%s.pdf", filename, model.SanitizeFilename(name)),
				Data:     pdf,
			},
		})
	}

	if len(res.Documents) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrAllTabsFailed, errors.Join(errs...))
	}
	return res, nil
}

// Rasterize runs the fallback directly, without trying a browser launch
func (o *Orchestrator) Rasterize(ctx context.Context, req *model.ExportRequest) (*Result, error) {
	if o.raster == nil || !o.raster.Available() {
		return nil, raster.ErrUnavailable
	}
	start := time.Now()
	filename := baseFilename(req.Filename)
	pdf, err := o.raster.Export(ctx, req.URL, rasterRequest(req))

	status := "success"
	if err != nil {
		status = "failed"
	}
	telemetry.GetMetrics().RecordExport(context.WithoutCancel(ctx), "raster", status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}
	return &Result{
		Mode:       req.Mode(),
		Rasterized: true,
		Documents: []model.TabResult{{
			Name:     filename,
			Artifact: &model.PDFArtifact{Filename: filename + ".pdf", Data: pdf},
		}},
	}, nil
}

func (o *Orchestrator) capture(ctx context.Context, target render.Target) ([]byte, error) {
	release, err := o.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	return o.capturer.Capture(ctx, target)
}

// acquire takes a session slot, waiting until one frees up or ctx ends
func (o *Orchestrator) acquire(ctx context.Context) (func(), error) {
	if o.sem == nil {
		return func() {}, nil
	}
	select {
	case o.sem <- struct{}{}:
		return func() { <-o.sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (o *Orchestrator) fallbackEnabled() bool {
	return o.cfg.RasterFallback && o.raster != nil && o.raster.Available()
}

func baseFilename(name string) string {
	name = strings.TrimSuffix(name, ".pdf")
	if name == "" {
		return model.DefaultFilename
	}
	return name
}

func options(req *model.ExportRequest) model.ExportOptions {
	if req.Options == nil {
		return model.ExportOptions{}
	}
	return *req.Options
}

// rasterRequest maps an export request onto the fallback, titling
// sections from any matching section header labels.
func rasterRequest(req *model.ExportRequest) raster.Request {
	opts := options(req)
	titles := make(map[string]string, len(opts.SectionHeaders))
	for _, h := range opts.SectionHeaders {
		titles[h.Selector] = h.Title
	}
	out := raster.Request{
		Filename:  baseFilename(req.Filename),
		Landscape: opts.Landscape,
		Header:    opts.DisplayHeaderFooter,
		Scale:     opts.Scale,
	}
	for _, sel := range req.Sections {
		out.Sections = append(out.Sections, raster.Section{Selector: sel, Title: titles[sel]})
	}
	return out
}
