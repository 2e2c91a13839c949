// Package raster produces PDFs by screenshotting DOM elements of an
// already open page and slicing the bitmaps into page-sized strips. It
// never launches a browser.
package raster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/png"
	"time"

	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/render"
)

var (
	// ErrNothingCaptured means none of the requested elements were found
	ErrNothingCaptured = errors.New("no elements found to rasterize")
	errElementMissing  = errors.New("element not found")
)

// Surface is a live page that can run scripts and screenshot elements
type Surface interface {
	Eval(ctx context.Context, fn string) (json.RawMessage, error)
	// Screenshot returns an encoded image of the first element matching
	// selector at the given device scale.
	Screenshot(ctx context.Context, selector string, scale float64) ([]byte, error)
}

// Section is one element to capture
type Section struct {
	Selector string
	Title    string
}

// Request describes a raster export
type Request struct {
	Filename  string
	Sections  []Section
	Landscape bool
	Header    bool
	Scale     float64
}

// Config tunes output quality and layout
type Config struct {
	Scale       float64
	JPEGQuality int
	MarginMM    float64
	// ReflowDelay lets the page lay out after constraints are lifted
	ReflowDelay time.Duration
	// Readiness and Scroll prepare a freshly opened tab before capture
	Readiness   render.DetectorConfig
	Scroll      render.ScrollConfig
}

// Rasterizer turns element screenshots into a paginated PDF
type Rasterizer struct {
	cfg Config
	log *zap.Logger
}

// NewRasterizer returns a rasterizer with defaults filled in
func NewRasterizer(cfg Config) *Rasterizer {
	if cfg.Scale <= 0 {
		cfg.Scale = 2
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 95
	}
	if cfg.MarginMM <= 0 {
		cfg.MarginMM = 10
	}
	if cfg.ReflowDelay < 0 {
		cfg.ReflowDelay = 0
	}
	return &Rasterizer{cfg: cfg, log: logger.Named("raster")}
}

// Rasterize captures every section in order, one or more pages each.
// Missing sections are skipped; if all are missing ErrNothingCaptured is
// returned.
func (r *Rasterizer) Rasterize(ctx context.Context, surf Surface, req Request) ([]byte, error) {
	sections := req.Sections
	if len(sections) == 0 {
		sections = []Section{{Selector: "body"}}
	}
	scale := req.Scale
	if scale <= 0 {
		scale = r.cfg.Scale
	}

	doc := newDocument(req.Filename, req.Landscape, req.Header, r.cfg.MarginMM, r.cfg.JPEGQuality)
	captured := 0
	for _, sec := range sections {
		img, err := r.capture(ctx, surf, sec.Selector, scale)
		if errors.Is(err, errElementMissing) {
			r.log.Warn("section not found, skipping", zap.String("selector", sec.Selector))
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("capture %s: %w", sec.Selector, err)
		}
		if err := doc.addImage(img, sec.Title); err != nil {
			return nil, fmt.Errorf("add %s to pdf: %w", sec.Selector, err)
		}
		captured++
	}
	if captured == 0 {
		return nil, ErrNothingCaptured
	}
	return doc.bytes()
}

// capture lifts the element's size constraints, screenshots it and puts
// the original inline styles back whether or not the screenshot worked.
func (r *Rasterizer) capture(ctx context.Context, surf Surface, selector string, scale float64) (img image.Image, err error) {
	found, err := evalBool(ctx, surf, expandJS, selector)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, errElementMissing
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if _, rerr := evalBool(rctx, surf, restoreJS, selector); rerr != nil {
			r.log.Error("failed to restore element styles", zap.String("selector", selector), zap.Error(rerr))
		}
	}()

	if r.cfg.ReflowDelay > 0 {
		t := time.NewTimer(r.cfg.ReflowDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}

	raw, err := surf.Screenshot(ctx, selector, scale)
	if err != nil {
		return nil, err
	}
	decoded, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode screenshot: %w", err)
	}
	return flatten(decoded), nil
}

// flatten composites img onto white so transparent areas do not turn
// black in JPEG output.
func flatten(img image.Image) *image.RGBA {
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), image.White, image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Over)
	return out
}

func evalBool(ctx context.Context, surf Surface, fn, selector string) (bool, error) {
	arg, err := json.Marshal(selector)
	if err != nil {
		return false, err
	}
	raw, err := surf.Eval(ctx, fmt.Sprintf("() => (%s)(%s)", fn, arg))
	if err != nil {
		return false, err
	}
	var ok bool
	if err := json.Unmarshal(raw, &ok); err != nil {
		return false, fmt.Errorf("unexpected script result %s: %w", raw, err)
	}
	return ok, nil
}
