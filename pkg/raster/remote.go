package raster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/render"
)

// ErrUnavailable means no browser endpoint is configured
var ErrUnavailable = errors.New("raster fallback has no browser endpoint configured")

// RemoteSurface is a tab opened in an already running browser reached
// over its DevTools websocket.
type RemoteSurface struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
}

// Attach connects to browserURL and opens pageURL in a new tab
func Attach(ctx context.Context, browserURL, pageURL string) (*RemoteSurface, error) {
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(context.Background(), browserURL)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx)
	s := &RemoteSurface{tabCtx: tabCtx, tabCancel: tabCancel, allocCancel: allocCancel}

	err := s.run(ctx, chromedp.Navigate(pageURL), chromedp.WaitReady("body", chromedp.ByQuery))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open %s in remote browser: %w", pageURL, err)
	}
	return s, nil
}

func (s *RemoteSurface) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var c2 context.CancelFunc
		runCtx, c2 = context.WithDeadline(runCtx, dl)
		defer c2()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	return chromedp.Run(runCtx, actions...)
}

// Eval runs fn in the tab and awaits a returned promise
func (s *RemoteSurface) Eval(ctx context.Context, fn string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.run(ctx, chromedp.Evaluate("("+fn+")()", &out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	return out, err
}

// Screenshot captures the first element matching selector
func (s *RemoteSurface) Screenshot(ctx context.Context, selector string, scale float64) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.ScreenshotScale(selector, scale, &buf, chromedp.ByQuery))
	return buf, err
}

// Close closes the tab this surface opened. The remote browser keeps
// running.
func (s *RemoteSurface) Close() {
	s.tabCancel()
	s.allocCancel()
}

// Service runs raster exports against a remote browser
type Service struct {
	browserURL string
	timeout    time.Duration
	detector   *render.Detector
	scroller   *render.Scroller
	rasterizer *Rasterizer
	log        *zap.Logger
}

// NewService returns a raster service bound to the browser at browserURL
func NewService(browserURL string, timeout time.Duration, cfg Config) *Service {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Service{
		browserURL: browserURL,
		timeout:    timeout,
		detector:   render.NewDetector(cfg.Readiness),
		scroller:   render.NewScroller(cfg.Scroll),
		rasterizer: NewRasterizer(cfg),
		log:        logger.Named("raster"),
	}
}

// Available reports whether a browser endpoint is configured
func (s *Service) Available() bool {
	return s != nil && s.browserURL != ""
}

// Export opens pageURL in the remote browser and rasterizes it
func (s *Service) Export(ctx context.Context, pageURL string, req Request) ([]byte, error) {
	if !s.Available() {
		return nil, ErrUnavailable
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	surf, err := Attach(ctx, s.browserURL, pageURL)
	if err != nil {
		return nil, err
	}
	defer surf.Close()

	return s.exportSurface(ctx, surf, pageURL, req)
}

// exportSurface waits for charts in the new tab to draw and scrolls it
// through once so lazy panels mount, then rasterizes.
func (s *Service) exportSurface(ctx context.Context, surf Surface, pageURL string, req Request) ([]byte, error) {
	start := time.Now()
	ready := s.detector.Await(ctx, surf)
	if _, err := s.scroller.Scroll(ctx, surf); err != nil {
		return nil, err
	}

	pdf, err := s.rasterizer.Rasterize(ctx, surf, req)
	if err != nil {
		return nil, err
	}
	s.log.Info("raster export complete",
		zap.String("url", pageURL),
		zap.String("readiness", string(ready.Outcome)),
		zap.Int("sections", len(req.Sections)),
		zap.Int("bytes", len(pdf)),
		zap.Duration("elapsed", time.Since(start)))
	return pdf, nil
}
