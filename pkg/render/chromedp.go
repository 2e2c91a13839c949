package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/idgen"
	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
)

// ChromedpEngine launches Chromium through chromedp's exec allocator
type ChromedpEngine struct {
	opts LaunchOptions
	log  *zap.Logger
}

// NewChromedpEngine creates an engine that drives Chromium through chromedp
func NewChromedpEngine(opts LaunchOptions) *ChromedpEngine {
	return &ChromedpEngine{opts: opts.withDefaults(), log: logger.Named("chromedp")}
}

func (e *ChromedpEngine) Name() string { return "chromedp" }

// Launch starts a fresh browser with its own profile directory
func (e *ChromedpEngine) Launch(ctx context.Context) (Session, error) {
	profileDir := filepath.Join(os.TempDir(), ".chromium-profile-"+idgen.NewSessionID())

	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	for _, f := range launchFlags {
		opts = append(opts, chromedp.Flag(f, true))
	}
	opts = append(opts,
		chromedp.Flag(colorProfileFlag, "srgb"),
		chromedp.Flag("ignore-certificate-errors", e.opts.IgnoreCertErrors),
		chromedp.UserDataDir(profileDir),
		chromedp.WindowSize(e.opts.ViewportWidth, e.opts.ViewportHeight),
	)
	bin := e.opts.ChromiumPath
	if bin == "" {
		bin = findChromeBinary()
	}
	if bin != "" {
		opts = append(opts, chromedp.ExecPath(bin))
	}

	// The allocator hangs off Background; Close tears it down.
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	tabCtx, tabCancel := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		e.log.Debug(fmt.Sprintf(format, args...))
	}))
	s := &chromedpSession{tabCtx: tabCtx, tabCancel: tabCancel, allocCancel: allocCancel, profileDir: profileDir}

	// The first Run allocates the browser and binds it to the ctx it is
	// given, so it must run on tabCtx itself rather than a derived ctx.
	stop := context.AfterFunc(ctx, tabCancel)
	err := chromedp.Run(tabCtx, emulation.SetDeviceMetricsOverride(
		int64(e.opts.ViewportWidth), int64(e.opts.ViewportHeight), e.opts.DeviceScaleFactor, false))
	stop()
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("start chromium: %w", err)
	}
	e.log.Debug("browser launched", zap.String("profile", profileDir), zap.String("bin", bin))
	return s, nil
}

type chromedpSession struct {
	tabCtx      context.Context
	tabCancel   context.CancelFunc
	allocCancel context.CancelFunc
	profileDir  string
	closed      atomic.Bool
}

// run executes actions on the tab bounded by ctx. Deriving from tabCtx
// keeps the chromedp target; AfterFunc carries the caller's cancellation.
func (s *chromedpSession) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	if dl, ok := ctx.Deadline(); ok {
		var c2 context.CancelFunc
		runCtx, c2 = context.WithDeadline(runCtx, dl)
		defer c2()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *chromedpSession) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, page.SetLifecycleEventsEnabled(true), chromedp.ActionFunc(func(c context.Context) error {
		idle := make(chan struct{}, 1)
		var started atomic.Bool
		lctx, cancel := context.WithCancel(c)
		defer cancel()
		chromedp.ListenTarget(lctx, func(ev any) {
			e, ok := ev.(*page.EventLifecycleEvent)
			if !ok {
				return
			}
			switch e.Name {
			case "init":
				started.Store(true)
			case "networkIdle":
				if started.Load() {
					select {
					case idle <- struct{}{}:
					default:
					}
				}
			}
		})
		if err := chromedp.Navigate(url).Do(c); err != nil {
			return err
		}
		select {
		case <-idle:
			return nil
		case <-c.Done():
			return c.Err()
		}
	}))
}

func (s *chromedpSession) Eval(ctx context.Context, fn string) (json.RawMessage, error) {
	var out json.RawMessage
	err := s.run(ctx, chromedp.Evaluate("("+fn+")()", &out, func(p *runtime.EvaluateParams) *runtime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if errors.Is(err, chromedp.ErrJSUndefined) {
		return json.RawMessage("null"), nil
	}
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = json.RawMessage("null")
	}
	return out, nil
}

func (s *chromedpSession) WaitVisible(ctx context.Context, selector string) error {
	return s.run(ctx, chromedp.WaitVisible(selector, chromedp.ByQuery))
}

func (s *chromedpSession) EmulatePrint(ctx context.Context) error {
	return s.run(ctx, emulation.SetEmulatedMedia().WithMedia("print"))
}

func (s *chromedpSession) PrintPDF(ctx context.Context, o PrintOptions) ([]byte, error) {
	var buf []byte
	err := s.run(ctx, chromedp.ActionFunc(func(c context.Context) error {
		p := page.PrintToPDF().
			WithLandscape(o.Landscape).
			WithPaperWidth(o.Paper.Width).
			WithPaperHeight(o.Paper.Height).
			WithMarginTop(o.MarginTop).
			WithMarginRight(o.MarginRight).
			WithMarginBottom(o.MarginBottom).
			WithMarginLeft(o.MarginLeft).
			WithPrintBackground(o.PrintBackground).
			WithPreferCSSPageSize(o.PreferCSSPageSize).
			WithDisplayHeaderFooter(o.DisplayHeaderFooter).
			WithScale(o.scale())
		if o.DisplayHeaderFooter {
			p = p.WithHeaderTemplate(o.HeaderTemplate).WithFooterTemplate(o.FooterTemplate)
		}
		if o.PageRanges != "" {
			p = p.WithPageRanges(o.PageRanges)
		}
		var err error
		buf, _, err = p.Do(c)
		return err
	}))
	return buf, err
}

// Close cancels the tab and then the allocator, which kills the process
func (s *chromedpSession) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := chromedp.Cancel(s.tabCtx)
	s.tabCancel()
	s.allocCancel()
	if rmErr := os.RemoveAll(s.profileDir); rmErr != nil {
		err = errors.Join(err, fmt.Errorf("remove profile dir: %w", rmErr))
	}
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
}
