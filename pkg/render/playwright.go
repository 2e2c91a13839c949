package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
)

// PlaywrightEngine launches Chromium through playwright-go. The driver
// process is started per session and stopped on Close.
type PlaywrightEngine struct {
	opts LaunchOptions
	log  *zap.Logger
}

// NewPlaywrightEngine creates an engine backed by playwright-go
func NewPlaywrightEngine(opts LaunchOptions) *PlaywrightEngine {
	return &PlaywrightEngine{opts: opts.withDefaults(), log: logger.Named("playwright")}
}

func (e *PlaywrightEngine) Name() string { return "playwright" }

func (e *PlaywrightEngine) Launch(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}

	args := make([]string, 0, len(launchFlags)+2)
	for _, f := range launchFlags {
		args = append(args, "--"+f)
	}
	args = append(args, "--"+colorProfileFlag+"=srgb")
	launch := playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     args,
	}
	bin := e.opts.ChromiumPath
	if bin == "" {
		bin = findChromeBinary()
	}
	if bin != "" {
		launch.ExecutablePath = playwright.String(bin)
	}

	browser, err := pw.Chromium.Launch(launch)
	if err != nil {
		_ = pw.Stop()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		Viewport: &playwright.Size{
			Width:  e.opts.ViewportWidth,
			Height: e.opts.ViewportHeight,
		},
		DeviceScaleFactor: playwright.Float(e.opts.DeviceScaleFactor),
		IgnoreHttpsErrors: playwright.Bool(e.opts.IgnoreCertErrors),
	})
	if err != nil {
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("create browser context: %w", err)
	}
	page, err := bctx.NewPage()
	if err != nil {
		_ = bctx.Close()
		_ = browser.Close()
		_ = pw.Stop()
		return nil, fmt.Errorf("open page: %w", err)
	}
	e.log.Debug("browser launched", zap.String("bin", bin))
	return &playwrightSession{pw: pw, browser: browser, bctx: bctx, page: page}, nil
}

type playwrightSession struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
}

// timeoutMS maps a context deadline onto playwright's millisecond
// timeouts, since its calls take no context.
func timeoutMS(ctx context.Context, fallback time.Duration) *float64 {
	d := fallback
	if dl, ok := ctx.Deadline(); ok {
		d = time.Until(dl)
		if d <= 0 {
			d = time.Millisecond
		}
	}
	return playwright.Float(float64(d.Milliseconds()))
}

func (s *playwrightSession) Navigate(ctx context.Context, url string) error {
	_, err := s.page.Goto(url, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateNetworkidle,
		Timeout:   timeoutMS(ctx, 60*time.Second),
	})
	if err != nil {
		return err
	}
	return s.page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateDomcontentloaded,
		Timeout: timeoutMS(ctx, 60*time.Second),
	})
}

func (s *playwrightSession) Eval(ctx context.Context, fn string) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := s.page.Evaluate(fn)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func (s *playwrightSession) WaitVisible(ctx context.Context, selector string) error {
	_, err := s.page.WaitForSelector(selector, playwright.PageWaitForSelectorOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: timeoutMS(ctx, 10*time.Second),
	})
	return err
}

func (s *playwrightSession) EmulatePrint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.page.EmulateMedia(playwright.PageEmulateMediaOptions{Media: playwright.MediaPrint})
}

func (s *playwrightSession) PrintPDF(ctx context.Context, o PrintOptions) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	opts := playwright.PagePdfOptions{
		Width:  playwright.String(inchString(o.Paper.Width)),
		Height: playwright.String(inchString(o.Paper.Height)),
		Margin: &playwright.Margin{
			Top:    playwright.String(inchString(o.MarginTop)),
			Right:  playwright.String(inchString(o.MarginRight)),
			Bottom: playwright.String(inchString(o.MarginBottom)),
			Left:   playwright.String(inchString(o.MarginLeft)),
		},
		Landscape:           playwright.Bool(o.Landscape),
		PrintBackground:     playwright.Bool(o.PrintBackground),
		PreferCSSPageSize:   playwright.Bool(o.PreferCSSPageSize),
		DisplayHeaderFooter: playwright.Bool(o.DisplayHeaderFooter),
		Scale:               playwright.Float(o.scale()),
	}
	if o.DisplayHeaderFooter {
		opts.HeaderTemplate = playwright.String(o.HeaderTemplate)
		opts.FooterTemplate = playwright.String(o.FooterTemplate)
	}
	if o.PageRanges != "" {
		opts.PageRanges = playwright.String(o.PageRanges)
	}
	return s.page.PDF(opts)
}

func (s *playwrightSession) Close() error {
	return errors.Join(s.bctx.Close(), s.browser.Close(), s.pw.Stop())
}
