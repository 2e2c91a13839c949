package render

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/idgen"
	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
)

// RodEngine launches Chromium through go-rod
type RodEngine struct {
	opts LaunchOptions
	log  *zap.Logger
}

// NewRodEngine creates an engine that launches Chromium through rod
func NewRodEngine(opts LaunchOptions) *RodEngine {
	return &RodEngine{opts: opts.withDefaults(), log: logger.Named("rod")}
}

func (e *RodEngine) Name() string { return "rod" }

// Launch starts a browser with a unique profile directory so concurrent
// sessions never contend on the profile lock.
func (e *RodEngine) Launch(ctx context.Context) (Session, error) {
	profileDir := filepath.Join(os.TempDir(), ".chromium-profile-"+idgen.NewSessionID())
	crashDir := filepath.Join(os.TempDir(), "chrome-crashes")
	for _, dir := range []string{profileDir, crashDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create browser dir %s: %w", dir, err)
		}
	}

	l := launcher.New().Context(ctx)
	bin := e.opts.ChromiumPath
	if bin == "" {
		bin = findChromeBinary()
	}
	if bin != "" {
		l = l.Bin(bin)
	} else {
		e.log.Warn("no chromium binary found, rod will try to download one")
	}
	for _, f := range launchFlags {
		l = l.Set(flags.Flag(f))
	}
	l = l.Set(colorProfileFlag, "srgb").
		Set("crash-dumps-dir", crashDir).
		Set("user-data-dir", profileDir).
		Headless(true).
		Set("headless", "new")
	if e.opts.IgnoreCertErrors {
		l = l.Set("ignore-certificate-errors")
	}

	cleanupProfile := func() { _ = os.RemoveAll(profileDir) }

	controlURL, err := l.Launch()
	if err != nil {
		cleanupProfile()
		if bin != "" {
			return nil, fmt.Errorf("launch chromium at %q: %w", bin, err)
		}
		return nil, fmt.Errorf("launch chromium: %w", err)
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		l.Kill()
		cleanupProfile()
		return nil, fmt.Errorf("connect to chromium: %w", err)
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		_ = browser.Close()
		cleanupProfile()
		return nil, fmt.Errorf("open page: %w", err)
	}
	err = page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             e.opts.ViewportWidth,
		Height:            e.opts.ViewportHeight,
		DeviceScaleFactor: e.opts.DeviceScaleFactor,
	})
	if err != nil {
		_ = browser.Close()
		cleanupProfile()
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	e.log.Debug("browser launched", zap.String("profile", profileDir), zap.String("bin", bin))
	return &rodSession{browser: browser, page: page, profileDir: profileDir}, nil
}

type rodSession struct {
	browser    *rod.Browser
	page       *rod.Page
	profileDir string
}

func (s *rodSession) Navigate(ctx context.Context, url string) error {
	p := s.page.Context(ctx)
	wait := p.WaitNavigation(proto.PageLifecycleEventNameNetworkIdle)
	if err := p.Navigate(url); err != nil {
		return err
	}
	wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return p.WaitLoad()
}

func (s *rodSession) Eval(ctx context.Context, fn string) (json.RawMessage, error) {
	res, err := s.page.Context(ctx).Eval(fn)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res.Value.JSON("", "")), nil
}

func (s *rodSession) WaitVisible(ctx context.Context, selector string) error {
	el, err := s.page.Context(ctx).Element(selector)
	if err != nil {
		return err
	}
	return el.WaitVisible()
}

func (s *rodSession) EmulatePrint(ctx context.Context) error {
	return proto.EmulationSetEmulatedMedia{Media: "print"}.Call(s.page.Context(ctx))
}

func (s *rodSession) PrintPDF(ctx context.Context, o PrintOptions) ([]byte, error) {
	f := func(x float64) *float64 { return &x }
	req := &proto.PagePrintToPDF{
		Landscape:           o.Landscape,
		DisplayHeaderFooter: o.DisplayHeaderFooter,
		PrintBackground:     o.PrintBackground,
		PreferCSSPageSize:   o.PreferCSSPageSize,
		Scale:               f(o.scale()),
		PaperWidth:          f(o.Paper.Width),
		PaperHeight:         f(o.Paper.Height),
		MarginTop:           f(o.MarginTop),
		MarginBottom:        f(o.MarginBottom),
		MarginLeft:          f(o.MarginLeft),
		MarginRight:         f(o.MarginRight),
		PageRanges:          o.PageRanges,
		HeaderTemplate:      o.HeaderTemplate,
		FooterTemplate:      o.FooterTemplate,
	}
	stream, err := s.page.Context(ctx).PDF(req)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(stream)
}

func (s *rodSession) Close() error {
	err := s.browser.Close()
	if rmErr := os.RemoveAll(s.profileDir); rmErr != nil {
		err = errors.Join(err, fmt.Errorf("remove profile dir: %w", rmErr))
	}
	return err
}
