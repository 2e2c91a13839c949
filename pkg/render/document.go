// Package render drives a headless browser through navigation, chart
// readiness, scrolling, print sanitizing and native PDF capture.
package render

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"
)

// Evaluator runs a JavaScript function source such as "() => 1", awaits a
// returned promise and yields the JSON-encoded result.
type Evaluator interface {
	Eval(ctx context.Context, fn string) (json.RawMessage, error)
}

// Document is the queryable page capability the pipeline depends on.
// Engines (rod, playwright, chromedp) adapt their page types to it.
type Document interface {
	// Navigate loads url and returns once the DOM is parsed and the
	// network is idle, or ctx expires.
	Navigate(ctx context.Context, url string) error
	Evaluator
	// WaitVisible blocks until an element matching selector is visible.
	WaitVisible(ctx context.Context, selector string) error
	// EmulatePrint switches the CSS media type to print.
	EmulatePrint(ctx context.Context) error
	// PrintPDF invokes the browser's native PDF printing.
	PrintPDF(ctx context.Context, opts PrintOptions) ([]byte, error)
}

// Session is one isolated browser process with a single page
type Session interface {
	Document
	Close() error
}

// Engine launches sessions
type Engine interface {
	Name() string
	Launch(ctx context.Context) (Session, error)
}

// LaunchOptions are shared by every engine
type LaunchOptions struct {
	ChromiumPath      string
	ViewportWidth     int
	ViewportHeight    int
	DeviceScaleFactor float64
	IgnoreCertErrors  bool
}

func (o LaunchOptions) withDefaults() LaunchOptions {
	if o.ViewportWidth == 0 {
		o.ViewportWidth = 1920
	}
	if o.ViewportHeight == 0 {
		o.ViewportHeight = 1080
	}
	if o.DeviceScaleFactor == 0 {
		o.DeviceScaleFactor = 2
	}
	return o
}

// NewEngine returns the engine registered under name
func NewEngine(name string, opts LaunchOptions) (Engine, error) {
	switch name {
	case "", "rod":
		return NewRodEngine(opts), nil
	case "playwright":
		return NewPlaywrightEngine(opts), nil
	case "chromedp":
		return NewChromedpEngine(opts), nil
	default:
		return nil, fmt.Errorf("unknown render engine %q", name)
	}
}

// launchFlags are required in containers and other restricted hosts
var launchFlags = []string{
	"no-sandbox",
	"disable-setuid-sandbox",
	"disable-dev-shm-usage",
	"disable-gpu",
	"disable-accelerated-2d-canvas",
	"no-first-run",
	"no-default-browser-check",
	"disable-breakpad",
}

// colorProfileFlag keeps chart colors identical between screen and PDF
const colorProfileFlag = "force-color-profile"

// chromeCandidates are probed in order when no binary is configured
var chromeCandidates = []string{
	"/usr/bin/chromium",
	"/usr/bin/chromium-browser",
	"/usr/bin/google-chrome",
	"/usr/bin/google-chrome-stable",
	"/snap/bin/chromium",
	"/Applications/Google Chrome.app/Contents/MacOS/Google Chrome",
	"/Applications/Chromium.app/Contents/MacOS/Chromium",
}

// findChromeBinary returns the first executable candidate, or "" to let
// the engine fall back to its own lookup or download.
func findChromeBinary() string {
	for _, path := range chromeCandidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() && info.Mode()&0111 != 0 {
			return path
		}
	}
	return ""
}

// PaperSize is a page size in inches
type PaperSize struct {
	Width  float64
	Height float64
}

// PaperFormats maps format names to sizes in inches
var PaperFormats = map[string]PaperSize{
	"Letter":  {8.5, 11},
	"Legal":   {8.5, 14},
	"Tabloid": {11, 17},
	"Ledger":  {17, 11},
	"A3":      {11.7, 16.54},
	"A4":      {8.27, 11.7},
	"A5":      {5.83, 8.27},
	"A6":      {4.13, 5.83},
}

// LookupPaper resolves a format name case-insensitively
func LookupPaper(format string) (PaperSize, error) {
	if format == "" {
		return PaperFormats["A4"], nil
	}
	for name, size := range PaperFormats {
		if strings.EqualFold(name, format) {
			return size, nil
		}
	}
	return PaperSize{}, fmt.Errorf("unsupported paper format %q", format)
}

const mmPerInch = 25.4

// MMToInches converts millimetres to inches
func MMToInches(mm float64) float64 {
	return mm / mmPerInch
}

// PrintOptions are the native PDF print parameters, sizes in inches
type PrintOptions struct {
	Paper               PaperSize
	Landscape           bool
	MarginTop           float64
	MarginRight         float64
	MarginBottom        float64
	MarginLeft          float64
	PrintBackground     bool
	PreferCSSPageSize   bool
	DisplayHeaderFooter bool
	HeaderTemplate      string
	FooterTemplate      string
	PageRanges          string
	Scale               float64
}

func (o PrintOptions) scale() float64 {
	if o.Scale <= 0 {
		return 1
	}
	return o.Scale
}

// inchString formats a length for engines that take CSS units
func inchString(v float64) string {
	return fmt.Sprintf("%.4fin", v)
}

// Use launches a session, hands it to fn and closes it exactly once on
// every exit path. onClose observes the close result, nil included; a
// close failure never replaces fn's error. Launch failures are returned
// as a *FatalError of kind ErrLaunch.
func Use(ctx context.Context, engine Engine, fn func(Session) error, onClose func(error)) error {
	sess, err := engine.Launch(ctx)
	if err != nil {
		return newFatal(StateLaunching, ErrLaunch, err)
	}
	defer func() {
		cerr := sess.Close()
		if onClose != nil {
			onClose(cerr)
		}
	}()
	return fn(sess)
}

// sleep waits for d or until ctx is done
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
