package render

import (
	"bytes"
	"context"
	"fmt"
	"html"
	"time"

	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
	"github.com/maintainer-dashboard/pdf-export/pkg/telemetry"
)

// DriverConfig configures a Driver
type DriverConfig struct {
	NavigationTimeout time.Duration
	CaptureTimeout    time.Duration
	SelectorTimeout   time.Duration
	Readiness         DetectorConfig
	Scroll            ScrollConfig
	// Defaults apply to any option a Target leaves unset
	Defaults model.ExportOptions
}

// Target is one page to capture
type Target struct {
	URL      string
	Filename string
	// Sections, when non-empty, restricts the output to matching elements
	Sections []string
	Options  model.ExportOptions
}

// Driver runs the capture state machine against sessions from an Engine.
// Each Capture launches its own session and closes it before returning.
type Driver struct {
	engine    Engine
	cfg       DriverConfig
	detector  *Detector
	scroller  *Scroller
	sanitizer *Sanitizer
	log       *zap.Logger
	now       func() time.Time
}

// NewDriver creates a driver that launches sessions from engine
func NewDriver(engine Engine, cfg DriverConfig) *Driver {
	if cfg.NavigationTimeout <= 0 {
		cfg.NavigationTimeout = 60 * time.Second
	}
	if cfg.CaptureTimeout <= 0 {
		cfg.CaptureTimeout = 60 * time.Second
	}
	if cfg.SelectorTimeout <= 0 {
		cfg.SelectorTimeout = 10 * time.Second
	}
	return &Driver{
		engine:    engine,
		cfg:       cfg,
		detector:  NewDetector(cfg.Readiness),
		scroller:  NewScroller(cfg.Scroll),
		sanitizer: NewSanitizer(),
		log:       logger.Named("driver"),
		now:       time.Now,
	}
}

// Engine returns the engine sessions are launched from
func (d *Driver) Engine() Engine {
	return d.engine
}

// capture tracks one run through the state machine
type capture struct {
	d      *Driver
	target Target
	opts   model.ExportOptions
	state  State
	log    *zap.Logger
}

func (c *capture) enter(s State) {
	c.log.Debug("state transition", zap.String("from", string(c.state)), zap.String("to", string(s)))
	c.state = s
}

// Capture renders target to PDF bytes. Any failure is a *FatalError and
// no partial output is returned.
func (d *Driver) Capture(ctx context.Context, target Target) (pdf []byte, err error) {
	c := &capture{
		d:      d,
		target: target,
		opts:   mergeOptions(d.cfg.Defaults, target.Options),
		state:  StateIdle,
		log:    d.log.With(zap.String("url", target.URL), zap.String("engine", d.engine.Name())),
	}
	start := d.now()
	metrics := telemetry.GetMetrics()

	c.enter(StateLaunching)
	var failedState State
	err = Use(ctx, d.engine, func(sess Session) error {
		metrics.SessionOpened(ctx, d.engine.Name())
		var runErr error
		pdf, runErr = c.run(ctx, sess)
		failedState = c.state
		return runErr
	}, func(cerr error) {
		c.enter(StateClosed)
		metrics.SessionClosed(context.WithoutCancel(ctx), d.engine.Name(), cerr != nil)
		if cerr != nil {
			c.log.Error("failed to close browser session", zap.Error(cerr))
		}
	})
	if err != nil {
		if failedState == "" {
			failedState = StateLaunching
			c.enter(StateClosed)
		}
		c.log.Error("capture failed", zap.String("state", string(failedState)), zap.Error(err))
		return nil, err
	}
	c.log.Info("capture complete", zap.Int("bytes", len(pdf)), zap.Duration("elapsed", d.now().Sub(start)))
	return pdf, nil
}

func (c *capture) run(ctx context.Context, doc Document) ([]byte, error) {
	d := c.d

	c.enter(StateNavigating)
	navCtx, cancel := context.WithTimeout(ctx, d.cfg.NavigationTimeout)
	err := doc.Navigate(navCtx, c.target.URL)
	cancel()
	if err != nil {
		return nil, newFatal(StateNavigating, ErrNavigation, err)
	}

	c.enter(StateAwaitingReadiness)
	c.waitSelectors(ctx, doc)
	ready := d.detector.Await(ctx, doc)
	c.log.Debug("readiness", zap.String("outcome", string(ready.Outcome)), zap.Duration("waited", ready.Waited))
	if err := ctx.Err(); err != nil {
		return nil, newFatal(StateAwaitingReadiness, ErrNavigation, err)
	}

	c.enter(StateScrolling)
	if _, err := d.scroller.Scroll(ctx, doc); err != nil {
		return nil, newFatal(StateScrolling, ErrNavigation, err)
	}

	c.enter(StateSanitizing)
	if failed := d.sanitizer.Apply(ctx, doc, c.opts); failed > 0 {
		c.log.Warn("some print transforms failed", zap.Int("failed", failed))
	}
	if len(c.target.Sections) > 0 {
		n, err := FilterSections(ctx, doc, c.target.Sections)
		if err != nil {
			return nil, newFatal(StateSanitizing, ErrCapture, err)
		}
		if n == 0 {
			return nil, newFatal(StateSanitizing, ErrNoSectionsMatched,
				fmt.Errorf("%w: %v", ErrNoSectionsMatched, c.target.Sections))
		}
		c.log.Debug("sections filtered", zap.Int("matched", n))
	}

	c.enter(StatePrintEmulating)
	if err := doc.EmulatePrint(ctx); err != nil {
		return nil, newFatal(StatePrintEmulating, ErrCapture, err)
	}

	c.enter(StateCapturing)
	opts, err := c.printOptions()
	if err != nil {
		return nil, newFatal(StateCapturing, ErrCapture, err)
	}
	capCtx, cancel := context.WithTimeout(ctx, d.cfg.CaptureTimeout)
	defer cancel()
	pdf, err := doc.PrintPDF(capCtx, opts)
	if err != nil {
		return nil, newFatal(StateCapturing, ErrCapture, err)
	}
	if err := checkPDF(pdf); err != nil {
		return nil, newFatal(StateCapturing, ErrEmptyPDF, err)
	}
	return pdf, nil
}

// waitSelectors gives each configured selector a bounded chance to
// appear; misses are logged and ignored.
func (c *capture) waitSelectors(ctx context.Context, doc Document) {
	for _, sel := range c.opts.WaitSelectors {
		wctx, cancel := context.WithTimeout(ctx, c.d.cfg.SelectorTimeout)
		err := doc.WaitVisible(wctx, sel)
		cancel()
		if err != nil {
			c.log.Warn("wait selector not visible, continuing", zap.String("selector", sel), zap.Error(err))
		}
	}
}

var pdfMagic = []byte("%PDF-")

func checkPDF(b []byte) error {
	if len(b) == 0 {
		return fmt.Errorf("%w: zero bytes", ErrEmptyPDF)
	}
	if !bytes.HasPrefix(b, pdfMagic) {
		return fmt.Errorf("%w: missing %%PDF- header", ErrEmptyPDF)
	}
	return nil
}

func (c *capture) printOptions() (PrintOptions, error) {
	paper, err := LookupPaper(c.opts.Format)
	if err != nil {
		return PrintOptions{}, err
	}
	m := model.Margins{}
	if c.opts.Margins != nil {
		m = *c.opts.Margins
	}
	po := PrintOptions{
		Paper:               paper,
		Landscape:           c.opts.Landscape,
		MarginTop:           MMToInches(m.Top),
		MarginRight:         MMToInches(m.Right),
		MarginBottom:        MMToInches(m.Bottom),
		MarginLeft:          MMToInches(m.Left),
		PrintBackground:     true,
		PreferCSSPageSize:   false,
		DisplayHeaderFooter: c.opts.DisplayHeaderFooter,
		PageRanges:          c.opts.PageRanges,
		Scale:               1,
	}
	if po.DisplayHeaderFooter {
		po.HeaderTemplate = headerTemplate(c.target.Filename, c.d.now())
		po.FooterTemplate = footerTemplate
	}
	return po, nil
}

const footerTemplate = `<div style="font-size:8px;width:100%;text-align:center;color:#6b7280;">Page <span class="pageNumber"></span> of <span class="totalPages"></span></div>`

func headerTemplate(filename string, at time.Time) string {
	if filename == "" {
		filename = model.DefaultFilename
	}
	return fmt.Sprintf(`<div style="font-size:8px;width:100%%;padding:0 15mm;color:#6b7280;">%s | %s</div>`,
		html.EscapeString(filename), at.Format("2006-01-02"))
}

// mergeOptions overlays o on defaults
func mergeOptions(defaults, o model.ExportOptions) model.ExportOptions {
	out := o
	if out.Format == "" {
		out.Format = defaults.Format
	}
	if out.Margins == nil && defaults.Margins != nil {
		m := *defaults.Margins
		out.Margins = &m
	}
	if !out.DisplayHeaderFooter {
		out.DisplayHeaderFooter = defaults.DisplayHeaderFooter
	}
	if len(out.WaitSelectors) == 0 {
		out.WaitSelectors = defaults.WaitSelectors
	}
	if out.CustomCSS == "" {
		out.CustomCSS = defaults.CustomCSS
	}
	if out.Scale == 0 {
		out.Scale = defaults.Scale
	}
	return out
}
