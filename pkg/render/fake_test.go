package render

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
)

var minimalPDF = []byte("%PDF-1.4\n%fake\n")

// fakeDoc is a scriptable Session that records what the driver asks of it
type fakeDoc struct {
	mu      sync.Mutex
	calls   []string
	scripts []string

	navigate    func(ctx context.Context) error
	eval        func(script string) (json.RawMessage, error)
	waitVisible func(ctx context.Context, sel string) error
	printErr    error
	pdf         []byte
	printed     *PrintOptions

	closeCalls atomic.Int32
	closeErr   error
}

func newFakeDoc() *fakeDoc {
	return &fakeDoc{pdf: minimalPDF}
}

func (f *fakeDoc) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeDoc) Navigate(ctx context.Context, url string) error {
	f.record("navigate")
	if f.navigate != nil {
		return f.navigate(ctx)
	}
	return nil
}

func (f *fakeDoc) Eval(ctx context.Context, script string) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "eval")
	f.scripts = append(f.scripts, script)
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.eval != nil {
		return f.eval(script)
	}
	return defaultEval(script)
}

// defaultEval answers each known script with a page that has no charts,
// fits in one viewport and matches nothing.
func defaultEval(script string) (json.RawMessage, error) {
	switch {
	case isProbe(script):
		return json.RawMessage(`{"vectors":0,"canvases":0,"ready":true}`), nil
	case isScrollMetrics(script):
		return json.RawMessage(`{"y":0,"viewport":1080,"height":900}`), nil
	case isSectionFilter(script):
		return json.RawMessage(`0`), nil
	default:
		return json.RawMessage(`true`), nil
	}
}

func isProbe(s string) bool         { return strings.Contains(s, "canvasesDrawn") }
func isScrollMetrics(s string) bool { return strings.Contains(s, "viewport: window.innerHeight") }
func isScrollBy(s string) bool      { return strings.Contains(s, "window.scrollBy") }
func isScrollTop(s string) bool     { return strings.Contains(s, "window.scrollTo(0, 0)") }
func isSectionFilter(s string) bool { return strings.Contains(s, "const matched = []") }

func (f *fakeDoc) WaitVisible(ctx context.Context, sel string) error {
	f.record("wait:" + sel)
	if f.waitVisible != nil {
		return f.waitVisible(ctx, sel)
	}
	return nil
}

func (f *fakeDoc) EmulatePrint(ctx context.Context) error {
	f.record("emulate_print")
	return nil
}

func (f *fakeDoc) PrintPDF(ctx context.Context, opts PrintOptions) ([]byte, error) {
	f.record("print")
	f.mu.Lock()
	f.printed = &opts
	f.mu.Unlock()
	if f.printErr != nil {
		return nil, f.printErr
	}
	return f.pdf, nil
}

func (f *fakeDoc) Close() error {
	f.closeCalls.Add(1)
	return f.closeErr
}

func (f *fakeDoc) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeDoc) Scripts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.scripts...)
}

// fakeEngine hands out one fakeDoc per launch
type fakeEngine struct {
	newDoc    func() *fakeDoc
	launchErr error
	launches  atomic.Int32

	mu   sync.Mutex
	docs []*fakeDoc
}

func (e *fakeEngine) Name() string { return "fake" }

func (e *fakeEngine) Launch(ctx context.Context) (Session, error) {
	e.launches.Add(1)
	if e.launchErr != nil {
		return nil, e.launchErr
	}
	doc := newFakeDoc()
	if e.newDoc != nil {
		doc = e.newDoc()
	}
	e.mu.Lock()
	e.docs = append(e.docs, doc)
	e.mu.Unlock()
	return doc, nil
}

func (e *fakeEngine) Docs() []*fakeDoc {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*fakeDoc(nil), e.docs...)
}
