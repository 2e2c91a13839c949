package render

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
)

// Sanitizer rewrites the live DOM for print. Every transform is
// idempotent and independent: one failing does not stop the rest.
type Sanitizer struct {
	log *zap.Logger
}

// NewSanitizer creates a sanitizer
func NewSanitizer() *Sanitizer {
	return &Sanitizer{log: logger.Named("sanitizer")}
}

type transform struct {
	name   string
	script func(opts model.ExportOptions) (string, bool, error)
}

func static(js string) func(model.ExportOptions) (string, bool, error) {
	return func(model.ExportOptions) (string, bool, error) { return js, true, nil }
}

var transforms = []transform{
	{"hide_navigation", static(hideNavigationJS)},
	{"hide_controls", static(hideControlsJS)},
	{"hide_headers", static(hideHeadersJS)},
	{"widen_main", static(widenMainJS)},
	{"print_style", func(model.ExportOptions) (string, bool, error) {
		s, err := callJS(injectStyleJS, printStyleID, printCSS)
		return s, true, err
	}},
	{"custom_style", func(o model.ExportOptions) (string, bool, error) {
		if o.CustomCSS == "" {
			return "", false, nil
		}
		s, err := callJS(injectStyleJS, customStyleID, o.CustomCSS)
		return s, true, err
	}},
	{"section_headers", func(o model.ExportOptions) (string, bool, error) {
		if len(o.SectionHeaders) == 0 {
			return "", false, nil
		}
		s, err := callJS(insertLabelsJS, o.SectionHeaders, sectionMarker, "h2")
		return s, true, err
	}},
	{"chart_headers", func(o model.ExportOptions) (string, bool, error) {
		if len(o.ChartHeaders) == 0 {
			return "", false, nil
		}
		s, err := callJS(insertLabelsJS, o.ChartHeaders, chartMarker, "h3")
		return s, true, err
	}},
	{"resize", static(dispatchResizeJS)},
}

// Apply runs every transform and returns how many failed
func (s *Sanitizer) Apply(ctx context.Context, doc Document, opts model.ExportOptions) int {
	failed := 0
	for _, t := range transforms {
		script, ok, err := t.script(opts)
		if !ok {
			continue
		}
		if err == nil {
			var raw json.RawMessage
			raw, err = doc.Eval(ctx, script)
			if err == nil {
				s.log.Debug("transform applied", zap.String("transform", t.name), zap.ByteString("result", raw))
				continue
			}
		}
		failed++
		s.log.Warn("print transform failed", zap.String("transform", t.name), zap.Error(err))
	}
	return failed
}

// FilterSections hides everything outside the matched sections and
// returns the number of matched elements.
func FilterSections(ctx context.Context, doc Document, selectors []string) (int, error) {
	script, err := callJS(filterSectionsJS, selectors)
	if err != nil {
		return 0, err
	}
	raw, err := doc.Eval(ctx, script)
	if err != nil {
		return 0, err
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, err
	}
	return n, nil
}
