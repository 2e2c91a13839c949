package render

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maintainer-dashboard/pdf-export/pkg/model"
)

// styleDOM emulates the id guard of the style injection script
type styleDOM struct {
	styles map[string]int
}

var styleArgs = regexp.MustCompile(`\)\("(pdf-export-[a-z-]+)",`)

func (d *styleDOM) eval(script string) (json.RawMessage, error) {
	if m := styleArgs.FindStringSubmatch(script); m != nil {
		if d.styles[m[1]] > 0 {
			return json.RawMessage(`false`), nil
		}
		d.styles[m[1]]++
		return json.RawMessage(`true`), nil
	}
	return json.RawMessage(`0`), nil
}

func TestSanitizerIdempotent(t *testing.T) {
	dom := &styleDOM{styles: map[string]int{}}
	doc := newFakeDoc()
	doc.eval = dom.eval
	opts := model.ExportOptions{CustomCSS: ".x { color: red }"}

	s := NewSanitizer()
	assert.Zero(t, s.Apply(context.Background(), doc, opts))
	first := len(doc.Scripts())
	assert.Zero(t, s.Apply(context.Background(), doc, opts))

	assert.Equal(t, first*2, len(doc.Scripts()))
	assert.Equal(t, map[string]int{printStyleID: 1, customStyleID: 1}, dom.styles)
}

func TestSanitizerSkipsUnsetOptionalTransforms(t *testing.T) {
	doc := newFakeDoc()
	NewSanitizer().Apply(context.Background(), doc, model.ExportOptions{})

	all := strings.Join(doc.Scripts(), "\n")
	assert.Contains(t, all, printStyleID)
	assert.NotContains(t, all, customStyleID)
	assert.NotContains(t, all, sectionMarker)
	assert.NotContains(t, all, chartMarker)
	assert.Contains(t, all, "new Event('resize')")
}

func TestSanitizerContinuesAfterFailure(t *testing.T) {
	doc := newFakeDoc()
	doc.eval = func(script string) (json.RawMessage, error) {
		if strings.Contains(script, `[role="navigation"]`) {
			return nil, errors.New("document.body is null")
		}
		return json.RawMessage(`true`), nil
	}

	failed := NewSanitizer().Apply(context.Background(), doc, model.ExportOptions{})
	assert.Equal(t, 1, failed)
	assert.Len(t, doc.Scripts(), 6)
}

func TestSanitizerHeaderLabels(t *testing.T) {
	doc := newFakeDoc()
	NewSanitizer().Apply(context.Background(), doc, model.ExportOptions{
		SectionHeaders: []model.HeaderLabel{{Selector: "#activity", Title: "Activity"}},
		ChartHeaders:   []model.HeaderLabel{{Selector: ".pr-chart", Title: `Pull "requests"`}},
	})

	all := strings.Join(doc.Scripts(), "\n")
	assert.Contains(t, all, `[{"selector":"#activity","title":"Activity"}],"`+sectionMarker+`","h2"`)
	assert.Contains(t, all, `"title":"Pull \"requests\""`)
	assert.Contains(t, all, `"`+chartMarker+`","h3"`)
}

func TestCallJSEscapesArguments(t *testing.T) {
	js, err := callJS("(a) => a", `"); alert(1); ("`)
	require.NoError(t, err)
	assert.Equal(t, `() => ((a) => a)("\"); alert(1); (\"")`, js)

	js, err = callJS("() => 1")
	require.NoError(t, err)
	assert.Equal(t, "() => (() => 1)()", js)
}

func TestFilterSections(t *testing.T) {
	doc := newFakeDoc()
	doc.eval = func(string) (json.RawMessage, error) { return json.RawMessage(`5`), nil }

	n, err := FilterSections(context.Background(), doc, []string{".metric-card", "#header"})
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Contains(t, doc.Scripts()[0], `([".metric-card","#header"])`)
}
