package render

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maintainer-dashboard/pdf-export/pkg/model"
)

// These tests drive a real Chromium and only run when PDFX_BROWSER_TESTS
// is set.
func requireBrowser(t *testing.T) {
	t.Helper()
	if os.Getenv("PDFX_BROWSER_TESTS") == "" {
		t.Skip("set PDFX_BROWSER_TESTS=1 to run browser tests")
	}
}

const resizingChartsPage = `<!doctype html>
<html><head><title>dashboard</title></head>
<body>
<nav id="side">menu</nav>
<main>
  <header><h1>octocat</h1></header>
  <button class="export-button">Export</button>
  <div class="metric-card"><svg id="c1" width="0" height="0"></svg></div>
  <div class="metric-card"><svg id="c2" width="0" height="0"></svg></div>
  <div class="metric-card"><svg id="c3" width="0" height="0"></svg></div>
</main>
<script>
setTimeout(() => {
  document.querySelectorAll('svg').forEach(s => { s.setAttribute('width', '300'); s.setAttribute('height', '200'); });
}, 1000);
</script>
</body></html>`

func TestBrowserCaptureWaitsForCharts(t *testing.T) {
	requireBrowser(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(resizingChartsPage))
	}))
	defer srv.Close()

	for _, name := range []string{"rod", "chromedp"} {
		t.Run(name, func(t *testing.T) {
			engine, err := NewEngine(name, LaunchOptions{ChromiumPath: os.Getenv("PDFX_CHROMIUM_PATH")})
			require.NoError(t, err)
			d := NewDriver(engine, DriverConfig{
				Scroll: ScrollConfig{SettleDelay: 0},
			})

			ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
			defer cancel()
			start := time.Now()
			pdf, err := d.Capture(ctx, Target{URL: srv.URL, Filename: "report", Sections: []string{".metric-card"}})
			require.NoError(t, err)

			assert.GreaterOrEqual(t, time.Since(start), time.Second)
			assert.Equal(t, "%PDF-", string(pdf[:5]))
		})
	}
}

const sectionedPage = `<!doctype html>
<html><head><title>dashboard</title></head>
<body>
<main>
  <header><h1>octocat</h1></header>
  <p class="other">intro</p>
  <div class="other">summary</div>
  <div id="first" class="metric-card">stars</div>
  <div class="metric-card">forks</div>
  <section class="other">notes</section>
  <div class="metric-card">issues</div>
  <table class="other"><tr><td>row</td></tr></table>
  <div class="metric-card">pulls</div>
  <div class="row">
    <span class="other">legend</span>
    <div class="metric-card">releases</div>
    <em class="other">footnote</em>
  </div>
  <ul class="other"><li>item</li></ul>
  <h4 class="other">subtitle</h4>
  <article class="other">activity</article>
</main>
<div class="other">footer</div>
</body></html>`

func evalInto(t *testing.T, ctx context.Context, doc Document, fn string, out any) {
	t.Helper()
	raw, err := doc.Eval(ctx, fn)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestBrowserSanitizeAndFilterOnLiveDOM(t *testing.T) {
	requireBrowser(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(sectionedPage))
	}))
	defer srv.Close()

	for _, name := range []string{"rod", "chromedp"} {
		t.Run(name, func(t *testing.T) {
			engine, err := NewEngine(name, LaunchOptions{ChromiumPath: os.Getenv("PDFX_CHROMIUM_PATH")})
			require.NoError(t, err)
			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			err = Use(ctx, engine, func(sess Session) error {
				require.NoError(t, sess.Navigate(ctx, srv.URL))

				opts := model.ExportOptions{
					CustomCSS:      "body { background: white; }",
					SectionHeaders: []model.HeaderLabel{{Selector: "#first", Title: "Overview"}},
				}
				s := NewSanitizer()
				assert.Zero(t, s.Apply(ctx, sess, opts))
				assert.Zero(t, s.Apply(ctx, sess, opts))

				var counts struct {
					Print  int `json:"print"`
					Custom int `json:"custom"`
					Labels int `json:"labels"`
				}
				evalInto(t, ctx, sess, `() => ({
					print: document.querySelectorAll('#pdf-export-print-style').length,
					custom: document.querySelectorAll('#pdf-export-custom-style').length,
					labels: document.querySelectorAll('.pdf-export-section-label').length
				})`, &counts)
				assert.Equal(t, 1, counts.Print)
				assert.Equal(t, 1, counts.Custom)
				assert.Equal(t, 1, counts.Labels)

				var visibleBefore int
				evalInto(t, ctx, sess, `() => Array.from(document.querySelectorAll('.other'))
					.filter(el => getComputedStyle(el).display !== 'none').length`, &visibleBefore)
				require.Equal(t, 10, visibleBefore)

				n, err := FilterSections(ctx, sess, []string{".metric-card"})
				require.NoError(t, err)
				assert.Equal(t, 5, n)

				var after struct {
					HiddenOthers int `json:"hiddenOthers"`
					ShownCards   int `json:"shownCards"`
				}
				evalInto(t, ctx, sess, `() => ({
					hiddenOthers: Array.from(document.querySelectorAll('.other'))
						.filter(el => getComputedStyle(el).display === 'none').length,
					shownCards: Array.from(document.querySelectorAll('.metric-card'))
						.filter(el => getComputedStyle(el).display !== 'none').length
				})`, &after)
				assert.Equal(t, 10, after.HiddenOthers)
				assert.Equal(t, 5, after.ShownCards)
				return nil
			}, nil)
			require.NoError(t, err)
		})
	}
}
