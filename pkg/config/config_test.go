package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "rod", cfg.Renderer.Engine)
	assert.Equal(t, 1920, cfg.Renderer.ViewportWidth)
	assert.Equal(t, 60*time.Second, cfg.Renderer.NavigationTimeout)
	assert.Equal(t, 15.0, cfg.Export.MarginTopMM)
	assert.Equal(t, "A4", cfg.Export.Format)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 8080
  environment: production
renderer:
  engine: chromedp
  readiness_timeout: 5s
  scroll_delay: 50ms
limits:
  max_concurrent_exports: 4
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.True(t, cfg.Server.IsProduction())
	assert.Equal(t, "chromedp", cfg.Renderer.Engine)
	assert.Equal(t, 5*time.Second, cfg.Renderer.ReadinessTimeout)
	assert.Equal(t, 50*time.Millisecond, cfg.Renderer.ScrollDelay)
	assert.Equal(t, 4, cfg.Limits.MaxConcurrentExports)
	// untouched defaults survive
	assert.Equal(t, 1080, cfg.Renderer.ViewportHeight)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("PDFX_SERVER_PORT", "9999")
	t.Setenv("PDFX_RENDERER_ENGINE", "playwright")
	t.Setenv("DASH_BROWSER", "ws://127.0.0.1:9222/devtools/browser/abc")

	path := writeConfig(t, "raster:\n  browser_url: ${DASH_BROWSER}\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "playwright", cfg.Renderer.Engine)
	assert.Equal(t, "ws://127.0.0.1:9222/devtools/browser/abc", cfg.Raster.BrowserURL)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"unknown engine", func(c *Config) { c.Renderer.Engine = "webkit" }, false},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, false},
		{"negative limit", func(c *Config) { c.Limits.MaxConcurrentExports = -1 }, false},
		{"zero quality", func(c *Config) { c.Raster.JPEGQuality = 0 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
