// Package config loads the export service configuration from YAML with
// environment variable overrides.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/mail"
	"github.com/maintainer-dashboard/pdf-export/pkg/telemetry"
)

// DefaultConfigPath is used when no --config flag is given
const DefaultConfigPath = "config/config.yaml"

// Config is the root configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Logging   logger.Config    `yaml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Renderer  RendererConfig   `yaml:"renderer"`
	Export    ExportConfig     `yaml:"export"`
	Raster    RasterConfig     `yaml:"raster"`
	Limits    LimitsConfig     `yaml:"limits"`
	Store     StoreConfig      `yaml:"store"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	SMTP      mail.Config      `yaml:"smtp"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Host  string `yaml:"host"`
	Port  int    `yaml:"port"`
	Debug bool   `yaml:"debug"`
	// Environment is "production" or anything else; error stacks are only
	// returned to clients outside production.
	Environment string   `yaml:"environment"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// IsProduction reports whether the server runs in production mode
func (s ServerConfig) IsProduction() bool {
	return strings.EqualFold(s.Environment, "production")
}

// RendererConfig configures the headless browser engines
type RendererConfig struct {
	// Engine selects the browser driver: rod, playwright or chromedp
	Engine            string        `yaml:"engine"`
	ChromiumPath      string        `yaml:"chromium_path"`
	ViewportWidth     int           `yaml:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height"`
	DeviceScaleFactor float64       `yaml:"device_scale_factor"`
	IgnoreCertErrors  bool          `yaml:"ignore_cert_errors"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	CaptureTimeout    time.Duration `yaml:"capture_timeout"`
	ReadinessTimeout  time.Duration `yaml:"readiness_timeout"`
	SelectorTimeout   time.Duration `yaml:"selector_timeout"`
	MinChartSize      int           `yaml:"min_chart_size"`
	ScrollStep        int           `yaml:"scroll_step"`
	ScrollDelay       time.Duration `yaml:"scroll_delay"`
	ScrollMaxSteps    int           `yaml:"scroll_max_steps"`
	SettleDelay       time.Duration `yaml:"settle_delay"`
}

// ExportConfig holds PDF layout defaults
type ExportConfig struct {
	Format              string  `yaml:"format"`
	MarginTopMM         float64 `yaml:"margin_top_mm"`
	MarginRightMM       float64 `yaml:"margin_right_mm"`
	MarginBottomMM      float64 `yaml:"margin_bottom_mm"`
	MarginLeftMM        float64 `yaml:"margin_left_mm"`
	DisplayHeaderFooter bool    `yaml:"display_header_footer"`
}

// RasterConfig configures the rasterization fallback
type RasterConfig struct {
	// BrowserURL is the DevTools websocket of an already running browser;
	// the fallback never launches a process of its own.
	BrowserURL            string  `yaml:"browser_url"`
	FallbackOnLaunchError bool    `yaml:"fallback_on_launch_error"`
	Scale                 float64 `yaml:"scale"`
	JPEGQuality           int     `yaml:"jpeg_quality"`
}

// LimitsConfig bounds resource usage
type LimitsConfig struct {
	// MaxConcurrentExports caps simultaneous browser sessions; 0 is unlimited
	MaxConcurrentExports int `yaml:"max_concurrent_exports"`
	MaxTabs              int `yaml:"max_tabs"`
	MaxSections          int `yaml:"max_sections"`
}

// StoreConfig holds the sqlite location
type StoreConfig struct {
	Path string `yaml:"path"`
}

// SchedulerConfig controls scheduled exports
type SchedulerConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MaxConcurrent  int      `yaml:"max_concurrent"`
	MaxRetries     int      `yaml:"max_retries"`
	AllowedDomains []string `yaml:"allowed_domains"`
}

// Default returns the default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        3000,
			Environment: "development",
			CORSOrigins: []string{"*"},
		},
		Logging: logger.Config{
			Level:      "info",
			Format:     "text",
			MaxSize:    100,
			MaxAge:     7,
			MaxBackups: 5,
		},
		Telemetry: telemetry.Config{
			ServiceName: "pdf-export",
			OTLP:        telemetry.OTLPConfig{Endpoint: "localhost:4317", Insecure: true},
			Prometheus:  telemetry.PrometheusConfig{Port: 9090},
		},
		Renderer: RendererConfig{
			Engine:            "rod",
			ViewportWidth:     1920,
			ViewportHeight:    1080,
			DeviceScaleFactor: 2,
			NavigationTimeout: 60 * time.Second,
			CaptureTimeout:    60 * time.Second,
			ReadinessTimeout:  15 * time.Second,
			SelectorTimeout:   10 * time.Second,
			MinChartSize:      100,
			ScrollStep:        100,
			ScrollDelay:       100 * time.Millisecond,
			ScrollMaxSteps:    100,
			SettleDelay:       2 * time.Second,
		},
		Export: ExportConfig{
			Format:         "A4",
			MarginTopMM:    15,
			MarginRightMM:  15,
			MarginBottomMM: 15,
			MarginLeftMM:   15,
		},
		Raster: RasterConfig{
			Scale:       2,
			JPEGQuality: 95,
		},
		Limits: LimitsConfig{
			MaxTabs:     10,
			MaxSections: 50,
		},
		Store: StoreConfig{Path: "./data/pdf-export.db"},
		Scheduler: SchedulerConfig{
			MaxConcurrent: 2,
			MaxRetries:    3,
		},
		SMTP: mail.Config{Port: 587, UseTLS: true},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// PDFX_* environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	switch c.Renderer.Engine {
	case "rod", "playwright", "chromedp":
	default:
		return fmt.Errorf("renderer.engine must be rod, playwright or chromedp, got %q", c.Renderer.Engine)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	if c.Renderer.ViewportWidth <= 0 || c.Renderer.ViewportHeight <= 0 {
		return fmt.Errorf("renderer viewport must be positive")
	}
	if c.Limits.MaxConcurrentExports < 0 {
		return fmt.Errorf("limits.max_concurrent_exports must not be negative")
	}
	if c.Raster.JPEGQuality < 1 || c.Raster.JPEGQuality > 100 {
		return fmt.Errorf("raster.jpeg_quality must be within 1..100")
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnvVars replaces ${VAR} references; unset variables are left as is
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return m
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PDFX_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PDFX_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("PDFX_ENV"); v != "" {
		cfg.Server.Environment = v
	}
	if v := os.Getenv("PDFX_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("PDFX_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("PDFX_RENDERER_ENGINE"); v != "" {
		cfg.Renderer.Engine = v
	}
	if v := os.Getenv("PDFX_CHROMIUM_PATH"); v != "" {
		cfg.Renderer.ChromiumPath = v
	}
	if v := os.Getenv("PDFX_RASTER_BROWSER_URL"); v != "" {
		cfg.Raster.BrowserURL = v
	}
	if v := os.Getenv("PDFX_MAX_CONCURRENT_EXPORTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Limits.MaxConcurrentExports = n
		}
	}
	if v := os.Getenv("PDFX_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("PDFX_SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = parseBool(v)
	}
	if v := os.Getenv("PDFX_TELEMETRY_ENABLED"); v != "" {
		cfg.Telemetry.Enabled = parseBool(v)
	}
	if v := os.Getenv("PDFX_SMTP_PASSWORD"); v != "" {
		cfg.SMTP.Password = v
	}
}

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "true" || v == "1" || v == "yes" || v == "on"
}
