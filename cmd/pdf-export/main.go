// Package main is the entry point for the dashboard PDF export service.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/api"
	"github.com/maintainer-dashboard/pdf-export/pkg/config"
	"github.com/maintainer-dashboard/pdf-export/pkg/cron"
	"github.com/maintainer-dashboard/pdf-export/pkg/export"
	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
	"github.com/maintainer-dashboard/pdf-export/pkg/mail"
	"github.com/maintainer-dashboard/pdf-export/pkg/model"
	"github.com/maintainer-dashboard/pdf-export/pkg/raster"
	"github.com/maintainer-dashboard/pdf-export/pkg/render"
	"github.com/maintainer-dashboard/pdf-export/pkg/server"
	"github.com/maintainer-dashboard/pdf-export/pkg/store"
	"github.com/maintainer-dashboard/pdf-export/pkg/telemetry"
)

// Build information, set via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "pdf-export",
	Short: "Render dashboards to PDF with a headless browser",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the export HTTP server and scheduler",
	RunE:  runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pdf-export %s\n", Version)
		fmt.Printf("  Build Time: %s\n", BuildTime)
		fmt.Printf("  Git Commit: %s\n", GitCommit)
	},
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", config.DefaultConfigPath, "config file path")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)

	serveCmd.Flags().String("host", "", "server host (overrides config)")
	serveCmd.Flags().Int("port", 0, "server port (overrides config)")
	serveCmd.Flags().Bool("debug", false, "enable debug mode")
	serveCmd.Flags().String("engine", "", "render engine: rod, playwright or chromedp (overrides config)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting pdf-export",
		zap.String("version", Version),
		zap.String("engine", cfg.Renderer.Engine),
		zap.String("environment", cfg.Server.Environment),
	)

	tel, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	engine, err := render.NewEngine(cfg.Renderer.Engine, launchOptions(cfg))
	if err != nil {
		return err
	}
	driver := render.NewDriver(engine, driverConfig(cfg))

	var rasterSvc export.Rasterer
	if cfg.Raster.BrowserURL != "" {
		rasterSvc = raster.NewService(cfg.Raster.BrowserURL, 0, rasterConfig(cfg))
	}
	orchestrator := export.NewOrchestrator(driver, rasterSvc, export.Config{
		MaxConcurrent:  cfg.Limits.MaxConcurrentExports,
		RasterFallback: cfg.Raster.FallbackOnLaunchError,
	})

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	st, err := store.NewStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	var mailer cron.Mailer
	if cfg.SMTP.Configured() {
		mailer = mail.NewMailer(cfg.SMTP)
	} else {
		logger.Warn("SMTP is not configured; scheduled runs will not be emailed")
	}
	scheduler := cron.NewScheduler(st, orchestrator, mailer, cron.Config{
		MaxConcurrent: cfg.Scheduler.MaxConcurrent,
		MaxRetries:    cfg.Scheduler.MaxRetries,
	})
	if cfg.Scheduler.Enabled {
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	if cfg.Server.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	handler := api.NewHandler(orchestrator, st, scheduler, api.Options{
		Production:     cfg.Server.IsProduction(),
		Debug:          cfg.Server.Debug,
		AccessLog:      cfg.Logging.AccessLog,
		CORSOrigins:    cfg.Server.CORSOrigins,
		ServiceName:    cfg.Telemetry.ServiceName,
		Limits:         model.RequestLimits{MaxSections: cfg.Limits.MaxSections, MaxTabs: cfg.Limits.MaxTabs},
		AllowedDomains: cfg.Scheduler.AllowedDomains,
	})

	srv := server.New(server.Config{Host: cfg.Server.Host, Port: cfg.Server.Port}, handler)
	srv.OnShutdown(func(context.Context) { scheduler.Stop() })
	srv.OnShutdown(func(context.Context) {
		if err := st.Close(); err != nil {
			logger.Error("Failed to close store", zap.Error(err))
		}
	})
	srv.OnShutdown(func(ctx context.Context) {
		if err := tel.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown telemetry", zap.Error(err))
		}
	})

	if err := srv.Start(); err != nil {
		scheduler.Stop()
		_ = st.Close()
		return err
	}
	return srv.WaitForShutdown()
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.Server.Debug = true
		cfg.Logging.Level = "debug"
	}
	if engine, _ := cmd.Flags().GetString("engine"); engine != "" {
		cfg.Renderer.Engine = engine
	}
	return cfg.Validate()
}

func launchOptions(cfg *config.Config) render.LaunchOptions {
	r := cfg.Renderer
	return render.LaunchOptions{
		ChromiumPath:      r.ChromiumPath,
		ViewportWidth:     r.ViewportWidth,
		ViewportHeight:    r.ViewportHeight,
		DeviceScaleFactor: r.DeviceScaleFactor,
		IgnoreCertErrors:  r.IgnoreCertErrors,
	}
}

func driverConfig(cfg *config.Config) render.DriverConfig {
	r, e := cfg.Renderer, cfg.Export
	return render.DriverConfig{
		NavigationTimeout: r.NavigationTimeout,
		CaptureTimeout:    r.CaptureTimeout,
		SelectorTimeout:   r.SelectorTimeout,
		Readiness: render.DetectorConfig{
			Timeout:      r.ReadinessTimeout,
			MinChartSize: float64(r.MinChartSize),
		},
		Scroll: render.ScrollConfig{
			Step:        r.ScrollStep,
			Delay:       r.ScrollDelay,
			MaxSteps:    r.ScrollMaxSteps,
			SettleDelay: r.SettleDelay,
		},
		Defaults: model.ExportOptions{
			Format: e.Format,
			Margins: &model.Margins{
				Top:    e.MarginTopMM,
				Right:  e.MarginRightMM,
				Bottom: e.MarginBottomMM,
				Left:   e.MarginLeftMM,
			},
			DisplayHeaderFooter: e.DisplayHeaderFooter,
		},
	}
}

func rasterConfig(cfg *config.Config) raster.Config {
	dc := driverConfig(cfg)
	return raster.Config{
		Scale:       cfg.Raster.Scale,
		JPEGQuality: cfg.Raster.JPEGQuality,
		ReflowDelay: 500 * time.Millisecond,
		Readiness:   dc.Readiness,
		Scroll:      dc.Scroll,
	}
}
