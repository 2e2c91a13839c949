// Package telemetry wires OpenTelemetry metrics and traces for the export
// service, exporting metrics to Prometheus and traces over OTLP.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.27.0"
	"go.uber.org/zap"

	"github.com/maintainer-dashboard/pdf-export/pkg/logger"
)

const (
	defaultServiceName    = "pdf-export"
	defaultContextTimeout = 10 * time.Second
	defaultHTTPTimeout    = 10 * time.Second
	defaultPrometheusPort = 9090
)

// Config holds the telemetry configuration
type Config struct {
	Enabled     bool             `yaml:"enabled"`
	ServiceName string           `yaml:"service_name"`
	OTLP        OTLPConfig       `yaml:"otlp"`
	Prometheus  PrometheusConfig `yaml:"prometheus"`
}

// OTLPConfig holds OTLP trace exporter configuration
type OTLPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
}

// PrometheusConfig holds Prometheus metrics configuration
type PrometheusConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Telemetry manages OpenTelemetry providers and exporters
type Telemetry struct {
	config         Config
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	metricsServer  *http.Server
}

// New creates a Telemetry instance. A disabled config yields a no-op
// instance; the global otel providers then stay no-op as well.
func New(cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		logger.Info("Telemetry is disabled")
		return &Telemetry{config: cfg}, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	if cfg.Prometheus.Port == 0 {
		cfg.Prometheus.Port = defaultPrometheusPort
	}

	t := &Telemetry{config: cfg}

	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	if err := t.initTracerProvider(res); err != nil {
		return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
	}
	if err := t.initMeterProvider(res); err != nil {
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	logger.Info("Telemetry initialized",
		zap.String("service_name", cfg.ServiceName),
		zap.Bool("otlp_enabled", cfg.OTLP.Enabled),
		zap.Bool("prometheus_enabled", cfg.Prometheus.Enabled),
	)
	return t, nil
}

func (t *Telemetry) initTracerProvider(res *resource.Resource) error {
	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if t.config.OTLP.Enabled && t.config.OTLP.Endpoint != "" {
		ctx, cancel := context.WithTimeout(context.Background(), defaultContextTimeout)
		defer cancel()

		exporterOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(t.config.OTLP.Endpoint)}
		if t.config.OTLP.Insecure {
			exporterOpts = append(exporterOpts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, exporterOpts...)
		if err != nil {
			return fmt.Errorf("failed to create OTLP trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
		logger.Info("OTLP trace exporter initialized", zap.String("endpoint", t.config.OTLP.Endpoint))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	t.tracerProvider = tp
	return nil
}

func (t *Telemetry) initMeterProvider(res *resource.Resource) error {
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}

	if t.config.Prometheus.Enabled {
		exporter, err := prometheus.New()
		if err != nil {
			return fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		opts = append(opts, sdkmetric.WithReader(exporter))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		t.metricsServer = &http.Server{
			Addr:         fmt.Sprintf(":%d", t.config.Prometheus.Port),
			Handler:      mux,
			ReadTimeout:  defaultHTTPTimeout,
			WriteTimeout: defaultHTTPTimeout,
		}

		go func() {
			logger.Info("Starting Prometheus metrics server", zap.Int("port", t.config.Prometheus.Port))
			if err := t.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("Prometheus metrics server error", zap.Error(err))
			}
		}()
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)
	t.meterProvider = mp
	return nil
}

// Shutdown flushes providers and stops the metrics server
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if !t.config.Enabled {
		return nil
	}
	logger.Info("Shutting down telemetry")

	if t.tracerProvider != nil {
		if err := t.tracerProvider.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown tracer provider", zap.Error(err))
		}
	}
	if t.meterProvider != nil {
		if err := t.meterProvider.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown meter provider", zap.Error(err))
		}
	}
	if t.metricsServer != nil {
		if err := t.metricsServer.Shutdown(ctx); err != nil {
			logger.Error("Failed to shutdown metrics server", zap.Error(err))
		}
	}
	return nil
}

// IsEnabled reports whether telemetry is enabled
func (t *Telemetry) IsEnabled() bool {
	return t.config.Enabled
}
