package telemetry

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// MetricsConfig configures the meter.
type MetricsConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	ExporterType   ExporterType
	OTLPEndpoint   string
	OTLPInsecure   bool
	Attributes     map[string]string
}

// DefaultMetricsConfig returns a configuration with metrics disabled.
func DefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:      false,
		ServiceName:  "ddiagent",
		ExporterType: ExporterNone,
	}
}

// Metrics wraps the agent's OTel instruments: poll cycles, deployments,
// bytes downloaded, and errors by taxonomy bucket.
type Metrics struct {
	config        *MetricsConfig
	meterProvider *sdkmetric.MeterProvider
	meter         metric.Meter
	shutdown      func(context.Context) error
	mu            sync.RWMutex

	pollCycles       metric.Int64Counter
	deploymentsTotal metric.Int64Counter
	bytesDownloaded  metric.Int64Counter
	downloadDuration metric.Float64Histogram
	errorCounter     metric.Int64Counter
}

var (
	globalMetrics   *Metrics
	globalMetricsMu sync.RWMutex
)

// NewMetrics builds a Metrics from cfg, falling back to a no-op provider
// when disabled.
func NewMetrics(ctx context.Context, cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil {
		cfg = DefaultMetricsConfig()
	}

	m := &Metrics{config: cfg}

	if !cfg.Enabled || cfg.ExporterType == ExporterNone {
		m.meterProvider = sdkmetric.NewMeterProvider()
		m.meter = m.meterProvider.Meter(cfg.ServiceName)
		m.shutdown = func(context.Context) error { return nil }
		return m, nil
	}

	exporter, err := m.createExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metrics exporter: %w", err)
	}

	res, err := m.createResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metrics resource: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter)),
		sdkmetric.WithResource(res),
	)

	m.meterProvider = mp
	m.meter = mp.Meter(cfg.ServiceName)
	m.shutdown = mp.Shutdown

	if err := m.registerInstruments(); err != nil {
		return nil, fmt.Errorf("telemetry: register instruments: %w", err)
	}

	return m, nil
}

func (m *Metrics) createExporter(ctx context.Context, cfg *MetricsConfig) (sdkmetric.Exporter, error) {
	switch cfg.ExporterType {
	case ExporterStdout:
		return stdoutmetric.New()

	case ExporterOTLPGRPC:
		var opts []otlpmetricgrpc.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)

	case ExporterOTLPHTTP:
		var opts []otlpmetrichttp.Option
		if cfg.OTLPEndpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(cfg.OTLPEndpoint))
		}
		if cfg.OTLPInsecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		return otlpmetrichttp.New(ctx, opts...)

	default:
		return nil, fmt.Errorf("unknown exporter type: %s", cfg.ExporterType)
	}
}

func (m *Metrics) createResource(cfg *MetricsConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, semconv.ServiceVersion(cfg.ServiceVersion))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	return resource.Merge(resource.Default(), resource.NewWithAttributes("", attrs...))
}

func (m *Metrics) registerInstruments() error {
	var err error

	m.pollCycles, err = m.meter.Int64Counter(
		"ddiagent.poll.cycles",
		metric.WithDescription("Count of poll cycles by outcome"),
	)
	if err != nil {
		return fmt.Errorf("poll cycles counter: %w", err)
	}

	m.deploymentsTotal, err = m.meter.Int64Counter(
		"ddiagent.deployments",
		metric.WithDescription("Count of deployments by terminal outcome"),
	)
	if err != nil {
		return fmt.Errorf("deployments counter: %w", err)
	}

	m.bytesDownloaded, err = m.meter.Int64Counter(
		"ddiagent.download.bytes",
		metric.WithDescription("Total bytes written to the bundle path"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return fmt.Errorf("bytes downloaded counter: %w", err)
	}

	m.downloadDuration, err = m.meter.Float64Histogram(
		"ddiagent.download.duration",
		metric.WithDescription("Wall-clock duration of bundle downloads"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("download duration histogram: %w", err)
	}

	m.errorCounter, err = m.meter.Int64Counter(
		"ddiagent.errors",
		metric.WithDescription("Count of errors by taxonomy category"),
	)
	if err != nil {
		return fmt.Errorf("error counter: %w", err)
	}

	return nil
}

// RecordPollCycle records one poll cycle's outcome.
func (m *Metrics) RecordPollCycle(ctx context.Context, ok bool) {
	if m.pollCycles == nil {
		return
	}
	m.pollCycles.Add(ctx, 1, metric.WithAttributes(attribute.Bool("ok", ok)))
}

// RecordDeployment records a deployment's terminal outcome.
func (m *Metrics) RecordDeployment(ctx context.Context, outcome string) {
	if m.deploymentsTotal == nil {
		return
	}
	m.deploymentsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// RecordDownload records the bytes written and duration for one download.
func (m *Metrics) RecordDownload(ctx context.Context, bytesWritten int64, durationSeconds float64) {
	if m.bytesDownloaded != nil {
		m.bytesDownloaded.Add(ctx, bytesWritten)
	}
	if m.downloadDuration != nil {
		m.downloadDuration.Record(ctx, durationSeconds)
	}
}

// RecordError records an error in category (one of the taxonomy buckets).
func (m *Metrics) RecordError(ctx context.Context, category string) {
	if m.errorCounter == nil {
		return
	}
	m.errorCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("category", category)))
}

// Enabled reports whether metrics are actually exported anywhere.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled && m.config.ExporterType != ExporterNone
}

// Shutdown flushes and releases the meter provider.
func (m *Metrics) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown != nil {
		return m.shutdown(ctx)
	}
	return nil
}

// SetGlobalMetrics installs m as the process-wide meter.
func SetGlobalMetrics(m *Metrics) {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetrics = m
	if m != nil && m.Enabled() {
		otel.SetMeterProvider(m.meterProvider)
	}
}

// GetGlobalMetrics returns the process-wide meter, or a no-op meter if none
// was installed.
func GetGlobalMetrics() *Metrics {
	globalMetricsMu.RLock()
	defer globalMetricsMu.RUnlock()
	if globalMetrics == nil {
		return NoopMetrics()
	}
	return globalMetrics
}

// NoopMetrics returns a meter that discards everything.
func NoopMetrics() *Metrics {
	cfg := DefaultMetricsConfig()
	mp := sdkmetric.NewMeterProvider()
	return &Metrics{
		config:        cfg,
		meterProvider: mp,
		meter:         mp.Meter(cfg.ServiceName),
		shutdown:      func(context.Context) error { return nil },
	}
}
