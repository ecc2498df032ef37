package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when Config.ServiceName is empty
	DefaultServiceName = "idp-oauth"

	// DefaultServiceVersion is the default service version used when none is provided
	DefaultServiceVersion = "unknown"

	scopePrefix = "github.com/giantswarm/idp-oauth/"
)

// Config holds instrumentation configuration
type Config struct {
	// ServiceName is the name of the service reported in the resource
	ServiceName string

	// ServiceVersion is the version of the service
	ServiceVersion string

	// Enabled controls whether instrumentation is active.
	// When false, no-op providers are used.
	Enabled bool

	// LogClientIPs controls whether client IP addresses are attached to spans.
	// Client IPs may be personal data in some jurisdictions.
	LogClientIPs bool

	// Resource allows custom resource attributes.
	// If nil, a resource with service name and version is created.
	Resource *resource.Resource

	// MetricReader receives collected metrics, e.g. a periodic OTLP reader or
	// sdkmetric.NewManualReader in tests. Optional.
	MetricReader sdkmetric.Reader

	// SpanExporter receives finished spans synchronously. Optional.
	SpanExporter sdktrace.SpanExporter
}

// Instrumentation provides OpenTelemetry instrumentation components
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	metrics *Metrics

	// Shutdown functions are registered during New() only
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	res := config.Resource
	if res == nil {
		var err error
		res, err = resource.New(
			context.Background(),
			resource.WithAttributes(
				semconv.ServiceName(config.ServiceName),
				semconv.ServiceVersion(config.ServiceVersion),
			),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create resource: %w", err)
		}
	}

	inst := &Instrumentation{
		config:   config,
		resource: res,
	}

	if config.Enabled {
		inst.initializeProviders()
	} else {
		inst.meterProvider = noop.NewMeterProvider()
		inst.tracerProvider = tracenoop.NewTracerProvider()
	}

	metrics, err := newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}
	inst.metrics = metrics

	return inst, nil
}

// initializeProviders wires SDK providers with the configured reader and exporter
func (i *Instrumentation) initializeProviders() {
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(i.resource)}
	if i.config.MetricReader != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(i.config.MetricReader))
	}
	mp := sdkmetric.NewMeterProvider(meterOpts...)

	tracerOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(i.resource)}
	if i.config.SpanExporter != nil {
		tracerOpts = append(tracerOpts, sdktrace.WithSyncer(i.config.SpanExporter))
	}
	tp := sdktrace.NewTracerProvider(tracerOpts...)

	i.meterProvider = mp
	i.tracerProvider = tp
	i.shutdownFuncs = append(i.shutdownFuncs, tp.Shutdown, mp.Shutdown)
}

// Shutdown flushes and stops the providers. Safe to call more than once.
func (i *Instrumentation) Shutdown(ctx context.Context) error {
	var shutdownErr error

	i.shutdownOnce.Do(func() {
		for _, fn := range i.shutdownFuncs {
			if err := fn(ctx); err != nil && shutdownErr == nil {
				shutdownErr = err
			}
		}
	})

	return shutdownErr
}

// Meter returns a named meter for the given scope.
// Scopes are layer names like "http", "server", "storage", "security".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(scopePrefix + scope)
}

// Tracer returns a named tracer for the given scope
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(scopePrefix + scope)
}

// Metrics returns the metrics holder for recording metric values
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// ShouldLogClientIPs returns whether client IP addresses should be recorded
func (i *Instrumentation) ShouldLogClientIPs() bool {
	return i.config.LogClientIPs
}

// StorageSizeCallback is a function that returns the current size of a storage component
type StorageSizeCallback func() int64

// RegisterStorageSizeCallbacks registers gauges reporting storage sizes.
// Storage implementations call this from SetInstrumentation. Nil callbacks are skipped.
func (i *Instrumentation) RegisterStorageSizeCallbacks(
	clientsCount, codesCount, tokensCount, revocationsCount StorageSizeCallback,
) error {
	meter := i.Meter("storage")

	_, err := meter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageCodesCount, codesCount())
			}
			if tokensCount != nil {
				observer.ObserveInt64(i.metrics.StorageTokensCount, tokensCount())
			}
			if revocationsCount != nil {
				observer.ObserveInt64(i.metrics.StorageRevocationsCount, revocationsCount())
			}
			return nil
		},
		i.metrics.StorageClientsCount,
		i.metrics.StorageCodesCount,
		i.metrics.StorageTokensCount,
		i.metrics.StorageRevocationsCount,
	)

	return err
}
