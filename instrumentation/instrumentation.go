package instrumentation

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultServiceName is used when the config does not name the service.
	DefaultServiceName = "oauth-bridge"

	// DefaultServiceVersion is used when no version is provided.
	DefaultServiceVersion = "unknown"

	// instrumentationScope is the prefix for meter and tracer names.
	instrumentationScope = "github.com/helpdesk-mcp/oauth-bridge/"
)

// Config holds instrumentation configuration.
type Config struct {
	// ServiceName identifies the service in telemetry resources.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// Enabled controls whether instrumentation is active. When false,
	// no-op providers are used and recording calls cost nothing.
	Enabled bool

	// Resource allows custom resource attributes. If nil, a default
	// resource is created from the service name and version.
	Resource *resource.Resource
}

// Instrumentation owns the telemetry providers and the shared metric
// instruments for all layers of the bridge.
type Instrumentation struct {
	config   Config
	resource *resource.Resource

	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider

	// Per-layer meters, created once during New.
	httpMeter     metric.Meter
	brokerMeter   metric.Meter
	storageMeter  metric.Meter
	providerMeter metric.Meter
	securityMeter metric.Meter

	metrics *Metrics

	// Shutdown functions are registered during New only; not safe to
	// append after initialization.
	shutdownFuncs []func(context.Context) error
	shutdownOnce  sync.Once
}

// New creates a new instrumentation instance.
func New(config Config) (*Instrumentation, error) {
	if config.ServiceName == "" {
		config.ServiceName = DefaultServiceName
	}
	if config.ServiceVersion == "" {
		config.ServiceVersion = DefaultServiceVersion
	}

	var res *resource.Resource
	var err error
	if config.Resource != nil {
		res = config.Resource
	} else {
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

	// No-op providers in both modes for now; exporter wiring (OTLP,
	// Prometheus) can replace this without changing the recording API.
	inst.meterProvider = noop.NewMeterProvider()
	inst.tracerProvider = tracenoop.NewTracerProvider()

	inst.httpMeter = inst.Meter("http")
	inst.brokerMeter = inst.Meter("broker")
	inst.storageMeter = inst.Meter("storage")
	inst.providerMeter = inst.Meter("provider")
	inst.securityMeter = inst.Meter("security")

	inst.metrics, err = newMetrics(inst)
	if err != nil {
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	return inst, nil
}

// Shutdown gracefully shuts down all instrumentation providers. Call once
// when the application is terminating.
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

// Meter returns a named meter for the given scope. Scopes are layer names
// like "http", "broker", "storage", "provider", "security".
func (i *Instrumentation) Meter(scope string) metric.Meter {
	return i.meterProvider.Meter(instrumentationScope + scope)
}

// Tracer returns a named tracer for the given scope.
func (i *Instrumentation) Tracer(scope string) trace.Tracer {
	return i.tracerProvider.Tracer(instrumentationScope + scope)
}

// Metrics returns the metrics holder for recording metric values.
func (i *Instrumentation) Metrics() *Metrics {
	return i.metrics
}

// TracerProvider returns the underlying tracer provider.
func (i *Instrumentation) TracerProvider() trace.TracerProvider {
	return i.tracerProvider
}

// MeterProvider returns the underlying meter provider.
func (i *Instrumentation) MeterProvider() metric.MeterProvider {
	return i.meterProvider
}

// StoreSizeCallback reports the current size of one store component.
type StoreSizeCallback func() int64

// RegisterStoreSizeCallbacks registers the observable gauges for store
// sizes. The store calls this once after instrumentation is attached.
func (i *Instrumentation) RegisterStoreSizeCallbacks(
	sessionsCount, codesCount, clientsCount StoreSizeCallback,
) error {
	if i.meterProvider == nil {
		return fmt.Errorf("meter provider not initialized")
	}

	_, err := i.storageMeter.RegisterCallback(
		func(ctx context.Context, observer metric.Observer) error {
			if sessionsCount != nil {
				observer.ObserveInt64(i.metrics.StorageSessionsCount, sessionsCount())
			}
			if codesCount != nil {
				observer.ObserveInt64(i.metrics.StorageCodesCount, codesCount())
			}
			if clientsCount != nil {
				observer.ObserveInt64(i.metrics.StorageClientsCount, clientsCount())
			}
			return nil
		},
		i.metrics.StorageSessionsCount,
		i.metrics.StorageCodesCount,
		i.metrics.StorageClientsCount,
	)

	return err
}
