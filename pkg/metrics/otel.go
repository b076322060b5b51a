package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Bridge mirrors counter increments into OpenTelemetry instruments.
// Instruments are created lazily per counter name.
type Bridge struct {
	meter metric.Meter

	mu          sync.Mutex
	instruments map[string]metric.Int64Counter
}

// NewBridge wraps a meter. Pass the global meter provider's meter.
func NewBridge(meter metric.Meter) *Bridge {
	return &Bridge{
		meter:       meter,
		instruments: make(map[string]metric.Int64Counter),
	}
}

// Add records delta on the instrument named name. A non-empty label is
// attached as the "label" attribute.
func (b *Bridge) Add(ctx context.Context, name string, delta int64, label string) {
	inst, err := b.instrument(name)
	if err != nil {
		return
	}
	if label == "" {
		inst.Add(ctx, delta)
		return
	}
	inst.Add(ctx, delta, metric.WithAttributes(attribute.String("label", label)))
}

func (b *Bridge) instrument(name string) (metric.Int64Counter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if inst, ok := b.instruments[name]; ok {
		return inst, nil
	}
	inst, err := b.meter.Int64Counter("authwatch." + name)
	if err != nil {
		return nil, err
	}
	b.instruments[name] = inst
	return inst, nil
}

// SetupOTLP configures the global meter provider with an OTLP/gRPC
// exporter and returns a shutdown hook. Call only when an endpoint is
// configured; without it counters stay local.
func SetupOTLP(ctx context.Context, endpoint, serviceName string) (func(context.Context) error, error) {
	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(30*time.Second))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}
