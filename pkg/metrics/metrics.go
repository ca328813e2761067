// Package metrics exposes the server's OpenTelemetry instruments.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const meterName = "github.com/kabili207/iamhere-server"

// Metrics is safe to use as a nil pointer; every method becomes a no-op.
type Metrics struct {
	routed    metric.Int64Counter
	delivered metric.Int64Counter
	failed    metric.Int64Counter
}

// New registers the instruments on meter. size reports the number of live
// registry entries whenever the gauge is collected.
func New(meter metric.Meter, size func() int) (*Metrics, error) {
	routed, err := meter.Int64Counter("iamhere.events.routed",
		metric.WithDescription("Events accepted for routing, by kind."))
	if err != nil {
		return nil, fmt.Errorf("creating routed counter: %w", err)
	}
	delivered, err := meter.Int64Counter("iamhere.pushes.delivered",
		metric.WithDescription("Notifications written to a live recipient."))
	if err != nil {
		return nil, fmt.Errorf("creating delivered counter: %w", err)
	}
	failed, err := meter.Int64Counter("iamhere.pushes.failed",
		metric.WithDescription("Notifications that could not be written to a registered recipient."))
	if err != nil {
		return nil, fmt.Errorf("creating failed counter: %w", err)
	}
	_, err = meter.Int64ObservableGauge("iamhere.connections",
		metric.WithDescription("Identities with a live registered connection."),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(size()))
			return nil
		}))
	if err != nil {
		return nil, fmt.Errorf("creating connections gauge: %w", err)
	}

	return &Metrics{routed: routed, delivered: delivered, failed: failed}, nil
}

func (m *Metrics) EventRouted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.routed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) PushDelivered(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.delivered.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) PushFailed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// Setup installs a global meter provider exporting over OTLP/gRPC to
// endpoint. With an empty endpoint the global no-op provider is kept.
func Setup(ctx context.Context, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(endpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("creating otlp exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(15*time.Second))),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

// Meter returns the server's meter from the global provider.
func Meter() metric.Meter {
	return otel.Meter(meterName)
}
