package otel

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	otelglobal "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

const meterName = "github.com/ulfschnabel/slka"

// InitMeterProvider installs a global MeterProvider backed by a Prometheus
// exporter and returns the handler that serves /metrics.
func InitMeterProvider(ctx context.Context, serviceName string) (http.Handler, error) {
	if serviceName == "" {
		serviceName = "slka"
	}
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	otelglobal.SetMeterProvider(provider)
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true}), nil
}

// Meter returns the global meter. Before InitMeterProvider it is a no-op meter.
func Meter() metric.Meter {
	return otelglobal.Meter(meterName)
}

var (
	AttrOutcome = attribute.Key("outcome")
	AttrStatus  = attribute.Key("status")
	AttrKind    = attribute.Key("kind")
	AttrJob     = attribute.Key("job")
	AttrReason  = attribute.Key("reason")
	AttrRoute   = attribute.Key("http.route")
	AttrMethod  = attribute.Key("http.method")
	AttrCode    = attribute.Key("http.status_code")
)
