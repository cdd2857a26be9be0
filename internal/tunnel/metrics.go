package tunnel

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "go.flipt.io/backhaul"

	namespace = "backhaul"

	tunnelSubsystem = "tunnel"
)

var errorTypeKey = attribute.Key("type")

type metrics struct {
	active   metric.Int64UpDownCounter
	opened   metric.Int64Counter
	errors   metric.Int64Counter
	lifetime metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (m metrics, err error) {
	m.active, err = meter.Int64UpDownCounter(
		prometheus.BuildFQName(namespace, tunnelSubsystem, "active"),
		metric.WithDescription("Number of tunnels currently relaying or opening"),
	)
	if err != nil {
		return m, err
	}

	m.opened, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, tunnelSubsystem, "opened_total"),
		metric.WithDescription("Total number of tunnels requested by the server"),
	)
	if err != nil {
		return m, err
	}

	m.errors, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, tunnelSubsystem, "errors_total"),
		metric.WithDescription("Total number of failed tunnels by error type"),
	)
	if err != nil {
		return m, err
	}

	m.lifetime, err = meter.Float64Histogram(
		prometheus.BuildFQName(namespace, tunnelSubsystem, "lifetime"),
		metric.WithDescription("Lifetime of tunnels from request to close"),
		metric.WithUnit("ms"),
	)

	return m, err
}
