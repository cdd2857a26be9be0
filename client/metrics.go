package client

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	meterName = "go.flipt.io/backhaul"

	namespace = "backhaul"

	controlSubsystem = "control"
)

var codeKey = attribute.Key("code")

type metrics struct {
	connects metric.Int64Counter
}

func newMetrics(meter metric.Meter) (m metrics, err error) {
	m.connects, err = meter.Int64Counter(
		prometheus.BuildFQName(namespace, controlSubsystem, "connects_total"),
		metric.WithDescription("Total number of control connection attempts by result code"),
	)

	return m, err
}
