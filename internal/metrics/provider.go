package metrics

import (
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// NewProvider builds an OTel MeterProvider backed by a ManualReader: the
// orchestrator exposes a pull-style /metrics endpoint rather than
// pushing to a standing backend, so collection happens
// on demand inside Handler rather than on a push interval.
func NewProvider() (*sdkmetric.MeterProvider, *sdkmetric.ManualReader) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	return provider, reader
}
