package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// IndexManagerMetrics holds the metric instruments for index manager requests.
type IndexManagerMetrics struct {
	RequestsStartedCounter      metric.Int64Counter
	RequestsHandledCounter      metric.Int64Counter
	RequestLatencyHistogram     metric.Int64Histogram
	ActiveRequestsUpDownCounter metric.Int64UpDownCounter
}

// NewIndexManagerMetrics creates and registers all the metrics for the index manager.
func NewIndexManagerMetrics(meter metric.Meter) (*IndexManagerMetrics, error) {
	requestsStartedCounter, err := meter.Int64Counter(
		"rangescan.index.requests.started_total",
		metric.WithDescription("Total number of index requests started."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	requestsHandledCounter, err := meter.Int64Counter(
		"rangescan.index.requests.handled_total",
		metric.WithDescription("Total number of index requests completed."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	requestLatencyHistogram, err := meter.Int64Histogram(
		"rangescan.index.requests.duration",
		metric.WithDescription("The latency of index requests."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	activeRequestsUpDownCounter, err := meter.Int64UpDownCounter(
		"rangescan.index.requests.active",
		metric.WithDescription("Number of in-flight index requests."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &IndexManagerMetrics{
		RequestsStartedCounter:      requestsStartedCounter,
		RequestsHandledCounter:      requestsHandledCounter,
		RequestLatencyHistogram:     requestLatencyHistogram,
		ActiveRequestsUpDownCounter: activeRequestsUpDownCounter,
	}, nil
}
