package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// ScanMetrics holds the metric instruments for B-tree range scans.
type ScanMetrics struct {
	PairsReturnedCounter       metric.Int64Counter
	LeavesVisitedCounter       metric.Int64Counter
	InternalPagesLockedCounter metric.Int64Counter
	BytesCopiedCounter         metric.Int64Counter
	CorruptionFaultsCounter    metric.Int64Counter
	HeldLocksUpDownCounter     metric.Int64UpDownCounter
}

// NewScanMetrics creates and registers all the metrics for range scans.
func NewScanMetrics(meter metric.Meter) (*ScanMetrics, error) {
	pairsReturned, err := meter.Int64Counter(
		"rangescan.btree.scan.pairs_total",
		metric.WithDescription("Key/value pairs returned by range scans."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	leavesVisited, err := meter.Int64Counter(
		"rangescan.btree.scan.leaves_total",
		metric.WithDescription("Leaf pages locked by range scans."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	internalPagesLocked, err := meter.Int64Counter(
		"rangescan.btree.scan.internal_pages_total",
		metric.WithDescription("Internal pages locked by range scans."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	bytesCopied, err := meter.Int64Counter(
		"rangescan.btree.scan.bytes_copied_total",
		metric.WithDescription("Key and value bytes copied out of leaf pages."),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	corruptionFaults, err := meter.Int64Counter(
		"rangescan.btree.scan.corruption_faults_total",
		metric.WithDescription("Scans aborted because a page failed validation."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	heldLocks, err := meter.Int64UpDownCounter(
		"rangescan.btree.scan.held_locks",
		metric.WithDescription("Block handles currently held by range scans."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return &ScanMetrics{
		PairsReturnedCounter:       pairsReturned,
		LeavesVisitedCounter:       leavesVisited,
		InternalPagesLockedCounter: internalPagesLocked,
		BytesCopiedCounter:         bytesCopied,
		CorruptionFaultsCounter:    corruptionFaults,
		HeldLocksUpDownCounter:     heldLocks,
	}, nil
}

// NoopScanMetrics returns instruments that record nothing.
func NoopScanMetrics() *ScanMetrics {
	m, _ := NewScanMetrics(noop.NewMeterProvider().Meter(""))
	return m
}
