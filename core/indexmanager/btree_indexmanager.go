package indexmanager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sushant-115/rangescan/core/indexing/btree"
	"github.com/sushant-115/rangescan/core/transaction"
	internaltelemetry "github.com/sushant-115/rangescan/internal/telemetry"
	"github.com/sushant-115/rangescan/pkg/telemetry"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// BTreeIndexManager serves range reads from one slice's tree file. Every request runs in
// its own read transaction, which is closed before the request returns.
type BTreeIndexManager struct {
	tree        *btree.Tree
	pools       map[transaction.SliceID]transaction.PagePool
	tracer      trace.Tracer
	metrics     *internaltelemetry.IndexManagerMetrics
	logger      *zap.Logger
	serviceName string
}

func NewBTreeIndexManager(home transaction.SliceID, pool transaction.PagePool, sizer btree.ValueSizer, tel *telemetry.Telemetry, logger *zap.Logger) (*BTreeIndexManager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	indexMetrics, err := internaltelemetry.NewIndexManagerMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create index metrics: %w", err)
	}
	scanMetrics, err := internaltelemetry.NewScanMetrics(tel.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create scan metrics: %w", err)
	}
	logger = logger.Named("btree_indexmanager")
	return &BTreeIndexManager{
		tree: btree.NewTree(home, btree.Options{
			Logger:  logger,
			Metrics: scanMetrics,
			Tracer:  tel.Tracer,
			Sizer:   sizer,
		}),
		pools:       map[transaction.SliceID]transaction.PagePool{home: pool},
		tracer:      tel.Tracer,
		metrics:     indexMetrics,
		logger:      logger,
		serviceName: "btree_indexmanager",
	}, nil
}

func (m *BTreeIndexManager) Name() string { return "btree" }

// GetRange collects up to limit pairs of rng. Handles left behind by the scan are
// reported as transaction.ErrLocksOutstanding.
func (m *BTreeIndexManager) GetRange(ctx context.Context, rng btree.KeyRange, limit int) (pairs []btree.KeyValuePair, err error) {
	metricCtx, span, startTime := m.StartMetricsAndTrace(ctx, "GetRange")
	defer func() {
		statusCode := otelcodes.Ok
		if err != nil {
			statusCode = otelcodes.Error
			span.RecordError(err)
		}
		span.SetAttributes(attribute.Int("range.pairs", len(pairs)))
		m.EndMetricsAndTrace(metricCtx, span, startTime, "GetRange", statusCode)
	}()

	scan, err := m.OpenScan(metricCtx, rng)
	if err != nil {
		return nil, err
	}
	for limit <= 0 || len(pairs) < limit {
		kv, ok, nextErr := scan.Next(metricCtx)
		if nextErr != nil {
			return nil, errors.Join(nextErr, scan.Close())
		}
		if !ok {
			break
		}
		pairs = append(pairs, kv)
	}
	if err := scan.Close(); err != nil {
		return nil, err
	}
	m.logger.Debug("range served", zap.Stringer("range", rng), zap.Int("pairs", len(pairs)), zap.Int("limit", limit))
	return pairs, nil
}

// Scan is a range scan bound to its own read transaction.
type Scan struct {
	*btree.RangeIterator
	txn *transaction.Transaction
}

// OpenScan starts a streaming scan of rng. The caller must Close it.
func (m *BTreeIndexManager) OpenScan(ctx context.Context, rng btree.KeyRange) (*Scan, error) {
	txn := transaction.New(transaction.ReadOnly, m.pools, m.logger)
	it, err := m.tree.RangeScan(ctx, txn, rng)
	if err != nil {
		return nil, errors.Join(err, txn.Close())
	}
	return &Scan{RangeIterator: it, txn: txn}, nil
}

// Close ends the scan and its transaction.
func (s *Scan) Close() error {
	return errors.Join(s.RangeIterator.Close(), s.txn.Close())
}

// StartMetricsAndTrace begins the telemetry recording for an index request.
// It returns a new context, the trace span, and the start time.
func (m *BTreeIndexManager) StartMetricsAndTrace(ctx context.Context, method string) (context.Context, trace.Span, time.Time) {
	startTime := time.Now()
	attrs := metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.method", method),
	)
	m.metrics.ActiveRequestsUpDownCounter.Add(ctx, 1, attrs)
	m.metrics.RequestsStartedCounter.Add(ctx, 1, attrs)

	ctx, span := m.tracer.Start(ctx, method, trace.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.method", method),
	))
	return ctx, span, startTime
}

// EndMetricsAndTrace completes the telemetry recording for an index request.
func (m *BTreeIndexManager) EndMetricsAndTrace(ctx context.Context, span trace.Span, startTime time.Time, method string, statusCode otelcodes.Code) {
	latency := time.Since(startTime).Milliseconds()

	if statusCode != otelcodes.Ok {
		span.SetStatus(otelcodes.Error, statusCode.String())
	} else {
		span.SetStatus(otelcodes.Ok, "Success")
	}
	span.End()

	m.metrics.ActiveRequestsUpDownCounter.Add(ctx, -1, metric.WithAttributes(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.method", method),
	))

	metricAttributes := attribute.NewSet(
		attribute.String("index.service", m.serviceName),
		attribute.String("index.method", method),
		attribute.String("index.code", statusCode.String()),
	)
	m.metrics.RequestLatencyHistogram.Record(ctx, latency, metric.WithAttributeSet(metricAttributes))
	m.metrics.RequestsHandledCounter.Add(ctx, 1, metric.WithAttributeSet(metricAttributes))
}
