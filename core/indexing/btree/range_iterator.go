package btree

import (
	"bytes"
	"context"
	"errors"
	"iter"

	"github.com/sushant-115/rangescan/core/transaction"
	"github.com/zeebo/errs/v2"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ScanStats summarizes the work done by one range scan.
type ScanStats struct {
	Pairs         int64
	Leaves        int64
	InternalPages int64
	BytesCopied   int64
}

// RangeIterator yields the pairs of a subtree that fall inside a KeyRange, in strictly
// increasing key order. It pulls leaves from a LeavesIterator one at a time and stops
// pulling as soon as a key passes the right bound.
//
// A RangeIterator is used by one goroutine at a time. Close may be called between any two
// calls to Next and releases everything the scan holds.
type RangeIterator struct {
	rng     KeyRange
	opts    Options
	locator *LeavesIterator
	active  *LeafIterator

	last    []byte
	hasLast bool

	done  bool
	err   error
	stats ScanStats
	span  trace.Span
}

// NewRangeIterator takes ownership of root, the locked top block of the subtree. A nil
// root is an empty subtree.
func NewRangeIterator(ctx context.Context, src BlockSource, root *transaction.BlockHandle, home transaction.SliceID, rng KeyRange, opts Options) *RangeIterator {
	opts = opts.withDefaults()
	_, span := opts.Tracer.Start(ctx, "btree.RangeScan", trace.WithAttributes(
		attribute.Int("btree.slice", int(home)),
		attribute.String("btree.range", rng.String()),
	))
	it := &RangeIterator{
		rng:     rng,
		opts:    opts,
		locator: NewLeavesIterator(src, root, home, rng.startKey(), opts),
		span:    span,
	}
	if root == nil {
		it.finish(ctx)
	}
	return it
}

// Next returns the next pair in range. ok is false when the scan is over; err is non-nil
// if it ended on a fault, and the same error is returned by every later call.
func (it *RangeIterator) Next(ctx context.Context) (kv KeyValuePair, ok bool, err error) {
	if it.done {
		return KeyValuePair{}, false, it.err
	}
	for {
		if it.active == nil {
			leaf, ok, err := it.locator.Next(ctx)
			if err != nil {
				return KeyValuePair{}, false, it.fail(ctx, err)
			}
			if !ok {
				return KeyValuePair{}, false, it.finish(ctx)
			}
			it.active = leaf
			continue
		}

		kv, ok, err := it.active.Next()
		if err != nil {
			return KeyValuePair{}, false, it.fail(ctx, err)
		}
		if !ok {
			it.stats.BytesCopied += it.active.bytesCopied
			it.active = nil
			continue
		}
		if !it.rng.AfterLeft(kv.Key) {
			continue
		}
		if it.rng.PastRight(kv.Key) {
			return KeyValuePair{}, false, it.finish(ctx)
		}
		if it.hasLast && bytes.Compare(kv.Key, it.last) <= 0 {
			return KeyValuePair{}, false, it.fail(ctx, corruptf(it.active.PageID(), "key %q does not follow %q", kv.Key, it.last))
		}
		it.last = append(it.last[:0], kv.Key...)
		it.hasLast = true
		it.stats.Pairs++
		return kv, true, nil
	}
}

// Prefetch forwards to the active leaf, if there is one.
func (it *RangeIterator) Prefetch() {
	if it.active != nil {
		it.active.Prefetch()
	}
}

// Close ends the scan and releases every handle it holds. It is idempotent.
func (it *RangeIterator) Close() error {
	if it.done {
		return nil
	}
	return it.finish(context.Background())
}

// Err returns the error that ended the scan, if any.
func (it *RangeIterator) Err() error { return it.err }

// Done reports whether the scan is over and holds nothing.
func (it *RangeIterator) Done() bool { return it.done }

// Stats returns the work done so far.
func (it *RangeIterator) Stats() ScanStats {
	s := it.stats
	s.Leaves = it.locator.leaves
	s.InternalPages = it.locator.internalPages
	if it.active != nil {
		s.BytesCopied += it.active.bytesCopied
	}
	return s
}

// All adapts the iterator to a range-over-func loop. Leaving the loop early closes it.
func (it *RangeIterator) All(ctx context.Context) iter.Seq2[KeyValuePair, error] {
	return func(yield func(KeyValuePair, error) bool) {
		defer func() {
			if err := it.Close(); err != nil {
				it.opts.Logger.Warn("closing range scan", zap.Error(err))
			}
		}()
		for {
			kv, ok, err := it.Next(ctx)
			if err != nil {
				yield(KeyValuePair{}, err)
				return
			}
			if !ok || !yield(kv, nil) {
				return
			}
		}
	}
}

func (it *RangeIterator) release() error {
	var group errs.Group
	if it.active != nil {
		it.stats.BytesCopied += it.active.bytesCopied
		group.Add(it.active.Close())
		it.active = nil
	}
	group.Add(it.locator.Close())
	return group.Err()
}

func (it *RangeIterator) finish(ctx context.Context) error {
	err := it.release()
	it.done = true
	if err != nil {
		it.err = err
		it.span.RecordError(err)
		it.span.SetStatus(otelcodes.Error, "releasing scan handles")
	}
	it.publish(ctx)
	return err
}

func (it *RangeIterator) fail(ctx context.Context, err error) error {
	if releaseErr := it.release(); releaseErr != nil {
		err = errors.Join(err, releaseErr)
	}
	it.done = true
	it.err = err
	if errors.Is(err, ErrCorruption) {
		it.opts.Metrics.CorruptionFaultsCounter.Add(ctx, 1)
		it.opts.Logger.Error("range scan aborted on corrupt page", zap.Stringer("range", it.rng), zap.Error(err))
	}
	it.span.RecordError(err)
	it.span.SetStatus(otelcodes.Error, err.Error())
	it.publish(ctx)
	return err
}

func (it *RangeIterator) publish(ctx context.Context) {
	s := it.Stats()
	m := it.opts.Metrics
	m.PairsReturnedCounter.Add(ctx, s.Pairs)
	m.BytesCopiedCounter.Add(ctx, s.BytesCopied)
	it.span.SetAttributes(
		attribute.Int64("btree.pairs", s.Pairs),
		attribute.Int64("btree.leaves", s.Leaves),
		attribute.Int64("btree.internal_pages", s.InternalPages),
	)
	it.span.End()
}
