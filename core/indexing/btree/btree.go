// Package btree implements ordered range scans over a disk-paged B-tree.
//
// A scan is built from three layers. LeafIterator yields the pairs of one locked leaf.
// LeavesIterator walks the tree depth first with an explicit stack and hands out locked
// leaves in key order. RangeIterator composes the two and bounds the result to a KeyRange.
// Every block handle is owned by exactly one of these at a time and released exactly once,
// whether the scan runs to the end, is closed early or hits a fault.
package btree

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/rangescan/core/transaction"
	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/rangescan/internal/telemetry"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// --- Error Definitions ---

var (
	// ErrCorruption reports a page whose encoding is inconsistent with the layout or the
	// value sizer. It is fatal for the scan that observed it.
	ErrCorruption           = errors.New("btree page corruption")
	ErrKeysOutOfOrder       = errors.New("keys must be added in strictly increasing order")
	ErrValueTooLargeForPage = errors.New("value too large to fit in page with metadata")
	ErrBuilderFinished      = errors.New("builder already finished")
)

func corruptf(id pagemanager.PageID, format string, args ...any) error {
	return fmt.Errorf("%w: page %d: %s", ErrCorruption, id, fmt.Sprintf(format, args...))
}

// --- Collaborators ---

// BlockSource acquires locked blocks on behalf of a scan. *transaction.Transaction
// implements it.
type BlockSource interface {
	Acquire(ctx context.Context, home transaction.SliceID, pageID pagemanager.PageID) (*transaction.BlockHandle, error)
	Prefetch(home transaction.SliceID, pageID pagemanager.PageID)
}

// KeyValuePair is one scan result. Key and Value never alias page memory.
type KeyValuePair struct {
	Key   []byte
	Value []byte
}

// Options carries the ambient dependencies shared by the iterators. The zero value is
// usable: it logs nowhere, records nothing and sizes values as uvarint-prefixed.
type Options struct {
	Logger  *zap.Logger
	Metrics *internaltelemetry.ScanMetrics
	Tracer  trace.Tracer
	Sizer   ValueSizer
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Metrics == nil {
		o.Metrics = internaltelemetry.NoopScanMetrics()
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if o.Sizer == nil {
		o.Sizer = VarintValueSizer{}
	}
	return o
}

// --- Tree ---

// Tree is a read-only handle on one tree file served by a slice.
type Tree struct {
	home transaction.SliceID
	opts Options
}

func NewTree(home transaction.SliceID, opts Options) *Tree {
	return &Tree{home: home, opts: opts.withDefaults()}
}

func (t *Tree) Home() transaction.SliceID { return t.home }

// RangeScan opens a scan of rng. The superblock is held only long enough to read the
// root id and lock the root. An empty tree yields an iterator that is already done.
func (t *Tree) RangeScan(ctx context.Context, src BlockSource, rng KeyRange) (*RangeIterator, error) {
	super, err := src.Acquire(ctx, t.home, pagemanager.HeaderPageID)
	if err != nil {
		return nil, fmt.Errorf("acquiring superblock: %w", err)
	}
	header, err := flushmanager.DecodeHeader(super.Data())
	if err != nil {
		releaseErr := super.Release()
		t.opts.Metrics.CorruptionFaultsCounter.Add(ctx, 1)
		return nil, errors.Join(fmt.Errorf("%w: superblock: %w", ErrCorruption, err), releaseErr)
	}

	var root *transaction.BlockHandle
	if header.RootPageID != pagemanager.InvalidPageID {
		root, err = src.Acquire(ctx, t.home, header.RootPageID)
		if err != nil {
			releaseErr := super.Release()
			err = danglingPointer(header.RootPageID, err)
			if errors.Is(err, ErrCorruption) {
				t.opts.Metrics.CorruptionFaultsCounter.Add(ctx, 1)
			}
			return nil, errors.Join(fmt.Errorf("acquiring root page %d: %w", header.RootPageID, err), releaseErr)
		}
	}
	if err := super.Release(); err != nil {
		if root != nil {
			err = errors.Join(err, root.Release())
		}
		return nil, err
	}

	t.opts.Logger.Debug("range scan opened",
		zap.Uint64("root_page_id", uint64(header.RootPageID)),
		zap.Uint32("height", header.TreeHeight),
		zap.Stringer("range", rng))
	return NewRangeIterator(ctx, src, root, t.home, rng, t.opts), nil
}
