package btree

import (
	"context"
	"errors"
	"fmt"

	"github.com/sushant-115/rangescan/core/transaction"
	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	internaltelemetry "github.com/sushant-115/rangescan/internal/telemetry"
)

// anyLevel disables the level check in lockNode. Used for the root.
const anyLevel = -1

// lockedNode is a block handle together with the view decoded from it. The view borrows
// the handle's page buffer, so the two are created, moved and released as one value.
type lockedNode struct {
	handle  *transaction.BlockHandle
	view    pageView
	metrics *internaltelemetry.ScanMetrics
}

// adoptNode decodes a handle the caller already acquired. On failure the handle is released.
func adoptNode(ctx context.Context, h *transaction.BlockHandle, wantLevel int, metrics *internaltelemetry.ScanMetrics) (*lockedNode, error) {
	metrics.HeldLocksUpDownCounter.Add(ctx, 1)
	n := &lockedNode{handle: h, metrics: metrics}
	view, err := decodePageView(h.PageID(), h.Data())
	if err == nil && wantLevel != anyLevel && view.level != wantLevel {
		err = corruptf(h.PageID(), "level %d where %d was expected", view.level, wantLevel)
	}
	if err != nil {
		return nil, errors.Join(err, n.release())
	}
	n.view = view
	if n.isLeaf() {
		metrics.LeavesVisitedCounter.Add(ctx, 1)
	} else {
		metrics.InternalPagesLockedCounter.Add(ctx, 1)
	}
	return n, nil
}

// lockNode acquires pageID from home and decodes it.
func lockNode(ctx context.Context, src BlockSource, home transaction.SliceID, pageID pagemanager.PageID, wantLevel int, metrics *internaltelemetry.ScanMetrics) (*lockedNode, error) {
	h, err := src.Acquire(ctx, home, pageID)
	if err != nil {
		return nil, danglingPointer(pageID, err)
	}
	return adoptNode(ctx, h, wantLevel, metrics)
}

// danglingPointer reports a page id that lies past the end of the file as corruption of
// the page that named it. Other acquisition errors pass through.
func danglingPointer(pageID pagemanager.PageID, err error) error {
	if errors.Is(err, flushmanager.ErrPageOutOfRange) {
		return fmt.Errorf("%w: page %d is past the end of the file: %w", ErrCorruption, pageID, err)
	}
	return err
}

func (n *lockedNode) isLeaf() bool { return n.view.leaf }
func (n *lockedNode) level() int   { return n.view.level }

func (n *lockedNode) leaf() leafView         { return leafView{n.view} }
func (n *lockedNode) internal() internalView { return internalView{n.view} }

func (n *lockedNode) release() error {
	n.metrics.HeldLocksUpDownCounter.Add(context.Background(), -1)
	return n.handle.Release()
}
