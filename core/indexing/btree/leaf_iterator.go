package btree

import (
	"errors"

	"github.com/sushant-115/rangescan/core/transaction"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// LeafIterator yields the pairs of one locked leaf in stored order. It owns the leaf's
// handle and releases it exactly once: when the leaf is exhausted, when a slot fails to
// decode, or on Close.
type LeafIterator struct {
	node   *lockedNode
	pos    int
	sizer  ValueSizer
	logger *zap.Logger

	src     BlockSource
	home    transaction.SliceID
	sibling pagemanager.PageID // right neighbour, if the locator knows it

	bytesCopied int64
	err         error
}

func newLeafIterator(node *lockedNode, start int, src BlockSource, home transaction.SliceID, sibling pagemanager.PageID, opts Options) *LeafIterator {
	return &LeafIterator{
		node:    node,
		pos:     start,
		sizer:   opts.Sizer,
		logger:  opts.Logger,
		src:     src,
		home:    home,
		sibling: sibling,
	}
}

// PageID returns the leaf's page id.
func (it *LeafIterator) PageID() pagemanager.PageID { return it.node.handle.PageID() }

// Next returns the next pair. ok is false once the leaf is exhausted or after an error.
func (it *LeafIterator) Next() (kv KeyValuePair, ok bool, err error) {
	if it.err != nil {
		return KeyValuePair{}, false, it.err
	}
	if it.node.handle.Released() {
		return KeyValuePair{}, false, nil
	}
	leaf := it.node.leaf()
	if it.pos >= leaf.count() {
		return KeyValuePair{}, false, it.finish()
	}
	kv, err = leaf.pair(it.pos, it.sizer)
	if err != nil {
		it.logger.Error("leaf slot failed to decode",
			zap.Uint64("page_id", uint64(it.PageID())), zap.Int("slot", it.pos), zap.Error(err))
		it.err = errors.Join(err, it.node.release())
		return KeyValuePair{}, false, it.err
	}
	it.pos++
	it.bytesCopied += int64(len(kv.Key) + len(kv.Value))
	return kv, true, nil
}

// Prefetch asks the block source to warm the next leaf. It never blocks and is never
// needed for correctness.
func (it *LeafIterator) Prefetch() {
	if it.sibling != pagemanager.InvalidPageID && it.src != nil {
		it.src.Prefetch(it.home, it.sibling)
	}
}

// Close releases the leaf if it is still held. It is safe to call more than once.
func (it *LeafIterator) Close() error {
	if it.err != nil {
		return nil
	}
	return it.finish()
}

func (it *LeafIterator) finish() error {
	if it.node.handle.Released() {
		return nil
	}
	if err := it.node.release(); err != nil {
		it.err = err
		return err
	}
	return nil
}
