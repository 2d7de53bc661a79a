package btree

import (
	"context"
	"errors"

	"github.com/sushant-115/rangescan/core/transaction"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"github.com/zeebo/errs/v2"
	"go.uber.org/zap"
)

// frame is one partially visited internal node on the traversal stack. next is the index
// of the first child not yet handed out.
type frame struct {
	node *lockedNode
	next int
}

// LeavesIterator hands out the leaves of a subtree, locked, in ascending key order.
//
// The traversal state is an explicit stack of frames, one per internal node whose
// children are not all visited. A frame's handle is held from push to pop and released
// at pop time, before anything else is acquired, so the iterator never holds more than
// one handle per level.
type LeavesIterator struct {
	src   BlockSource
	home  transaction.SliceID
	start []byte
	opts  Options

	root  *transaction.BlockHandle // owned until the first Next
	stack []frame

	started   bool
	nevermore bool
	err       error

	leaves        int64
	internalPages int64
}

// NewLeavesIterator takes ownership of root, the locked top block of the subtree. start
// positions the first leaf; nil starts at the leftmost one. home routes every acquisition.
func NewLeavesIterator(src BlockSource, root *transaction.BlockHandle, home transaction.SliceID, start []byte, opts Options) *LeavesIterator {
	return &LeavesIterator{
		src:   src,
		home:  home,
		start: start,
		opts:  opts.withDefaults(),
		root:  root,
	}
}

// Next returns the next leaf. ok is false once the subtree is exhausted, and from then on
// no handles are held. After an error every call returns the same error.
func (it *LeavesIterator) Next(ctx context.Context) (leaf *LeafIterator, ok bool, err error) {
	if it.nevermore {
		return nil, false, it.err
	}

	var node *lockedNode
	startSlot := 0
	if !it.started {
		it.started = true
		node, err = it.firstLeaf(ctx)
		if err == nil && node != nil && it.start != nil {
			startSlot, err = node.leaf().lowerBound(it.start)
			if err != nil {
				err = errors.Join(err, node.release())
			}
		}
	} else {
		node, err = it.nextLeaf(ctx)
	}
	if err != nil {
		return nil, false, it.fail(err)
	}
	if node == nil {
		it.nevermore = true
		it.opts.Logger.Debug("subtree exhausted", zap.Int64("leaves", it.leaves), zap.Int64("internal_pages", it.internalPages))
		return nil, false, nil
	}
	return newLeafIterator(node, startSlot, it.src, it.home, it.siblingHint(), it.opts), true, nil
}

func (it *LeavesIterator) firstLeaf(ctx context.Context) (*lockedNode, error) {
	if it.root == nil {
		return nil, nil
	}
	h := it.root
	it.root = nil
	root, err := adoptNode(ctx, h, anyLevel, it.opts.Metrics)
	if err != nil {
		return nil, err
	}
	it.count(root)
	return it.descend(ctx, root, it.start)
}

// nextLeaf pops exhausted frames and descends leftmost from the first unvisited child.
func (it *LeavesIterator) nextLeaf(ctx context.Context) (*lockedNode, error) {
	for len(it.stack) > 0 {
		top := &it.stack[len(it.stack)-1]
		if top.next >= top.node.internal().count() {
			if err := it.pop(); err != nil {
				return nil, err
			}
			continue
		}
		childID, err := top.node.internal().child(top.next)
		if err != nil {
			return nil, err
		}
		top.next++
		child, err := it.lock(ctx, childID, top.node.level()-1)
		if err != nil {
			return nil, err
		}
		return it.descend(ctx, child, nil)
	}
	return nil, nil
}

// descend walks from n down to a leaf, pushing a frame for every internal node on the
// way. With a key it follows the child covering the key, otherwise the leftmost child.
// Ownership of n passes to the stack even on error.
func (it *LeavesIterator) descend(ctx context.Context, n *lockedNode, key []byte) (*lockedNode, error) {
	for !n.isLeaf() {
		iv := n.internal()
		idx := 0
		if key != nil {
			var err error
			if idx, err = iv.searchChild(key); err != nil {
				return nil, errors.Join(err, n.release())
			}
		}
		childID, err := iv.child(idx)
		if err != nil {
			return nil, errors.Join(err, n.release())
		}
		it.stack = append(it.stack, frame{node: n, next: idx + 1})
		if n, err = it.lock(ctx, childID, n.level()-1); err != nil {
			return nil, err
		}
	}
	return n, nil
}

func (it *LeavesIterator) lock(ctx context.Context, pageID pagemanager.PageID, level int) (*lockedNode, error) {
	n, err := lockNode(ctx, it.src, it.home, pageID, level, it.opts.Metrics)
	if err != nil {
		return nil, err
	}
	it.count(n)
	return n, nil
}

func (it *LeavesIterator) count(n *lockedNode) {
	if n.isLeaf() {
		it.leaves++
	} else {
		it.internalPages++
	}
}

func (it *LeavesIterator) pop() error {
	top := it.stack[len(it.stack)-1]
	it.stack[len(it.stack)-1] = frame{}
	it.stack = it.stack[:len(it.stack)-1]
	return top.node.release()
}

// siblingHint guesses the page the next leaf will come from.
func (it *LeavesIterator) siblingHint() pagemanager.PageID {
	if len(it.stack) == 0 {
		return pagemanager.InvalidPageID
	}
	top := it.stack[len(it.stack)-1]
	if top.next >= top.node.internal().count() {
		return pagemanager.InvalidPageID
	}
	id, err := top.node.internal().child(top.next)
	if err != nil {
		return pagemanager.InvalidPageID
	}
	return id
}

// Prefetch hints the block source about the leaf-side page the next call to Next will
// descend into. It never blocks.
func (it *LeavesIterator) Prefetch() {
	if it.nevermore {
		return
	}
	if id := it.siblingHint(); id != pagemanager.InvalidPageID {
		it.src.Prefetch(it.home, id)
	}
}

// Depth returns the number of frames on the stack.
func (it *LeavesIterator) Depth() int { return len(it.stack) }

// Close releases every handle the iterator still owns. Later calls to Next return false.
func (it *LeavesIterator) Close() error {
	if it.nevermore && len(it.stack) == 0 && it.root == nil {
		return nil
	}
	it.nevermore = true
	return it.releaseAll()
}

func (it *LeavesIterator) releaseAll() error {
	var group errs.Group
	if it.root != nil {
		group.Add(it.root.Release())
		it.root = nil
	}
	for len(it.stack) > 0 {
		group.Add(it.pop())
	}
	return group.Err()
}

func (it *LeavesIterator) fail(err error) error {
	if releaseErr := it.releaseAll(); releaseErr != nil {
		err = errors.Join(err, releaseErr)
	}
	it.nevermore = true
	it.err = err
	return err
}
