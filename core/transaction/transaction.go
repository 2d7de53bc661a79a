// Package transaction implements the read transaction through which B-tree scans acquire
// blocks. Acquiring a block pins its page in the owning slice's buffer pool and takes the
// page latch; releasing does the reverse. The transaction keeps every handle it hands out,
// so leaked handles are visible through Outstanding and reclaimed by Close.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"github.com/zeebo/errs/v2"
	"go.uber.org/zap"
)

const latchPollInterval = 50 * time.Microsecond

var (
	ErrTxnClosed        = errors.New("transaction is closed")
	ErrUnknownSlice     = errors.New("slice is not served by this transaction")
	ErrHandleReleased   = errors.New("block handle already released")
	ErrLocksOutstanding = errors.New("transaction closed with block handles still held")
)

// SliceID names the slice (partition) that owns a subtree. Acquisitions are routed to the
// slice's buffer pool.
type SliceID int

// AccessMode selects the page latch mode used for acquisitions.
type AccessMode int

const (
	ReadOnly AccessMode = iota
	ReadWrite
)

func (m AccessMode) String() string {
	if m == ReadWrite {
		return "read_write"
	}
	return "read_only"
}

// PagePool is the part of a buffer pool a transaction needs.
type PagePool interface {
	FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error)
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
	Prefetch(pageID pagemanager.PageID)
}

// Transaction represents an in-memory record of an active transaction and the blocks it holds.
type Transaction struct {
	id     uuid.UUID
	mode   AccessMode
	pools  map[SliceID]PagePool
	logger *zap.Logger

	mu       sync.Mutex
	held     map[*BlockHandle]struct{}
	peak     int
	acquired uint64
	closed   bool
}

// New starts a transaction over the given slices.
func New(mode AccessMode, pools map[SliceID]PagePool, logger *zap.Logger) *Transaction {
	if logger == nil {
		logger = zap.NewNop()
	}
	id := uuid.New()
	return &Transaction{
		id:     id,
		mode:   mode,
		pools:  pools,
		logger: logger.With(zap.String("txn_id", id.String()), zap.Stringer("mode", mode)),
		held:   make(map[*BlockHandle]struct{}),
	}
}

func (t *Transaction) ID() uuid.UUID    { return t.id }
func (t *Transaction) Mode() AccessMode { return t.mode }

// Acquire pins and latches pageID in home's buffer pool. It blocks while another
// transaction holds a conflicting latch, until ctx is done.
func (t *Transaction) Acquire(ctx context.Context, home SliceID, pageID pagemanager.PageID) (*BlockHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pool, err := t.pool(home)
	if err != nil {
		return nil, err
	}

	page, err := pool.FetchPage(pageID)
	if err != nil {
		return nil, fmt.Errorf("acquiring page %d on slice %d: %w", pageID, home, err)
	}
	if err := t.latch(ctx, page); err != nil {
		if unpinErr := pool.UnpinPage(pageID, false); unpinErr != nil {
			t.logger.Error("unpin after failed latch", zap.Uint64("page_id", uint64(pageID)), zap.Error(unpinErr))
		}
		return nil, fmt.Errorf("latching page %d on slice %d: %w", pageID, home, err)
	}

	h := &BlockHandle{txn: t, pool: pool, home: home, id: pageID, page: page}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		h.unlatchAndUnpin()
		return nil, ErrTxnClosed
	}
	t.held[h] = struct{}{}
	t.acquired++
	if len(t.held) > t.peak {
		t.peak = len(t.held)
	}
	t.mu.Unlock()

	return h, nil
}

// Prefetch forwards a non-blocking warm-up hint to home's buffer pool.
func (t *Transaction) Prefetch(home SliceID, pageID pagemanager.PageID) {
	if pool, err := t.pool(home); err == nil {
		pool.Prefetch(pageID)
	}
}

func (t *Transaction) pool(home SliceID) (PagePool, error) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return nil, ErrTxnClosed
	}
	pool, ok := t.pools[home]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSlice, home)
	}
	return pool, nil
}

func (t *Transaction) latch(ctx context.Context, page *pagemanager.Page) error {
	try := page.TryRLock
	if t.mode == ReadWrite {
		try = page.TryLock
	}
	if try() {
		return nil
	}
	ticker := time.NewTicker(latchPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if try() {
				return nil
			}
		}
	}
}

// Outstanding returns the number of handles acquired and not yet released.
func (t *Transaction) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.held)
}

// PeakOutstanding returns the largest number of handles held at once.
func (t *Transaction) PeakOutstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.peak
}

// Acquired returns the total number of successful acquisitions.
func (t *Transaction) Acquired() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.acquired
}

// Close ends the transaction. Handles still held are released and reported as
// ErrLocksOutstanding.
func (t *Transaction) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	leaked := make([]*BlockHandle, 0, len(t.held))
	for h := range t.held {
		leaked = append(leaked, h)
	}
	t.mu.Unlock()

	if len(leaked) == 0 {
		return nil
	}
	var group errs.Group
	for _, h := range leaked {
		t.logger.Warn("releasing leaked block handle", zap.Uint64("page_id", uint64(h.id)), zap.Int("slice", int(h.home)))
		group.Add(h.Release())
	}
	if err := group.Err(); err != nil {
		return fmt.Errorf("%w: %d handles: %v", ErrLocksOutstanding, len(leaked), err)
	}
	return fmt.Errorf("%w: %d handles", ErrLocksOutstanding, len(leaked))
}

func (t *Transaction) forget(h *BlockHandle) {
	t.mu.Lock()
	delete(t.held, h)
	t.mu.Unlock()
}

// BlockHandle is an acquired, pinned and latched page. It is released exactly once by
// whichever component owns it.
type BlockHandle struct {
	txn      *Transaction
	pool     PagePool
	home     SliceID
	id       pagemanager.PageID
	page     *pagemanager.Page
	mu       sync.Mutex
	released bool
}

func (h *BlockHandle) PageID() pagemanager.PageID { return h.id }
func (h *BlockHandle) Home() SliceID              { return h.home }

// Data returns the page bytes. They stay valid only until Release.
func (h *BlockHandle) Data() []byte { return h.page.GetData() }

// Released reports whether Release has been called.
func (h *BlockHandle) Released() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

// Release drops the latch and the pin. A second call returns ErrHandleReleased.
func (h *BlockHandle) Release() error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return fmt.Errorf("%w: page %d", ErrHandleReleased, h.id)
	}
	h.released = true
	h.mu.Unlock()

	h.txn.forget(h)
	return h.unlatchAndUnpin()
}

func (h *BlockHandle) unlatchAndUnpin() error {
	if h.txn.mode == ReadWrite {
		h.page.Unlock()
	} else {
		h.page.RUnlock()
	}
	return h.pool.UnpinPage(h.id, h.txn.mode == ReadWrite)
}
