package transaction

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	"github.com/sushant-115/rangescan/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"go.uber.org/zap"
)

func setupPool(t *testing.T, pages int) *memtable.BufferPoolManager {
	t.Helper()
	logger := zap.NewNop()
	dm, err := flushmanager.NewDiskManager(filepath.Join(t.TempDir(), "txn.db"), flushmanager.MinPageSize, logger)
	require.NoError(t, err)
	_, err = dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	pool, err := memtable.NewBufferPoolManager(8, dm, logger)
	require.NoError(t, err)
	for i := 0; i < pages; i++ {
		page, id, err := pool.NewPage()
		require.NoError(t, err)
		page.GetData()[0] = byte(id)
		require.NoError(t, pool.UnpinPage(id, true))
	}
	require.NoError(t, pool.FlushAllPages())
	return pool
}

func pools(pool PagePool) map[SliceID]PagePool {
	return map[SliceID]PagePool{0: pool}
}

func TestAcquireRelease(t *testing.T) {
	pool := setupPool(t, 3)
	txn := New(ReadOnly, pools(pool), nil)
	ctx := context.Background()

	h1, err := txn.Acquire(ctx, 0, 1)
	require.NoError(t, err)
	h2, err := txn.Acquire(ctx, 0, 2)
	require.NoError(t, err)
	require.Equal(t, byte(2), h2.Data()[0])
	require.Equal(t, pagemanager.PageID(1), h1.PageID())
	require.Equal(t, SliceID(0), h1.Home())

	// Shared latches do not conflict.
	h1b, err := txn.Acquire(ctx, 0, 1)
	require.NoError(t, err)

	require.Equal(t, 3, txn.Outstanding())
	require.Equal(t, 3, pool.PinnedCount())

	require.NoError(t, h1.Release())
	require.NoError(t, h1b.Release())
	require.NoError(t, h2.Release())
	require.True(t, h1.Released())
	require.ErrorIs(t, h1.Release(), ErrHandleReleased)

	require.Zero(t, txn.Outstanding())
	require.Equal(t, 3, txn.PeakOutstanding())
	require.EqualValues(t, 3, txn.Acquired())
	require.Zero(t, pool.PinnedCount())
	require.NoError(t, txn.Close())
}

func TestCloseReleasesLeakedHandles(t *testing.T) {
	pool := setupPool(t, 2)
	txn := New(ReadOnly, pools(pool), zap.NewNop())
	h, err := txn.Acquire(context.Background(), 0, 1)
	require.NoError(t, err)

	require.ErrorIs(t, txn.Close(), ErrLocksOutstanding)
	require.True(t, h.Released())
	require.Zero(t, pool.PinnedCount())
	require.NoError(t, txn.Close())

	_, err = txn.Acquire(context.Background(), 0, 1)
	require.ErrorIs(t, err, ErrTxnClosed)
}

func TestAcquireUnknownSlice(t *testing.T) {
	pool := setupPool(t, 1)
	txn := New(ReadOnly, pools(pool), nil)
	_, err := txn.Acquire(context.Background(), 3, 1)
	require.ErrorIs(t, err, ErrUnknownSlice)
}

func TestAcquireFetchFailure(t *testing.T) {
	pool := setupPool(t, 1)
	txn := New(ReadOnly, pools(pool), nil)
	_, err := txn.Acquire(context.Background(), 0, 50)
	require.ErrorIs(t, err, flushmanager.ErrPageOutOfRange)
	require.Zero(t, txn.Outstanding())
	require.Zero(t, pool.PinnedCount())
}

func TestWriterBlocksReaderUntilDeadline(t *testing.T) {
	pool := setupPool(t, 1)
	writer := New(ReadWrite, pools(pool), nil)
	reader := New(ReadOnly, pools(pool), nil)

	w, err := writer.Acquire(context.Background(), 0, 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = reader.Acquire(ctx, 0, 1)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	// The reader's pin was given back.
	require.Equal(t, 1, pool.PinnedCount())

	done := make(chan error, 1)
	go func() {
		h, err := reader.Acquire(context.Background(), 0, 1)
		if err == nil {
			err = h.Release()
		}
		done <- err
	}()
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, w.Release())
	require.NoError(t, <-done)

	require.NoError(t, writer.Close())
	require.NoError(t, reader.Close())
	require.Zero(t, pool.PinnedCount())
}

func TestCancelledContext(t *testing.T) {
	pool := setupPool(t, 1)
	txn := New(ReadOnly, pools(pool), nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := txn.Acquire(ctx, 0, 1)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, pool.PinnedCount())
}
