package btree

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/sushant-115/rangescan/core/transaction"
	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	"github.com/sushant-115/rangescan/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"go.uber.org/zap"
)

const (
	testPageSize = 512
	testSlice    = transaction.SliceID(0)
)

func key(i int) []byte   { return []byte(fmt.Sprintf("k%06d", i)) }
func value(i int) []byte { return []byte(fmt.Sprintf("value-%d", i)) }

type testTree struct {
	t      *testing.T
	dm     *flushmanager.DiskManager
	logger *zap.Logger
	res    BuildResult
	keys   [][]byte
}

// setupTree writes a tree holding key(i)/value(i) for every i in ids.
func setupTree(t *testing.T, ids []int, maxEntries int) *testTree {
	t.Helper()
	logger := zap.NewNop()
	path := filepath.Join(t.TempDir(), "tree.db")

	dm, err := flushmanager.NewDiskManager(path, testPageSize, logger)
	require.NoError(t, err)
	_, err = dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })

	pool, err := memtable.NewBufferPoolManager(8, dm, logger)
	require.NoError(t, err)

	b := NewBuilder(pool, dm, VarintValueSizer{}, BuilderOptions{MaxEntriesPerPage: maxEntries}, logger)
	tt := &testTree{t: t, dm: dm, logger: logger}
	for _, id := range ids {
		require.NoError(t, b.Add(key(id), value(id)))
		tt.keys = append(tt.keys, key(id))
	}
	tt.res, err = b.Finish()
	require.NoError(t, err)
	require.Zero(t, pool.PinnedCount())
	return tt
}

// scanEnv is a fresh buffer pool and read transaction over the tree file.
type scanEnv struct {
	pool *memtable.BufferPoolManager
	txn  *transaction.Transaction
	tree *Tree
}

func (tt *testTree) newScan(opts Options) *scanEnv {
	tt.t.Helper()
	pool, err := memtable.NewBufferPoolManager(32, tt.dm, tt.logger)
	require.NoError(tt.t, err)
	return &scanEnv{pool: pool, txn: newTestTxn(tt.t, pool), tree: NewTree(testSlice, opts)}
}

func newTestTxn(t *testing.T, pool transaction.PagePool) *transaction.Transaction {
	txn := transaction.New(transaction.ReadOnly, map[transaction.SliceID]transaction.PagePool{testSlice: pool}, zap.NewNop())
	t.Cleanup(func() { _ = txn.Close() })
	return txn
}

func (env *scanEnv) requireNothingHeld(t *testing.T) {
	t.Helper()
	require.Zero(t, env.txn.Outstanding(), "block handles still held")
	require.Zero(t, env.pool.PinnedCount(), "pages still pinned")
}

func (env *scanEnv) scan(t *testing.T, rng KeyRange) *RangeIterator {
	t.Helper()
	it, err := env.tree.RangeScan(context.Background(), env.txn, rng)
	require.NoError(t, err)
	return it
}

// collect drains it and returns the keys it produced.
func collect(t *testing.T, it *RangeIterator) []string {
	t.Helper()
	var keys []string
	for {
		kv, ok, err := it.Next(context.Background())
		require.NoError(t, err)
		if !ok {
			return keys
		}
		keys = append(keys, string(kv.Key))
	}
}

func keyStrings(ids ...int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, string(key(id)))
	}
	return out
}

// rewritePage applies fn to a page image on disk and, if reseal is set, fixes the checksum.
func (tt *testTree) rewritePage(id pagemanager.PageID, reseal bool, fn func(data []byte)) {
	tt.t.Helper()
	data := make([]byte, testPageSize)
	require.NoError(tt.t, tt.dm.ReadPage(id, data))
	fn(data)
	if reseal {
		sealPage(data)
	}
	require.NoError(tt.t, tt.dm.WritePage(id, data))
}

// leafPageIDs lists leaf pages in key order.
func (tt *testTree) leafPageIDs() []pagemanager.PageID {
	tt.t.Helper()
	env := tt.newScan(Options{})
	ctx := context.Background()
	root, err := env.txn.Acquire(ctx, testSlice, tt.res.RootPageID)
	require.NoError(tt.t, err)
	leaves := NewLeavesIterator(env.txn, root, testSlice, nil, Options{})
	var ids []pagemanager.PageID
	for {
		leaf, ok, err := leaves.Next(ctx)
		require.NoError(tt.t, err)
		if !ok {
			break
		}
		ids = append(ids, leaf.PageID())
		require.NoError(tt.t, leaf.Close())
	}
	env.requireNothingHeld(tt.t)
	return ids
}

// faultySource fails every acquisition after the first okAcquires.
type faultySource struct {
	BlockSource
	okAcquires int
	err        error
}

var errInjected = errors.New("injected acquire failure")

func (f *faultySource) Acquire(ctx context.Context, home transaction.SliceID, pageID pagemanager.PageID) (*transaction.BlockHandle, error) {
	if f.okAcquires == 0 {
		return nil, f.err
	}
	f.okAcquires--
	return f.BlockSource.Acquire(ctx, home, pageID)
}

func seq(from, to, step int) []int {
	var out []int
	for i := from; i <= to; i += step {
		out = append(out, i)
	}
	return out
}
