package flushmanager

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func setupDiskManager(t *testing.T) (*DiskManager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "disk.db")
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)
	dm, err := NewDiskManager(path, MinPageSize, logger)
	require.NoError(t, err)
	_, err = dm.OpenOrCreateFile(true)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dm.Close() })
	return dm, path
}

func TestDiskManager_CreateAndReopen(t *testing.T) {
	dm, path := setupDiskManager(t)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.EqualValues(t, 1, id)
	require.NoError(t, dm.WritePage(id, bytes.Repeat([]byte{0x5A}, MinPageSize)))
	require.NoError(t, dm.UpdateHeaderField(func(h *DBFileHeader) {
		h.RootPageID = id
		h.TreeHeight = 1
		h.NumPairs = 12
	}))
	require.NoError(t, dm.Close())

	again, err := NewDiskManager(path, MinPageSize, zap.NewNop())
	require.NoError(t, err)
	header, err := again.OpenOrCreateFile(false)
	require.NoError(t, err)
	defer again.Close()

	require.Equal(t, id, header.RootPageID)
	require.EqualValues(t, 1, header.TreeHeight)
	require.EqualValues(t, 12, header.NumPairs)
	require.EqualValues(t, 2, again.GetNumPages())

	buf := make([]byte, MinPageSize)
	require.NoError(t, again.ReadPage(id, buf))
	require.Equal(t, byte(0x5A), buf[MinPageSize-1])

	require.NoError(t, again.ReadPage(pagemanager.HeaderPageID, buf))
	decoded, err := DecodeHeader(buf)
	require.NoError(t, err)
	require.Equal(t, *header, *decoded)
}

func TestDiskManager_OpenErrors(t *testing.T) {
	_, path := setupDiskManager(t)

	dm, err := NewDiskManager(path, MinPageSize, nil)
	require.NoError(t, err)
	_, err = dm.OpenOrCreateFile(true)
	require.ErrorIs(t, err, ErrDBFileExists)

	_, err = dm.OpenOrCreateFile(false)
	require.NoError(t, err)
	require.NoError(t, dm.Close())

	wrongSize, err := NewDiskManager(path, 2*MinPageSize, nil)
	require.NoError(t, err)
	_, err = wrongSize.OpenOrCreateFile(false)
	require.ErrorIs(t, err, ErrInvalidHeader)

	missing, err := NewDiskManager(filepath.Join(t.TempDir(), "missing.db"), MinPageSize, nil)
	require.NoError(t, err)
	_, err = missing.OpenOrCreateFile(false)
	require.ErrorIs(t, err, ErrDBFileNotFound)

	_, err = NewDiskManager(path, MinPageSize/2, nil)
	require.Error(t, err)
	_, err = NewDiskManager(path, MaxPageSize+1, nil)
	require.ErrorContains(t, err, "above maximum")
	_, err = NewDiskManager(path, MaxPageSize, nil)
	require.NoError(t, err)
}

func TestDiskManager_ReadPageBounds(t *testing.T) {
	dm, _ := setupDiskManager(t)
	buf := make([]byte, MinPageSize)
	require.ErrorIs(t, dm.ReadPage(1, buf), ErrPageOutOfRange)
	require.Error(t, dm.ReadPage(0, buf[:10]))

	_, err := DecodeHeader(make([]byte, MinPageSize))
	require.ErrorIs(t, err, ErrInvalidHeader)
	require.Error(t, dm.DeallocatePage(1))
}

func TestBlockCache_ReadThroughAndInvalidate(t *testing.T) {
	dm, _ := setupDiskManager(t)
	require.NoError(t, dm.EnableBlockCache(BlockCacheConfig{}))
	bc := dm.BlockCache()
	require.NotNil(t, bc)

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(id, bytes.Repeat([]byte{1}, MinPageSize)))

	buf := make([]byte, MinPageSize)
	require.NoError(t, dm.ReadPage(id, buf))
	bc.Wait()
	cached, ok := bc.Get(id)
	require.True(t, ok)
	require.Equal(t, buf, cached)

	// The cache holds its own copy.
	buf[0] = 99
	cached, _ = bc.Get(id)
	require.Equal(t, byte(1), cached[0])

	require.NoError(t, dm.WritePage(id, bytes.Repeat([]byte{2}, MinPageSize)))
	_, ok = bc.Get(id)
	require.False(t, ok)
	require.NoError(t, dm.ReadPage(id, buf))
	require.Equal(t, byte(2), buf[0])
}

func TestBlockCache_Prefetch(t *testing.T) {
	dm, _ := setupDiskManager(t)
	require.False(t, dm.Prefetch(1))
	require.NoError(t, dm.EnableBlockCache(BlockCacheConfig{PrefetchPerSecond: 1000}))

	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(id, bytes.Repeat([]byte{7}, MinPageSize)))

	require.True(t, dm.Prefetch(id))
	bc := dm.BlockCache()
	require.Eventually(t, func() bool {
		bc.Wait()
		block, ok := bc.Get(id)
		return ok && block[0] == 7
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, dm.Close())
	require.False(t, dm.Prefetch(id))
}

func TestBlockCache_PrefetchWhileEnablingAndClosing(t *testing.T) {
	dm, _ := setupDiskManager(t)
	id, err := dm.AllocatePage()
	require.NoError(t, err)
	require.NoError(t, dm.WritePage(id, bytes.Repeat([]byte{3}, MinPageSize)))

	var g errgroup.Group
	stop := make(chan struct{})
	for range 4 {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
					dm.Prefetch(id)
				}
			}
		})
	}
	require.NoError(t, dm.EnableBlockCache(BlockCacheConfig{}))
	require.Eventually(t, func() bool { return dm.Prefetch(id) }, 2*time.Second, time.Millisecond)
	require.NoError(t, dm.Close())
	close(stop)
	require.NoError(t, g.Wait())
	require.False(t, dm.Prefetch(id))
}
