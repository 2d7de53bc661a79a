package memtable

import (
	"container/list" // For LRU
	"errors"
	"fmt"
	"sync"

	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// BufferPoolManager manages in-memory pages (frames) and interacts with the DiskManager.
// It implements a simple LRU (Least Recently Used) eviction policy; pinned frames are
// never evicted.
type BufferPoolManager struct {
	diskManager *flushmanager.DiskManager
	logger      *zap.Logger
	poolSize    int
	pages       []*pagemanager.Page        // Page frames
	pageTable   map[pagemanager.PageID]int // PageID to frame index
	freeFrames  []int                      // Frames that never held a page or were emptied
	lruList     *list.List                 // Doubly linked list for LRU tracking (stores frame indices)
	pinned      int                        // Sum of pin counts across frames
	mu          sync.Mutex
	pageSize    int
}

// NewBufferPoolManager creates and initializes a new BufferPoolManager.
func NewBufferPoolManager(poolSize int, diskManager *flushmanager.DiskManager, logger *zap.Logger) (*BufferPoolManager, error) {
	if diskManager == nil {
		return nil, errors.New("buffer pool needs a disk manager")
	}
	if poolSize <= 0 {
		return nil, fmt.Errorf("buffer pool size must be positive, got %d", poolSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	bpm := &BufferPoolManager{
		diskManager: diskManager,
		logger:      logger.Named("buffer_pool"),
		poolSize:    poolSize,
		pages:       make([]*pagemanager.Page, poolSize),
		pageTable:   make(map[pagemanager.PageID]int),
		freeFrames:  make([]int, 0, poolSize),
		lruList:     list.New(),
		pageSize:    diskManager.GetPageSize(),
	}
	for i := poolSize - 1; i >= 0; i-- {
		bpm.pages[i] = pagemanager.NewPage(pagemanager.InvalidPageID, bpm.pageSize)
		bpm.freeFrames = append(bpm.freeFrames, i)
	}
	bpm.logger.Info("buffer pool initialized", zap.Int("pool_size", poolSize), zap.Int("page_size", bpm.pageSize))
	return bpm, nil
}

// FetchPage retrieves a page from the buffer pool. If not present, it fetches from disk.
// It pins the page and moves it to the front of the LRU list.
func (bpm *BufferPoolManager) FetchPage(pageID pagemanager.PageID) (*pagemanager.Page, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	// 1. Check if page is already in the buffer pool
	if frameIdx, ok := bpm.pageTable[pageID]; ok {
		page := bpm.pages[frameIdx]
		page.Pin()
		bpm.pinned++
		bpm.lruList.MoveToFront(page.GetLruElement())
		bpm.logger.Debug("page hit", zap.Uint64("page_id", uint64(pageID)), zap.Int("frame", frameIdx), zap.Uint32("pin_count", page.GetPinCount()))
		return page, nil
	}

	// 2. Page not in pool, find a victim frame to replace
	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		bpm.logger.Warn("no victim frame", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
		return nil, err
	}
	victimPage := bpm.pages[frameIdx]

	// 3. If victim page is dirty, flush it to disk
	if err := bpm.evictInternal(frameIdx); err != nil {
		return nil, err
	}

	// 4. Load new page data from disk
	if err := bpm.diskManager.ReadPage(pageID, victimPage.GetData()); err != nil {
		// The frame is clean and untracked; give it back.
		victimPage.Reset()
		bpm.freeFrames = append(bpm.freeFrames, frameIdx)
		return nil, fmt.Errorf("failed to read page %d from disk: %w", pageID, err)
	}

	// 5. Update new page metadata and track in buffer pool
	bpm.installInternal(frameIdx, pageID, false)
	bpm.logger.Debug("page loaded", zap.Uint64("page_id", uint64(pageID)), zap.Int("frame", frameIdx))
	return victimPage, nil
}

// getVictimFrameInternal finds a free frame or an unpinned page to evict.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) getVictimFrameInternal() (int, error) {
	if n := len(bpm.freeFrames); n > 0 {
		frameIdx := bpm.freeFrames[n-1]
		bpm.freeFrames = bpm.freeFrames[:n-1]
		return frameIdx, nil
	}
	// Look for an unpinned page in the LRU list, starting from the least recently used.
	for e := bpm.lruList.Back(); e != nil; e = e.Prev() {
		frameIdx := e.Value.(int)
		if bpm.pages[frameIdx].GetPinCount() == 0 {
			return frameIdx, nil
		}
	}
	return -1, flushmanager.ErrBufferPoolFull
}

// evictInternal writes back and forgets whatever page frameIdx currently holds.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) evictInternal(frameIdx int) error {
	victimPage := bpm.pages[frameIdx]
	elem := victimPage.GetLruElement()
	if elem == nil {
		victimPage.Reset()
		return nil
	}
	if victimPage.IsDirty() {
		if err := bpm.diskManager.WritePage(victimPage.GetPageID(), victimPage.GetData()); err != nil {
			// The victim stays resident; the caller gets the frame back through the LRU.
			return fmt.Errorf("failed to flush dirty victim page %d: %w", victimPage.GetPageID(), err)
		}
	}
	bpm.logger.Debug("evicting page", zap.Uint64("page_id", uint64(victimPage.GetPageID())), zap.Int("frame", frameIdx))
	delete(bpm.pageTable, victimPage.GetPageID())
	bpm.lruList.Remove(elem)
	victimPage.Reset()
	return nil
}

// installInternal maps pageID to frameIdx with a single pin.
// This method MUST be called with bpm.mu locked.
func (bpm *BufferPoolManager) installInternal(frameIdx int, pageID pagemanager.PageID, dirty bool) {
	page := bpm.pages[frameIdx]
	page.SetPageID(pageID)
	page.SetPinCount(1)
	page.SetDirty(dirty)
	bpm.pinned++
	bpm.pageTable[pageID] = frameIdx
	page.SetLruElement(bpm.lruList.PushFront(frameIdx))
}

// UnpinPage decrements the pin count for a page. If isDirty is true, it marks the page as dirty.
func (bpm *BufferPoolManager) UnpinPage(pageID pagemanager.PageID, isDirty bool) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to unpin", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if page.GetPinCount() == 0 {
		bpm.logger.Warn("unpin of unpinned page", zap.Uint64("page_id", uint64(pageID)))
		return fmt.Errorf("cannot unpin page %d with pin count 0", pageID)
	}
	page.Unpin()
	bpm.pinned--
	if isDirty {
		page.SetDirty(true)
	}
	return nil
}

// NewPage allocates a new page on disk and places it in the buffer pool, pinned and dirty.
func (bpm *BufferPoolManager) NewPage() (*pagemanager.Page, pagemanager.PageID, error) {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()

	frameIdx, err := bpm.getVictimFrameInternal()
	if err != nil {
		return nil, pagemanager.InvalidPageID, err
	}
	if err := bpm.evictInternal(frameIdx); err != nil {
		return nil, pagemanager.InvalidPageID, err
	}
	newPageID, err := bpm.diskManager.AllocatePage()
	if err != nil {
		bpm.freeFrames = append(bpm.freeFrames, frameIdx)
		return nil, pagemanager.InvalidPageID, fmt.Errorf("failed to allocate new page: %w", err)
	}
	bpm.installInternal(frameIdx, newPageID, true)
	bpm.logger.Debug("new page", zap.Uint64("page_id", uint64(newPageID)), zap.Int("frame", frameIdx))
	return bpm.pages[frameIdx], newPageID, nil
}

// FlushPage flushes a specific page to disk if it's dirty.
func (bpm *BufferPoolManager) FlushPage(pageID pagemanager.PageID) error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	frameIdx, ok := bpm.pageTable[pageID]
	if !ok {
		return fmt.Errorf("%w: page %d not found to flush", flushmanager.ErrPageNotFound, pageID)
	}
	page := bpm.pages[frameIdx]
	if !page.IsDirty() {
		return nil
	}
	if err := bpm.diskManager.WritePage(pageID, page.GetData()); err != nil {
		return err
	}
	page.SetDirty(false)
	return nil
}

// FlushAllPages flushes all dirty pages in the buffer pool to disk and syncs the file.
func (bpm *BufferPoolManager) FlushAllPages() error {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	var firstErr error
	for _, frameIdx := range bpm.pageTable {
		page := bpm.pages[frameIdx]
		if !page.IsDirty() {
			continue
		}
		if err := bpm.diskManager.WritePage(page.GetPageID(), page.GetData()); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			bpm.logger.Error("flush failed", zap.Uint64("page_id", uint64(page.GetPageID())), zap.Error(err))
			continue
		}
		page.SetDirty(false)
	}
	if err := bpm.diskManager.Sync(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Prefetch hints that pageID will be fetched soon. Resident pages are ignored; others are
// handed to the disk manager's background prefetcher. It never blocks on I/O.
func (bpm *BufferPoolManager) Prefetch(pageID pagemanager.PageID) {
	bpm.mu.Lock()
	_, resident := bpm.pageTable[pageID]
	bpm.mu.Unlock()
	if resident {
		return
	}
	bpm.diskManager.Prefetch(pageID)
}

// PinnedCount returns the total number of outstanding pins across all frames.
func (bpm *BufferPoolManager) PinnedCount() int {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	return bpm.pinned
}

// IsResident reports whether pageID currently occupies a frame.
func (bpm *BufferPoolManager) IsResident(pageID pagemanager.PageID) bool {
	bpm.mu.Lock()
	defer bpm.mu.Unlock()
	_, ok := bpm.pageTable[pageID]
	return ok
}

func (bpm *BufferPoolManager) GetPageSize() int {
	return bpm.pageSize
}

func (bpm *BufferPoolManager) GetPoolSize() int {
	return bpm.poolSize
}
