package flushmanager

import (
	"context"
	"fmt"
	"sync"

	"github.com/dgraph-io/ristretto/v2"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// BlockCacheConfig sizes the raw block cache that sits below the buffer pool and the
// background prefetcher that fills it.
type BlockCacheConfig struct {
	// MaxBytes bounds the cached block bytes.
	MaxBytes int64 `yaml:"max_bytes"`
	// PrefetchQueue is the number of pending prefetch hints; extra hints are dropped.
	PrefetchQueue int `yaml:"prefetch_queue"`
	// PrefetchPerSecond limits background block reads. Zero means unlimited.
	PrefetchPerSecond float64 `yaml:"prefetch_per_second"`
	PrefetchBurst     int     `yaml:"prefetch_burst"`
}

func (c BlockCacheConfig) withDefaults(pageSize int) BlockCacheConfig {
	if c.MaxBytes <= 0 {
		c.MaxBytes = int64(pageSize) * 1024
	}
	if c.PrefetchQueue <= 0 {
		c.PrefetchQueue = 64
	}
	if c.PrefetchBurst <= 0 {
		c.PrefetchBurst = 8
	}
	return c
}

// BlockCache holds immutable copies of on-disk blocks keyed by page id.
type BlockCache struct {
	cache *ristretto.Cache[uint64, []byte]
}

func NewBlockCache(maxBytes int64, pageSize int) (*BlockCache, error) {
	numCounters := 10 * (maxBytes / int64(pageSize))
	if numCounters < 100 {
		numCounters = 100
	}
	cache, err := ristretto.NewCache(&ristretto.Config[uint64, []byte]{
		NumCounters: numCounters,
		MaxCost:     maxBytes,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("creating block cache: %w", err)
	}
	return &BlockCache{cache: cache}, nil
}

func (bc *BlockCache) Get(pageID pagemanager.PageID) ([]byte, bool) {
	return bc.cache.Get(uint64(pageID))
}

// Put stores a private copy of data.
func (bc *BlockCache) Put(pageID pagemanager.PageID, data []byte) {
	block := append([]byte(nil), data...)
	bc.cache.Set(uint64(pageID), block, int64(len(block)))
}

func (bc *BlockCache) Del(pageID pagemanager.PageID) { bc.cache.Del(uint64(pageID)) }

// Wait blocks until buffered writes are applied.
func (bc *BlockCache) Wait() { bc.cache.Wait() }

func (bc *BlockCache) Close() { bc.cache.Close() }

// EnableBlockCache attaches a block cache and starts the prefetch worker.
func (dm *DiskManager) EnableBlockCache(cfg BlockCacheConfig) error {
	cfg = cfg.withDefaults(dm.pageSize)
	cache, err := NewBlockCache(cfg.MaxBytes, dm.pageSize)
	if err != nil {
		return err
	}

	limit := rate.Inf
	if cfg.PrefetchPerSecond > 0 {
		limit = rate.Limit(cfg.PrefetchPerSecond)
	}

	p := newPrefetcher(dm, cfg.PrefetchQueue, rate.NewLimiter(limit, cfg.PrefetchBurst))
	dm.mu.Lock()
	dm.cache = cache
	dm.prefetcher = p
	dm.mu.Unlock()

	dm.logger.Info("block cache enabled",
		zap.Int64("max_bytes", cfg.MaxBytes),
		zap.Int("prefetch_queue", cfg.PrefetchQueue),
		zap.Float64("prefetch_per_second", cfg.PrefetchPerSecond))
	return nil
}

// BlockCache returns the attached cache, or nil.
func (dm *DiskManager) BlockCache() *BlockCache {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.cache
}

// Prefetch queues a background read of pageID into the block cache. It never blocks and
// reports whether the hint was accepted.
func (dm *DiskManager) Prefetch(pageID pagemanager.PageID) bool {
	dm.mu.Lock()
	p := dm.prefetcher
	dm.mu.Unlock()
	if p == nil {
		return false
	}
	return p.enqueue(pageID)
}

type prefetcher struct {
	dm      *DiskManager
	queue   chan pagemanager.PageID
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	once    sync.Once
}

func newPrefetcher(dm *DiskManager, queueLen int, limiter *rate.Limiter) *prefetcher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &prefetcher{
		dm:      dm,
		queue:   make(chan pagemanager.PageID, queueLen),
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
	}
	p.wg.Add(1)
	go p.run()
	return p
}

func (p *prefetcher) enqueue(pageID pagemanager.PageID) bool {
	if p.ctx.Err() != nil {
		return false
	}
	select {
	case p.queue <- pageID:
		return true
	default:
		return false
	}
}

func (p *prefetcher) run() {
	defer p.wg.Done()
	scratch := make([]byte, p.dm.pageSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		case pageID := <-p.queue:
			if err := p.limiter.Wait(p.ctx); err != nil {
				return
			}
			p.dm.mu.Lock()
			var err error
			if _, ok := p.dm.cache.Get(pageID); !ok {
				err = p.dm.readPageLocked(pageID, scratch)
			}
			p.dm.mu.Unlock()
			if err != nil {
				p.dm.logger.Debug("prefetch failed", zap.Uint64("page_id", uint64(pageID)), zap.Error(err))
			}
		}
	}
}

func (p *prefetcher) stop() {
	p.once.Do(func() {
		p.cancel()
		p.wg.Wait()
	})
}
