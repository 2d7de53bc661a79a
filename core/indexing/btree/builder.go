package btree

import (
	"bytes"
	"fmt"
	"math"

	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// PageAllocator is the part of a buffer pool the builder writes through.
type PageAllocator interface {
	NewPage() (*pagemanager.Page, pagemanager.PageID, error)
	UnpinPage(pageID pagemanager.PageID, isDirty bool) error
	FlushAllPages() error
	GetPageSize() int
}

// HeaderWriter records the finished tree in the file header.
type HeaderWriter interface {
	UpdateHeaderField(updateFunc func(header *flushmanager.DBFileHeader)) error
}

type BuilderOptions struct {
	// MaxEntriesPerPage caps slots per page. Zero means pages fill up to their size.
	MaxEntriesPerPage int `yaml:"max_entries_per_page"`
}

// BuildResult describes a tree written by a Builder.
type BuildResult struct {
	RootPageID pagemanager.PageID
	Height     int
	Pairs      uint64
	Pages      int
}

type levelState struct {
	page     *pageBuilder
	firstKey []byte // smallest key under the pending page
	entries  int
	flushed  int
}

// Builder writes a fresh tree bottom up from pairs supplied in strictly increasing key
// order. It is a loader for empty files, not a mutation path: nothing it writes is ever
// rewritten.
type Builder struct {
	pool   PageAllocator
	header HeaderWriter
	codec  ValueCodec
	opts   BuilderOptions
	logger *zap.Logger

	levels   []*levelState // levels[0] holds leaves
	lastKey  []byte
	pairs    uint64
	pages    int
	finished bool
}

func NewBuilder(pool PageAllocator, header HeaderWriter, codec ValueCodec, opts BuilderOptions, logger *zap.Logger) *Builder {
	if codec == nil {
		codec = VarintValueSizer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Builder{
		pool:   pool,
		header: header,
		codec:  codec,
		opts:   opts,
		logger: logger.Named("btree_builder"),
	}
	b.levels = []*levelState{b.newLevel(0)}
	return b
}

func (b *Builder) newLevel(level int) *levelState {
	return &levelState{page: newPageBuilder(b.pool.GetPageSize(), level)}
}

// Add appends one pair. Keys must be strictly increasing.
func (b *Builder) Add(key, value []byte) error {
	if b.finished {
		return ErrBuilderFinished
	}
	if size := b.pool.GetPageSize(); size > flushmanager.MaxPageSize {
		return fmt.Errorf("page size %d above maximum %d", size, flushmanager.MaxPageSize)
	}
	if len(key) > math.MaxUint16 {
		return fmt.Errorf("key of %d bytes exceeds %d", len(key), math.MaxUint16)
	}
	if b.pairs > 0 && bytes.Compare(key, b.lastKey) <= 0 {
		return fmt.Errorf("%w: %q after %q", ErrKeysOutOfOrder, key, b.lastKey)
	}
	encoded, err := b.codec.Encode(value)
	if err != nil {
		return err
	}
	cell := leafCell(key, encoded)
	if len(cell) > b.maxCell() {
		return fmt.Errorf("%w: key %q with %d value bytes", ErrValueTooLargeForPage, key, len(value))
	}

	leaves := b.levels[0]
	if leaves.entries > 0 && b.full(leaves, len(cell)) {
		if err := b.flushLevel(0); err != nil {
			return err
		}
	}
	if leaves.entries == 0 {
		leaves.firstKey = bytes.Clone(key)
	}
	leaves.page.add(cell)
	leaves.entries++

	b.lastKey = append(b.lastKey[:0], key...)
	b.pairs++
	return nil
}

// maxCell is the largest cell an empty page can take.
func (b *Builder) maxCell() int {
	return b.pool.GetPageSize() - pageHeaderSize - checksumSize - slotSize
}

func (b *Builder) full(st *levelState, cellLen int) bool {
	if b.opts.MaxEntriesPerPage > 0 && st.entries >= b.opts.MaxEntriesPerPage {
		return true
	}
	return !st.page.fits(cellLen)
}

// flushLevel writes the pending page of level and links it into the level above.
func (b *Builder) flushLevel(level int) error {
	st := b.levels[level]
	id, err := b.writePage(st.page.finish())
	if err != nil {
		return err
	}
	firstKey := st.firstKey
	st.page.reset()
	st.entries = 0
	st.flushed++
	st.firstKey = nil
	return b.addChild(level+1, firstKey, id)
}

// addChild appends a child pointer to the pending page of an internal level. The first
// child of every internal page carries an empty key.
func (b *Builder) addChild(level int, firstKey []byte, child pagemanager.PageID) error {
	if level > maxLevel {
		return fmt.Errorf("tree would exceed %d levels", maxLevel)
	}
	if level == len(b.levels) {
		b.levels = append(b.levels, b.newLevel(level))
	}
	if len(internalCell(firstKey, child)) > b.maxCell() {
		return fmt.Errorf("%w: separator of %d bytes", ErrValueTooLargeForPage, len(firstKey))
	}
	st := b.levels[level]
	if st.entries > 0 && b.full(st, len(internalCell(firstKey, child))) {
		if err := b.flushLevel(level); err != nil {
			return err
		}
	}
	var cell []byte
	if st.entries == 0 {
		st.firstKey = firstKey
		cell = internalCell(nil, child)
	} else {
		cell = internalCell(firstKey, child)
	}
	st.page.add(cell)
	st.entries++
	return nil
}

func (b *Builder) writePage(image []byte) (pagemanager.PageID, error) {
	page, id, err := b.pool.NewPage()
	if err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("allocating tree page: %w", err)
	}
	page.Lock()
	copy(page.GetData(), image)
	page.Unlock()
	if err := b.pool.UnpinPage(id, true); err != nil {
		return pagemanager.InvalidPageID, err
	}
	b.pages++
	return id, nil
}

// Finish writes the pending pages of every level, flushes them and records the root in
// the file header. The builder cannot be used afterwards.
func (b *Builder) Finish() (BuildResult, error) {
	if b.finished {
		return BuildResult{}, ErrBuilderFinished
	}
	b.finished = true

	res := BuildResult{Pairs: b.pairs}
	if b.pairs > 0 {
		for level := 0; level < len(b.levels); level++ {
			st := b.levels[level]
			if level == len(b.levels)-1 && st.flushed == 0 {
				id, err := b.writePage(st.page.finish())
				if err != nil {
					return BuildResult{}, err
				}
				res.RootPageID = id
				res.Height = level + 1
				break
			}
			if err := b.flushLevel(level); err != nil {
				return BuildResult{}, err
			}
		}
	}
	res.Pages = b.pages

	if err := b.pool.FlushAllPages(); err != nil {
		return BuildResult{}, fmt.Errorf("flushing tree pages: %w", err)
	}
	err := b.header.UpdateHeaderField(func(h *flushmanager.DBFileHeader) {
		h.RootPageID = res.RootPageID
		h.TreeHeight = uint32(res.Height)
		h.NumPairs = res.Pairs
	})
	if err != nil {
		return BuildResult{}, fmt.Errorf("recording root in header: %w", err)
	}
	b.logger.Info("tree built",
		zap.Uint64("root_page_id", uint64(res.RootPageID)),
		zap.Int("height", res.Height),
		zap.Uint64("pairs", res.Pairs),
		zap.Int("pages", res.Pages))
	return res, nil
}
