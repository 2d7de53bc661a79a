// Package pagemanager defines the in-memory page frame shared by the buffer pool and the
// code that reads tree pages through it.
package pagemanager

import (
	"container/list"
	"sync"
)

// PageID names a page by its position in the tree file.
type PageID uint64

const (
	// HeaderPageID is the file header (superblock). It holds the root id.
	HeaderPageID PageID = 0
	// InvalidPageID marks an empty frame or a missing child. It shares the header's id
	// because no tree node can live on page 0.
	InvalidPageID PageID = 0
)

// Page is one buffer pool frame. Pin count, dirty flag and LRU position are guarded by
// the pool's mutex; the page bytes are guarded by the latch.
type Page struct {
	id       PageID
	data     []byte
	pinCount uint32
	isDirty  bool

	lruElement *list.Element

	// Scans hold the latch shared for as long as they read data; loaders hold it
	// exclusive while they fill the frame.
	latch sync.RWMutex
}

func NewPage(id PageID, size int) *Page {
	return &Page{id: id, data: make([]byte, size)}
}

// Reset clears the frame for reuse.
func (p *Page) Reset() {
	p.id = InvalidPageID
	p.pinCount = 0
	p.isDirty = false
	p.lruElement = nil
	clear(p.data)
}

func (p *Page) GetPageID() PageID   { return p.id }
func (p *Page) SetPageID(id PageID) { p.id = id }
func (p *Page) GetData() []byte     { return p.data }
func (p *Page) IsDirty() bool       { return p.isDirty }
func (p *Page) SetDirty(dirty bool) { p.isDirty = dirty }

func (p *Page) Pin() { p.pinCount++ }
func (p *Page) Unpin() {
	if p.pinCount > 0 {
		p.pinCount--
	}
}
func (p *Page) GetPinCount() uint32         { return p.pinCount }
func (p *Page) SetPinCount(pinCount uint32) { p.pinCount = pinCount }

func (p *Page) GetLruElement() *list.Element     { return p.lruElement }
func (p *Page) SetLruElement(elem *list.Element) { p.lruElement = elem }

// --- Latch ---

func (p *Page) RLock()         { p.latch.RLock() }
func (p *Page) TryRLock() bool { return p.latch.TryRLock() }
func (p *Page) RUnlock()       { p.latch.RUnlock() }
func (p *Page) Lock()          { p.latch.Lock() }
func (p *Page) TryLock() bool  { return p.latch.TryLock() }
func (p *Page) Unlock()        { p.latch.Unlock() }
