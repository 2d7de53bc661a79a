package btree

import (
	"bytes"
	"encoding/binary"
	"fmt"

	flushmanager "github.com/sushant-115/rangescan/core/write_engine/flush_manager"
	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"github.com/zeebo/xxh3"
)

// Tree page layout:
//
//	[0]      flags (bit 0 set on leaves)
//	[1]      level (0 for leaves)
//	[2:4]    slot count
//	[4:8]    reserved
//	[8:8+2n] slot offsets, in key order
//	...      cells, packed down from the checksum
//	[-8:]    xxh3 of everything before it
//
// Leaf cell:     keyLen u16 | key | value as encoded by the ValueSizer
// Internal cell: keyLen u16 | key | child u64
//
// Internal cell 0 has an empty key and names the leftmost child. Child i covers
// keys in [key_i, key_i+1).
const (
	pageHeaderSize = 8
	checksumSize   = 8
	slotSize       = 2
	keyLenSize     = 2
	childPtrSize   = 8

	flagLeaf = 1 << 0

	// maxLevel bounds tree height; anything deeper is treated as a broken page.
	maxLevel = 32
)

func pageChecksum(data []byte) uint64 {
	return xxh3.Hash(data[:len(data)-checksumSize])
}

// sealPage stamps the checksum trailer.
func sealPage(data []byte) {
	binary.LittleEndian.PutUint64(data[len(data)-checksumSize:], pageChecksum(data))
}

// pageView is a read-only interpretation of a locked page. It borrows the page buffer
// and must not be used after the owning handle is released.
type pageView struct {
	id     pagemanager.PageID
	data   []byte
	leaf   bool
	level  int
	nslots int
	limit  int // end of the cell area
}

func decodePageView(id pagemanager.PageID, data []byte) (pageView, error) {
	if len(data) < pageHeaderSize+checksumSize {
		return pageView{}, corruptf(id, "page of %d bytes is too small", len(data))
	}
	if len(data) > flushmanager.MaxPageSize {
		return pageView{}, corruptf(id, "page of %d bytes cannot be addressed by u16 slots", len(data))
	}
	stored := binary.LittleEndian.Uint64(data[len(data)-checksumSize:])
	if calculated := pageChecksum(data); stored != calculated {
		return pageView{}, fmt.Errorf("%w: %w: page %d stored=0x%x calculated=0x%x",
			ErrCorruption, flushmanager.ErrChecksumMismatch, id, stored, calculated)
	}
	v := pageView{
		id:     id,
		data:   data,
		leaf:   data[0]&flagLeaf != 0,
		level:  int(data[1]),
		nslots: int(binary.LittleEndian.Uint16(data[2:4])),
		limit:  len(data) - checksumSize,
	}
	if v.leaf != (v.level == 0) {
		return pageView{}, corruptf(id, "leaf flag %t disagrees with level %d", v.leaf, v.level)
	}
	if v.level > maxLevel {
		return pageView{}, corruptf(id, "level %d exceeds %d", v.level, maxLevel)
	}
	if v.dirEnd() > v.limit {
		return pageView{}, corruptf(id, "%d slots overrun the page", v.nslots)
	}
	if !v.leaf && v.nslots == 0 {
		return pageView{}, corruptf(id, "internal page without children")
	}
	return v, nil
}

func (v pageView) dirEnd() int { return pageHeaderSize + v.nslots*slotSize }

// cell returns the key of slot i and the bytes that follow it up to the end of the
// cell area.
func (v pageView) cell(i int) (key, rest []byte, err error) {
	at := pageHeaderSize + i*slotSize
	off := int(binary.LittleEndian.Uint16(v.data[at : at+slotSize]))
	if off < v.dirEnd() || off+keyLenSize > v.limit {
		return nil, nil, corruptf(v.id, "slot %d offset %d outside cell area [%d,%d)", i, off, v.dirEnd(), v.limit)
	}
	keyLen := int(binary.LittleEndian.Uint16(v.data[off : off+keyLenSize]))
	keyEnd := off + keyLenSize + keyLen
	if keyEnd > v.limit {
		return nil, nil, corruptf(v.id, "slot %d key of %d bytes overruns the page", i, keyLen)
	}
	return v.data[off+keyLenSize : keyEnd], v.data[keyEnd:v.limit], nil
}

func (v pageView) key(i int) ([]byte, error) {
	k, _, err := v.cell(i)
	return k, err
}

// leafView interprets a leaf page as an ordered list of key/value slots.
type leafView struct{ pageView }

func (v leafView) count() int { return v.nslots }

// lowerBound returns the first slot whose key is >= key.
func (v leafView) lowerBound(key []byte) (int, error) {
	lo, hi := 0, v.nslots
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		k, err := v.key(mid)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(k, key) < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, nil
}

// pair returns copies of slot i's key and value, sized by sizer.
func (v leafView) pair(i int, sizer ValueSizer) (KeyValuePair, error) {
	key, rest, err := v.cell(i)
	if err != nil {
		return KeyValuePair{}, err
	}
	size := sizer.Size(rest)
	if size < 0 || size > len(rest) {
		return KeyValuePair{}, corruptf(v.id, "slot %d value claims %d bytes, %d remain", i, size, len(rest))
	}
	return KeyValuePair{
		Key:   append([]byte(nil), key...),
		Value: append([]byte(nil), rest[:size]...),
	}, nil
}

// internalView interprets an internal page as separators and child pointers.
type internalView struct{ pageView }

func (v internalView) count() int { return v.nslots }

func (v internalView) child(i int) (pagemanager.PageID, error) {
	_, rest, err := v.cell(i)
	if err != nil {
		return 0, err
	}
	if len(rest) < childPtrSize {
		return 0, corruptf(v.id, "slot %d child pointer overruns the page", i)
	}
	id := pagemanager.PageID(binary.LittleEndian.Uint64(rest[:childPtrSize]))
	if id == pagemanager.HeaderPageID || id == v.id {
		return 0, corruptf(v.id, "slot %d points at page %d", i, id)
	}
	return id, nil
}

// searchChild returns the index of the child whose range contains key. A key equal to
// a separator belongs to the child that separator starts.
func (v internalView) searchChild(key []byte) (int, error) {
	lo, hi := 1, v.nslots
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		sep, err := v.key(mid)
		if err != nil {
			return 0, err
		}
		if bytes.Compare(sep, key) <= 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo - 1, nil
}

// pageBuilder lays out one tree page. Slots grow up from the header, cells grow down
// from the checksum.
type pageBuilder struct {
	buf     []byte
	level   int
	nslots  int
	cellTop int
}

func newPageBuilder(pageSize, level int) *pageBuilder {
	return &pageBuilder{
		buf:     make([]byte, pageSize),
		level:   level,
		cellTop: pageSize - checksumSize,
	}
}

func (b *pageBuilder) free() int {
	return b.cellTop - (pageHeaderSize + b.nslots*slotSize)
}

func (b *pageBuilder) fits(cellLen int) bool { return cellLen+slotSize <= b.free() }

func (b *pageBuilder) add(cell []byte) {
	b.cellTop -= len(cell)
	copy(b.buf[b.cellTop:], cell)
	at := pageHeaderSize + b.nslots*slotSize
	binary.LittleEndian.PutUint16(b.buf[at:], uint16(b.cellTop))
	b.nslots++
}

// finish writes the header and checksum and returns the page image.
func (b *pageBuilder) finish() []byte {
	if b.level == 0 {
		b.buf[0] = flagLeaf
	}
	b.buf[1] = byte(b.level)
	binary.LittleEndian.PutUint16(b.buf[2:4], uint16(b.nslots))
	sealPage(b.buf)
	return b.buf
}

func (b *pageBuilder) reset() {
	clear(b.buf)
	b.nslots = 0
	b.cellTop = len(b.buf) - checksumSize
}

func leafCell(key, encodedValue []byte) []byte {
	cell := make([]byte, keyLenSize, keyLenSize+len(key)+len(encodedValue))
	binary.LittleEndian.PutUint16(cell, uint16(len(key)))
	cell = append(cell, key...)
	return append(cell, encodedValue...)
}

func internalCell(key []byte, child pagemanager.PageID) []byte {
	cell := make([]byte, keyLenSize, keyLenSize+len(key)+childPtrSize)
	binary.LittleEndian.PutUint16(cell, uint16(len(key)))
	cell = append(cell, key...)
	return binary.LittleEndian.AppendUint64(cell, uint64(child))
}
