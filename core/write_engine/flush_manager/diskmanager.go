package flushmanager

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	pagemanager "github.com/sushant-115/rangescan/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// --- DiskManager ---

const (
	DefaultPageSize   = 4096
	MinPageSize       = 256
	MaxFilenameLength = 255

	// MaxPageSize keeps every in-page offset addressable by a u16 slot.
	MaxPageSize = 1 << 16

	// dbFileHeaderSize is the number of bytes at the start of page 0 owned by the header.
	dbFileHeaderSize        = 64
	DBMagic          uint32 = 0x6010DB5C
	dbVersion        uint32 = 1
)

// DBFileHeader defines the structure of the database file header stored in page 0.
// All fields have fixed sizes so binary.Read/Write round-trip without alignment surprises.
type DBFileHeader struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	TreeHeight uint32             // 0 for an empty tree, 1 when the root is a leaf
	RootPageID pagemanager.PageID // uint64
	NumPairs   uint64
	_          [dbFileHeaderSize - (4*4 + 2*8)]byte
}

// DecodeHeader interprets the leading bytes of page 0.
func DecodeHeader(data []byte) (*DBFileHeader, error) {
	if len(data) < dbFileHeaderSize {
		return nil, fmt.Errorf("%w: header needs %d bytes, got %d", ErrInvalidHeader, dbFileHeaderSize, len(data))
	}
	var header DBFileHeader
	if err := binary.Read(bytes.NewReader(data[:dbFileHeaderSize]), binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	if header.Magic != DBMagic {
		return nil, fmt.Errorf("%w: magic 0x%x", ErrInvalidHeader, header.Magic)
	}
	return &header, nil
}

type DiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64 // Tracks total number of pages in the file (file size / page size)
	mu       sync.Mutex
	logger   *zap.Logger

	cache      *BlockCache // optional read-through cache of raw blocks
	prefetcher *prefetcher
}

func NewDiskManager(filePath string, pageSize int, logger *zap.Logger) (*DiskManager, error) {
	if len(filePath) > MaxFilenameLength {
		return nil, fmt.Errorf("file path too long: %s", filePath)
	}
	if pageSize < MinPageSize {
		return nil, fmt.Errorf("page size %d below minimum %d", pageSize, MinPageSize)
	}
	if pageSize > MaxPageSize {
		return nil, fmt.Errorf("page size %d above maximum %d", pageSize, MaxPageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DiskManager{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
	}, nil
}

// OpenOrCreateFile attempts to open an existing database file or create a new one.
// The 'create' flag determines behavior if the file doesn't exist or already exists.
func (dm *DiskManager) OpenOrCreateFile(create bool) (*DBFileHeader, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()

	var header DBFileHeader

	_, statErr := os.Stat(dm.filePath)
	switch {
	case os.IsNotExist(statErr):
		if !create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileNotFound, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: creating file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file

		header = DBFileHeader{
			Magic:      DBMagic,
			Version:    dbVersion,
			PageSize:   uint32(dm.pageSize),
			RootPageID: pagemanager.InvalidPageID,
		}
		// Page 0 is the header page; write it in full so the file is page aligned.
		if err := dm.writeHeader(&header); err != nil {
			_ = dm.file.Close()
			dm.file = nil
			_ = os.Remove(dm.filePath)
			return nil, fmt.Errorf("failed to write initial header: %w", err)
		}
		dm.numPages = 1

	case statErr == nil:
		if create {
			return nil, fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
		}
		file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
		if err != nil {
			return nil, fmt.Errorf("%w: opening file %s: %v", ErrIO, dm.filePath, err)
		}
		dm.file = file

		if err := dm.readHeader(&header); err != nil {
			dm.closeLocked()
			return nil, fmt.Errorf("failed to read database header: %w", err)
		}
		if header.Magic != DBMagic {
			dm.logger.Debug("magic number mismatch", zap.Uint32("expected", DBMagic), zap.Uint32("got", header.Magic), zap.String("file", dm.filePath))
			dm.closeLocked()
			return nil, fmt.Errorf("%w: magic 0x%x", ErrInvalidHeader, header.Magic)
		}
		if header.PageSize != uint32(dm.pageSize) {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: file page size (%d) does not match configured page size (%d)", ErrInvalidHeader, header.PageSize, dm.pageSize)
		}
		fi, err := dm.file.Stat()
		if err != nil {
			dm.closeLocked()
			return nil, fmt.Errorf("%w: getting file info: %v", ErrIO, err)
		}
		dm.numPages = uint64(fi.Size()) / uint64(dm.pageSize)

	default:
		return nil, fmt.Errorf("%w: stating file %s: %v", ErrIO, dm.filePath, statErr)
	}

	dm.logger.Info("database file opened",
		zap.String("file", dm.filePath),
		zap.Int("page_size", dm.pageSize),
		zap.Uint64("num_pages", dm.numPages),
		zap.Uint64("root_page_id", uint64(header.RootPageID)))
	return &header, nil
}

// writeHeader serializes the header into a zeroed page-sized buffer and writes page 0.
func (dm *DiskManager) writeHeader(header *DBFileHeader) error {
	buf := bytes.NewBuffer(make([]byte, 0, dm.pageSize))
	if err := binary.Write(buf, binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: serializing header: %v", ErrSerialization, err)
	}
	if buf.Len() != dbFileHeaderSize {
		return fmt.Errorf("%w: header serialized to %d bytes, want %d", ErrSerialization, buf.Len(), dbFileHeaderSize)
	}
	page := make([]byte, dm.pageSize)
	copy(page, buf.Bytes())

	if _, err := dm.file.WriteAt(page, 0); err != nil {
		return fmt.Errorf("%w: writing header to disk: %v", ErrIO, err)
	}
	if dm.cache != nil {
		dm.cache.Del(pagemanager.HeaderPageID)
	}
	return dm.file.Sync()
}

// readHeader reads the DBFileHeader from the beginning of the file (offset 0).
func (dm *DiskManager) readHeader(header *DBFileHeader) error {
	data := make([]byte, dbFileHeaderSize)
	n, err := dm.file.ReadAt(data, 0)
	if err != nil {
		if err == io.EOF && n < dbFileHeaderSize {
			return fmt.Errorf("%w: file too small for header", ErrInvalidHeader)
		}
		return fmt.Errorf("%w: reading header from disk: %v", ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, header); err != nil {
		return fmt.Errorf("%w: deserializing header: %v", ErrDeserialization, err)
	}
	return nil
}

// UpdateHeaderField updates the header under the disk manager lock.
func (dm *DiskManager) UpdateHeaderField(updateFunc func(header *DBFileHeader)) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	var header DBFileHeader
	if err := dm.readHeader(&header); err != nil {
		return err
	}
	updateFunc(&header)
	return dm.writeHeader(&header)
}

// ReadPage reads a page's data from disk (or the block cache) into pageData.
func (dm *DiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.readPageLocked(pageID, pageData)
}

func (dm *DiskManager) readPageLocked(pageID pagemanager.PageID, pageData []byte) error {
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	if uint64(pageID) >= dm.numPages {
		return fmt.Errorf("%w: page %d, file has %d pages", ErrPageOutOfRange, pageID, dm.numPages)
	}
	if dm.cache != nil {
		if cached, ok := dm.cache.Get(pageID); ok {
			copy(pageData, cached)
			return nil
		}
	}
	offset := int64(pageID) * int64(dm.pageSize)
	bytesRead, err := dm.file.ReadAt(pageData, offset)
	if err != nil {
		if err == io.EOF {
			return fmt.Errorf("%w: EOF reading page %d at offset %d", ErrIO, pageID, offset)
		}
		return fmt.Errorf("%w: reading page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if bytesRead != dm.pageSize {
		return fmt.Errorf("%w: short read for page %d, expected %d, got %d", ErrIO, pageID, dm.pageSize, bytesRead)
	}
	if dm.cache != nil {
		dm.cache.Put(pageID, pageData)
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
func (dm *DiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrFileNotOpen
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return fmt.Errorf("%w: writing page %d at offset %d: %v", ErrIO, pageID, offset, err)
	}
	if uint64(pageID) >= dm.numPages {
		dm.numPages = uint64(pageID) + 1
	}
	if dm.cache != nil {
		dm.cache.Del(pageID)
	}
	return nil
}

// AllocatePage extends the file by one zeroed page and returns its ID.
func (dm *DiskManager) AllocatePage() (pagemanager.PageID, error) {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return pagemanager.InvalidPageID, ErrFileNotOpen
	}
	newPageID := pagemanager.PageID(dm.numPages)
	offset := int64(newPageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(make([]byte, dm.pageSize), offset); err != nil {
		return pagemanager.InvalidPageID, fmt.Errorf("%w: extending file for new page %d: %v", ErrIO, newPageID, err)
	}
	dm.numPages++
	return newPageID, nil
}

// DeallocatePage would return pageID to a free list. Trees here are written once by the
// bulk builder, so nothing ever frees a page.
func (dm *DiskManager) DeallocatePage(pageID pagemanager.PageID) error {
	return fmt.Errorf("deallocating page %d: free space management not supported", pageID)
}

func (dm *DiskManager) GetPageSize() int { return dm.pageSize }

func (dm *DiskManager) GetNumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// Sync flushes all buffered data to disk.
func (dm *DiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file != nil {
		return dm.file.Sync()
	}
	return nil
}

// Close stops the prefetcher and closes the underlying file handle.
func (dm *DiskManager) Close() error {
	// The worker takes dm.mu, so it is stopped outside of it.
	dm.mu.Lock()
	p := dm.prefetcher
	dm.prefetcher = nil
	dm.mu.Unlock()
	if p != nil {
		p.stop()
	}

	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.cache != nil {
		dm.cache.Close()
		dm.cache = nil
	}
	return dm.closeLocked()
}

func (dm *DiskManager) closeLocked() error {
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Warn("sync on close failed", zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	return closeErr
}
