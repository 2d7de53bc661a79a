package flushmanager

import "errors"

// --- Error Definitions ---

var (
	ErrPageNotFound     = errors.New("page not found in buffer pool")
	ErrBufferPoolFull   = errors.New("buffer pool is full and no pages can be evicted")
	ErrPagePinned       = errors.New("page is pinned and cannot be evicted")
	ErrSerialization    = errors.New("error during serialization")
	ErrDeserialization  = errors.New("error during deserialization")
	ErrIO               = errors.New("i/o error")
	ErrChecksumMismatch = errors.New("page checksum mismatch, data corruption suspected")
	ErrInvalidPageData  = errors.New("invalid page data")
	ErrInvalidHeader    = errors.New("invalid database file header")
	ErrDBFileExists     = errors.New("database file already exists")
	ErrDBFileNotFound   = errors.New("database file not found")
	ErrFileNotOpen      = errors.New("database file not open")
	ErrPageOutOfRange   = errors.New("page id beyond end of file")
)
