package indexmanager

import (
	"context"

	"github.com/sushant-115/rangescan/core/indexing/btree"
)

// IndexManager interface defines the read operations an index serves.
type IndexManager interface {
	// GetRange returns up to limit pairs in rng, in key order. A limit of zero or less
	// means no limit.
	GetRange(ctx context.Context, rng btree.KeyRange, limit int) ([]btree.KeyValuePair, error)
	// Name returns the name/type of this index manager (e.g., "btree").
	Name() string
}
