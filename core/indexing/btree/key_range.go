package btree

import (
	"bytes"
	"fmt"
	"strconv"
)

// BoundMode says how a KeyRange endpoint treats its key.
type BoundMode int

const (
	// BoundNone leaves the side unbounded; the key is ignored.
	BoundNone BoundMode = iota
	// BoundOpen excludes the key itself.
	BoundOpen
	// BoundClosed includes the key.
	BoundClosed
)

func (m BoundMode) String() string {
	switch m {
	case BoundOpen:
		return "open"
	case BoundClosed:
		return "closed"
	default:
		return "none"
	}
}

// ParseBoundMode accepts the names printed by String.
func ParseBoundMode(s string) (BoundMode, error) {
	switch s {
	case "none", "":
		return BoundNone, nil
	case "open":
		return BoundOpen, nil
	case "closed":
		return BoundClosed, nil
	}
	return BoundNone, fmt.Errorf("unknown bound mode %q", s)
}

type Bound struct {
	Key  []byte
	Mode BoundMode
}

// KeyRange is the set of keys a scan returns. It is not modified once a scan starts.
type KeyRange struct {
	Left  Bound
	Right Bound
}

// All is the unbounded range.
func All() KeyRange { return KeyRange{} }

// Closed is [left, right].
func Closed(left, right []byte) KeyRange {
	return NewKeyRange(left, BoundClosed, right, BoundClosed)
}

func NewKeyRange(left []byte, leftMode BoundMode, right []byte, rightMode BoundMode) KeyRange {
	return KeyRange{
		Left:  Bound{Key: bytes.Clone(left), Mode: leftMode},
		Right: Bound{Key: bytes.Clone(right), Mode: rightMode},
	}
}

// startKey is where the first descent aims, or nil for the leftmost leaf.
func (r KeyRange) startKey() []byte {
	if r.Left.Mode == BoundNone {
		return nil
	}
	return r.Left.Key
}

// AfterLeft reports whether key satisfies the left bound.
func (r KeyRange) AfterLeft(key []byte) bool {
	switch r.Left.Mode {
	case BoundOpen:
		return bytes.Compare(key, r.Left.Key) > 0
	case BoundClosed:
		return bytes.Compare(key, r.Left.Key) >= 0
	}
	return true
}

// PastRight reports whether key lies beyond the right bound. Since scans are ordered,
// every later key does too.
func (r KeyRange) PastRight(key []byte) bool {
	switch r.Right.Mode {
	case BoundOpen:
		return bytes.Compare(key, r.Right.Key) >= 0
	case BoundClosed:
		return bytes.Compare(key, r.Right.Key) > 0
	}
	return false
}

func (r KeyRange) Contains(key []byte) bool {
	return r.AfterLeft(key) && !r.PastRight(key)
}

func (r KeyRange) String() string {
	var b bytes.Buffer
	switch r.Left.Mode {
	case BoundOpen:
		b.WriteString("(" + strconv.Quote(string(r.Left.Key)))
	case BoundClosed:
		b.WriteString("[" + strconv.Quote(string(r.Left.Key)))
	default:
		b.WriteString("(-inf")
	}
	b.WriteString(", ")
	switch r.Right.Mode {
	case BoundOpen:
		b.WriteString(strconv.Quote(string(r.Right.Key)) + ")")
	case BoundClosed:
		b.WriteString(strconv.Quote(string(r.Right.Key)) + "]")
	default:
		b.WriteString("+inf)")
	}
	return b.String()
}
