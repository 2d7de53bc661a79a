package btree

import (
	"encoding/binary"
	"fmt"
)

// ValueSizer reports how many bytes of a leaf's value slot belong to the encoded value.
// slot runs from the start of the value to the end of the page's cell area. A negative
// result means the slot cannot hold a valid value. Scans copy exactly Size bytes and
// never look inside them.
type ValueSizer interface {
	Size(slot []byte) int
}

// ValueCodec is a ValueSizer that can also produce the encoding. The builder needs it.
type ValueCodec interface {
	ValueSizer
	Encode(value []byte) ([]byte, error)
}

// VarintValueSizer encodes values as a uvarint length followed by the payload.
type VarintValueSizer struct{}

func (VarintValueSizer) Size(slot []byte) int {
	n, w := binary.Uvarint(slot)
	if w <= 0 || n > uint64(len(slot)-w) {
		return -1
	}
	return w + int(n)
}

func (VarintValueSizer) Encode(value []byte) ([]byte, error) {
	out := binary.AppendUvarint(make([]byte, 0, binary.MaxVarintLen32+len(value)), uint64(len(value)))
	return append(out, value...), nil
}

// Payload strips the length prefix from a value returned by a scan.
func (VarintValueSizer) Payload(encoded []byte) ([]byte, error) {
	n, w := binary.Uvarint(encoded)
	if w <= 0 || n != uint64(len(encoded)-w) {
		return nil, fmt.Errorf("%w: malformed varint value of %d bytes", ErrCorruption, len(encoded))
	}
	return encoded[w:], nil
}

// FixedValueSizer is for trees whose values all have the same width.
type FixedValueSizer struct {
	Width int
}

func (s FixedValueSizer) Size(slot []byte) int {
	if s.Width < 0 || s.Width > len(slot) {
		return -1
	}
	return s.Width
}

func (s FixedValueSizer) Encode(value []byte) ([]byte, error) {
	if len(value) != s.Width {
		return nil, fmt.Errorf("value of %d bytes does not match fixed width %d", len(value), s.Width)
	}
	return value, nil
}
