package pointer

import (
	"github.com/outofforest/capnp/types"
)

// Kind is the type of pointer stored in the two lowest bits.
type Kind uint8

// Pointer kinds.
const (
	Struct Kind = iota
	List
	Far
	Other
)

// Raw is the encoded pointer word.
type Raw uint64

// NewStruct encodes struct pointer.
func NewStruct(offset int32, size types.ObjectSize) Raw {
	return Raw(uint64(uint32(offset)<<2)) |
		Raw(uint64(size.DataWords())<<32) |
		Raw(uint64(size.PointerCount)<<48)
}

// NewCompositeTag encodes the tag word preceding elements of a composite list.
func NewCompositeTag(count int32, size types.ObjectSize) Raw {
	return NewStruct(count, size)
}

// NewList encodes list pointer. For composite lists count is the number of words taken by elements.
func NewList(offset int32, es types.ElementSize, count int32) Raw {
	return Raw(uint64(uint32(offset)<<2)|uint64(List)) |
		Raw(uint64(es)<<32) |
		Raw(uint64(uint32(count))<<35)
}

// NewFar encodes far pointer to the landing pad at addr in segment seg.
func NewFar(double bool, seg types.SegmentID, addr types.Address) Raw {
	p := Raw(uint64(addr/types.WordSize)<<3) | Raw(Far) | Raw(uint64(seg)<<32)
	if double {
		p |= 1 << 2
	}
	return p
}

// NewCapability encodes capability pointer.
func NewCapability(index types.CapabilityID) Raw {
	return Raw(Other) | Raw(uint64(index)<<32)
}

// IsNull reports whether pointer is null.
func (p Raw) IsNull() bool {
	return p == 0
}

// Kind returns kind of pointer.
func (p Raw) Kind() Kind {
	return Kind(p & 3)
}

// Offset returns signed word offset of struct and list pointers.
func (p Raw) Offset() int32 {
	return int32(uint32(p)) >> 2
}

// WithOffset returns the same pointer with offset replaced.
func (p Raw) WithOffset(offset int32) Raw {
	return p&^0xfffffffc | Raw(uint32(offset)<<2)
}

// StructSize returns the sizes of struct sections.
func (p Raw) StructSize() types.ObjectSize {
	return types.ObjectSize{
		DataSize:     types.Size(uint16(p>>32)) * types.WordSize,
		PointerCount: uint16(p >> 48),
	}
}

// ListElementSize returns element size tag of list pointer.
func (p Raw) ListElementSize() types.ElementSize {
	return types.ElementSize((p >> 32) & 7)
}

// ListCount returns element count, or word count for composite lists.
func (p Raw) ListCount() int32 {
	return int32(p >> 35)
}

// IsDoubleFar reports whether far pointer points at two-word landing pad.
func (p Raw) IsDoubleFar() bool {
	return p&4 != 0
}

// FarSegment returns segment of the landing pad.
func (p Raw) FarSegment() types.SegmentID {
	return types.SegmentID(p >> 32)
}

// FarAddress returns address of the landing pad.
func (p Raw) FarAddress() types.Address {
	return types.Address(uint32(p)>>3) * types.WordSize
}

// IsCapability reports whether pointer references the capability table.
func (p Raw) IsCapability() bool {
	return p.Kind() == Other && uint32(p)>>2 == 0
}

// CapabilityIndex returns capability table index.
func (p Raw) CapabilityIndex() types.CapabilityID {
	return types.CapabilityID(p >> 32)
}
