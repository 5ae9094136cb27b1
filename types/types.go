package types

import "math"

const (
	// WordSize is the number of bytes in one word.
	WordSize = 8

	// UInt64Length is the number of bytes taken by uint64.
	UInt64Length = 8

	// MaxSegmentSize is the largest segment addressable by a 29-bit word count.
	MaxSegmentSize = Size(1<<29-1) * WordSize

	// MaxListLength is the maximum number of elements in a list.
	MaxListLength = 1<<29 - 1

	// DefaultTraversalLimit is the default number of words a reader may traverse.
	DefaultTraversalLimit = 8 * 1024 * 1024

	// DefaultDepthLimit is the default nesting depth a reader may follow.
	DefaultDepthLimit = 64
)

type (
	// SegmentID is the index of a segment within a message.
	SegmentID uint32

	// Address is the byte offset inside a segment.
	Address uint32

	// Size is the size of an object in bytes.
	Size uint32

	// CapabilityID is the index into the capability table of a message.
	CapabilityID uint32

	// DataOffset is the byte offset of a field inside a struct's data section.
	DataOffset uint32

	// BitOffset is the bit offset of a field inside a struct's data section.
	BitOffset uint32
)

// WordsToSize converts a number of words to a size in bytes.
func WordsToSize(words uint32) (Size, bool) {
	if uint64(words)*WordSize > math.MaxUint32 {
		return 0, false
	}
	return Size(words) * WordSize, true
}

// Words returns the number of words needed to store the size, rounding up.
func (sz Size) Words() uint32 {
	return uint32((uint64(sz) + WordSize - 1) / WordSize)
}

// Padded returns the size rounded up to the full word.
func (sz Size) Padded() Size {
	return Size(sz.Words()) * WordSize
}

// Times multiplies size by n reporting false on overflow.
func (sz Size) Times(n int32) (Size, bool) {
	if n < 0 {
		return 0, false
	}
	x := uint64(sz) * uint64(n)
	return Size(x), x <= math.MaxUint32
}

// AddSize returns the address moved by size bytes reporting false on overflow.
func (a Address) AddSize(sz Size) (Address, bool) {
	x := uint64(a) + uint64(sz)
	return Address(x), x <= math.MaxUint32
}

// Element returns the address of i-th element of the given size.
func (a Address) Element(i int32, sz Size) (Address, bool) {
	off, ok := sz.Times(i)
	if !ok {
		return 0, false
	}
	return a.AddSize(off)
}

// Offset returns the signed word distance from the end of the pointer word at a to b.
func (a Address) Offset(b Address) int32 {
	return int32((int64(b) - int64(a) - WordSize) / WordSize)
}

// Resolve returns the address the signed word offset points at when read from a pointer word at a.
func (a Address) Resolve(offset int32) (Address, bool) {
	x := int64(a) + WordSize + int64(offset)*WordSize
	if x < 0 || x > math.MaxUint32 {
		return 0, false
	}
	return Address(x), true
}

// ObjectSize is the size of a struct or composite list element.
type ObjectSize struct {
	DataSize     Size
	PointerCount uint16
}

// PointerSize returns the size of the pointer section.
func (sz ObjectSize) PointerSize() Size {
	return Size(sz.PointerCount) * WordSize
}

// TotalSize returns the size of both sections.
func (sz ObjectSize) TotalSize() Size {
	return sz.DataSize + sz.PointerSize()
}

// DataWords returns the data section size in words.
func (sz ObjectSize) DataWords() uint16 {
	return uint16(sz.DataSize.Words())
}

// IsValid reports whether data section is word-aligned and fits the pointer encoding.
func (sz ObjectSize) IsValid() bool {
	return sz.DataSize%WordSize == 0 && sz.DataSize.Words() <= math.MaxUint16
}

// ElementSize is the element size tag stored in a list pointer.
type ElementSize uint8

// Element size tags.
const (
	VoidElement ElementSize = iota
	BitElement
	ByteElement
	TwoByteElement
	FourByteElement
	EightByteElement
	PointerElement
	CompositeElement
)

// ObjectSize returns the layout of one element of a non-composite list.
func (es ElementSize) ObjectSize() ObjectSize {
	switch es {
	case ByteElement:
		return ObjectSize{DataSize: 1}
	case TwoByteElement:
		return ObjectSize{DataSize: 2}
	case FourByteElement:
		return ObjectSize{DataSize: 4}
	case EightByteElement:
		return ObjectSize{DataSize: 8}
	case PointerElement:
		return ObjectSize{PointerCount: 1}
	default:
		return ObjectSize{}
	}
}

// String returns the name of element size.
func (es ElementSize) String() string {
	switch es {
	case VoidElement:
		return "void"
	case BitElement:
		return "bit"
	case ByteElement:
		return "byte"
	case TwoByteElement:
		return "twoBytes"
	case FourByteElement:
		return "fourBytes"
	case EightByteElement:
		return "eightBytes"
	case PointerElement:
		return "pointer"
	case CompositeElement:
		return "composite"
	default:
		return "unknown"
	}
}
