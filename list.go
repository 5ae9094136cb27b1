package capnp

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/pointer"
	"github.com/outofforest/capnp/types"
)

// NewList allocates list of fixed-width or pointer elements.
func NewList(msg *Message, es types.ElementSize, n int32) (List, error) {
	switch es {
	case types.BitElement:
		return NewBitList(msg, n)
	case types.CompositeElement:
		return List{}, errors.New("composite list requires element size")
	}
	if n < 0 || n > types.MaxListLength {
		return List{}, errors.Errorf("invalid list length %d", n)
	}
	size := es.ObjectSize()
	total, ok := size.TotalSize().Times(n)
	if !ok {
		return List{}, errors.Errorf("list of %d elements is too large", n)
	}
	seg, addr, err := msg.allocate(total)
	if err != nil {
		return List{}, err
	}
	return List{
		seg:        seg,
		off:        addr,
		length:     n,
		size:       size,
		es:         es,
		depthLimit: msg.depthLimit,
	}, nil
}

// NewBitList allocates list of bits.
func NewBitList(msg *Message, n int32) (List, error) {
	if n < 0 || n > types.MaxListLength {
		return List{}, errors.Errorf("invalid list length %d", n)
	}
	seg, addr, err := msg.allocate(types.Size((n + 7) / 8))
	if err != nil {
		return List{}, err
	}
	return List{
		seg:        seg,
		off:        addr,
		length:     n,
		es:         types.BitElement,
		depthLimit: msg.depthLimit,
	}, nil
}

// NewPointerList allocates list of pointers.
func NewPointerList(msg *Message, n int32) (List, error) {
	return NewList(msg, types.PointerElement, n)
}

// NewCompositeList allocates list of structs preceded by the tag word.
func NewCompositeList(msg *Message, size types.ObjectSize, n int32) (List, error) {
	if !size.IsValid() {
		return List{}, errors.Errorf("struct data section of %d bytes is not word-aligned", size.DataSize)
	}
	if n < 0 || n > types.MaxListLength {
		return List{}, errors.Errorf("invalid list length %d", n)
	}
	total, ok := size.TotalSize().Times(n)
	if !ok || total.Words() > types.MaxListLength {
		return List{}, errors.Errorf("list of %d elements is too large", n)
	}
	seg, addr, err := msg.allocate(total + types.WordSize)
	if err != nil {
		return List{}, err
	}
	seg.writeRawPointer(addr, pointer.NewCompositeTag(n, size))
	return List{
		seg:        seg,
		off:        addr + types.WordSize,
		length:     n,
		size:       size,
		es:         types.CompositeElement,
		depthLimit: msg.depthLimit,
	}, nil
}

// NewText allocates NUL-terminated byte list holding the text.
func NewText(msg *Message, v string) (List, error) {
	l, err := NewList(msg, types.ByteElement, int32(len(v)+1))
	if err != nil {
		return List{}, err
	}
	copy(l.seg.slice(l.off, types.Size(len(v))), v)
	return l, nil
}

// NewData allocates byte list holding the bytes.
func NewData(msg *Message, v []byte) (List, error) {
	l, err := NewList(msg, types.ByteElement, int32(len(v)))
	if err != nil {
		return List{}, err
	}
	copy(l.seg.slice(l.off, types.Size(len(v))), v)
	return l, nil
}

// List is the lazily-indexed handle to list. Elements are accessed in O(1).
// Reading elements narrower than requested gives zero values so lists can be upgraded across schema versions.
type List struct {
	seg        Segment
	off        types.Address
	length     int32
	size       types.ObjectSize
	es         types.ElementSize
	depthLimit uint
}

// IsValid reports whether list is backed by a message.
func (l List) IsValid() bool {
	return l.seg.msg != nil
}

// Message returns the message list belongs to.
func (l List) Message() *Message {
	return l.seg.msg
}

// Len returns the number of elements.
func (l List) Len() int {
	return int(l.length)
}

// ElementSize returns the element size tag.
func (l List) ElementSize() types.ElementSize {
	return l.es
}

// ElementObjectSize returns sizes of element sections.
func (l List) ElementObjectSize() types.ObjectSize {
	return l.size
}

// ToPtr converts list to pointer.
func (l List) ToPtr() Ptr {
	if l.seg.msg == nil {
		return Ptr{}
	}
	return Ptr{
		seg:        l.seg,
		off:        l.off,
		size:       l.size,
		length:     l.length,
		es:         l.es,
		depthLimit: l.depthLimit,
		kind:       listPtr,
	}
}

func (l List) elementAddr(i int) (types.Address, bool) {
	if l.seg.msg == nil || i < 0 || i >= int(l.length) {
		return 0, false
	}
	return l.off + types.Address(l.size.TotalSize())*types.Address(i), true
}

func (l List) primitiveAddr(i int, width types.Size) (types.Address, bool) {
	if l.es == types.BitElement || l.size.DataSize < width {
		return 0, false
	}
	return l.elementAddr(i)
}

func (l List) mustPrimitiveAddr(i int, width types.Size) types.Address {
	addr, ok := l.primitiveAddr(i, width)
	if !ok {
		panic(fmt.Sprintf("capnp: writing %d bytes to element %d of %s list of length %d", width, i, l.es, l.length))
	}
	if l.seg.msg.readOnly {
		panic("capnp: writing to read-only message")
	}
	return addr
}

// Bytes returns the raw content of byte list.
func (l List) Bytes() []byte {
	if l.es != types.ByteElement {
		return nil
	}
	return l.seg.slice(l.off, types.Size(l.length))
}

// Bit returns i-th bit.
func (l List) Bit(i int) bool {
	if l.es != types.BitElement {
		addr, ok := l.primitiveAddr(i, 1)
		return ok && l.seg.readUint8(addr)&1 != 0
	}
	if l.seg.msg == nil || i < 0 || i >= int(l.length) {
		return false
	}
	return l.seg.readUint8(l.off+types.Address(i/8))&(1<<(i%8)) != 0
}

// SetBit sets i-th bit.
func (l List) SetBit(i int, v bool) {
	if l.es != types.BitElement || i < 0 || i >= int(l.length) {
		panic(fmt.Sprintf("capnp: setting bit %d of %s list of length %d", i, l.es, l.length))
	}
	if l.seg.msg.readOnly {
		panic("capnp: writing to read-only message")
	}
	addr := l.off + types.Address(i/8)
	b := l.seg.readUint8(addr)
	if v {
		b |= 1 << (i % 8)
	} else {
		b &^= 1 << (i % 8)
	}
	l.seg.writeUint8(addr, b)
}

// Uint8 returns i-th element as uint8.
func (l List) Uint8(i int) uint8 {
	addr, ok := l.primitiveAddr(i, 1)
	if !ok {
		return 0
	}
	return l.seg.readUint8(addr)
}

// Uint16 returns i-th element as uint16.
func (l List) Uint16(i int) uint16 {
	addr, ok := l.primitiveAddr(i, 2)
	if !ok {
		return 0
	}
	return l.seg.readUint16(addr)
}

// Uint32 returns i-th element as uint32.
func (l List) Uint32(i int) uint32 {
	addr, ok := l.primitiveAddr(i, 4)
	if !ok {
		return 0
	}
	return l.seg.readUint32(addr)
}

// Uint64 returns i-th element as uint64.
func (l List) Uint64(i int) uint64 {
	addr, ok := l.primitiveAddr(i, 8)
	if !ok {
		return 0
	}
	return l.seg.readUint64(addr)
}

// SetUint8 sets i-th element.
func (l List) SetUint8(i int, v uint8) {
	l.seg.writeUint8(l.mustPrimitiveAddr(i, 1), v)
}

// SetUint16 sets i-th element.
func (l List) SetUint16(i int, v uint16) {
	l.seg.writeUint16(l.mustPrimitiveAddr(i, 2), v)
}

// SetUint32 sets i-th element.
func (l List) SetUint32(i int, v uint32) {
	l.seg.writeUint32(l.mustPrimitiveAddr(i, 4), v)
}

// SetUint64 sets i-th element.
func (l List) SetUint64(i int, v uint64) {
	l.seg.writeUint64(l.mustPrimitiveAddr(i, 8), v)
}

// Struct returns i-th element as struct. Elements of primitive and pointer lists become
// structs with a single data field or a single pointer.
func (l List) Struct(i int) Struct {
	addr, ok := l.elementAddr(i)
	if !ok {
		return Struct{}
	}
	size := l.size
	if l.es == types.BitElement {
		size = types.ObjectSize{}
	}
	return Struct{
		seg:        l.seg,
		off:        addr,
		size:       size,
		depthLimit: l.depthLimit,
	}
}

// Ptr returns i-th pointer. For composite lists it is the first pointer of the element.
func (l List) Ptr(i int) (Ptr, error) {
	addr, ok := l.elementAddr(i)
	if !ok || l.size.PointerCount == 0 {
		return Ptr{}, nil
	}
	return l.seg.readPtr(addr+types.Address(l.size.DataSize), l.depthLimit)
}

// SetPtr sets i-th pointer.
func (l List) SetPtr(i int, p Ptr) error {
	addr, ok := l.elementAddr(i)
	if !ok || l.size.PointerCount == 0 {
		return errors.Errorf("element %d of %s list of length %d has no pointer", i, l.es, l.length)
	}
	return l.seg.writePtr(addr+types.Address(l.size.DataSize), p)
}
