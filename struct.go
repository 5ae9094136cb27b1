package capnp

import (
	"fmt"
	"math"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/types"
)

// NewStruct allocates struct in the message.
func NewStruct(msg *Message, size types.ObjectSize) (Struct, error) {
	if !size.IsValid() {
		return Struct{}, errors.Errorf("struct data section of %d bytes is not word-aligned", size.DataSize)
	}
	seg, addr, err := msg.allocate(size.TotalSize())
	if err != nil {
		return Struct{}, err
	}
	return Struct{
		seg:        seg,
		off:        addr,
		size:       size,
		depthLimit: msg.depthLimit,
	}, nil
}

// NewRootStruct allocates struct and stores it as the message root.
func NewRootStruct(msg *Message, size types.ObjectSize) (Struct, error) {
	s, err := NewStruct(msg, size)
	if err != nil {
		return Struct{}, err
	}
	if err := msg.SetRoot(s.ToPtr()); err != nil {
		return Struct{}, err
	}
	return s, nil
}

// Struct is the handle to struct. Reads beyond its sections return zero values.
// Zero value is the empty struct with all fields set to defaults.
type Struct struct {
	seg        Segment
	off        types.Address
	size       types.ObjectSize
	depthLimit uint
}

// IsValid reports whether struct is backed by a message.
func (s Struct) IsValid() bool {
	return s.seg.msg != nil
}

// Message returns the message struct belongs to.
func (s Struct) Message() *Message {
	return s.seg.msg
}

// Segment returns the segment struct is stored in.
func (s Struct) Segment() Segment {
	return s.seg
}

// Size returns the sizes of struct sections.
func (s Struct) Size() types.ObjectSize {
	return s.size
}

// ToPtr converts struct to pointer.
func (s Struct) ToPtr() Ptr {
	if s.seg.msg == nil {
		return Ptr{}
	}
	return Ptr{
		seg:        s.seg,
		off:        s.off,
		size:       s.size,
		depthLimit: s.depthLimit,
		kind:       structPtr,
	}
}

func (s Struct) dataAddr(off types.DataOffset, width types.Size) (types.Address, bool) {
	if s.seg.msg == nil || uint64(off)+uint64(width) > uint64(s.size.DataSize) {
		return 0, false
	}
	return s.off + types.Address(off), true
}

func (s Struct) mustDataAddr(off types.DataOffset, width types.Size) types.Address {
	addr, ok := s.dataAddr(off, width)
	if !ok {
		panic(fmt.Sprintf("capnp: writing %d bytes at offset %d outside data section of %d bytes",
			width, off, s.size.DataSize))
	}
	if s.seg.msg.readOnly {
		panic("capnp: writing to read-only message")
	}
	return addr
}

// Bit returns the bit at offset.
func (s Struct) Bit(off types.BitOffset) bool {
	addr, ok := s.dataAddr(types.DataOffset(off/8), 1)
	if !ok {
		return false
	}
	return s.seg.readUint8(addr)&(1<<(off%8)) != 0
}

// SetBit sets the bit at offset.
func (s Struct) SetBit(off types.BitOffset, v bool) {
	addr := s.mustDataAddr(types.DataOffset(off/8), 1)
	b := s.seg.readUint8(addr)
	if v {
		b |= 1 << (off % 8)
	} else {
		b &^= 1 << (off % 8)
	}
	s.seg.writeUint8(addr, b)
}

// Uint8 returns uint8 at offset.
func (s Struct) Uint8(off types.DataOffset) uint8 {
	addr, ok := s.dataAddr(off, 1)
	if !ok {
		return 0
	}
	return s.seg.readUint8(addr)
}

// Uint16 returns uint16 at offset.
func (s Struct) Uint16(off types.DataOffset) uint16 {
	addr, ok := s.dataAddr(off, 2)
	if !ok {
		return 0
	}
	return s.seg.readUint16(addr)
}

// Uint32 returns uint32 at offset.
func (s Struct) Uint32(off types.DataOffset) uint32 {
	addr, ok := s.dataAddr(off, 4)
	if !ok {
		return 0
	}
	return s.seg.readUint32(addr)
}

// Uint64 returns uint64 at offset.
func (s Struct) Uint64(off types.DataOffset) uint64 {
	addr, ok := s.dataAddr(off, 8)
	if !ok {
		return 0
	}
	return s.seg.readUint64(addr)
}

// SetUint8 sets uint8 at offset.
func (s Struct) SetUint8(off types.DataOffset, v uint8) {
	s.seg.writeUint8(s.mustDataAddr(off, 1), v)
}

// SetUint16 sets uint16 at offset.
func (s Struct) SetUint16(off types.DataOffset, v uint16) {
	s.seg.writeUint16(s.mustDataAddr(off, 2), v)
}

// SetUint32 sets uint32 at offset.
func (s Struct) SetUint32(off types.DataOffset, v uint32) {
	s.seg.writeUint32(s.mustDataAddr(off, 4), v)
}

// SetUint64 sets uint64 at offset.
func (s Struct) SetUint64(off types.DataOffset, v uint64) {
	s.seg.writeUint64(s.mustDataAddr(off, 8), v)
}

// Float32 returns float32 at offset.
func (s Struct) Float32(off types.DataOffset) float32 {
	return math.Float32frombits(s.Uint32(off))
}

// Float64 returns float64 at offset.
func (s Struct) Float64(off types.DataOffset) float64 {
	return math.Float64frombits(s.Uint64(off))
}

// SetFloat32 sets float32 at offset.
func (s Struct) SetFloat32(off types.DataOffset, v float32) {
	s.SetUint32(off, math.Float32bits(v))
}

// SetFloat64 sets float64 at offset.
func (s Struct) SetFloat64(off types.DataOffset, v float64) {
	s.SetUint64(off, math.Float64bits(v))
}

func (s Struct) pointerAddr(i uint16) (types.Address, bool) {
	if s.seg.msg == nil || i >= s.size.PointerCount {
		return 0, false
	}
	return s.off + types.Address(s.size.DataSize) + types.Address(i)*types.WordSize, true
}

// HasPtr reports whether i-th pointer is not null.
func (s Struct) HasPtr(i uint16) bool {
	addr, ok := s.pointerAddr(i)
	if !ok {
		return false
	}
	return !s.seg.readRawPointer(addr).IsNull()
}

// Ptr returns i-th pointer. Pointers beyond the pointer section are null.
func (s Struct) Ptr(i uint16) (Ptr, error) {
	addr, ok := s.pointerAddr(i)
	if !ok {
		return Ptr{}, nil
	}
	return s.seg.readPtr(addr, s.depthLimit)
}

// SetPtr stores i-th pointer. Objects from other messages are deep-copied.
func (s Struct) SetPtr(i uint16, p Ptr) error {
	addr, ok := s.pointerAddr(i)
	if !ok {
		return errors.Errorf("pointer %d outside pointer section of %d pointers", i, s.size.PointerCount)
	}
	return s.seg.writePtr(addr, p)
}

// Text returns the text stored in i-th pointer.
func (s Struct) Text(i uint16) (string, error) {
	p, err := s.Ptr(i)
	if err != nil {
		return "", err
	}
	return p.Text()
}

// SetText allocates text and stores it in i-th pointer.
func (s Struct) SetText(i uint16, v string) error {
	t, err := NewText(s.seg.msg, v)
	if err != nil {
		return err
	}
	return s.SetPtr(i, t.ToPtr())
}

// Data returns the bytes stored in i-th pointer.
func (s Struct) Data(i uint16) ([]byte, error) {
	p, err := s.Ptr(i)
	if err != nil {
		return nil, err
	}
	return p.Data(), nil
}

// SetData allocates byte list and stores it in i-th pointer.
func (s Struct) SetData(i uint16, v []byte) error {
	d, err := NewData(s.seg.msg, v)
	if err != nil {
		return err
	}
	return s.SetPtr(i, d.ToPtr())
}

// CopyFrom copies fields of src into s. Sections are clamped to the smaller of both structs.
func (s Struct) CopyFrom(src Struct) error {
	if !src.IsValid() {
		return nil
	}
	n := min(s.size.DataSize, src.size.DataSize)
	if n > 0 {
		copy(s.seg.slice(s.mustDataAddr(0, n), n), src.seg.slice(src.off, n))
	}
	for i := range min(s.size.PointerCount, src.size.PointerCount) {
		p, err := src.Ptr(i)
		if err != nil {
			return err
		}
		if err := s.SetPtr(i, p); err != nil {
			return err
		}
	}
	return nil
}
