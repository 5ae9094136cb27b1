package list

import (
	"iter"
	"math"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/types"
)

// Number is the type of element stored in primitive list.
type Number interface {
	uint8 | uint16 | uint32 | uint64 | int8 | int16 | int32 | int64 | float32 | float64
}

// ElementSize returns the element size tag for T.
func ElementSize[T Number]() types.ElementSize {
	var v T
	switch any(v).(type) {
	case uint8, int8:
		return types.ByteElement
	case uint16, int16:
		return types.TwoByteElement
	case uint32, int32, float32:
		return types.FourByteElement
	default:
		return types.EightByteElement
	}
}

// NewPrimitive allocates list of n numbers.
func NewPrimitive[T Number](msg *capnp.Message, n int32) (Primitive[T], error) {
	l, err := capnp.NewList(msg, ElementSize[T](), n)
	if err != nil {
		return Primitive[T]{}, err
	}
	return Primitive[T]{l: l}, nil
}

// PrimitiveFrom interprets pointer as list of numbers.
func PrimitiveFrom[T Number](p capnp.Ptr) Primitive[T] {
	return Primitive[T]{l: p.List()}
}

// Primitive is the list of numbers.
type Primitive[T Number] struct {
	l capnp.List
}

// Len returns the number of elements.
func (l Primitive[T]) Len() int {
	return l.l.Len()
}

// At returns i-th element.
func (l Primitive[T]) At(i int) T {
	var v T
	switch p := any(&v).(type) {
	case *uint8:
		*p = l.l.Uint8(i)
	case *int8:
		*p = int8(l.l.Uint8(i))
	case *uint16:
		*p = l.l.Uint16(i)
	case *int16:
		*p = int16(l.l.Uint16(i))
	case *uint32:
		*p = l.l.Uint32(i)
	case *int32:
		*p = int32(l.l.Uint32(i))
	case *float32:
		*p = math.Float32frombits(l.l.Uint32(i))
	case *uint64:
		*p = l.l.Uint64(i)
	case *int64:
		*p = int64(l.l.Uint64(i))
	case *float64:
		*p = math.Float64frombits(l.l.Uint64(i))
	}
	return v
}

// Set sets i-th element.
func (l Primitive[T]) Set(i int, v T) {
	switch x := any(v).(type) {
	case uint8:
		l.l.SetUint8(i, x)
	case int8:
		l.l.SetUint8(i, uint8(x))
	case uint16:
		l.l.SetUint16(i, x)
	case int16:
		l.l.SetUint16(i, uint16(x))
	case uint32:
		l.l.SetUint32(i, x)
	case int32:
		l.l.SetUint32(i, uint32(x))
	case float32:
		l.l.SetUint32(i, math.Float32bits(x))
	case uint64:
		l.l.SetUint64(i, x)
	case int64:
		l.l.SetUint64(i, uint64(x))
	case float64:
		l.l.SetUint64(i, math.Float64bits(x))
	}
}

// All iterates over elements.
func (l Primitive[T]) All() iter.Seq2[int, T] {
	return func(yield func(int, T) bool) {
		for i := range l.Len() {
			if !yield(i, l.At(i)) {
				return
			}
		}
	}
}

// ToPtr converts list to pointer.
func (l Primitive[T]) ToPtr() capnp.Ptr {
	return l.l.ToPtr()
}

// NewBit allocates list of n bits.
func NewBit(msg *capnp.Message, n int32) (Bit, error) {
	l, err := capnp.NewBitList(msg, n)
	if err != nil {
		return Bit{}, err
	}
	return Bit{l: l}, nil
}

// BitFrom interprets pointer as list of bits.
func BitFrom(p capnp.Ptr) Bit {
	return Bit{l: p.List()}
}

// Bit is the list of bits packed 8 per byte, least significant bit first.
type Bit struct {
	l capnp.List
}

// Len returns the number of elements.
func (l Bit) Len() int {
	return l.l.Len()
}

// At returns i-th element.
func (l Bit) At(i int) bool {
	return l.l.Bit(i)
}

// Set sets i-th element.
func (l Bit) Set(i int, v bool) {
	l.l.SetBit(i, v)
}

// All iterates over elements.
func (l Bit) All() iter.Seq2[int, bool] {
	return func(yield func(int, bool) bool) {
		for i := range l.Len() {
			if !yield(i, l.At(i)) {
				return
			}
		}
	}
}

// ToPtr converts list to pointer.
func (l Bit) ToPtr() capnp.Ptr {
	return l.l.ToPtr()
}

// NewVoid allocates list of n void elements.
func NewVoid(msg *capnp.Message, n int32) (Void, error) {
	l, err := capnp.NewList(msg, types.VoidElement, n)
	if err != nil {
		return Void{}, err
	}
	return Void{l: l}, nil
}

// VoidFrom interprets pointer as list of void elements.
func VoidFrom(p capnp.Ptr) Void {
	return Void{l: p.List()}
}

// Void is the list of elements carrying no data.
type Void struct {
	l capnp.List
}

// Len returns the number of elements.
func (l Void) Len() int {
	return l.l.Len()
}

// ToPtr converts list to pointer.
func (l Void) ToPtr() capnp.Ptr {
	return l.l.ToPtr()
}
