package list

import (
	"iter"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/types"
)

// NewStruct allocates list of n structs of given size.
func NewStruct(msg *capnp.Message, size types.ObjectSize, n int32) (Struct, error) {
	l, err := capnp.NewCompositeList(msg, size, n)
	if err != nil {
		return Struct{}, err
	}
	return Struct{l: l}, nil
}

// StructFrom interprets pointer as list of structs.
func StructFrom(p capnp.Ptr) Struct {
	return Struct{l: p.List()}
}

// Struct is the list of structs. Lists of primitives and pointers are readable as struct lists too.
type Struct struct {
	l capnp.List
}

// Len returns the number of elements.
func (l Struct) Len() int {
	return l.l.Len()
}

// At returns i-th element.
func (l Struct) At(i int) capnp.Struct {
	return l.l.Struct(i)
}

// All iterates over elements.
func (l Struct) All() iter.Seq2[int, capnp.Struct] {
	return func(yield func(int, capnp.Struct) bool) {
		for i := range l.Len() {
			if !yield(i, l.At(i)) {
				return
			}
		}
	}
}

// ToPtr converts list to pointer.
func (l Struct) ToPtr() capnp.Ptr {
	return l.l.ToPtr()
}

// NewPointer allocates list of n null pointers.
func NewPointer(msg *capnp.Message, n int32) (Pointer, error) {
	l, err := capnp.NewPointerList(msg, n)
	if err != nil {
		return Pointer{}, err
	}
	return Pointer{l: l}, nil
}

// PointerFrom interprets pointer as list of pointers.
func PointerFrom(p capnp.Ptr) Pointer {
	return Pointer{l: p.List()}
}

// Pointer is the list of untyped pointers.
type Pointer struct {
	l capnp.List
}

// Len returns the number of elements.
func (l Pointer) Len() int {
	return l.l.Len()
}

// At returns i-th element.
func (l Pointer) At(i int) (capnp.Ptr, error) {
	return l.l.Ptr(i)
}

// Set sets i-th element.
func (l Pointer) Set(i int, p capnp.Ptr) error {
	return l.l.SetPtr(i, p)
}

// ToPtr converts list to pointer.
func (l Pointer) ToPtr() capnp.Ptr {
	return l.l.ToPtr()
}

// NewText allocates list of texts.
func NewText(msg *capnp.Message, values ...string) (Text, error) {
	l, err := capnp.NewPointerList(msg, int32(len(values)))
	if err != nil {
		return Text{}, err
	}
	t := Text{l: l}
	for i, v := range values {
		if err := t.Set(i, v); err != nil {
			return Text{}, err
		}
	}
	return t, nil
}

// TextFrom interprets pointer as list of texts.
func TextFrom(p capnp.Ptr) Text {
	return Text{l: p.List()}
}

// Text is the list of NUL-terminated strings.
type Text struct {
	l capnp.List
}

// Len returns the number of elements.
func (l Text) Len() int {
	return l.l.Len()
}

// At returns i-th element.
func (l Text) At(i int) (string, error) {
	p, err := l.l.Ptr(i)
	if err != nil {
		return "", err
	}
	return p.Text()
}

// Set sets i-th element.
func (l Text) Set(i int, v string) error {
	t, err := capnp.NewText(l.l.Message(), v)
	if err != nil {
		return err
	}
	return l.l.SetPtr(i, t.ToPtr())
}

// All iterates over elements, stopping at the first malformed one.
func (l Text) All() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for i := range l.Len() {
			v, err := l.At(i)
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// ToPtr converts list to pointer.
func (l Text) ToPtr() capnp.Ptr {
	return l.l.ToPtr()
}

// NewData allocates list of byte blobs.
func NewData(msg *capnp.Message, values ...[]byte) (Data, error) {
	l, err := capnp.NewPointerList(msg, int32(len(values)))
	if err != nil {
		return Data{}, err
	}
	d := Data{l: l}
	for i, v := range values {
		if err := d.Set(i, v); err != nil {
			return Data{}, err
		}
	}
	return d, nil
}

// DataFrom interprets pointer as list of byte blobs.
func DataFrom(p capnp.Ptr) Data {
	return Data{l: p.List()}
}

// Data is the list of byte blobs.
type Data struct {
	l capnp.List
}

// Len returns the number of elements.
func (l Data) Len() int {
	return l.l.Len()
}

// At returns i-th element. Returned slice aliases the message.
func (l Data) At(i int) ([]byte, error) {
	p, err := l.l.Ptr(i)
	if err != nil {
		return nil, err
	}
	return p.Data(), nil
}

// Set sets i-th element.
func (l Data) Set(i int, v []byte) error {
	d, err := capnp.NewData(l.l.Message(), v)
	if err != nil {
		return err
	}
	return l.l.SetPtr(i, d.ToPtr())
}

// ToPtr converts list to pointer.
func (l Data) ToPtr() capnp.Ptr {
	return l.l.ToPtr()
}

// NewCapability allocates list of n capabilities.
func NewCapability(msg *capnp.Message, n int32) (Capability, error) {
	l, err := capnp.NewPointerList(msg, n)
	if err != nil {
		return Capability{}, err
	}
	return Capability{l: l}, nil
}

// CapabilityFrom interprets pointer as list of capabilities.
func CapabilityFrom(p capnp.Ptr) Capability {
	return Capability{l: p.List()}
}

// Capability is the list of capability pointers.
type Capability struct {
	l capnp.List
}

// Len returns the number of elements.
func (l Capability) Len() int {
	return l.l.Len()
}

// At returns the client of i-th element. Client is borrowed from the message cap table.
func (l Capability) At(i int) (*capnp.Client, error) {
	p, err := l.l.Ptr(i)
	if err != nil {
		return nil, err
	}
	return p.Interface().Client(), nil
}

// Set stores client in the message cap table and points i-th element to it. Reference is taken over.
func (l Capability) Set(i int, c *capnp.Client) error {
	msg := l.l.Message()
	return l.l.SetPtr(i, capnp.NewInterface(msg, msg.AddCap(c)).ToPtr())
}

// ToPtr converts list to pointer.
func (l Capability) ToPtr() capnp.Ptr {
	return l.l.ToPtr()
}
