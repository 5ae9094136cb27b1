package capnp

import (
	"github.com/pkg/errors"

	"github.com/outofforest/capnp/pointer"
	"github.com/outofforest/capnp/types"
)

type ptrKind uint8

const (
	nullPtr ptrKind = iota
	structPtr
	listPtr
	interfacePtr
)

// Ptr is the decoded pointer to struct, list or capability. Zero value is the null pointer.
type Ptr struct {
	seg        Segment
	off        types.Address
	size       types.ObjectSize
	length     int32
	es         types.ElementSize
	depthLimit uint
	kind       ptrKind
}

// IsValid reports whether pointer is not null.
func (p Ptr) IsValid() bool {
	return p.kind != nullPtr
}

// IsStruct reports whether pointer points to struct.
func (p Ptr) IsStruct() bool {
	return p.kind == structPtr
}

// IsList reports whether pointer points to list.
func (p Ptr) IsList() bool {
	return p.kind == listPtr
}

// IsInterface reports whether pointer references capability.
func (p Ptr) IsInterface() bool {
	return p.kind == interfacePtr
}

// Message returns the message pointer belongs to.
func (p Ptr) Message() *Message {
	return p.seg.msg
}

// Struct returns the struct. Non-struct pointers give empty struct.
func (p Ptr) Struct() Struct {
	if p.kind != structPtr {
		return Struct{}
	}
	return Struct{
		seg:        p.seg,
		off:        p.off,
		size:       p.size,
		depthLimit: p.depthLimit,
	}
}

// List returns the list. Non-list pointers give empty list.
func (p Ptr) List() List {
	if p.kind != listPtr {
		return List{}
	}
	return List{
		seg:        p.seg,
		off:        p.off,
		length:     p.length,
		size:       p.size,
		es:         p.es,
		depthLimit: p.depthLimit,
	}
}

// Interface returns the capability reference. Other pointers give invalid interface.
func (p Ptr) Interface() Interface {
	if p.kind != interfacePtr {
		return Interface{}
	}
	return Interface{
		msg: p.seg.msg,
		cap: p.capID(),
		ok:  true,
	}
}

// Text returns the content of a NUL-terminated byte list.
func (p Ptr) Text() (string, error) {
	b, err := p.TextBytes()
	return string(b), err
}

// TextBytes returns the content of a NUL-terminated byte list without copying.
func (p Ptr) TextBytes() ([]byte, error) {
	l := p.List()
	if l.es != types.ByteElement || l.length == 0 {
		return nil, nil
	}
	b := l.seg.slice(l.off, types.Size(l.length))
	if b[len(b)-1] != 0 {
		return nil, errors.WithStack(ErrNotNULTerminated)
	}
	return b[:len(b)-1], nil
}

// Data returns the content of a byte list without copying.
func (p Ptr) Data() []byte {
	l := p.List()
	if l.es != types.ByteElement {
		return nil
	}
	return l.seg.slice(l.off, types.Size(l.length))
}

func (p Ptr) capID() types.CapabilityID {
	return types.CapabilityID(p.length)
}

// encode returns the pointer word with zero offset and the address offsets are computed against.
func (p Ptr) encode() (pointer.Raw, types.Address) {
	if p.kind == structPtr {
		return pointer.NewStruct(0, p.size), p.off
	}
	switch p.es {
	case types.CompositeElement:
		total, _ := p.size.TotalSize().Times(p.length)
		return pointer.NewList(0, p.es, int32(total.Words())), p.off - types.WordSize
	default:
		return pointer.NewList(0, p.es, p.length), p.off
	}
}

// NewInterface creates reference to the capability stored in message cap table.
func NewInterface(msg *Message, id types.CapabilityID) Interface {
	return Interface{
		msg: msg,
		cap: id,
		ok:  true,
	}
}

// Interface is the capability pointer.
type Interface struct {
	msg *Message
	cap types.CapabilityID
	ok  bool
}

// IsValid reports whether interface references capability table.
func (i Interface) IsValid() bool {
	return i.ok
}

// Capability returns the index in the capability table.
func (i Interface) Capability() types.CapabilityID {
	return i.cap
}

// Message returns the message interface belongs to.
func (i Interface) Message() *Message {
	return i.msg
}

// Client returns the client from the cap table without taking new reference.
// Nil is returned when index is out of table.
func (i Interface) Client() *Client {
	if !i.ok || i.msg == nil || uint64(i.cap) >= uint64(len(i.msg.CapTable)) {
		return nil
	}
	return i.msg.CapTable[i.cap]
}

// ToPtr converts interface to pointer.
func (i Interface) ToPtr() Ptr {
	if !i.ok {
		return Ptr{}
	}
	return Ptr{
		seg:    Segment{msg: i.msg},
		length: int32(i.cap),
		kind:   interfacePtr,
	}
}
