package schema

import (
	"math"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/types"
)

// NewReader returns reader interpreting struct according to the descriptor.
func NewReader(node *StructNode, s capnp.Struct) Reader {
	return Reader{
		node: node,
		s:    s,
	}
}

// Reader reads fields of struct by name. Fields missing on the wire read as their defaults.
type Reader struct {
	node *StructNode
	s    capnp.Struct
}

// Node returns the descriptor.
func (r Reader) Node() *StructNode {
	return r.node
}

// Raw returns the underlying struct.
func (r Reader) Raw() capnp.Struct {
	return r.s
}

func (r Reader) field(name string, accepted func(Type) bool) (*Field, error) {
	f, ok := r.node.Field(name)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownField, "%s.%s", r.node.Name, name)
	}
	if !accepted(f.Type) {
		return nil, errors.Wrapf(ErrFieldType, "%s.%s is %s", r.node.Name, name, f.Type)
	}
	return f, nil
}

// bits reads the raw value of data field with default applied.
func (r Reader) bits(f *Field) uint64 {
	return readBits(r.s, f) ^ f.defaultBits
}

// Bool returns the value of bool field.
func (r Reader) Bool(name string) (bool, error) {
	f, err := r.field(name, isType(Bool))
	if err != nil {
		return false, err
	}
	return r.bits(f) != 0, nil
}

// Uint64 returns the value of unsigned integer field of any width.
func (r Reader) Uint64(name string) (uint64, error) {
	f, err := r.field(name, isType(Uint8, Uint16, Uint32, Uint64))
	if err != nil {
		return 0, err
	}
	return r.bits(f), nil
}

// Int64 returns the value of signed integer field of any width.
func (r Reader) Int64(name string) (int64, error) {
	f, err := r.field(name, isType(Int8, Int16, Int32, Int64))
	if err != nil {
		return 0, err
	}
	v := r.bits(f)
	shift := 64 - f.Type.Bits()
	return int64(v<<shift) >> shift, nil
}

// Float64 returns the value of floating point field of any width.
func (r Reader) Float64(name string) (float64, error) {
	f, err := r.field(name, isType(Float32, Float64))
	if err != nil {
		return 0, err
	}
	if f.Type == Float32 {
		return float64(math.Float32frombits(uint32(r.bits(f)))), nil
	}
	return math.Float64frombits(r.bits(f)), nil
}

// Text returns the value of text field.
func (r Reader) Text(name string) (string, error) {
	f, err := r.field(name, isType(Text))
	if err != nil {
		return "", err
	}
	if !r.s.HasPtr(uint16(f.Offset)) {
		return f.defaultText, nil
	}
	return r.s.Text(uint16(f.Offset))
}

// Data returns the value of data field.
func (r Reader) Data(name string) ([]byte, error) {
	f, err := r.field(name, isType(Data))
	if err != nil {
		return nil, err
	}
	if !r.s.HasPtr(uint16(f.Offset)) {
		if f.defaultText == "" {
			return nil, nil
		}
		return []byte(f.defaultText), nil
	}
	return r.s.Data(uint16(f.Offset))
}

// Struct returns reader of struct field. Null pointer gives reader of struct with all defaults.
func (r Reader) Struct(name string) (Reader, error) {
	f, err := r.field(name, isType(Struct))
	if err != nil {
		return Reader{}, err
	}
	node, _ := r.node.registry.Struct(f.Struct)
	p, err := r.s.Ptr(uint16(f.Offset))
	if err != nil {
		return Reader{}, err
	}
	return NewReader(node, p.Struct()), nil
}

// List returns the list stored in list field.
func (r Reader) List(name string) (capnp.List, error) {
	f, err := r.field(name, isType(List))
	if err != nil {
		return capnp.List{}, err
	}
	p, err := r.s.Ptr(uint16(f.Offset))
	if err != nil {
		return capnp.List{}, err
	}
	return p.List(), nil
}

// StructList returns readers of elements of struct list field.
func (r Reader) StructList(name string) ([]Reader, error) {
	f, err := r.field(name, isType(List))
	if err != nil {
		return nil, err
	}
	if f.Element != Struct {
		return nil, errors.Wrapf(ErrFieldType, "%s.%s is list of %s", r.node.Name, name, f.Element)
	}
	l, err := r.List(name)
	if err != nil {
		return nil, err
	}
	node, _ := r.node.registry.Struct(f.Struct)
	readers := make([]Reader, 0, l.Len())
	for i := range l.Len() {
		readers = append(readers, NewReader(node, l.Struct(i)))
	}
	return readers, nil
}

// Interface returns the client stored in interface field without taking new reference.
func (r Reader) Interface(name string) (*capnp.Client, error) {
	f, err := r.field(name, isType(Interface))
	if err != nil {
		return nil, err
	}
	p, err := r.s.Ptr(uint16(f.Offset))
	if err != nil {
		return nil, err
	}
	return p.Interface().Client(), nil
}

// Has reports whether pointer field is set or union member is active.
func (r Reader) Has(name string) bool {
	f, ok := r.node.Field(name)
	if !ok {
		return false
	}
	if f.Discriminant != nil && r.discriminant() != *f.Discriminant {
		return false
	}
	if f.Type.IsPointer() {
		return r.s.HasPtr(uint16(f.Offset))
	}
	return true
}

// Which returns the name of active union member.
func (r Reader) Which() (string, error) {
	if !r.node.HasUnion() {
		return "", errors.Errorf("struct %s has no union", r.node.Name)
	}
	d := r.discriminant()
	for _, f := range r.node.Fields {
		if f.Discriminant != nil && *f.Discriminant == d {
			return f.Name, nil
		}
	}
	// Member added in newer schema version.
	return "", errors.Wrapf(ErrUnknownField, "%s has no union member %d", r.node.Name, d)
}

func (r Reader) discriminant() uint16 {
	return r.s.Uint16(types.DataOffset(r.node.DiscriminantOffset * 2))
}

// NewRootBuilder allocates struct described by node as the root of message.
func NewRootBuilder(msg *capnp.Message, node *StructNode) (Builder, error) {
	s, err := capnp.NewRootStruct(msg, node.Size)
	if err != nil {
		return Builder{}, err
	}
	return NewBuilder(node, s), nil
}

// NewBuilder returns builder setting fields of struct according to the descriptor.
func NewBuilder(node *StructNode, s capnp.Struct) Builder {
	return Builder{
		Reader: NewReader(node, s),
	}
}

// Builder sets fields of struct by name.
type Builder struct {
	Reader
}

func (b Builder) setBits(f *Field, v uint64) {
	writeBits(b.s, f, v^f.defaultBits)
	b.selectMember(f)
}

func (b Builder) selectMember(f *Field) {
	if f.Discriminant != nil {
		b.s.SetUint16(types.DataOffset(b.node.DiscriminantOffset*2), *f.Discriminant)
	}
}

// SetBool sets bool field.
func (b Builder) SetBool(name string, v bool) error {
	f, err := b.field(name, isType(Bool))
	if err != nil {
		return err
	}
	var bits uint64
	if v {
		bits = 1
	}
	b.setBits(f, bits)
	return nil
}

// SetUint64 sets unsigned integer field, truncating the value to field width.
func (b Builder) SetUint64(name string, v uint64) error {
	f, err := b.field(name, isType(Uint8, Uint16, Uint32, Uint64))
	if err != nil {
		return err
	}
	b.setBits(f, v&mask(f.Type.Bits()))
	return nil
}

// SetInt64 sets signed integer field, truncating the value to field width.
func (b Builder) SetInt64(name string, v int64) error {
	f, err := b.field(name, isType(Int8, Int16, Int32, Int64))
	if err != nil {
		return err
	}
	b.setBits(f, uint64(v)&mask(f.Type.Bits()))
	return nil
}

// SetFloat64 sets floating point field.
func (b Builder) SetFloat64(name string, v float64) error {
	f, err := b.field(name, isType(Float32, Float64))
	if err != nil {
		return err
	}
	if f.Type == Float32 {
		b.setBits(f, uint64(math.Float32bits(float32(v))))
		return nil
	}
	b.setBits(f, math.Float64bits(v))
	return nil
}

// SetText sets text field.
func (b Builder) SetText(name, v string) error {
	f, err := b.field(name, isType(Text))
	if err != nil {
		return err
	}
	b.selectMember(f)
	return b.s.SetText(uint16(f.Offset), v)
}

// SetData sets data field.
func (b Builder) SetData(name string, v []byte) error {
	f, err := b.field(name, isType(Data))
	if err != nil {
		return err
	}
	b.selectMember(f)
	return b.s.SetData(uint16(f.Offset), v)
}

// SetPtr sets any pointer field.
func (b Builder) SetPtr(name string, p capnp.Ptr) error {
	f, err := b.field(name, Type.IsPointer)
	if err != nil {
		return err
	}
	b.selectMember(f)
	return b.s.SetPtr(uint16(f.Offset), p)
}

// SetInterface stores client in the message cap table and points interface field to it. Reference is taken over.
func (b Builder) SetInterface(name string, c *capnp.Client) error {
	msg := b.s.Message()
	f, err := b.field(name, isType(Interface))
	if err != nil {
		c.Release()
		return err
	}
	b.selectMember(f)
	return b.s.SetPtr(uint16(f.Offset), capnp.NewInterface(msg, msg.AddCap(c)).ToPtr())
}

// NewStruct allocates struct for struct field and returns its builder.
func (b Builder) NewStruct(name string) (Builder, error) {
	f, err := b.field(name, isType(Struct))
	if err != nil {
		return Builder{}, err
	}
	node, _ := b.node.registry.Struct(f.Struct)
	s, err := capnp.NewStruct(b.s.Message(), node.Size)
	if err != nil {
		return Builder{}, err
	}
	b.selectMember(f)
	if err := b.s.SetPtr(uint16(f.Offset), s.ToPtr()); err != nil {
		return Builder{}, err
	}
	return NewBuilder(node, s), nil
}

// NewStructList allocates n structs for struct list field and returns their builders.
func (b Builder) NewStructList(name string, n int32) ([]Builder, error) {
	f, err := b.field(name, isType(List))
	if err != nil {
		return nil, err
	}
	if f.Element != Struct {
		return nil, errors.Wrapf(ErrFieldType, "%s.%s is list of %s", b.node.Name, name, f.Element)
	}
	node, _ := b.node.registry.Struct(f.Struct)
	l, err := capnp.NewCompositeList(b.s.Message(), node.Size, n)
	if err != nil {
		return nil, err
	}
	b.selectMember(f)
	if err := b.s.SetPtr(uint16(f.Offset), l.ToPtr()); err != nil {
		return nil, err
	}
	builders := make([]Builder, 0, n)
	for i := range l.Len() {
		builders = append(builders, NewBuilder(node, l.Struct(i)))
	}
	return builders, nil
}

func isType(accepted ...Type) func(Type) bool {
	return func(t Type) bool {
		for _, a := range accepted {
			if t == a {
				return true
			}
		}
		return false
	}
}

func readBits(s capnp.Struct, f *Field) uint64 {
	bits := f.Type.Bits()
	switch bits {
	case 1:
		if s.Bit(types.BitOffset(f.Offset)) {
			return 1
		}
		return 0
	case 8:
		return uint64(s.Uint8(types.DataOffset(f.Offset)))
	case 16:
		return uint64(s.Uint16(types.DataOffset(f.Offset * 2)))
	case 32:
		return uint64(s.Uint32(types.DataOffset(f.Offset * 4)))
	default:
		return s.Uint64(types.DataOffset(f.Offset * 8))
	}
}

func writeBits(s capnp.Struct, f *Field, v uint64) {
	switch f.Type.Bits() {
	case 1:
		s.SetBit(types.BitOffset(f.Offset), v != 0)
	case 8:
		s.SetUint8(types.DataOffset(f.Offset), uint8(v))
	case 16:
		s.SetUint16(types.DataOffset(f.Offset*2), uint16(v))
	case 32:
		s.SetUint32(types.DataOffset(f.Offset*4), uint32(v))
	default:
		s.SetUint64(types.DataOffset(f.Offset*8), v)
	}
}
