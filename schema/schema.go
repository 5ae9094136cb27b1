package schema

import (
	"encoding/binary"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/outofforest/capnp/types"
)

var (
	// ErrUnknownField is returned when struct has no field of requested name.
	ErrUnknownField = errors.New("unknown field")

	// ErrFieldType is returned when field is accessed as a value of different type.
	ErrFieldType = errors.New("field type mismatch")
)

// Type is the type of field.
type Type uint8

// Field types.
const (
	Void Type = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float32
	Float64
	Text
	Data
	List
	Struct
	Interface
	AnyPointer
)

var typeNames = map[string]Type{
	"void":       Void,
	"bool":       Bool,
	"int8":       Int8,
	"int16":      Int16,
	"int32":      Int32,
	"int64":      Int64,
	"uint8":      Uint8,
	"uint16":     Uint16,
	"uint32":     Uint32,
	"uint64":     Uint64,
	"float32":    Float32,
	"float64":    Float64,
	"text":       Text,
	"data":       Data,
	"list":       List,
	"struct":     Struct,
	"interface":  Interface,
	"anyPointer": AnyPointer,
}

// String returns the name of type.
func (t Type) String() string {
	for name, v := range typeNames {
		if v == t {
			return name
		}
	}
	return "type(" + strconv.Itoa(int(t)) + ")"
}

// Bits returns the number of bits taken by the value in data section. Pointer types return 0.
func (t Type) Bits() uint32 {
	switch t {
	case Bool:
		return 1
	case Int8, Uint8:
		return 8
	case Int16, Uint16:
		return 16
	case Int32, Uint32, Float32:
		return 32
	case Int64, Uint64, Float64:
		return 64
	default:
		return 0
	}
}

// IsPointer reports whether values of the type are stored in pointer section.
func (t Type) IsPointer() bool {
	return t >= Text
}

// ElementSize returns the list element size for values of the type.
func (t Type) ElementSize() types.ElementSize {
	switch t.Bits() {
	case 1:
		return types.BitElement
	case 8:
		return types.ByteElement
	case 16:
		return types.TwoByteElement
	case 32:
		return types.FourByteElement
	case 64:
		return types.EightByteElement
	}
	switch t {
	case Void:
		return types.VoidElement
	case Struct:
		return types.CompositeElement
	default:
		return types.PointerElement
	}
}

// Field describes one field of struct.
type Field struct {
	Name string
	Type Type

	// Offset is the offset in units of field width for data fields and the pointer index for pointer fields.
	Offset uint32

	// Discriminant is the union tag of the field, nil if field is not a union member.
	Discriminant *uint16

	// Struct is the name of the struct type for struct fields and struct list elements.
	Struct string

	// Element is the element type of list fields.
	Element Type

	defaultBits uint64
	defaultText string
}

// DefaultBits returns the raw bits of default value XORed with data stored on the wire.
func (f *Field) DefaultBits() uint64 {
	return f.defaultBits
}

// StructNode describes struct type.
type StructNode struct {
	ID   uint64
	Name string
	Size types.ObjectSize

	// DiscriminantOffset is the offset of union tag in 16-bit units. Used only when struct has union members.
	DiscriminantOffset uint32

	Fields []*Field

	registry *Registry
	byName   map[string]*Field
}

// Field returns the field of given name.
func (n *StructNode) Field(name string) (*Field, bool) {
	f, ok := n.byName[name]
	return f, ok
}

// HasUnion reports whether struct contains union.
func (n *StructNode) HasUnion() bool {
	for _, f := range n.Fields {
		if f.Discriminant != nil {
			return true
		}
	}
	return false
}

// Registry stores loaded struct descriptors.
type Registry struct {
	ID uint64

	byName map[string]*StructNode
	byID   map[uint64]*StructNode
}

// Struct returns the struct of given name.
func (r *Registry) Struct(name string) (*StructNode, bool) {
	n, ok := r.byName[name]
	return n, ok
}

// ByID returns the struct of given ID.
func (r *Registry) ByID(id uint64) (*StructNode, bool) {
	n, ok := r.byID[id]
	return n, ok
}

// TypeID computes the ID of named node declared inside the parent.
// The high bit is always set so generated IDs never collide with zero.
func TypeID(parent uint64, name string) uint64 {
	b := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(name)), parent)
	return xxhash.Sum64(append(b, name...)) | 1<<63
}

type fileYAML struct {
	ID      string       `yaml:"id"`
	Name    string       `yaml:"name"`
	Structs []structYAML `yaml:"structs"`
}

type structYAML struct {
	Name               string      `yaml:"name"`
	ID                 string      `yaml:"id"`
	DataWords          uint16      `yaml:"dataWords"`
	Pointers           uint16      `yaml:"pointers"`
	DiscriminantOffset uint32      `yaml:"discriminantOffset"`
	Fields             []fieldYAML `yaml:"fields"`
}

type fieldYAML struct {
	Name         string    `yaml:"name"`
	Type         string    `yaml:"type"`
	Offset       uint32    `yaml:"offset"`
	Discriminant *uint16   `yaml:"discriminant"`
	Struct       string    `yaml:"struct"`
	Element      string    `yaml:"element"`
	Default      yaml.Node `yaml:"default"`
}

// Load loads descriptors from YAML file.
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	r, err := Parse(data)
	return r, errors.Wrapf(err, "loading schema %q failed", path)
}

// Parse parses YAML descriptors.
func Parse(data []byte) (*Registry, error) {
	var file fileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.WithStack(err)
	}

	r := &Registry{
		byName: map[string]*StructNode{},
		byID:   map[uint64]*StructNode{},
	}
	var err error
	if r.ID, err = parseID(file.ID, 0, file.Name); err != nil {
		return nil, err
	}

	for _, sy := range file.Structs {
		n, err := parseStruct(r, sy)
		if err != nil {
			return nil, errors.Wrapf(err, "struct %q", sy.Name)
		}
		if _, exists := r.byName[n.Name]; exists {
			return nil, errors.Errorf("struct %q declared twice", n.Name)
		}
		if other, exists := r.byID[n.ID]; exists {
			return nil, errors.Errorf("structs %q and %q have the same ID %#x", other.Name, n.Name, n.ID)
		}
		r.byName[n.Name] = n
		r.byID[n.ID] = n
	}

	for _, n := range r.byName {
		for _, f := range n.Fields {
			if f.Type != Struct && (f.Type != List || f.Element != Struct) {
				continue
			}
			if _, ok := r.byName[f.Struct]; !ok {
				return nil, errors.Errorf("field %s.%s references unknown struct %q", n.Name, f.Name, f.Struct)
			}
		}
	}
	return r, nil
}

func parseID(v string, parent uint64, name string) (uint64, error) {
	if v == "" {
		return TypeID(parent, name), nil
	}
	id, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid ID %q", v)
	}
	if id&(1<<63) == 0 {
		return 0, errors.Errorf("ID %#x must have the high bit set", id)
	}
	return id, nil
}

func parseStruct(r *Registry, sy structYAML) (*StructNode, error) {
	if sy.Name == "" {
		return nil, errors.New("struct has no name")
	}
	id, err := parseID(sy.ID, r.ID, sy.Name)
	if err != nil {
		return nil, err
	}
	n := &StructNode{
		ID:   id,
		Name: sy.Name,
		Size: types.ObjectSize{
			DataSize:     types.Size(sy.DataWords) * types.WordSize,
			PointerCount: sy.Pointers,
		},
		DiscriminantOffset: sy.DiscriminantOffset,
		registry:           r,
		byName:             map[string]*Field{},
	}

	for _, fy := range sy.Fields {
		f, err := parseField(fy)
		if err != nil {
			return nil, errors.Wrapf(err, "field %q", fy.Name)
		}
		if bits := f.Type.Bits(); bits > 0 && uint64(f.Offset+1)*uint64(bits) > uint64(n.Size.DataSize)*8 {
			return nil, errors.Errorf("field %q at offset %d does not fit data section", f.Name, f.Offset)
		}
		if f.Type.IsPointer() && f.Offset >= uint32(n.Size.PointerCount) {
			return nil, errors.Errorf("field %q at pointer %d does not fit pointer section", f.Name, f.Offset)
		}
		if _, exists := n.byName[f.Name]; exists {
			return nil, errors.Errorf("field %q declared twice", f.Name)
		}
		n.Fields = append(n.Fields, f)
		n.byName[f.Name] = f
	}
	if n.HasUnion() && uint64(n.DiscriminantOffset+1)*16 > uint64(n.Size.DataSize)*8 {
		return nil, errors.Errorf("discriminant at offset %d does not fit data section", n.DiscriminantOffset)
	}
	return n, nil
}

func parseField(fy fieldYAML) (*Field, error) {
	if fy.Name == "" {
		return nil, errors.New("field has no name")
	}
	t, ok := typeNames[fy.Type]
	if !ok {
		return nil, errors.Errorf("unknown type %q", fy.Type)
	}
	f := &Field{
		Name:         fy.Name,
		Type:         t,
		Offset:       fy.Offset,
		Discriminant: fy.Discriminant,
		Struct:       fy.Struct,
	}
	switch t {
	case List:
		if f.Element, ok = typeNames[fy.Element]; !ok {
			return nil, errors.Errorf("unknown list element type %q", fy.Element)
		}
		if f.Element == Struct && f.Struct == "" {
			return nil, errors.New("struct list requires struct name")
		}
	case Struct:
		if f.Struct == "" {
			return nil, errors.New("struct field requires struct name")
		}
	}

	if fy.Default.Kind == 0 {
		return f, nil
	}
	if fy.Default.Kind != yaml.ScalarNode {
		return nil, errors.New("default must be scalar")
	}
	var err error
	f.defaultBits, f.defaultText, err = parseDefault(t, fy.Default.Value)
	return f, err
}

func parseDefault(t Type, v string) (uint64, string, error) {
	n := strings.TrimSpace(v)
	switch t {
	case Bool:
		b, err := strconv.ParseBool(n)
		if err != nil {
			return 0, "", errors.WithStack(err)
		}
		if b {
			return 1, "", nil
		}
		return 0, "", nil
	case Int8, Int16, Int32, Int64:
		i, err := strconv.ParseInt(n, 0, int(t.Bits()))
		if err != nil {
			return 0, "", errors.WithStack(err)
		}
		return uint64(i) & mask(t.Bits()), "", nil
	case Uint8, Uint16, Uint32, Uint64:
		u, err := strconv.ParseUint(n, 0, int(t.Bits()))
		return u, "", errors.WithStack(err)
	case Float32:
		f, err := strconv.ParseFloat(n, 32)
		return uint64(math.Float32bits(float32(f))), "", errors.WithStack(err)
	case Float64:
		f, err := strconv.ParseFloat(n, 64)
		return math.Float64bits(f), "", errors.WithStack(err)
	case Text, Data:
		return 0, v, nil
	default:
		return 0, "", errors.Errorf("type %s has no default", t)
	}
}

func mask(bits uint32) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return 1<<bits - 1
}
