package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/stream"
)

const personV1 = `
name: people.capnp
structs:
  - name: Person
    dataWords: 1
    pointers: 1
    fields:
      - {name: age, type: uint32, offset: 0, default: 18}
      - {name: name, type: text, offset: 0}
`

const personV2 = `
name: people.capnp
structs:
  - name: Person
    dataWords: 2
    pointers: 3
    discriminantOffset: 2
    fields:
      - {name: age, type: uint32, offset: 0, default: 18}
      - {name: name, type: text, offset: 0}
      - {name: score, type: int64, offset: 1, default: -7}
      - {name: active, type: bool, offset: 48, default: true}
      - {name: email, type: text, offset: 1, discriminant: 0, default: "nobody@example.com"}
      - {name: phone, type: uint16, offset: 7, discriminant: 1}
      - {name: address, type: struct, struct: Address, offset: 2}
  - name: Address
    id: "0xd0a1b2c3d4e5f607"
    dataWords: 2
    pointers: 1
    fields:
      - {name: zip, type: uint32, offset: 0}
      - {name: lat, type: float64, offset: 1, default: 1.5}
      - {name: tags, type: list, element: text, offset: 0}
`

func mustParse(t *testing.T, data string, name string) *StructNode {
	r, err := Parse([]byte(data))
	require.NoError(t, err)
	n, ok := r.Struct(name)
	require.True(t, ok)
	return n
}

func newMessage(t *testing.T) *capnp.Message {
	msg, err := capnp.NewMessage(alloc.NewMultiSegment(alloc.DefaultConfig))
	require.NoError(t, err)
	t.Cleanup(msg.Release)
	return msg
}

// transmit encodes the message and decodes it back as a reader.
func transmit(t *testing.T, msg *capnp.Message) capnp.Struct {
	data, err := stream.Marshal(msg)
	require.NoError(t, err)
	r, err := stream.Unmarshal(data, stream.DefaultLimits())
	require.NoError(t, err)
	s, err := r.RootStruct()
	require.NoError(t, err)
	return s
}

func TestDefaults(t *testing.T) {
	requireT := require.New(t)

	node := mustParse(t, personV2, "Person")
	b, err := NewRootBuilder(newMessage(t), node)
	requireT.NoError(err)

	age, err := b.Uint64("age")
	requireT.NoError(err)
	requireT.EqualValues(18, age)
	score, err := b.Int64("score")
	requireT.NoError(err)
	requireT.EqualValues(-7, score)
	active, err := b.Bool("active")
	requireT.NoError(err)
	requireT.True(active)
	email, err := b.Text("email")
	requireT.NoError(err)
	requireT.Equal("nobody@example.com", email)
	which, err := b.Which()
	requireT.NoError(err)
	requireT.Equal("email", which)

	addr, err := b.Struct("address")
	requireT.NoError(err)
	lat, err := addr.Float64("lat")
	requireT.NoError(err)
	requireT.InDelta(1.5, lat, 0)
}

func TestDefaultsAreXORedOut(t *testing.T) {
	requireT := require.New(t)

	node := mustParse(t, personV2, "Person")
	b, err := NewRootBuilder(newMessage(t), node)
	requireT.NoError(err)
	requireT.NoError(b.SetUint64("age", 18))
	requireT.NoError(b.SetInt64("score", -7))
	requireT.NoError(b.SetBool("active", true))
	requireT.Zero(b.Raw().Uint64(0))
	requireT.Zero(b.Raw().Uint64(8))

	requireT.NoError(b.SetUint64("age", 19))
	requireT.EqualValues(18^19, b.Raw().Uint32(0))
	requireT.NoError(b.SetBool("active", false))
	requireT.True(b.Raw().Bit(48))
}

func TestNewerWriterOlderReader(t *testing.T) {
	requireT := require.New(t)

	v1 := mustParse(t, personV1, "Person")
	v2 := mustParse(t, personV2, "Person")

	msg := newMessage(t)
	b, err := NewRootBuilder(msg, v2)
	requireT.NoError(err)
	requireT.NoError(b.SetUint64("age", 30))
	requireT.NoError(b.SetText("name", "bob"))
	requireT.NoError(b.SetInt64("score", 5))
	requireT.NoError(b.SetUint64("phone", 77))
	addr, err := b.NewStruct("address")
	requireT.NoError(err)
	requireT.NoError(addr.SetUint64("zip", 12345))

	r := NewReader(v1, transmit(t, msg))
	age, err := r.Uint64("age")
	requireT.NoError(err)
	requireT.EqualValues(30, age)
	name, err := r.Text("name")
	requireT.NoError(err)
	requireT.Equal("bob", name)
	_, err = r.Int64("score")
	requireT.ErrorIs(err, ErrUnknownField)

	r = NewReader(v2, transmit(t, msg))
	which, err := r.Which()
	requireT.NoError(err)
	requireT.Equal("phone", which)
	requireT.False(r.Has("email"))
	requireT.True(r.Has("phone"))
	phone, err := r.Uint64("phone")
	requireT.NoError(err)
	requireT.EqualValues(77, phone)
	ar, err := r.Struct("address")
	requireT.NoError(err)
	zip, err := ar.Uint64("zip")
	requireT.NoError(err)
	requireT.EqualValues(12345, zip)
}

func TestOlderWriterNewerReader(t *testing.T) {
	requireT := require.New(t)

	v1 := mustParse(t, personV1, "Person")
	v2 := mustParse(t, personV2, "Person")

	msg := newMessage(t)
	b, err := NewRootBuilder(msg, v1)
	requireT.NoError(err)
	requireT.NoError(b.SetUint64("age", 40))
	requireT.NoError(b.SetText("name", "alice"))

	r := NewReader(v2, transmit(t, msg))
	age, err := r.Uint64("age")
	requireT.NoError(err)
	requireT.EqualValues(40, age)
	name, err := r.Text("name")
	requireT.NoError(err)
	requireT.Equal("alice", name)
	score, err := r.Int64("score")
	requireT.NoError(err)
	requireT.EqualValues(-7, score)
	active, err := r.Bool("active")
	requireT.NoError(err)
	requireT.True(active)
	email, err := r.Text("email")
	requireT.NoError(err)
	requireT.Equal("nobody@example.com", email)
	requireT.False(r.Has("address"))
}

func TestLists(t *testing.T) {
	requireT := require.New(t)

	r, err := Parse([]byte(personV2 + `
  - name: Group
    dataWords: 0
    pointers: 1
    fields:
      - {name: members, type: list, element: struct, struct: Person, offset: 0}
`))
	requireT.NoError(err)
	group, ok := r.Struct("Group")
	requireT.True(ok)

	msg := newMessage(t)
	b, err := NewRootBuilder(msg, group)
	requireT.NoError(err)
	members, err := b.NewStructList("members", 3)
	requireT.NoError(err)
	for i, m := range members {
		requireT.NoError(m.SetUint64("age", uint64(20+i)))
	}

	readers, err := NewReader(group, transmit(t, msg)).StructList("members")
	requireT.NoError(err)
	requireT.Len(readers, 3)
	for i, m := range readers {
		age, err := m.Uint64("age")
		requireT.NoError(err)
		requireT.EqualValues(20+i, age)
	}
}

func TestTypeIDs(t *testing.T) {
	requireT := require.New(t)

	r1, err := Parse([]byte(personV1))
	requireT.NoError(err)
	r2, err := Parse([]byte(personV2))
	requireT.NoError(err)

	p1, _ := r1.Struct("Person")
	p2, _ := r2.Struct("Person")
	requireT.Equal(p1.ID, p2.ID)
	requireT.NotZero(p1.ID & (1 << 63))
	requireT.Equal(TypeID(r1.ID, "Person"), p1.ID)
	requireT.NotEqual(TypeID(r1.ID, "Person"), TypeID(r1.ID, "Group"))

	addr, ok := r2.ByID(0xd0a1b2c3d4e5f607)
	requireT.True(ok)
	requireT.Equal("Address", addr.Name)
}

func TestParseErrors(t *testing.T) {
	for name, data := range map[string]string{
		"unknown type": `
structs:
  - {name: A, dataWords: 1, fields: [{name: x, type: uint128}]}`,
		"data overflow": `
structs:
  - {name: A, dataWords: 1, fields: [{name: x, type: uint32, offset: 2}]}`,
		"pointer overflow": `
structs:
  - {name: A, pointers: 1, fields: [{name: x, type: text, offset: 1}]}`,
		"unknown struct": `
structs:
  - {name: A, pointers: 1, fields: [{name: x, type: struct, struct: B}]}`,
		"low ID": `
structs:
  - {name: A, id: "0x1234"}`,
		"bad default": `
structs:
  - {name: A, dataWords: 1, fields: [{name: x, type: uint8, default: 300}]}`,
		"duplicate field": `
structs:
  - {name: A, dataWords: 1, fields: [{name: x, type: uint8}, {name: x, type: uint16}]}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.Error(t, err)
		})
	}
}

func TestFieldTypeMismatch(t *testing.T) {
	requireT := require.New(t)

	b, err := NewRootBuilder(newMessage(t), mustParse(t, personV2, "Person"))
	requireT.NoError(err)
	requireT.ErrorIs(b.SetText("age", "x"), ErrFieldType)
	_, err = b.Bool("name")
	requireT.ErrorIs(err, ErrFieldType)
	requireT.ErrorIs(b.SetBool("missing", true), ErrUnknownField)
}

func TestLoad(t *testing.T) {
	requireT := require.New(t)

	path := filepath.Join(t.TempDir(), "people.yaml")
	requireT.NoError(os.WriteFile(path, []byte(personV2), 0o600))
	r, err := Load(path)
	requireT.NoError(err)
	_, ok := r.Struct("Address")
	requireT.True(ok)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	requireT.Error(err)
}
