package list

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/types"
)

func newMessage(t *testing.T) *capnp.Message {
	msg, err := capnp.NewMessage(alloc.NewMultiSegment(alloc.DefaultConfig))
	require.NoError(t, err)
	t.Cleanup(msg.Release)
	return msg
}

func TestPrimitive(t *testing.T) {
	requireT := require.New(t)

	msg := newMessage(t)
	u16, err := NewPrimitive[uint16](msg, 3)
	requireT.NoError(err)
	u16.Set(0, 1)
	u16.Set(1, 0xffff)
	u16.Set(2, 3)
	requireT.Equal(types.TwoByteElement, u16.ToPtr().List().ElementSize())

	i32, err := NewPrimitive[int32](msg, 2)
	requireT.NoError(err)
	i32.Set(0, -5)
	i32.Set(1, math.MaxInt32)

	f64, err := NewPrimitive[float64](msg, 1)
	requireT.NoError(err)
	f64.Set(0, math.Pi)

	var got []uint16
	for _, v := range PrimitiveFrom[uint16](u16.ToPtr()).All() {
		got = append(got, v)
	}
	requireT.Equal([]uint16{1, 0xffff, 3}, got)

	r32 := PrimitiveFrom[int32](i32.ToPtr())
	requireT.EqualValues(-5, r32.At(0))
	requireT.EqualValues(math.MaxInt32, r32.At(1))
	requireT.Zero(r32.At(2))
	requireT.InDelta(math.Pi, PrimitiveFrom[float64](f64.ToPtr()).At(0), 0)
}

func TestPrimitiveAllStopsEarly(t *testing.T) {
	requireT := require.New(t)

	l, err := NewPrimitive[uint8](newMessage(t), 10)
	requireT.NoError(err)

	n := 0
	for i := range l.All() {
		if i == 3 {
			break
		}
		n++
	}
	requireT.Equal(3, n)
}

func TestBit(t *testing.T) {
	requireT := require.New(t)

	l, err := NewBit(newMessage(t), 11)
	requireT.NoError(err)
	l.Set(0, true)
	l.Set(10, true)

	r := BitFrom(l.ToPtr())
	requireT.Equal(11, r.Len())
	var got []bool
	for _, v := range r.All() {
		got = append(got, v)
	}
	requireT.Equal([]bool{true, false, false, false, false, false, false, false, false, false, true}, got)
}

func TestVoid(t *testing.T) {
	requireT := require.New(t)

	l, err := NewVoid(newMessage(t), 1000)
	requireT.NoError(err)
	requireT.Equal(1000, VoidFrom(l.ToPtr()).Len())
}

func TestStructList(t *testing.T) {
	requireT := require.New(t)

	l, err := NewStruct(newMessage(t), types.ObjectSize{DataSize: 8, PointerCount: 1}, 3)
	requireT.NoError(err)
	for i, s := range l.All() {
		s.SetUint64(0, uint64(i*10))
		requireT.NoError(s.SetText(0, "x"))
	}

	r := StructFrom(l.ToPtr())
	requireT.Equal(3, r.Len())
	requireT.EqualValues(20, r.At(2).Uint64(0))
	text, err := r.At(1).Text(0)
	requireT.NoError(err)
	requireT.Equal("x", text)
}

func TestPrimitiveReadAsStructList(t *testing.T) {
	requireT := require.New(t)

	l, err := NewPrimitive[uint32](newMessage(t), 2)
	requireT.NoError(err)
	l.Set(1, 77)

	r := StructFrom(l.ToPtr())
	requireT.EqualValues(77, r.At(1).Uint32(0))
	requireT.Zero(r.At(1).Uint64(0))
}

func TestTextAndData(t *testing.T) {
	requireT := require.New(t)

	msg := newMessage(t)
	texts, err := NewText(msg, "a", "", "ccc")
	requireT.NoError(err)
	data, err := NewData(msg, []byte{1}, nil)
	requireT.NoError(err)

	var got []string
	for v, err := range TextFrom(texts.ToPtr()).All() {
		requireT.NoError(err)
		got = append(got, v)
	}
	requireT.Equal([]string{"a", "", "ccc"}, got)

	d := DataFrom(data.ToPtr())
	b, err := d.At(0)
	requireT.NoError(err)
	requireT.Equal([]byte{1}, b)
	b, err = d.At(1)
	requireT.NoError(err)
	requireT.Empty(b)
}

func TestPointer(t *testing.T) {
	requireT := require.New(t)

	msg := newMessage(t)
	l, err := NewPointer(msg, 2)
	requireT.NoError(err)
	s, err := capnp.NewStruct(msg, types.ObjectSize{DataSize: 8})
	requireT.NoError(err)
	s.SetUint64(0, 9)
	requireT.NoError(l.Set(1, s.ToPtr()))

	r := PointerFrom(l.ToPtr())
	p, err := r.At(0)
	requireT.NoError(err)
	requireT.False(p.IsValid())
	p, err = r.At(1)
	requireT.NoError(err)
	requireT.EqualValues(9, p.Struct().Uint64(0))
}

type nopHook struct{}

func (nopHook) Send(_ context.Context, _ capnp.Send) *capnp.Answer {
	return capnp.ErrorAnswer(exc.New(exc.Unimplemented, "", "nop"))
}

func (h nopHook) Brand() capnp.Brand {
	return capnp.Brand{Value: h}
}

func (nopHook) Shutdown() {}

func TestCapability(t *testing.T) {
	requireT := require.New(t)

	msg := newMessage(t)
	l, err := NewCapability(msg, 2)
	requireT.NoError(err)
	c := capnp.NewClient(nopHook{})
	requireT.NoError(l.Set(0, c))

	r := CapabilityFrom(l.ToPtr())
	got, err := r.At(0)
	requireT.NoError(err)
	requireT.True(got.IsSame(c))
	got, err = r.At(1)
	requireT.NoError(err)
	requireT.Nil(got)
}
