package stream

import (
	"bytes"
	"encoding/binary"
	"io"
	"runtime"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/list"
	"github.com/outofforest/capnp/packed"
	"github.com/outofforest/capnp/pointer"
	"github.com/outofforest/capnp/types"
)

var sampleSize = types.ObjectSize{PointerCount: 2}

func newSample(t testing.TB, config alloc.Config) *capnp.Message {
	requireT := require.New(t)

	msg, err := capnp.NewMessage(alloc.NewMultiSegment(config))
	requireT.NoError(err)
	t.Cleanup(msg.Release)

	s, err := capnp.NewRootStruct(msg, sampleSize)
	requireT.NoError(err)
	requireT.NoError(s.SetText(0, "hi"))
	l, err := list.NewPrimitive[uint8](msg, 3)
	requireT.NoError(err)
	for i, v := range []uint8{1, 2, 3} {
		l.Set(i, v)
	}
	requireT.NoError(s.SetPtr(1, l.ToPtr()))
	return msg
}

func requireSample(t *testing.T, msg *capnp.Message) {
	requireT := require.New(t)

	s, err := msg.RootStruct()
	requireT.NoError(err)
	text, err := s.Text(0)
	requireT.NoError(err)
	requireT.Equal("hi", text)

	p, err := s.Ptr(1)
	requireT.NoError(err)
	var values []uint8
	for _, v := range list.PrimitiveFrom[uint8](p).All() {
		values = append(values, v)
	}
	requireT.Equal([]uint8{1, 2, 3}, values)
}

func word(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func TestScenarioLayout(t *testing.T) {
	requireT := require.New(t)

	data, err := Marshal(newSample(t, alloc.DefaultConfig))
	requireT.NoError(err)

	expected := []byte{
		0x00, 0x00, 0x00, 0x00, // one segment
		0x05, 0x00, 0x00, 0x00, // of five words
	}
	expected = append(expected, word(uint64(pointer.NewStruct(0, sampleSize)))...)
	expected = append(expected, word(uint64(pointer.NewList(1, types.ByteElement, 3)))...)
	expected = append(expected, word(uint64(pointer.NewList(1, types.ByteElement, 3)))...)
	expected = append(expected, 'h', 'i', 0, 0, 0, 0, 0, 0)
	expected = append(expected, 1, 2, 3, 0, 0, 0, 0, 0)
	requireT.Empty(cmp.Diff(expected, data))

	requireT.Equal([]byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x02, 0x00}, data[8:16])

	msg, err := Unmarshal(data, DefaultLimits())
	requireT.NoError(err)
	requireSample(t, msg)
}

func TestMultiSegmentRoundTrip(t *testing.T) {
	requireT := require.New(t)

	orig := newSample(t, alloc.Config{SegmentSize: 8})
	requireT.Greater(orig.NumSegments(), 1)

	data, err := Marshal(orig)
	requireT.NoError(err)
	requireT.EqualValues(orig.NumSegments()-1, binary.LittleEndian.Uint32(data))
	requireT.Zero(len(data) % types.WordSize)

	msg, err := Unmarshal(data, DefaultLimits())
	requireT.NoError(err)
	requireT.Equal(orig.NumSegments(), msg.NumSegments())
	requireSample(t, msg)

	packedData, err := MarshalPacked(orig)
	requireT.NoError(err)
	requireT.Less(len(packedData), len(data))
	msg, err = UnmarshalPacked(packedData, DefaultLimits())
	requireT.NoError(err)
	requireSample(t, msg)
}

func TestEncoderDecoder(t *testing.T) {
	for _, pack := range []bool{false, true} {
		requireT := require.New(t)

		buf := &bytes.Buffer{}
		e := NewEncoder(buf, pack)
		requireT.NoError(e.Encode(newSample(t, alloc.DefaultConfig)))
		requireT.NoError(e.Encode(newSample(t, alloc.Config{SegmentSize: 8})))

		var d *Decoder
		if pack {
			d = NewPackedDecoder(buf, DefaultLimits())
		} else {
			d = NewDecoder(buf, DefaultLimits())
		}
		for range 2 {
			msg, err := d.Decode()
			requireT.NoError(err)
			requireSample(t, msg)
		}
		_, err := d.Decode()
		requireT.ErrorIs(err, io.EOF)
	}
}

func TestLimits(t *testing.T) {
	requireT := require.New(t)

	data, err := Marshal(newSample(t, alloc.Config{SegmentSize: 8}))
	requireT.NoError(err)

	_, err = Unmarshal(data, Limits{MaxSegments: 1})
	requireT.ErrorIs(err, ErrTooManySegments)
	_, err = NewDecoder(bytes.NewReader(data), Limits{MaxSegments: 1}).Decode()
	requireT.ErrorIs(err, ErrTooManySegments)

	_, err = Unmarshal(data, Limits{MaxMessageSize: 8})
	requireT.ErrorIs(err, ErrMessageTooLarge)

	// Header declaring huge segment must not allocate it.
	huge := []byte{0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x1f}
	_, err = NewDecoder(bytes.NewReader(huge), DefaultLimits()).Decode()
	requireT.ErrorIs(err, ErrMessageTooLarge)

	tooMany := []byte{0xff, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x00}
	_, err = Unmarshal(tooMany, DefaultLimits())
	requireT.ErrorIs(err, ErrTooManySegments)
}

func TestTruncated(t *testing.T) {
	requireT := require.New(t)

	data, err := Marshal(newSample(t, alloc.Config{SegmentSize: 8}))
	requireT.NoError(err)

	for _, n := range []int{1, 7, 8, 12, len(data) - 1} {
		_, err := Unmarshal(data[:n], DefaultLimits())
		requireT.ErrorIs(err, ErrTruncated)
		_, err = NewDecoder(bytes.NewReader(data[:n]), DefaultLimits()).Decode()
		requireT.ErrorIs(err, ErrTruncated)
	}

	_, err = Unmarshal(append(data, make([]byte, 8)...), DefaultLimits())
	requireT.Error(err)
}

func TestUnmarshalPackedLimits(t *testing.T) {
	requireT := require.New(t)

	// Header of one empty segment followed by zero runs unpacking to 8 MiB.
	zeros := []byte{0x00, 0x00}
	for range 4096 {
		zeros = append(zeros, 0x00, 0xff)
	}

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err := UnmarshalPacked(zeros, Limits{MaxMessageSize: 1024})
	runtime.ReadMemStats(&after)
	requireT.Error(err)
	requireT.Less(after.TotalAlloc-before.TotalAlloc, uint64(1<<20))

	// Header declaring segment larger than allowed.
	huge := packed.Pack(nil, []byte{0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0x1f})
	_, err = UnmarshalPacked(huge, DefaultLimits())
	requireT.ErrorIs(err, ErrMessageTooLarge)

	data, err := MarshalPacked(newSample(t, alloc.Config{SegmentSize: 8}))
	requireT.NoError(err)
	_, err = UnmarshalPacked(data, Limits{MaxSegments: 1})
	requireT.ErrorIs(err, ErrTooManySegments)
	_, err = UnmarshalPacked(data[:len(data)-1], DefaultLimits())
	requireT.ErrorIs(err, ErrTruncated)
	_, err = UnmarshalPacked(nil, DefaultLimits())
	requireT.ErrorIs(err, ErrTruncated)
}

// walk reads everything reachable from p. Only the first elements of each list are visited.
func walk(p capnp.Ptr) {
	switch {
	case p.IsStruct():
		walkStruct(p.Struct())
	case p.IsList():
		l := p.List()
		_, _ = p.Text()
		if l.ElementSize() == types.BitElement {
			for i := range min(l.Len(), 64) {
				_ = l.Bit(i)
			}
			return
		}
		for i := range min(l.Len(), 16) {
			walkStruct(l.Struct(i))
		}
	}
}

func walkStruct(s capnp.Struct) {
	_ = s.Uint64(0)
	for i := range s.Size().PointerCount {
		p, err := s.Ptr(i)
		if err != nil {
			continue
		}
		walk(p)
	}
}

func FuzzUnmarshal(f *testing.F) {
	f.Add([]byte{0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0, 0, 0, 0, 0, 0, 0, 0})
	f.Add([]byte{0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	nested, err := Marshal(newSample(f, alloc.Config{SegmentSize: 8}))
	require.NoError(f, err)
	f.Add(nested)
	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := Unmarshal(data, Limits{
			MaxMessageSize: 1 << 16,
			Reader: capnp.ReaderOptions{
				TraversalLimit: 1 << 12,
				DepthLimit:     16,
			},
		})
		if err != nil {
			return
		}
		root, err := msg.Root()
		if err != nil {
			return
		}
		walk(root)
	})
}
