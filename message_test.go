package capnp

import (
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/pointer"
	"github.com/outofforest/capnp/types"
)

func newTestMessage(t *testing.T, segmentSize types.Size) *Message {
	msg, err := NewMessage(alloc.NewMultiSegment(alloc.Config{SegmentSize: segmentSize}))
	require.NoError(t, err)
	t.Cleanup(msg.Release)
	return msg
}

func toReader(msg *Message, options ReaderOptions) *Message {
	segments := make([][]byte, 0, msg.NumSegments())
	for i := range msg.NumSegments() {
		seg, _ := msg.Segment(types.SegmentID(i))
		segments = append(segments, append([]byte(nil), seg.Data()...))
	}
	return NewReaderMessage(alloc.NewReadOnly(segments), options)
}

func TestStructFields(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	s, err := NewRootStruct(msg, types.ObjectSize{DataSize: 16, PointerCount: 2})
	requireT.NoError(err)

	s.SetUint64(0, 0x0102030405060708)
	s.SetUint32(8, 0xdeadbeef)
	s.SetUint16(12, 0xabcd)
	s.SetUint8(14, 0x7f)
	s.SetBit(15*8+3, true)
	requireT.NoError(s.SetText(0, "hello"))
	requireT.NoError(s.SetData(1, []byte{1, 2, 3}))

	r, err := toReader(msg, ReaderOptions{}).RootStruct()
	requireT.NoError(err)
	requireT.EqualValues(0x0102030405060708, r.Uint64(0))
	requireT.EqualValues(0xdeadbeef, r.Uint32(8))
	requireT.EqualValues(0xabcd, r.Uint16(12))
	requireT.EqualValues(0x7f, r.Uint8(14))
	requireT.True(r.Bit(15*8 + 3))
	requireT.False(r.Bit(15*8 + 4))

	text, err := r.Text(0)
	requireT.NoError(err)
	requireT.Equal("hello", text)

	data, err := r.Data(1)
	requireT.NoError(err)
	requireT.Equal([]byte{1, 2, 3}, data)
}

func TestSchemaMismatchClamps(t *testing.T) {
	requireT := require.New(t)

	// Older writer with smaller struct.
	msg := newTestMessage(t, 1024)
	s, err := NewRootStruct(msg, types.ObjectSize{DataSize: 8, PointerCount: 1})
	requireT.NoError(err)
	s.SetUint32(0, 11)

	r, err := toReader(msg, ReaderOptions{}).RootStruct()
	requireT.NoError(err)
	requireT.EqualValues(11, r.Uint32(0))
	requireT.Zero(r.Uint64(8))
	requireT.False(r.Bit(100))
	requireT.False(r.HasPtr(3))
	p, err := r.Ptr(3)
	requireT.NoError(err)
	requireT.False(p.IsValid())
	text, err := r.Text(5)
	requireT.NoError(err)
	requireT.Empty(text)

	// Empty struct reads defaults.
	var empty Struct
	requireT.Zero(empty.Uint64(0))
	requireT.False(empty.IsValid())
}

func TestNullRoot(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	p, err := toReader(msg, ReaderOptions{}).Root()
	requireT.NoError(err)
	requireT.False(p.IsValid())
	requireT.False(p.Struct().IsValid())
	requireT.Zero(p.List().Len())
	requireT.Nil(p.Interface().Client())
}

func TestLists(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	root, err := NewRootStruct(msg, types.ObjectSize{PointerCount: 4})
	requireT.NoError(err)

	u16, err := NewList(msg, types.TwoByteElement, 3)
	requireT.NoError(err)
	for i := range 3 {
		u16.SetUint16(i, uint16(100+i))
	}
	requireT.NoError(root.SetPtr(0, u16.ToPtr()))

	bits, err := NewBitList(msg, 11)
	requireT.NoError(err)
	for i := range 11 {
		bits.SetBit(i, i%3 == 0)
	}
	requireT.NoError(root.SetPtr(1, bits.ToPtr()))

	structs, err := NewCompositeList(msg, types.ObjectSize{DataSize: 8, PointerCount: 1}, 2)
	requireT.NoError(err)
	for i := range 2 {
		structs.Struct(i).SetUint64(0, uint64(i+1))
		requireT.NoError(structs.Struct(i).SetText(0, "item"))
	}
	requireT.NoError(root.SetPtr(2, structs.ToPtr()))

	ptrs, err := NewPointerList(msg, 2)
	requireT.NoError(err)
	t1, err := NewText(msg, "a")
	requireT.NoError(err)
	requireT.NoError(ptrs.SetPtr(1, t1.ToPtr()))
	requireT.NoError(root.SetPtr(3, ptrs.ToPtr()))

	r, err := toReader(msg, ReaderOptions{}).RootStruct()
	requireT.NoError(err)

	p, err := r.Ptr(0)
	requireT.NoError(err)
	l := p.List()
	requireT.Equal(3, l.Len())
	requireT.Equal(types.TwoByteElement, l.ElementSize())
	requireT.EqualValues(102, l.Uint16(2))
	requireT.Zero(l.Uint16(3))
	// Element read as wider value gives zero.
	requireT.Zero(l.Uint32(0))

	p, err = r.Ptr(1)
	requireT.NoError(err)
	l = p.List()
	requireT.Equal(11, l.Len())
	for i := range 11 {
		requireT.Equal(i%3 == 0, l.Bit(i))
	}

	p, err = r.Ptr(2)
	requireT.NoError(err)
	l = p.List()
	requireT.Equal(2, l.Len())
	requireT.Equal(types.CompositeElement, l.ElementSize())
	requireT.EqualValues(2, l.Struct(1).Uint64(0))
	text, err := l.Struct(1).Text(0)
	requireT.NoError(err)
	requireT.Equal("item", text)
	// Composite list read as primitive list reads the first data word.
	requireT.EqualValues(1, l.Uint64(0))

	p, err = r.Ptr(3)
	requireT.NoError(err)
	l = p.List()
	e0, err := l.Ptr(0)
	requireT.NoError(err)
	requireT.False(e0.IsValid())
	e1, err := l.Ptr(1)
	requireT.NoError(err)
	text, err = e1.Text()
	requireT.NoError(err)
	requireT.Equal("a", text)
}

func TestPrimitiveListAsStructList(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	l, err := NewList(msg, types.FourByteElement, 2)
	requireT.NoError(err)
	l.SetUint32(0, 5)
	l.SetUint32(1, 6)
	requireT.NoError(msg.SetRoot(l.ToPtr()))

	root, err := toReader(msg, ReaderOptions{}).Root()
	requireT.NoError(err)
	rl := root.List()
	requireT.EqualValues(6, rl.Struct(1).Uint32(0))
	requireT.Zero(rl.Struct(1).Uint32(4))
	requireT.False(rl.Struct(2).IsValid())
}

func TestBitListRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 7, 8, 9, 63, 64, 65, 1000} {
		requireT := require.New(t)

		values := make([]bool, n)
		rnd := rand.New(rand.NewSource(int64(n)))
		for i := range values {
			values[i] = rnd.Intn(2) == 1
		}

		msg := newTestMessage(t, 1024)
		l, err := NewBitList(msg, int32(n))
		requireT.NoError(err)
		for i, v := range values {
			l.SetBit(i, v)
		}
		requireT.NoError(msg.SetRoot(l.ToPtr()))

		root, err := toReader(msg, ReaderOptions{}).Root()
		requireT.NoError(err)
		rl := root.List()
		requireT.Equal(n, rl.Len())

		decoded := make([]bool, rl.Len())
		for i := range decoded {
			decoded[i] = rl.Bit(i)
		}
		requireT.Empty(cmp.Diff(values, decoded))

		// Bits beyond the length are zero.
		seg, _ := msg.Segment(0)
		if n%8 != 0 {
			last := seg.Data()[int(l.off)+n/8]
			requireT.Zero(last >> (n % 8))
		}
	}
}

func TestBitListLayout(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	l, err := NewBitList(msg, 10)
	requireT.NoError(err)
	l.SetBit(0, true)
	l.SetBit(3, true)
	l.SetBit(9, true)

	seg, _ := msg.Segment(0)
	requireT.Equal([]byte{0x09, 0x02}, seg.Data()[l.off:l.off+2])
}

func TestFarPointers(t *testing.T) {
	requireT := require.New(t)

	// Tiny segments force objects into different segments.
	msg := newTestMessage(t, 8)
	root, err := NewStruct(msg, types.ObjectSize{PointerCount: 1})
	requireT.NoError(err)
	requireT.EqualValues(1, root.Segment().ID())
	requireT.NoError(msg.SetRoot(root.ToPtr()))

	seg0, _ := msg.Segment(0)
	requireT.Equal(pointer.Far, seg0.readRawPointer(0).Kind())
	requireT.False(seg0.readRawPointer(0).IsDoubleFar())

	text, err := NewText(msg, "hi")
	requireT.NoError(err)
	requireT.EqualValues(2, text.seg.ID())
	filler, err := NewData(msg, make([]byte, 24))
	requireT.NoError(err)
	requireT.EqualValues(2, filler.seg.ID())

	// Segment holding the text is full so double far pointer is used.
	requireT.NoError(root.SetPtr(0, text.ToPtr()))
	seg1, _ := msg.Segment(1)
	p := seg1.readRawPointer(0)
	requireT.Equal(pointer.Far, p.Kind())
	requireT.True(p.IsDoubleFar())
	requireT.Equal(4, msg.NumSegments())

	r, err := toReader(msg, ReaderOptions{}).RootStruct()
	requireT.NoError(err)
	v, err := r.Text(0)
	requireT.NoError(err)
	requireT.Equal("hi", v)
}

func TestFarPointerChainRejected(t *testing.T) {
	requireT := require.New(t)

	seg0 := make([]byte, 8)
	seg1 := make([]byte, 16)
	putRaw(seg0, 0, pointer.NewFar(false, 1, 0))
	putRaw(seg1, 0, pointer.NewFar(false, 1, 8))
	putRaw(seg1, 8, pointer.NewStruct(-2, types.ObjectSize{}))

	msg := NewReaderMessage(alloc.NewReadOnly([][]byte{seg0, seg1}), ReaderOptions{})
	_, err := msg.Root()
	requireT.ErrorIs(err, ErrFarPointerChain)
}

func TestDoubleFarPadMustBeSingleFar(t *testing.T) {
	requireT := require.New(t)

	seg0 := make([]byte, 8)
	seg1 := make([]byte, 16)
	putRaw(seg0, 0, pointer.NewFar(true, 1, 0))
	putRaw(seg1, 0, pointer.NewFar(true, 1, 0))
	putRaw(seg1, 8, pointer.NewStruct(0, types.ObjectSize{}))

	msg := NewReaderMessage(alloc.NewReadOnly([][]byte{seg0, seg1}), ReaderOptions{})
	_, err := msg.Root()
	requireT.ErrorIs(err, ErrFarPointerChain)
}

func TestOutOfBounds(t *testing.T) {
	requireT := require.New(t)

	cases := []pointer.Raw{
		pointer.NewStruct(5, types.ObjectSize{DataSize: 8}),
		pointer.NewStruct(-3, types.ObjectSize{DataSize: 8}),
		pointer.NewList(0, types.EightByteElement, 2),
		pointer.NewList(0, types.CompositeElement, 1),
		pointer.NewFar(false, 7, 0),
		pointer.NewFar(false, 0, 800),
		pointer.NewFar(true, 0, 8),
	}
	for _, raw := range cases {
		seg := make([]byte, 16)
		putRaw(seg, 0, raw)
		msg := NewReaderMessage(alloc.NewReadOnly([][]byte{seg}), ReaderOptions{})
		_, err := msg.Root()
		requireT.ErrorIs(err, ErrOutOfBounds, "pointer %#016x", uint64(raw))
	}
}

func TestInvalidCompositeTag(t *testing.T) {
	requireT := require.New(t)

	seg := make([]byte, 24)
	putRaw(seg, 0, pointer.NewList(0, types.CompositeElement, 1))
	// Tag declares two one-word elements in one word.
	putRaw(seg, 8, pointer.NewCompositeTag(2, types.ObjectSize{DataSize: 8}))

	msg := NewReaderMessage(alloc.NewReadOnly([][]byte{seg}), ReaderOptions{})
	_, err := msg.Root()
	requireT.ErrorIs(err, ErrInvalidPointer)
}

func TestSelfReferenceTerminates(t *testing.T) {
	requireT := require.New(t)

	// Struct whose only pointer points to itself.
	seg := make([]byte, 16)
	putRaw(seg, 0, pointer.NewStruct(0, types.ObjectSize{PointerCount: 1}))
	putRaw(seg, 8, pointer.NewStruct(-1, types.ObjectSize{PointerCount: 1}))

	msg := NewReaderMessage(alloc.NewReadOnly([][]byte{seg}), ReaderOptions{})
	p, err := msg.Root()
	requireT.NoError(err)
	for err == nil {
		p, err = p.Struct().Ptr(0)
	}
	requireT.ErrorIs(err, ErrDepthLimit)
}

func TestTraversalLimit(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	root, err := NewRootStruct(msg, types.ObjectSize{PointerCount: 1})
	requireT.NoError(err)
	l, err := NewList(msg, types.EightByteElement, 100)
	requireT.NoError(err)
	requireT.NoError(root.SetPtr(0, l.ToPtr()))

	r := toReader(msg, ReaderOptions{TraversalLimit: 250})
	rs, err := r.RootStruct()
	requireT.NoError(err)

	// Same list is read repeatedly, each read is charged.
	_, err = rs.Ptr(0)
	requireT.NoError(err)
	_, err = rs.Ptr(0)
	requireT.NoError(err)
	_, err = rs.Ptr(0)
	requireT.ErrorIs(err, ErrTraversalLimit)

	r.ResetReadLimit(1000)
	_, err = rs.Ptr(0)
	requireT.NoError(err)
}

func TestVoidListAmplification(t *testing.T) {
	requireT := require.New(t)

	seg := make([]byte, 8)
	putRaw(seg, 0, pointer.NewList(0, types.VoidElement, types.MaxListLength))

	msg := NewReaderMessage(alloc.NewReadOnly([][]byte{seg}), ReaderOptions{TraversalLimit: 1000})
	_, err := msg.Root()
	requireT.ErrorIs(err, ErrTraversalLimit)
}

func TestTextMustBeNULTerminated(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	l, err := NewData(msg, []byte("abc"))
	requireT.NoError(err)
	requireT.NoError(msg.SetRoot(l.ToPtr()))

	p, err := toReader(msg, ReaderOptions{}).Root()
	requireT.NoError(err)
	_, err = p.Text()
	requireT.ErrorIs(err, ErrNotNULTerminated)
	requireT.Equal([]byte("abc"), p.Data())
}

func TestRandomPointersNeverEscape(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 64)
	root, err := NewRootStruct(msg, types.ObjectSize{DataSize: 8, PointerCount: 3})
	requireT.NoError(err)
	requireT.NoError(root.SetText(0, "some text"))
	l, err := NewCompositeList(msg, types.ObjectSize{DataSize: 8, PointerCount: 1}, 3)
	requireT.NoError(err)
	requireT.NoError(l.Struct(1).SetData(0, []byte{1, 2, 3, 4, 5, 6, 7, 8, 9}))
	requireT.NoError(root.SetPtr(1, l.ToPtr()))
	inner, err := NewStruct(msg, types.ObjectSize{PointerCount: 1})
	requireT.NoError(err)
	requireT.NoError(root.SetPtr(2, inner.ToPtr()))

	rnd := rand.New(rand.NewSource(1))
	for range 2000 {
		r := toReader(msg, ReaderOptions{TraversalLimit: 10000})
		seg, _ := r.Segment(types.SegmentID(rnd.Intn(r.NumSegments())))
		data := seg.Data()
		word := rnd.Intn(len(data) / types.WordSize)
		for range 1 + rnd.Intn(3) {
			data[word*types.WordSize+rnd.Intn(types.WordSize)] = byte(rnd.Intn(256))
		}
		p, err := r.Root()
		if err != nil {
			continue
		}
		walk(p)
	}
}

// walk reads every reachable object ignoring errors.
func walk(p Ptr) {
	switch {
	case p.IsStruct():
		s := p.Struct()
		for i := range s.Size().DataSize {
			s.Uint8(types.DataOffset(i))
		}
		for i := range s.Size().PointerCount {
			if c, err := s.Ptr(i); err == nil {
				walk(c)
			}
		}
	case p.IsList():
		l := p.List()
		_, _ = p.Text()
		for i := range l.Len() {
			l.Bit(i)
			l.Uint64(i)
			walk(l.Struct(i).ToPtr())
			if c, err := l.Ptr(i); err == nil {
				walk(c)
			}
		}
	case p.IsInterface():
		p.Interface().Client()
	}
}

func TestDeepCopy(t *testing.T) {
	requireT := require.New(t)

	src := newTestMessage(t, 1024)
	root, err := NewRootStruct(src, types.ObjectSize{DataSize: 8, PointerCount: 3})
	requireT.NoError(err)
	root.SetUint64(0, 99)
	requireT.NoError(root.SetText(0, "copied"))
	l, err := NewCompositeList(src, types.ObjectSize{DataSize: 8, PointerCount: 1}, 2)
	requireT.NoError(err)
	l.Struct(0).SetUint64(0, 1)
	requireT.NoError(l.Struct(1).SetText(0, "nested"))
	requireT.NoError(root.SetPtr(1, l.ToPtr()))

	hook := &countingHook{}
	client := NewClient(hook)
	requireT.NoError(root.SetPtr(2, NewInterface(src, src.AddCap(client)).ToPtr()))

	dst := newTestMessage(t, 1024)
	requireT.NoError(dst.SetRoot(root.ToPtr()))

	r, err := toReaderWithCaps(dst).RootStruct()
	requireT.NoError(err)
	requireT.EqualValues(99, r.Uint64(0))
	text, err := r.Text(0)
	requireT.NoError(err)
	requireT.Equal("copied", text)

	p, err := r.Ptr(1)
	requireT.NoError(err)
	requireT.Equal(2, p.List().Len())
	requireT.EqualValues(1, p.List().Struct(0).Uint64(0))
	text, err = p.List().Struct(1).Text(0)
	requireT.NoError(err)
	requireT.Equal("nested", text)

	p, err = r.Ptr(2)
	requireT.NoError(err)
	requireT.True(p.IsInterface())
	requireT.Len(dst.CapTable, 1)
	requireT.True(p.Interface().Client().IsSame(client))

	// Both messages hold their own reference.
	src.ReleaseCaps()
	requireT.Zero(hook.shutdowns.Load())
	dst.ReleaseCaps()
	requireT.EqualValues(1, hook.shutdowns.Load())
}

func toReaderWithCaps(msg *Message) *Message {
	r := toReader(msg, ReaderOptions{})
	r.CapTable = msg.CapTable
	return r
}

func TestTransform(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	root, err := NewRootStruct(msg, types.ObjectSize{PointerCount: 2})
	requireT.NoError(err)
	inner, err := NewStruct(msg, types.ObjectSize{PointerCount: 1})
	requireT.NoError(err)
	requireT.NoError(inner.SetText(0, "deep"))
	requireT.NoError(root.SetPtr(1, inner.ToPtr()))

	p, err := Transform(root.ToPtr(), []PipelineOp{{Field: 1}, {Field: 0}})
	requireT.NoError(err)
	text, err := p.Text()
	requireT.NoError(err)
	requireT.Equal("deep", text)

	p, err = Transform(root.ToPtr(), []PipelineOp{{Field: 0}, {Field: 0}})
	requireT.NoError(err)
	requireT.False(p.IsValid())

	_, err = Transform(root.ToPtr(), []PipelineOp{{Field: 1}, {Field: 0}, {Field: 0}})
	requireT.Error(err)
}

func TestReadOnlyMessage(t *testing.T) {
	requireT := require.New(t)

	msg := newTestMessage(t, 1024)
	_, err := NewRootStruct(msg, types.ObjectSize{DataSize: 8})
	requireT.NoError(err)

	r := toReader(msg, ReaderOptions{})
	rs, err := r.RootStruct()
	requireT.NoError(err)
	requireT.True(r.IsReadOnly())
	requireT.Panics(func() { rs.SetUint64(0, 1) })
	_, err = NewStruct(r, types.ObjectSize{DataSize: 8})
	requireT.ErrorIs(err, alloc.ErrReadOnly)
}

func putRaw(seg []byte, addr int, raw pointer.Raw) {
	for i := range types.WordSize {
		seg[addr+i] = byte(raw >> (8 * i))
	}
}
