package capnp

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/pointer"
	"github.com/outofforest/capnp/types"
)

// Segment is the view of one segment of a message. Every access is bounds-checked.
type Segment struct {
	msg *Message
	id  types.SegmentID
}

// Message returns the message segment belongs to.
func (s Segment) Message() *Message {
	return s.msg
}

// ID returns the segment ID.
func (s Segment) ID() types.SegmentID {
	return s.id
}

// Data returns the bytes of the segment.
func (s Segment) Data() []byte {
	if s.msg == nil {
		return nil
	}
	data, _ := s.msg.Arena.Segment(s.id)
	return data
}

func (s Segment) inBounds(addr types.Address, size types.Size) bool {
	end, ok := addr.AddSize(size)
	return ok && uint64(end) <= uint64(len(s.Data()))
}

func (s Segment) slice(addr types.Address, size types.Size) []byte {
	return s.Data()[addr : addr+types.Address(size)]
}

func (s Segment) readUint8(addr types.Address) uint8 {
	return s.Data()[addr]
}

func (s Segment) readUint16(addr types.Address) uint16 {
	return binary.LittleEndian.Uint16(s.Data()[addr:])
}

func (s Segment) readUint32(addr types.Address) uint32 {
	return binary.LittleEndian.Uint32(s.Data()[addr:])
}

func (s Segment) readUint64(addr types.Address) uint64 {
	return binary.LittleEndian.Uint64(s.Data()[addr:])
}

func (s Segment) writeUint8(addr types.Address, v uint8) {
	s.Data()[addr] = v
}

func (s Segment) writeUint16(addr types.Address, v uint16) {
	binary.LittleEndian.PutUint16(s.Data()[addr:], v)
}

func (s Segment) writeUint32(addr types.Address, v uint32) {
	binary.LittleEndian.PutUint32(s.Data()[addr:], v)
}

func (s Segment) writeUint64(addr types.Address, v uint64) {
	binary.LittleEndian.PutUint64(s.Data()[addr:], v)
}

func (s Segment) readRawPointer(addr types.Address) pointer.Raw {
	return pointer.Raw(s.readUint64(addr))
}

func (s Segment) writeRawPointer(addr types.Address, p pointer.Raw) {
	s.writeUint64(addr, uint64(p))
}

// readPtr decodes the pointer stored at addr. Caller guarantees the pointer word is in bounds.
func (s Segment) readPtr(addr types.Address, depthLimit uint) (Ptr, error) {
	raw := s.readRawPointer(addr)
	if raw.IsNull() {
		return Ptr{}, nil
	}
	if depthLimit == 0 {
		return Ptr{}, errors.WithStack(ErrDepthLimit)
	}

	seg, target, raw, err := s.resolveFar(addr, raw)
	if err != nil {
		return Ptr{}, err
	}

	switch raw.Kind() {
	case pointer.Struct:
		return seg.readStructPtr(target, raw, depthLimit-1)
	case pointer.List:
		return seg.readListPtr(target, raw, depthLimit-1)
	case pointer.Other:
		if !raw.IsCapability() {
			return Ptr{}, errors.Wrapf(ErrInvalidPointer, "unknown pointer %#016x", uint64(raw))
		}
		return NewInterface(s.msg, raw.CapabilityIndex()).ToPtr(), nil
	default:
		return Ptr{}, errors.WithStack(ErrFarPointerChain)
	}
}

// resolveFar follows far pointer to its landing pad. It returns the segment and address of the object
// together with the pointer word describing it.
func (s Segment) resolveFar(addr types.Address, raw pointer.Raw) (Segment, types.Address, pointer.Raw, error) {
	switch raw.Kind() {
	case pointer.Struct, pointer.List:
		target, ok := addr.Resolve(raw.Offset())
		if !ok {
			return Segment{}, 0, 0, errors.Wrapf(ErrOutOfBounds, "offset %d at %d", raw.Offset(), addr)
		}
		return s, target, raw, nil
	case pointer.Far:
	default:
		return s, 0, raw, nil
	}

	padSeg, err := s.msg.Segment(raw.FarSegment())
	if err != nil {
		return Segment{}, 0, 0, errors.Wrap(ErrOutOfBounds, err.Error())
	}
	padAddr := raw.FarAddress()

	if !raw.IsDoubleFar() {
		if !padSeg.inBounds(padAddr, types.WordSize) {
			return Segment{}, 0, 0, errors.Wrapf(ErrOutOfBounds, "landing pad at %d:%d", padSeg.id, padAddr)
		}
		pad := padSeg.readRawPointer(padAddr)
		switch pad.Kind() {
		case pointer.Far:
			return Segment{}, 0, 0, errors.WithStack(ErrFarPointerChain)
		case pointer.Other:
			return padSeg, 0, pad, nil
		}
		target, ok := padAddr.Resolve(pad.Offset())
		if !ok {
			return Segment{}, 0, 0, errors.Wrapf(ErrOutOfBounds, "offset %d at %d", pad.Offset(), padAddr)
		}
		return padSeg, target, pad, nil
	}

	if !padSeg.inBounds(padAddr, 2*types.WordSize) {
		return Segment{}, 0, 0, errors.Wrapf(ErrOutOfBounds, "double landing pad at %d:%d", padSeg.id, padAddr)
	}
	far := padSeg.readRawPointer(padAddr)
	tag := padSeg.readRawPointer(padAddr + types.WordSize)
	if far.Kind() != pointer.Far || far.IsDoubleFar() || tag.Kind() == pointer.Far {
		return Segment{}, 0, 0, errors.WithStack(ErrFarPointerChain)
	}
	if tag.Kind() == pointer.Other {
		return Segment{}, 0, 0, errors.Wrap(ErrInvalidPointer, "capability behind double far pointer")
	}
	targetSeg, err := s.msg.Segment(far.FarSegment())
	if err != nil {
		return Segment{}, 0, 0, errors.Wrap(ErrOutOfBounds, err.Error())
	}
	return targetSeg, far.FarAddress(), tag, nil
}

func (s Segment) readStructPtr(addr types.Address, raw pointer.Raw, depthLimit uint) (Ptr, error) {
	size := raw.StructSize()
	if !s.inBounds(addr, size.TotalSize()) {
		return Ptr{}, errors.Wrapf(ErrOutOfBounds, "struct at %d:%d of %d bytes", s.id, addr, size.TotalSize())
	}
	if !s.msg.canRead(uint64(size.TotalSize().Words())) {
		return Ptr{}, errors.WithStack(ErrTraversalLimit)
	}
	return Struct{
		seg:        s,
		off:        addr,
		size:       size,
		depthLimit: depthLimit,
	}.ToPtr(), nil
}

func (s Segment) readListPtr(addr types.Address, raw pointer.Raw, depthLimit uint) (Ptr, error) {
	es := raw.ListElementSize()
	count := raw.ListCount()

	if es == types.CompositeElement {
		wordsSize, _ := types.WordsToSize(uint32(count))
		if !s.inBounds(addr, types.WordSize) {
			return Ptr{}, errors.Wrapf(ErrOutOfBounds, "composite list tag at %d:%d", s.id, addr)
		}
		tag := s.readRawPointer(addr)
		if tag.Kind() != pointer.Struct || tag.Offset() < 0 {
			return Ptr{}, errors.Wrapf(ErrInvalidPointer, "composite list tag %#016x", uint64(tag))
		}
		elements := addr + types.WordSize
		if !s.inBounds(elements, wordsSize) {
			return Ptr{}, errors.Wrapf(ErrOutOfBounds, "composite list at %d:%d of %d words", s.id, addr, count)
		}
		n := tag.Offset()
		size := tag.StructSize()
		total, ok := size.TotalSize().Times(n)
		if !ok || total > wordsSize {
			return Ptr{}, errors.Wrapf(ErrInvalidPointer, "composite list of %d elements does not fit %d words",
				n, count)
		}
		words := uint64(count) + 1
		if size.TotalSize() == 0 {
			words += uint64(n)
		}
		if !s.msg.canRead(words) {
			return Ptr{}, errors.WithStack(ErrTraversalLimit)
		}
		return List{
			seg:        s,
			off:        elements,
			length:     n,
			size:       size,
			es:         es,
			depthLimit: depthLimit,
		}.ToPtr(), nil
	}

	var size types.Size
	var words uint64
	switch es {
	case types.VoidElement:
		words = uint64(count)
	case types.BitElement:
		size = types.Size((uint64(count) + 7) / 8)
		words = uint64(size.Words())
	default:
		size, _ = es.ObjectSize().TotalSize().Times(count)
		words = uint64(size.Words())
	}
	if !s.inBounds(addr, size) {
		return Ptr{}, errors.Wrapf(ErrOutOfBounds, "list at %d:%d of %d bytes", s.id, addr, size)
	}
	if !s.msg.canRead(words) {
		return Ptr{}, errors.WithStack(ErrTraversalLimit)
	}
	return List{
		seg:        s,
		off:        addr,
		length:     count,
		size:       es.ObjectSize(),
		es:         es,
		depthLimit: depthLimit,
	}.ToPtr(), nil
}

// writePtr stores pointer to p at addr, copying the object first when it belongs to another message.
func (s Segment) writePtr(addr types.Address, p Ptr) error {
	if s.msg.readOnly {
		return errors.WithStack(errReadOnlyWrite)
	}
	switch p.kind {
	case nullPtr:
		s.writeRawPointer(addr, 0)
		return nil
	case interfacePtr:
		id := p.capID()
		if p.seg.msg != s.msg {
			id = s.msg.AddCap(p.Interface().Client().AddRef())
		}
		s.writeRawPointer(addr, pointer.NewCapability(id))
		return nil
	}

	if p.seg.msg != s.msg {
		copied, err := copyPtr(s.msg, p)
		if err != nil {
			return err
		}
		p = copied
	}

	raw, start := p.encode()
	if p.seg.id == s.id {
		s.writeRawPointer(addr, raw.WithOffset(addr.Offset(start)))
		return nil
	}

	// Target lives in another segment so a landing pad is needed.
	padSeg, padAddr, err := s.msg.allocateIn(types.WordSize, p.seg.id)
	if err != nil {
		return err
	}
	if padSeg.id == p.seg.id {
		padSeg.writeRawPointer(padAddr, raw.WithOffset(padAddr.Offset(start)))
		s.writeRawPointer(addr, pointer.NewFar(false, padSeg.id, padAddr))
		return nil
	}

	tagSeg, tagAddr, err := s.msg.allocateIn(types.WordSize, padSeg.id)
	if err != nil {
		return err
	}
	if tagSeg.id != padSeg.id || tagAddr != padAddr+types.WordSize {
		if padSeg, padAddr, err = s.msg.allocateIn(2*types.WordSize, padSeg.id); err != nil {
			return err
		}
	}
	padSeg.writeRawPointer(padAddr, pointer.NewFar(false, p.seg.id, start))
	padSeg.writeRawPointer(padAddr+types.WordSize, raw)
	s.writeRawPointer(addr, pointer.NewFar(true, padSeg.id, padAddr))
	return nil
}

var errReadOnlyWrite = errors.New("message is read-only")
