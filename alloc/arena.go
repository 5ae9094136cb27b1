package alloc

import (
	"github.com/pkg/errors"

	"github.com/outofforest/capnp/types"
)

var (
	// ErrResourceLimit is returned when allocation would exceed the configured message size.
	ErrResourceLimit = errors.New("message size limit exceeded")

	// ErrReadOnly is returned when allocating in arena holding decoded data.
	ErrReadOnly = errors.New("arena is read-only")
)

// Arena owns the segments of one message.
type Arena interface {
	// NumSegments returns the number of segments.
	NumSegments() int

	// Segment returns the allocated bytes of the segment.
	Segment(id types.SegmentID) ([]byte, bool)

	// Allocate reserves zeroed region of size bytes, preferably in the preferred segment.
	Allocate(size types.Size, preferred types.SegmentID) (types.SegmentID, types.Address, error)

	// Release returns the memory to the pool. Arena must not be used afterwards.
	Release()
}

// Config stores configuration of builder arena.
type Config struct {
	// SegmentSize is the capacity of the first segment.
	SegmentSize types.Size

	// MaxSize is the maximum number of bytes allocated in all segments. Zero means no limit.
	MaxSize types.Size
}

// DefaultConfig is the default configuration of builder arena.
var DefaultConfig = Config{
	SegmentSize: 1024,
	MaxSize:     64 * 1024 * 1024,
}

// NewMultiSegment creates builder arena growing by appending segments.
func NewMultiSegment(config Config) *MultiSegmentArena {
	if config.SegmentSize < types.WordSize {
		config.SegmentSize = DefaultConfig.SegmentSize
	}
	config.SegmentSize = config.SegmentSize.Padded()
	return &MultiSegmentArena{
		config: config,
	}
}

// MultiSegmentArena is the builder arena. Segments have fixed capacity so allocated regions never move.
type MultiSegmentArena struct {
	config   Config
	segments [][]byte
	buffers  [][]byte
	total    types.Size
}

// NumSegments returns the number of segments.
func (a *MultiSegmentArena) NumSegments() int {
	return len(a.segments)
}

// Segment returns the allocated bytes of the segment.
func (a *MultiSegmentArena) Segment(id types.SegmentID) ([]byte, bool) {
	if uint64(id) >= uint64(len(a.segments)) {
		return nil, false
	}
	return a.segments[id], true
}

// Allocate reserves zeroed region of size bytes.
func (a *MultiSegmentArena) Allocate(size types.Size, preferred types.SegmentID) (types.SegmentID, types.Address, error) {
	// Checked before padding, so rounding up can't wrap.
	if size > types.MaxSegmentSize {
		return 0, 0, errors.Wrapf(ErrResourceLimit, "object of %d bytes does not fit any segment", size)
	}
	size = size.Padded()
	if a.config.MaxSize > 0 && uint64(a.total)+uint64(size) > uint64(a.config.MaxSize) {
		return 0, 0, errors.Wrapf(ErrResourceLimit, "allocating %d bytes over %d already allocated", size, a.total)
	}

	if uint64(preferred) < uint64(len(a.segments)) {
		if addr, ok := a.tryAllocate(preferred, size); ok {
			return preferred, addr, nil
		}
	}
	if n := len(a.segments); n > 0 {
		last := types.SegmentID(n - 1)
		if addr, ok := a.tryAllocate(last, size); ok {
			return last, addr, nil
		}
	}

	capacity := a.config.SegmentSize
	if n := len(a.segments); n > 0 {
		// Each new segment doubles the previous capacity.
		capacity = types.Size(cap(a.segments[n-1])) * 2
		if capacity > types.MaxSegmentSize {
			capacity = types.MaxSegmentSize
		}
	}
	if capacity < size {
		capacity = size
	}
	if a.config.MaxSize > 0 && capacity > a.config.MaxSize-a.total {
		capacity = (a.config.MaxSize - a.total) / types.WordSize * types.WordSize
	}

	buf := getBuffer(capacity)
	a.buffers = append(a.buffers, buf)
	a.segments = append(a.segments, buf[:0:capacity])
	id := types.SegmentID(len(a.segments) - 1)
	addr, _ := a.tryAllocate(id, size)
	return id, addr, nil
}

// Release returns segment buffers to the pool.
func (a *MultiSegmentArena) Release() {
	for _, b := range a.buffers {
		putBuffer(b)
	}
	a.segments = nil
	a.buffers = nil
	a.total = 0
}

func (a *MultiSegmentArena) tryAllocate(id types.SegmentID, size types.Size) (types.Address, bool) {
	s := a.segments[id]
	if types.Size(cap(s)-len(s)) < size {
		return 0, false
	}
	addr := types.Address(len(s))
	a.segments[id] = s[:len(s)+int(size)]
	a.total += size
	return addr, true
}

// NewSingleSegment creates builder arena using the provided buffer as its only segment.
// Existing content of the buffer is preserved.
func NewSingleSegment(buf []byte) *SingleSegmentArena {
	return &SingleSegmentArena{
		segment: buf[:len(buf)/types.WordSize*types.WordSize],
	}
}

// SingleSegmentArena is the builder arena limited to the capacity of one buffer.
type SingleSegmentArena struct {
	segment []byte
}

// NumSegments returns the number of segments.
func (a *SingleSegmentArena) NumSegments() int {
	return 1
}

// Segment returns the allocated bytes of the segment.
func (a *SingleSegmentArena) Segment(id types.SegmentID) ([]byte, bool) {
	if id != 0 {
		return nil, false
	}
	return a.segment, true
}

// Allocate reserves zeroed region of size bytes.
func (a *SingleSegmentArena) Allocate(size types.Size, _ types.SegmentID) (types.SegmentID, types.Address, error) {
	if size > types.MaxSegmentSize {
		return 0, 0, errors.Wrapf(ErrResourceLimit, "segment capacity %d exceeded", cap(a.segment))
	}
	size = size.Padded()
	if types.Size(cap(a.segment)-len(a.segment)) < size {
		return 0, 0, errors.Wrapf(ErrResourceLimit, "segment capacity %d exceeded", cap(a.segment))
	}
	addr := types.Address(len(a.segment))
	a.segment = a.segment[:len(a.segment)+int(size)]
	clear(a.segment[addr:])
	return 0, addr, nil
}

// Release releases the arena.
func (a *SingleSegmentArena) Release() {
	a.segment = nil
}

// NewReadOnly creates arena over decoded segments.
func NewReadOnly(segments [][]byte) *ReadOnlyArena {
	return &ReadOnlyArena{
		segments: segments,
	}
}

// ReadOnlyArena is the arena holding segments received from the wire.
type ReadOnlyArena struct {
	segments [][]byte
	release  func()
}

// NumSegments returns the number of segments.
func (a *ReadOnlyArena) NumSegments() int {
	return len(a.segments)
}

// Segment returns the bytes of the segment.
func (a *ReadOnlyArena) Segment(id types.SegmentID) ([]byte, bool) {
	if uint64(id) >= uint64(len(a.segments)) {
		return nil, false
	}
	return a.segments[id], true
}

// Allocate always fails.
func (a *ReadOnlyArena) Allocate(_ types.Size, _ types.SegmentID) (types.SegmentID, types.Address, error) {
	return 0, 0, errors.WithStack(ErrReadOnly)
}

// OnRelease registers function called when arena is released.
func (a *ReadOnlyArena) OnRelease(release func()) {
	a.release = release
}

// Release releases the arena.
func (a *ReadOnlyArena) Release() {
	if a.release != nil {
		a.release()
		a.release = nil
	}
	a.segments = nil
}
