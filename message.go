package capnp

import (
	"math"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/types"
)

// ReaderOptions limits the resources consumed while decoding a message.
type ReaderOptions struct {
	// TraversalLimit is the number of words which may be read in total.
	TraversalLimit uint64

	// DepthLimit is the maximum nesting of pointers.
	DepthLimit uint
}

// DefaultReaderOptions are the reader options used when none are given.
var DefaultReaderOptions = ReaderOptions{
	TraversalLimit: types.DefaultTraversalLimit,
	DepthLimit:     types.DefaultDepthLimit,
}

// NewMessage creates builder message and allocates its root pointer.
func NewMessage(arena alloc.Arena) (*Message, error) {
	m := &Message{
		Arena:      arena,
		depthLimit: math.MaxUint,
	}
	m.readLimit.Store(math.MaxUint64)
	if arena.NumSegments() == 0 {
		segID, addr, err := arena.Allocate(types.WordSize, 0)
		if err != nil {
			return nil, errors.Wrap(err, "allocating root pointer failed")
		}
		if segID != 0 || addr != 0 {
			return nil, errors.New("root pointer must be the first word of the first segment")
		}
	}
	return m, nil
}

// NewReaderMessage creates message reading decoded segments.
func NewReaderMessage(arena alloc.Arena, options ReaderOptions) *Message {
	if options.TraversalLimit == 0 {
		options.TraversalLimit = DefaultReaderOptions.TraversalLimit
	}
	if options.DepthLimit == 0 {
		options.DepthLimit = DefaultReaderOptions.DepthLimit
	}
	m := &Message{
		Arena:      arena,
		depthLimit: options.DepthLimit,
		readOnly:   true,
	}
	m.readLimit.Store(options.TraversalLimit)
	return m
}

// Message is the tree of objects stored in segments of an arena.
// Builder messages are owned by one writer. Reader messages may be shared by many goroutines.
type Message struct {
	Arena alloc.Arena

	// CapTable holds capabilities referenced by interface pointers.
	CapTable []*Client

	readLimit  atomic.Uint64
	depthLimit uint
	readOnly   bool
}

// IsReadOnly reports whether message decodes received data.
func (m *Message) IsReadOnly() bool {
	return m.readOnly
}

// NumSegments returns the number of segments.
func (m *Message) NumSegments() int {
	return m.Arena.NumSegments()
}

// Segment returns segment by its ID.
func (m *Message) Segment(id types.SegmentID) (Segment, error) {
	if uint64(id) >= uint64(m.Arena.NumSegments()) {
		return Segment{}, errors.Wrapf(ErrNoSegment, "segment %d", id)
	}
	return Segment{msg: m, id: id}, nil
}

// Root returns the root pointer.
func (m *Message) Root() (Ptr, error) {
	seg, err := m.Segment(0)
	if err != nil {
		return Ptr{}, err
	}
	if !seg.inBounds(0, types.WordSize) {
		return Ptr{}, errors.Wrap(ErrOutOfBounds, "root pointer")
	}
	return seg.readPtr(0, m.depthLimit)
}

// RootStruct returns the root pointer as a struct.
func (m *Message) RootStruct() (Struct, error) {
	p, err := m.Root()
	if err != nil {
		return Struct{}, err
	}
	return p.Struct(), nil
}

// SetRoot stores the root pointer.
func (m *Message) SetRoot(p Ptr) error {
	seg, err := m.Segment(0)
	if err != nil {
		return err
	}
	return seg.writePtr(0, p)
}

// ResetReadLimit sets the traversal budget to limit words.
func (m *Message) ResetReadLimit(limit uint64) {
	m.readLimit.Store(limit)
}

// ReadLimit returns the remaining traversal budget.
func (m *Message) ReadLimit() uint64 {
	return m.readLimit.Load()
}

// AddCap appends the capability to the table taking over the reference.
func (m *Message) AddCap(c *Client) types.CapabilityID {
	m.CapTable = append(m.CapTable, c)
	return types.CapabilityID(len(m.CapTable) - 1)
}

// ReleaseCaps releases all capabilities in the table.
func (m *Message) ReleaseCaps() {
	for _, c := range m.CapTable {
		c.Release()
	}
	m.CapTable = nil
}

// Release releases capabilities and the arena.
func (m *Message) Release() {
	m.ReleaseCaps()
	m.Arena.Release()
}

func (m *Message) canRead(words uint64) bool {
	if words == 0 {
		words = 1
	}
	for {
		limit := m.readLimit.Load()
		if limit < words {
			return false
		}
		if m.readLimit.CompareAndSwap(limit, limit-words) {
			return true
		}
	}
}

func (m *Message) allocate(size types.Size) (Segment, types.Address, error) {
	if m.readOnly {
		return Segment{}, 0, errors.WithStack(alloc.ErrReadOnly)
	}
	preferred := types.SegmentID(0)
	if n := m.Arena.NumSegments(); n > 0 {
		preferred = types.SegmentID(n - 1)
	}
	return m.allocateIn(size, preferred)
}

func (m *Message) allocateIn(size types.Size, preferred types.SegmentID) (Segment, types.Address, error) {
	segID, addr, err := m.Arena.Allocate(size, preferred)
	if err != nil {
		return Segment{}, 0, err
	}
	return Segment{msg: m, id: segID}, addr, nil
}
