package stream

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/packed"
	"github.com/outofforest/capnp/types"
)

var (
	// ErrTruncated is returned when frame ends before all declared segments are read.
	ErrTruncated = errors.New("stream: frame truncated")

	// ErrTooManySegments is returned when frame declares more segments than allowed.
	ErrTooManySegments = errors.New("stream: too many segments")

	// ErrMessageTooLarge is returned when declared segment sizes exceed the message size limit.
	ErrMessageTooLarge = errors.New("stream: message too large")
)

const segmentSizeLength = 4

// Limits constrains the memory allocated while decoding frames. Zero fields take default values.
type Limits struct {
	// MaxSegments is the maximum number of segments in one message.
	MaxSegments uint32

	// MaxMessageSize is the maximum number of bytes of all segments of one message.
	MaxMessageSize uint64

	// Reader is applied to decoded messages.
	Reader capnp.ReaderOptions
}

// DefaultLimits returns the default decoding limits.
func DefaultLimits() Limits {
	return Limits{
		MaxSegments:    512,
		MaxMessageSize: 64 * 1024 * 1024,
		Reader:         capnp.DefaultReaderOptions,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxSegments == 0 {
		l.MaxSegments = d.MaxSegments
	}
	if l.MaxMessageSize == 0 {
		l.MaxMessageSize = d.MaxMessageSize
	}
	return l
}

// HeaderSize returns the size of frame header describing n segments.
func HeaderSize(n int) int {
	return (segmentSizeLength*(n+1) + types.WordSize - 1) / types.WordSize * types.WordSize
}

// Marshal returns the unpacked frame of the message.
func Marshal(msg *capnp.Message) ([]byte, error) {
	segments, err := segmentsOf(msg)
	if err != nil {
		return nil, err
	}
	size := HeaderSize(len(segments))
	for _, s := range segments {
		size += len(s)
	}

	buf := appendHeader(make([]byte, 0, size), segments)
	for _, s := range segments {
		buf = append(buf, s...)
	}
	return buf, nil
}

// MarshalPacked returns the packed frame of the message.
func MarshalPacked(msg *capnp.Message) ([]byte, error) {
	data, err := Marshal(msg)
	if err != nil {
		return nil, err
	}
	return packed.Pack(make([]byte, 0, len(data)/2), data), nil
}

// Unmarshal decodes the unpacked frame. Segments of returned message alias data.
func Unmarshal(data []byte, limits Limits) (*capnp.Message, error) {
	limits = limits.withDefaults()
	if len(data) < types.WordSize {
		return nil, errors.Wrapf(ErrTruncated, "frame of %d bytes has no header", len(data))
	}
	sizes, err := parseHeader(data[:types.WordSize], data[types.WordSize:], limits)
	if err != nil {
		return nil, err
	}
	data = data[HeaderSize(len(sizes)):]

	segments := make([][]byte, 0, len(sizes))
	for _, size := range sizes {
		if uint64(len(data)) < size {
			return nil, errors.Wrapf(ErrTruncated, "segment of %d bytes, %d available", size, len(data))
		}
		segments = append(segments, data[:size:size])
		data = data[size:]
	}
	if len(data) > 0 {
		return nil, errors.Errorf("stream: %d bytes after the last segment", len(data))
	}
	return capnp.NewReaderMessage(alloc.NewReadOnly(segments), limits.Reader), nil
}

// UnmarshalPacked decodes the packed frame. Data is unpacked while it is read, so limits are checked
// before segments are allocated.
func UnmarshalPacked(data []byte, limits Limits) (*capnp.Message, error) {
	r := packed.NewReader(bytes.NewReader(data))
	msg, err := NewDecoder(r, limits).Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.Wrap(ErrTruncated, "packed frame is empty")
		}
		return nil, err
	}

	var extra [1]byte
	if n, _ := r.Read(extra[:]); n > 0 {
		msg.Release()
		return nil, errors.New("stream: data after the last segment")
	}
	return msg, nil
}

// NewEncoder creates encoder writing frames to w.
func NewEncoder(w io.Writer, pack bool) *Encoder {
	e := &Encoder{w: w}
	if pack {
		e.pw = packed.NewWriter(w)
		e.w = e.pw
	}
	return e
}

// Encoder writes messages as frames.
type Encoder struct {
	w   io.Writer
	pw  *packed.Writer
	buf []byte
}

// Encode writes the message.
func (e *Encoder) Encode(msg *capnp.Message) error {
	segments, err := segmentsOf(msg)
	if err != nil {
		return err
	}
	e.buf = appendHeader(e.buf[:0], segments)
	if _, err := e.w.Write(e.buf); err != nil {
		return errors.WithStack(err)
	}
	for _, s := range segments {
		if _, err := e.w.Write(s); err != nil {
			return errors.WithStack(err)
		}
	}
	if e.pw != nil {
		return e.pw.Flush()
	}
	return nil
}

// NewDecoder creates decoder reading unpacked frames from r.
func NewDecoder(r io.Reader, limits Limits) *Decoder {
	return &Decoder{
		r:      r,
		limits: limits.withDefaults(),
	}
}

// NewPackedDecoder creates decoder reading packed frames from r.
func NewPackedDecoder(r io.Reader, limits Limits) *Decoder {
	return NewDecoder(packed.NewReader(r), limits)
}

// Decoder reads frames.
type Decoder struct {
	r      io.Reader
	limits Limits
}

// Decode reads next message. io.EOF is returned when stream ends cleanly between frames.
func (d *Decoder) Decode() (*capnp.Message, error) {
	var first [types.WordSize]byte
	if _, err := io.ReadFull(d.r, first[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, truncated(err)
	}

	n := uint64(binary.LittleEndian.Uint32(first[:])) + 1
	if err := checkSegmentCount(n, d.limits); err != nil {
		return nil, err
	}
	rest := make([]byte, HeaderSize(int(n))-types.WordSize)
	if _, err := io.ReadFull(d.r, rest); err != nil {
		return nil, truncated(err)
	}
	sizes, err := parseHeader(first[:], rest, d.limits)
	if err != nil {
		return nil, err
	}

	var total uint64
	for _, s := range sizes {
		total += s
	}
	buf := make([]byte, total)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, truncated(err)
	}
	segments := make([][]byte, 0, len(sizes))
	for _, s := range sizes {
		segments = append(segments, buf[:s:s])
		buf = buf[s:]
	}
	return capnp.NewReaderMessage(alloc.NewReadOnly(segments), d.limits.Reader), nil
}

func segmentsOf(msg *capnp.Message) ([][]byte, error) {
	n := msg.NumSegments()
	if n == 0 {
		return nil, errors.New("stream: message has no segments")
	}
	segments := make([][]byte, 0, n)
	for i := range n {
		seg, err := msg.Segment(types.SegmentID(i))
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg.Data())
	}
	return segments, nil
}

func appendHeader(buf []byte, segments [][]byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(segments)-1))
	for _, s := range segments {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)/types.WordSize))
	}
	if len(segments)%2 == 0 {
		buf = binary.LittleEndian.AppendUint32(buf, 0)
	}
	return buf
}

// parseHeader decodes segment sizes in bytes. First is the first word of the header, rest is the data following it.
func parseHeader(first, rest []byte, limits Limits) ([]uint64, error) {
	n := uint64(binary.LittleEndian.Uint32(first)) + 1
	if err := checkSegmentCount(n, limits); err != nil {
		return nil, err
	}
	headerRest := HeaderSize(int(n)) - types.WordSize
	if len(rest) < headerRest {
		return nil, errors.Wrapf(ErrTruncated, "header of %d segments truncated", n)
	}

	sizes := make([]uint64, 0, n)
	var total uint64
	for i := range n {
		var words uint32
		if i == 0 {
			words = binary.LittleEndian.Uint32(first[segmentSizeLength:])
		} else {
			words = binary.LittleEndian.Uint32(rest[(i-1)*segmentSizeLength:])
		}
		size := uint64(words) * types.WordSize
		total += size
		if total > limits.MaxMessageSize {
			return nil, errors.Wrapf(ErrMessageTooLarge, "declared size exceeds %d bytes", limits.MaxMessageSize)
		}
		sizes = append(sizes, size)
	}
	return sizes, nil
}

func checkSegmentCount(n uint64, limits Limits) error {
	if n > uint64(limits.MaxSegments) || n > math.MaxInt32 {
		return errors.Wrapf(ErrTooManySegments, "%d segments declared, %d allowed", n, limits.MaxSegments)
	}
	return nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, packed.ErrTruncated) {
		return errors.WithStack(ErrTruncated)
	}
	return errors.WithStack(err)
}
