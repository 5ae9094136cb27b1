package packed

import (
	"bufio"
	"io"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/types"
)

// NewReader returns reader unpacking the packed stream read from r.
func NewReader(r io.Reader) *Reader {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Reader{
		r:   br,
		buf: make([]byte, 0, (maxRun+1)*types.WordSize),
	}
}

// Reader unpacks data read from the underlying reader.
type Reader struct {
	r       *bufio.Reader
	buf     []byte
	pending []byte
}

// Read reads unpacked bytes.
func (r *Reader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if len(r.pending) == 0 {
		if err := r.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// fill decodes the next word group into the buffer.
func (r *Reader) fill() error {
	tag, err := r.r.ReadByte()
	if err != nil {
		return err
	}

	buf := r.buf[:types.WordSize]
	for i := range buf {
		buf[i] = 0
		if tag&(1<<i) == 0 {
			continue
		}
		if buf[i], err = r.r.ReadByte(); err != nil {
			return truncated(err)
		}
	}

	switch tag {
	case zeroTag:
		n, err := r.r.ReadByte()
		if err != nil {
			return truncated(err)
		}
		buf = buf[:types.WordSize*(1+int(n))]
		clear(buf[types.WordSize:])
	case rawTag:
		n, err := r.r.ReadByte()
		if err != nil {
			return truncated(err)
		}
		buf = buf[:types.WordSize*(1+int(n))]
		if _, err := io.ReadFull(r.r, buf[types.WordSize:]); err != nil {
			return truncated(err)
		}
	}
	r.pending = buf
	return nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return errors.WithStack(ErrTruncated)
	}
	return err
}

// NewWriter returns writer packing data written to w.
func NewWriter(w io.Writer) *Writer {
	return &Writer{
		w: w,
	}
}

// Writer packs data before writing it to the underlying writer.
// Bytes not forming the full word are kept until the next write or Flush.
type Writer struct {
	w       io.Writer
	partial []byte
	out     []byte
}

// Write packs and writes p.
func (w *Writer) Write(p []byte) (int, error) {
	n := len(p)
	if len(w.partial) > 0 {
		missing := types.WordSize - len(w.partial)
		if len(p) < missing {
			w.partial = append(w.partial, p...)
			return n, nil
		}
		w.partial = append(w.partial, p[:missing]...)
		p = p[missing:]
		w.out = Pack(w.out[:0], w.partial)
		w.partial = w.partial[:0]
		if _, err := w.w.Write(w.out); err != nil {
			return 0, errors.WithStack(err)
		}
	}

	full := len(p) / types.WordSize * types.WordSize
	w.partial = append(w.partial, p[full:]...)
	if full == 0 {
		return n, nil
	}
	w.out = Pack(w.out[:0], p[:full])
	if _, err := w.w.Write(w.out); err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}

// Flush pads the buffered partial word with zeros and writes it.
func (w *Writer) Flush() error {
	if len(w.partial) == 0 {
		return nil
	}
	w.out = Pack(w.out[:0], w.partial)
	w.partial = w.partial[:0]
	_, err := w.w.Write(w.out)
	return errors.WithStack(err)
}
