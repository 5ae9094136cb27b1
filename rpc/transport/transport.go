package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/stream"
)

// ErrClosed is returned by operations on closed transport.
var ErrClosed = errors.New("transport is closed")

// Transport carries RPC messages between two peers. Send may be called by one goroutine while
// another one calls Recv.
type Transport interface {
	// NewMessage allocates message to be sent.
	NewMessage() (*capnp.Message, error)

	// Send writes the message. Message is not released.
	Send(ctx context.Context, msg *capnp.Message) error

	// Recv blocks until the next message arrives. io.EOF is returned when the peer closed the
	// stream between messages.
	Recv(ctx context.Context) (*capnp.Message, error)

	// Close closes the transport unblocking pending Recv.
	Close() error
}

// Options configures stream transport.
type Options struct {
	// Packed enables packing of frames.
	Packed bool

	// Limits limit the size of received messages.
	Limits stream.Limits

	// Arena configures arenas of outgoing messages.
	Arena alloc.Config
}

// NewStream creates transport exchanging frames over the byte stream.
func NewStream(rwc io.ReadWriteCloser, options Options) Transport {
	if options.Arena.SegmentSize == 0 {
		options.Arena = alloc.DefaultConfig
	}
	bw := bufio.NewWriter(rwc)
	var dec *stream.Decoder
	if options.Packed {
		dec = stream.NewPackedDecoder(rwc, options.Limits)
	} else {
		dec = stream.NewDecoder(bufio.NewReader(rwc), options.Limits)
	}
	return &streamTransport{
		rwc:     rwc,
		arena:   options.Arena,
		bw:      bw,
		enc:     stream.NewEncoder(bw, options.Packed),
		dec:     dec,
		closeCh: make(chan struct{}),
	}
}

type streamTransport struct {
	rwc   io.ReadWriteCloser
	arena alloc.Config

	sendMu sync.Mutex
	bw     *bufio.Writer
	enc    *stream.Encoder

	recvMu sync.Mutex
	dec    *stream.Decoder

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
}

func (t *streamTransport) NewMessage() (*capnp.Message, error) {
	return capnp.NewMessage(alloc.NewMultiSegment(t.arena))
}

func (t *streamTransport) Send(ctx context.Context, msg *capnp.Message) error {
	if err := ctx.Err(); err != nil {
		return errors.WithStack(err)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	if t.isClosed() {
		return errors.WithStack(ErrClosed)
	}
	if err := t.enc.Encode(msg); err != nil {
		return t.mapErr(err)
	}
	return t.mapErr(errors.WithStack(t.bw.Flush()))
}

func (t *streamTransport) Recv(ctx context.Context) (*capnp.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.WithStack(err)
	}

	t.recvMu.Lock()
	defer t.recvMu.Unlock()

	msg, err := t.dec.Decode()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, t.mapErr(err)
	}
	return msg, nil
}

func (t *streamTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closeCh)
		t.closeErr = errors.WithStack(t.rwc.Close())
	})
	return t.closeErr
}

func (t *streamTransport) isClosed() bool {
	select {
	case <-t.closeCh:
		return true
	default:
		return false
	}
}

func (t *streamTransport) mapErr(err error) error {
	if err == nil {
		return nil
	}
	if t.isClosed() || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return errors.Wrap(ErrClosed, err.Error())
	}
	return err
}

// NewPipe returns two connected in-memory transports.
func NewPipe(options Options) (Transport, Transport) {
	c1, c2 := net.Pipe()
	return NewStream(c1, options), NewStream(c2, options)
}
