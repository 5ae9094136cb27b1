package rpc

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/outofforest/logger"
	"github.com/outofforest/mass"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/queue"
	"github.com/outofforest/capnp/rpc/transport"
	"github.com/outofforest/capnp/rpc/wire"
)

// ErrClosed is the reason of connection closed by Close.
var ErrClosed = errors.New("connection closed")

var errOutboxClosed = errors.New("outbox closed")

// Options configures connection.
type Options struct {
	// BootstrapClient is returned to the peer asking for bootstrap capability. Reference is taken over.
	BootstrapClient *capnp.Client

	// AbortTimeout is the time given to the sender to deliver the abort message on shutdown.
	AbortTimeout time.Duration

	// MaxQuestions limits the number of calls waiting for return. Zero means no limit.
	MaxQuestions int
}

// DefaultAbortTimeout is used when abort timeout is not set.
const DefaultAbortTimeout = 100 * time.Millisecond

// Stats reports sizes of connection tables.
type Stats struct {
	Questions int
	Answers   int
	Exports   int
	Imports   int
	Embargoes int
}

// NewConn creates connection over transport. It does nothing until Run is called.
func NewConn(t transport.Transport, options Options) *Conn {
	if options.AbortTimeout == 0 {
		options.AbortTimeout = DefaultAbortTimeout
	}
	return &Conn{
		id:         uuid.New().String(),
		transport:  t,
		options:    options,
		log:        zap.NewNop(),
		events:     queue.New[func() error](),
		outbox:     queue.New[*capnp.Message](),
		questions:  map[uint32]*question{},
		byPromise:  map[*capnp.Promise]*question{},
		answers:    map[uint32]*answer{},
		massAnswer: mass.New[answer](64),
		exports:    newExportTable(),
		imports:    map[uint32]*importEntry{},
		embargoes:  map[uint32]*embargo{},
		senderDone: make(chan struct{}),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Conn is the two-party RPC connection.
// All tables are owned by the dispatcher goroutine. Other goroutines talk to it by posting events.
type Conn struct {
	id        string
	transport transport.Transport
	options   Options
	log       *zap.Logger
	ctx       context.Context

	events *queue.Queue[func() error]
	outbox *queue.Queue[*capnp.Message]

	questions   map[uint32]*question
	byPromise   map[*capnp.Promise]*question
	questionIDs idPool
	answers     map[uint32]*answer
	massAnswer  *mass.Mass[answer]
	exports     exportTable
	imports     map[uint32]*importEntry
	embargoes   map[uint32]*embargo
	embargoIDs  idPool

	// err is set once connection starts shutting down.
	err    error
	reason error
	// ioErr is the failure of receiver or sender.
	ioErr   atomic.Pointer[error]
	started atomic.Bool

	senderDone chan struct{}
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once
}

// ID returns the identifier of connection used in logs.
func (c *Conn) ID() string {
	return c.id
}

// Run runs the connection until it is closed, the peer disconnects or ctx is canceled.
func (c *Conn) Run(ctx context.Context) error {
	c.started.Store(true)
	c.log = logger.Get(ctx).With(zap.String("conn", c.id))
	c.log.Debug("Connection started")

	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		c.ctx = ctx
		spawn("receiver", parallel.Fail, c.runReceiver)
		spawn("dispatcher", parallel.Fail, c.runDispatcher)
		spawn("sender", parallel.Fail, c.runSender)
		spawn("closer", parallel.Fail, func(ctx context.Context) error {
			<-ctx.Done()
			select {
			case <-c.senderDone:
			case <-time.After(c.options.AbortTimeout):
			}
			_ = c.transport.Close()
			return errors.WithStack(ctx.Err())
		})
		return nil
	})

	reason := c.reason
	if reason == nil {
		reason = err
	}
	c.teardown(reason)
	close(c.doneCh)

	switch {
	case errors.Is(reason, ErrClosed), exc.Is(reason, exc.Disconnected):
		c.log.Debug("Connection closed", zap.Error(reason))
		return nil
	case errors.Is(reason, context.Canceled):
		return reason
	}
	c.log.Error("Connection failed", zap.Error(reason))
	return reason
}

// Close shuts the connection down sending abort to the peer.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.post(func() error {
			return errors.WithStack(ErrClosed)
		})
	})
	return nil
}

// Done returns channel closed after connection is shut down.
func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

// Stats returns the sizes of connection tables. Zero stats are returned if connection is not running.
func (c *Conn) Stats() Stats {
	if !c.started.Load() {
		return Stats{}
	}
	ch := make(chan Stats, 1)
	if !c.post(func() error {
		ch <- Stats{
			Questions: len(c.questions),
			Answers:   len(c.answers),
			Exports:   c.exports.len(),
			Imports:   len(c.imports),
			Embargoes: len(c.embargoes),
		}
		return nil
	}) {
		return Stats{}
	}
	select {
	case s := <-ch:
		return s
	case <-c.doneCh:
		return Stats{}
	}
}

// Bootstrap returns the bootstrap capability of the peer. Calls made before the peer answers are pipelined.
func (c *Conn) Bootstrap(ctx context.Context) *capnp.Client {
	q := c.newQuestion(ctx, capnp.Method{})
	q.bootstrap = true
	if !c.post(func() error {
		return c.startBootstrap(q)
	}) {
		return capnp.ErrorClient(errDisconnected)
	}
	ans := q.promise.Answer()
	client := ans.Future().Client()
	ans.Release()
	return client
}

var errDisconnected = exc.New(exc.Disconnected, "rpc", "connection closed")

func (c *Conn) post(fn func() error) bool {
	return c.events.Push(fn)
}

func (c *Conn) push(msg *capnp.Message) {
	if !c.outbox.Push(msg) {
		msg.Release()
	}
}

func (c *Conn) newMessage() (*capnp.Message, wire.Message, error) {
	msg, err := c.transport.NewMessage()
	if err != nil {
		return nil, wire.Message{}, err
	}
	m, err := wire.NewMessage(msg)
	if err != nil {
		msg.Release()
		return nil, wire.Message{}, err
	}
	return msg, m, nil
}

func (c *Conn) runReceiver(ctx context.Context) error {
	for {
		msg, err := c.transport.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = exc.New(exc.Disconnected, "rpc", "peer closed connection")
			} else if !errors.Is(err, context.Canceled) {
				err = exc.WrapError(exc.Disconnected, "rpc", err)
			}
			c.ioErr.CompareAndSwap(nil, &err)
			return err
		}
		if !c.post(func() error {
			return c.handleMessage(msg)
		}) {
			msg.Release()
			return errors.WithStack(ctx.Err())
		}
	}
}

func (c *Conn) runDispatcher(ctx context.Context) error {
	defer c.outbox.Close()

	for {
		fn, err := c.events.Pop(ctx)
		if err != nil {
			if ioErr := c.ioErr.Load(); ioErr != nil {
				err = *ioErr
			}
			c.reason = err
			return err
		}
		if err := fn(); err != nil {
			c.reason = err
			var aborted abortedError
			if !errors.As(err, &aborted) {
				c.sendAbort(err)
			}
			return err
		}
	}
}

func (c *Conn) runSender(_ context.Context) error {
	defer close(c.senderDone)

	// Messages queued before shutdown, including abort, are still delivered.
	ctx := context.Background()
	for {
		msg, err := c.outbox.Pop(ctx)
		if err != nil {
			return errors.WithStack(errOutboxClosed)
		}
		err = c.transport.Send(ctx, msg)
		msg.Release()
		if err != nil {
			var sendErr error = exc.WrapError(exc.Disconnected, "rpc", err)
			c.ioErr.CompareAndSwap(nil, &sendErr)
			return sendErr
		}
	}
}

type abortedError struct {
	err error
}

func (e abortedError) Error() string {
	return "aborted by peer: " + e.err.Error()
}

func (e abortedError) Unwrap() error {
	return e.err
}

func (c *Conn) sendAbort(reason error) {
	if errors.Is(reason, ErrClosed) {
		reason = errDisconnected
	} else {
		c.log.Error("Aborting connection", zap.Error(reason))
	}
	msg, m, err := c.newMessage()
	if err != nil {
		return
	}
	e, err := m.NewAbort()
	if err == nil {
		err = e.Set(reason)
	}
	if err != nil {
		msg.Release()
		return
	}
	c.push(msg)
}

func (c *Conn) handleMessage(msg *capnp.Message) error {
	if c.err != nil {
		msg.Release()
		return nil
	}
	m, err := wire.ReadMessage(msg)
	if err != nil {
		msg.Release()
		return errors.Wrap(err, "reading message")
	}

	c.log.Debug("Message received", zap.Stringer("type", m.Which()))

	switch m.Which() {
	case wire.Call:
		return c.handleCall(m, msg)
	case wire.Return:
		return c.handleReturn(m, msg)
	case wire.Bootstrap:
		defer msg.Release()
		return c.handleBootstrap(m)
	case wire.Finish:
		defer msg.Release()
		return c.handleFinish(m)
	case wire.Release:
		defer msg.Release()
		return c.handleRelease(m)
	case wire.Resolve:
		defer msg.Release()
		return c.handleResolve(m)
	case wire.Disembargo:
		defer msg.Release()
		return c.handleDisembargo(m)
	case wire.Abort:
		defer msg.Release()
		return c.handleAbort(m)
	case wire.Unimplemented:
		defer msg.Release()
		return c.handleUnimplemented(m)
	default:
		defer msg.Release()
		c.log.Debug("Unsupported message", zap.Stringer("type", m.Which()))
		return c.sendUnimplemented(m)
	}
}

func (c *Conn) handleAbort(m wire.Message) error {
	e, err := m.Abort()
	if err != nil {
		return abortedError{err: err}
	}
	return abortedError{err: e.Err()}
}

func (c *Conn) sendUnimplemented(original wire.Message) error {
	msg, m, err := c.newMessage()
	if err != nil {
		return err
	}
	if err := m.SetUnimplemented(original); err != nil {
		msg.Release()
		return err
	}
	c.push(msg)
	return nil
}

func (c *Conn) handleUnimplemented(m wire.Message) error {
	echoed, err := m.Unimplemented()
	if err != nil {
		return err
	}

	switch echoed.Which() {
	case wire.Resolve:
		res, err := echoed.Resolve()
		if err != nil {
			return err
		}
		if res.Which() != wire.ResolveCap {
			return nil
		}
		d, err := res.Cap()
		if err != nil {
			return err
		}
		if w := d.Which(); w == wire.CapSenderHosted || w == wire.CapSenderPromise {
			return c.releaseExport(d.ID(), 1)
		}
	case wire.Call, wire.Bootstrap:
		var id uint32
		if echoed.Which() == wire.Call {
			call, err := echoed.Call()
			if err != nil {
				return err
			}
			id = call.QuestionID()
		} else {
			b, err := echoed.Bootstrap()
			if err != nil {
				return err
			}
			id = b.QuestionID()
		}
		q, ok := c.questions[id]
		if !ok {
			return errors.Errorf("unimplemented echo of unknown question %d", id)
		}
		for _, exportID := range q.paramExports {
			if err := c.releaseExport(exportID, 1); err != nil {
				return err
			}
		}
		q.paramExports = nil
		q.returned = true
		q.finished = true
		c.retireQuestion(q)
		q.promise.Reject(exc.New(exc.Unimplemented, "rpc", "peer does not implement "+echoed.Which().String()))
	default:
		c.log.Warn("Peer does not implement message", zap.Stringer("type", echoed.Which()))
	}
	return nil
}

func (c *Conn) teardown(reason error) {
	close(c.stopCh)

	text := "connection closed"
	if reason != nil && !errors.Is(reason, ErrClosed) {
		text = reason.Error()
	}
	c.err = exc.New(exc.Disconnected, "rpc", text)

	c.events.Close()
	for {
		fn, ok := c.events.TryPop()
		if !ok {
			break
		}
		_ = fn()
	}

	for _, q := range c.questions {
		q.releaseMsg()
		q.promise.Reject(c.err)
	}
	clear(c.questions)
	clear(c.byPromise)

	for _, a := range c.answers {
		a.cancel()
		a.ans.Release()
	}
	clear(c.answers)

	for _, e := range c.embargoes {
		e.target.Release()
		e.resolver.Reject(c.err)
	}
	clear(c.embargoes)

	for _, e := range c.imports {
		e.breakWith(c.err)
	}
	clear(c.imports)

	for _, client := range c.exports.clear() {
		client.Release()
	}

	c.options.BootstrapClient.Release()

	for {
		msg, ok := c.outbox.TryPop()
		if !ok {
			break
		}
		msg.Release()
	}
}
