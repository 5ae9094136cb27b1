package server

import (
	"context"
	"sync"

	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/queue"
	"github.com/outofforest/capnp/types"
)

// Method is the implementation of one method of the interface.
type Method struct {
	capnp.Method
	Impl func(ctx context.Context, call *Call) error
}

// Call is the invocation of method passed to its implementation.
type Call struct {
	Method capnp.Method
	Params capnp.Struct

	ctx     context.Context
	promise *capnp.Promise
	results capnp.Struct
	once    sync.Once
	goCh    chan struct{}
}

// Context returns the context of the call.
func (c *Call) Context() context.Context {
	return c.ctx
}

// AllocResults allocates the results struct. Calling it again returns the same struct.
func (c *Call) AllocResults(size types.ObjectSize) (capnp.Struct, error) {
	if c.results.IsValid() {
		return c.results, nil
	}
	msg, err := capnp.NewMessage(alloc.NewMultiSegment(alloc.DefaultConfig))
	if err != nil {
		return capnp.Struct{}, err
	}
	s, err := capnp.NewRootStruct(msg, size)
	if err != nil {
		msg.Release()
		return capnp.Struct{}, err
	}
	c.results = s
	return s, nil
}

// Go lets the server deliver the next call before this one returns.
func (c *Call) Go() {
	c.once.Do(func() {
		close(c.goCh)
	})
}

func (c *Call) finish(err error) {
	c.Go()
	c.Params.Message().Release()
	if err != nil {
		if c.results.IsValid() {
			c.results.Message().Release()
		}
		c.promise.Reject(err)
		return
	}
	if !c.results.IsValid() {
		if _, err := c.AllocResults(types.ObjectSize{}); err != nil {
			c.promise.Reject(err)
			return
		}
	}
	c.promise.Fulfill(c.results.ToPtr(), c.results.Message().Release)
}

// Config configures the server.
type Config struct {
	// Methods are the implemented methods.
	Methods []Method

	// Brand is returned by the client's Brand.
	Brand any

	// Shutdown is called after the last reference is released and queued calls are delivered.
	Shutdown func()
}

// New creates client of local object.
// Calls are delivered to the implementation one at a time in the order they were sent.
func New(config Config) *capnp.Client {
	s := &server{
		config:  config,
		methods: map[capnp.Method]*Method{},
		calls:   queue.New[*Call](),
		group:   parallel.NewGroup(logger.WithLogger(context.Background(), zap.NewNop())),
	}
	for i := range config.Methods {
		m := &config.Methods[i]
		s.methods[capnp.Method{InterfaceID: m.InterfaceID, MethodID: m.MethodID}] = m
	}
	s.group.Spawn("calls", parallel.Continue, s.run)
	return capnp.NewClient(s)
}

type server struct {
	config  Config
	methods map[capnp.Method]*Method
	calls   *queue.Queue[*Call]
	group   *parallel.Group
}

// Send queues the call.
func (s *server) Send(ctx context.Context, send capnp.Send) *capnp.Answer {
	params, err := capnp.NewParams(send)
	if err != nil {
		return capnp.ErrorAnswer(err)
	}
	p := capnp.NewPromise(nil, nil)
	call := &Call{
		Method:  send.Method,
		Params:  params,
		ctx:     ctx,
		promise: p,
		goCh:    make(chan struct{}),
	}
	if !s.calls.Push(call) {
		params.Message().Release()
		return capnp.ErrorAnswer(exc.New(exc.Disconnected, "server", "object is shut down"))
	}
	return p.Answer()
}

// Brand returns the brand of the server.
func (s *server) Brand() capnp.Brand {
	return capnp.Brand{Value: s.config.Brand}
}

// Shutdown stops accepting calls.
func (s *server) Shutdown() {
	s.calls.Close()
}

// run delivers calls until the server is shut down. Group context is never canceled, so queued calls
// are always drained before shutdown hook is called.
func (s *server) run(ctx context.Context) error {
	for {
		call, err := s.calls.Pop(ctx)
		if err != nil {
			break
		}
		s.handle(call)
	}
	if s.config.Shutdown != nil {
		s.config.Shutdown()
	}
	return nil
}

func (s *server) handle(call *Call) {
	m, ok := s.methods[capnp.Method{InterfaceID: call.Method.InterfaceID, MethodID: call.Method.MethodID}]
	if !ok {
		call.finish(errors.WithStack(exc.New(exc.Unimplemented, "server", "method not implemented: "+call.Method.String())))
		return
	}
	if err := call.ctx.Err(); err != nil {
		call.finish(exc.WrapError(exc.Failed, "server", err))
		return
	}

	s.group.Spawn("call", parallel.Continue, func(_ context.Context) error {
		call.finish(m.Impl(call.ctx, call))
		return nil
	})
	<-call.goCh
}
