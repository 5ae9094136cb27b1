package capnp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/alloc"
	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/types"
)

// Method identifies method of an interface.
type Method struct {
	InterfaceID   uint64
	MethodID      uint16
	InterfaceName string
	MethodName    string
}

// String returns the name of the method.
func (m Method) String() string {
	if m.InterfaceName != "" && m.MethodName != "" {
		return m.InterfaceName + "." + m.MethodName
	}
	return fmt.Sprintf("@%#x.@%d", m.InterfaceID, m.MethodID)
}

// Send describes outgoing call.
type Send struct {
	Method Method

	// ParamsSize is the size of params struct.
	ParamsSize types.ObjectSize

	// PlaceParams fills the params struct. It is called at most once, before the hook's Send returns.
	PlaceParams func(Struct) error
}

// Brand identifies the implementation of hook.
type Brand struct {
	Value any
}

// ClientHook is the implementation of capability.
type ClientHook interface {
	// Send starts the call without waiting for its result.
	Send(ctx context.Context, s Send) *Answer

	// Brand returns the implementation-specific value.
	Brand() Brand

	// Shutdown is called exactly once, when the last client referencing hook is released.
	Shutdown()
}

// PromiseHook is implemented by hooks which settle into another capability later.
type PromiseHook interface {
	ClientHook

	// Settled returns channel closed once the promise is resolved or broken.
	Settled() <-chan struct{}

	// Resolution returns new reference to the client promise settled into.
	// It must be called only after Settled is closed.
	Resolution() *Client
}

// RemoteHook is implemented by hooks forwarding calls to a peer.
type RemoteHook interface {
	ClientHook

	// IsRemote reports whether hook sends calls over connection.
	IsRemote() bool
}

// ResolutionState describes how far the capability is resolved.
type ResolutionState uint8

// Resolution states.
const (
	Unresolved ResolutionState = iota
	ResolvedLocal
	ResolvedRemote
	Broken
)

// String returns the name of state.
func (s ResolutionState) String() string {
	switch s {
	case Unresolved:
		return "unresolved"
	case ResolvedLocal:
		return "local"
	case ResolvedRemote:
		return "remote"
	default:
		return "broken"
	}
}

type clientCell struct {
	mu   sync.Mutex
	refs int
	hook ClientHook
}

// NewClient creates the first reference to the hook. Nil hook gives the null capability.
func NewClient(hook ClientHook) *Client {
	if hook == nil {
		return nil
	}
	return &Client{
		cell: &clientCell{
			refs: 1,
			hook: hook,
		},
	}
}

// ErrorClient creates capability failing every call with err.
func ErrorClient(err error) *Client {
	return NewClient(errorHook{err: err})
}

// Client is one reference to a capability. Each reference is released exactly once.
// Nil client is the null capability.
type Client struct {
	cell     *clientCell
	released atomic.Bool
}

// AddRef returns new reference to the same capability.
func (c *Client) AddRef() *Client {
	if c == nil || c.released.Load() {
		return nil
	}
	c.cell.mu.Lock()
	c.cell.refs++
	c.cell.mu.Unlock()
	return &Client{cell: c.cell}
}

// Release drops the reference. Hook is shut down when the last reference is released.
func (c *Client) Release() {
	if c == nil || !c.released.CompareAndSwap(false, true) {
		return
	}
	c.cell.mu.Lock()
	c.cell.refs--
	last := c.cell.refs == 0
	c.cell.mu.Unlock()

	if last {
		c.cell.hook.Shutdown()
	}
}

// Hook returns the hook of capability.
func (c *Client) Hook() ClientHook {
	if c == nil || c.released.Load() {
		return nil
	}
	return c.cell.hook
}

// IsValid reports whether client is neither null, released nor broken at creation.
func (c *Client) IsValid() bool {
	h := c.Hook()
	if h == nil {
		return false
	}
	_, broken := h.(errorHook)
	return !broken
}

// Send starts the call.
func (c *Client) Send(ctx context.Context, s Send) *Answer {
	h := c.Hook()
	if h == nil {
		if c == nil {
			return ErrorAnswer(exc.New(exc.Failed, "capnp", "call on null capability"))
		}
		return ErrorAnswer(exc.New(exc.Failed, "capnp", "call on released capability"))
	}
	return h.Send(ctx, s)
}

// Brand returns the brand of the settled hook.
func (c *Client) Brand() Brand {
	r := c.Resolved()
	defer r.Release()

	if h := r.Hook(); h != nil {
		return h.Brand()
	}
	return Brand{}
}

// Resolved returns new reference to the client after following all settled promises.
func (c *Client) Resolved() *Client {
	cur := c.AddRef()
	for {
		ph, ok := cur.Hook().(PromiseHook)
		if !ok {
			return cur
		}
		select {
		case <-ph.Settled():
		default:
			return cur
		}
		next := ph.Resolution()
		cur.Release()
		cur = next
	}
}

// WaitResolved waits until all promises in the chain are settled.
func (c *Client) WaitResolved(ctx context.Context) error {
	cur := c.AddRef()
	defer func() {
		cur.Release()
	}()

	for {
		ph, ok := cur.Hook().(PromiseHook)
		if !ok {
			return cur.Err()
		}
		select {
		case <-ctx.Done():
			return errors.WithStack(ctx.Err())
		case <-ph.Settled():
		}
		next := ph.Resolution()
		cur.Release()
		cur = next
	}
}

// Err returns the error of broken capability.
func (c *Client) Err() error {
	r := c.Resolved()
	defer r.Release()

	if eh, ok := r.Hook().(errorHook); ok {
		return eh.err
	}
	return nil
}

// State returns the resolution state of capability.
func (c *Client) State() ResolutionState {
	r := c.Resolved()
	defer r.Release()

	switch h := r.Hook().(type) {
	case nil, errorHook:
		return Broken
	case PromiseHook:
		return Unresolved
	case RemoteHook:
		if h.IsRemote() {
			return ResolvedRemote
		}
	}
	return ResolvedLocal
}

// IsSame reports whether both clients settle into the same hook.
func (c *Client) IsSame(other *Client) bool {
	a := c.Resolved()
	defer a.Release()
	b := other.Resolved()
	defer b.Release()

	return a.Hook() == b.Hook()
}

// String returns the description of client.
func (c *Client) String() string {
	h := c.Hook()
	if h == nil {
		return "<null capability>"
	}
	return fmt.Sprintf("<capability %T>", h)
}

type errorHook struct {
	err error
}

func (h errorHook) Send(_ context.Context, _ Send) *Answer {
	return ErrorAnswer(h.err)
}

func (h errorHook) Brand() Brand {
	return Brand{Value: h.err}
}

func (h errorHook) Shutdown() {}

// NewParams builds params of s in new message.
func NewParams(s Send) (Struct, error) {
	msg, err := NewMessage(alloc.NewMultiSegment(alloc.DefaultConfig))
	if err != nil {
		return Struct{}, err
	}
	params, err := NewRootStruct(msg, s.ParamsSize)
	if err != nil {
		return Struct{}, err
	}
	if s.PlaceParams != nil {
		if err := s.PlaceParams(params); err != nil {
			msg.Release()
			return Struct{}, err
		}
	}
	return params, nil
}

// materialize builds params immediately and returns the send replaying them later together
// with the function releasing the built message.
func materialize(s Send) (Send, func(), error) {
	params, err := NewParams(s)
	if err != nil {
		return Send{}, nil, err
	}
	return Send{
		Method:     s.Method,
		ParamsSize: s.ParamsSize,
		PlaceParams: func(dst Struct) error {
			return dst.CopyFrom(params)
		},
	}, params.Message().Release, nil
}
