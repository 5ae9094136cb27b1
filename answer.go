package capnp

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/pipeline"
)

// PipelineOp is one step of the path from the result struct to a capability.
type PipelineOp struct {
	Field uint16
}

// Transform follows the path of pointer fields starting at p.
func Transform(p Ptr, transform []PipelineOp) (Ptr, error) {
	for i, op := range transform {
		if p.IsValid() && !p.IsStruct() {
			return Ptr{}, errors.Errorf("transform step %d: pointer is not a struct", i)
		}
		var err error
		p, err = p.Struct().Ptr(op.Field)
		if err != nil {
			return Ptr{}, errors.Wrapf(err, "transform step %d", i)
		}
	}
	return p, nil
}

// PipelineCaller sends calls targeting a capability inside the result which is not known yet.
type PipelineCaller interface {
	PipelineSend(ctx context.Context, transform []PipelineOp, s Send) *Answer
}

type promiseState uint8

const (
	pending promiseState = iota
	resolving
	resolved
)

type queuedCall struct {
	ctx       context.Context
	transform []PipelineOp
	send      Send
	release   func()
	result    *Promise
}

// NewPromise creates unresolved result of a call. Calls pipelined on the result are handed to caller
// while it is pending or queued when caller is nil. Cancel is called when nobody is interested in
// the result any more before it was resolved.
func NewPromise(caller PipelineCaller, cancel func()) *Promise {
	p := &Promise{
		caller: caller,
		cancel: cancel,
		refs:   1,
		done:   make(chan struct{}),
	}
	p.answer = &Answer{p: p}
	return p
}

// Promise is the producer side of an answer.
type Promise struct {
	mu        sync.Mutex
	state     promiseState
	caller    PipelineCaller
	cancel    func()
	queue     pipeline.Pipeline[*queuedCall]
	refs      int
	abandoned bool

	result  Ptr
	err     error
	release func()

	// followers are called once the promise is resolved.
	followers []func()

	done   chan struct{}
	answer *Answer
}

// Answer returns the consumer side of promise.
func (p *Promise) Answer() *Answer {
	return p.answer
}

// Fulfill resolves promise with result. Release is called once the result is no longer needed.
func (p *Promise) Fulfill(result Ptr, release func()) {
	p.Resolve(result, nil, release)
}

// Reject resolves promise with error.
func (p *Promise) Reject(err error) {
	p.Resolve(Ptr{}, err, nil)
}

// Resolve resolves promise and delivers calls queued on it in the order they were made.
// Calls made while queued ones are delivered are queued too, so ordering is never broken.
func (p *Promise) Resolve(result Ptr, err error, release func()) {
	p.mu.Lock()
	if p.state != pending {
		p.mu.Unlock()
		if release != nil {
			release()
		}
		return
	}
	p.state = resolving
	p.result = result
	p.err = err
	p.release = release
	p.caller = nil
	p.cancel = nil

	for {
		calls := p.queue.Take()
		if calls == nil {
			break
		}
		p.mu.Unlock()
		for n := calls; n != nil; n = n.Next {
			p.deliver(n.Value)
		}
		p.mu.Lock()
	}

	p.state = resolved
	close(p.done)
	var toRelease func()
	if p.abandoned {
		toRelease = p.release
		p.release = nil
	}
	followers := p.followers
	p.followers = nil
	p.mu.Unlock()

	for _, f := range followers {
		f()
	}
	if toRelease != nil {
		toRelease()
	}
}

// onResolved calls f once the promise is resolved, right away if it is resolved already.
func (p *Promise) onResolved(f func()) {
	p.mu.Lock()
	if p.state != resolved {
		p.followers = append(p.followers, f)
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()
	f()
}

// IsResolved reports whether promise is resolved.
func (p *Promise) IsResolved() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Promise) deliver(qc *queuedCall) {
	c := p.clientFor(qc.transform)
	ans := c.Send(qc.ctx, qc.send)
	c.Release()
	qc.release()
	qc.result.Join(ans)
}

// Join makes p follow ans. Calls queued on p are forwarded to ans in order.
func (p *Promise) Join(ans *Answer) {
	p.mu.Lock()
	if p.state != pending {
		p.mu.Unlock()
		ans.Release()
		return
	}
	p.caller = ans
	p.cancel = ans.Release
	type forwarded struct {
		result *Promise
		ans    *Answer
	}
	var calls []forwarded
	for n := p.queue.Take(); n != nil; n = n.Next {
		qc := n.Value
		res := ans.PipelineSend(qc.ctx, qc.transform, qc.send)
		qc.release()
		calls = append(calls, forwarded{result: qc.result, ans: res})
	}
	abandoned := p.abandoned
	p.mu.Unlock()

	// Results may resolve right away, so they are joined outside the lock.
	for _, f := range calls {
		f.result.Join(f.ans)
	}
	if abandoned {
		ans.Release()
	}

	ans.p.onResolved(func() {
		p.Resolve(ans.p.result, ans.p.err, ans.Release)
	})
}

// clientFor returns new reference to the capability found at transform in the result.
// It must be called once the promise is resolving.
func (p *Promise) clientFor(transform []PipelineOp) *Client {
	if p.err != nil {
		return ErrorClient(p.err)
	}
	ptr, err := Transform(p.result, transform)
	if err != nil {
		return ErrorClient(exc.WrapError(exc.Failed, "capnp", err))
	}
	c := ptr.Interface().Client()
	if c == nil {
		return ErrorClient(exc.New(exc.Failed, "capnp", "pipelined field is not a capability"))
	}
	return c.AddRef()
}

func (p *Promise) pipelineSend(ctx context.Context, transform []PipelineOp, s Send) *Answer {
	p.mu.Lock()
	switch p.state {
	case pending:
		if p.caller != nil {
			caller := p.caller
			p.mu.Unlock()
			return caller.PipelineSend(ctx, transform, s)
		}
	case resolved:
		p.mu.Unlock()
		c := p.clientFor(transform)
		defer c.Release()
		return c.Send(ctx, s)
	}
	p.mu.Unlock()

	// Params are built outside the lock because placing them may touch this promise.
	replay, release, err := materialize(s)
	if err != nil {
		return ErrorAnswer(err)
	}

	p.mu.Lock()
	if p.state == pending && p.caller != nil {
		caller := p.caller
		p.mu.Unlock()
		ans := caller.PipelineSend(ctx, transform, replay)
		release()
		return ans
	}
	if p.state == resolved {
		p.mu.Unlock()
		c := p.clientFor(transform)
		ans := c.Send(ctx, replay)
		c.Release()
		release()
		return ans
	}
	qc := &queuedCall{
		ctx:       ctx,
		transform: append([]PipelineOp(nil), transform...),
		send:      replay,
		release:   release,
		result:    NewPromise(nil, nil),
	}
	p.queue.Push(qc)
	p.mu.Unlock()

	return qc.result.Answer()
}

func (p *Promise) incRef() {
	p.mu.Lock()
	p.refs++
	p.mu.Unlock()
}

func (p *Promise) decRef() {
	p.mu.Lock()
	p.refs--
	if p.refs > 0 {
		p.mu.Unlock()
		return
	}
	if p.state == resolved {
		release := p.release
		p.release = nil
		p.mu.Unlock()
		if release != nil {
			release()
		}
		return
	}
	p.abandoned = true
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// ErrorAnswer returns answer failed with err.
func ErrorAnswer(err error) *Answer {
	p := NewPromise(nil, nil)
	p.Reject(err)
	return p.Answer()
}

// Answer is the result of a call which may not be known yet.
type Answer struct {
	p        *Promise
	released atomic.Bool
}

// Done returns channel closed when the answer is resolved.
func (a *Answer) Done() <-chan struct{} {
	return a.p.done
}

// Struct waits for the result.
func (a *Answer) Struct() (Struct, error) {
	<-a.p.done
	return a.p.result.Struct(), a.p.err
}

// Wait waits for the result or context cancellation.
func (a *Answer) Wait(ctx context.Context) (Struct, error) {
	select {
	case <-ctx.Done():
		return Struct{}, errors.WithStack(ctx.Err())
	case <-a.p.done:
		return a.p.result.Struct(), a.p.err
	}
}

// Err returns the error of resolved answer. Nil is returned for pending answers.
func (a *Answer) Err() error {
	select {
	case <-a.p.done:
		return a.p.err
	default:
		return nil
	}
}

// Future returns the future of the whole result.
func (a *Answer) Future() *Future {
	return &Future{p: a.p}
}

// Field returns the future of i-th pointer field of the result.
func (a *Answer) Field(i uint16) *Future {
	return a.Future().Field(i)
}

// PipelineSend sends call to the capability found at transform in the result.
func (a *Answer) PipelineSend(ctx context.Context, transform []PipelineOp, s Send) *Answer {
	return a.p.pipelineSend(ctx, transform, s)
}

// Release declares no further interest in the result. Pending call is canceled if nothing else
// waits for it.
func (a *Answer) Release() {
	if a.released.CompareAndSwap(false, true) {
		a.p.decRef()
	}
}

// Future is the path to an object inside the answer.
type Future struct {
	p         *Promise
	transform []PipelineOp
}

// Field returns the future of i-th pointer field.
func (f *Future) Field(i uint16) *Future {
	transform := make([]PipelineOp, 0, len(f.transform)+1)
	transform = append(transform, f.transform...)
	return &Future{
		p:         f.p,
		transform: append(transform, PipelineOp{Field: i}),
	}
}

// Done returns channel closed when the answer is resolved.
func (f *Future) Done() <-chan struct{} {
	return f.p.done
}

// Ptr waits for the answer and returns the pointer.
func (f *Future) Ptr() (Ptr, error) {
	<-f.p.done
	if f.p.err != nil {
		return Ptr{}, f.p.err
	}
	return Transform(f.p.result, f.transform)
}

// Struct waits for the answer and returns the struct.
func (f *Future) Struct() (Struct, error) {
	p, err := f.Ptr()
	return p.Struct(), err
}

// Client returns capability which is going to be found in the answer. Calls made on it before
// the answer is resolved are pipelined.
func (f *Future) Client() *Client {
	f.p.incRef()
	return NewClient(&pipelineHook{
		p:         f.p,
		transform: f.transform,
	})
}

type pipelineHook struct {
	p         *Promise
	transform []PipelineOp
}

func (h *pipelineHook) Send(ctx context.Context, s Send) *Answer {
	return h.p.pipelineSend(ctx, h.transform, s)
}

func (h *pipelineHook) Brand() Brand {
	return Brand{Value: h}
}

func (h *pipelineHook) Shutdown() {
	h.p.decRef()
}

func (h *pipelineHook) Settled() <-chan struct{} {
	return h.p.done
}

func (h *pipelineHook) Resolution() *Client {
	return h.p.clientFor(h.transform)
}

// PipelineTarget reports the promise and path behind pipelined client.
func PipelineTarget(c *Client) (*Promise, []PipelineOp, bool) {
	h, ok := c.Hook().(*pipelineHook)
	if !ok {
		return nil, nil, false
	}
	return h.p, h.transform, true
}
