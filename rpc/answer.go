package rpc

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/rpc/wire"
)

// answer is the call received from the peer.
type answer struct {
	id     uint32
	ans    *capnp.Answer
	cancel context.CancelFunc

	returned bool
	finished bool

	resultExports []uint32
}

func (c *Conn) newAnswer(id uint32, cancel context.CancelFunc) *answer {
	a := c.massAnswer.New()
	*a = answer{
		id:     id,
		cancel: cancel,
	}
	c.answers[id] = a
	return a
}

func (c *Conn) handleCall(m wire.Message, msg *capnp.Message) error {
	defer msg.Release()

	call, err := m.Call()
	if err != nil {
		return err
	}
	id := call.QuestionID()
	if _, exists := c.answers[id]; exists {
		return errors.Errorf("duplicate question %d", id)
	}
	if call.SendResultsTo() != wire.ToCaller {
		return c.sendUnimplemented(m)
	}

	target, err := call.Target()
	if err != nil {
		return err
	}
	payload, err := call.Params()
	if err != nil {
		return err
	}
	content, err := payload.Content()
	if err != nil {
		return err
	}
	if err := c.importCaps(payload, msg); err != nil {
		return err
	}

	params := content.Struct()
	send := capnp.Send{
		Method: capnp.Method{
			InterfaceID: call.InterfaceID(),
			MethodID:    call.MethodID(),
		},
		ParamsSize: params.Size(),
		PlaceParams: func(s capnp.Struct) error {
			return s.CopyFrom(params)
		},
	}

	ctx, cancel := context.WithCancel(c.ctx)
	a := c.newAnswer(id, cancel)
	a.ans = c.deliver(ctx, target, send)
	c.watch(a)
	return nil
}

func (c *Conn) importCaps(payload wire.Payload, msg *capnp.Message) error {
	table, err := payload.CapTable()
	if err != nil {
		return err
	}
	caps := make([]*capnp.Client, 0, table.Len())
	for _, s := range table.All() {
		caps = append(caps, c.importCap(wire.NewCapDescriptor(s)))
	}
	msg.CapTable = caps
	return nil
}

// deliver passes the incoming call to its target. Params are copied before deliver returns.
func (c *Conn) deliver(ctx context.Context, target wire.MessageTarget, s capnp.Send) *capnp.Answer {
	client, err := c.targetClient(target)
	if err != nil {
		return capnp.ErrorAnswer(err)
	}
	r := client.Resolved()
	client.Release()
	defer r.Release()

	if t, ok := c.route(r); ok {
		return c.sendInline(ctx, t, s)
	}
	return r.Send(ctx, s)
}

func (c *Conn) targetClient(target wire.MessageTarget) (*capnp.Client, error) {
	switch target.Which() {
	case wire.TargetImportedCap:
		e, exists := c.exports.get(target.ImportedCap())
		if !exists {
			return nil, exc.New(exc.Failed, "rpc", "call on unknown capability")
		}
		return e.client.AddRef(), nil
	case wire.TargetPromisedAnswer:
		pa, err := target.PromisedAnswer()
		if err != nil {
			return nil, err
		}
		transform, err := pa.Transform()
		if err != nil {
			return nil, err
		}
		a, exists := c.answers[pa.QuestionID()]
		if !exists || a.finished {
			return nil, exc.New(exc.Failed, "rpc", "pipelined call on unknown answer")
		}
		return futureClient(a.ans, transform), nil
	default:
		return nil, exc.New(exc.Unimplemented, "rpc", "unknown call target")
	}
}

// watch posts return once the answer is resolved.
func (c *Conn) watch(a *answer) {
	done := a.ans.Done()
	go func() {
		select {
		case <-done:
		case <-c.stopCh:
			return
		}
		c.post(func() error {
			return c.sendReturn(a)
		})
	}()
}

func (c *Conn) handleBootstrap(m wire.Message) error {
	b, err := m.Bootstrap()
	if err != nil {
		return err
	}
	id := b.QuestionID()
	if _, exists := c.answers[id]; exists {
		return errors.Errorf("duplicate question %d", id)
	}

	a := c.newAnswer(id, func() {})
	a.ans = c.bootstrapAnswer()
	c.watch(a)
	return nil
}

func (c *Conn) bootstrapAnswer() *capnp.Answer {
	if c.options.BootstrapClient == nil {
		return capnp.ErrorAnswer(exc.New(exc.Failed, "rpc", "no bootstrap capability"))
	}
	msg, err := c.transport.NewMessage()
	if err != nil {
		return capnp.ErrorAnswer(err)
	}
	p := capnp.NewPromise(nil, nil)
	ptr := capnp.NewInterface(msg, msg.AddCap(c.options.BootstrapClient.AddRef())).ToPtr()
	p.Fulfill(ptr, msg.Release)
	return p.Answer()
}

func (c *Conn) sendReturn(a *answer) error {
	if c.err != nil || a.returned {
		return nil
	}
	a.returned = true

	if a.finished {
		if err := c.retireAnswer(a, false); err != nil {
			return err
		}
		return c.sendCanceled(a.id)
	}

	ptr, callErr := a.ans.Future().Ptr()
	if callErr == nil {
		sent, err := c.sendResults(a, ptr)
		if err != nil {
			return err
		}
		if sent {
			return nil
		}
		callErr = exc.New(exc.Failed, "rpc", "results can't be sent")
	}
	return c.sendException(a.id, callErr)
}

func (c *Conn) newReturn(id uint32) (*capnp.Message, wire.ReturnMsg, error) {
	msg, m, err := c.newMessage()
	if err != nil {
		return nil, wire.ReturnMsg{}, err
	}
	ret, err := m.NewReturn()
	if err != nil {
		msg.Release()
		return nil, wire.ReturnMsg{}, err
	}
	ret.SetAnswerID(id)
	// Params capabilities are released by separate release messages.
	ret.SetReleaseParamCaps(false)
	return msg, ret, nil
}

// sendResults reports false if results could not be encoded.
func (c *Conn) sendResults(a *answer, ptr capnp.Ptr) (bool, error) {
	msg, ret, err := c.newReturn(a.id)
	if err != nil {
		return false, err
	}
	payload, err := ret.NewResults()
	if err != nil {
		msg.Release()
		return false, err
	}
	if err := payload.SetContent(ptr); err != nil {
		c.log.Warn("Encoding results failed", zap.Error(err))
		msg.Release()
		return false, nil
	}
	exports, err := c.describeCaps(payload, msg.CapTable)
	if err != nil {
		for _, id := range exports {
			_ = c.releaseExport(id, 1)
		}
		msg.Release()
		return false, nil
	}
	a.resultExports = exports
	c.push(msg)
	return true, nil
}

func (c *Conn) sendException(id uint32, callErr error) error {
	msg, ret, err := c.newReturn(id)
	if err != nil {
		return err
	}
	e, err := ret.NewException()
	if err == nil {
		err = e.Set(callErr)
	}
	if err != nil {
		msg.Release()
		return err
	}
	c.push(msg)
	return nil
}

func (c *Conn) sendCanceled(id uint32) error {
	msg, ret, err := c.newReturn(id)
	if err != nil {
		return err
	}
	ret.SetCanceled()
	c.push(msg)
	return nil
}

func (c *Conn) handleFinish(m wire.Message) error {
	f, err := m.Finish()
	if err != nil {
		return err
	}
	a, exists := c.answers[f.QuestionID()]
	if !exists || a.finished {
		return errors.Errorf("finish for unknown answer %d", f.QuestionID())
	}
	a.finished = true

	if !a.returned {
		// Call is still running. Canceled return is sent once it stops.
		a.cancel()
		return nil
	}
	return c.retireAnswer(a, f.ReleaseResultCaps())
}

func (c *Conn) retireAnswer(a *answer, releaseResultCaps bool) error {
	delete(c.answers, a.id)
	a.cancel()
	a.ans.Release()

	exports := a.resultExports
	a.resultExports = nil
	if !releaseResultCaps {
		return nil
	}
	for _, id := range exports {
		if err := c.releaseExport(id, 1); err != nil {
			return err
		}
	}
	return nil
}
