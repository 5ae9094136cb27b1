package rpc

import (
	"context"
	"slices"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/rpc/wire"
)

// question is the call sent to the peer.
type question struct {
	conn      *Conn
	ctx       context.Context
	method    capnp.Method
	promise   *capnp.Promise
	bootstrap bool

	// Built call waiting for the dispatcher.
	msg    *capnp.Message
	call   wire.CallMsg
	params capnp.Struct

	id         uint32
	sent       bool
	returned   bool
	finished   bool
	redirected bool

	paramExports []uint32
	pipelined    [][]capnp.PipelineOp
}

func (c *Conn) newQuestion(ctx context.Context, method capnp.Method) *question {
	q := &question{
		conn:   c,
		ctx:    ctx,
		method: method,
	}
	q.promise = capnp.NewPromise(q, q.cancel)
	return q
}

// PipelineSend sends call to capability in the result of the question.
func (q *question) PipelineSend(ctx context.Context, transform []capnp.PipelineOp, s capnp.Send) *capnp.Answer {
	return q.conn.send(ctx, callTarget{question: q, transform: slices.Clone(transform)}, s)
}

func (q *question) cancel() {
	q.conn.post(func() error {
		return q.conn.cancelQuestion(q)
	})
}

func (q *question) onWire() bool {
	return q.sent && !q.returned
}

func (q *question) build(s capnp.Send) error {
	msg, m, err := q.conn.newMessage()
	if err != nil {
		return err
	}
	call, err := m.NewCall()
	if err != nil {
		msg.Release()
		return err
	}
	call.SetInterfaceID(s.Method.InterfaceID)
	call.SetMethodID(s.Method.MethodID)
	payload, err := call.NewParams()
	if err != nil {
		msg.Release()
		return err
	}
	params, err := capnp.NewStruct(msg, s.ParamsSize)
	if err != nil {
		msg.Release()
		return err
	}
	if s.PlaceParams != nil {
		if err := s.PlaceParams(params); err != nil {
			msg.Release()
			return err
		}
	}
	if err := payload.SetContent(params.ToPtr()); err != nil {
		msg.Release()
		return err
	}

	q.msg = msg
	q.call = call
	q.params = params
	return nil
}

// replay returns the send copying params of the built call.
func (q *question) replay() capnp.Send {
	params := q.params
	return capnp.Send{
		Method:     q.method,
		ParamsSize: params.Size(),
		PlaceParams: func(s capnp.Struct) error {
			return s.CopyFrom(params)
		},
	}
}

func (q *question) releaseMsg() {
	if q.msg != nil {
		q.msg.Release()
		q.msg = nil
	}
	q.call = wire.CallMsg{}
	q.params = capnp.Struct{}
}

func (q *question) addPipelined(transform []capnp.PipelineOp) {
	for _, t := range q.pipelined {
		if slices.Equal(t, transform) {
			return
		}
	}
	q.pipelined = append(q.pipelined, transform)
}

// callTarget is the capability of the peer the call is sent to.
type callTarget struct {
	entry     *importEntry
	question  *question
	transform []capnp.PipelineOp
}

func (t callTarget) place(target wire.MessageTarget) error {
	if t.question == nil {
		target.SetImportedCap(t.entry.id)
		return nil
	}
	pa, err := target.NewPromisedAnswer()
	if err != nil {
		return err
	}
	pa.SetQuestionID(t.question.id)
	return pa.SetTransform(t.transform)
}

// send builds the call in the goroutine of the caller and passes it to the dispatcher.
func (c *Conn) send(ctx context.Context, target callTarget, s capnp.Send) *capnp.Answer {
	q := c.newQuestion(ctx, s.Method)
	if err := q.build(s); err != nil {
		return capnp.ErrorAnswer(err)
	}
	if !c.post(func() error {
		return c.startCall(q, target)
	}) {
		q.releaseMsg()
		return capnp.ErrorAnswer(errDisconnected)
	}
	return q.promise.Answer()
}

// sendInline sends the call from the dispatcher, keeping its order relative to other messages.
func (c *Conn) sendInline(ctx context.Context, target callTarget, s capnp.Send) *capnp.Answer {
	q := c.newQuestion(ctx, s.Method)
	if err := q.build(s); err != nil {
		return capnp.ErrorAnswer(err)
	}
	ans := q.promise.Answer()
	if err := c.startCall(q, target); err != nil {
		q.promise.Reject(exc.WrapError(exc.Failed, "rpc", err))
	}
	return ans
}

func (c *Conn) startCall(q *question, t callTarget) error {
	if c.err != nil {
		q.releaseMsg()
		q.promise.Reject(c.err)
		return nil
	}

	if tq := t.question; tq != nil {
		if !tq.onWire() {
			return c.redirect(q, futureClient(tq.promise.Answer(), t.transform))
		}
		tq.addPipelined(t.transform)
		return c.sendQuestion(q, t)
	}

	e := t.entry
	if e.promise {
		if e.isSettled() {
			return c.redirect(q, e.resolved())
		}
		e.calls++
	}
	return c.sendQuestion(q, t)
}

// redirect delivers the call to client instead of the peer. Reference to client is taken over.
func (c *Conn) redirect(q *question, client *capnp.Client) error {
	r := client.Resolved()
	client.Release()
	defer r.Release()

	if t, ok := c.route(r); ok {
		return c.startCall(q, t)
	}

	ans := r.Send(q.ctx, q.replay())
	q.releaseMsg()
	q.redirected = true
	q.promise.Join(ans)
	return nil
}

// route reports the target on the peer for capabilities which are served by the peer.
func (c *Conn) route(r *capnp.Client) (callTarget, bool) {
	if ic, ok := importOf(r.Hook()); ok && ic.conn == c {
		if ic.entry.promise && ic.entry.isSettled() {
			return callTarget{}, false
		}
		return callTarget{entry: ic.entry}, true
	}
	if p, transform, ok := capnp.PipelineTarget(r); ok {
		if q, exists := c.byPromise[p]; exists && q.onWire() {
			return callTarget{question: q, transform: transform}, true
		}
	}
	return callTarget{}, false
}

func (c *Conn) admit(q *question) bool {
	if c.options.MaxQuestions > 0 && len(c.questions) >= c.options.MaxQuestions {
		q.releaseMsg()
		q.promise.Reject(exc.New(exc.Overloaded, "rpc", "too many calls in flight"))
		return false
	}
	return true
}

func (c *Conn) register(q *question) {
	q.id = c.questionIDs.get()
	q.sent = true
	c.questions[q.id] = q
	c.byPromise[q.promise] = q
}

func (c *Conn) retireQuestion(q *question) {
	if c.questions[q.id] == q {
		delete(c.questions, q.id)
		c.questionIDs.put(q.id)
	}
	delete(c.byPromise, q.promise)
}

func (c *Conn) sendQuestion(q *question, t callTarget) error {
	if !c.admit(q) {
		return nil
	}

	target, err := q.call.NewTarget()
	if err == nil {
		err = t.place(target)
	}
	var payload wire.Payload
	if err == nil {
		payload, err = q.call.Params()
	}
	if err == nil {
		q.paramExports, err = c.describeCaps(payload, q.msg.CapTable)
	}
	if err != nil {
		for _, id := range q.paramExports {
			_ = c.releaseExport(id, 1)
		}
		q.releaseMsg()
		q.promise.Reject(exc.WrapError(exc.Failed, "rpc", err))
		return nil
	}

	c.register(q)
	q.call.SetQuestionID(q.id)
	msg := q.msg
	q.msg = nil
	q.releaseMsg()
	c.push(msg)
	return nil
}

func (c *Conn) startBootstrap(q *question) error {
	if c.err != nil {
		q.promise.Reject(c.err)
		return nil
	}
	if !c.admit(q) {
		return nil
	}
	msg, m, err := c.newMessage()
	if err != nil {
		return err
	}
	b, err := m.NewBootstrap()
	if err != nil {
		msg.Release()
		return err
	}
	c.register(q)
	b.SetQuestionID(q.id)
	c.push(msg)
	return nil
}

func (c *Conn) cancelQuestion(q *question) error {
	if !q.onWire() || q.finished {
		return nil
	}
	q.finished = true
	return c.sendFinish(q.id, true)
}

func (c *Conn) sendFinish(id uint32, releaseResultCaps bool) error {
	msg, m, err := c.newMessage()
	if err != nil {
		return err
	}
	f, err := m.NewFinish()
	if err != nil {
		msg.Release()
		return err
	}
	f.SetQuestionID(id)
	f.SetReleaseResultCaps(releaseResultCaps)
	c.push(msg)
	return nil
}

// finish sends finish unless the question was canceled before and removes it from the table.
func (c *Conn) finish(q *question) error {
	c.retireQuestion(q)
	if q.finished {
		return nil
	}
	q.finished = true
	return c.sendFinish(q.id, false)
}

func (c *Conn) handleReturn(m wire.Message, msg *capnp.Message) error {
	ret, err := m.Return()
	if err != nil {
		msg.Release()
		return err
	}
	id := ret.AnswerID()
	q, exists := c.questions[id]
	if !exists || q.returned {
		msg.Release()
		return errors.Errorf("return for unknown question %d", id)
	}
	q.returned = true
	c.log.Debug("Question returned", zap.Uint32("questionID", q.id), zap.Bool("bootstrap", q.bootstrap),
		zap.Stringer("method", q.method))

	if ret.ReleaseParamCaps() {
		for _, id := range q.paramExports {
			if err := c.releaseExport(id, 1); err != nil {
				msg.Release()
				return err
			}
		}
	}
	q.paramExports = nil

	if q.finished {
		// Nobody waits for results. Capabilities in them are released by the peer.
		msg.Release()
		c.retireQuestion(q)
		q.promise.Reject(exc.New(exc.Failed, "rpc", "call canceled"))
		return nil
	}

	switch ret.Which() {
	case wire.ReturnResults:
		result, err := c.readResults(q, ret, msg)
		if err != nil {
			msg.Release()
			return err
		}
		if err := c.finish(q); err != nil {
			msg.Release()
			return err
		}
		q.promise.Fulfill(result, msg.Release)
		return nil
	case wire.ReturnException:
		e, err := ret.Exception()
		if err != nil {
			msg.Release()
			return err
		}
		rejectErr := e.Err()
		msg.Release()
		q.promise.Reject(rejectErr)
	case wire.ReturnCanceled:
		msg.Release()
		q.promise.Reject(exc.New(exc.Failed, "rpc", "call canceled by peer"))
	default:
		msg.Release()
		q.promise.Reject(exc.New(exc.Unimplemented, "rpc", "unsupported return"))
	}
	return c.finish(q)
}

// readResults imports capabilities of the results. Local capabilities reached by calls pipelined
// through the peer are embargoed until those calls are reflected back.
func (c *Conn) readResults(q *question, ret wire.ReturnMsg, msg *capnp.Message) (capnp.Ptr, error) {
	payload, err := ret.Results()
	if err != nil {
		return capnp.Ptr{}, err
	}
	content, err := payload.Content()
	if err != nil {
		return capnp.Ptr{}, err
	}
	table, err := payload.CapTable()
	if err != nil {
		return capnp.Ptr{}, err
	}

	caps := make([]*capnp.Client, 0, table.Len())
	local := make([]bool, 0, table.Len())
	for _, s := range table.All() {
		d := wire.NewCapDescriptor(s)
		w := d.Which()
		caps = append(caps, c.importCap(d))
		local = append(local, w == wire.CapReceiverHosted || w == wire.CapReceiverAnswer)
	}
	msg.CapTable = caps

	for _, path := range q.pipelined {
		ptr, err := capnp.Transform(content, path)
		if err != nil || !ptr.IsInterface() {
			continue
		}
		i := int(ptr.Interface().Capability())
		if i >= len(caps) || !local[i] || caps[i] == nil {
			continue
		}
		// Embargo is placed once per capability.
		local[i] = false

		client, resolver := capnp.NewLocalPromise()
		e := &embargo{
			id:       c.embargoIDs.get(),
			target:   caps[i],
			resolver: resolver,
		}
		c.embargoes[e.id] = e
		caps[i] = client

		if err := c.sendDisembargo(e.id, callTarget{question: q, transform: path}); err != nil {
			return capnp.Ptr{}, err
		}
	}
	return content, nil
}

func futureClient(ans *capnp.Answer, transform []capnp.PipelineOp) *capnp.Client {
	f := ans.Future()
	for _, op := range transform {
		f = f.Field(op.Field)
	}
	return f.Client()
}
