package rpc

import (
	"context"

	"github.com/pkg/errors"

	"github.com/outofforest/capnp"
	"github.com/outofforest/capnp/exc"
	"github.com/outofforest/capnp/rpc/wire"
)

// importClient sends calls to the capability exported by the peer.
type importClient struct {
	conn  *Conn
	entry *importEntry
}

func (h *importClient) Send(ctx context.Context, s capnp.Send) *capnp.Answer {
	return h.conn.send(ctx, callTarget{entry: h.entry}, s)
}

func (h *importClient) Brand() capnp.Brand {
	return capnp.Brand{Value: h.entry}
}

func (h *importClient) IsRemote() bool {
	return true
}

func (h *importClient) Shutdown() {
	h.conn.post(func() error {
		return h.conn.releaseImport(h.entry)
	})
}

// promiseImportClient is the import which is going to be resolved by the peer.
type promiseImportClient struct {
	importClient
}

func (h *promiseImportClient) Settled() <-chan struct{} {
	return h.entry.settled
}

func (h *promiseImportClient) Resolution() *capnp.Client {
	return h.entry.resolved()
}

func importOf(h capnp.ClientHook) (*importClient, bool) {
	switch h := h.(type) {
	case *importClient:
		return h, true
	case *promiseImportClient:
		return &h.importClient, true
	default:
		return nil, false
	}
}

// importCap creates client for the capability described by the peer.
func (c *Conn) importCap(d wire.CapDescriptor) *capnp.Client {
	switch d.Which() {
	case wire.CapNone:
		return nil
	case wire.CapSenderHosted, wire.CapSenderPromise:
		id := d.ID()
		e, exists := c.imports[id]
		if !exists {
			e = newImportEntry(id, d.Which() == wire.CapSenderPromise)
			c.imports[id] = e
		}
		e.wireRefs++
		e.localRefs++
		ic := importClient{conn: c, entry: e}
		if e.promise {
			return capnp.NewClient(&promiseImportClient{importClient: ic})
		}
		return capnp.NewClient(&ic)
	case wire.CapReceiverHosted:
		e, exists := c.exports.get(d.ID())
		if !exists {
			return capnp.ErrorClient(exc.New(exc.Failed, "rpc", "unknown capability received"))
		}
		return e.client.AddRef()
	case wire.CapReceiverAnswer:
		pa, err := d.ReceiverAnswer()
		if err != nil {
			return capnp.ErrorClient(exc.WrapError(exc.Failed, "rpc", err))
		}
		transform, err := pa.Transform()
		if err != nil {
			return capnp.ErrorClient(exc.WrapError(exc.Failed, "rpc", err))
		}
		a, exists := c.answers[pa.QuestionID()]
		if !exists {
			return capnp.ErrorClient(exc.New(exc.Failed, "rpc", "unknown answer received"))
		}
		return futureClient(a.ans, transform)
	default:
		return capnp.ErrorClient(exc.New(exc.Unimplemented, "rpc", "unsupported capability descriptor"))
	}
}

// describe fills the descriptor of client sent to the peer. It reports the export ID if capability
// was exported.
func (c *Conn) describe(d wire.CapDescriptor, client *capnp.Client) (uint32, bool, error) {
	if client == nil {
		d.SetNone()
		return 0, false, nil
	}

	r := client.Resolved()
	defer r.Release()

	if t, ok := c.route(r); ok {
		if t.entry != nil {
			d.SetReceiverHosted(t.entry.id)
			return 0, false, nil
		}
		pa, err := d.NewReceiverAnswer()
		if err != nil {
			return 0, false, err
		}
		pa.SetQuestionID(t.question.id)
		return 0, false, pa.SetTransform(t.transform)
	}

	_, promise := r.Hook().(capnp.PromiseHook)
	e, created := c.exports.add(r, promise)
	if e.promise {
		d.SetSenderPromise(e.id)
	} else {
		d.SetSenderHosted(e.id)
	}
	if created && e.promise {
		c.watchPromise(e)
	}
	return e.id, true, nil
}

func (c *Conn) describeCaps(p wire.Payload, caps []*capnp.Client) ([]uint32, error) {
	if len(caps) == 0 {
		return nil, nil
	}
	table, err := p.NewCapTable(len(caps))
	if err != nil {
		return nil, err
	}
	var exported []uint32
	for i, client := range caps {
		id, ok, err := c.describe(wire.NewCapDescriptor(table.At(i)), client)
		if err != nil {
			return exported, err
		}
		if ok {
			exported = append(exported, id)
		}
	}
	return exported, nil
}

func (c *Conn) releaseImport(e *importEntry) error {
	e.localRefs--
	if e.localRefs > 0 {
		return nil
	}
	if c.imports[e.id] == e {
		delete(c.imports, e.id)
	}
	e.releaseResolution()

	msg, m, err := c.newMessage()
	if err != nil {
		return err
	}
	r, err := m.NewRelease()
	if err != nil {
		msg.Release()
		return err
	}
	r.SetID(e.id)
	r.SetReferenceCount(e.wireRefs)
	c.push(msg)
	return nil
}

func (c *Conn) handleRelease(m wire.Message) error {
	r, err := m.Release()
	if err != nil {
		return err
	}
	return c.releaseExport(r.ID(), r.ReferenceCount())
}

func (c *Conn) releaseExport(id, n uint32) error {
	client, err := c.exports.release(id, n)
	if err != nil {
		return err
	}
	client.Release()
	return nil
}

// watchPromise posts resolve once exported promise is settled.
func (c *Conn) watchPromise(e *export) {
	ph, ok := e.client.Hook().(capnp.PromiseHook)
	if !ok {
		return
	}
	settled := ph.Settled()
	go func() {
		select {
		case <-settled:
		case <-c.stopCh:
			return
		}
		c.post(func() error {
			return c.sendResolve(e)
		})
	}()
}

func (c *Conn) sendResolve(e *export) error {
	if current, exists := c.exports.get(e.id); !exists || current != e {
		return nil
	}

	msg, m, err := c.newMessage()
	if err != nil {
		return err
	}
	res, err := m.NewResolve()
	if err != nil {
		msg.Release()
		return err
	}
	res.SetPromiseID(e.id)

	r := e.client.Resolved()
	defer r.Release()

	if resErr := r.Err(); resErr != nil {
		ex, err := res.NewException()
		if err == nil {
			err = ex.Set(resErr)
		}
		if err != nil {
			msg.Release()
			return err
		}
		c.push(msg)
		return nil
	}

	d, err := res.NewCap()
	if err != nil {
		msg.Release()
		return err
	}
	id, exported, err := c.describe(d, r)
	if err != nil {
		if exported {
			_ = c.releaseExport(id, 1)
		}
		msg.Release()
		return err
	}
	c.push(msg)
	return nil
}

func (c *Conn) handleResolve(m wire.Message) error {
	res, err := m.Resolve()
	if err != nil {
		return err
	}

	var client *capnp.Client
	switch res.Which() {
	case wire.ResolveCap:
		d, err := res.Cap()
		if err != nil {
			return err
		}
		client = c.importCap(d)
	case wire.ResolveException:
		ex, err := res.Exception()
		if err != nil {
			return err
		}
		client = capnp.ErrorClient(ex.Err())
	default:
		return errors.Errorf("unsupported resolve %d", res.Which())
	}

	id := res.PromiseID()
	e, exists := c.imports[id]
	if !exists {
		// Promise was released already.
		client.Release()
		return nil
	}
	if !e.promise {
		client.Release()
		return errors.Errorf("resolve of capability %d which is not a promise", id)
	}

	if e.calls > 0 && c.needsEmbargo(client) {
		lp, resolver := capnp.NewLocalPromise()
		emb := &embargo{
			id:       c.embargoIDs.get(),
			target:   client,
			resolver: resolver,
		}
		c.embargoes[emb.id] = emb
		client = lp

		if err := c.sendDisembargo(emb.id, callTarget{entry: e}); err != nil {
			client.Release()
			return err
		}
	}

	if !e.resolve(client) {
		client.Release()
	}
	return nil
}

// needsEmbargo reports whether calls to client bypass the peer.
func (c *Conn) needsEmbargo(client *capnp.Client) bool {
	if client == nil {
		return false
	}
	r := client.Resolved()
	defer r.Release()

	if r.Err() != nil {
		return false
	}
	_, ok := c.route(r)
	return !ok
}

func (c *Conn) sendDisembargo(id uint32, t callTarget) error {
	msg, m, err := c.newMessage()
	if err != nil {
		return err
	}
	d, err := m.NewDisembargo()
	if err != nil {
		msg.Release()
		return err
	}
	target, err := d.NewTarget()
	if err == nil {
		err = t.place(target)
	}
	if err != nil {
		msg.Release()
		return err
	}
	d.SetSenderLoopback(id)
	c.push(msg)
	return nil
}

func (c *Conn) handleDisembargo(m wire.Message) error {
	d, err := m.Disembargo()
	if err != nil {
		return err
	}

	switch d.Which() {
	case wire.SenderLoopback:
		target, err := d.Target()
		if err != nil {
			return err
		}
		client, err := c.targetClient(target)
		if err != nil {
			return err
		}
		r := client.Resolved()
		client.Release()
		defer r.Release()

		t, ok := c.route(r)
		if !ok {
			return errors.New("disembargo target does not point back to the peer")
		}
		return c.reflectDisembargo(t, d.EmbargoID())
	case wire.ReceiverLoopback:
		id := d.EmbargoID()
		e, exists := c.embargoes[id]
		if !exists {
			return errors.Errorf("disembargo of unknown embargo %d", id)
		}
		delete(c.embargoes, id)
		c.embargoIDs.put(id)
		e.resolver.Fulfill(e.target)
		return nil
	default:
		return c.sendUnimplemented(m)
	}
}

// reflectDisembargo sends the disembargo back after all calls sent before it.
func (c *Conn) reflectDisembargo(t callTarget, embargoID uint32) error {
	msg, m, err := c.newMessage()
	if err != nil {
		return err
	}
	d, err := m.NewDisembargo()
	if err != nil {
		msg.Release()
		return err
	}
	target, err := d.NewTarget()
	if err == nil {
		err = t.place(target)
	}
	if err != nil {
		msg.Release()
		return err
	}
	d.SetReceiverLoopback(embargoID)
	c.push(msg)
	return nil
}
