package capnp

import (
	"github.com/outofforest/capnp/alloc"
)

// NewLocalPromise creates capability queuing calls until the resolver settles it.
func NewLocalPromise() (*Client, *ClientResolver) {
	p := NewPromise(nil, nil)
	c := p.Answer().Future().Client()
	p.Answer().Release()
	return c, &ClientResolver{p: p}
}

// ClientResolver settles the local promise.
type ClientResolver struct {
	p *Promise
}

// Fulfill settles the promise into c taking over the reference. Queued calls are delivered to c in order.
func (r *ClientResolver) Fulfill(c *Client) {
	msg, err := NewMessage(alloc.NewMultiSegment(alloc.Config{SegmentSize: 64}))
	if err != nil {
		c.Release()
		r.p.Reject(err)
		return
	}
	r.p.Fulfill(NewInterface(msg, msg.AddCap(c)).ToPtr(), msg.Release)
}

// Reject breaks the promise.
func (r *ClientResolver) Reject(err error) {
	r.p.Reject(err)
}
