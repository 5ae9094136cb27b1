package rpc

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"github.com/outofforest/capnp"
)

// idPool hands out the smallest free IDs, reusing released ones.
type idPool struct {
	next uint32
	free []uint32
}

func (p *idPool) get() uint32 {
	if n := len(p.free); n > 0 {
		id := p.free[n-1]
		p.free = p.free[:n-1]
		return id
	}
	id := p.next
	p.next++
	return id
}

func (p *idPool) put(id uint32) {
	p.free = append(p.free, id)
}

type export struct {
	id       uint32
	client   *capnp.Client
	hook     capnp.ClientHook
	wireRefs uint32
	promise  bool
}

func newExportTable() exportTable {
	return exportTable{
		byID:   map[uint32]*export{},
		byHook: map[capnp.ClientHook]*export{},
	}
}

// exportTable stores capabilities sent to the peer. The same capability exported many times
// gets one entry counting the references the peer holds.
type exportTable struct {
	ids    idPool
	byID   map[uint32]*export
	byHook map[capnp.ClientHook]*export
}

// add exports the client. New reference is taken only when capability is exported for the first time.
func (t *exportTable) add(c *capnp.Client, promise bool) (*export, bool) {
	h := c.Hook()
	if e, exists := t.byHook[h]; exists {
		e.wireRefs++
		return e, false
	}
	e := &export{
		id:       t.ids.get(),
		client:   c.AddRef(),
		hook:     h,
		wireRefs: 1,
		promise:  promise,
	}
	t.byID[e.id] = e
	t.byHook[h] = e
	return e, true
}

func (t *exportTable) get(id uint32) (*export, bool) {
	e, exists := t.byID[id]
	return e, exists
}

// release drops n references held by the peer. The client is returned once the last reference
// is dropped and must be released by the caller.
func (t *exportTable) release(id, n uint32) (*capnp.Client, error) {
	e, exists := t.byID[id]
	if !exists {
		return nil, errors.Errorf("release of unknown export %d", id)
	}
	if n > e.wireRefs {
		return nil, errors.Errorf("export %d holds %d references, %d released", id, e.wireRefs, n)
	}
	e.wireRefs -= n
	if e.wireRefs > 0 {
		return nil, nil
	}
	delete(t.byID, id)
	delete(t.byHook, e.hook)
	t.ids.put(id)
	return e.client, nil
}

func (t *exportTable) len() int {
	return len(t.byID)
}

// clear removes all exports returning their clients.
func (t *exportTable) clear() []*capnp.Client {
	clients := lo.Map(lo.Values(t.byID), func(e *export, _ int) *capnp.Client {
		return e.client
	})
	clear(t.byID)
	clear(t.byHook)
	return clients
}

// importEntry is the capability exported by the peer. Every descriptor received for it creates
// a new client. Release is sent once all of them are released.
type importEntry struct {
	id        uint32
	promise   bool
	localRefs int
	wireRefs  uint32

	// calls counts calls sent to the promise, used to decide whether resolution needs an embargo.
	calls int

	mu         sync.Mutex
	settled    chan struct{}
	resolution *capnp.Client
}

func newImportEntry(id uint32, promise bool) *importEntry {
	return &importEntry{
		id:      id,
		promise: promise,
		settled: make(chan struct{}),
	}
}

func (e *importEntry) isSettled() bool {
	select {
	case <-e.settled:
		return true
	default:
		return false
	}
}

// resolve settles the promise taking over the reference.
func (e *importEntry) resolve(c *capnp.Client) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.isSettled() {
		return false
	}
	e.resolution = c
	close(e.settled)
	return true
}

func (e *importEntry) resolved() *capnp.Client {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.resolution.AddRef()
}

// breakWith settles the promise into broken capability dropping the previous resolution.
func (e *importEntry) breakWith(err error) {
	if !e.promise {
		return
	}

	e.mu.Lock()
	r := e.resolution
	e.resolution = capnp.ErrorClient(err)
	if !e.isSettled() {
		close(e.settled)
	}
	e.mu.Unlock()

	r.Release()
}

func (e *importEntry) releaseResolution() {
	e.mu.Lock()
	r := e.resolution
	e.resolution = nil
	e.mu.Unlock()

	r.Release()
}

type embargo struct {
	id       uint32
	target   *capnp.Client
	resolver *capnp.ClientResolver
}
