package pipeline

// Node is the element of the pipeline.
type Node[T any] struct {
	Value T
	Next  *Node[T]
}

// New creates new pipeline.
func New[T any]() *Pipeline[T] {
	p := &Pipeline[T]{}
	p.tail = &p.head
	return p
}

// Pipeline is the FIFO of pending calls. Zero value is ready to use.
// It is not safe for concurrent use, the owner serializes access.
type Pipeline[T any] struct {
	head  *Node[T]
	tail  **Node[T]
	count uint64
}

// Push appends value to the pipeline.
func (p *Pipeline[T]) Push(v T) {
	if p.tail == nil {
		p.tail = &p.head
	}
	n := &Node[T]{Value: v}
	*p.tail = n
	p.tail = &n.Next
	p.count++
}

// Pop removes the first value.
func (p *Pipeline[T]) Pop() (T, bool) {
	h := p.head
	if h == nil {
		var t T
		return t, false
	}
	p.head = h.Next
	if p.head == nil {
		p.tail = &p.head
	}
	p.count--
	return h.Value, true
}

// Take detaches all values preserving their order.
func (p *Pipeline[T]) Take() *Node[T] {
	h := p.head
	p.head = nil
	p.tail = &p.head
	p.count = 0
	return h
}

// Len returns the number of values in the pipeline.
func (p *Pipeline[T]) Len() uint64 {
	return p.count
}
