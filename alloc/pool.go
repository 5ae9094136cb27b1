package alloc

import (
	"math/bits"
	"sync"

	"github.com/outofforest/capnp/types"
)

const (
	minPoolClass = 10
	maxPoolClass = 24
)

// pools keep zeroed segment buffers of power-of-two capacities.
var pools [maxPoolClass + 1]sync.Pool

func poolClass(size types.Size) (int, bool) {
	if size <= 1<<minPoolClass {
		return minPoolClass, true
	}
	class := bits.Len32(uint32(size - 1))
	return class, class <= maxPoolClass
}

func getBuffer(size types.Size) []byte {
	class, ok := poolClass(size)
	if !ok {
		return make([]byte, size)
	}
	if b, ok := pools[class].Get().(*[]byte); ok {
		return (*b)[:size]
	}
	return make([]byte, size, 1<<class)
}

func putBuffer(b []byte) {
	c := cap(b)
	if c < 1<<minPoolClass || c > 1<<maxPoolClass || c&(c-1) != 0 {
		return
	}
	b = b[:c]
	clear(b)
	pools[bits.Len32(uint32(c-1))].Put(&b)
}
