package packed

import (
	"github.com/pkg/errors"

	"github.com/outofforest/photon"

	"github.com/outofforest/capnp/types"
)

// ErrTruncated is returned when packed input ends in the middle of a word group.
var ErrTruncated = errors.New("packed input truncated")

const (
	zeroTag = 0x00
	rawTag  = 0xff

	// maxRun is the maximum number of words collapsed by one count byte.
	maxRun = 255
)

// Pack appends the packed form of src to dst.
// Trailing bytes not forming the full word are packed as if the word was padded with zeros.
func Pack(dst, src []byte) []byte {
	for len(src) > 0 {
		var word [types.WordSize]byte
		src = src[copy(word[:], src):]

		tag := tagOf(word[:])
		dst = append(dst, tag)
		for i, b := range word {
			if tag&(1<<i) != 0 {
				dst = append(dst, b)
			}
		}

		switch tag {
		case zeroTag:
			var n int
			for n < maxRun && len(src) >= types.WordSize && isZero(src) {
				n++
				src = src[types.WordSize:]
			}
			dst = append(dst, byte(n))
		case rawTag:
			// Words with at most one zero byte are cheaper to copy than to tag.
			var n int
			for n < maxRun && len(src) >= (n+1)*types.WordSize && zeroBytes(src[n*types.WordSize:]) < 2 {
				n++
			}
			dst = append(dst, byte(n))
			dst = append(dst, src[:n*types.WordSize]...)
			src = src[n*types.WordSize:]
		}
	}
	return dst
}

// Unpack appends the unpacked form of src to dst.
func Unpack(dst, src []byte) ([]byte, error) {
	for len(src) > 0 {
		tag := src[0]
		src = src[1:]

		var word [types.WordSize]byte
		for i := range word {
			if tag&(1<<i) == 0 {
				continue
			}
			if len(src) == 0 {
				return nil, errors.WithStack(ErrTruncated)
			}
			word[i] = src[0]
			src = src[1:]
		}
		dst = append(dst, word[:]...)

		switch tag {
		case zeroTag:
			if len(src) == 0 {
				return nil, errors.WithStack(ErrTruncated)
			}
			n := int(src[0]) * types.WordSize
			src = src[1:]
			dst = append(dst, make([]byte, n)...)
		case rawTag:
			if len(src) == 0 {
				return nil, errors.WithStack(ErrTruncated)
			}
			n := int(src[0]) * types.WordSize
			src = src[1:]
			if len(src) < n {
				return nil, errors.Wrapf(ErrTruncated, "raw run of %d bytes, %d available", n, len(src))
			}
			dst = append(dst, src[:n]...)
			src = src[n:]
		}
	}
	return dst, nil
}

func tagOf(word []byte) byte {
	var tag byte
	for i, b := range word {
		if b != 0 {
			tag |= 1 << i
		}
	}
	return tag
}

func isZero(b []byte) bool {
	return *photon.FromBytes[uint64](b[:types.WordSize]) == 0
}

func zeroBytes(word []byte) int {
	var n int
	for _, b := range word[:types.WordSize] {
		if b == 0 {
			n++
		}
	}
	return n
}
