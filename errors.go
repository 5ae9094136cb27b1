package capnp

import (
	"github.com/pkg/errors"
)

var (
	// ErrOutOfBounds is returned when pointer targets memory outside segment.
	ErrOutOfBounds = errors.New("pointer out of bounds")

	// ErrTraversalLimit is returned when reader exceeds its traversal budget.
	ErrTraversalLimit = errors.New("traversal limit exceeded")

	// ErrDepthLimit is returned when reader exceeds its nesting limit.
	ErrDepthLimit = errors.New("depth limit exceeded")

	// ErrFarPointerChain is returned when landing pad contains another far pointer.
	ErrFarPointerChain = errors.New("far pointer points to another far pointer")

	// ErrInvalidPointer is returned for pointer words which cannot be decoded.
	ErrInvalidPointer = errors.New("invalid pointer")

	// ErrNotNULTerminated is returned when text is not terminated with NUL byte.
	ErrNotNULTerminated = errors.New("text is not NUL-terminated")

	// ErrNoSegment is returned when segment does not exist.
	ErrNoSegment = errors.New("segment does not exist")
)
