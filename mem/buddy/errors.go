package buddy

import "errors"

var (
	// ErrOutOfMemory indicates no free list or fresh chunk could serve
	// the request.
	ErrOutOfMemory = errors.New("buddy: out of memory")

	// ErrBadOrder indicates an order or page count above MaxOrder.
	ErrBadOrder = errors.New("buddy: order out of range")

	// ErrCorrupt indicates an internal free-list inconsistency.
	ErrCorrupt = errors.New("buddy: free-list state corrupt")
)
