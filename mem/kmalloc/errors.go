package kmalloc

import "errors"

var (
	// ErrOutOfMemory means no size class or large allocation could be
	// backed. Callers get it alongside the nil address.
	ErrOutOfMemory = errors.New("kmalloc: out of memory")

	// ErrBadSize rejects zero sizes and multiplication overflow in
	// Calloc.
	ErrBadSize = errors.New("kmalloc: bad size")

	// ErrBadAddress means the address resolves to no live allocation.
	ErrBadAddress = errors.New("kmalloc: address not allocated here")

	// ErrCorrupt means a large-allocation header failed validation.
	// The allocation is left untouched so the caller can inspect it.
	ErrCorrupt = errors.New("kmalloc: corruption detected")
)
