package pmm

import "errors"

var (
	// ErrOutOfMemory indicates no region could satisfy the request.
	ErrOutOfMemory = errors.New("pmm: out of physical memory")

	// ErrNoRegions indicates the boot memory map held no usable region.
	ErrNoRegions = errors.New("pmm: no usable memory regions")

	// ErrBadCount indicates a zero page count.
	ErrBadCount = errors.New("pmm: page count must be positive")

	// ErrUntracked indicates an address outside every tracked region.
	ErrUntracked = errors.New("pmm: address not tracked by any region")

	// ErrAlreadyUsed indicates a reservation over a used frame.
	ErrAlreadyUsed = errors.New("pmm: frame already in use")

	// ErrCorrupt indicates an internal bitmap/counter inconsistency.
	ErrCorrupt = errors.New("pmm: bitmap accounting corrupt")
)
