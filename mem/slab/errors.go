package slab

import "errors"

var (
	// ErrOutOfMemory indicates the buddy layer could not back a new slab.
	ErrOutOfMemory = errors.New("slab: out of memory")

	// ErrBadSize indicates an object size of zero or one too large for
	// the biggest slab the cache layer will build.
	ErrBadSize = errors.New("slab: unusable object size")

	// ErrDuplicateName indicates a cache name registered twice.
	ErrDuplicateName = errors.New("slab: cache name already registered")

	// ErrLiveObjects indicates a cache destroy while objects are live.
	ErrLiveObjects = errors.New("slab: cache still has live objects")

	// ErrBadState indicates a lookup-table operation in the wrong
	// bootstrap/dynamic state.
	ErrBadState = errors.New("slab: lookup table in wrong state")

	// ErrCorrupt indicates an internal list or table inconsistency.
	ErrCorrupt = errors.New("slab: internal state corrupt")
)
