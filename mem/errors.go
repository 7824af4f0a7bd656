package mem

import "errors"

var (
	// ErrOutOfRange indicates an address outside the hosted memory.
	ErrOutOfRange = errors.New("mem: address out of range")

	// ErrBadRegion indicates a malformed base/size for hosted memory.
	ErrBadRegion = errors.New("mem: bad region geometry")
)
