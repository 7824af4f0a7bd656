package buddy

import "github.com/joshuapare/memkit/internal/layout"

// Policy defines the chunk strategy: how big a chunk each order pulls,
// which orders bypass chunks entirely, and when a fully free chunk goes
// back to the frame allocator. Different configurations can be tested
// to find the footprint/churn tradeoff for a workload.
type Policy struct {
	// Name for this configuration (for benchmarking)
	Name string

	// SmallChunkBytes is the chunk size pulled for orders up to
	// SmallOrderMax. Must be a power of two covering MaxOrder pages.
	SmallChunkBytes uint64

	// MediumChunkBytes is the chunk size for orders between
	// SmallOrderMax and PassthroughOrder.
	MediumChunkBytes uint64

	// SmallOrderMax is the largest order served from small chunks.
	SmallOrderMax uint

	// PassthroughOrder is the first order that skips chunks and takes
	// aligned frames straight from the frame allocator.
	PassthroughOrder uint

	// CleanupThreshold: a fully free chunk is only released while more
	// than this many chunks exist.
	CleanupThreshold int

	// MinReserve chunks are always retained regardless of churn.
	MinReserve int

	// CleanupMinOrder: a free must coalesce at least this far before a
	// chunk release is considered, so order-0 churn cannot thrash
	// chunk creation.
	CleanupMinOrder uint
}

// Predefined configurations.
var (
	// PolicyDefault matches the compiled-in layout constants: 2 MiB
	// small chunks, 4 MiB medium, passthrough at 4 MiB blocks.
	PolicyDefault = Policy{
		Name:             "Default",
		SmallChunkBytes:  layout.ChunkSizeSmall,
		MediumChunkBytes: layout.ChunkSizeMedium,
		SmallOrderMax:    layout.ChunkOrderSmallMax,
		PassthroughOrder: layout.ChunkOrderPassthrough,
		CleanupThreshold: layout.ChunkCleanupThreshold,
		MinReserve:       layout.ChunkMinReserve,
		CleanupMinOrder:  layout.ChunkCleanupMinOrder,
	}

	// PolicyCompact pulls small chunks and releases them eagerly.
	// Lower footprint, more frame-allocator traffic.
	PolicyCompact = Policy{
		Name:             "Compact",
		SmallChunkBytes:  layout.ChunkSizeSmall,
		MediumChunkBytes: layout.ChunkSizeMedium,
		SmallOrderMax:    layout.ChunkOrderSmallMax,
		PassthroughOrder: layout.ChunkOrderPassthrough,
		CleanupThreshold: 1,
		MinReserve:       1,
		CleanupMinOrder:  layout.ChunkCleanupMinOrder - 2,
	}

	// PolicyServer holds chunks aggressively for steady allocation
	// pressure. Higher footprint, near-zero chunk churn.
	PolicyServer = Policy{
		Name:             "Server",
		SmallChunkBytes:  layout.ChunkSizeMedium,
		MediumChunkBytes: layout.ChunkSizeMedium,
		SmallOrderMax:    layout.ChunkOrderSmallMax,
		PassthroughOrder: layout.ChunkOrderPassthrough,
		CleanupThreshold: 16,
		MinReserve:       8,
		CleanupMinOrder:  layout.ChunkCleanupMinOrder + 2,
	}
)

// withDefaults fills zero fields from PolicyDefault so a partially
// specified policy stays usable.
func (p Policy) withDefaults() Policy {
	d := PolicyDefault
	if p.SmallChunkBytes == 0 {
		p.SmallChunkBytes = d.SmallChunkBytes
	}
	if p.MediumChunkBytes == 0 {
		p.MediumChunkBytes = d.MediumChunkBytes
	}
	if p.SmallOrderMax == 0 {
		p.SmallOrderMax = d.SmallOrderMax
	}
	if p.PassthroughOrder == 0 {
		p.PassthroughOrder = d.PassthroughOrder
	}
	if p.CleanupThreshold == 0 {
		p.CleanupThreshold = d.CleanupThreshold
	}
	if p.MinReserve == 0 {
		p.MinReserve = d.MinReserve
	}
	if p.CleanupMinOrder == 0 {
		p.CleanupMinOrder = d.CleanupMinOrder
	}
	return p
}

// chunkSize returns the chunk byte size the policy assigns to an order
// that no existing chunk could satisfy.
func (p Policy) chunkSize(order uint) uint64 {
	if order <= p.SmallOrderMax {
		return p.SmallChunkBytes
	}
	return p.MediumChunkBytes
}
