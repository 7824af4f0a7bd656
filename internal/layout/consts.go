// Package layout houses the compile-time configuration of the allocator
// stack and the binary layout of the few structures that live inside
// managed memory (large-allocation headers and lookup-table records).
// The goal is to keep every tunable and every on-page byte offset in one
// place, independent from the allocator packages that orchestrate them.
package layout

const (
	// PageSize is the size of a physical page frame in bytes.
	PageSize = 4096

	// PageShift is log2(PageSize).
	PageShift = 12

	// PageMask masks the offset-within-page bits of an address.
	PageMask = PageSize - 1

	// MaxOrder is the largest buddy order. An order-12 block spans
	// 4096 pages (16 MiB), the largest extent the buddy layer hands out.
	MaxOrder = 12
)

// Chunk-size policy for the buddy allocator. Chunks are the extents the
// buddy layer pulls from the frame allocator; their size depends on the
// order that triggered the pull.
const (
	// ChunkSizeSmall backs orders up to ChunkOrderSmallMax.
	ChunkSizeSmall = 2 * 1024 * 1024 // 2 MiB

	// ChunkSizeMedium backs the medium order band.
	ChunkSizeMedium = 4 * 1024 * 1024 // 4 MiB

	// ChunkOrderSmallMax is the highest order served from 2 MiB chunks.
	ChunkOrderSmallMax = 6

	// ChunkOrderPassthrough is the first order that bypasses chunks
	// entirely: the block's own size reaches the medium chunk size, so
	// the pages come straight from the frame allocator.
	ChunkOrderPassthrough = 10
)

// Chunk retirement policy. A fully free chunk is returned to the frame
// allocator only when all three thresholds agree, so small alloc/free
// churn near a chunk boundary does not thrash pages back and forth.
const (
	// ChunkCleanupThreshold is the chunk count above which fully free
	// chunks become eligible for release.
	ChunkCleanupThreshold = 4

	// ChunkMinReserve is the number of chunks always retained.
	ChunkMinReserve = 2

	// ChunkCleanupMinOrder is the smallest coalesced order that may
	// trigger a release check.
	ChunkCleanupMinOrder = 6
)

// Large-allocation header. Allocations above the biggest size class get
// whole frames from the frame allocator, prefixed by an out-of-band
// header written through the direct map.
//
// Layout (little-endian):
//
//	0x00  u64  payload size in bytes
//	0x08  u32  magic (LargeMagic while live, LargeMagicFreed after free)
//	0x0C  u32  allocation flags
const (
	// LargeHeaderSize is the number of bytes reserved ahead of every
	// large allocation's payload.
	LargeHeaderSize = 16

	largeHeaderOffSize  = 0x00
	largeHeaderOffMagic = 0x08
	largeHeaderOffFlags = 0x0C

	// LargeMagic marks a live large-allocation header.
	LargeMagic uint32 = 0x4D454D4B // "KMEM"

	// LargeMagicFreed overwrites LargeMagic when the allocation is
	// released, so a second free of the same address is caught.
	LargeMagicFreed uint32 = 0x46524545 // "FREE"
)

// Slab lookup-table records. The table self-hosts inside managed pages:
// the bucket array is a page of u64 record offsets and each record is a
// fixed 48-byte entry chained through its last field.
//
// Record layout (little-endian):
//
//	0x00  u64  page that keyed this record into its bucket
//	0x08  u64  range start (inclusive, page aligned)
//	0x10  u64  range end (exclusive)
//	0x18  u64  owning cache ID
//	0x20  u64  slab base address
//	0x28  u64  offset of next record in chain (0 terminates)
const (
	// LookupRecordSize is the size of one lookup record in bytes.
	LookupRecordSize = 48

	lookupOffPage  = 0x00
	lookupOffStart = 0x08
	lookupOffEnd   = 0x10
	lookupOffCache = 0x18
	lookupOffSlab  = 0x20
	lookupOffNext  = 0x28

	// LookupBootstrapBuckets is the bucket count while the table runs
	// on frame-allocator storage: one page of u64 slots.
	LookupBootstrapBuckets = PageSize / 8

	// LookupGrowFactor is the load factor (entries per bucket) that
	// triggers a resize once the table is in its dynamic state.
	LookupGrowFactor = 3
)

// KmallocClasses is the fixed ascending size-class ladder of the generic
// allocator. Requests above the last class take the large path.
var KmallocClasses = [...]uint64{32, 64, 128, 256, 512, 1024, 2048, 4096, 8192}

// KmallocLargeThreshold is the largest request served by a size class.
const KmallocLargeThreshold = 8192

// RedZoneSize is the debug padding added around slab objects. Zero in
// production builds.
const RedZoneSize = 0
