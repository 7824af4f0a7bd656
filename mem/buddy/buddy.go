// Package buddy implements the power-of-two page allocator sitting
// between the frame allocator and the object caches. It carves
// multi-megabyte chunks pulled from pmm into splittable blocks of
// orders 0..MaxOrder, coalescing buddies on free and handing fully free
// chunks back once the retention thresholds allow it.
package buddy

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/pmm"
)

// Runtime debug flag for block-level logging - controlled by MEMKIT_LOG_ALLOC env var.
var logBuddy = os.Getenv("MEMKIT_LOG_ALLOC") != ""

// block is a free power-of-two region inside one chunk. Allocated
// blocks carry no metadata at all; the caller frees by (addr, order).
type block struct {
	addr  mem.PhysAddr
	order uint
	chunk *chunk

	// free-list linkage
	prev, next *block
}

// chunk is an extent pulled from the frame allocator. Its free blocks
// are indexed by address so coalescing can find a buddy in O(1).
type chunk struct {
	base  mem.PhysAddr
	pages uint64

	// freePages is the page count currently sitting in free blocks.
	freePages uint64

	// freeBlocks indexes this chunk's free blocks by address.
	freeBlocks map[mem.PhysAddr]*block
}

func (c *chunk) end() mem.PhysAddr {
	return c.base + mem.PhysAddr(c.pages<<layout.PageShift)
}

// freeList is one order's list of free blocks.
type freeList struct {
	head  *block
	count int
}

func (l *freeList) push(b *block) {
	b.prev = nil
	b.next = l.head
	if l.head != nil {
		l.head.prev = b
	}
	l.head = b
	l.count++
}

func (l *freeList) remove(b *block) {
	if b.prev != nil {
		b.prev.next = b.next
	} else {
		l.head = b.next
	}
	if b.next != nil {
		b.next.prev = b.prev
	}
	b.prev, b.next = nil, nil
	l.count--
}

// Stats holds the buddy allocator's counters.
type Stats struct {
	AllocCalls   int
	FreeCalls    int
	FailedAllocs int
	BadFrees     int

	Splits    int
	Coalesces int

	ChunksCreated  int
	ChunksReleased int
	ChunkCount     int

	PassthroughAllocs int

	// ActivePages/PeakPages track pages handed to callers, not pages
	// held in chunks.
	ActivePages uint64
	PeakPages   uint64
}

// Allocator is the buddy page allocator. The mutex guards the free
// lists and chunk index only; it is never held across a call into the
// frame allocator.
type Allocator struct {
	frames *pmm.Allocator
	policy Policy

	mu        sync.Mutex
	chunks    []*chunk // sorted by base for binary search
	freeLists [layout.MaxOrder + 1]freeList

	// passthrough tracks blocks that bypassed chunks entirely and came
	// straight from the frame allocator.
	passthrough map[mem.PhysAddr]uint

	stats Stats
}

// New creates a buddy allocator with the default chunk policy on top
// of the given frame allocator. No chunk is pulled until the first
// allocation demands one.
func New(frames *pmm.Allocator) *Allocator {
	return NewWithPolicy(frames, PolicyDefault)
}

// NewWithPolicy creates a buddy allocator with an explicit chunk
// policy. Zero policy fields fall back to the defaults.
func NewWithPolicy(frames *pmm.Allocator, p Policy) *Allocator {
	return &Allocator{
		frames:      frames,
		policy:      p.withDefaults(),
		passthrough: make(map[mem.PhysAddr]uint),
	}
}

// Policy returns the chunk policy in effect.
func (a *Allocator) Policy() Policy { return a.policy }

// Alloc allocates one block of the given order and returns its base
// address. Orders at or above the passthrough threshold bypass chunks
// and take whole frames straight from the frame allocator.
func (a *Allocator) Alloc(order uint) (mem.PhysAddr, error) {
	if order > layout.MaxOrder {
		return mem.NilAddr, fmt.Errorf("%w: order %d", ErrBadOrder, order)
	}

	a.mu.Lock()
	a.stats.AllocCalls++
	if addr, ok := a.tryAlloc(order); ok {
		a.mu.Unlock()
		return addr, nil
	}
	a.mu.Unlock()

	if order >= a.policy.PassthroughOrder {
		base, err := a.frames.AllocPagesAligned(layout.OrderPages(order), layout.OrderPages(order))
		if err != nil {
			a.mu.Lock()
			a.stats.FailedAllocs++
			a.mu.Unlock()
			return mem.NilAddr, fmt.Errorf("%w: order %d passthrough", ErrOutOfMemory, order)
		}
		a.mu.Lock()
		a.passthrough[base] = order
		a.stats.PassthroughAllocs++
		a.noteAllocated(layout.OrderPages(order))
		a.mu.Unlock()
		return base, nil
	}

	// No existing chunk can satisfy the order; pull a fresh one. The
	// lock is dropped around the frame-allocator call per the
	// no-cross-layer-lock rule.
	// Chunks are pulled size-aligned so every block inside stays
	// aligned to its own byte size machine-wide.
	size := a.policy.chunkSize(order)
	base, err := a.frames.AllocPagesAligned(size>>layout.PageShift, size>>layout.PageShift)
	if err != nil {
		a.mu.Lock()
		a.stats.FailedAllocs++
		a.mu.Unlock()
		return mem.NilAddr, fmt.Errorf("%w: pulling %d MiB chunk", ErrOutOfMemory, size>>20)
	}

	a.mu.Lock()
	a.addChunk(base, size>>layout.PageShift)
	addr, ok := a.tryAlloc(order)
	a.mu.Unlock()
	if !ok {
		// A fresh chunk always covers any chunk-backed order.
		return mem.NilAddr, fmt.Errorf("%w: fresh chunk could not serve order %d", ErrCorrupt, order)
	}
	if logBuddy {
		fmt.Fprintf(os.Stderr, "[BUDDY] alloc order %d at %#x (new chunk %#x)\n", order, addr, base)
	}
	return addr, nil
}

// tryAlloc pops a block of the wanted order, splitting a larger one
// down if needed. Caller holds the lock.
func (a *Allocator) tryAlloc(order uint) (mem.PhysAddr, bool) {
	o := order
	for o <= layout.MaxOrder && a.freeLists[o].head == nil {
		o++
	}
	if o > layout.MaxOrder {
		return mem.NilAddr, false
	}

	b := a.freeLists[o].head
	a.freeLists[o].remove(b)
	delete(b.chunk.freeBlocks, b.addr)

	// Split down to the wanted order, pushing the upper buddy of each
	// split back on its free list.
	for o > order {
		o--
		buddy := &block{
			addr:  b.addr + mem.PhysAddr(layout.OrderBytes(o)),
			order: o,
			chunk: b.chunk,
		}
		a.freeLists[o].push(buddy)
		buddy.chunk.freeBlocks[buddy.addr] = buddy
		a.stats.Splits++
	}

	b.chunk.freePages -= layout.OrderPages(order)
	a.noteAllocated(layout.OrderPages(order))
	return b.addr, true
}

func (a *Allocator) noteAllocated(pages uint64) {
	a.stats.ActivePages += pages
	if a.stats.ActivePages > a.stats.PeakPages {
		a.stats.PeakPages = a.stats.ActivePages
	}
}

// addChunk registers a fresh extent and seeds its free lists. Caller
// holds the lock.
func (a *Allocator) addChunk(base mem.PhysAddr, pages uint64) {
	c := &chunk{
		base:       base,
		pages:      pages,
		freePages:  pages,
		freeBlocks: make(map[mem.PhysAddr]*block),
	}
	i := sort.Search(len(a.chunks), func(i int) bool { return a.chunks[i].base > base })
	a.chunks = append(a.chunks, nil)
	copy(a.chunks[i+1:], a.chunks[i:])
	a.chunks[i] = c

	// A chunk is a single maximal block at birth; chunk sizes are
	// powers of two so this is exact.
	order := layout.OrderFor(pages)
	b := &block{addr: base, order: order, chunk: c}
	a.freeLists[order].push(b)
	c.freeBlocks[base] = b

	a.stats.ChunksCreated++
	a.stats.ChunkCount++
}

// Free releases a block previously returned by Alloc at the same
// order, coalescing it with its buddy as far as possible. Frees of
// unknown addresses or already-free blocks are logged and ignored.
func (a *Allocator) Free(addr mem.PhysAddr, order uint) {
	a.mu.Lock()
	a.stats.FreeCalls++

	if po, ok := a.passthrough[addr]; ok && po == order {
		delete(a.passthrough, addr)
		a.stats.ActivePages -= layout.OrderPages(order)
		a.mu.Unlock()
		a.frames.FreePages(addr, layout.OrderPages(order))
		return
	}

	c := a.chunkFor(addr)
	if c == nil || order > layout.MaxOrder ||
		uint64(addr-c.base)%layout.OrderBytes(order) != 0 {
		a.stats.BadFrees++
		a.mu.Unlock()
		fmt.Fprintf(os.Stderr, "[BUDDY] ignoring free of unknown block %#x order %d\n", addr, order)
		return
	}
	if _, dup := c.freeBlocks[addr]; dup {
		a.stats.BadFrees++
		a.mu.Unlock()
		fmt.Fprintf(os.Stderr, "[BUDDY] ignoring double free of block %#x order %d\n", addr, order)
		return
	}

	b := &block{addr: addr, order: order, chunk: c}
	c.freePages += layout.OrderPages(order)
	a.stats.ActivePages -= layout.OrderPages(order)

	// Coalesce upward. The buddy address is the block offset XOR the
	// block size; merging never crosses the chunk boundary because a
	// buddy of a block inside the chunk is inside it too, and the loop
	// stops at the chunk's own maximal order.
	top := layout.OrderFor(c.pages)
	for b.order < top {
		buddyAddr := c.base + mem.PhysAddr(uint64(b.addr-c.base)^layout.OrderBytes(b.order))
		bb, ok := c.freeBlocks[buddyAddr]
		if !ok || bb.order != b.order {
			break
		}
		a.freeLists[bb.order].remove(bb)
		delete(c.freeBlocks, bb.addr)
		if buddyAddr < b.addr {
			b.addr = buddyAddr
		}
		b.order++
		a.stats.Coalesces++
	}
	a.freeLists[b.order].push(b)
	c.freeBlocks[b.addr] = b

	// Retirement check: a fully free chunk goes back to the frame
	// allocator only when enough chunks exist and the coalesce was big
	// enough to suggest real shrinkage rather than churn.
	var release *chunk
	if c.freePages == c.pages &&
		b.order >= a.policy.CleanupMinOrder &&
		a.stats.ChunkCount > a.policy.CleanupThreshold &&
		a.stats.ChunkCount > a.policy.MinReserve {
		a.removeChunk(c)
		release = c
	}
	a.mu.Unlock()

	if release != nil {
		a.frames.FreePages(release.base, release.pages)
		if logBuddy {
			fmt.Fprintf(os.Stderr, "[BUDDY] released chunk %#x (%d pages)\n", release.base, release.pages)
		}
	}
}

// removeChunk unlinks a fully free chunk. Caller holds the lock.
func (a *Allocator) removeChunk(c *chunk) {
	for _, b := range c.freeBlocks {
		a.freeLists[b.order].remove(b)
	}
	c.freeBlocks = nil
	i := sort.Search(len(a.chunks), func(i int) bool { return a.chunks[i].base >= c.base })
	a.chunks = append(a.chunks[:i], a.chunks[i+1:]...)
	a.stats.ChunksReleased++
	a.stats.ChunkCount--
}

// AllocPages allocates the smallest block covering n pages. The caller
// frees with FreePages(addr, n) using the same count.
func (a *Allocator) AllocPages(n uint64) (mem.PhysAddr, error) {
	if n == 0 || n > layout.OrderPages(layout.MaxOrder) {
		return mem.NilAddr, fmt.Errorf("%w: %d pages", ErrBadOrder, n)
	}
	return a.Alloc(layout.OrderFor(n))
}

// FreePages releases a block obtained through AllocPages.
func (a *Allocator) FreePages(addr mem.PhysAddr, n uint64) {
	if n == 0 || n > layout.OrderPages(layout.MaxOrder) {
		a.mu.Lock()
		a.stats.BadFrees++
		a.mu.Unlock()
		return
	}
	a.Free(addr, layout.OrderFor(n))
}

// chunkFor finds the chunk containing addr. Caller holds the lock.
func (a *Allocator) chunkFor(addr mem.PhysAddr) *chunk {
	i := sort.Search(len(a.chunks), func(i int) bool { return a.chunks[i].end() > addr })
	if i < len(a.chunks) && addr >= a.chunks[i].base {
		return a.chunks[i]
	}
	return nil
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// CheckIntegrity verifies free-list well-formedness: every free block
// is indexed by its chunk, aligned to its order, inside its chunk, and
// per-chunk free page counts match the lists. Intended for tests.
func (a *Allocator) CheckIntegrity() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	perChunk := make(map[*chunk]uint64)
	for order := range a.freeLists {
		seen := 0
		for b := a.freeLists[order].head; b != nil; b = b.next {
			seen++
			if b.order != uint(order) {
				return fmt.Errorf("%w: block %#x order %d on list %d", ErrCorrupt, b.addr, b.order, order)
			}
			c := b.chunk
			if c == nil || b.addr < c.base || b.addr >= c.end() {
				return fmt.Errorf("%w: block %#x outside its chunk", ErrCorrupt, b.addr)
			}
			if uint64(b.addr-c.base)%layout.OrderBytes(b.order) != 0 {
				return fmt.Errorf("%w: block %#x misaligned for order %d", ErrCorrupt, b.addr, b.order)
			}
			if c.freeBlocks[b.addr] != b {
				return fmt.Errorf("%w: block %#x not indexed by its chunk", ErrCorrupt, b.addr)
			}
			perChunk[c] += layout.OrderPages(b.order)
		}
		if seen != a.freeLists[order].count {
			return fmt.Errorf("%w: order %d list count %d, walked %d", ErrCorrupt, order, a.freeLists[order].count, seen)
		}
	}
	listed := make(map[*chunk]int)
	for order := range a.freeLists {
		for b := a.freeLists[order].head; b != nil; b = b.next {
			listed[b.chunk]++
		}
	}
	for _, c := range a.chunks {
		if perChunk[c] != c.freePages {
			return fmt.Errorf("%w: chunk %#x free pages %d, lists say %d", ErrCorrupt, c.base, c.freePages, perChunk[c])
		}
		if len(c.freeBlocks) != listed[c] {
			// Index holds an entry absent from every list, or vice versa.
			return fmt.Errorf("%w: chunk %#x index out of sync", ErrCorrupt, c.base)
		}
	}
	return nil
}
