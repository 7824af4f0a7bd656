// Package pmm implements the physical page-frame allocator at the
// bottom of the allocator stack. It tracks free and used 4 KiB frames
// per advertised memory region with one bitmap per region, and is the
// only layer that talks to the boot memory map directly.
package pmm

import (
	"fmt"
	"os"
	"sync"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
)

// Runtime debug flag for frame-level logging - controlled by MEMKIT_LOG_ALLOC env var.
var logPMM = os.Getenv("MEMKIT_LOG_ALLOC") != ""

// region tracks the frames of one contiguous physical extent.
type region struct {
	// base is the first page-aligned address of the region. Bitmap bit
	// i corresponds to the frame at base + i*PageSize.
	base mem.PhysAddr

	// frames is the total frame count of the region.
	frames uint64

	// freeCount lets the allocator skip fully used regions without
	// scanning their bitmap.
	freeCount uint64

	// bitmap tracks frame state, one bit per frame, set = used.
	bitmap []uint64
}

// Stats holds the frame allocator's counters. FreePages +
// AllocatedPages + ReservedPages always equals TotalPages.
type Stats struct {
	TotalPages     uint64
	FreePages      uint64
	ReservedPages  uint64
	AllocatedPages uint64

	AllocCalls   int
	FreeCalls    int
	FailedAllocs int
	BadFrees     int // frees of unknown or already-free addresses (logged, ignored)
}

// Allocator is the frame allocator. All mutation happens under a
// single short-held mutex; no call into another layer is ever made
// with it held.
type Allocator struct {
	mu      sync.Mutex
	regions []*region
	stats   Stats
}

// New builds the allocator from the boot memory map, then marks the
// kernel image and every extra boot reservation as permanently used.
// Reservations must all be applied here, before the first external
// allocation.
func New(boot mem.BootInfo) (*Allocator, error) {
	if len(boot.Regions) == 0 {
		return nil, ErrNoRegions
	}

	a := &Allocator{}
	for _, r := range boot.Regions {
		// Advertised extents may not be page aligned; round the base up
		// and the end down so only whole frames are tracked.
		start := layout.AlignPage(uint64(r.Base))
		end := (uint64(r.Base) + r.Size) & ^uint64(layout.PageMask)
		if start == 0 {
			// Frame zero would alias the failure sentinel.
			start = layout.PageSize
		}
		if end <= start {
			continue
		}
		frames := (end - start) >> layout.PageShift
		reg := &region{
			base:      mem.PhysAddr(start),
			frames:    frames,
			freeCount: frames,
			bitmap:    make([]uint64, (frames+63)/64),
		}
		// Mark the tail bits of the last word used so scans never hand
		// out frames past the region end.
		if tail := frames % 64; tail != 0 {
			reg.bitmap[len(reg.bitmap)-1] = ^uint64(0) << tail
		}
		a.regions = append(a.regions, reg)
		a.stats.TotalPages += frames
		a.stats.FreePages += frames
	}
	if len(a.regions) == 0 {
		return nil, ErrNoRegions
	}

	// The kernel image occupies the front of the address space; every
	// tracked frame below KernelEnd is off limits forever.
	if boot.KernelEnd != mem.NilAddr {
		for _, reg := range a.regions {
			if reg.base >= boot.KernelEnd {
				continue
			}
			end := boot.KernelEnd
			if regEnd := reg.base + mem.PhysAddr(reg.frames<<layout.PageShift); end > regEnd {
				end = regEnd
			}
			n := layout.PagesFor(uint64(end - reg.base))
			if err := a.Reserve(reg.base, n); err != nil {
				return nil, fmt.Errorf("pmm: reserving kernel image: %w", err)
			}
		}
	}
	for _, r := range boot.Reserved {
		if err := a.Reserve(r.Base.PageAlign(), layout.PagesFor(r.Size+uint64(r.Base-r.Base.PageAlign()))); err != nil {
			return nil, fmt.Errorf("pmm: applying boot reservation %#x: %w", r.Base, err)
		}
	}
	return a, nil
}

// AllocPage allocates a single frame.
func (a *Allocator) AllocPage() (mem.PhysAddr, error) {
	return a.AllocPages(1)
}

// AllocPages allocates n physically contiguous frames and returns the
// base address of the run. On exhaustion it returns NilAddr and
// ErrOutOfMemory; no region is left partially marked.
func (a *Allocator) AllocPages(n uint64) (mem.PhysAddr, error) {
	return a.AllocPagesAligned(n, 1)
}

// AllocPagesAligned allocates n contiguous frames whose base address is
// aligned to alignPages*PageSize. The buddy layer pulls its chunks this
// way so block addresses stay aligned to their own size machine-wide.
func (a *Allocator) AllocPagesAligned(n, alignPages uint64) (mem.PhysAddr, error) {
	if n == 0 || alignPages == 0 {
		return mem.NilAddr, ErrBadCount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.AllocCalls++
	for _, reg := range a.regions {
		if reg.freeCount < n {
			continue
		}
		idx, ok := reg.findRunAligned(n, alignPages)
		if !ok {
			continue
		}
		reg.markUsed(idx, n)
		a.stats.FreePages -= n
		a.stats.AllocatedPages += n
		addr := reg.base + mem.PhysAddr(idx<<layout.PageShift)
		if logPMM {
			fmt.Fprintf(os.Stderr, "[PMM] alloc %d page(s) at %#x\n", n, addr)
		}
		return addr, nil
	}
	a.stats.FailedAllocs++
	return mem.NilAddr, ErrOutOfMemory
}

// FreePage releases a single frame.
func (a *Allocator) FreePage(addr mem.PhysAddr) {
	a.FreePages(addr, 1)
}

// FreePages releases n frames starting at addr. An address outside any
// tracked region, or a frame that is already free, is logged and
// ignored rather than fatal: a defensive allocator must survive caller
// bugs on this path.
func (a *Allocator) FreePages(addr mem.PhysAddr, n uint64) {
	if n == 0 {
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.FreeCalls++
	reg := a.regionFor(addr)
	if reg == nil {
		a.stats.BadFrees++
		fmt.Fprintf(os.Stderr, "[PMM] ignoring free of untracked address %#x\n", addr)
		return
	}
	idx := uint64(addr-reg.base) >> layout.PageShift
	if idx+n > reg.frames {
		a.stats.BadFrees++
		fmt.Fprintf(os.Stderr, "[PMM] ignoring free of %d page(s) at %#x past region end\n", n, addr)
		return
	}
	for i := idx; i < idx+n; i++ {
		if !reg.isUsed(i) {
			a.stats.BadFrees++
			fmt.Fprintf(os.Stderr, "[PMM] ignoring double free of frame %#x\n",
				reg.base+mem.PhysAddr(i<<layout.PageShift))
			continue
		}
		reg.clear(i)
		reg.freeCount++
		a.stats.FreePages++
		a.stats.AllocatedPages--
	}
}

// Reserve marks n frames at addr permanently used. Reserved frames are
// never reachable by later allocation and are not freeable.
func (a *Allocator) Reserve(addr mem.PhysAddr, n uint64) error {
	if n == 0 {
		return ErrBadCount
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	reg := a.regionFor(addr)
	if reg == nil {
		return fmt.Errorf("%w: %#x", ErrUntracked, addr)
	}
	idx := uint64(addr-reg.base) >> layout.PageShift
	if idx+n > reg.frames {
		return fmt.Errorf("%w: %d page(s) at %#x", ErrUntracked, n, addr)
	}
	for i := idx; i < idx+n; i++ {
		if reg.isUsed(i) {
			return fmt.Errorf("%w: frame %#x", ErrAlreadyUsed,
				reg.base+mem.PhysAddr(i<<layout.PageShift))
		}
	}
	reg.markUsed(idx, n)
	a.stats.FreePages -= n
	a.stats.ReservedPages += n
	return nil
}

// Owns reports whether addr falls inside a tracked region.
func (a *Allocator) Owns(addr mem.PhysAddr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.regionFor(addr) != nil
}

// Stats returns a snapshot of the allocator counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// CheckIntegrity recomputes per-region free counts from the bitmaps and
// verifies the page-accounting identity. Intended for test harnesses.
func (a *Allocator) CheckIntegrity() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var free uint64
	for _, reg := range a.regions {
		var regFree uint64
		for i := uint64(0); i < reg.frames; i++ {
			if !reg.isUsed(i) {
				regFree++
			}
		}
		if regFree != reg.freeCount {
			return fmt.Errorf("%w: region %#x free count %d, bitmap says %d",
				ErrCorrupt, reg.base, reg.freeCount, regFree)
		}
		free += regFree
	}
	if free != a.stats.FreePages {
		return fmt.Errorf("%w: stats free %d, bitmaps say %d",
			ErrCorrupt, a.stats.FreePages, free)
	}
	if a.stats.FreePages+a.stats.AllocatedPages+a.stats.ReservedPages != a.stats.TotalPages {
		return fmt.Errorf("%w: page accounting identity broken (%d+%d+%d != %d)",
			ErrCorrupt, a.stats.FreePages, a.stats.AllocatedPages,
			a.stats.ReservedPages, a.stats.TotalPages)
	}
	return nil
}

func (a *Allocator) regionFor(addr mem.PhysAddr) *region {
	for _, reg := range a.regions {
		if addr >= reg.base && addr < reg.base+mem.PhysAddr(reg.frames<<layout.PageShift) {
			return reg
		}
	}
	return nil
}

func (r *region) isUsed(i uint64) bool {
	return r.bitmap[i/64]&(1<<(i%64)) != 0
}

func (r *region) set(i uint64) {
	r.bitmap[i/64] |= 1 << (i % 64)
}

func (r *region) clear(i uint64) {
	r.bitmap[i/64] &^= 1 << (i % 64)
}

func (r *region) markUsed(idx, n uint64) {
	for i := idx; i < idx+n; i++ {
		r.set(i)
	}
	r.freeCount -= n
}

// findRunAligned finds n consecutive free frames whose absolute base
// address is a multiple of alignPages pages. Aligned requests step
// between candidate bases; unaligned requests fall through to the
// plain scan.
func (r *region) findRunAligned(n, alignPages uint64) (uint64, bool) {
	if alignPages <= 1 {
		return r.findRun(n)
	}
	alignBytes := alignPages << layout.PageShift
	first := (uint64(r.base) + alignBytes - 1) & ^(alignBytes - 1)
	for addr := first; ; addr += alignBytes {
		idx := (addr - uint64(r.base)) >> layout.PageShift
		if idx+n > r.frames {
			return 0, false
		}
		if r.rangeFree(idx, n) {
			return idx, true
		}
	}
}

func (r *region) rangeFree(idx, n uint64) bool {
	for i := idx; i < idx+n; i++ {
		if r.isUsed(i) {
			return false
		}
	}
	return true
}

// findRun scans the bitmap for n consecutive free frames. Fully used
// and fully free words are handled a word at a time; only mixed words
// walk individual bits. Tail bits past the region end are pre-marked
// used, so the scan cannot run off the region.
func (r *region) findRun(n uint64) (uint64, bool) {
	var run, start uint64
	for w, word := range r.bitmap {
		switch word {
		case ^uint64(0):
			run = 0
		case 0:
			if run == 0 {
				start = uint64(w) * 64
			}
			run += 64
			if run >= n {
				return start, true
			}
		default:
			for b := uint64(0); b < 64; b++ {
				if word&(1<<b) != 0 {
					run = 0
					continue
				}
				if run == 0 {
					start = uint64(w)*64 + b
				}
				run++
				if run == n {
					return start, true
				}
			}
		}
	}
	return 0, false
}
