// Package kmalloc is the generic allocator on top of the slab layer.
// Requests are routed to a fixed ascending ladder of size classes, each
// backed by one slab cache; anything past the largest class takes the
// large path straight to the frame allocator, with a header written
// into managed memory just before the returned address. The allocator
// also serves as the dynamic storage backing for the slab lookup table
// once it migrates off its bootstrap pages.
package kmalloc

import (
	"fmt"
	"os"
	"sync"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/account"
	"github.com/joshuapare/memkit/mem/pmm"
	"github.com/joshuapare/memkit/mem/slab"
)

// Runtime debug flag for allocation logging - controlled by MEMKIT_LOG_ALLOC env var.
var logAlloc = os.Getenv("MEMKIT_LOG_ALLOC") != ""

// Flags modifies allocation behavior.
type Flags uint32

const (
	// FlagZero zero-fills the allocation before it is returned.
	FlagZero Flags = 1 << iota
)

// Stats holds the allocator-wide counters. Per-class figures live in
// the class caches themselves.
type Stats struct {
	AllocCalls   int
	FreeCalls    int
	FailedAllocs int
	BadFrees     int

	ReallocCalls int
	ReallocMoves int

	// ActiveBytes and PeakBytes count usable bytes, so a 100-byte
	// request in the 128-byte class charges 128.
	ActiveBytes uint64
	PeakBytes   uint64

	LargeAllocs int
	LargeFrees  int
	LargeActive int
}

// Allocator is the generic allocator. Its mutex guards the large-block
// index and the counters only; the class caches and the frame allocator
// are always called with it released.
type Allocator struct {
	frames *pmm.Allocator
	reg    *slab.Registry
	dm     mem.DirectMap
	acct   *account.Table

	classes [len(layout.KmallocClasses)]*slab.Cache

	mu    sync.Mutex
	large map[mem.PhysAddr]uint64 // payload address -> backing pages
	stats Stats
}

// New builds the generic allocator and registers one cache per size
// class, named kmalloc-<size>. The account table may be nil; tagged
// charges are then dropped.
func New(frames *pmm.Allocator, reg *slab.Registry, dm mem.DirectMap, acct *account.Table) (*Allocator, error) {
	a := &Allocator{
		frames: frames,
		reg:    reg,
		dm:     dm,
		acct:   acct,
		large:  make(map[mem.PhysAddr]uint64),
	}
	for i, size := range layout.KmallocClasses {
		c, err := reg.NewCache(fmt.Sprintf("kmalloc-%d", size), size, slab.CacheConfig{})
		if err != nil {
			return nil, fmt.Errorf("kmalloc: class %d: %w", size, err)
		}
		a.classes[i] = c
	}
	return a, nil
}

// classFor returns the smallest class cache that fits size, or nil for
// the large path.
func (a *Allocator) classFor(size uint64) *slab.Cache {
	if size > layout.KmallocLargeThreshold {
		return nil
	}
	for i, cs := range layout.KmallocClasses {
		if size <= cs {
			return a.classes[i]
		}
	}
	return nil
}

// Alloc returns at least size usable bytes. Sub-threshold requests come
// from the matching class cache; larger ones are whole frame runs with
// a 16-byte header written just below the returned address.
func (a *Allocator) Alloc(size uint64, flags Flags) (mem.PhysAddr, error) {
	return a.AllocTagged(size, flags, account.Untagged)
}

// AllocTagged is Alloc with the usable bytes charged to an accounting
// tag.
func (a *Allocator) AllocTagged(size uint64, flags Flags, tag account.Tag) (mem.PhysAddr, error) {
	if size == 0 {
		return mem.NilAddr, fmt.Errorf("%w: zero-byte request", ErrBadSize)
	}

	var (
		addr   mem.PhysAddr
		usable uint64
		err    error
	)
	if c := a.classFor(size); c != nil {
		addr, err = c.Alloc()
		usable = c.ObjSize()
	} else {
		addr, usable, err = a.allocLarge(size, flags)
	}

	a.mu.Lock()
	a.stats.AllocCalls++
	if err != nil {
		a.stats.FailedAllocs++
		a.mu.Unlock()
		return mem.NilAddr, err
	}
	a.stats.ActiveBytes += usable
	if a.stats.ActiveBytes > a.stats.PeakBytes {
		a.stats.PeakBytes = a.stats.ActiveBytes
	}
	a.mu.Unlock()

	if flags&FlagZero != 0 {
		if zerr := mem.Memclr(a.dm, addr, usable); zerr != nil {
			return mem.NilAddr, zerr
		}
	}
	if a.acct != nil {
		a.acct.ChargeAlloc(tag, usable)
	}
	if logAlloc {
		fmt.Fprintf(os.Stderr, "[KMALLOC] alloc %d -> %#x (%d usable)\n", size, addr, usable)
	}
	return addr, nil
}

// allocLarge backs size bytes with a frame run. The header sits at the
// run base and the payload right after it, so the payload address is
// what callers hand back to Free.
func (a *Allocator) allocLarge(size uint64, flags Flags) (mem.PhysAddr, uint64, error) {
	pages := layout.PagesFor(layout.LargeHeaderSize + size)
	base, err := a.frames.AllocPages(pages)
	if err != nil {
		return mem.NilAddr, 0, fmt.Errorf("%w: %d page(s) for large block", ErrOutOfMemory, pages)
	}
	hdr, err := a.dm.Bytes(base, layout.LargeHeaderSize)
	if err != nil {
		a.frames.FreePages(base, pages)
		return mem.NilAddr, 0, err
	}
	layout.PutLargeHeader(hdr, layout.LargeHeader{
		Size:  size,
		Magic: layout.LargeMagic,
		Flags: uint32(flags),
	})
	addr := base + layout.LargeHeaderSize

	a.mu.Lock()
	a.large[addr] = pages
	a.stats.LargeAllocs++
	a.stats.LargeActive++
	a.mu.Unlock()
	return addr, size, nil
}

// Free returns an allocation. Class objects are resolved through the
// slab lookup table; anything else is checked against the large-block
// index. A large block whose header fails validation is rejected with
// ErrCorrupt and left exactly as found. Unknown addresses are logged
// and ignored.
func (a *Allocator) Free(addr mem.PhysAddr) error {
	return a.FreeTagged(addr, account.Untagged)
}

// FreeTagged is Free with the usable bytes credited back to a tag.
func (a *Allocator) FreeTagged(addr mem.PhysAddr, tag account.Tag) error {
	a.mu.Lock()
	a.stats.FreeCalls++
	a.mu.Unlock()

	if addr == mem.NilAddr {
		return nil
	}

	if rec, ok := a.reg.Lookup().Find(addr); ok {
		c := a.reg.CacheByID(slab.CacheID(rec.CacheID))
		if c == nil {
			return fmt.Errorf("%w: lookup names unregistered cache %d", ErrCorrupt, rec.CacheID)
		}
		// Only credit the bytes if the cache accepted the free; a double
		// free or misaligned pointer is counted there, not here.
		before := c.Stats().BadFrees
		c.Free(addr)
		if c.Stats().BadFrees == before {
			a.creditFree(tag, c.ObjSize())
		}
		return nil
	}
	return a.freeLarge(addr, tag)
}

func (a *Allocator) freeLarge(addr mem.PhysAddr, tag account.Tag) error {
	a.mu.Lock()
	pages, ok := a.large[addr]
	a.mu.Unlock()
	if !ok {
		a.mu.Lock()
		a.stats.BadFrees++
		a.mu.Unlock()
		fmt.Fprintf(os.Stderr, "[KMALLOC] ignoring free of unknown address %#x\n", addr)
		return nil
	}

	base := addr - layout.LargeHeaderSize
	hdr, err := a.dm.Bytes(base, layout.LargeHeaderSize)
	if err != nil {
		return fmt.Errorf("%w: unreadable header for %#x", ErrCorrupt, addr)
	}
	h := layout.ReadLargeHeader(hdr)
	if h.Magic != layout.LargeMagic {
		return fmt.Errorf("%w: header magic %#x for %#x", ErrCorrupt, h.Magic, addr)
	}
	if want := layout.PagesFor(layout.LargeHeaderSize + h.Size); want != pages {
		return fmt.Errorf("%w: header size %d does not cover %d page(s)", ErrCorrupt, h.Size, pages)
	}
	layout.InvalidateLargeHeader(hdr)

	a.mu.Lock()
	delete(a.large, addr)
	a.stats.LargeFrees++
	a.stats.LargeActive--
	a.mu.Unlock()

	a.frames.FreePages(base, pages)
	a.creditFree(tag, h.Size)
	if logAlloc {
		fmt.Fprintf(os.Stderr, "[KMALLOC] freed large %#x (%d pages)\n", addr, pages)
	}
	return nil
}

func (a *Allocator) creditFree(tag account.Tag, usable uint64) {
	a.mu.Lock()
	if a.stats.ActiveBytes >= usable {
		a.stats.ActiveBytes -= usable
	} else {
		a.stats.ActiveBytes = 0
	}
	a.mu.Unlock()
	if a.acct != nil {
		a.acct.ChargeFree(tag, usable)
	}
}

// SizeOf reports the usable size of a live allocation: the class size
// for ladder objects, the requested size for large blocks.
func (a *Allocator) SizeOf(addr mem.PhysAddr) (uint64, error) {
	if rec, ok := a.reg.Lookup().Find(addr); ok {
		c := a.reg.CacheByID(slab.CacheID(rec.CacheID))
		if c == nil {
			return 0, fmt.Errorf("%w: lookup names unregistered cache %d", ErrCorrupt, rec.CacheID)
		}
		return c.ObjSize(), nil
	}

	a.mu.Lock()
	_, ok := a.large[addr]
	a.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("%w: %#x", ErrBadAddress, addr)
	}
	hdr, err := a.dm.Bytes(addr-layout.LargeHeaderSize, layout.LargeHeaderSize)
	if err != nil {
		return 0, fmt.Errorf("%w: unreadable header for %#x", ErrCorrupt, addr)
	}
	h := layout.ReadLargeHeader(hdr)
	if h.Magic != layout.LargeMagic {
		return 0, fmt.Errorf("%w: header magic %#x for %#x", ErrCorrupt, h.Magic, addr)
	}
	return h.Size, nil
}

// Validate checks that addr is a live allocation with intact metadata.
func (a *Allocator) Validate(addr mem.PhysAddr) error {
	_, err := a.SizeOf(addr)
	return err
}

// Realloc resizes an allocation. A block already big enough is kept in
// place; otherwise a new block is allocated, the old payload copied,
// and the old block freed. A nil address allocates, a zero size frees.
func (a *Allocator) Realloc(addr mem.PhysAddr, size uint64, flags Flags) (mem.PhysAddr, error) {
	a.mu.Lock()
	a.stats.ReallocCalls++
	a.mu.Unlock()

	if addr == mem.NilAddr {
		return a.Alloc(size, flags)
	}
	if size == 0 {
		return mem.NilAddr, a.Free(addr)
	}

	old, err := a.SizeOf(addr)
	if err != nil {
		return mem.NilAddr, err
	}
	if size <= old {
		return addr, nil
	}

	next, err := a.Alloc(size, flags)
	if err != nil {
		return mem.NilAddr, err
	}
	src, serr := a.dm.Bytes(addr, old)
	if serr != nil {
		_ = a.Free(next)
		return mem.NilAddr, serr
	}
	dst, derr := a.dm.Bytes(next, old)
	if derr != nil {
		_ = a.Free(next)
		return mem.NilAddr, derr
	}
	copy(dst, src)
	if ferr := a.Free(addr); ferr != nil {
		_ = a.Free(next)
		return mem.NilAddr, ferr
	}

	a.mu.Lock()
	a.stats.ReallocMoves++
	a.mu.Unlock()
	return next, nil
}

// Calloc allocates a zeroed array of n elements of elemSize bytes,
// rejecting products that overflow.
func (a *Allocator) Calloc(n, elemSize uint64, flags Flags) (mem.PhysAddr, error) {
	if n == 0 || elemSize == 0 {
		return mem.NilAddr, fmt.Errorf("%w: zero-byte request", ErrBadSize)
	}
	if n > ^uint64(0)/elemSize {
		return mem.NilAddr, fmt.Errorf("%w: %d * %d overflows", ErrBadSize, n, elemSize)
	}
	return a.Alloc(n*elemSize, flags|FlagZero)
}

// AllocBytes serves the slab lookup table's dynamic storage.
func (a *Allocator) AllocBytes(n uint64) (mem.PhysAddr, error) {
	return a.Alloc(n, 0)
}

// FreeBytes returns lookup-table storage.
func (a *Allocator) FreeBytes(addr mem.PhysAddr) error {
	return a.Free(addr)
}

// LargeBlocks returns the payload addresses of every live large
// allocation.
func (a *Allocator) LargeBlocks() []mem.PhysAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]mem.PhysAddr, 0, len(a.large))
	for addr := range a.large {
		out = append(out, addr)
	}
	return out
}

// Classes returns the ladder's caches in ascending size order.
func (a *Allocator) Classes() []*slab.Cache {
	out := make([]*slab.Cache, len(a.classes))
	copy(out, a.classes[:])
	return out
}

// Stats returns a snapshot of the allocator-wide counters.
func (a *Allocator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}
