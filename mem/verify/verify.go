package verify

import (
	"fmt"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/buddy"
	"github.com/joshuapare/memkit/mem/kmalloc"
	"github.com/joshuapare/memkit/mem/pmm"
	"github.com/joshuapare/memkit/mem/slab"
)

// ValidationError describes one failed check.
type ValidationError struct {
	Layer   string
	Message string
	Addr    mem.PhysAddr
}

func (e *ValidationError) Error() string {
	if e.Addr != mem.NilAddr {
		return fmt.Sprintf("%s at %#x: %s", e.Layer, uint64(e.Addr), e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Layer, e.Message)
}

// AllInvariants validates every layer in one call. Returns the first
// error encountered, or nil if all checks pass. The generic allocator
// may be nil when only the lower layers are up.
func AllInvariants(frames *pmm.Allocator, pages *buddy.Allocator, reg *slab.Registry, gen *kmalloc.Allocator) error {
	if err := FrameAllocator(frames); err != nil {
		return err
	}
	if err := BuddyAllocator(pages); err != nil {
		return err
	}
	if err := SlabCaches(reg); err != nil {
		return err
	}
	if gen != nil {
		if err := LargeHeaders(gen, frames); err != nil {
			return err
		}
	}
	return nil
}

// FrameAllocator checks the bitmap counter identity: free + allocated +
// reserved frames must equal the tracked total.
func FrameAllocator(frames *pmm.Allocator) error {
	if err := frames.CheckIntegrity(); err != nil {
		return &ValidationError{Layer: "pmm", Message: err.Error()}
	}
	return nil
}

// BuddyAllocator checks free-list well-formedness: every block on an
// order list is size-aligned, inside a known chunk, and counted once.
func BuddyAllocator(pages *buddy.Allocator) error {
	if err := pages.CheckIntegrity(); err != nil {
		return &ValidationError{Layer: "buddy", Message: err.Error()}
	}
	return nil
}

// SlabCaches checks every cache's list partition and cross-checks each
// slab against the lookup table: every page a slab spans must resolve
// back to that slab and its owning cache.
func SlabCaches(reg *slab.Registry) error {
	lk := reg.Lookup()
	for _, c := range reg.Caches() {
		if err := c.CheckIntegrity(); err != nil {
			return &ValidationError{Layer: "slab", Message: err.Error()}
		}
		for _, s := range c.Slabs() {
			end := s.Base() + mem.PhysAddr(c.SlabPages()<<layout.PageShift)
			for p := s.Base(); p < end; p += layout.PageSize {
				rec, ok := lk.Find(p)
				if !ok {
					return &ValidationError{
						Layer:   "lookup",
						Message: fmt.Sprintf("page of cache %q slab %#x has no record", c.Name(), uint64(s.Base())),
						Addr:    p,
					}
				}
				if slab.CacheID(rec.CacheID) != c.ID() || mem.PhysAddr(rec.SlabBase) != s.Base() {
					return &ValidationError{
						Layer:   "lookup",
						Message: fmt.Sprintf("record names cache %d slab %#x, want cache %d slab %#x", rec.CacheID, rec.SlabBase, c.ID(), uint64(s.Base())),
						Addr:    p,
					}
				}
			}
		}
	}
	return nil
}

// LargeHeaders checks that every live large allocation still carries an
// intact header and sits inside a region the frame allocator tracks.
func LargeHeaders(gen *kmalloc.Allocator, frames *pmm.Allocator) error {
	for _, addr := range gen.LargeBlocks() {
		if err := gen.Validate(addr); err != nil {
			return &ValidationError{Layer: "kmalloc", Message: err.Error(), Addr: addr}
		}
		base := addr - layout.LargeHeaderSize
		if !frames.Owns(base) {
			return &ValidationError{
				Layer:   "kmalloc",
				Message: "large block sits outside every tracked region",
				Addr:    addr,
			}
		}
	}
	return nil
}
