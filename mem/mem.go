package mem

import (
	"fmt"

	"github.com/joshuapare/memkit/internal/arena"
	"github.com/joshuapare/memkit/internal/layout"
)

// PhysAddr is a physical memory address. The zero address is the
// allocator stack's failure sentinel and is never handed out.
type PhysAddr uint64

// NilAddr is the sentinel returned by every layer on allocation failure.
const NilAddr PhysAddr = 0

// PageAlign returns the address rounded down to its page boundary.
func (a PhysAddr) PageAlign() PhysAddr {
	return a & ^PhysAddr(layout.PageMask)
}

// Frame returns the page-frame number of the address.
func (a PhysAddr) Frame() uint64 {
	return uint64(a) >> layout.PageShift
}

// Region is a contiguous extent of physical memory.
type Region struct {
	Base PhysAddr
	Size uint64
}

// End returns the first address past the region.
func (r Region) End() PhysAddr {
	return r.Base + PhysAddr(r.Size)
}

// Contains reports whether addr falls inside the region.
func (r Region) Contains(addr PhysAddr) bool {
	return addr >= r.Base && addr < r.End()
}

// BootInfo is what the boot collaborator hands the frame allocator:
// the advertised memory map, the end of the kernel image, and any
// extra extents (boot blobs, firmware tables) that must never be
// handed out.
type BootInfo struct {
	Regions   []Region
	KernelEnd PhysAddr
	Reserved  []Region
}

// DirectMap is the window through which allocators touch physical
// memory by address. The mapping itself is established by an external
// collaborator; in-process hosting uses PhysMem below.
type DirectMap interface {
	// Bytes returns the n bytes of memory starting at addr.
	Bytes(addr PhysAddr, n uint64) ([]byte, error)
}

// PhysMem is physical memory hosted on an anonymous mapping. It backs
// the allocator stack in tests and tooling and implements DirectMap.
type PhysMem struct {
	base    PhysAddr
	data    []byte
	cleanup func() error
}

// NewPhysMem maps size bytes of zeroed memory presented at the given
// physical base address. base and size must be page aligned and base
// must be non-zero so that NilAddr stays invalid.
func NewPhysMem(base PhysAddr, size uint64) (*PhysMem, error) {
	if base == NilAddr || !layout.IsPageAligned(uint64(base)) {
		return nil, fmt.Errorf("%w: base %#x", ErrBadRegion, base)
	}
	if size == 0 || !layout.IsPageAligned(size) {
		return nil, fmt.Errorf("%w: size %#x", ErrBadRegion, size)
	}
	data, cleanup, err := arena.Map(int(size))
	if err != nil {
		return nil, err
	}
	return &PhysMem{base: base, data: data, cleanup: cleanup}, nil
}

// Base returns the first address of the hosted memory.
func (m *PhysMem) Base() PhysAddr { return m.base }

// Size returns the hosted memory size in bytes.
func (m *PhysMem) Size() uint64 { return uint64(len(m.data)) }

// Region returns the hosted memory as a single boot region.
func (m *PhysMem) Region() Region {
	return Region{Base: m.base, Size: m.Size()}
}

// Bytes returns the n bytes starting at addr.
func (m *PhysMem) Bytes(addr PhysAddr, n uint64) ([]byte, error) {
	if addr < m.base || uint64(addr-m.base)+n > uint64(len(m.data)) {
		return nil, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, addr, uint64(addr)+n)
	}
	off := uint64(addr - m.base)
	return m.data[off : off+n : off+n], nil
}

// Close releases the backing mapping. The allocator stack never calls
// this during normal operation; it exists for test teardown.
func (m *PhysMem) Close() error {
	if m.cleanup == nil {
		return nil
	}
	err := m.cleanup()
	m.cleanup = nil
	m.data = nil
	return err
}

// Memclr zeroes n bytes at addr through the direct map.
func Memclr(dm DirectMap, addr PhysAddr, n uint64) error {
	b, err := dm.Bytes(addr, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}
