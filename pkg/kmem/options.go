package kmem

import (
	"github.com/joshuapare/memkit/mem"
)

// Default arena geometry when Options is nil or leaves fields zero.
const (
	DefaultArenaBase = mem.PhysAddr(0x100000) // 1 MiB, like real machines
	DefaultArenaSize = uint64(64 << 20)
)

// Options controls system bring-up.
type Options struct {
	// ArenaBase is the physical address the managed arena pretends to
	// start at. Must be page-aligned and non-zero.
	// Default: 1 MiB.
	ArenaBase mem.PhysAddr

	// ArenaSize is the arena size in bytes, rounded down to whole
	// pages. Default: 64 MiB.
	ArenaSize uint64

	// Regions is the advertised memory map. Every region must fall
	// inside the arena. If empty, the whole arena is one region.
	Regions []mem.Region

	// KernelEnd marks the end of the kernel image; frames below it in
	// their region are permanently reserved.
	KernelEnd mem.PhysAddr

	// Reserved lists extra ranges (firmware tables, MMIO windows) the
	// allocators must never hand out.
	Reserved []mem.Region

	// DeferLookupMigration keeps the slab lookup table on its
	// bootstrap pages instead of migrating it onto the generic
	// allocator during bring-up. Mostly useful in tests that exercise
	// the migration explicitly.
	DeferLookupMigration bool

	// OnCorruption is called with the error whenever metadata
	// corruption is detected, before the error is returned to the
	// caller. If nil, the error is logged to the standard logger.
	OnCorruption func(error)
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.ArenaBase == mem.NilAddr {
		out.ArenaBase = DefaultArenaBase
	}
	if out.ArenaSize == 0 {
		out.ArenaSize = DefaultArenaSize
	}
	return out
}
