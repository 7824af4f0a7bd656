package kmem

import (
	"errors"
	"fmt"
	"log"

	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/account"
	"github.com/joshuapare/memkit/mem/buddy"
	"github.com/joshuapare/memkit/mem/kmalloc"
	"github.com/joshuapare/memkit/mem/pmm"
	"github.com/joshuapare/memkit/mem/slab"
	"github.com/joshuapare/memkit/mem/verify"
)

// ErrBadConfig rejects options the system cannot be built from.
var ErrBadConfig = errors.New("kmem: bad configuration")

// System is the assembled allocator stack. All methods are safe for
// concurrent use; each layer carries its own lock.
type System struct {
	pm     *mem.PhysMem
	frames *pmm.Allocator
	pages  *buddy.Allocator
	reg    *slab.Registry
	gen    *kmalloc.Allocator
	acct   *account.Table

	onCorrupt func(error)
}

// New brings the stack up in dependency order: arena, frame allocator,
// buddy allocator, slab registry with its bootstrap lookup table, then
// the generic allocator, and finally migrates the lookup table onto the
// generic allocator unless deferred.
func New(o *Options) (*System, error) {
	opts := o.withDefaults()

	pm, err := mem.NewPhysMem(opts.ArenaBase, opts.ArenaSize)
	if err != nil {
		return nil, err
	}
	fail := func(err error) (*System, error) {
		_ = pm.Close()
		return nil, err
	}

	regions := opts.Regions
	if len(regions) == 0 {
		regions = []mem.Region{pm.Region()}
	}
	arena := pm.Region()
	for _, r := range regions {
		if !arena.Contains(r.Base) || r.End() > arena.End() {
			return fail(fmt.Errorf("%w: region [%#x, %#x) outside the arena", ErrBadConfig, uint64(r.Base), uint64(r.End())))
		}
	}

	frames, err := pmm.New(mem.BootInfo{
		Regions:   regions,
		KernelEnd: opts.KernelEnd,
		Reserved:  opts.Reserved,
	})
	if err != nil {
		return fail(err)
	}

	pages := buddy.New(frames)
	reg, err := slab.NewRegistry(pages, frames, pm)
	if err != nil {
		return fail(err)
	}

	acct := account.NewTable()
	gen, err := kmalloc.New(frames, reg, pm, acct)
	if err != nil {
		return fail(err)
	}

	if !opts.DeferLookupMigration {
		if err := reg.Lookup().Migrate(gen); err != nil {
			return fail(err)
		}
	}

	onCorrupt := opts.OnCorruption
	if onCorrupt == nil {
		onCorrupt = func(err error) { log.Printf("kmem: corruption detected: %v", err) }
	}
	return &System{
		pm:        pm,
		frames:    frames,
		pages:     pages,
		reg:       reg,
		gen:       gen,
		acct:      acct,
		onCorrupt: onCorrupt,
	}, nil
}

// Close unmaps the arena. The allocators must not be used afterwards.
func (s *System) Close() error {
	return s.pm.Close()
}

// escalate routes corruption errors through the hook.
func (s *System) escalate(err error) error {
	if err == nil {
		return nil
	}
	var verr *verify.ValidationError
	if errors.Is(err, kmalloc.ErrCorrupt) || errors.Is(err, slab.ErrCorrupt) ||
		errors.Is(err, buddy.ErrCorrupt) || errors.Is(err, pmm.ErrCorrupt) ||
		errors.As(err, &verr) {
		s.onCorrupt(err)
	}
	return err
}

// Allocate returns at least size usable bytes.
func (s *System) Allocate(size uint64) (mem.PhysAddr, error) {
	addr, err := s.gen.Alloc(size, 0)
	return addr, s.escalate(err)
}

// ZeroAllocate is Allocate with the returned bytes cleared.
func (s *System) ZeroAllocate(size uint64) (mem.PhysAddr, error) {
	addr, err := s.gen.Alloc(size, kmalloc.FlagZero)
	return addr, s.escalate(err)
}

// AllocateTagged charges the allocation against an accounting tag.
func (s *System) AllocateTagged(size uint64, tag account.Tag) (mem.PhysAddr, error) {
	addr, err := s.gen.AllocTagged(size, 0, tag)
	return addr, s.escalate(err)
}

// Free releases an allocation made by any of the Allocate variants.
func (s *System) Free(addr mem.PhysAddr) error {
	return s.escalate(s.gen.Free(addr))
}

// FreeTagged is Free with the bytes credited back to a tag.
func (s *System) FreeTagged(addr mem.PhysAddr, tag account.Tag) error {
	return s.escalate(s.gen.FreeTagged(addr, tag))
}

// Reallocate resizes an allocation, moving it when it must grow.
func (s *System) Reallocate(addr mem.PhysAddr, size uint64) (mem.PhysAddr, error) {
	next, err := s.gen.Realloc(addr, size, 0)
	return next, s.escalate(err)
}

// SizeOf reports the usable size of a live allocation.
func (s *System) SizeOf(addr mem.PhysAddr) (uint64, error) {
	n, err := s.gen.SizeOf(addr)
	return n, s.escalate(err)
}

// Validate checks that addr is a live allocation with intact metadata.
func (s *System) Validate(addr mem.PhysAddr) error {
	return s.escalate(s.gen.Validate(addr))
}

// RegisterTag resolves an accounting category name to its tag.
func (s *System) RegisterTag(name string) account.Tag {
	return s.acct.Register(name)
}

// NewCache registers a dedicated object cache.
func (s *System) NewCache(name string, objSize uint64, cfg slab.CacheConfig) (*slab.Cache, error) {
	return s.reg.NewCache(name, objSize, cfg)
}

// CheckIntegrity runs every layer's invariant checks.
func (s *System) CheckIntegrity() error {
	return s.escalate(verify.AllInvariants(s.frames, s.pages, s.reg, s.gen))
}

// DirectMap exposes the managed arena for callers that read or write
// the memory they allocated.
func (s *System) DirectMap() mem.DirectMap { return s.pm }

// Frames returns the frame allocator.
func (s *System) Frames() *pmm.Allocator { return s.frames }

// Pages returns the buddy allocator.
func (s *System) Pages() *buddy.Allocator { return s.pages }

// Registry returns the slab cache registry.
func (s *System) Registry() *slab.Registry { return s.reg }

// Generic returns the generic allocator.
func (s *System) Generic() *kmalloc.Allocator { return s.gen }

// Accounting returns the tag table.
func (s *System) Accounting() *account.Table { return s.acct }
