package slab

import (
	"fmt"
	"os"
	"sync"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/buddy"
	"github.com/joshuapare/memkit/mem/pmm"
)

// Runtime debug flag for cache-level logging - controlled by MEMKIT_LOG_ALLOC env var.
var logSlab = os.Getenv("MEMKIT_LOG_ALLOC") != ""

const (
	// minObjsPerSlab is the object count a cache aims for when sizing
	// its slabs; slabs stop growing at maxSlabPages regardless.
	minObjsPerSlab = 8
	maxSlabPages   = 16

	// minAlign is the minimum object alignment.
	minAlign = 8
)

// CacheID identifies a cache in the registry; IDs are never reused.
// The zero ID is invalid.
type CacheID uint64

// listKind says which of the three cache lists a slab sits on.
type listKind uint8

const (
	listNone listKind = iota
	listFull
	listPartial
	listEmpty
)

// Slab is a group of buddy-allocated pages divided into equal object
// slots. Free slots are a stack of slot indices; the used bitmap exists
// only to catch double frees.
type Slab struct {
	base  mem.PhysAddr
	cache *Cache

	freeIdx []uint32
	used    []bool

	on         listKind
	prev, next *Slab
}

// Base returns the slab's first page address.
func (s *Slab) Base() mem.PhysAddr { return s.base }

// FreeCount returns the number of free slots.
func (s *Slab) FreeCount() int { return len(s.freeIdx) }

// slabList is one of a cache's three slab lists.
type slabList struct {
	head  *Slab
	count int
}

func (l *slabList) push(s *Slab, kind listKind) {
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	l.count++
	s.on = kind
}

func (l *slabList) remove(s *Slab) {
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
	l.count--
	s.on = listNone
}

// CacheStats holds one cache's counters.
type CacheStats struct {
	AllocCalls   int
	FreeCalls    int
	FailedAllocs int
	BadFrees     int

	ActiveObjs     int
	TotalObjs      int
	SlabsCreated   int
	SlabsDestroyed int
	FullSlabs      int
	PartialSlabs   int
	EmptySlabs     int
}

// CacheConfig carries the per-cache policy knobs.
type CacheConfig struct {
	// Align is the object alignment; zero means the 8-byte minimum.
	Align uint64

	// NeverReap keeps every empty slab instead of the
	// at-most-one-empty retention policy.
	NeverReap bool
}

// Cache is a named collection of equal-size objects. Its mutex guards
// the slab lists only; growing a cache and destroying a slab both talk
// to the buddy layer and the lookup table with the mutex released.
type Cache struct {
	reg  *Registry
	id   CacheID
	name string

	objSize     uint64
	slabPages   uint64
	objsPerSlab int
	neverReap   bool

	mu      sync.Mutex
	full    slabList
	partial slabList
	empty   slabList
	byBase  map[mem.PhysAddr]*Slab
	stats   CacheStats
}

// Registry owns every cache and the lookup table. It is the "slab
// system" brought up between the buddy allocator and the generic
// allocator.
type Registry struct {
	pages  *buddy.Allocator
	lookup *Lookup

	mu     sync.Mutex
	caches map[CacheID]*Cache
	byName map[string]*Cache
	nextID CacheID
}

// NewRegistry builds the cache registry and its lookup table. The
// lookup table starts in bootstrap state on frame-allocator storage.
func NewRegistry(pages *buddy.Allocator, frames *pmm.Allocator, dm mem.DirectMap) (*Registry, error) {
	lk, err := newLookup(frames, dm)
	if err != nil {
		return nil, err
	}
	return &Registry{
		pages:  pages,
		lookup: lk,
		caches: make(map[CacheID]*Cache),
		byName: make(map[string]*Cache),
		nextID: 1,
	}, nil
}

// Lookup returns the registry's lookup table.
func (r *Registry) Lookup() *Lookup { return r.lookup }

// NewCache registers a cache of objSize-byte objects. Slabs are sized
// to hold at least eight objects where the object size allows it.
func (r *Registry) NewCache(name string, objSize uint64, cfg CacheConfig) (*Cache, error) {
	align := cfg.Align
	if align == 0 {
		align = minAlign
	}
	if align&(align-1) != 0 {
		return nil, fmt.Errorf("%w: alignment %d not a power of two", ErrBadSize, align)
	}
	if objSize == 0 {
		return nil, fmt.Errorf("%w: zero object size", ErrBadSize)
	}
	objSize = (objSize + layout.RedZoneSize + align - 1) & ^(align - 1)
	if objSize > maxSlabPages*layout.PageSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds the largest slab", ErrBadSize, objSize)
	}

	slabPages := uint64(1)
	for slabPages < maxSlabPages && slabPages*layout.PageSize/objSize < minObjsPerSlab {
		slabPages *= 2
	}

	c := &Cache{
		reg:         r,
		name:        name,
		objSize:     objSize,
		slabPages:   slabPages,
		objsPerSlab: int(slabPages * layout.PageSize / objSize),
		neverReap:   cfg.NeverReap,
		byBase:      make(map[mem.PhysAddr]*Slab),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.byName[name]; dup {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, name)
	}
	c.id = r.nextID
	r.nextID++
	r.caches[c.id] = c
	r.byName[name] = c
	return c, nil
}

// CacheByID resolves a cache ID from a lookup record.
func (r *Registry) CacheByID(id CacheID) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.caches[id]
}

// CacheByName resolves a registered cache by name.
func (r *Registry) CacheByName(name string) *Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byName[name]
}

// Caches returns a snapshot of all registered caches.
func (r *Registry) Caches() []*Cache {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Cache, 0, len(r.caches))
	for _, c := range r.caches {
		out = append(out, c)
	}
	return out
}

// Destroy unregisters the cache. It fails if any slab still holds a
// live object; remaining empty slabs are released.
func (r *Registry) Destroy(c *Cache) error {
	c.mu.Lock()
	if c.full.count > 0 || c.partial.count > 0 || c.stats.ActiveObjs > 0 {
		c.mu.Unlock()
		return fmt.Errorf("%w: cache %q has %d live objects", ErrLiveObjects, c.name, c.stats.ActiveObjs)
	}
	var empties []*Slab
	for s := c.empty.head; s != nil; s = s.next {
		empties = append(empties, s)
	}
	for _, s := range empties {
		c.detachLocked(s)
	}
	c.mu.Unlock()

	for _, s := range empties {
		c.releaseSlab(s)
	}

	r.mu.Lock()
	delete(r.caches, c.id)
	delete(r.byName, c.name)
	r.mu.Unlock()
	return nil
}

// Name returns the cache name.
func (c *Cache) Name() string { return c.name }

// ID returns the cache's registry ID.
func (c *Cache) ID() CacheID { return c.id }

// ObjSize returns the aligned object size in bytes.
func (c *Cache) ObjSize() uint64 { return c.objSize }

// ObjsPerSlab returns the slot count of one slab.
func (c *Cache) ObjsPerSlab() int { return c.objsPerSlab }

// SlabPages returns the page count of one slab.
func (c *Cache) SlabPages() uint64 { return c.slabPages }

// Slabs returns a snapshot of every slab the cache currently owns.
func (c *Cache) Slabs() []*Slab {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Slab, 0, len(c.byBase))
	for _, s := range c.byBase {
		out = append(out, s)
	}
	return out
}

// Alloc returns one object. Partial slabs are preferred, then an empty
// slab is promoted, and only then is a fresh slab built from buddy
// pages.
func (c *Cache) Alloc() (mem.PhysAddr, error) {
	c.mu.Lock()
	c.stats.AllocCalls++
	if addr, ok := c.takeLocked(); ok {
		c.mu.Unlock()
		return addr, nil
	}
	c.mu.Unlock()

	s, err := c.grow()
	if err != nil {
		c.mu.Lock()
		c.stats.FailedAllocs++
		c.mu.Unlock()
		return mem.NilAddr, err
	}

	c.mu.Lock()
	c.adoptLocked(s)
	addr, ok := c.takeLocked()
	c.mu.Unlock()
	if !ok {
		return mem.NilAddr, fmt.Errorf("%w: fresh slab has no free slot", ErrCorrupt)
	}
	return addr, nil
}

// takeLocked pops an object from a partial or empty slab and fixes up
// list membership. Caller holds the cache mutex.
func (c *Cache) takeLocked() (mem.PhysAddr, bool) {
	s := c.partial.head
	if s == nil {
		s = c.empty.head
		if s == nil {
			return mem.NilAddr, false
		}
		c.empty.remove(s)
		c.partial.push(s, listPartial)
	}

	idx := s.freeIdx[len(s.freeIdx)-1]
	s.freeIdx = s.freeIdx[:len(s.freeIdx)-1]
	s.used[idx] = true
	c.stats.ActiveObjs++

	if len(s.freeIdx) == 0 {
		c.partial.remove(s)
		c.full.push(s, listFull)
	}
	c.refreshListStats()
	return s.base + mem.PhysAddr(uint64(idx)*c.objSize), true
}

// grow builds a fresh slab: pages from the buddy allocator, a new
// free-index list, and lookup records for every page spanned. No cache
// lock is held here.
func (c *Cache) grow() (*Slab, error) {
	base, err := c.reg.pages.AllocPages(c.slabPages)
	if err != nil {
		return nil, fmt.Errorf("%w: backing %d page(s) for %q", ErrOutOfMemory, c.slabPages, c.name)
	}
	end := base + mem.PhysAddr(c.slabPages<<layout.PageShift)
	if err := c.reg.lookup.Insert(base, end, c.id, base); err != nil {
		c.reg.pages.FreePages(base, c.slabPages)
		return nil, err
	}

	s := &Slab{
		base:    base,
		cache:   c,
		freeIdx: make([]uint32, c.objsPerSlab),
		used:    make([]bool, c.objsPerSlab),
	}
	// Highest index on top so the first objects come from the slab
	// front.
	for i := range s.freeIdx {
		s.freeIdx[i] = uint32(c.objsPerSlab - 1 - i)
	}
	if logSlab {
		fmt.Fprintf(os.Stderr, "[SLAB] %s: new slab %#x (%d objs)\n", c.name, base, c.objsPerSlab)
	}
	return s, nil
}

// adoptLocked links a freshly grown slab. Caller holds the cache mutex.
func (c *Cache) adoptLocked(s *Slab) {
	c.byBase[s.base] = s
	c.partial.push(s, listPartial)
	c.stats.SlabsCreated++
	c.stats.TotalObjs += c.objsPerSlab
	c.refreshListStats()
}

// detachLocked unlinks a slab entirely. Caller holds the cache mutex.
func (c *Cache) detachLocked(s *Slab) {
	switch s.on {
	case listFull:
		c.full.remove(s)
	case listPartial:
		c.partial.remove(s)
	case listEmpty:
		c.empty.remove(s)
	}
	delete(c.byBase, s.base)
	c.stats.SlabsDestroyed++
	c.stats.TotalObjs -= c.objsPerSlab
	c.refreshListStats()
}

// releaseSlab removes the slab's lookup records and returns its pages.
// The lookup records go first: the table must never point at pages the
// buddy layer has already reclaimed.
func (c *Cache) releaseSlab(s *Slab) {
	end := s.base + mem.PhysAddr(c.slabPages<<layout.PageShift)
	c.reg.lookup.Remove(s.base, end)
	c.reg.pages.FreePages(s.base, c.slabPages)
	if logSlab {
		fmt.Fprintf(os.Stderr, "[SLAB] %s: destroyed slab %#x\n", c.name, s.base)
	}
}

// Free returns an object to its slab. The owning slab is resolved
// through the lookup table; addresses that resolve to a different
// cache, fall outside any slab, are misaligned, or are already free
// are logged and ignored.
func (c *Cache) Free(addr mem.PhysAddr) {
	rec, ok := c.reg.lookup.Find(addr)

	c.mu.Lock()
	c.stats.FreeCalls++
	if !ok || CacheID(rec.CacheID) != c.id {
		c.stats.BadFrees++
		c.mu.Unlock()
		fmt.Fprintf(os.Stderr, "[SLAB] %s: ignoring free of foreign address %#x\n", c.name, addr)
		return
	}
	s := c.byBase[mem.PhysAddr(rec.SlabBase)]
	if s == nil {
		c.stats.BadFrees++
		c.mu.Unlock()
		fmt.Fprintf(os.Stderr, "[SLAB] %s: lookup names unknown slab %#x\n", c.name, rec.SlabBase)
		return
	}
	off := uint64(addr - s.base)
	if off%c.objSize != 0 || off/c.objSize >= uint64(c.objsPerSlab) {
		c.stats.BadFrees++
		c.mu.Unlock()
		fmt.Fprintf(os.Stderr, "[SLAB] %s: ignoring misaligned free %#x\n", c.name, addr)
		return
	}
	idx := uint32(off / c.objSize)
	if !s.used[idx] {
		c.stats.BadFrees++
		c.mu.Unlock()
		fmt.Fprintf(os.Stderr, "[SLAB] %s: ignoring double free of %#x\n", c.name, addr)
		return
	}

	s.used[idx] = false
	s.freeIdx = append(s.freeIdx, idx)
	c.stats.ActiveObjs--

	// List transitions: full slabs gain a slot, and a slab whose every
	// slot is free moves to the empty list.
	if s.on == listFull {
		c.full.remove(s)
		c.partial.push(s, listPartial)
	}
	var destroy *Slab
	if len(s.freeIdx) == c.objsPerSlab {
		if s.on == listPartial {
			c.partial.remove(s)
		}
		c.empty.push(s, listEmpty)

		// Retention: at most one empty slab per cache. The newest
		// empty slab is kept and any older one goes, so hot frees stay
		// on warm pages.
		if c.empty.count > 1 && !c.neverReap {
			destroy = c.empty.head.next
			for destroy != nil && destroy.next != nil {
				destroy = destroy.next
			}
			if destroy != nil {
				c.detachLocked(destroy)
			}
		}
	}
	c.refreshListStats()
	c.mu.Unlock()

	if destroy != nil {
		c.releaseSlab(destroy)
	}
}

// Owns reports whether addr belongs to one of the cache's slabs.
func (c *Cache) Owns(addr mem.PhysAddr) bool {
	rec, ok := c.reg.lookup.Find(addr)
	return ok && CacheID(rec.CacheID) == c.id
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

func (c *Cache) refreshListStats() {
	c.stats.FullSlabs = c.full.count
	c.stats.PartialSlabs = c.partial.count
	c.stats.EmptySlabs = c.empty.count
}

// CheckIntegrity verifies that the three lists partition the cache's
// slabs, every slab's free count plus its used count equals its slot
// count, and the cache-wide object accounting holds.
func (c *Cache) CheckIntegrity() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[mem.PhysAddr]bool)
	walk := func(l *slabList, kind listKind, wantFree func(*Slab) bool) error {
		n := 0
		for s := l.head; s != nil; s = s.next {
			n++
			if seen[s.base] {
				return fmt.Errorf("%w: slab %#x on two lists", ErrCorrupt, s.base)
			}
			seen[s.base] = true
			if s.on != kind {
				return fmt.Errorf("%w: slab %#x tagged %d on list %d", ErrCorrupt, s.base, s.on, kind)
			}
			used := 0
			for _, u := range s.used {
				if u {
					used++
				}
			}
			if used+len(s.freeIdx) != c.objsPerSlab {
				return fmt.Errorf("%w: slab %#x has %d used + %d free != %d",
					ErrCorrupt, s.base, used, len(s.freeIdx), c.objsPerSlab)
			}
			if !wantFree(s) {
				return fmt.Errorf("%w: slab %#x on wrong list for its fill", ErrCorrupt, s.base)
			}
		}
		if n != l.count {
			return fmt.Errorf("%w: list count %d, walked %d", ErrCorrupt, l.count, n)
		}
		return nil
	}

	if err := walk(&c.full, listFull, func(s *Slab) bool { return len(s.freeIdx) == 0 }); err != nil {
		return err
	}
	if err := walk(&c.partial, listPartial, func(s *Slab) bool {
		return len(s.freeIdx) > 0 && len(s.freeIdx) < c.objsPerSlab
	}); err != nil {
		return err
	}
	if err := walk(&c.empty, listEmpty, func(s *Slab) bool { return len(s.freeIdx) == c.objsPerSlab }); err != nil {
		return err
	}
	if len(seen) != len(c.byBase) {
		return fmt.Errorf("%w: %d slabs on lists, %d indexed", ErrCorrupt, len(seen), len(c.byBase))
	}

	free := 0
	for _, s := range c.byBase {
		free += len(s.freeIdx)
	}
	if free+c.stats.ActiveObjs != c.stats.TotalObjs {
		return fmt.Errorf("%w: %d free + %d active != %d total",
			ErrCorrupt, free, c.stats.ActiveObjs, c.stats.TotalObjs)
	}
	return nil
}
