package slab

import (
	"fmt"
	"sync"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/pmm"
)

// recordsPerPage is how many lookup records one pool page holds.
const recordsPerPage = layout.PageSize / layout.LookupRecordSize

// fibMult spreads page-frame numbers across buckets (Fibonacci hashing).
const fibMult = 0x9E3779B97F4A7C15

// LookupState is the lookup table's bootstrap phase.
type LookupState uint8

const (
	// StateBootstrap means bucket array and record pool sit on pages
	// carved straight from the frame allocator.
	StateBootstrap LookupState = iota

	// StateDynamic means storage comes from the generic allocator.
	StateDynamic
)

func (s LookupState) String() string {
	if s == StateBootstrap {
		return "bootstrap"
	}
	return "dynamic"
}

// Backing is the dynamic storage provider the table switches to at
// migration; the generic allocator implements it.
type Backing interface {
	AllocBytes(n uint64) (mem.PhysAddr, error)
	FreeBytes(addr mem.PhysAddr) error
}

// LookupStats holds the table's counters.
type LookupStats struct {
	State   LookupState
	Buckets uint64
	Entries uint64

	Inserts int
	Removes int
	Finds   int
	Hits    int
	Resizes int

	// BootstrapPages counts frame-allocator pages currently backing
	// the table (bucket array and pool pages), including pages pulled
	// through the resize guard after migration.
	BootstrapPages int
}

// Lookup maps any address inside a live slab to its owning cache and
// slab without per-object headers. One record per page spanned, hashed
// by page frame into a bucket array of record addresses; records and
// buckets live inside managed memory and are read and written through
// the direct map.
type Lookup struct {
	frames *pmm.Allocator
	dm     mem.DirectMap

	mu       sync.Mutex
	state    LookupState
	buckets  mem.PhysAddr // bucket array: nbuckets u64 record addresses
	nbuckets uint64
	entries  uint64

	// freeRec heads the free-record chain, linked through each
	// record's next field.
	freeRec mem.PhysAddr

	// bootPages tracks every frame-allocator page the table owns, so
	// migration can retire bootstrap storage page by page.
	bootPages []mem.PhysAddr

	backing Backing

	// resizing routes pool refills through the frame allocator while a
	// migration or resize is in flight, so the allocations those paths
	// make cannot recurse back into an unbounded resize.
	resizing bool

	stats LookupStats
}

// newLookup carves the bootstrap table from the frame allocator: one
// page of buckets and one pool page of records.
func newLookup(frames *pmm.Allocator, dm mem.DirectMap) (*Lookup, error) {
	l := &Lookup{
		frames:   frames,
		dm:       dm,
		state:    StateBootstrap,
		nbuckets: layout.LookupBootstrapBuckets,
	}

	buckets, err := frames.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("slab: bootstrap bucket page: %w", err)
	}
	l.bootPages = append(l.bootPages, buckets)
	l.buckets = buckets
	if err := mem.Memclr(dm, buckets, layout.PageSize); err != nil {
		return nil, err
	}

	pool, err := frames.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("slab: bootstrap pool page: %w", err)
	}
	l.bootPages = append(l.bootPages, pool)
	if err := l.carvePage(pool); err != nil {
		return nil, err
	}
	return l, nil
}

// carvePage threads a fresh pool page's records onto the free chain.
// Caller holds the mutex (or is the constructor).
func (l *Lookup) carvePage(base mem.PhysAddr) error {
	b, err := l.dm.Bytes(base, layout.PageSize)
	if err != nil {
		return err
	}
	for i := 0; i < recordsPerPage; i++ {
		off := i * layout.LookupRecordSize
		next := l.freeRec
		if i < recordsPerPage-1 {
			next = base + mem.PhysAddr(off+layout.LookupRecordSize)
		}
		layout.PutLookupRecord(b[off:off+layout.LookupRecordSize], layout.LookupRecord{Next: uint64(next)})
	}
	l.freeRec = base
	return nil
}

func (l *Lookup) bucketOf(page mem.PhysAddr, nbuckets uint64) uint64 {
	return (page.Frame() * fibMult) & (nbuckets - 1)
}

func (l *Lookup) readRecord(addr mem.PhysAddr) (layout.LookupRecord, error) {
	b, err := l.dm.Bytes(addr, layout.LookupRecordSize)
	if err != nil {
		return layout.LookupRecord{}, fmt.Errorf("%w: unreadable record %#x", ErrCorrupt, addr)
	}
	return layout.ReadLookupRecord(b), nil
}

func (l *Lookup) writeRecord(addr mem.PhysAddr, r layout.LookupRecord) error {
	b, err := l.dm.Bytes(addr, layout.LookupRecordSize)
	if err != nil {
		return fmt.Errorf("%w: unwritable record %#x", ErrCorrupt, addr)
	}
	layout.PutLookupRecord(b, r)
	return nil
}

func (l *Lookup) bucketSlot(buckets mem.PhysAddr, i uint64) ([]byte, error) {
	return l.dm.Bytes(buckets+mem.PhysAddr(i*8), 8)
}

// allocRecordLocked pops a free record, refilling the pool when the
// chain runs dry. Refills drop the mutex around the call into the
// backing layer; in bootstrap state, or while a resize or migration is
// in flight, the refill page comes from the frame allocator.
func (l *Lookup) allocRecordLocked() (mem.PhysAddr, error) {
	for l.freeRec == mem.NilAddr {
		useFrames := l.state == StateBootstrap || l.resizing
		if useFrames {
			l.mu.Unlock()
			page, err := l.frames.AllocPage()
			l.mu.Lock()
			if err != nil {
				return mem.NilAddr, fmt.Errorf("%w: lookup pool refill", ErrOutOfMemory)
			}
			l.bootPages = append(l.bootPages, page)
			if err := l.carvePage(page); err != nil {
				return mem.NilAddr, err
			}
			continue
		}

		// Dynamic refill. The guard makes any allocation the backing
		// layer performs on our behalf take the frame-allocator path
		// above instead of recursing here.
		l.resizing = true
		l.mu.Unlock()
		addr, err := l.backing.AllocBytes(layout.PageSize)
		l.mu.Lock()
		l.resizing = false
		if err != nil {
			return mem.NilAddr, fmt.Errorf("%w: lookup pool refill", ErrOutOfMemory)
		}
		if err := l.carvePage(addr); err != nil {
			return mem.NilAddr, err
		}
	}

	rec := l.freeRec
	r, err := l.readRecord(rec)
	if err != nil {
		return mem.NilAddr, err
	}
	l.freeRec = mem.PhysAddr(r.Next)
	return rec, nil
}

// Insert registers the slab spanning [start, end) for cache cid. One
// record per page, so any interior address resolves. On failure the
// pages inserted so far are unlinked again; the table is never left
// half registered.
func (l *Lookup) Insert(start, end mem.PhysAddr, cid CacheID, slabBase mem.PhysAddr) error {
	l.mu.Lock()
	for p := start; p < end; p += layout.PageSize {
		rec, err := l.allocRecordLocked()
		if err != nil {
			l.unlinkRangeLocked(start, end, p)
			l.mu.Unlock()
			return err
		}
		slot, serr := l.bucketSlot(l.buckets, l.bucketOf(p, l.nbuckets))
		if serr != nil {
			l.unlinkRangeLocked(start, end, p)
			l.mu.Unlock()
			return serr
		}
		head := layout.ReadU64(slot, 0)
		if werr := l.writeRecord(rec, layout.LookupRecord{
			Page:     uint64(p),
			Start:    uint64(start),
			End:      uint64(end),
			CacheID:  uint64(cid),
			SlabBase: uint64(slabBase),
			Next:     head,
		}); werr != nil {
			l.unlinkRangeLocked(start, end, p)
			l.mu.Unlock()
			return werr
		}
		layout.PutU64(slot, 0, uint64(rec))
		l.entries++
	}
	l.stats.Inserts++
	needGrow := l.state == StateDynamic && !l.resizing &&
		l.entries > l.nbuckets*layout.LookupGrowFactor
	l.mu.Unlock()

	if needGrow {
		l.grow()
	}
	return nil
}

// Remove unregisters the slab spanning [start, end).
func (l *Lookup) Remove(start, end mem.PhysAddr) {
	l.mu.Lock()
	l.unlinkRangeLocked(start, end, end)
	l.stats.Removes++
	l.mu.Unlock()
}

// unlinkRangeLocked removes the records for the pages of [start, end)
// below limit. Insert's rollback passes the first unregistered page as
// limit; Remove passes end. Caller holds the mutex.
func (l *Lookup) unlinkRangeLocked(start, end, limit mem.PhysAddr) {
	for p := start; p < limit; p += layout.PageSize {
		slot, err := l.bucketSlot(l.buckets, l.bucketOf(p, l.nbuckets))
		if err != nil {
			return
		}
		var prev mem.PhysAddr
		cur := mem.PhysAddr(layout.ReadU64(slot, 0))
		for cur != mem.NilAddr {
			r, rerr := l.readRecord(cur)
			if rerr != nil {
				return
			}
			if mem.PhysAddr(r.Page) == p && mem.PhysAddr(r.Start) == start && mem.PhysAddr(r.End) == end {
				// Unlink and push onto the free chain.
				if prev == mem.NilAddr {
					layout.PutU64(slot, 0, r.Next)
				} else {
					pb, perr := l.dm.Bytes(prev, layout.LookupRecordSize)
					if perr != nil {
						return
					}
					layout.PutLookupNext(pb, r.Next)
				}
				rb, werr := l.dm.Bytes(cur, layout.LookupRecordSize)
				if werr != nil {
					return
				}
				layout.PutLookupRecord(rb, layout.LookupRecord{Next: uint64(l.freeRec)})
				l.freeRec = cur
				l.entries--
				break
			}
			prev = cur
			cur = mem.PhysAddr(r.Next)
		}
	}
}

// Find resolves addr to the lookup record of its owning slab.
func (l *Lookup) Find(addr mem.PhysAddr) (layout.LookupRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.stats.Finds++
	slot, err := l.bucketSlot(l.buckets, l.bucketOf(addr.PageAlign(), l.nbuckets))
	if err != nil {
		return layout.LookupRecord{}, false
	}
	cur := mem.PhysAddr(layout.ReadU64(slot, 0))
	for cur != mem.NilAddr {
		r, rerr := l.readRecord(cur)
		if rerr != nil {
			return layout.LookupRecord{}, false
		}
		if uint64(addr) >= r.Start && uint64(addr) < r.End {
			l.stats.Hits++
			return r, true
		}
		cur = mem.PhysAddr(r.Next)
	}
	return layout.LookupRecord{}, false
}

// Migrate moves the table from bootstrap to dynamic storage: a larger
// bucket array and a fresh record pool are allocated through the
// backing, every live record is copied over and rehashed, and the
// bootstrap pages go back to the frame allocator. One-way; calling it
// twice is an error.
func (l *Lookup) Migrate(b Backing) error {
	l.mu.Lock()
	if l.state != StateBootstrap {
		l.mu.Unlock()
		return fmt.Errorf("%w: migrate from %s", ErrBadState, l.state)
	}
	if l.resizing {
		l.mu.Unlock()
		return fmt.Errorf("%w: migration already in flight", ErrBadState)
	}
	l.backing = b
	l.resizing = true
	newN := l.nbuckets * 2
	l.mu.Unlock()

	fail := func(err error) error {
		l.mu.Lock()
		l.backing = nil
		l.resizing = false
		l.mu.Unlock()
		return err
	}

	newBuckets, err := b.AllocBytes(newN * 8)
	if err != nil {
		return fail(fmt.Errorf("%w: dynamic bucket array", ErrOutOfMemory))
	}
	if err := mem.Memclr(l.dm, newBuckets, newN*8); err != nil {
		return fail(err)
	}

	// The allocations above may have grown caches and inserted more
	// records, so size the new pool under the lock and loop until it
	// covers every live entry.
	var newPool []mem.PhysAddr
	capacity := uint64(0)
	for {
		l.mu.Lock()
		if capacity >= l.entries {
			break // keep the lock for the copy
		}
		l.mu.Unlock()
		page, aerr := b.AllocBytes(layout.PageSize)
		if aerr != nil {
			return fail(fmt.Errorf("%w: dynamic record pool", ErrOutOfMemory))
		}
		newPool = append(newPool, page)
		capacity += recordsPerPage
	}

	// Build the new free chain, copy and rehash every record.
	oldFree := l.freeRec
	l.freeRec = mem.NilAddr
	for _, page := range newPool {
		if cerr := l.carvePage(page); cerr != nil {
			l.freeRec = oldFree
			l.mu.Unlock()
			return fail(cerr)
		}
	}
	for i := uint64(0); i < l.nbuckets; i++ {
		slot, serr := l.bucketSlot(l.buckets, i)
		if serr != nil {
			l.mu.Unlock()
			return fail(serr)
		}
		cur := mem.PhysAddr(layout.ReadU64(slot, 0))
		for cur != mem.NilAddr {
			r, rerr := l.readRecord(cur)
			if rerr != nil {
				l.mu.Unlock()
				return fail(rerr)
			}
			dst := l.freeRec
			dr, derr := l.readRecord(dst)
			if derr != nil {
				l.mu.Unlock()
				return fail(derr)
			}
			l.freeRec = mem.PhysAddr(dr.Next)

			nslot, nerr := l.bucketSlot(newBuckets, l.bucketOf(mem.PhysAddr(r.Page), newN))
			if nerr != nil {
				l.mu.Unlock()
				return fail(nerr)
			}
			if werr := l.writeRecord(dst, layout.LookupRecord{
				Page:     r.Page,
				Start:    r.Start,
				End:      r.End,
				CacheID:  r.CacheID,
				SlabBase: r.SlabBase,
				Next:     layout.ReadU64(nslot, 0),
			}); werr != nil {
				l.mu.Unlock()
				return fail(werr)
			}
			layout.PutU64(nslot, 0, uint64(dst))
			cur = mem.PhysAddr(r.Next)
		}
	}

	l.buckets = newBuckets
	l.nbuckets = newN
	retire := l.bootPages
	l.bootPages = nil
	l.state = StateDynamic
	l.resizing = false
	l.mu.Unlock()

	for _, p := range retire {
		l.frames.FreePage(p)
	}
	return nil
}

// grow doubles the bucket array once the load factor crosses the
// threshold. Records stay where they are; only the chains are relinked.
// Growth is best effort: if the backing cannot serve it, the table
// keeps working at the old size.
func (l *Lookup) grow() {
	l.mu.Lock()
	if l.resizing || l.state != StateDynamic {
		l.mu.Unlock()
		return
	}
	l.resizing = true
	oldN := l.nbuckets
	newN := oldN * 2
	l.mu.Unlock()

	newBuckets, err := l.backing.AllocBytes(newN * 8)
	if err != nil {
		l.mu.Lock()
		l.resizing = false
		l.mu.Unlock()
		return
	}
	if err := mem.Memclr(l.dm, newBuckets, newN*8); err != nil {
		l.mu.Lock()
		l.resizing = false
		l.mu.Unlock()
		return
	}

	l.mu.Lock()
	for i := uint64(0); i < oldN; i++ {
		slot, serr := l.bucketSlot(l.buckets, i)
		if serr != nil {
			break
		}
		cur := mem.PhysAddr(layout.ReadU64(slot, 0))
		for cur != mem.NilAddr {
			r, rerr := l.readRecord(cur)
			if rerr != nil {
				break
			}
			// Rehash the record's keyed page into the new array.
			nslot, nerr := l.bucketSlot(newBuckets, l.bucketOf(mem.PhysAddr(r.Page), newN))
			if nerr != nil {
				break
			}
			next := mem.PhysAddr(r.Next)
			rb, berr := l.dm.Bytes(cur, layout.LookupRecordSize)
			if berr != nil {
				break
			}
			layout.PutLookupNext(rb, layout.ReadU64(nslot, 0))
			layout.PutU64(nslot, 0, uint64(cur))
			cur = next
		}
	}
	oldBuckets := l.buckets
	l.buckets = newBuckets
	l.nbuckets = newN
	l.resizing = false
	l.stats.Resizes++
	l.mu.Unlock()

	_ = l.backing.FreeBytes(oldBuckets)
}

// State returns the table's bootstrap phase.
func (l *Lookup) State() LookupState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Stats returns a snapshot of the table counters.
func (l *Lookup) Stats() LookupStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := l.stats
	st.State = l.state
	st.Buckets = l.nbuckets
	st.Entries = l.entries
	st.BootstrapPages = len(l.bootPages)
	return st
}
