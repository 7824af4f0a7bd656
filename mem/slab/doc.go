// Package slab implements the object-cache layer and the address
// lookup table of the allocator stack.
//
// # Caches
//
// A Cache hands out fixed-size objects carved from slabs, where each
// slab is a small power-of-two group of buddy-allocated pages divided
// into equal slots. Slabs move between three lists as objects come and
// go:
//
//   - full: no free slot
//   - partial: some free slots
//   - empty: every slot free
//
// Allocation prefers partial slabs, then promotes an empty slab, and
// only then grows the cache by a fresh slab. The retention policy keeps
// at most one empty slab per cache; any further slab that becomes empty
// is destroyed on the spot unless the cache was created NeverReap.
//
// # Lookup table
//
// Objects carry no header, so Free must discover the owning cache from
// the address alone. The Lookup table maps any address inside a slab to
// its (cache, slab) pair via a fixed-bucket hash table with one record
// per page spanned. The table self-hosts inside managed memory and runs
// a two-state bootstrap:
//
//   - Bootstrap: bucket array and record pool carved straight from the
//     frame allocator, before the generic allocator exists.
//   - Dynamic: after Migrate, storage comes from the generic allocator
//     and the bootstrap pages are retired.
//
// Migration and load-factor growth call back into the allocator the
// table serves; a resizing guard routes the pool refills those paths
// trigger through the bootstrap storage instead, which bounds the
// recursion.
package slab
