package slab

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/buddy"
	"github.com/joshuapare/memkit/mem/pmm"
)

const mib = 1024 * 1024

// newStack brings up physical memory, the frame allocator, the buddy
// allocator, and the cache registry over one region.
func newStack(t *testing.T, size uint64) (*mem.PhysMem, *pmm.Allocator, *Registry) {
	t.Helper()
	pm, err := mem.NewPhysMem(0x200000, size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })

	frames, err := pmm.New(mem.BootInfo{Regions: []mem.Region{pm.Region()}})
	require.NoError(t, err)

	reg, err := NewRegistry(buddy.New(frames), frames, pm)
	require.NoError(t, err)
	return pm, frames, reg
}

func Test_NewCache_Geometry(t *testing.T) {
	_, _, reg := newStack(t, 32*mib)

	c, err := reg.NewCache("vnode", 200, CacheConfig{})
	require.NoError(t, err)
	require.Equal(t, uint64(200), c.ObjSize())
	require.Equal(t, 20, c.ObjsPerSlab(), "one page holds twenty 200-byte objects")

	// Sizes that fit fewer than eight per page get bigger slabs.
	big, err := reg.NewCache("pagebuf", 4096, CacheConfig{})
	require.NoError(t, err)
	require.Equal(t, 8, big.ObjsPerSlab())

	// Unaligned sizes round up to the cache alignment.
	odd, err := reg.NewCache("odd", 33, CacheConfig{})
	require.NoError(t, err)
	require.Equal(t, uint64(40), odd.ObjSize())
}

func Test_NewCache_Rejects(t *testing.T) {
	_, _, reg := newStack(t, 32*mib)

	_, err := reg.NewCache("zero", 0, CacheConfig{})
	require.ErrorIs(t, err, ErrBadSize)

	_, err = reg.NewCache("huge", maxSlabPages*layout.PageSize+1, CacheConfig{})
	require.ErrorIs(t, err, ErrBadSize)

	_, err = reg.NewCache("crooked", 64, CacheConfig{Align: 24})
	require.ErrorIs(t, err, ErrBadSize)

	_, err = reg.NewCache("dup", 64, CacheConfig{})
	require.NoError(t, err)
	_, err = reg.NewCache("dup", 128, CacheConfig{})
	require.ErrorIs(t, err, ErrDuplicateName)
}

func Test_Alloc_ObjectsLieInsideOneOwnedSlab(t *testing.T) {
	_, _, reg := newStack(t, 32*mib)

	c, err := reg.NewCache("obj", 256, CacheConfig{})
	require.NoError(t, err)

	seen := map[mem.PhysAddr]bool{}
	for i := 0; i < c.ObjsPerSlab()*3; i++ {
		addr, allocErr := c.Alloc()
		require.NoError(t, allocErr)
		require.False(t, seen[addr], "object %#x handed out twice", addr)
		seen[addr] = true

		rec, ok := reg.Lookup().Find(addr)
		require.True(t, ok, "object %#x not resolvable", addr)
		require.Equal(t, uint64(c.ID()), rec.CacheID)
		require.True(t, uint64(addr) >= rec.Start && uint64(addr) < rec.End)
	}
	require.NoError(t, c.CheckIntegrity())

	st := c.Stats()
	require.Equal(t, 3, st.SlabsCreated)
	require.Equal(t, c.ObjsPerSlab()*3, st.ActiveObjs)
}

func Test_Free_ListTransitions(t *testing.T) {
	_, _, reg := newStack(t, 32*mib)

	c, err := reg.NewCache("trans", 512, CacheConfig{})
	require.NoError(t, err)
	per := c.ObjsPerSlab()

	// Fill exactly one slab: it must end up on the full list.
	objs := make([]mem.PhysAddr, 0, per)
	for i := 0; i < per; i++ {
		addr, allocErr := c.Alloc()
		require.NoError(t, allocErr)
		objs = append(objs, addr)
	}
	st := c.Stats()
	require.Equal(t, 1, st.FullSlabs)
	require.Equal(t, 0, st.PartialSlabs)

	// One free moves it full -> partial.
	c.Free(objs[0])
	st = c.Stats()
	require.Equal(t, 0, st.FullSlabs)
	require.Equal(t, 1, st.PartialSlabs)

	// Freeing the rest moves it partial -> empty, and the single empty
	// slab is retained.
	for _, addr := range objs[1:] {
		c.Free(addr)
	}
	st = c.Stats()
	require.Equal(t, 1, st.EmptySlabs)
	require.Equal(t, 0, st.SlabsDestroyed)
	require.NoError(t, c.CheckIntegrity())

	// The retained slab serves the next allocation without growth.
	_, err = c.Alloc()
	require.NoError(t, err)
	require.Equal(t, 1, c.Stats().SlabsCreated)
}

func Test_EmptySlabRetention_CapOfOne(t *testing.T) {
	_, _, reg := newStack(t, 32*mib)

	// ~20 objects per slab; 200 objects spread over ten slabs.
	c, err := reg.NewCache("churn", 200, CacheConfig{})
	require.NoError(t, err)

	var objs []mem.PhysAddr
	for i := 0; i < 200; i++ {
		addr, allocErr := c.Alloc()
		require.NoError(t, allocErr)
		objs = append(objs, addr)
	}

	// Free every other object, then the rest. At no observation point
	// may more than one empty slab survive.
	for i := 0; i < len(objs); i += 2 {
		c.Free(objs[i])
		require.LessOrEqual(t, c.Stats().EmptySlabs, 1, "after freeing object %d", i)
	}
	for i := 1; i < len(objs); i += 2 {
		c.Free(objs[i])
		require.LessOrEqual(t, c.Stats().EmptySlabs, 1, "after freeing object %d", i)
	}

	st := c.Stats()
	require.Equal(t, 0, st.ActiveObjs)
	require.Equal(t, st.SlabsCreated-1, st.SlabsDestroyed)
	require.NoError(t, c.CheckIntegrity())
}

func Test_NeverReap_KeepsEmptySlabs(t *testing.T) {
	_, _, reg := newStack(t, 32*mib)

	c, err := reg.NewCache("pinned", 200, CacheConfig{NeverReap: true})
	require.NoError(t, err)

	var objs []mem.PhysAddr
	for i := 0; i < 100; i++ {
		addr, allocErr := c.Alloc()
		require.NoError(t, allocErr)
		objs = append(objs, addr)
	}
	for _, addr := range objs {
		c.Free(addr)
	}

	st := c.Stats()
	require.Equal(t, st.SlabsCreated, st.EmptySlabs)
	require.Equal(t, 0, st.SlabsDestroyed)
}

func Test_Free_DoesNotDisturbLiveNeighbors(t *testing.T) {
	pm, _, reg := newStack(t, 32*mib)

	c, err := reg.NewCache("neighbors", 256, CacheConfig{})
	require.NoError(t, err)

	a, err := c.Alloc()
	require.NoError(t, err)
	b, err := c.Alloc()
	require.NoError(t, err)

	// Fill the survivor with a pattern, free the other object, and
	// verify the pattern through the direct map.
	buf, err := pm.Bytes(a, c.ObjSize())
	require.NoError(t, err)
	for i := range buf {
		buf[i] = 0xA5
	}
	c.Free(b)

	buf, err = pm.Bytes(a, c.ObjSize())
	require.NoError(t, err)
	for i := range buf {
		require.Equal(t, byte(0xA5), buf[i], "live object corrupted at offset %d", i)
	}
}

func Test_Free_MisuseIsIgnored(t *testing.T) {
	_, _, reg := newStack(t, 32*mib)

	c, err := reg.NewCache("defensive", 128, CacheConfig{})
	require.NoError(t, err)
	addr, err := c.Alloc()
	require.NoError(t, err)

	c.Free(addr + 1)   // misaligned interior pointer
	c.Free(0xDEAD0000) // foreign address
	c.Free(addr)       // legitimate
	c.Free(addr)       // double free
	require.Equal(t, 3, c.Stats().BadFrees)
	require.Equal(t, 0, c.Stats().ActiveObjs)
	require.NoError(t, c.CheckIntegrity())
}

func Test_Destroy_RefusesLiveObjects(t *testing.T) {
	_, _, reg := newStack(t, 32*mib)

	c, err := reg.NewCache("doomed", 64, CacheConfig{})
	require.NoError(t, err)
	addr, err := c.Alloc()
	require.NoError(t, err)

	require.ErrorIs(t, reg.Destroy(c), ErrLiveObjects)

	c.Free(addr)
	require.NoError(t, reg.Destroy(c))
	require.Nil(t, reg.CacheByName("doomed"))

	// The destroyed cache's pages are gone from the lookup table.
	_, ok := reg.Lookup().Find(addr)
	require.False(t, ok)
}

func Test_Alloc_OutOfMemory_LeavesStateClean(t *testing.T) {
	// A 4 MiB arena: the first slab pulls a 2 MiB chunk, and chunk
	// alignment leaves no room for a second one.
	_, _, reg := newStack(t, 4*mib)

	c, err := reg.NewCache("starved", 4096, CacheConfig{})
	require.NoError(t, err)

	var got int
	for {
		_, allocErr := c.Alloc()
		if allocErr != nil {
			require.ErrorIs(t, allocErr, ErrOutOfMemory)
			break
		}
		got++
		require.Less(t, got, 4096, "allocator never ran out")
	}
	require.NoError(t, c.CheckIntegrity())
	require.Positive(t, c.Stats().FailedAllocs)
}
