package buddy

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/pmm"
)

const mib = 1024 * 1024

// newStack builds a frame allocator over one region and a buddy
// allocator on top. The base is 2 MiB aligned so chunk pulls succeed.
func newStack(t *testing.T, size uint64) (*pmm.Allocator, *Allocator) {
	t.Helper()
	frames, err := pmm.New(mem.BootInfo{
		Regions: []mem.Region{{Base: 0x200000, Size: size}},
	})
	require.NoError(t, err)
	return frames, New(frames)
}

func Test_Alloc_AddressAlignedToBlockSize(t *testing.T) {
	_, b := newStack(t, 64*mib)

	for order := uint(0); order <= layout.MaxOrder; order++ {
		addr, err := b.Alloc(order)
		require.NoError(t, err, "order %d", order)
		require.Zero(t, uint64(addr)%layout.OrderBytes(order),
			"order %d block at %#x not aligned to its size", order, addr)
		b.Free(addr, order)
	}
	require.NoError(t, b.CheckIntegrity())
}

func Test_Alloc_OrderOutOfRange(t *testing.T) {
	_, b := newStack(t, 4*mib)
	_, err := b.Alloc(layout.MaxOrder + 1)
	require.ErrorIs(t, err, ErrBadOrder)
}

func Test_Alloc_OutOfMemory(t *testing.T) {
	// One region of 1 MiB cannot host a 2 MiB chunk.
	frames, err := pmm.New(mem.BootInfo{
		Regions: []mem.Region{{Base: 0x200000, Size: mib}},
	})
	require.NoError(t, err)
	b := New(frames)

	addr, allocErr := b.Alloc(0)
	require.ErrorIs(t, allocErr, ErrOutOfMemory)
	require.Equal(t, mem.NilAddr, addr)

	// Failure leaves no partial state behind.
	require.NoError(t, b.CheckIntegrity())
	require.Equal(t, 0, b.Stats().ChunkCount)
}

func Test_SplitThenCoalesce_RoundTrips(t *testing.T) {
	_, b := newStack(t, 16*mib)

	// An order-0 allocation splits a fresh chunk all the way down.
	addr, err := b.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, 9, b.Stats().Splits)

	// Freeing it must coalesce back to the single maximal block, so a
	// follow-up order-9 allocation gets the whole chunk again.
	b.Free(addr, 0)
	require.Equal(t, 9, b.Stats().Coalesces)

	whole, err := b.Alloc(9)
	require.NoError(t, err)
	require.Equal(t, addr, whole)
	require.Equal(t, 1, b.Stats().ChunkCount, "round trip must not pull a second chunk")
	require.NoError(t, b.CheckIntegrity())
}

func Test_FreedBuddiesAreAddressAdjacent(t *testing.T) {
	_, b := newStack(t, 16*mib)

	// Allocate an order-4 block (16 pages), free it, then take two
	// order-3 blocks: they must be the two halves of the same parent.
	a4, err := b.Alloc(4)
	require.NoError(t, err)
	b.Free(a4, 4)

	a3a, err := b.Alloc(3)
	require.NoError(t, err)
	a3b, err := b.Alloc(3)
	require.NoError(t, err)

	low, high := a3a, a3b
	if low > high {
		low, high = high, low
	}
	require.Equal(t, low+mem.PhysAddr(layout.OrderBytes(3)), high, "blocks not adjacent")
	require.Equal(t, uint64(high), uint64(low)^layout.OrderBytes(3), "blocks not buddies")
}

func Test_ChunkRetirement_RespectsThresholds(t *testing.T) {
	_, b := newStack(t, 64*mib)

	// Each order-9 allocation consumes a whole 2 MiB chunk, so six of
	// them force six chunks.
	var addrs []mem.PhysAddr
	for i := 0; i < 6; i++ {
		addr, err := b.Alloc(9)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.Equal(t, 6, b.Stats().ChunkCount)

	// Freeing everything releases chunks only while the count stays
	// above the cleanup threshold.
	for _, addr := range addrs {
		b.Free(addr, 9)
	}
	st := b.Stats()
	require.Equal(t, layout.ChunkCleanupThreshold, st.ChunkCount)
	require.Equal(t, 2, st.ChunksReleased)
	require.NoError(t, b.CheckIntegrity())
}

func Test_SmallFrees_DoNotThrashChunks(t *testing.T) {
	_, b := newStack(t, 64*mib)

	// Fill five chunks, then churn order-0 blocks in a sixth that
	// keeps one object live throughout: the chunk never becomes fully
	// free, so no release fires even though the chunk count is above
	// the cleanup threshold.
	for i := 0; i < 5; i++ {
		_, err := b.Alloc(9)
		require.NoError(t, err)
	}
	pin, err := b.Alloc(0)
	require.NoError(t, err)
	require.Equal(t, 6, b.Stats().ChunkCount)

	for i := 0; i < 10; i++ {
		addr, allocErr := b.Alloc(0)
		require.NoError(t, allocErr)
		b.Free(addr, 0)
	}
	require.Equal(t, 0, b.Stats().ChunksReleased)
	require.Equal(t, 6, b.Stats().ChunkCount)
	b.Free(pin, 0)
}

func Test_Passthrough_BypassesChunks(t *testing.T) {
	frames, b := newStack(t, 64*mib)

	before := frames.Stats().AllocatedPages
	addr, err := b.Alloc(layout.ChunkOrderPassthrough)
	require.NoError(t, err)
	require.Equal(t, 0, b.Stats().ChunkCount, "passthrough must not pull a chunk")
	require.Equal(t, 1, b.Stats().PassthroughAllocs)
	require.Equal(t, before+layout.OrderPages(layout.ChunkOrderPassthrough), frames.Stats().AllocatedPages)

	b.Free(addr, layout.ChunkOrderPassthrough)
	require.Equal(t, before, frames.Stats().AllocatedPages)
}

func Test_Free_MisuseIsIgnored(t *testing.T) {
	_, b := newStack(t, 16*mib)

	addr, err := b.Alloc(2)
	require.NoError(t, err)
	b.Free(addr, 2)

	b.Free(addr, 2)       // double free
	b.Free(0xDEAD0000, 0) // foreign address
	require.Equal(t, 2, b.Stats().BadFrees)
	require.NoError(t, b.CheckIntegrity())
}

func Test_AllocPages_RoundsToCoveringOrder(t *testing.T) {
	_, b := newStack(t, 16*mib)

	addr, err := b.AllocPages(3)
	require.NoError(t, err)
	require.Zero(t, uint64(addr)%layout.OrderBytes(2), "3 pages must round to an order-2 block")
	b.FreePages(addr, 3)

	whole, err := b.Alloc(9)
	require.NoError(t, err)
	require.NotEqual(t, mem.NilAddr, whole)
	require.NoError(t, b.CheckIntegrity())
}

func Test_Coalesce_StopsAtChunkBoundary(t *testing.T) {
	_, b := newStack(t, 64*mib)

	// Two chunks pulled back to back are address adjacent, but their
	// maximal blocks must never merge into an order-10 block.
	a1, err := b.Alloc(9)
	require.NoError(t, err)
	a2, err := b.Alloc(9)
	require.NoError(t, err)
	b.Free(a1, 9)
	b.Free(a2, 9)

	r1, err := b.Alloc(9)
	require.NoError(t, err)
	r2, err := b.Alloc(9)
	require.NoError(t, err)
	require.Equal(t, 2, b.Stats().ChunkCount)
	require.ElementsMatch(t, []mem.PhysAddr{a1, a2}, []mem.PhysAddr{r1, r2})
}

func Test_Invariants_UnderRandomChurn(t *testing.T) {
	_, b := newStack(t, 64*mib)

	rng := rand.New(rand.NewSource(7))
	type blockRef struct {
		addr  mem.PhysAddr
		order uint
	}
	var live []blockRef

	for i := 0; i < 400; i++ {
		if rng.Intn(2) == 0 || len(live) == 0 {
			order := uint(rng.Intn(8))
			addr, err := b.Alloc(order)
			if err == nil {
				require.Zero(t, uint64(addr)%layout.OrderBytes(order))
				live = append(live, blockRef{addr, order})
			}
		} else {
			j := rng.Intn(len(live))
			b.Free(live[j].addr, live[j].order)
			live = append(live[:j], live[j+1:]...)
		}
		if i%50 == 0 {
			require.NoError(t, b.CheckIntegrity(), "step %d", i)
		}
	}
	for _, ref := range live {
		b.Free(ref.addr, ref.order)
	}
	require.NoError(t, b.CheckIntegrity())
	require.Equal(t, uint64(0), b.Stats().ActivePages)
	require.Equal(t, 0, b.Stats().BadFrees)
}
