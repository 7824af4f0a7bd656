package kmalloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/memkit/internal/layout"
	"github.com/joshuapare/memkit/mem"
	"github.com/joshuapare/memkit/mem/account"
	"github.com/joshuapare/memkit/mem/buddy"
	"github.com/joshuapare/memkit/mem/pmm"
	"github.com/joshuapare/memkit/mem/slab"
)

const mib = 1024 * 1024

type stack struct {
	pm     *mem.PhysMem
	frames *pmm.Allocator
	reg    *slab.Registry
	acct   *account.Table
	alloc  *Allocator
}

func newStack(t *testing.T, size uint64) *stack {
	t.Helper()
	pm, err := mem.NewPhysMem(0x200000, size)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pm.Close() })

	frames, err := pmm.New(mem.BootInfo{Regions: []mem.Region{pm.Region()}})
	require.NoError(t, err)
	pages := buddy.New(frames)
	reg, err := slab.NewRegistry(pages, frames, pm)
	require.NoError(t, err)
	acct := account.NewTable()
	a, err := New(frames, reg, pm, acct)
	require.NoError(t, err)
	return &stack{pm: pm, frames: frames, reg: reg, acct: acct, alloc: a}
}

func Test_Alloc_RoutesToSmallestFittingClass(t *testing.T) {
	s := newStack(t, 64*mib)

	for _, tc := range []struct{ req, usable uint64 }{
		{1, 32},
		{32, 32},
		{33, 64},
		{100, 128},
		{4096, 4096},
		{8192, 8192},
	} {
		addr, err := s.alloc.Alloc(tc.req, 0)
		require.NoError(t, err)
		got, err := s.alloc.SizeOf(addr)
		require.NoError(t, err)
		require.Equal(t, tc.usable, got, "request of %d bytes", tc.req)
		require.NoError(t, s.alloc.Free(addr))
	}

	require.Zero(t, s.alloc.Stats().ActiveBytes)
}

func Test_Alloc_ZeroSizeRejected(t *testing.T) {
	s := newStack(t, 16*mib)
	addr, err := s.alloc.Alloc(0, 0)
	require.ErrorIs(t, err, ErrBadSize)
	require.Equal(t, mem.NilAddr, addr)
}

func Test_LargeBlock_RoundTrips(t *testing.T) {
	s := newStack(t, 64*mib)

	addr, err := s.alloc.Alloc(128*1024, 0)
	require.NoError(t, err)

	size, err := s.alloc.SizeOf(addr)
	require.NoError(t, err)
	require.Equal(t, uint64(128*1024), size)

	// The payload is usable edge to edge.
	b, err := s.pm.Bytes(addr, size)
	require.NoError(t, err)
	b[0], b[size-1] = 0x5A, 0xA5

	require.NoError(t, s.alloc.Free(addr))

	again, err := s.alloc.Alloc(128*1024, 0)
	require.NoError(t, err)
	require.NoError(t, s.alloc.Free(again))

	st := s.alloc.Stats()
	require.Equal(t, 2, st.LargeAllocs)
	require.Equal(t, 2, st.LargeFrees)
	require.Zero(t, st.LargeActive)
	require.Zero(t, st.ActiveBytes)
}

func Test_CorruptHeader_RejectsFreeAndKeepsState(t *testing.T) {
	s := newStack(t, 64*mib)

	addr, err := s.alloc.Alloc(64*1024, 0)
	require.NoError(t, err)

	hdr, err := s.pm.Bytes(addr-layout.LargeHeaderSize, layout.LargeHeaderSize)
	require.NoError(t, err)
	saved := layout.ReadU32(hdr, 8)
	layout.PutU32(hdr, 8, 0xBADC0DE)

	require.ErrorIs(t, s.alloc.Free(addr), ErrCorrupt)
	require.ErrorIs(t, s.alloc.Validate(addr), ErrCorrupt)

	// The block stayed live: nothing was unmapped or returned.
	st := s.alloc.Stats()
	require.Equal(t, 1, st.LargeActive)
	require.Zero(t, st.LargeFrees)

	// With the magic restored the block frees normally.
	layout.PutU32(hdr, 8, saved)
	require.NoError(t, s.alloc.Free(addr))
	require.Zero(t, s.alloc.Stats().LargeActive)
}

func Test_FreedHeader_IsInvalidated(t *testing.T) {
	s := newStack(t, 64*mib)

	addr, err := s.alloc.Alloc(32*1024, 0)
	require.NoError(t, err)
	require.NoError(t, s.alloc.Free(addr))

	hdr, err := s.pm.Bytes(addr-layout.LargeHeaderSize, layout.LargeHeaderSize)
	require.NoError(t, err)
	require.Equal(t, uint32(layout.LargeMagicFreed), layout.ReadLargeHeader(hdr).Magic)

	// A second free no longer matches any live block.
	require.NoError(t, s.alloc.Free(addr))
	require.Equal(t, 1, s.alloc.Stats().BadFrees)
}

func Test_FlagZero_ClearsRecycledObject(t *testing.T) {
	s := newStack(t, 64*mib)

	addr, err := s.alloc.Alloc(512, 0)
	require.NoError(t, err)
	b, err := s.pm.Bytes(addr, 512)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xFF
	}
	require.NoError(t, s.alloc.Free(addr))

	// The class recycles the hot slot, so the dirty bytes come back.
	again, err := s.alloc.Alloc(512, FlagZero)
	require.NoError(t, err)
	require.Equal(t, addr, again)
	b, err = s.pm.Bytes(again, 512)
	require.NoError(t, err)
	for i := range b {
		require.Zerof(t, b[i], "byte %d not cleared", i)
	}
}

func Test_Calloc_ChecksOverflow(t *testing.T) {
	s := newStack(t, 16*mib)

	_, err := s.alloc.Calloc(1<<33, 1<<33, 0)
	require.ErrorIs(t, err, ErrBadSize)
	_, err = s.alloc.Calloc(0, 8, 0)
	require.ErrorIs(t, err, ErrBadSize)

	addr, err := s.alloc.Calloc(16, 64, 0)
	require.NoError(t, err)
	b, err := s.pm.Bytes(addr, 16*64)
	require.NoError(t, err)
	for _, v := range b {
		require.Zero(t, v)
	}
	require.NoError(t, s.alloc.Free(addr))
}

func Test_Realloc_KeepsFittingBlockInPlace(t *testing.T) {
	s := newStack(t, 64*mib)

	addr, err := s.alloc.Alloc(200, 0) // 256-byte class
	require.NoError(t, err)

	same, err := s.alloc.Realloc(addr, 256, 0)
	require.NoError(t, err)
	require.Equal(t, addr, same)

	smaller, err := s.alloc.Realloc(addr, 10, 0)
	require.NoError(t, err)
	require.Equal(t, addr, smaller)
	require.Zero(t, s.alloc.Stats().ReallocMoves)
	require.NoError(t, s.alloc.Free(addr))
}

func Test_Realloc_MovesAndPreservesPayload(t *testing.T) {
	s := newStack(t, 64*mib)

	addr, err := s.alloc.Alloc(64, 0)
	require.NoError(t, err)
	b, err := s.pm.Bytes(addr, 64)
	require.NoError(t, err)
	for i := range b {
		b[i] = byte(i)
	}

	moved, err := s.alloc.Realloc(addr, 100*1024, 0)
	require.NoError(t, err)
	require.NotEqual(t, addr, moved)

	nb, err := s.pm.Bytes(moved, 64)
	require.NoError(t, err)
	for i := range nb {
		require.Equal(t, byte(i), nb[i])
	}
	require.Equal(t, 1, s.alloc.Stats().ReallocMoves)
	require.NoError(t, s.alloc.Free(moved))
}

func Test_Realloc_NilAllocatesAndZeroFrees(t *testing.T) {
	s := newStack(t, 16*mib)

	addr, err := s.alloc.Realloc(mem.NilAddr, 64, 0)
	require.NoError(t, err)
	require.NotEqual(t, mem.NilAddr, addr)

	gone, err := s.alloc.Realloc(addr, 0, 0)
	require.NoError(t, err)
	require.Equal(t, mem.NilAddr, gone)
	require.Zero(t, s.alloc.Stats().ActiveBytes)
}

func Test_Free_UnknownAddressIsIgnored(t *testing.T) {
	s := newStack(t, 16*mib)

	require.NoError(t, s.alloc.Free(0x123456))
	require.NoError(t, s.alloc.Free(mem.NilAddr))
	require.Equal(t, 1, s.alloc.Stats().BadFrees)
	require.ErrorIs(t, s.alloc.Validate(0x123456), ErrBadAddress)
}

func Test_TaggedCharges_ReachTheTable(t *testing.T) {
	s := newStack(t, 64*mib)
	inode := s.acct.Register("inode")

	addr, err := s.alloc.AllocTagged(100, 0, inode) // 128-byte class
	require.NoError(t, err)

	st, err := s.acct.StatsFor(inode)
	require.NoError(t, err)
	require.Equal(t, uint64(128), st.ActiveBytes)

	require.NoError(t, s.alloc.FreeTagged(addr, inode))
	st, err = s.acct.StatsFor(inode)
	require.NoError(t, err)
	require.Zero(t, st.ActiveBytes)
	require.Equal(t, uint64(128), st.PeakBytes)
}

func Test_LookupMigration_RunsOnTopOfTheLadder(t *testing.T) {
	s := newStack(t, 64*mib)

	// Populate slabs while the lookup table still sits on bootstrap
	// pages.
	var addrs []mem.PhysAddr
	for i := 0; i < 300; i++ {
		addr, err := s.alloc.Alloc(256, 0)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}

	lk := s.reg.Lookup()
	require.Equal(t, slab.StateBootstrap, lk.State())
	require.NoError(t, lk.Migrate(s.alloc))
	require.Equal(t, slab.StateDynamic, lk.State())

	// Every pre-migration object still resolves and frees cleanly.
	for _, addr := range addrs[:150] {
		require.NoError(t, s.alloc.Free(addr))
	}

	// Page-size objects put one lookup entry per object, so this drives
	// the table past its load factor and through at least one resize,
	// with the resize storage itself coming from the ladder.
	start := lk.Stats().Buckets
	for i := 0; i < 3500; i++ {
		addr, err := s.alloc.Alloc(4096, 0)
		require.NoError(t, err)
		addrs = append(addrs, addr)
	}
	require.Greater(t, lk.Stats().Buckets, start)

	for _, addr := range addrs[150:] {
		require.NoError(t, s.alloc.Free(addr))
	}
	require.Zero(t, s.alloc.Stats().BadFrees)
	require.NoError(t, s.frames.CheckIntegrity())
}
