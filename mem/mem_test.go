package mem

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_PhysAddr_PageArithmetic(t *testing.T) {
	require.Equal(t, PhysAddr(0x3000), PhysAddr(0x3abc).PageAlign())
	require.Equal(t, PhysAddr(0x3000), PhysAddr(0x3000).PageAlign())
	require.Equal(t, uint64(3), PhysAddr(0x3abc).Frame())
}

func Test_Region_ContainsEdges(t *testing.T) {
	r := Region{Base: 0x100000, Size: 0x2000}
	require.Equal(t, PhysAddr(0x102000), r.End())
	require.True(t, r.Contains(0x100000))
	require.True(t, r.Contains(0x101fff))
	require.False(t, r.Contains(0x102000))
	require.False(t, r.Contains(0xfffff))
}

func Test_NewPhysMem_RejectsBadGeometry(t *testing.T) {
	for _, tc := range []struct {
		name string
		base PhysAddr
		size uint64
	}{
		{"nil base", NilAddr, 0x1000},
		{"unaligned base", 0x100010, 0x1000},
		{"zero size", 0x100000, 0},
		{"unaligned size", 0x100000, 0x1234},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewPhysMem(tc.base, tc.size)
			require.ErrorIs(t, err, ErrBadRegion)
		})
	}
}

func Test_PhysMem_BytesBoundsChecked(t *testing.T) {
	pm, err := NewPhysMem(0x100000, 0x4000)
	require.NoError(t, err)
	defer pm.Close()

	b, err := pm.Bytes(0x100000, 0x4000)
	require.NoError(t, err)
	require.Len(t, b, 0x4000)

	_, err = pm.Bytes(0xff000, 16)
	require.ErrorIs(t, err, ErrOutOfRange)
	_, err = pm.Bytes(0x103ff8, 16)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func Test_PhysMem_WritesAreVisibleByAddress(t *testing.T) {
	pm, err := NewPhysMem(0x100000, 0x2000)
	require.NoError(t, err)
	defer pm.Close()

	w, err := pm.Bytes(0x101000, 8)
	require.NoError(t, err)
	copy(w, "bootinfo")

	r, err := pm.Bytes(0x101004, 4)
	require.NoError(t, err)
	require.Equal(t, []byte("info"), []byte(r))
}

func Test_Memclr_ZeroesExactRange(t *testing.T) {
	pm, err := NewPhysMem(0x100000, 0x2000)
	require.NoError(t, err)
	defer pm.Close()

	b, err := pm.Bytes(0x100000, 0x2000)
	require.NoError(t, err)
	for i := range b {
		b[i] = 0xAB
	}
	require.NoError(t, Memclr(pm, 0x100800, 0x100))
	for i, v := range b {
		if i >= 0x800 && i < 0x900 {
			require.Zerof(t, v, "byte %#x not cleared", i)
		} else {
			require.Equalf(t, byte(0xAB), v, "byte %#x clobbered", i)
		}
	}
}
