package memwatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegionTable_RegisterAssignsMonotonicIDs(t *testing.T) {
	tbl := newRegionTable()
	r1, err := tbl.register(0x1000, 16, 1, "a", nil, SnapshotAuto)
	require.NoError(t, err)
	r2, err := tbl.register(0x2000, 16, 1, "b", nil, SnapshotAuto)
	require.NoError(t, err)

	require.Equal(t, RegionID(1), r1.ID)
	require.Equal(t, RegionID(2), r2.ID)
}

func TestRegionTable_RejectsZeroSize(t *testing.T) {
	tbl := newRegionTable()
	_, err := tbl.register(0x1000, 0, 1, "a", nil, SnapshotAuto)
	require.Error(t, err)
	require.Equal(t, PreconditionFail, CodeOf(err))
}

func TestRegionTable_RejectsOverlapWithinSameAdapter(t *testing.T) {
	tbl := newRegionTable()
	_, err := tbl.register(0x1000, 64, 1, "a", nil, SnapshotAuto)
	require.NoError(t, err)

	_, err = tbl.register(0x1020, 64, 1, "b", nil, SnapshotAuto)
	require.Error(t, err)
	require.Equal(t, PreconditionFail, CodeOf(err))
}

func TestRegionTable_AllowsOverlapAcrossDifferentAdapters(t *testing.T) {
	tbl := newRegionTable()
	_, err := tbl.register(0x1000, 64, 1, "a", nil, SnapshotAuto)
	require.NoError(t, err)

	_, err = tbl.register(0x1020, 64, 2, "b", nil, SnapshotAuto)
	require.NoError(t, err)
}

func TestRegionTable_UnregisterRemovesFromAdapterIndex(t *testing.T) {
	tbl := newRegionTable()
	r, err := tbl.register(0x1000, 64, 1, "a", nil, SnapshotAuto)
	require.NoError(t, err)

	removed, ok := tbl.unregister(r.ID)
	require.True(t, ok)
	require.Equal(t, r, removed)

	_, ok = tbl.lookup(r.ID)
	require.False(t, ok)

	_, err = tbl.register(0x1000, 64, 1, "c", nil, SnapshotAuto)
	require.NoError(t, err, "the freed range must no longer be considered overlapping")
}

func TestRegionTable_UnregisterUnknownIDReturnsFalse(t *testing.T) {
	tbl := newRegionTable()
	_, ok := tbl.unregister(999)
	require.False(t, ok)
}

func TestRegionTable_IterateAndCount(t *testing.T) {
	tbl := newRegionTable()
	tbl.register(0x1000, 16, 1, "a", nil, SnapshotAuto)
	tbl.register(0x2000, 16, 2, "b", nil, SnapshotAuto)

	require.Equal(t, 2, tbl.count())
	require.Len(t, tbl.iterate(), 2)
}

func TestRegionTable_UnregisterAllClearsEverything(t *testing.T) {
	tbl := newRegionTable()
	tbl.register(0x1000, 16, 1, "a", nil, SnapshotAuto)
	tbl.register(0x2000, 16, 2, "b", nil, SnapshotAuto)

	removed := tbl.unregisterAll()
	require.Len(t, removed, 2)
	require.Equal(t, 0, tbl.count())
}
