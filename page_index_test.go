package memwatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeArmer struct {
	mu      sync.Mutex
	armed   map[uintptr]int
	disarms map[uintptr]int
	failArm map[uintptr]bool
}

func newFakeArmer() *fakeArmer {
	return &fakeArmer{
		armed:   make(map[uintptr]int),
		disarms: make(map[uintptr]int),
		failArm: make(map[uintptr]bool),
	}
}

func (a *fakeArmer) ArmPage(base uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failArm[base] {
		return errForeignProtect
	}
	a.armed[base]++
	return nil
}

func (a *fakeArmer) DisarmPage(base uintptr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.disarms[base]++
	return nil
}

const testPageSize = 4096

func TestPageIndex_AttachRegionArmsEachNewPageOnce(t *testing.T) {
	armer := newFakeArmer()
	idx := newPageIndex(testPageSize, armer)

	r := &Region{ID: 1, Addr: 0, Size: testPageSize * 2}
	require.NoError(t, idx.attachRegion(r))

	require.Equal(t, 1, armer.armed[0])
	require.Equal(t, 1, armer.armed[testPageSize])
	require.Equal(t, 2, idx.pageCount())
}

func TestPageIndex_AttachSecondRegionOnSamePageDoesNotRearm(t *testing.T) {
	armer := newFakeArmer()
	idx := newPageIndex(testPageSize, armer)

	r1 := &Region{ID: 1, Addr: 0, Size: 16}
	r2 := &Region{ID: 2, Addr: 32, Size: 16}
	require.NoError(t, idx.attachRegion(r1))
	require.NoError(t, idx.attachRegion(r2))

	require.Equal(t, 1, armer.armed[0])
	require.ElementsMatch(t, []RegionID{1, 2}, idx.find(0))
}

func TestPageIndex_DetachRegionDisarmsOnlyWhenPageEmpty(t *testing.T) {
	armer := newFakeArmer()
	idx := newPageIndex(testPageSize, armer)

	r1 := &Region{ID: 1, Addr: 0, Size: 16}
	r2 := &Region{ID: 2, Addr: 32, Size: 16}
	require.NoError(t, idx.attachRegion(r1))
	require.NoError(t, idx.attachRegion(r2))

	idx.detachRegion(r1)
	require.Equal(t, 0, armer.disarms[0], "page still has r2, must not disarm yet")
	require.Equal(t, []RegionID{2}, idx.find(0))

	idx.detachRegion(r2)
	require.Equal(t, 1, armer.disarms[0])
	require.Nil(t, idx.find(0))
}

func TestPageIndex_AttachRegionRollsBackOnArmFailure(t *testing.T) {
	armer := newFakeArmer()
	armer.failArm[testPageSize] = true
	idx := newPageIndex(testPageSize, armer)

	r := &Region{ID: 1, Addr: 0, Size: testPageSize * 2}
	err := idx.attachRegion(r)
	require.Error(t, err)
	require.Equal(t, PlatformFail, CodeOf(err))

	// The first page must have been rolled back too.
	require.Nil(t, idx.find(0))
	require.Nil(t, idx.find(testPageSize))
	require.Equal(t, 0, idx.pageCount())
}

func TestPageIndex_AlreadyTracks(t *testing.T) {
	armer := newFakeArmer()
	idx := newPageIndex(testPageSize, armer)
	require.False(t, idx.alreadyTracks(0))

	r := &Region{ID: 1, Addr: 0, Size: 16}
	require.NoError(t, idx.attachRegion(r))
	require.True(t, idx.alreadyTracks(0))
}

func TestPageIndex_PagesReturnsSnapshot(t *testing.T) {
	armer := newFakeArmer()
	idx := newPageIndex(testPageSize, armer)
	r := &Region{ID: 1, Addr: 0, Size: testPageSize * 3}
	require.NoError(t, idx.attachRegion(r))

	pages := idx.Pages()
	require.ElementsMatch(t, []uintptr{0, testPageSize, testPageSize * 2}, pages)
}

func TestPageIndex_RearmDelegatesToArmer(t *testing.T) {
	armer := newFakeArmer()
	idx := newPageIndex(testPageSize, armer)
	require.NoError(t, idx.rearm(testPageSize))
	require.Equal(t, 1, armer.armed[testPageSize])
}
