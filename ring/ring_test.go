package ring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_PushDrainOrder(t *testing.T) {
	r := NewRing(4)
	for i := 0; i < 4; i++ {
		ok := r.Push(Event{Seq: r.NextSeq(), PageBase: uintptr(i)})
		require.True(t, ok)
	}

	out := r.Drain(nil, 10)
	require.Len(t, out, 4)
	for i, ev := range out {
		assert.Equal(t, uint64(i), ev.Seq)
		assert.Equal(t, uintptr(i), ev.PageBase)
	}
	assert.Equal(t, 0, r.Len())
}

func TestRing_RoundsCapacityToPowerOfTwo(t *testing.T) {
	r := NewRing(5)
	assert.Equal(t, 8, len(r.buf))
}

func TestRing_FullRingDropsAndCounts(t *testing.T) {
	r := NewRing(2)
	require.True(t, r.Push(Event{Seq: 0}))
	require.True(t, r.Push(Event{Seq: 1}))
	assert.False(t, r.Push(Event{Seq: 2}))
	assert.Equal(t, uint64(1), r.Drops())

	out := r.Drain(nil, 10)
	require.Len(t, out, 2)

	// After draining, new pushes succeed again; the drop counter never
	// resets and the earlier events are unaffected (ring-drop safety).
	require.True(t, r.Push(Event{Seq: 3}))
	assert.Equal(t, uint64(1), r.Drops())
}

func TestRing_PartialDrainLeavesRemainder(t *testing.T) {
	r := NewRing(8)
	for i := 0; i < 5; i++ {
		require.True(t, r.Push(Event{Seq: uint64(i)}))
	}
	first := r.Drain(nil, 3)
	require.Len(t, first, 3)
	assert.Equal(t, 2, r.Len())

	rest := r.Drain(nil, 10)
	require.Len(t, rest, 2)
	assert.Equal(t, uint64(3), rest[0].Seq)
}
