package memwatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAdapterRegistry_RegisterIsIdempotentByName(t *testing.T) {
	reg := newAdapterRegistry()
	id1, err := reg.register("python")
	require.NoError(t, err)
	id2, err := reg.register("python")
	require.NoError(t, err)
	require.Equal(t, id1, id2)
}

func TestAdapterRegistry_DistinctNamesGetDistinctIDs(t *testing.T) {
	reg := newAdapterRegistry()
	id1, err := reg.register("python")
	require.NoError(t, err)
	id2, err := reg.register("node")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestAdapterRegistry_NameLooksUpRegisteredAdapter(t *testing.T) {
	reg := newAdapterRegistry()
	id, err := reg.register("python")
	require.NoError(t, err)

	name, ok := reg.name(id)
	require.True(t, ok)
	require.Equal(t, "python", name)
}

func TestAdapterRegistry_UnregisterIsIdempotent(t *testing.T) {
	reg := newAdapterRegistry()
	id, err := reg.register("python")
	require.NoError(t, err)

	reg.unregister(id)
	reg.unregister(id)

	_, ok := reg.name(id)
	require.False(t, ok)
}

func TestAdapterRegistry_UnregisterUnknownIDIsNoop(t *testing.T) {
	reg := newAdapterRegistry()
	reg.unregister(999)
}

func TestAdapterRegistry_ReregisteringAfterUnregisterGetsFreshID(t *testing.T) {
	reg := newAdapterRegistry()
	id1, err := reg.register("python")
	require.NoError(t, err)
	reg.unregister(id1)

	id2, err := reg.register("python")
	require.NoError(t, err)
	require.NotEqual(t, id1, id2)
}

func TestAdapterRegistry_RejectsBeyondCapacity(t *testing.T) {
	reg := newAdapterRegistry()
	for i := 0; i < maxAdapters; i++ {
		_, err := reg.register(string(rune('a')) + string(rune(i)))
		require.NoError(t, err)
	}
	_, err := reg.register("one-too-many")
	require.Error(t, err)
	require.Equal(t, ResourceExhausted, CodeOf(err))
}
