package mlxdispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joeycumines/go-mlxdispatch/internal/wire"
)

func TestArenaPutGetDelete(t *testing.T) {
	a := newHandleArena()
	h := &ModelHandle{ModelID: "m1", State: HandleReady}
	a.put(h)

	got, ok := a.get("m1")
	require.True(t, ok)
	assert.Equal(t, "m1", got.ModelID)

	a.delete("m1")
	_, ok = a.get("m1")
	assert.False(t, ok)
}

func TestArenaTouchUpdatesAccessBookkeeping(t *testing.T) {
	a := newHandleArena()
	a.put(&ModelHandle{ModelID: "m1", State: HandleReady})

	a.touch("m1")
	a.touch("m1")

	h, ok := a.get("m1")
	require.True(t, ok)
	assert.EqualValues(t, 2, h.AccessCount)
	assert.False(t, h.LastAccess.IsZero())
}

func TestArenaTouchUnknownModelIsNoop(t *testing.T) {
	a := newHandleArena()
	assert.NotPanics(t, func() { a.touch("missing") })
}

func TestArenaListReturnsAllHandles(t *testing.T) {
	a := newHandleArena()
	a.put(&ModelHandle{ModelID: "m1", State: HandleReady})
	a.put(&ModelHandle{ModelID: "m2", State: HandleLoading})

	list := a.list()
	assert.Len(t, list, 2)
}

func TestArenaReadyModelIDsFiltersByState(t *testing.T) {
	a := newHandleArena()
	a.put(&ModelHandle{ModelID: "m1", State: HandleReady})
	a.put(&ModelHandle{ModelID: "m2", State: HandleLoading})
	a.put(&ModelHandle{ModelID: "m3", State: HandleReady})

	ready := a.readyModelIDs()
	assert.ElementsMatch(t, []string{"m1", "m3"}, ready)
}

func TestArenaInvalidateAllClearsReadyHandlesAndArena(t *testing.T) {
	a := newHandleArena()
	a.put(&ModelHandle{ModelID: "m1", State: HandleReady})
	a.put(&ModelHandle{ModelID: "m2", State: HandleFailed})

	invalidated := a.invalidateAll()
	assert.ElementsMatch(t, []string{"m1"}, invalidated)
	assert.Empty(t, a.list())
}

func TestDescriptorFromWireCopiesFields(t *testing.T) {
	d := descriptorFromWire(wire.Descriptor{
		ID: "m1", Source: "local", Modality: "text", Family: "llama", ContextLength: 4096,
	})
	assert.Equal(t, Descriptor{
		ID: "m1", Source: "local", Modality: "text", Family: "llama", ContextLength: 4096,
	}, d)
}
