package patchrack

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionRegistryIdsAreMonotonic(t *testing.T) {
	r := NewConnectionRegistry()
	c1 := r.Add(GroupAudioIn, 1, GroupCarla, PortId(RackPortAudioIn1))
	c2 := r.Add(GroupAudioIn, 2, GroupCarla, PortId(RackPortAudioIn2))
	assert.Equal(t, ConnectionId(1), c1.Id)
	assert.Equal(t, ConnectionId(2), c2.Id)
	assert.Equal(t, ConnectionId(2), r.LastId())
}

func TestConnectionRegistryClearPreservesLastId(t *testing.T) {
	r := NewConnectionRegistry()
	r.Add(GroupAudioIn, 1, GroupCarla, PortId(RackPortAudioIn1))
	r.Add(GroupAudioIn, 2, GroupCarla, PortId(RackPortAudioIn2))
	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Equal(t, ConnectionId(2), r.LastId(), "lastId must survive Clear (§3 invariant 4)")

	c3 := r.Add(GroupAudioIn, 3, GroupCarla, PortId(RackPortAudioIn1))
	assert.Equal(t, ConnectionId(3), c3.Id, "ids never get reused after a clear")
}

func TestConnectionRegistryFindAndRemoveIf(t *testing.T) {
	r := NewConnectionRegistry()
	c1 := r.Add(GroupAudioIn, 1, GroupCarla, PortId(RackPortAudioIn1))
	c2 := r.Add(GroupAudioIn, 2, GroupCarla, PortId(RackPortAudioIn2))

	found, ok := r.Find(c1.Id)
	require.True(t, ok)
	assert.Equal(t, c1, found)

	removed := r.RemoveIf(func(c Connection) bool { return c.Id == c1.Id })
	require.Len(t, removed, 1)
	assert.Equal(t, c1.Id, removed[0].Id)
	assert.Equal(t, 1, r.Len())

	_, ok = r.Find(c1.Id)
	assert.False(t, ok)
	_, ok = r.Find(c2.Id)
	assert.True(t, ok)
}
