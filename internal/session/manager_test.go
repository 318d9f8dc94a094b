package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_Lifecycle(t *testing.T) {
	m := NewManager(nil)

	a := m.Create("page-a", nil)
	b := m.Create("page-b", nil)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, "page-a", string(a.Target))

	got, ok := m.Get(a.ID)
	require.True(t, ok)
	assert.Same(t, a, got)

	list := m.List()
	require.Len(t, list, 2)
	assert.Same(t, a, list[0])

	removed, ok := m.Delete(a.ID)
	require.True(t, ok)
	assert.Same(t, a, removed)
	_, ok = m.Delete(a.ID)
	assert.False(t, ok)

	_, ok = m.Get(a.ID)
	assert.False(t, ok)
	assert.Len(t, m.List(), 1)
}
