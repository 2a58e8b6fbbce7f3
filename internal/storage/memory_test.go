package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTrip(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	_, ok, err := m.Get(ctx, KeyActiveRoute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, KeyActiveRoute, []byte(`{"id":"r1"}`)))
	v, ok, err := m.Get(ctx, KeyActiveRoute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `{"id":"r1"}`, string(v))
	assert.Equal(t, 1, m.Len())

	require.NoError(t, m.Remove(ctx, KeyActiveRoute))
	_, ok, err = m.Get(ctx, KeyActiveRoute)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, m.Len())
}

func TestMemoryCopiesValues(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	original := []byte("abc")
	require.NoError(t, m.Set(ctx, KeyLastSave, original))
	original[0] = 'x'

	v, ok, err := m.Get(ctx, KeyLastSave)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "abc", string(v))

	// mutating a read result never leaks back into the store
	v[0] = 'z'
	v2, _, _ := m.Get(ctx, KeyLastSave)
	assert.Equal(t, "abc", string(v2))
}
