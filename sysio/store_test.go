package sysio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreCreateReadWriteMem(t *testing.T) {
	s, err := NewStore(MemBackend, "/regions")
	require.NoError(t, err)

	require.NoError(t, s.Create("r1", 4096))

	size, err := s.Size("r1")
	require.NoError(t, err)
	assert.EqualValues(t, 4096, size)

	payload := []byte("hello")
	n, err := s.WriteAt("r1", payload, 10)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	buf := make([]byte, len(payload))
	n, err = s.ReadAt("r1", buf, 10)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)

	require.NoError(t, s.Remove("r1"))
	_, err = s.Size("r1")
	require.Error(t, err)
}

func TestStoreTruncateGrowsAndShrinks(t *testing.T) {
	s, err := NewStore(MemBackend, "/regions")
	require.NoError(t, err)

	require.NoError(t, s.Create("r1", 1024))
	require.NoError(t, s.Truncate("r1", 2048))

	size, err := s.Size("r1")
	require.NoError(t, err)
	assert.EqualValues(t, 2048, size)
}

func TestOsPathOnlyForOsBackend(t *testing.T) {
	mem, err := NewStore(MemBackend, "/regions")
	require.NoError(t, err)
	_, ok := mem.OsPath("r1")
	assert.False(t, ok)

	dir := t.TempDir()
	osStore, err := NewStore(OsBackend, dir)
	require.NoError(t, err)
	require.NoError(t, osStore.Create("r1", 64))
	p, ok := osStore.OsPath("r1")
	assert.True(t, ok)
	assert.NotEmpty(t, p)
}
