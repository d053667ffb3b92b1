package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/sysio"
)

func newServer(t *testing.T) *Server {
	t.Helper()
	store, err := sysio.NewStore(sysio.MemBackend, "/shm")
	require.NoError(t, err)
	return NewServer(store)
}

func TestCreateOpenTruncateMapLifecycle(t *testing.T) {
	s := newServer(t)
	node0 := domain.NodeId(0)
	node1 := domain.NodeId(1)

	_, err := s.CreateExcl(node0, "r", true, 0o600)
	require.NoError(t, err)

	_, err = s.CreateExcl(node0, "r", true, 0o600)
	require.Error(t, err)
	assert.Equal(t, domain.ErrAlreadyExists, domain.KindOf(err))

	id, err := s.Open(node0, "r", true, false)
	require.NoError(t, err)
	assert.EqualValues(t, node0, id)

	require.NoError(t, s.Truncate(node0, "r", 4096))

	size, err := s.Map(node0, "r", 0, 4096, true, true)
	require.NoError(t, err)
	assert.EqualValues(t, 4096, size)

	_, err = s.Open(node1, "r", false, false)
	require.NoError(t, err)

	size2, err := s.Map(node1, "r", 0, 4096, false, true)
	require.NoError(t, err)
	assert.Equal(t, size, size2)
}

func TestTruncateRejectsWhileMapped(t *testing.T) {
	s := newServer(t)
	node0 := domain.NodeId(0)

	_, err := s.CreateExcl(node0, "r", true, 0o600)
	require.NoError(t, err)
	require.NoError(t, s.Truncate(node0, "r", 4096))
	_, err = s.Map(node0, "r", 0, 4096, true, true)
	require.NoError(t, err)

	err = s.Truncate(node0, "r", 8192)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalid, domain.KindOf(err))
}

func TestMapOffsetLengthBound(t *testing.T) {
	s := newServer(t)
	node0 := domain.NodeId(0)
	_, err := s.CreateExcl(node0, "r", true, 0o600)
	require.NoError(t, err)
	require.NoError(t, s.Truncate(node0, "r", 1024))

	_, err = s.Map(node0, "r", 512, 1024, true, true)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalid, domain.KindOf(err))
}

func TestUnlinkDeferredUntilLastClose(t *testing.T) {
	s := newServer(t)
	node0, node1 := domain.NodeId(0), domain.NodeId(1)

	_, err := s.CreateExcl(node0, "r", true, 0o600)
	require.NoError(t, err)
	_, err = s.Open(node1, "r", false, false)
	require.NoError(t, err)

	require.NoError(t, s.Unlink(node0, "r"))

	// still open by node1: further opens still work
	_, err = s.Open(node1, "r", false, false)
	require.NoError(t, err)

	require.NoError(t, s.Close(node1, "r"))
	require.NoError(t, s.Close(node0, "r"))

	_, err = s.Open(node0, "r", false, false)
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}

func TestUnlinkOnlyByOwner(t *testing.T) {
	s := newServer(t)
	node0, node1 := domain.NodeId(0), domain.NodeId(1)
	_, err := s.CreateExcl(node0, "r", true, 0o600)
	require.NoError(t, err)

	err = s.Unlink(node1, "r")
	require.Error(t, err)
	assert.Equal(t, domain.ErrPermissionDenied, domain.KindOf(err))
}
