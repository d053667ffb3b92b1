package mqueue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
)

func TestSendReceivePriorityOrder(t *testing.T) {
	s := NewServer()
	node0 := domain.NodeId(0)
	require.NoError(t, s.CreateExcl(node0, "q", 0o600))

	require.NoError(t, s.Send(node0, "q", 1, []byte("low")))
	require.NoError(t, s.Send(node0, "q", 5, []byte("high")))
	require.NoError(t, s.Send(node0, "q", 5, []byte("high-second")))

	msg, prio, err := s.Receive(node0, "q")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), prio)
	assert.Equal(t, "high", string(msg))

	msg, prio, err = s.Receive(node0, "q")
	require.NoError(t, err)
	assert.Equal(t, uint32(5), prio)
	assert.Equal(t, "high-second", string(msg))

	msg, prio, err = s.Receive(node0, "q")
	require.NoError(t, err)
	assert.Equal(t, uint32(1), prio)
	assert.Equal(t, "low", string(msg))
}

func TestReceiveOnEmptyReturnsAgain(t *testing.T) {
	s := NewServer()
	node0 := domain.NodeId(0)
	require.NoError(t, s.CreateExcl(node0, "q", 0o600))

	_, _, err := s.Receive(node0, "q")
	require.Error(t, err)
	assert.Equal(t, domain.ErrAgain, domain.KindOf(err))
}

func TestSendOnFullReturnsAgain(t *testing.T) {
	s := NewServer()
	node0 := domain.NodeId(0)
	require.NoError(t, s.CreateExcl(node0, "q", 0o600))

	for i := 0; i < MessageMax; i++ {
		require.NoError(t, s.Send(node0, "q", 0, []byte("x")))
	}
	err := s.Send(node0, "q", 0, []byte("overflow"))
	require.Error(t, err)
	assert.Equal(t, domain.ErrAgain, domain.KindOf(err))
}

func TestUnlinkDeferredUntilLastClose(t *testing.T) {
	s := NewServer()
	node0, node1 := domain.NodeId(0), domain.NodeId(1)
	require.NoError(t, s.CreateExcl(node0, "q", 0o600))
	require.NoError(t, s.Open(node1, "q"))

	require.NoError(t, s.Unlink(node0, "q"))
	require.NoError(t, s.Close(node1, "q"))
	require.NoError(t, s.Close(node0, "q"))

	err := s.Open(node0, "q")
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}
