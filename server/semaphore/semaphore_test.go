package semaphore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
)

func TestWaitPostReleasesBothWaiters(t *testing.T) {
	s := NewServer()
	node0, node1 := domain.NodeId(0), domain.NodeId(1)

	require.NoError(t, s.CreateExcl(node0, "sem", 1, 0o600))
	require.NoError(t, s.Open(node1, "sem"))

	done := make(chan struct{}, 2)
	for _, n := range []domain.NodeId{node0, node1} {
		n := n
		go func() {
			require.NoError(t, s.Wait(n, "sem"))
			require.NoError(t, s.Post(n, "sem"))
			done <- struct{}{}
		}()
	}

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("wait/post did not complete")
		}
	}

	v, err := s.Value("sem")
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	qlen, err := s.QueueLen("sem")
	require.NoError(t, err)
	assert.Zero(t, qlen)
}

func TestWaiterBlocksUntilPost(t *testing.T) {
	s := NewServer()
	node0, node1 := domain.NodeId(0), domain.NodeId(1)
	require.NoError(t, s.CreateExcl(node0, "sem", 0, 0o600))
	require.NoError(t, s.Open(node1, "sem"))

	waitReturned := make(chan struct{})
	go func() {
		require.NoError(t, s.Wait(node1, "sem"))
		close(waitReturned)
	}()

	// give the waiter time to block and enqueue
	time.Sleep(50 * time.Millisecond)

	select {
	case <-waitReturned:
		t.Fatal("wait returned before a matching post")
	default:
	}

	qlen, err := s.QueueLen("sem")
	require.NoError(t, err)
	assert.Equal(t, 1, qlen)

	require.NoError(t, s.Post(node0, "sem"))

	select {
	case <-waitReturned:
	case <-time.After(time.Second):
		t.Fatal("wait did not return after post")
	}
}

func TestUnlinkWakesQueuedWaiters(t *testing.T) {
	s := NewServer()
	node0, node1 := domain.NodeId(0), domain.NodeId(1)
	require.NoError(t, s.CreateExcl(node0, "sem", 0, 0o600))
	require.NoError(t, s.Open(node1, "sem"))

	waitReturned := make(chan struct{})
	go func() {
		_ = s.Wait(node1, "sem")
		close(waitReturned)
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, s.Unlink(node0, "sem"))

	select {
	case <-waitReturned:
	case <-time.After(time.Second):
		t.Fatal("unlink did not wake queued waiter")
	}
}

func TestUnlinkRequiresOwner(t *testing.T) {
	s := NewServer()
	node0, node1 := domain.NodeId(0), domain.NodeId(1)
	require.NoError(t, s.CreateExcl(node0, "sem", 1, 0o600))

	err := s.Unlink(node1, "sem")
	require.Error(t, err)
	assert.Equal(t, domain.ErrPermissionDenied, domain.KindOf(err))
}
