package nameservice

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
)

func TestLinkLookupUnlink(t *testing.T) {
	svc := NewService()

	require.NoError(t, svc.Link("foo", domain.NodeId(1)))

	node, err := svc.Lookup("foo")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeId(1), node)

	require.NoError(t, svc.Unlink("foo"))

	_, err = svc.Lookup("foo")
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}

func TestLinkDuplicateIsAlreadyExists(t *testing.T) {
	svc := NewService()
	require.NoError(t, svc.Link("bar", domain.NodeId(2)))

	err := svc.Link("bar", domain.NodeId(3))
	require.Error(t, err)
	assert.Equal(t, domain.ErrAlreadyExists, domain.KindOf(err))
}

func TestUnlinkUnknownIsNotFound(t *testing.T) {
	svc := NewService()
	err := svc.Unlink("absent")
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}

func TestNameTooLong(t *testing.T) {
	svc := NewService()
	long := strings.Repeat("a", NameMax+1)
	err := svc.Link(long, domain.NodeId(1))
	require.Error(t, err)
	assert.Equal(t, domain.ErrNameTooLong, domain.KindOf(err))
}

func TestSnapshotReflectsBindings(t *testing.T) {
	svc := NewService()
	require.NoError(t, svc.Link("a", domain.NodeId(1)))
	require.NoError(t, svc.Link("b", domain.NodeId(2)))

	snap := svc.Snapshot()
	assert.Equal(t, domain.NodeId(1), snap["a"])
	assert.Equal(t, domain.NodeId(2), snap["b"])
	assert.Len(t, snap, 2)
}

func TestWaitAliveBlocksUntilMarked(t *testing.T) {
	svc := NewService()
	done := make(chan struct{})
	go func() {
		svc.WaitAlive()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitAlive returned before MarkAlive")
	case <-time.After(20 * time.Millisecond):
	}

	svc.MarkAlive()
	svc.MarkAlive() // idempotent

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitAlive did not return after MarkAlive")
	}
}
