package sync

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc"
)

func pickPortTriple(t *testing.T) string {
	t.Helper()
	for {
		l0, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port0 := l0.Addr().(*net.TCPAddr).Port
		l0.Close()

		ok := true
		for _, off := range []int{1, 2} {
			l, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port0+off)))
			if err != nil {
				ok = false
				break
			}
			l.Close()
		}
		if !ok {
			continue
		}
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(port0))
	}
}

func newFabric(t *testing.T, n int) (*noc.Fabric, []domain.NodeId) {
	t.Helper()
	infos := make([]domain.NodeInfo, n)
	ids := make([]domain.NodeId, n)
	for i := 0; i < n; i++ {
		ids[i] = domain.NodeId(i)
		infos[i] = domain.NodeInfo{ID: ids[i], Addr: pickPortTriple(t)}
	}
	topo, err := domain.NewTopology(infos)
	require.NoError(t, err)
	return noc.NewFabric(topo), ids
}

func TestOneToAllBroadcast(t *testing.T) {
	fabric, ids := newFabric(t, 3)
	root, leafA, leafB := ids[0], ids[1], ids[2]
	group := []domain.NodeId{root, leafA, leafB}

	tblRoot := NewTable(root, fabric, 4)
	tblA := NewTable(leafA, fabric, 4)
	tblB := NewTable(leafB, fabric, 4)

	inA, err := tblA.Create(group, OneToAll)
	require.NoError(t, err)
	inB, err := tblB.Create(group, OneToAll)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	out, err := tblRoot.Open(group, OneToAll)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, tblRoot.Signal(out))

	done := make(chan error, 2)
	go func() { done <- tblA.Wait(inA) }()
	go func() { done <- tblB.Wait(inB) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("wait did not return")
		}
	}
}

func TestAllToOneGather(t *testing.T) {
	fabric, ids := newFabric(t, 3)
	root, leafA, leafB := ids[0], ids[1], ids[2]
	group := []domain.NodeId{root, leafA, leafB}

	tblRoot := NewTable(root, fabric, 4)
	tblA := NewTable(leafA, fabric, 4)
	tblB := NewTable(leafB, fabric, 4)

	in, err := tblRoot.Create(group, AllToOne)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	outA, err := tblA.Open(group, AllToOne)
	require.NoError(t, err)
	outB, err := tblB.Open(group, AllToOne)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	waitDone := make(chan error, 1)
	go func() { waitDone <- tblRoot.Wait(in) }()

	require.NoError(t, tblA.Signal(outA))
	require.NoError(t, tblB.Signal(outB))

	select {
	case err := <-waitDone:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("gather wait did not return")
	}
}

func TestValidationRejectsWrongSide(t *testing.T) {
	fabric, ids := newFabric(t, 3)
	root, leafA, leafB := ids[0], ids[1], ids[2]
	group := []domain.NodeId{root, leafA, leafB}

	tblRoot := NewTable(root, fabric, 4)

	// root may not Create a OneToAll sync point: it must Open it.
	_, err := tblRoot.Create(group, OneToAll)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalid, domain.KindOf(err))

	tblA := NewTable(leafA, fabric, 4)
	// a leaf may not Create an AllToOne sync point: the root creates it.
	_, err = tblA.Create(group, AllToOne)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalid, domain.KindOf(err))

	_ = leafB
}

func TestValidationRejectsNodeCount(t *testing.T) {
	fabric, ids := newFabric(t, 1)
	tbl := NewTable(ids[0], fabric, 4)
	_, err := tbl.Create([]domain.NodeId{ids[0]}, OneToAll)
	require.Error(t, err)
	assert.Equal(t, domain.ErrInvalid, domain.KindOf(err))
}
