package semaphore

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc"
	"github.com/nanvix/multikernel/noc/mailbox"
	"github.com/nanvix/multikernel/wire"
)

func pickPortPair(t *testing.T) string {
	t.Helper()
	for {
		l1, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		port1 := l1.Addr().(*net.TCPAddr).Port
		l1.Close()

		l2, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port1+1)))
		if err != nil {
			continue
		}
		l2.Close()
		return net.JoinHostPort("127.0.0.1", strconv.Itoa(port1))
	}
}

func newFabric(t *testing.T, n int) (*noc.Fabric, []domain.NodeId) {
	t.Helper()
	infos := make([]domain.NodeInfo, n)
	ids := make([]domain.NodeId, n)
	for i := 0; i < n; i++ {
		ids[i] = domain.NodeId(i)
		infos[i] = domain.NodeInfo{ID: ids[i], Addr: pickPortPair(t)}
	}
	topo, err := domain.NewTopology(infos)
	require.NoError(t, err)
	return noc.NewFabric(topo), ids
}

type testNode struct {
	mbox   *mailbox.Table
	input  domain.EndpointId
	self   domain.NodeId
	server domain.NodeId
}

func (n *testNode) roundTrip(t *testing.T, req []byte) []byte {
	t.Helper()
	id, err := n.mbox.Open(n.server)
	require.NoError(t, err)
	defer n.mbox.Close(id)
	_, err = n.mbox.Write(id, req)
	require.NoError(t, err)

	reply := make([]byte, 128)
	nr, err := n.mbox.Read(n.input, reply)
	require.NoError(t, err)
	return reply[:nr]
}

func statusOf(t *testing.T, reply []byte) int32 {
	t.Helper()
	r := wire.NewReader(reply)
	r.Opcode()
	return r.I32()
}

// TestWaitOverMailboxBlocksUntilPost drives the deferred-reply
// discipline through ServeMailbox itself, not just Server.Wait: a
// client's OpWait request gets no reply until another client's OpPost
// wakes the dispatched goroutine.
func TestWaitOverMailboxBlocksUntilPost(t *testing.T) {
	fabric, ids := newFabric(t, 3)
	serverNode, waiterNode, posterNode := ids[0], ids[1], ids[2]

	srv := NewServer()
	serverMbox := mailbox.NewTable(serverNode, fabric, noc.MaxSyncNodes)
	serverInput, err := serverMbox.Create(serverNode)
	require.NoError(t, err)
	go ServeMailbox(srv, serverMbox, serverInput)

	waiterMbox := mailbox.NewTable(waiterNode, fabric, noc.MaxSyncNodes)
	waiterInput, err := waiterMbox.Create(waiterNode)
	require.NoError(t, err)
	waiter := &testNode{mbox: waiterMbox, input: waiterInput, self: waiterNode, server: serverNode}

	posterMbox := mailbox.NewTable(posterNode, fabric, noc.MaxSyncNodes)
	posterInput, err := posterMbox.Create(posterNode)
	require.NoError(t, err)
	poster := &testNode{mbox: posterMbox, input: posterInput, self: posterNode, server: serverNode}

	createReq := wire.NewWriter(OpCreateExcl).PutSource(waiterNode).PutString("sem").PutI32(0).PutU32(0o600).Bytes()
	assert.Zero(t, statusOf(t, waiter.roundTrip(t, createReq)))

	openReq := wire.NewWriter(OpOpen).PutSource(posterNode).PutString("sem").Bytes()
	assert.Zero(t, statusOf(t, poster.roundTrip(t, openReq)))

	waitDone := make(chan int32, 1)
	go func() {
		waitReq := wire.NewWriter(OpWait).PutSource(waiterNode).PutString("sem").Bytes()
		waitDone <- statusOf(t, waiter.roundTrip(t, waitReq))
	}()

	select {
	case <-waitDone:
		t.Fatal("wait reply arrived before a matching post")
	case <-time.After(50 * time.Millisecond):
	}

	postReq := wire.NewWriter(OpPost).PutSource(posterNode).PutString("sem").Bytes()
	assert.Zero(t, statusOf(t, poster.roundTrip(t, postReq)))

	select {
	case code := <-waitDone:
		assert.Zero(t, code)
	case <-time.After(time.Second):
		t.Fatal("wait reply never arrived after post")
	}
}
