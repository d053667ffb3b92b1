package nameservice

import (
	"net"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc"
	"github.com/nanvix/multikernel/noc/mailbox"
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

func newClient(t *testing.T) *Client {
	t.Helper()
	fabric, ids := newFabric(t, 2)
	serverNode, clientNode := ids[0], ids[1]

	svc := NewService()
	serverMbox := mailbox.NewTable(serverNode, fabric, noc.MaxSyncNodes)
	serverInput, err := serverMbox.Create(serverNode)
	require.NoError(t, err)
	go ServeMailbox(svc, serverMbox, serverInput)

	clientMbox := mailbox.NewTable(clientNode, fabric, noc.MaxSyncNodes)
	clientInput, err := clientMbox.Create(clientNode)
	require.NoError(t, err)

	return NewClient(clientMbox, clientInput, clientNode, serverNode)
}

func TestClientLinkLookupUnlinkOverMailbox(t *testing.T) {
	c := newClient(t)

	require.NoError(t, c.Link("svc-a", domain.NodeId(5)))

	node, err := c.Lookup("svc-a")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeId(5), node)

	require.NoError(t, c.Unlink("svc-a"))

	_, err = c.Lookup("svc-a")
	require.Error(t, err)
	assert.Equal(t, domain.ErrNotFound, domain.KindOf(err))
}

func TestClientLinkDuplicateIsAlreadyExists(t *testing.T) {
	c := newClient(t)

	require.NoError(t, c.Link("dup", domain.NodeId(1)))
	err := c.Link("dup", domain.NodeId(2))
	require.Error(t, err)
	assert.Equal(t, domain.ErrAlreadyExists, domain.KindOf(err))
}
