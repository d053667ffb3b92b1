package domain

// NodeId addresses a single node in the NoC.
type NodeId int32

// NodeIdNone is the invalid/unset node identifier; resources that have not
// yet been bound to a remote peer (e.g. an un-allowed portal buffer slot)
// carry this value.
const NodeIdNone NodeId = -1

// ClusterKind distinguishes the small number of I/O clusters (which host
// system services: SHM/semaphore/mqueue/RMEM servers and the name service)
// from the many compute clusters (which host client code).
type ClusterKind int

const (
	ClusterCompute ClusterKind = iota
	ClusterIO
)

// ClusterId identifies a cluster sharing local memory; several nodes may
// live in the same cluster.
type ClusterId int32

// InterfaceId identifies a node's network interface within its cluster.
type InterfaceId int32

// Topology resolves the stable node-id <-> (cluster, interface) mapping for
// the cluster. It is built once at startup from config.Topology and is
// immutable thereafter.
type Topology struct {
	nodes map[NodeId]NodeInfo
}

// NodeInfo is everything the substrate knows about a node without having
// to contact it.
type NodeInfo struct {
	ID NodeId
	Cluster ClusterId
	Interface InterfaceId
	Kind ClusterKind
	Name string // optional human-readable name, bound via the name service
	Addr string // "host:port" the node's mailbox/portal listeners bind to
}

// NewTopology builds an immutable Topology from a slice of NodeInfo.
// Duplicate node ids are a configuration error (ErrInvalid).
func NewTopology(infos []NodeInfo) (*Topology, error) {
	nodes := make(map[NodeId]NodeInfo, len(infos))
	for _, ni := range infos {
		if _, dup := nodes[ni.ID]; dup {
			return nil, NewError("topology.build", ErrInvalid, "duplicate node id %d", ni.ID)
		}
		nodes[ni.ID] = ni
	}
	return &Topology{nodes: nodes}, nil
}

// Lookup returns the NodeInfo for id, or ErrNotFound.
func (t *Topology) Lookup(id NodeId) (NodeInfo, error) {
	ni, ok := t.nodes[id]
	if !ok {
		return NodeInfo{}, NewError("topology.lookup", ErrNotFound, "node %d not in topology", id)
	}
	return ni, nil
}

// Nodes returns every known node, in no particular order.
func (t *Topology) Nodes() []NodeInfo {
	out := make([]NodeInfo, 0, len(t.nodes))
	for _, ni := range t.nodes {
		out = append(out, ni)
	}
	return out
}

// IOClusterNodes returns the nodes hosting system services.
func (t *Topology) IOClusterNodes() []NodeInfo {
	var out []NodeInfo
	for _, ni := range t.nodes {
		if ni.Kind == ClusterIO {
			out = append(out, ni)
		}
	}
	return out
}
