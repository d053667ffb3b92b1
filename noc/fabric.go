package noc

import (
	"net"
	"strconv"

	"github.com/nanvix/multikernel/domain"
)

// Fabric resolves NodeId addresses to dialable/listenable network
// addresses for the mailbox and portal layers. The real NoC hardware and
// its host-OS emulation shim are out of scope; this substrate's own
// wire transport is TCP loopback/LAN, addressed through the node
// Topology built at startup.
type Fabric struct {
	topo *domain.Topology
}

// NewFabric wraps a resolved Topology.
func NewFabric(topo *domain.Topology) *Fabric {
	return &Fabric{topo: topo}
}

// The *PortOffset constants derive distinct TCP ports for the mailbox,
// portal and sync endpoint kinds from the single address each node is
// configured with, so
// a node needs only one "Addr" entry in its topology record.
const (
	mailboxPortOffset = 0
	portalPortOffset = 1
	syncPortOffset = 2
)

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, err
	}
	return host, port, nil
}

func offsetAddr(addr string, offset int) (string, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(host, strconv.Itoa(port+offset)), nil
}

// MailboxAddr returns the address a node's input mailbox listens on.
func (f *Fabric) MailboxAddr(id domain.NodeId) (string, error) {
	ni, err := f.topo.Lookup(id)
	if err != nil {
		return "", err
	}
	return offsetAddr(ni.Addr, mailboxPortOffset)
}

// PortalAddr returns the address a node's input portal listens on.
func (f *Fabric) PortalAddr(id domain.NodeId) (string, error) {
	ni, err := f.topo.Lookup(id)
	if err != nil {
		return "", err
	}
	return offsetAddr(ni.Addr, portalPortOffset)
}

// ListenMailbox opens the TCP listener for node id's input mailbox.
func (f *Fabric) ListenMailbox(id domain.NodeId) (net.Listener, error) {
	addr, err := f.MailboxAddr(id)
	if err != nil {
		return nil, err
	}
	return net.Listen("tcp", addr)
}

// ListenPortal opens the TCP listener for node id's input portal.
func (f *Fabric) ListenPortal(id domain.NodeId) (net.Listener, error) {
	addr, err := f.PortalAddr(id)
	if err != nil {
		return nil, err
	}
	return net.Listen("tcp", addr)
}

// DialMailbox connects to remote's input mailbox.
func (f *Fabric) DialMailbox(remote domain.NodeId) (net.Conn, error) {
	addr, err := f.MailboxAddr(remote)
	if err != nil {
		return nil, err
	}
	return net.Dial("tcp", addr)
}

// DialPortal connects to remote's input portal.
func (f *Fabric) DialPortal(remote domain.NodeId) (net.Conn, error) {
	addr, err := f.PortalAddr(remote)
	if err != nil {
		return nil, err
	}
	return net.Dial("tcp", addr)
}

// SyncAddr returns the address a node's sync-point listener binds to.
func (f *Fabric) SyncAddr(id domain.NodeId) (string, error) {
	ni, err := f.topo.Lookup(id)
	if err != nil {
		return "", err
	}
	return offsetAddr(ni.Addr, syncPortOffset)
}

// ListenSync opens the TCP listener for node id's sync point.
func (f *Fabric) ListenSync(id domain.NodeId) (net.Listener, error) {
	addr, err := f.SyncAddr(id)
	if err != nil {
		return nil, err
	}
	return net.Listen("tcp", addr)
}

// DialSync connects to remote's sync-point listener.
func (f *Fabric) DialSync(remote domain.NodeId) (net.Conn, error) {
	addr, err := f.SyncAddr(remote)
	if err != nil {
		return nil, err
	}
	return net.Dial("tcp", addr)
}

