//
// Copyright 2024 The Nanvix Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Package sync implements the sync layer: one-to-all broadcast and
// all-to-one gather rendezvous points over a fixed list of nodes.
package sync

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc"
)

// Mode selects which of the two sync relations an endpoint implements
//.
type Mode int

const (
	// OneToAll is the broadcast relation: the root signals, every other
	// member of nodes waits.
	OneToAll Mode = iota
	// AllToOne is the gather relation: every non-root member signals, the
	// root waits for one signal from each.
	AllToOne
)

func (m Mode) String() string {
	if m == OneToAll {
		return "one-to-all"
	}
	return "all-to-one"
}

// inputState is held by the side that calls Wait: for OneToAll that is
// every non-root member (waiting on the root); for AllToOne that is the
// root (waiting on every leaf).
type inputState struct {
	listener net.Listener
	expected map[domain.NodeId]bool
	arrived chan domain.NodeId
	done chan struct{}
}

// outputState is held by the side that calls Signal: the root for
// OneToAll (dialing every other member), a leaf for AllToOne (dialing the
// root only).
type outputState struct {
	conns map[domain.NodeId]net.Conn
}

type endpoint struct {
	flags domain.Flags
	mode Mode
	role domain.Direction // Input = waiter, Output = signaler
	nodes []domain.NodeId
	in *inputState
	out *outputState
}

func (e *endpoint) GetFlags() *domain.Flags { return &e.flags }

// Table is a per-node table of sync-point endpoints, mirroring the
// mailbox/portal tables' alloc/busy-retry discipline over noc.Pool.
type Table struct {
	pool *noc.Pool
	slots []*endpoint
	self domain.NodeId
	fabric *noc.Fabric
}

// NewTable allocates a table of capacity independent sync-point endpoints
// for node self.
func NewTable(self domain.NodeId, fabric *noc.Fabric, capacity int) *Table {
	slots := make([]*endpoint, capacity)
	generic := make([]noc.Slot, capacity)
	for i := range slots {
		slots[i] = &endpoint{}
		generic[i] = slots[i]
	}
	return &Table{
		pool: noc.NewPool("sync", generic),
		slots: slots,
		self: self,
		fabric: fabric,
	}
}

func validateNodes(self domain.NodeId, nodes []domain.NodeId, mode Mode, wantRoot bool) error {
	const op = "sync.validate"
	k := len(nodes)
	if k < 2 || k > noc.MaxSyncNodes {
		return domain.NewError(op, domain.ErrInvalid, "node count %d out of range", k)
	}
	root := nodes[0]
	count := 0
	found := false
	for _, n := range nodes {
		if n == self {
			count++
			found = true
		}
	}
	if !found {
		return domain.NewError(op, domain.ErrInvalid, "node %d not in sync group", self)
	}
	if count != 1 {
		return domain.NewError(op, domain.ErrInvalid, "node %d listed more than once", self)
	}
	isRoot := self == root
	if wantRoot != isRoot {
		return domain.NewError(op, domain.ErrInvalid, "node %d on wrong side of the %s relation", self, mode)
	}
	return nil
}

// handshake writes/reads the 4-byte big-endian NodeId used to identify a
// peer immediately after connect, matching the portal layer's convention.
func writeHandshake(conn net.Conn, self domain.NodeId) error {
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(self))
	_, err := conn.Write(hdr[:])
	return err
}

func readHandshake(conn net.Conn) (domain.NodeId, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(conn, hdr[:]); err != nil {
		return domain.NodeIdNone, err
	}
	return domain.NodeId(binary.BigEndian.Uint32(hdr[:])), nil
}

// Create opens the receiving side of a sync point: for OneToAll it is
// called by every non-root member (waiting on the root); for AllToOne it
// is called by the root (waiting on every leaf). nodes[0] is always the
// root.
func (t *Table) Create(nodes []domain.NodeId, mode Mode) (domain.EndpointId, error) {
	const op = "sync.create"

	wantRoot := mode == AllToOne
	if err := validateNodes(t.self, nodes, mode, wantRoot); err != nil {
		return domain.InvalidEndpoint, err
	}

	expected := make(map[domain.NodeId]bool)
	if mode == OneToAll {
		expected[nodes[0]] = true // the root is the sole signaler
	} else {
		for _, n := range nodes[1:] {
			expected[n] = true // every leaf signals
		}
	}

	listener, err := t.fabric.ListenSync(t.self)
	if err != nil {
		return domain.InvalidEndpoint, domain.NewError(op, domain.ErrAgain, "%v", err)
	}

	t.pool.Lock()
	id, err := t.pool.Alloc()
	if err != nil {
		t.pool.Unlock()
		listener.Close()
		return domain.InvalidEndpoint, err
	}
	ep := t.slots[id]
	ep.flags.Rdonly = true
	ep.mode = mode
	ep.role = domain.Input
	ep.nodes = append([]domain.NodeId(nil), nodes...)
	in := &inputState{
		listener: listener,
		expected: expected,
		arrived: make(chan domain.NodeId, len(expected)),
		done: make(chan struct{}),
	}
	ep.in = in
	t.pool.Unlock()

	go t.acceptLoop(in)

	return id, nil
}

func (t *Table) acceptLoop(in *inputState) {
	for {
		conn, err := in.listener.Accept()
		if err != nil {
			return
		}
		go t.handlePeer(in, conn)
	}
}

func (t *Table) handlePeer(in *inputState, conn net.Conn) {
	defer conn.Close()

	from, err := readHandshake(conn)
	if err != nil {
		return
	}

	t.pool.Lock()
	ok := in.expected[from]
	t.pool.Unlock()
	if !ok {
		logrus.Warnf("sync: unexpected signaler %d", from)
		return
	}

	for {
		var marker [1]byte
		if _, err := io.ReadFull(conn, marker[:]); err != nil {
			return
		}
		select {
		case in.arrived <- from:
		case <-in.done:
			return
		}
	}
}

// Wait blocks until the sync point's receive condition is satisfied: a
// single signal from the root (OneToAll) or exactly one signal from every
// leaf (AllToOne, with a duplicate before the round completes treated as
// a fatal protocol desync and panicking).
func (t *Table) Wait(id domain.EndpointId) error {
	const op = "sync.wait"
	if !t.pool.Valid(id) {
		return domain.NewError(op, domain.ErrInvalid, "bad endpoint %d", id)
	}
	ep := t.slots[id]
	if ep.role != domain.Input || ep.in == nil {
		return domain.NewError(op, domain.ErrInvalid, "endpoint %d is not a receiver", id)
	}

	if ep.mode == OneToAll {
		<-ep.in.arrived
		return nil
	}

	remaining := make(map[domain.NodeId]bool, len(ep.in.expected))
	for n := range ep.in.expected {
		remaining[n] = true
	}
	for len(remaining) > 0 {
		from := <-ep.in.arrived
		if !remaining[from] {
			logrus.Panicf("sync: duplicate signal from leaf %d in a single gather round", from)
		}
		delete(remaining, from)
	}
	return nil
}

// Open opens the sending side of a sync point: for OneToAll it is called
// by the root (dialing every non-root member); for AllToOne it is called
// by each leaf (dialing the root only).
func (t *Table) Open(nodes []domain.NodeId, mode Mode) (domain.EndpointId, error) {
	const op = "sync.open"

	wantRoot := mode == OneToAll
	if err := validateNodes(t.self, nodes, mode, wantRoot); err != nil {
		return domain.InvalidEndpoint, err
	}

	var targets []domain.NodeId
	if mode == OneToAll {
		targets = nodes[1:]
	} else {
		targets = []domain.NodeId{nodes[0]}
	}

	conns := make(map[domain.NodeId]net.Conn, len(targets))
	for _, remote := range targets {
		conn, err := t.fabric.DialSync(remote)
		if err != nil {
			for _, c := range conns {
				c.Close()
			}
			return domain.InvalidEndpoint, domain.NewError(op, domain.ErrAgain, "%v", err)
		}
		if err := writeHandshake(conn, t.self); err != nil {
			conn.Close()
			for _, c := range conns {
				c.Close()
			}
			return domain.InvalidEndpoint, domain.NewError(op, domain.ErrAgain, "%v", err)
		}
		conns[remote] = conn
	}

	t.pool.Lock()
	id, err := t.pool.Alloc()
	if err != nil {
		t.pool.Unlock()
		for _, c := range conns {
			c.Close()
		}
		return domain.InvalidEndpoint, err
	}
	ep := t.slots[id]
	ep.flags.Wronly = true
	ep.mode = mode
	ep.role = domain.Output
	ep.nodes = append([]domain.NodeId(nil), nodes...)
	ep.out = &outputState{conns: conns}
	t.pool.Unlock()

	return id, nil
}

// Signal dispatches one marker byte to every connection the endpoint
// opened: for OneToAll that is k-1 signals (one per non-root member); for
// AllToOne it is the single signal a leaf sends the root.
func (t *Table) Signal(id domain.EndpointId) error {
	const op = "sync.signal"
	if !t.pool.Valid(id) {
		return domain.NewError(op, domain.ErrInvalid, "bad endpoint %d", id)
	}
	ep := t.slots[id]
	if ep.role != domain.Output || ep.out == nil {
		return domain.NewError(op, domain.ErrInvalid, "endpoint %d is not a signaler", id)
	}
	for remote, conn := range ep.out.conns {
		if _, err := conn.Write([]byte{1}); err != nil {
			return domain.NewError(op, domain.ErrInvalid, "signal to %d: %v", remote, err)
		}
	}
	return nil
}

// Close tears down a sync-point endpoint and releases its slot.
func (t *Table) Close(id domain.EndpointId) error {
	const op = "sync.close"
	if !t.pool.Valid(id) {
		return domain.NewError(op, domain.ErrInvalid, "bad endpoint %d", id)
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used {
		t.pool.Unlock()
		return domain.NewError(op, domain.ErrInvalid, "endpoint %d not in use", id)
	}
	in, out := ep.in, ep.out
	t.pool.Free(id)
	t.pool.Unlock()

	if in != nil {
		close(in.done)
		in.listener.Close()
	}
	if out != nil {
		for _, c := range out.conns {
			c.Close()
		}
	}
	return nil
}
