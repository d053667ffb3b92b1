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

// Package portal implements the bulk-transfer, allow-gated endpoint
// abstraction: one input portal per node serving a per-remote slot
// state machine (offline/online/ready/busy), and output portals that
// block on the remote's permission before transferring.
package portal

import (
	"encoding/binary"
	"io"
	"net"

	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc"
)

// slotState collapses the two independent {ready,busy} bits into a
// single enum: the two bits are never both set, so the four reachable
// combinations (00,10,01 and "offline") map onto exactly these four
// named states.
type slotState int

const (
	sOffline slotState = iota
	sOnline           // ready=0 busy=0
	sReady            // ready=1 busy=0
	sBusy             // ready=0 busy=1
)

// remoteSlot is the per-remote state tracked by an input portal.
type remoteSlot struct {
	state         slotState
	conn          net.Conn
	pendingPermit bool // Allow() called before the remote connected
	data          []byte // valid when state == sBusy
}

type inputState struct {
	listener net.Listener
	remotes  map[domain.NodeId]*remoteSlot
	done     chan struct{}
}

type outputState struct {
	remote domain.NodeId
	conn   net.Conn
	permit chan struct{}
	done   chan struct{}
}

type endpoint struct {
	flags domain.Flags
	kind  domain.Direction

	in  *inputState
	out *outputState
}

func (e *endpoint) GetFlags() *domain.Flags { return &e.flags }

// Table is the per-node portal subsystem.
type Table struct {
	pool   *noc.Pool
	slots  []*endpoint
	self   domain.NodeId
	fabric *noc.Fabric

	inputID domain.EndpointId
}

// NewTable builds an empty portal table with capacity slots for node self.
func NewTable(self domain.NodeId, fabric *noc.Fabric, capacity int) *Table {
	slots := make([]*endpoint, capacity)
	generic := make([]noc.Slot, capacity)
	for i := range slots {
		slots[i] = &endpoint{}
		generic[i] = slots[i]
	}
	return &Table{
		pool: noc.NewPool("portal", generic),
		slots: slots,
		self: self,
		fabric: fabric,
		inputID: domain.InvalidEndpoint,
	}
}

// Create opens the node's single input portal.
func (t *Table) Create(remote domain.NodeId) (domain.EndpointId, error) {
	if remote != t.self {
		return domain.InvalidEndpoint, domain.NewError("portal.create", domain.ErrInvalid, "remote %d != self %d", remote, t.self)
	}

	t.pool.Lock()
	if t.inputID != domain.InvalidEndpoint {
		t.pool.Unlock()
		return domain.InvalidEndpoint, domain.NewError("portal.create", domain.ErrAlreadyExists, "input portal already exists for node %d", t.self)
	}
	id, err := t.pool.Alloc()
	if err != nil {
		t.pool.Unlock()
		return domain.InvalidEndpoint, domain.NewError("portal.create", domain.ErrResourceExhausted, "%s", err)
	}
	ep := t.slots[id]
	ep.kind = domain.Input
	ep.flags.Rdonly = true
	ep.flags.RefCnt = 1
	ep.in = &inputState{remotes: make(map[domain.NodeId]*remoteSlot), done: make(chan struct{})}
	t.inputID = id
	t.pool.Unlock()

	listener, err := t.fabric.ListenPortal(t.self)
	if err != nil {
		t.pool.Lock()
		t.pool.Free(id)
		t.inputID = domain.InvalidEndpoint
		t.pool.Unlock()
		return domain.InvalidEndpoint, domain.NewError("portal.create", domain.ErrInvalid, "listen: %s", err)
	}
	ep.in.listener = listener
	go t.acceptLoop(ep.in)

	logrus.Debugf("portal: created input portal for node %d", t.self)
	return id, nil
}

func (t *Table) acceptLoop(in *inputState) {
	for {
		conn, err := in.listener.Accept()
		if err != nil {
			select {
			case <-in.done:
				return
			default:
				logrus.Warnf("portal: accept on node %d: %s", t.self, err)
				return
			}
		}
		go t.handlePeer(in, conn)
	}
}

// handlePeer completes the handshake (peer announces its NodeId), flips
// the slot offline -> online, delivers any pending permit, then services
// incoming data frames for the lifetime of the connection.
func (t *Table) handlePeer(in *inputState, conn net.Conn) {
	var idBuf [4]byte
	if _, err := io.ReadFull(conn, idBuf[:]); err != nil {
		conn.Close()
		return
	}
	remote := domain.NodeId(binary.BigEndian.Uint32(idBuf[:]))

	t.pool.Lock()
	slot, ok := in.remotes[remote]
	if !ok {
		slot = &remoteSlot{}
		in.remotes[remote] = slot
	}
	slot.conn = conn
	wasPending := slot.pendingPermit
	if slot.state == sOffline {
		slot.state = sOnline
	}
	if wasPending {
		slot.pendingPermit = false
		slot.state = sReady
	}
	t.pool.Unlock()

	if wasPending {
		conn.Write([]byte{1})
	}

	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			break
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > noc.PortalBufferSize {
			logrus.Errorf("portal: node %d: remote %d sent oversized frame (%d bytes)", t.self, remote, n)
			break
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(conn, buf); err != nil {
			break
		}

		t.pool.Lock()
		if slot.state != sReady {
			t.pool.Unlock()
			logrus.Errorf("portal: node %d: remote %d wrote without permission (protocol desync)", t.self, remote)
			logrus.Panic("portal: write received while not ready")
		}
		slot.state = sBusy
		slot.data = buf
		t.pool.Broadcast()
		t.pool.Unlock()
	}

	t.pool.Lock()
	slot.state = sOffline
	slot.conn = nil
	t.pool.Unlock()
	conn.Close()
}

// Allow arms the input portal for one transfer from remote.
func (t *Table) Allow(id domain.EndpointId, remote domain.NodeId) error {
	if !t.pool.Valid(id) {
		return domain.NewError("portal.allow", domain.ErrInvalid, "bad id")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used || ep.kind != domain.Input {
		t.pool.Unlock()
		return domain.NewError("portal.allow", domain.ErrNotSupported, "not an input portal")
	}
	slot, ok := ep.in.remotes[remote]
	if !ok {
		slot = &remoteSlot{}
		ep.in.remotes[remote] = slot
	}

	switch slot.state {
	case sOffline:
		slot.pendingPermit = true
		t.pool.Unlock()
		return nil
	case sOnline:
		slot.state = sReady
		conn := slot.conn
		t.pool.Unlock()
		if conn != nil {
			if _, err := conn.Write([]byte{1}); err != nil {
				return domain.NewError("portal.allow", domain.ErrInvalid, "%s", err)
			}
		}
		return nil
	default:
		t.pool.Unlock()
		return domain.NewError("portal.allow", domain.ErrInvalid, "remote %d not in online state", remote)
	}
}

// Read blocks until some allowed remote has written, then returns the
// transferred bytes and the sending node.
func (t *Table) Read(id domain.EndpointId, buf []byte) (int, domain.NodeId, error) {
	if !t.pool.Valid(id) {
		return 0, domain.NodeIdNone, domain.NewError("portal.read", domain.ErrInvalid, "bad id")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used || ep.kind != domain.Input {
		t.pool.Unlock()
		return 0, domain.NodeIdNone, domain.NewError("portal.read", domain.ErrNotSupported, "not an input portal")
	}
	if ep.flags.Busy {
		t.pool.Unlock()
		return 0, domain.NodeIdNone, domain.NewError("portal.read", domain.ErrAgain, "endpoint busy")
	}
	ep.flags.Busy = true

	var from domain.NodeId
	var slot *remoteSlot
	for {
		from, slot = domain.NodeIdNone, nil
		for remote, s := range ep.in.remotes {
			if s.state == sBusy {
				from, slot = remote, s
				break
			}
		}
		if slot != nil {
			break
		}
		t.pool.WaitBusyChange()
	}
	n := copy(buf, slot.data)
	slot.data = nil
	slot.state = sOnline

	ep.flags.Busy = false
	t.pool.Broadcast()
	t.pool.Unlock()

	return n, from, nil
}

// Open establishes (or duplicates, refcounted) an output portal toward
// remote.
func (t *Table) Open(remote domain.NodeId) (domain.EndpointId, error) {
	if remote == t.self {
		return domain.InvalidEndpoint, domain.NewError("portal.open", domain.ErrInvalid, "remote %d == self", remote)
	}

	t.pool.Lock()
	if id, s, ok := t.pool.Find(func(_ domain.EndpointId, s noc.Slot) bool {
		ep := s.(*endpoint)
		return ep.kind == domain.Output && ep.out.remote == remote
	}); ok {
		ep := s.(*endpoint)
		ep.flags.RefCnt++
		t.pool.Unlock()
		return id, nil
	}
	t.pool.Unlock()

	conn, err := t.fabric.DialPortal(remote)
	if err != nil {
		return domain.InvalidEndpoint, domain.NewError("portal.open", domain.ErrInvalid, "dial: %s", err)
	}

	var selfBuf [4]byte
	binary.BigEndian.PutUint32(selfBuf[:], uint32(t.self))
	if _, err := conn.Write(selfBuf[:]); err != nil {
		conn.Close()
		return domain.InvalidEndpoint, domain.NewError("portal.open", domain.ErrInvalid, "handshake: %s", err)
	}

	t.pool.Lock()
	id, err := t.pool.Alloc()
	if err != nil {
		t.pool.Unlock()
		conn.Close()
		return domain.InvalidEndpoint, domain.NewError("portal.open", domain.ErrResourceExhausted, "%s", err)
	}
	ep := t.slots[id]
	ep.kind = domain.Output
	ep.flags.Wronly = true
	ep.flags.RefCnt = 1
	ep.out = &outputState{remote: remote, conn: conn, permit: make(chan struct{}, 1), done: make(chan struct{})}
	out := ep.out
	t.pool.Unlock()

	go permitLoop(conn, out.permit, out.done)

	return id, nil
}

func permitLoop(conn net.Conn, permit chan struct{}, done chan struct{}) {
	for {
		var b [1]byte
		if _, err := io.ReadFull(conn, b[:]); err != nil {
			return
		}
		select {
		case permit <- struct{}{}:
		case <-done:
			return
		}
	}
}

// Write blocks until the remote has called Allow, then transfers buf.
func (t *Table) Write(id domain.EndpointId, buf []byte) (int, error) {
	if !t.pool.Valid(id) {
		return 0, domain.NewError("portal.write", domain.ErrInvalid, "bad id")
	}
	if len(buf) > noc.PortalBufferSize {
		return 0, domain.NewError("portal.write", domain.ErrInvalid, "transfer exceeds PortalBufferSize")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used || ep.kind != domain.Output {
		t.pool.Unlock()
		return 0, domain.NewError("portal.write", domain.ErrNotSupported, "not an output portal")
	}
	if ep.flags.Busy {
		t.pool.Unlock()
		return 0, domain.NewError("portal.write", domain.ErrAgain, "endpoint busy")
	}
	ep.flags.Busy = true
	out := ep.out
	t.pool.Unlock()

	<-out.permit

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(buf)))
	var writeErr error
	if _, writeErr = out.conn.Write(lenBuf[:]); writeErr == nil {
		_, writeErr = out.conn.Write(buf)
	}

	t.pool.Lock()
	ep.flags.Busy = false
	t.pool.Broadcast()
	t.pool.Unlock()

	if writeErr != nil {
		return 0, domain.NewError("portal.write", domain.ErrInvalid, "%s", writeErr)
	}
	return len(buf), nil
}

// Close decrements id's refcount, tearing down network state at zero.
func (t *Table) Close(id domain.EndpointId) error {
	if !t.pool.Valid(id) {
		return domain.NewError("portal.close", domain.ErrInvalid, "bad id")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used {
		t.pool.Unlock()
		return domain.NewError("portal.close", domain.ErrInvalid, "unused endpoint")
	}
	if ep.flags.Busy {
		t.pool.Unlock()
		return domain.NewError("portal.close", domain.ErrAgain, "endpoint busy")
	}
	ep.flags.RefCnt--
	if ep.flags.RefCnt > 0 {
		t.pool.Unlock()
		return nil
	}
	isInput := ep.kind == domain.Input
	var out *outputState
	var in *inputState
	if isInput {
		in = ep.in
	} else {
		out = ep.out
	}
	t.pool.Free(id)
	if isInput {
		t.inputID = domain.InvalidEndpoint
	}
	t.pool.Unlock()

	if out != nil {
		close(out.done)
		out.conn.Close()
	}
	if in != nil {
		t.teardownInput(in)
	}
	return nil
}

// Unlink destroys the node's input portal outright.
func (t *Table) Unlink(id domain.EndpointId) error {
	if !t.pool.Valid(id) {
		return domain.NewError("portal.unlink", domain.ErrInvalid, "bad id")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used || ep.kind != domain.Input {
		t.pool.Unlock()
		return domain.NewError("portal.unlink", domain.ErrNotSupported, "not an input portal")
	}
	if ep.flags.Busy {
		t.pool.Unlock()
		return domain.NewError("portal.unlink", domain.ErrAgain, "endpoint busy")
	}
	in := ep.in
	t.pool.Free(id)
	t.inputID = domain.InvalidEndpoint
	t.pool.Unlock()

	t.teardownInput(in)
	return nil
}

func (t *Table) teardownInput(in *inputState) {
	close(in.done)
	in.listener.Close()
	t.pool.Lock()
	for _, s := range in.remotes {
		if s.conn != nil {
			s.conn.Close()
		}
	}
	t.pool.Unlock()
}
