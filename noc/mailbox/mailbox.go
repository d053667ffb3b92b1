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

// Package mailbox implements the fixed-size, short-message endpoint
// abstraction: one input mailbox per node, any number of output
// mailboxes opened toward remotes, create/open/read/write/close/unlink
// life-cycle, and per-endpoint latency/volume statistics.
package mailbox

import (
	"io"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc"
)

// Stats is a per-endpoint counter set: a running count of transfers,
// cumulative latency and cumulative bytes moved.
type Stats struct {
	Count      int64
	TotalNs    int64
	TotalBytes int64
}

type endpoint struct {
	flags  domain.Flags
	kind   domain.Direction
	remote domain.NodeId
	stats  Stats

	conn net.Conn // Output only: connection to remote's input listener
}

func (e *endpoint) GetFlags() *domain.Flags { return &e.flags }

type inboundMsg struct {
	data      [noc.MailboxMsgSize]byte
	arrivedAt time.Time
}

// Table is the per-node mailbox subsystem: a resource pool specialized
// to mailbox endpoints, plus the single input mailbox's network
// listener and inbound queue.
type Table struct {
	pool   *noc.Pool
	slots  []*endpoint
	self   domain.NodeId
	fabric *noc.Fabric

	inputID       domain.EndpointId
	listener      net.Listener
	inbox         chan inboundMsg
	closeListener chan struct{}
}

// NewTable builds an empty mailbox table with capacity slots for node
// self, addressed through fabric.
func NewTable(self domain.NodeId, fabric *noc.Fabric, capacity int) *Table {
	slots := make([]*endpoint, capacity)
	generic := make([]noc.Slot, capacity)
	for i := range slots {
		slots[i] = &endpoint{}
		generic[i] = slots[i]
	}
	return &Table{
		pool: noc.NewPool("mailbox", generic),
		slots: slots,
		self: self,
		fabric: fabric,
		inputID: domain.InvalidEndpoint,
	}
}

// Create opens the node's single input mailbox. remote must equal self.
func (t *Table) Create(remote domain.NodeId) (domain.EndpointId, error) {
	if remote != t.self {
		return domain.InvalidEndpoint, domain.NewError("mailbox.create", domain.ErrInvalid, "remote %d != self %d", remote, t.self)
	}

	t.pool.Lock()
	if t.inputID != domain.InvalidEndpoint {
		t.pool.Unlock()
		return domain.InvalidEndpoint, domain.NewError("mailbox.create", domain.ErrAlreadyExists, "input mailbox already exists for node %d", t.self)
	}

	id, err := t.pool.Alloc()
	if err != nil {
		t.pool.Unlock()
		return domain.InvalidEndpoint, domain.NewError("mailbox.create", domain.ErrResourceExhausted, "%s", err)
	}
	ep := t.slots[id]
	ep.kind = domain.Input
	ep.remote = t.self
	ep.flags.Rdonly = true
	ep.flags.RefCnt = 1
	t.inputID = id
	t.pool.Unlock()

	listener, err := t.fabric.ListenMailbox(t.self)
	if err != nil {
		t.pool.Lock()
		t.pool.Free(id)
		t.inputID = domain.InvalidEndpoint
		t.pool.Unlock()
		return domain.InvalidEndpoint, domain.NewError("mailbox.create", domain.ErrInvalid, "listen: %s", err)
	}

	t.listener = listener
	t.inbox = make(chan inboundMsg, noc.MailboxQueueDepth)
	t.closeListener = make(chan struct{})
	go t.acceptLoop(listener, t.closeListener)

	logrus.Debugf("mailbox: created input mailbox for node %d", t.self)
	return id, nil
}

func (t *Table) acceptLoop(l net.Listener, done chan struct{}) {
	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-done:
				return
			default:
				logrus.Warnf("mailbox: accept on node %d: %s", t.self, err)
				return
			}
		}
		go t.readLoop(conn, done)
	}
}

func (t *Table) readLoop(conn net.Conn, done chan struct{}) {
	defer conn.Close()
	for {
		var buf [noc.MailboxMsgSize]byte
		if _, err := io.ReadFull(conn, buf[:]); err != nil {
			if err != io.EOF {
				logrus.Debugf("mailbox: read on node %d: %s", t.self, err)
			}
			return
		}
		select {
		case t.inbox <- inboundMsg{data: buf, arrivedAt: time.Now()}:
		case <-done:
			return
		}
	}
}

// Open duplicates (incrementing refcount) or creates an output mailbox
// toward remote. remote must not equal self.
func (t *Table) Open(remote domain.NodeId) (domain.EndpointId, error) {
	if remote == t.self {
		return domain.InvalidEndpoint, domain.NewError("mailbox.open", domain.ErrInvalid, "remote %d == self", remote)
	}

	t.pool.Lock()
	defer t.pool.Unlock()

	if id, s, ok := t.pool.Find(func(_ domain.EndpointId, s noc.Slot) bool {
		ep := s.(*endpoint)
		return ep.kind == domain.Output && ep.remote == remote
	}); ok {
		ep := s.(*endpoint)
		ep.flags.RefCnt++
		return id, nil
	}

	conn, err := t.fabric.DialMailbox(remote)
	if err != nil {
		return domain.InvalidEndpoint, domain.NewError("mailbox.open", domain.ErrInvalid, "dial: %s", err)
	}

	id, err := t.pool.Alloc()
	if err != nil {
		conn.Close()
		return domain.InvalidEndpoint, domain.NewError("mailbox.open", domain.ErrResourceExhausted, "%s", err)
	}
	ep := t.slots[id]
	ep.kind = domain.Output
	ep.remote = remote
	ep.flags.Wronly = true
	ep.flags.RefCnt = 1
	ep.conn = conn

	return id, nil
}

// Read receives the next message on the node's input mailbox. n must
// equal noc.MailboxMsgSize.
func (t *Table) Read(id domain.EndpointId, buf []byte) (int, error) {
	if !t.pool.Valid(id) || len(buf) != noc.MailboxMsgSize {
		return 0, domain.NewError("mailbox.read", domain.ErrInvalid, "bad id or length")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used {
		t.pool.Unlock()
		return 0, domain.NewError("mailbox.read", domain.ErrInvalid, "unused endpoint")
	}
	if ep.kind != domain.Input {
		t.pool.Unlock()
		return 0, domain.NewError("mailbox.read", domain.ErrNotSupported, "endpoint is not an input mailbox")
	}
	if ep.flags.Busy {
		t.pool.Unlock()
		return 0, domain.NewError("mailbox.read", domain.ErrAgain, "endpoint busy")
	}
	ep.flags.Busy = true
	inbox := t.inbox
	t.pool.Unlock()

	start := time.Now()
	msg, ok := <-inbox
	if !ok {
		t.pool.Lock()
		ep.flags.Busy = false
		t.pool.Broadcast()
		t.pool.Unlock()
		return 0, domain.NewError("mailbox.read", domain.ErrInvalid, "mailbox closed")
	}
	n := copy(buf, msg.data[:])

	t.pool.Lock()
	ep.flags.Busy = false
	ep.stats.Count++
	ep.stats.TotalNs += int64(time.Since(start))
	ep.stats.TotalBytes += int64(n)
	_ = msg.arrivedAt
	t.pool.Broadcast()
	t.pool.Unlock()

	return n, nil
}

// Write sends a message through an output mailbox. It may block if the
// remote's input mailbox queue is full.
func (t *Table) Write(id domain.EndpointId, buf []byte) (int, error) {
	if !t.pool.Valid(id) || len(buf) != noc.MailboxMsgSize {
		return 0, domain.NewError("mailbox.write", domain.ErrInvalid, "bad id or length")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used {
		t.pool.Unlock()
		return 0, domain.NewError("mailbox.write", domain.ErrInvalid, "unused endpoint")
	}
	if ep.kind != domain.Output {
		t.pool.Unlock()
		return 0, domain.NewError("mailbox.write", domain.ErrNotSupported, "endpoint is not an output mailbox")
	}
	if ep.flags.Busy {
		t.pool.Unlock()
		return 0, domain.NewError("mailbox.write", domain.ErrAgain, "endpoint busy")
	}
	ep.flags.Busy = true
	conn := ep.conn
	t.pool.Unlock()

	start := time.Now()
	n, err := conn.Write(buf)

	t.pool.Lock()
	ep.flags.Busy = false
	if err == nil {
		ep.stats.Count++
		ep.stats.TotalNs += int64(time.Since(start))
		ep.stats.TotalBytes += int64(n)
	}
	t.pool.Broadcast()
	t.pool.Unlock()

	if err != nil {
		return n, domain.NewError("mailbox.write", domain.ErrInvalid, "%s", err)
	}
	return n, nil
}

// Close decrements the endpoint's refcount, freeing it (and any
// associated network resources) when it reaches zero.
func (t *Table) Close(id domain.EndpointId) error {
	if !t.pool.Valid(id) {
		return domain.NewError("mailbox.close", domain.ErrInvalid, "bad id")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used {
		t.pool.Unlock()
		return domain.NewError("mailbox.close", domain.ErrInvalid, "unused endpoint")
	}
	if ep.flags.Busy {
		t.pool.Unlock()
		return domain.NewError("mailbox.close", domain.ErrAgain, "endpoint busy")
	}
	ep.flags.RefCnt--
	if ep.flags.RefCnt > 0 {
		t.pool.Unlock()
		return nil
	}

	conn := ep.conn
	isInput := ep.kind == domain.Input
	t.pool.Free(id)
	if isInput {
		t.inputID = domain.InvalidEndpoint
	}
	t.pool.Unlock()

	if conn != nil {
		conn.Close()
	}
	if isInput {
		t.teardownInput()
	}
	return nil
}

// Unlink destroys the node's input mailbox outright, regardless of
// refcount.
func (t *Table) Unlink(id domain.EndpointId) error {
	if !t.pool.Valid(id) {
		return domain.NewError("mailbox.unlink", domain.ErrInvalid, "bad id")
	}

	t.pool.Lock()
	ep := t.slots[id]
	if !ep.flags.Used {
		t.pool.Unlock()
		return domain.NewError("mailbox.unlink", domain.ErrInvalid, "unused endpoint")
	}
	if ep.kind != domain.Input {
		t.pool.Unlock()
		return domain.NewError("mailbox.unlink", domain.ErrNotSupported, "not an input mailbox")
	}
	if ep.flags.Busy {
		t.pool.Unlock()
		return domain.NewError("mailbox.unlink", domain.ErrAgain, "endpoint busy")
	}
	t.pool.Free(id)
	t.inputID = domain.InvalidEndpoint
	t.pool.Unlock()

	t.teardownInput()
	return nil
}

func (t *Table) teardownInput() {
	if t.closeListener != nil {
		close(t.closeListener)
		t.closeListener = nil
	}
	if t.listener != nil {
		t.listener.Close()
		t.listener = nil
	}
}

// Stats returns a copy of id's transfer statistics.
func (t *Table) Stats(id domain.EndpointId) (Stats, error) {
	if !t.pool.Valid(id) {
		return Stats{}, domain.NewError("mailbox.stats", domain.ErrInvalid, "bad id")
	}
	t.pool.Lock()
	defer t.pool.Unlock()
	ep := t.slots[id]
	if !ep.flags.Used {
		return Stats{}, domain.NewError("mailbox.stats", domain.ErrInvalid, "unused endpoint")
	}
	return ep.stats, nil
}
