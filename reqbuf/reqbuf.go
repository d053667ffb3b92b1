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

// Package reqbuf implements the request buffer: reassembly of a
// logical request that arrives as two mailbox messages from the same
// source, tagged seq = (source<<4)|{0,1}, into a single combined request.
//
// It serves requests too long to fit in one MAILBOX_MSG_SIZE frame. No
// server in this repository uses it: every SHM, semaphore, mqueue and
// RMEM request here fits a single frame.
package reqbuf

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/noc"
)

// Seq builds the tagged sequence byte for part (0 or 1) of a request from
// source.
func Seq(source domain.NodeId, part int) uint8 {
	return uint8(source<<4) | uint8(part&1)
}

// SourceOf extracts the source node encoded in a tagged seq byte.
func SourceOf(seq uint8) domain.NodeId {
	return domain.NodeId(seq >> 4)
}

// PartOf extracts the 0/1 part bit encoded in a tagged seq byte.
func PartOf(seq uint8) int {
	return int(seq & 1)
}

// Request is the two mailbox messages combined once both halves have
// arrived, plus the source they both carried.
type Request struct {
	Source domain.NodeId
	First [noc.MailboxMsgSize]byte
	Second [noc.MailboxMsgSize]byte
}

type slot struct {
	seq uint8
	data [noc.MailboxMsgSize]byte
	valid bool
}

// Table holds at most one in-flight two-part request per source, keyed
// dynamically since the number of distinct sources a server sees is
// bounded only by the topology, not a compile-time constant.
type Table struct {
	mu sync.Mutex
	slots map[domain.NodeId]*slot
}

// NewTable returns an empty request buffer.
func NewTable() *Table {
	return &Table{slots: make(map[domain.NodeId]*slot)}
}

// Put feeds one mailbox message tagged with seq into the reassembly
// table. On the even half it persists the message and returns (nil, nil):
// no reply is due yet. On the odd half it retrieves the persisted first
// half, asserts protocol consistency, clears the slot and returns the
// combined Request.
//
// An even half arriving while a slot is already populated is a client
// protocol violation (at most one in-flight two-part request per source
// is allowed) and is reported as ErrInvalid rather than silently
// overwritten. An odd half arriving with no persisted first half, or
// whose encoded source doesn't match the persisted one, is treated as a
// programming bug and panics.
func (t *Table) Put(seq uint8, msg []byte) (*Request, error) {
	const op = "reqbuf.put"
	if len(msg) != noc.MailboxMsgSize {
		return nil, domain.NewError(op, domain.ErrInvalid, "message size %d != %d", len(msg), noc.MailboxMsgSize)
	}
	source := SourceOf(seq)

	t.mu.Lock()
	defer t.mu.Unlock()

	if PartOf(seq) == 0 {
		if s, ok := t.slots[source]; ok && s.valid {
			return nil, domain.NewError(op, domain.ErrInvalid, "source %d already has an in-flight request", source)
		}
		s := &slot{seq: seq, valid: true}
		copy(s.data[:], msg)
		t.slots[source] = s
		return nil, nil
	}

	s, ok := t.slots[source]
	if !ok || !s.valid {
		logrus.Panicf("reqbuf: odd half from source %d with no persisted first half", source)
	}
	if s.seq|1 != seq {
		logrus.Panicf("reqbuf: seq mismatch for source %d: persisted %#x, got %#x", source, s.seq, seq)
	}

	req := &Request{Source: source, First: s.data}
	copy(req.Second[:], msg)

	delete(t.slots, source)
	return req, nil
}

// Clear drops any persisted first half for source without completing
// it; called on server reset so a stale half-request isn't wrongly
// paired with a later, unrelated one.
func (t *Table) Clear(source domain.NodeId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.slots, source)
}

// Reset drops every persisted first half.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.slots = make(map[domain.NodeId]*slot)
}

// Pending reports whether source currently has an un-retrieved first
// half persisted.
func (t *Table) Pending(source domain.NodeId) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.slots[source]
	return ok && s.valid
}
