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

// Package mqueue implements the message queue server: named,
// priority-ordered queues. send/receive on a full/empty queue return
// EAGAIN rather than blocking.
package mqueue

import (
	"sort"
	"sync"

	"github.com/nanvix/multikernel/domain"
)

// NameMax bounds a queue's name.
const NameMax = 64

// MessageMax bounds how many messages a queue may hold (MQUEUE_MESSAGE_MAX).
const MessageMax = 32

// MessageSize bounds a single message's payload (MQUEUE_MESSAGE_SIZE).
const MessageSize = 1024

// storedMsg is one queued message.
type storedMsg struct {
	prio uint32
	bytes []byte
	seq uint64 // FIFO tiebreaker among equal priorities
}

type queue struct {
	name string
	owner domain.NodeId
	mode uint32
	remove bool
	holders map[domain.NodeId]bool
	stored []storedMsg
	nextSeq uint64
}

// Server holds every message queue, keyed by name.
type Server struct {
	mu sync.Mutex
	queues map[string]*queue
}

// NewServer returns an empty message queue server.
func NewServer() *Server {
	return &Server{queues: make(map[string]*queue)}
}

func validateName(name string) error {
	const op = "mqueue.validate"
	if name == "" {
		return domain.NewError(op, domain.ErrInvalid, "empty name")
	}
	if len(name) > NameMax {
		return domain.NewError(op, domain.ErrNameTooLong, "name %q exceeds %d bytes", name, NameMax)
	}
	return nil
}

// CreateExcl creates name, failing if it already exists.
func (s *Server) CreateExcl(caller domain.NodeId, name string, mode uint32) error {
	const op = "mqueue.create_excl"
	if err := validateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.queues[name]; ok {
		return domain.NewError(op, domain.ErrAlreadyExists, "queue %q already exists", name)
	}
	s.queues[name] = &queue{
		name: name,
		owner: caller,
		mode: mode,
		holders: map[domain.NodeId]bool{caller: true},
	}
	return nil
}

// Open binds caller to an existing queue.
func (s *Server) Open(caller domain.NodeId, name string) error {
	const op = "mqueue.open"
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "queue %q not found", name)
	}
	q.holders[caller] = true
	return nil
}

// Send inserts msg in priority order (higher first, FIFO within a
// priority). A full queue returns ErrAgain rather than blocking.
func (s *Server) Send(caller domain.NodeId, name string, prio uint32, msg []byte) error {
	const op = "mqueue.send"
	if len(msg) > MessageSize {
		return domain.NewError(op, domain.ErrInvalid, "message size %d exceeds %d", len(msg), MessageSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "queue %q not found", name)
	}
	if len(q.stored) >= MessageMax {
		return domain.NewError(op, domain.ErrAgain, "queue %q full", name)
	}

	entry := storedMsg{prio: prio, bytes: append([]byte(nil), msg...), seq: q.nextSeq}
	q.nextSeq++

	q.stored = append(q.stored, entry)
	sort.SliceStable(q.stored, func(i, j int) bool {
		if q.stored[i].prio != q.stored[j].prio {
			return q.stored[i].prio > q.stored[j].prio
		}
		return q.stored[i].seq < q.stored[j].seq
	})
	return nil
}

// Receive pops the head of name's queue. An empty queue returns ErrAgain.
func (s *Server) Receive(caller domain.NodeId, name string) ([]byte, uint32, error) {
	const op = "mqueue.receive"
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return nil, 0, domain.NewError(op, domain.ErrNotFound, "queue %q not found", name)
	}
	if len(q.stored) == 0 {
		return nil, 0, domain.NewError(op, domain.ErrAgain, "queue %q empty", name)
	}

	head := q.stored[0]
	q.stored = q.stored[1:]
	return head.bytes, head.prio, nil
}

// Unlink marks name for removal, destroying it immediately if there are
// no living holders.
func (s *Server) Unlink(caller domain.NodeId, name string) error {
	const op = "mqueue.unlink"
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "queue %q not found", name)
	}
	if q.owner != caller {
		return domain.NewError(op, domain.ErrPermissionDenied, "caller %d is not owner of %q", caller, name)
	}

	q.remove = true
	if len(q.holders) == 0 {
		delete(s.queues, name)
	}
	return nil
}

// Close drops caller's holder reference.
func (s *Server) Close(caller domain.NodeId, name string) error {
	const op = "mqueue.close"
	s.mu.Lock()
	defer s.mu.Unlock()

	q, ok := s.queues[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "queue %q not found", name)
	}
	delete(q.holders, caller)

	if q.remove && len(q.holders) == 0 {
		delete(s.queues, name)
	}
	return nil
}

// Len reports how many messages are currently stored, for tests.
func (s *Server) Len(name string) (int, error) {
	const op = "mqueue.len"
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[name]
	if !ok {
		return 0, domain.NewError(op, domain.ErrNotFound, "queue %q not found", name)
	}
	return len(q.stored), nil
}
