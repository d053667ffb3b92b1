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

// Package semaphore implements the semaphore server: named counting
// semaphores with strict-FIFO blocked waiters. A Wait call on a zero
// value blocks and its handler returns without replying until a
// matching Post wakes it.
package semaphore

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
)

// NameMax bounds a semaphore's name.
const NameMax = 64

// ValueMax caps a semaphore's initial value (SEM_VALUE_MAX).
const ValueMax = 1 << 20

type waiter struct {
	node domain.NodeId
	wake chan struct{}
}

type semaphore struct {
	name string
	owner domain.NodeId
	mode uint32
	count int32
	remove bool
	holders map[domain.NodeId]bool
	queue []*waiter
}

// Server holds every semaphore, keyed by name.
type Server struct {
	mu sync.Mutex
	sems map[string]*semaphore
}

// NewServer returns an empty semaphore server.
func NewServer() *Server {
	return &Server{sems: make(map[string]*semaphore)}
}

func validateName(name string) error {
	const op = "semaphore.validate"
	if name == "" {
		return domain.NewError(op, domain.ErrInvalid, "empty name")
	}
	if len(name) > NameMax {
		return domain.NewError(op, domain.ErrNameTooLong, "name %q exceeds %d bytes", name, NameMax)
	}
	return nil
}

// CreateExcl creates name with an initial value, failing if it exists.
func (s *Server) CreateExcl(caller domain.NodeId, name string, value int32, mode uint32) error {
	const op = "semaphore.create_excl"
	if err := validateName(name); err != nil {
		return err
	}
	if value < 0 || value > ValueMax {
		return domain.NewError(op, domain.ErrInvalid, "value %d out of range", value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sems[name]; ok {
		return domain.NewError(op, domain.ErrAlreadyExists, "semaphore %q already exists", name)
	}

	s.sems[name] = &semaphore{
		name: name,
		owner: caller,
		mode: mode,
		count: value,
		holders: map[domain.NodeId]bool{caller: true},
	}
	return nil
}

// Open binds caller to an existing semaphore.
func (s *Server) Open(caller domain.NodeId, name string) error {
	const op = "semaphore.open"
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.sems[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "semaphore %q not found", name)
	}
	sem.holders[caller] = true
	return nil
}

// Wait decrements count. If the result is negative, caller is enqueued
// FIFO and Wait blocks until woken by a matching Post or by Unlink; it returns nil once
// woken (there is no failure path for a queued wait other than the
// process dying, which is out of scope).
func (s *Server) Wait(caller domain.NodeId, name string) error {
	const op = "semaphore.wait"
	s.mu.Lock()

	sem, ok := s.sems[name]
	if !ok {
		s.mu.Unlock()
		return domain.NewError(op, domain.ErrNotFound, "semaphore %q not found", name)
	}

	sem.count--
	if sem.count >= 0 {
		s.mu.Unlock()
		return nil
	}

	w := &waiter{node: caller, wake: make(chan struct{})}
	sem.queue = append(sem.queue, w)
	s.mu.Unlock()

	<-w.wake
	return nil
}

// Post increments count; if the result is <= 0 it wakes the FIFO head.
func (s *Server) Post(caller domain.NodeId, name string) error {
	const op = "semaphore.post"
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.sems[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "semaphore %q not found", name)
	}

	sem.count++
	if sem.count <= 0 {
		if len(sem.queue) == 0 {
			logrus.Panicf("semaphore %q: count %d <= 0 with empty queue", name, sem.count)
		}
		w := sem.queue[0]
		sem.queue = sem.queue[1:]
		close(w.wake)
	}
	return nil
}

// Value returns the semaphore's current count, for tests and introspection.
func (s *Server) Value(name string) (int32, error) {
	const op = "semaphore.value"
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[name]
	if !ok {
		return 0, domain.NewError(op, domain.ErrNotFound, "semaphore %q not found", name)
	}
	return sem.count, nil
}

// QueueLen returns the number of currently blocked waiters.
func (s *Server) QueueLen(name string) (int, error) {
	const op = "semaphore.queuelen"
	s.mu.Lock()
	defer s.mu.Unlock()
	sem, ok := s.sems[name]
	if !ok {
		return 0, domain.NewError(op, domain.ErrNotFound, "semaphore %q not found", name)
	}
	return len(sem.queue), nil
}

// Unlink marks name for removal; with living holders it wakes every
// queued waiter (closing their wait with no further progress possible)
// and defers actual destruction until the last holder closes.
func (s *Server) Unlink(caller domain.NodeId, name string) error {
	const op = "semaphore.unlink"
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.sems[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "semaphore %q not found", name)
	}
	if sem.owner != caller {
		return domain.NewError(op, domain.ErrPermissionDenied, "caller %d is not owner of %q", caller, name)
	}

	sem.remove = true
	for _, w := range sem.queue {
		close(w.wake)
	}
	sem.queue = nil

	if len(sem.holders) == 0 {
		delete(s.sems, name)
	}
	return nil
}

// Close drops caller's holder reference, destroying the semaphore if it
// was marked for removal and this was the last holder.
func (s *Server) Close(caller domain.NodeId, name string) error {
	const op = "semaphore.close"
	s.mu.Lock()
	defer s.mu.Unlock()

	sem, ok := s.sems[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "semaphore %q not found", name)
	}
	delete(sem.holders, caller)

	if sem.remove && len(sem.holders) == 0 {
		delete(s.sems, name)
	}
	return nil
}
