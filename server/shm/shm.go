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

// Package shm implements the SHM server: named, refcounted shared
// regions with map/unmap/truncate and deferred unlink, backed by a
// sysio.Store and mmap'd via golang.org/x/sys/unix.
package shm

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/sysio"
)

// NameMax bounds a region's name length (the data model, SHM_NAME_MAX).
const NameMax = 64

// OpenMax bounds how many regions a single node may have open at once
// (SHM_OPEN_MAX).
const OpenMax = 16

// region is the server-side shared state for one named SHM region.
type region struct {
	name string
	owner domain.NodeId
	mode uint32
	size int64
	remove bool
	writable bool // region created/opened for write by its owner
	nodes map[domain.NodeId]*openSlot
}

// openSlot is a node's per-region open record.
type openSlot struct {
	write bool
	shared bool
	mapped bool
}

func (r *region) refcount() int { return len(r.nodes) }

// Server holds every SHM region, keyed by name, plus the byte-level
// backing store.
type Server struct {
	mu sync.Mutex
	regions map[string]*region
	store *sysio.Store
}

// NewServer returns an empty SHM server backed by store.
func NewServer(store *sysio.Store) *Server {
	return &Server{regions: make(map[string]*region), store: store}
}

func validateName(name string) error {
	const op = "shm.validate"
	if name == "" {
		return domain.NewError(op, domain.ErrInvalid, "empty name")
	}
	if len(name) > NameMax {
		return domain.NewError(op, domain.ErrNameTooLong, "name %q exceeds %d bytes", name, NameMax)
	}
	return nil
}

// CreateExcl creates region name, failing with AlreadyExists if it is
// already present (the CREATE_EXCL opcode).
func (s *Server) CreateExcl(caller domain.NodeId, name string, writable bool, mode uint32) (int32, error) {
	const op = "shm.create_excl"
	if err := validateName(name); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.regions[name]; ok {
		return 0, domain.NewError(op, domain.ErrAlreadyExists, "region %q already exists", name)
	}

	if err := s.store.Create(name, 0); err != nil {
		return 0, domain.NewError(op, domain.ErrResourceExhausted, "%v", err)
	}

	r := &region{
		name: name,
		owner: caller,
		mode: mode,
		writable: writable,
		nodes: make(map[domain.NodeId]*openSlot),
	}
	r.nodes[caller] = &openSlot{write: writable}
	s.regions[name] = r

	logrus.Debugf("shm: created region %q owner=%d", name, caller)
	return int32(caller), nil
}

// Create is CREATE_EXCL's non-exclusive sibling: it opens the region if
// it already exists instead of failing.
func (s *Server) Create(caller domain.NodeId, name string, writable bool, mode uint32) (int32, error) {
	s.mu.Lock()
	_, exists := s.regions[name]
	s.mu.Unlock()

	if exists {
		return s.Open(caller, name, writable, false)
	}
	return s.CreateExcl(caller, name, writable, mode)
}

// Open binds caller to an existing region, or ErrNotFound. trunc
// truncates the region to zero length first (requires writable and no
// current mapper, same rule TRUNCATE enforces).
func (s *Server) Open(caller domain.NodeId, name string, writable, trunc bool) (int32, error) {
	const op = "shm.open"
	if err := validateName(name); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[name]
	if !ok {
		return 0, domain.NewError(op, domain.ErrNotFound, "region %q not found", name)
	}
	if writable && !r.writable {
		return 0, domain.NewError(op, domain.ErrPermissionDenied, "region %q not writable", name)
	}

	if trunc {
		if err := s.truncateLocked(r, 0, writable); err != nil {
			return 0, err
		}
	}

	slot, already := r.nodes[caller]
	if !already {
		slot = &openSlot{write: writable}
		r.nodes[caller] = slot
	} else {
		slot.write = slot.write || writable
	}

	return int32(r.owner), nil
}

// Unlink marks name for deferred deletion: it is only the owner's
// privilege, and the actual removal happens once the last holder closes.
func (s *Server) Unlink(caller domain.NodeId, name string) error {
	const op = "shm.unlink"
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "region %q not found", name)
	}
	if r.owner != caller {
		return domain.NewError(op, domain.ErrPermissionDenied, "caller %d is not owner of %q", caller, name)
	}

	r.remove = true
	if r.refcount() == 0 {
		s.destroyLocked(r)
	}
	return nil
}

// Close drops caller's open slot on name, freeing the region if it was
// marked for removal and this was the last holder.
func (s *Server) Close(caller domain.NodeId, name string) error {
	const op = "shm.close"
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "region %q not found", name)
	}
	slot, ok := r.nodes[caller]
	if !ok {
		return domain.NewError(op, domain.ErrInvalid, "caller %d has no open slot on %q", caller, name)
	}
	if slot.mapped {
		return domain.NewError(op, domain.ErrInvalid, "caller %d must unmap %q before closing", caller, name)
	}

	delete(r.nodes, caller)
	if r.remove && r.refcount() == 0 {
		s.destroyLocked(r)
	}
	return nil
}

func (s *Server) destroyLocked(r *region) {
	if err := s.store.Remove(r.name); err != nil {
		logrus.Warnf("shm: backing store remove %q: %v", r.name, err)
	}
	delete(s.regions, r.name)
	logrus.Debugf("shm: destroyed region %q", r.name)
}

// Truncate resizes name to size; forbidden while any node has it mapped,
// and requires the caller opened it for write.
func (s *Server) Truncate(caller domain.NodeId, name string, size int64) error {
	const op = "shm.truncate"
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "region %q not found", name)
	}
	slot, ok := r.nodes[caller]
	if !ok || !slot.write {
		return domain.NewError(op, domain.ErrPermissionDenied, "caller %d cannot truncate %q", caller, name)
	}
	return s.truncateLocked(r, size, true)
}

func (s *Server) truncateLocked(r *region, size int64, writable bool) error {
	const op = "shm.truncate"
	if !writable {
		return domain.NewError(op, domain.ErrPermissionDenied, "truncate requires write access")
	}
	for _, slot := range r.nodes {
		if slot.mapped {
			return domain.NewError(op, domain.ErrInvalid, "region %q has mapped holders", r.name)
		}
	}
	if err := s.store.Truncate(r.name, size); err != nil {
		return domain.NewError(op, domain.ErrResourceExhausted, "%v", err)
	}
	r.size = size
	return nil
}

// Map validates and records a mapping request; it does not itself call
// into sysio.Map (that happens on the calling node, which may not be this
// server's process) -- it returns the region's size so the caller can
// mmap the backing path itself. The server keeps no
// mapped-memory state; the backing store path is resolved by the client
// against the same store root.
func (s *Server) Map(caller domain.NodeId, name string, offset, length int64, writable, shared bool) (int64, error) {
	const op = "shm.map"
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[name]
	if !ok {
		return 0, domain.NewError(op, domain.ErrNotFound, "region %q not found", name)
	}
	slot, ok := r.nodes[caller]
	if !ok {
		return 0, domain.NewError(op, domain.ErrInvalid, "caller %d has not opened %q", caller, name)
	}
	if writable && !(r.writable && slot.write) {
		return 0, domain.NewError(op, domain.ErrPermissionDenied, "writable map requires writable open")
	}
	if offset+length > r.size {
		return 0, domain.NewError(op, domain.ErrInvalid, "offset+length %d exceeds size %d", offset+length, r.size)
	}

	slot.mapped = true
	slot.shared = shared
	return r.size, nil
}

// Unmap clears caller's mapped flag on name.
func (s *Server) Unmap(caller domain.NodeId, name string) error {
	const op = "shm.unmap"
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regions[name]
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "region %q not found", name)
	}
	slot, ok := r.nodes[caller]
	if !ok {
		return domain.NewError(op, domain.ErrInvalid, "caller %d has no open slot on %q", caller, name)
	}
	slot.mapped = false

	if r.remove && r.refcount() == 0 {
		s.destroyLocked(r)
	}
	return nil
}
