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

// Package nameservice implements the name service: a flat
// string->NodeId mapping kept on a designated name-server node, reachable
// by every other node through the same mailbox request/response protocol
// as the stateful servers.
//
// The id table itself is held in a github.com/hashicorp/go-immutable-radix
// tree rather than a plain map: an ordered, copy-on-write index lets an
// introspect snapshot walk every bound name without holding the service
// lock for the duration of the walk.
package nameservice

import (
	"fmt"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
)

// NameMax bounds a bindable name's length (NANVIX_PROC_NAME_MAX).
const NameMax = 64

// Service is the name-server's in-memory state: a radix tree from name to
// NodeId plus the "server alive" one-shot fence described below.
type Service struct {
	mu sync.RWMutex
	tree *iradix.Tree

	aliveOnce sync.Once
	aliveCh chan struct{}
}

// NewService returns an empty name service.
func NewService() *Service {
	return &Service{
		tree: iradix.New(),
		aliveCh: make(chan struct{}),
	}
}

func validateName(name string) error {
	const op = "nameservice.validate"
	if name == "" {
		return domain.NewError(op, domain.ErrInvalid, "empty name")
	}
	if len(name) > NameMax {
		return domain.NewError(op, domain.ErrNameTooLong, "name %q exceeds %d bytes", name, NameMax)
	}
	return nil
}

// Link binds name to node. Re-linking an already-bound name is
// AlreadyExists; the caller must Unlink first.
func (s *Service) Link(name string, node domain.NodeId) error {
	const op = "nameservice.link"
	if err := validateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tree.Get([]byte(name)); ok {
		return domain.NewError(op, domain.ErrAlreadyExists, "name %q already bound", name)
	}

	tree, _, _ := s.tree.Insert([]byte(name), node)
	s.tree = tree
	logrus.Debugf("nameservice: linked %q -> node %d", name, node)
	return nil
}

// Lookup resolves name to its bound node, or ErrNotFound.
func (s *Service) Lookup(name string) (domain.NodeId, error) {
	const op = "nameservice.lookup"
	if err := validateName(name); err != nil {
		return domain.NodeIdNone, err
	}

	s.mu.RLock()
	v, ok := s.tree.Get([]byte(name))
	s.mu.RUnlock()

	if !ok {
		return domain.NodeIdNone, domain.NewError(op, domain.ErrNotFound, "name %q not bound", name)
	}
	return v.(domain.NodeId), nil
}

// Unlink removes name's binding, or ErrNotFound if it was never bound.
func (s *Service) Unlink(name string) error {
	const op = "nameservice.unlink"
	if err := validateName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tree, _, ok := s.tree.Delete([]byte(name))
	if !ok {
		return domain.NewError(op, domain.ErrNotFound, "name %q not bound", name)
	}
	s.tree = tree
	logrus.Debugf("nameservice: unlinked %q", name)
	return nil
}

// Snapshot returns a copy of every current binding, taken from a
// point-in-time view of the radix tree, for the introspect filesystem.
// The returned map carries no ordering.
func (s *Service) Snapshot() map[string]domain.NodeId {
	s.mu.RLock()
	tree := s.tree
	s.mu.RUnlock()

	out := make(map[string]domain.NodeId)
	it := tree.Root().Iterator()
	for {
		k, v, ok := it.Next()
		if !ok {
			break
		}
		out[string(k)] = v.(domain.NodeId)
	}
	return out
}

// MarkAlive fires the "server alive" fence exactly once; subsequent calls
// are no-ops. ServeMailbox calls it as its request loop starts. The
// fence is in-process only: WaitAlive is a method on Service, and the
// mailbox protocol has no opcode for it, so a remote node cannot wait
// on it.
func (s *Service) MarkAlive() {
	s.aliveOnce.Do(func() {
		close(s.aliveCh)
	})
}

// WaitAlive blocks until MarkAlive has been called.
func (s *Service) WaitAlive() {
	<-s.aliveCh
}

// String renders the number of bindings for debug logging.
func (s *Service) String() string {
	return fmt.Sprintf("nameservice(%d bindings)", len(s.Snapshot()))
}
