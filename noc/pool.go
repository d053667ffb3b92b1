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

// Package noc implements the NoC communication layer: node addressing
// the generic resource pool and the mailbox/portal/sync
// endpoint tables built on top of it.
package noc

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
)

// Slot is the minimal contract a pool entry must satisfy: every concrete
// table entry (mailbox, portal, sync point) embeds domain.Flags and
// exposes it through this interface so Pool can manage the used/busy
// life-cycle without knowing the entry's concrete shape.
type Slot interface {
	GetFlags() *domain.Flags
}

// Pool is the fixed-size table of generic resources shared by every
// endpoint layer. Each layer (mailbox/portal/sync) keeps its own concrete
// entries behind the Slot interface while sharing the alloc/free/busy
// discipline and its single guarding mutex.
//
// Concurrency discipline: callers take Lock/Unlock around
// validation and structural changes; a slot picked for blocking I/O is
// marked Busy while the mutex is released, and any concurrent operation
// that finds Busy must release the lock and retry (callers implement the
// retry with Pool's condition variable, Broadcast/WaitBusyChange below).
type Pool struct {
	mu sync.Mutex
	cond *sync.Cond
	slots []Slot
	name string // for logging, e.g. "mailbox", "portal"
}

// NewPool allocates a pool of exactly n slots, all initially free. slots
// must already be populated with zero-value entries implementing Slot
// (e.g. a []*mailboxEndpoint cast to []Slot by the caller).
func NewPool(name string, slots []Slot) *Pool {
	p := &Pool{slots: slots, name: name}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Lock/Unlock expose the module-wide mutex to callers that need to
// validate and mutate more than one slot atomically (e.g. portal's
// per-remote slot state machine).
func (p *Pool) Lock() { p.mu.Lock() }
func (p *Pool) Unlock() { p.mu.Unlock() }

// Broadcast wakes every goroutine blocked in WaitBusyChange; called after
// any state transition that might unblock a waiter (e.g. a slot's Busy
// flag cleared, or a message delivered to an endpoint's queue).
func (p *Pool) Broadcast() { p.cond.Broadcast() }

// WaitBusyChange blocks on the pool's condition variable; the caller must
// hold the lock. Used by the busy+retry discipline: rather than a
// spin-wait, a concurrent operation that finds a slot Busy waits on this
// condvar instead of re-acquiring the lock in a hot loop.
func (p *Pool) WaitBusyChange() { p.cond.Wait() }

// Alloc scans for the first !Used slot, marks it Used and returns its
// index. Must be called with the lock held.
func (p *Pool) Alloc() (domain.EndpointId, error) {
	for i, s := range p.slots {
		f := s.GetFlags()
		if !f.Used {
			f.Used = true
			return domain.EndpointId(i), nil
		}
	}
	return domain.InvalidEndpoint, domain.NewError(p.name+".alloc", domain.ErrResourceExhausted, "no free slot")
}

// Free resets the slot at id to its zero Flags. Must be called with the
// lock held. Freeing an unused or busy slot is a programming error and
// panics rather than returning an error.
func (p *Pool) Free(id domain.EndpointId) {
	s := p.Get(id)
	f := s.GetFlags()
	if !f.Used {
		logrus.Panicf("%s: double free of slot %d", p.name, id)
	}
	if f.Busy {
		logrus.Panicf("%s: free of busy slot %d", p.name, id)
	}
	f.Reset()
}

// Get returns the slot at id without bounds-checking beyond a panic;
// callers are expected to validate ids against Len() first and convert
// out-of-range ids to domain.ErrInvalid at the API boundary.
func (p *Pool) Get(id domain.EndpointId) Slot {
	return p.slots[id]
}

// Valid reports whether id is within range.
func (p *Pool) Valid(id domain.EndpointId) bool {
	return id >= 0 && int(id) < len(p.slots)
}

// Len returns the pool's fixed capacity.
func (p *Pool) Len() int { return len(p.slots) }

// Find scans every used slot with pred, returning the first match. Must
// be called with the lock held: Pool uses a single mutex rather than a
// separate RWMutex because slots are mutated, not just read, on most
// lookups.
func (p *Pool) Find(pred func(domain.EndpointId, Slot) bool) (domain.EndpointId, Slot, bool) {
	for i, s := range p.slots {
		f := s.GetFlags()
		if !f.Used {
			continue
		}
		if pred(domain.EndpointId(i), s) {
			return domain.EndpointId(i), s, true
		}
	}
	return domain.InvalidEndpoint, nil, false
}
