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

// Package rmemcache implements the RMEM client cache: a fixed number
// of cache lines, each holding one RMEM_CACHE_BLOCK_SIZE-aligned run of
// pages, with pluggable replacement (FIFO/LIFO/NFU/Aging/Bypass) and
// write (write-back/write-through) policies.
//
// Concurrency follows the lock+condvar+atomic-stats shape of the sneller
// tenant/dcache package: one mutex guards line metadata, a small set of
// atomic counters track hits/misses for telemetry without contending the
// lock.
package rmemcache

import (
	"sync"
	"sync/atomic"

	"github.com/nanvix/multikernel/domain"
)

// BlockSize matches rmem.BlockSize; duplicated here (rather than
// importing server/rmem) so a client can depend on rmemcache without
// pulling in the server's storage/bitmap machinery.
const BlockSize = 4096

// CacheBlockSize is how many consecutive pages one cache line holds
// (RMEM_CACHE_BLOCK_SIZE); a miss fetches this many pages at once.
const CacheBlockSize = 4

// Length is the number of lines in the cache (RMEM_CACHE_LENGTH).
const Length = 16

// UpdateFreq is how many hits it takes to bump a NFU line's age by one.
const UpdateFreq = 4

// PageNum is rpage_t: (server_index, block_number) packed into one word.
// Here it is simply the RMEM block number the page starts at.
type PageNum int64

// NullPage is the invalid/unset page number.
const NullPage PageNum = -1

// Policy selects the cache's eviction and age-update rules.
type Policy int

const (
	FIFO Policy = iota
	LIFO
	NFU
	Aging
	Bypass
)

// BlockStore is the remote-fetch/flush/allocate contract the cache needs
// from an RMEM server client; production code backs it with the mailbox/
// portal-based RMEM protocol, tests back it with an in-memory fake.
type BlockStore interface {
	FetchBlocks(start PageNum, count int) ([]byte, error)
	FlushBlocks(start PageNum, data []byte) error
	AllocBlock(owner int32) (PageNum, error)
	FreeBlock(owner int32, pgnum PageNum) error
}

type line struct {
	pgnum PageNum
	data []byte
	age uint64
	hits uint32 // on-hit counter gating NFU/Aging's UpdateFreq-interval age update
	refCount int32
	dirty bool
}

// Cache is one client's RMEM page cache.
type Cache struct {
	mu sync.Mutex
	cond *sync.Cond
	lines []*line
	index map[PageNum]int // pgnum -> line index, for non-bypass policies

	policy Policy
	writeThrough bool
	clock uint64

	store BlockStore

	hits, misses int64

	// lineSpan is how many consecutive pages one line holds; normally
	// CacheBlockSize, overridable by NewSized for tests that exercise a
	// specific (length, block-size) shape.
	lineSpan int
}

// New returns a cache of Length lines (or 1, for Bypass) using policy for
// replacement and writeThrough for the write-back/write-through choice.
func New(store BlockStore, policy Policy, writeThrough bool) *Cache {
	return NewSized(store, policy, writeThrough, Length, CacheBlockSize)
}

// NewSized is New with an explicit (length, lineSpan) shape.
func NewSized(store BlockStore, policy Policy, writeThrough bool, length, lineSpan int) *Cache {
	n := length
	if policy == Bypass {
		n = 1
	}
	c := &Cache{
		lines: make([]*line, n),
		index: make(map[PageNum]int, n),
		policy: policy,
		writeThrough: writeThrough,
		store: store,
		lineSpan: lineSpan,
	}
	c.cond = sync.NewCond(&c.mu)
	for i := range c.lines {
		c.lines[i] = &line{pgnum: NullPage}
	}
	return c
}

func (c *Cache) alignDown(p PageNum) PageNum {
	span := PageNum(c.lineSpan)
	return p - (p % span)
}

// Get locates pgnum, loading it from the store on a miss, and returns a
// pointer to its line's backing bytes with ref_count incremented. The
// caller must eventually call Put with the same pgnum.
func (c *Cache) Get(pgnum PageNum) ([]byte, error) {
	const op = "rmemcache.get"
	c.mu.Lock()
	defer c.mu.Unlock()

	if idx, ok := c.index[c.alignDown(pgnum)]; ok {
		l := c.lines[idx]
		atomic.AddInt64(&c.hits, 1)
		c.onHit(l)
		l.refCount++
		off := int(pgnum-l.pgnum) * BlockSize
		return l.data[off : off+BlockSize], nil
	}

	atomic.AddInt64(&c.misses, 1)

	victim, err := c.evict()
	if err != nil {
		return nil, err
	}

	aligned := c.alignDown(pgnum)
	data, err := c.store.FetchBlocks(aligned, c.lineSpan)
	if err != nil {
		return nil, domain.NewError(op, domain.ErrFaulted, "%v", err)
	}

	if victim.pgnum != NullPage {
		delete(c.index, victim.pgnum)
	}
	victim.pgnum = aligned
	victim.data = data
	victim.dirty = false
	victim.refCount = 0
	c.onLoad(victim)

	newIdx := c.lineIndex(victim)
	c.index[aligned] = newIdx

	victim.refCount++
	off := int(pgnum-aligned) * BlockSize
	return victim.data[off : off+BlockSize], nil
}

func (c *Cache) lineIndex(l *line) int {
	for i, ln := range c.lines {
		if ln == l {
			return i
		}
	}
	panic("rmemcache: line not found in cache")
}

// Put releases a reference acquired by Get, marking the page dirty
// (write policy decides what happens next) and biasing NFU's retention
// via strike.
func (c *Cache) Put(pgnum PageNum, strike uint64) error {
	c.mu.Lock()
	idx, ok := c.index[c.alignDown(pgnum)]
	if !ok {
		c.mu.Unlock()
		return domain.NewError("rmemcache.put", domain.ErrInvalid, "page %d not cached", pgnum)
	}
	l := c.lines[idx]
	l.refCount--
	l.dirty = true
	if c.policy == NFU {
		l.age += strike
	}
	writeThrough := c.writeThrough
	c.cond.Broadcast()
	c.mu.Unlock()

	if writeThrough {
		return c.Flush(pgnum)
	}
	return nil
}

// Flush writes back the entire cache block containing pgnum.
func (c *Cache) Flush(pgnum PageNum) error {
	const op = "rmemcache.flush"
	c.mu.Lock()
	idx, ok := c.index[c.alignDown(pgnum)]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	l := c.lines[idx]
	if !l.dirty {
		c.mu.Unlock()
		return nil
	}
	start := l.pgnum
	data := append([]byte(nil), l.data...)
	c.mu.Unlock()

	if err := c.store.FlushBlocks(start, data); err != nil {
		return domain.NewError(op, domain.ErrFaulted, "%v", err)
	}

	c.mu.Lock()
	l.dirty = false
	c.mu.Unlock()
	return nil
}

// Clean flushes every dirty line.
func (c *Cache) Clean() error {
	c.mu.Lock()
	pgnums := make([]PageNum, 0, len(c.lines))
	for _, l := range c.lines {
		if l.pgnum != NullPage && l.dirty {
			pgnums = append(pgnums, l.pgnum)
		}
	}
	c.mu.Unlock()

	for _, p := range pgnums {
		if err := c.Flush(p); err != nil {
			return err
		}
	}
	return nil
}

// onHit applies the policy's on-hit age-update rule. NFU and Aging both
// gate their age update on a per-line hit counter: nothing happens until
// UpdateFreq hits have accumulated on this line, at which point the
// counter resets and the age updates per policy (NFU: age++; Aging:
// shift right and set the high bit). Must hold the lock.
func (c *Cache) onHit(l *line) {
	switch c.policy {
	case NFU:
		l.hits++
		if l.hits >= UpdateFreq {
			l.hits = 0
			l.age++
		}
	case Aging:
		l.hits++
		if l.hits >= UpdateFreq {
			l.hits = 0
			l.age = (l.age >> 1) | (1 << 63)
		}
	}
}

// onLoad applies the policy's on-load age-assignment rule. Must hold the
// lock.
func (c *Cache) onLoad(l *line) {
	switch c.policy {
	case FIFO, LIFO:
		c.clock++
		l.age = c.clock
	case NFU:
		l.age = 1
		l.hits = 0
	case Aging:
		l.age = 1 << 63
		l.hits = 0
	}
}

// evict picks a victim line per policy, flushing it first if dirty
// (write-back policy keeps dirty data until eviction). Returns
// ErrResourceExhausted if every line is pinned (ref_count > 0).
func (c *Cache) evict() (*line, error) {
	const op = "rmemcache.evict"

	// an empty slot always wins, regardless of policy
	for _, l := range c.lines {
		if l.pgnum == NullPage {
			return l, nil
		}
	}

	var victim *line
	switch c.policy {
	case FIFO, NFU, Aging:
		for _, l := range c.lines {
			if l.refCount > 0 {
				continue
			}
			if victim == nil || l.age < victim.age {
				victim = l
			}
		}
	case LIFO:
		for _, l := range c.lines {
			if l.refCount > 0 {
				continue
			}
			if victim == nil || l.age > victim.age {
				victim = l
			}
		}
	case Bypass:
		victim = c.lines[0]
		if victim.refCount > 0 {
			victim = nil
		}
	}

	if victim == nil {
		return nil, domain.NewError(op, domain.ErrResourceExhausted, "every line pinned")
	}

	if victim.dirty {
		c.mu.Unlock()
		err := c.store.FlushBlocks(victim.pgnum, victim.data)
		c.mu.Lock()
		if err != nil {
			return nil, domain.NewError(op, domain.ErrFaulted, "%v", err)
		}
		victim.dirty = false
	}

	return victim, nil
}

// SelectReplacement switches the cache's eviction policy. Existing lines
// keep whatever age/hits state they already accumulated; the new policy
// only governs future onHit/onLoad/evict decisions.
func (c *Cache) SelectReplacement(policy Policy) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = policy
}

// SelectWrite switches the cache between write-back (false) and
// write-through (true).
func (c *Cache) SelectWrite(writeThrough bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeThrough = writeThrough
}

// Alloc reserves a fresh page owned by owner through the backing store,
// returning its page number. The cache does not eagerly load it; the
// first Get(pgnum) pulls its content in on the ensuing miss.
func (c *Cache) Alloc(owner int32) (PageNum, error) {
	const op = "rmemcache.alloc"
	pgnum, err := c.store.AllocBlock(owner)
	if err != nil {
		return NullPage, domain.NewError(op, domain.ErrFaulted, "%v", err)
	}
	return pgnum, nil
}

// Free releases pgnum, which must be owned by owner, through the backing
// store. Any cached line holding it is dropped first, discarding any
// unflushed dirty data (the page is gone; there is nothing left to flush
// it to).
func (c *Cache) Free(owner int32, pgnum PageNum) error {
	const op = "rmemcache.free"

	c.mu.Lock()
	aligned := c.alignDown(pgnum)
	if idx, ok := c.index[aligned]; ok {
		l := c.lines[idx]
		delete(c.index, aligned)
		l.pgnum = NullPage
		l.data = nil
		l.dirty = false
	}
	c.mu.Unlock()

	if err := c.store.FreeBlock(owner, pgnum); err != nil {
		return domain.NewError(op, domain.ErrFaulted, "%v", err)
	}
	return nil
}

// Hits and Misses expose the atomic access counters for telemetry.
func (c *Cache) Hits() int64 { return atomic.LoadInt64(&c.hits) }
func (c *Cache) Misses() int64 { return atomic.LoadInt64(&c.misses) }

// Occupancy reports how many lines currently hold a page (Bypass bounds
// this to exactly 1).
func (c *Cache) Occupancy() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, l := range c.lines {
		if l.pgnum != NullPage {
			n++
		}
	}
	return n
}
