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

// Package rmem implements the RMEM server: a fixed pool of
// owner-tagged blocks backed by a bitmap allocator and a sysio.Store,
// with fail-soft read/write semantics on bad block numbers.
package rmem

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanvix/multikernel/domain"
	"github.com/nanvix/multikernel/sysio"
)

// BlockSize is the fixed size of one RMEM block (RMEM_BLOCK_SIZE).
const BlockSize = 4096

// NumBlocks is how many blocks a single RMEM server owns (RMEM_NUM_BLOCKS);
// must be a multiple of BitmapWordLength.
const NumBlocks = 1024

// BitmapWordLength is the bit-width of one bitmap word.
const BitmapWordLength = 64

// NullBlock is the always-allocated "null" block that fail-soft reads and
// writes are redirected to.
const NullBlock = 0

func init() {
	if NumBlocks%BitmapWordLength != 0 {
		panic(fmt.Sprintf("rmem: NumBlocks %d not a multiple of BitmapWordLength %d", NumBlocks, BitmapWordLength))
	}
}

// Stats holds the counters reported when a server shuts down.
type Stats struct {
	NAllocs, NFrees, NReads, NWrites int64
	NBlocks int64
	TAlloc, TFree, TRead, TWrite time.Duration
	TStart, TShutdown time.Time
}

// Server owns NumBlocks blocks: a bitmap of allocation state, an owner
// table, and the byte-level backing store.
type Server struct {
	mu sync.Mutex
	bitmap []uint64
	owners []int32 // Pid; -1 for unallocated
	store *sysio.Store
	stats Stats
}

// NewServer returns a server with every block free except block 0, which
// is reserved and always allocated.
func NewServer(store *sysio.Store) *Server {
	s := &Server{
		bitmap: make([]uint64, NumBlocks/BitmapWordLength),
		owners: make([]int32, NumBlocks),
		store: store,
		stats: Stats{NBlocks: NumBlocks, TStart: time.Now()},
	}
	for i := range s.owners {
		s.owners[i] = -1
	}
	s.setBit(NullBlock)
	s.owners[NullBlock] = -1
	if err := s.store.Create(s.blockKey(NullBlock), BlockSize); err != nil {
		logrus.Panicf("rmem: failed to materialize null block: %v", err)
	}
	return s
}

func (s *Server) bitSet(n int) bool {
	return s.bitmap[n/BitmapWordLength]&(1<<uint(n%BitmapWordLength)) != 0
}

func (s *Server) setBit(n int) {
	s.bitmap[n/BitmapWordLength] |= 1 << uint(n%BitmapWordLength)
}

func (s *Server) clearBit(n int) {
	s.bitmap[n/BitmapWordLength] &^= 1 << uint(n%BitmapWordLength)
}

func (s *Server) blockKey(n int) string {
	return fmt.Sprintf("block-%d", n)
}

// Alloc picks the first clear bit, sets it, records owner, and returns the
// resulting block number, or domain.ErrResourceExhausted (RMEM_NULL) if
// every block is allocated.
func (s *Server) Alloc(owner int32) (int32, error) {
	const op = "rmem.alloc"
	start := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for n := 0; n < NumBlocks; n++ {
		if !s.bitSet(n) {
			s.setBit(n)
			s.owners[n] = owner
			if err := s.store.Create(s.blockKey(n), BlockSize); err != nil {
				s.clearBit(n)
				s.owners[n] = -1
				return NullBlock, domain.NewError(op, domain.ErrResourceExhausted, "%v", err)
			}
			s.stats.NAllocs++
			s.stats.TAlloc += time.Since(start)
			return int32(n), nil
		}
	}
	return NullBlock, domain.NewError(op, domain.ErrResourceExhausted, "no free block")
}

// Free requires the block be allocated and the caller be its owner; it
// zeroes the block and clears its bit. Block 0 is never freeable.
func (s *Server) Free(owner int32, blknum int32) error {
	const op = "rmem.free"
	start := time.Now()

	if blknum == NullBlock {
		return domain.NewError(op, domain.ErrFaulted, "block 0 cannot be freed")
	}
	if blknum < 0 || int(blknum) >= NumBlocks {
		return domain.NewError(op, domain.ErrInvalid, "block %d out of range", blknum)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.bitSet(int(blknum)) {
		return domain.NewError(op, domain.ErrFaulted, "block %d not allocated", blknum)
	}
	if s.owners[blknum] != owner {
		return domain.NewError(op, domain.ErrFaulted, "caller %d is not owner of block %d", owner, blknum)
	}

	zero := make([]byte, BlockSize)
	if _, err := s.store.WriteAt(s.blockKey(int(blknum)), zero, 0); err != nil {
		return domain.NewError(op, domain.ErrFaulted, "%v", err)
	}
	s.clearBit(int(blknum))
	s.owners[blknum] = -1

	s.stats.NFrees++
	s.stats.TFree += time.Since(start)
	return nil
}

// Read copies blknum's content into buf. If blknum is unallocated, block
// 0's content is substituted and the returned error carries ErrFaulted
// so the caller still gets meaningful data instead of a hard failure.
func (s *Server) Read(blknum int32, offset int64, buf []byte) error {
	const op = "rmem.read"
	start := time.Now()

	target := blknum
	var faulted error
	s.mu.Lock()
	if blknum < 0 || int(blknum) >= NumBlocks || !s.bitSet(int(blknum)) {
		target = NullBlock
		faulted = domain.NewError(op, domain.ErrFaulted, "block %d unallocated, substituted block 0", blknum)
	}
	s.mu.Unlock()

	if _, err := s.store.ReadAt(s.blockKey(int(target)), buf, offset); err != nil {
		return domain.NewError(op, domain.ErrFaulted, "%v", err)
	}

	s.mu.Lock()
	s.stats.NReads++
	s.stats.TRead += time.Since(start)
	s.mu.Unlock()

	return faulted
}

// Write writes buf into blknum at offset. Same fail-soft rule as Read:
// an unallocated target block is redirected to block 0 and ErrFaulted is
// returned alongside a successful write to that substitute.
func (s *Server) Write(blknum int32, offset int64, buf []byte) error {
	const op = "rmem.write"
	start := time.Now()

	target := blknum
	var faulted error
	s.mu.Lock()
	if blknum < 0 || int(blknum) >= NumBlocks || !s.bitSet(int(blknum)) {
		target = NullBlock
		faulted = domain.NewError(op, domain.ErrFaulted, "block %d unallocated, substituted block 0", blknum)
	}
	s.mu.Unlock()

	if _, err := s.store.WriteAt(s.blockKey(int(target)), buf, offset); err != nil {
		return domain.NewError(op, domain.ErrFaulted, "%v", err)
	}

	s.mu.Lock()
	s.stats.NWrites++
	s.stats.TWrite += time.Since(start)
	s.mu.Unlock()

	return faulted
}

// Shutdown logs and returns the server's lifetime statistics.
func (s *Server) Shutdown() Stats {
	s.mu.Lock()
	s.stats.TShutdown = time.Now()
	stats := s.stats
	s.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"nallocs": stats.NAllocs,
		"nfrees": stats.NFrees,
		"nreads": stats.NReads,
		"nwrites": stats.NWrites,
		"nblocks": stats.NBlocks,
		"uptime": stats.TShutdown.Sub(stats.TStart),
	}).Info("rmem: server shutting down")

	return stats
}
