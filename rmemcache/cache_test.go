package rmemcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeStore is an in-memory BlockStore standing in for the mailbox/
// portal-backed RMEM client in tests.
type fakeStore struct {
	mu sync.Mutex
	blocks map[PageNum][]byte
	next PageNum
	free []PageNum
}

func newFakeStore() *fakeStore {
	return &fakeStore{blocks: make(map[PageNum][]byte)}
}

func (f *fakeStore) AllocBlock(owner int32) (PageNum, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := len(f.free); n > 0 {
		p := f.free[n-1]
		f.free = f.free[:n-1]
		return p, nil
	}
	p := f.next
	f.next++
	return p, nil
}

func (f *fakeStore) FreeBlock(owner int32, pgnum PageNum) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.blocks, pgnum)
	f.free = append(f.free, pgnum)
	return nil
}

func (f *fakeStore) FetchBlocks(start PageNum, count int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]byte, count*BlockSize)
	for i := 0; i < count; i++ {
		if b, ok := f.blocks[start+PageNum(i)]; ok {
			copy(out[i*BlockSize:], b)
		}
	}
	return out, nil
}

func (f *fakeStore) FlushBlocks(start PageNum, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := len(data) / BlockSize
	for i := 0; i < count; i++ {
		b := make([]byte, BlockSize)
		copy(b, data[i*BlockSize:(i+1)*BlockSize])
		f.blocks[start+PageNum(i)] = b
	}
	return nil
}

func TestGetWritePutFlushRoundTrip(t *testing.T) {
	store := newFakeStore()
	c := New(store, FIFO, false) // write-back

	data, err := c.Get(0)
	require.NoError(t, err)
	data[0] = 0xAB
	require.NoError(t, c.Put(0, 0))
	require.NoError(t, c.Flush(0))

	raw, err := store.FetchBlocks(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xAB), raw[0])
}

func TestWriteThroughIsImmediatelyDurable(t *testing.T) {
	store := newFakeStore()
	c := New(store, FIFO, true) // write-through

	data, err := c.Get(0)
	require.NoError(t, err)
	data[0] = 0xCD
	require.NoError(t, c.Put(0, 0))

	raw, err := store.FetchBlocks(0, 1)
	require.NoError(t, err)
	assert.Equal(t, byte(0xCD), raw[0])
}

func TestFIFOEvictsOldest(t *testing.T) {
	store := newFakeStore()
	c := NewSized(store, FIFO, true, 4, 1)

	for p := PageNum(0); p < 4; p++ {
		_, err := c.Get(p)
		require.NoError(t, err)
		require.NoError(t, c.Put(p, 0))
	}

	_, err := c.Get(4)
	require.NoError(t, err)
	require.NoError(t, c.Put(4, 0))

	c.mu.Lock()
	_, stillPresent := c.index[0]
	c.mu.Unlock()
	assert.False(t, stillPresent, "page 0's line should have been evicted")
}

func TestPinnedLineNeverEvicted(t *testing.T) {
	store := newFakeStore()
	c := NewSized(store, FIFO, true, 1, 1)

	_, err := c.Get(0) // ref_count becomes 1, never Put back
	require.NoError(t, err)

	_, err = c.Get(4) // forces eviction of the only line, which is pinned
	require.Error(t, err)
}

func TestBypassBoundsOccupancyToOne(t *testing.T) {
	store := newFakeStore()
	c := New(store, Bypass, true)

	for p := PageNum(0); p < 8; p += CacheBlockSize {
		_, err := c.Get(p)
		require.NoError(t, err)
		require.NoError(t, c.Put(p, 0))
		assert.LessOrEqual(t, c.Occupancy(), 1)
	}
}

func TestLIFOEvictsMostRecentlyLoaded(t *testing.T) {
	store := newFakeStore()
	c := NewSized(store, LIFO, true, 4, 1)

	for p := PageNum(0); p < 4; p++ {
		_, err := c.Get(p)
		require.NoError(t, err)
		require.NoError(t, c.Put(p, 0))
	}

	_, err := c.Get(4)
	require.NoError(t, err)
	require.NoError(t, c.Put(4, 0))

	c.mu.Lock()
	_, p3Present := c.index[3]
	c.mu.Unlock()
	assert.False(t, p3Present, "most recently loaded page (3) should have been evicted under LIFO")
}

// TestNFUHeavilyHitLineSurvivesEviction pins down the UpdateFreq-gated
// age update: without it, a heavily-hit line ties every never-hit line
// at age 1 and eviction falls back to array order, which can (and here
// does) evict the heavily-hit line anyway.
func TestNFUHeavilyHitLineSurvivesEviction(t *testing.T) {
	store := newFakeStore()
	c := NewSized(store, NFU, true, 2, 1)

	_, err := c.Get(0) // line "A"
	require.NoError(t, err)
	require.NoError(t, c.Put(0, 0))

	_, err = c.Get(1) // line "B"
	require.NoError(t, err)
	require.NoError(t, c.Put(1, 0))

	for i := 0; i < UpdateFreq; i++ {
		_, err := c.Get(0)
		require.NoError(t, err)
		require.NoError(t, c.Put(0, 0))
	}

	// both lines are occupied; loading a third page forces an eviction
	_, err = c.Get(2)
	require.NoError(t, err)
	require.NoError(t, c.Put(2, 0))

	c.mu.Lock()
	_, aPresent := c.index[0]
	_, bPresent := c.index[1]
	c.mu.Unlock()
	assert.True(t, aPresent, "heavily-hit page 0 should have survived NFU eviction")
	assert.False(t, bPresent, "never-hit page 1 should have been evicted")
}

// TestAgingHeavilyHitLineSurvivesEviction is TestNFU...'s counterpart for
// the Aging policy's shift-and-set-high-bit age update.
func TestAgingHeavilyHitLineSurvivesEviction(t *testing.T) {
	store := newFakeStore()
	c := NewSized(store, Aging, true, 2, 1)

	_, err := c.Get(0) // line "A"
	require.NoError(t, err)
	require.NoError(t, c.Put(0, 0))

	_, err = c.Get(1) // line "B"
	require.NoError(t, err)
	require.NoError(t, c.Put(1, 0))

	for i := 0; i < UpdateFreq; i++ {
		_, err := c.Get(0)
		require.NoError(t, err)
		require.NoError(t, c.Put(0, 0))
	}

	_, err = c.Get(2)
	require.NoError(t, err)
	require.NoError(t, c.Put(2, 0))

	c.mu.Lock()
	_, aPresent := c.index[0]
	_, bPresent := c.index[1]
	c.mu.Unlock()
	assert.True(t, aPresent, "heavily-hit page 0 should have survived Aging eviction")
	assert.False(t, bPresent, "never-hit page 1 should have been evicted")
}

func TestAllocFreeThroughCache(t *testing.T) {
	store := newFakeStore()
	c := New(store, FIFO, false)

	p, err := c.Alloc(7)
	require.NoError(t, err)

	data, err := c.Get(p)
	require.NoError(t, err)
	data[0] = 0x42
	require.NoError(t, c.Put(p, 0))
	require.NoError(t, c.Flush(p))

	require.NoError(t, c.Free(7, p))

	c.mu.Lock()
	_, present := c.index[c.alignDown(p)]
	c.mu.Unlock()
	assert.False(t, present, "freed page should be dropped from the cache")
}

func TestSelectReplacementAndSelectWrite(t *testing.T) {
	store := newFakeStore()
	c := New(store, FIFO, false)

	c.SelectReplacement(LIFO)
	c.mu.Lock()
	assert.Equal(t, LIFO, c.policy)
	c.mu.Unlock()

	c.SelectWrite(true)
	c.mu.Lock()
	assert.True(t, c.writeThrough)
	c.mu.Unlock()
}
