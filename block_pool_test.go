package blockstack

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"sync"
	"testing"

	"golang.org/x/sys/unix"
)

var TestBlockPoolConfig = BlockPoolConfig{
	FreeThreshold: 10,
}

var testCapacities = []int{2040, 2048, 3000}

func TestBlockPool(t *testing.T) {
	t.Run("Get and Put single block for each capacity", func(t *testing.T) {
		pool := NewBlockPool(BlockPoolConfig{}) // Never releases memory.
		for _, capacity := range testCapacities {
			if numFree := pool.numFree(capacity); numFree != 0 {
				t.Fatalf("expected new pool for capacity %d to be empty, got %d blocks", capacity, numFree)
			}
		}

		for _, capacity := range testCapacities {
			block, err := pool.Get(capacity)
			if err != nil {
				t.Fatalf("failed to get block of capacity %d: %v", capacity, err)
			}
			if len(block) != capacity || cap(block) != capacity {
				t.Errorf("expected for capacity %d: len/cap %d, got len=%d, cap=%d", capacity, capacity, len(block), cap(block))
			}
			block[0], block[capacity-1] = 1, 1 // Mapped memory is writable.

			slabs := pool.slabs(capacity)
			if len(slabs) != 1 {
				t.Fatalf("expected for capacity %d: 1 slab, got %d", capacity, len(slabs))
			}
			expectedFree := slabs[0].numBlocks - 1
			if numFree := pool.numFree(capacity); numFree != expectedFree {
				t.Errorf("expected for capacity %d: free blocks %d after Get, got %d", capacity, expectedFree, numFree)
			}

			pool.Put(block[:0]) // Put restores the full capacity.

			if numFree := pool.numFree(capacity); numFree != slabs[0].numBlocks {
				t.Fatalf("expected for capacity %d: free blocks %d after Put, got %d", capacity, slabs[0].numBlocks, numFree)
			}
		}
	})

	t.Run("Blocks are packed into page-aligned slabs", func(t *testing.T) {
		pool := NewBlockPool(BlockPoolConfig{})
		pageSize := unix.Getpagesize()
		for _, capacity := range testCapacities {
			if _, err := pool.Get(capacity); err != nil {
				t.Fatalf("failed to get block of capacity %d: %v", capacity, err)
			}
			s := pool.slabs(capacity)[0]
			size := len(s.data)
			if size%pageSize != 0 {
				t.Errorf("capacity %d: expected slab size %d to be a multiple of the page size %d", capacity, size, pageSize)
			}
			if waste := size - s.numBlocks*capacity; waste < 0 || waste >= capacity {
				t.Errorf("capacity %d: expected less than one block of waste per slab, got %d bytes", capacity, waste)
			}
			if s.numBlocks < minSlabSize/capacity {
				t.Errorf("capacity %d: expected at least %d blocks per slab, got %d", capacity, minSlabSize/capacity, s.numBlocks)
			}
			if perPage := s.numBlocks * pageSize / size; perPage < pageSize/capacity {
				t.Errorf("capacity %d: expected at least %d blocks per page, got %d", capacity, pageSize/capacity, perPage)
			}
		}
		if perPage := 32 * pageSize / slabSize(2048, pageSize); perPage != pageSize/2048 {
			t.Errorf("expected %d blocks of 2048 bytes per page, got %d", pageSize/2048, perPage)
		}
	})

	t.Run("Blocks of a slab do not overlap", func(t *testing.T) {
		pool := NewBlockPool(BlockPoolConfig{})
		a, _ := pool.Get(2040)
		b, _ := pool.Get(2040)
		for i := range a {
			a[i] = 1
		}
		for i := range b {
			b[i] = 2
		}
		if !bytes.Equal(a, bytes.Repeat([]byte{1}, len(a))) {
			t.Fatal("expected block contents to be unaffected by its neighbour")
		}
	})

	t.Run("Put nil does not panic or add to pool", func(t *testing.T) {
		pool := NewBlockPool(TestBlockPoolConfig)
		pool.Put(nil) // This should be a no-op and should not cause a panic.
		if len(pool.free) != 0 {
			t.Fatalf("expected new pool to be empty, got %d free lists", len(pool.free))
		}
	})

	t.Run("Put foreign block does not add to pool", func(t *testing.T) {
		pool := NewBlockPool(TestBlockPoolConfig)
		if _, err := pool.Get(2048); err != nil {
			t.Fatal(err)
		}
		before := pool.numFree(2048)
		pool.Put(make([]byte, 2048)) // Same capacity, heap memory.
		if numFree := pool.numFree(2048); numFree != before {
			t.Fatalf("expected %d free blocks, got %d", before, numFree)
		}
	})

	t.Run("Invalid capacity", func(t *testing.T) {
		pool := NewBlockPool(TestBlockPoolConfig)
		if _, err := pool.Get(0); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
		if err := pool.Allocate(-1, 1); !errors.Is(err, ErrInvalidArgument) {
			t.Errorf("expected ErrInvalidArgument, got %v", err)
		}
	})

	t.Run("Allocate pre-warms the pool", func(t *testing.T) {
		pool := NewBlockPool(TestBlockPoolConfig)
		perSlab := minSlabSize / 2048
		if err := pool.Allocate(2048, perSlab+1); err != nil {
			t.Fatalf("failed to allocate: %v", err)
		}
		if numFree := pool.numFree(2048); numFree != 2*perSlab {
			t.Fatalf("expected %d free blocks, got %d", 2*perSlab, numFree)
		}
		if err := pool.Allocate(2048, 2); err != nil {
			t.Fatalf("failed to allocate: %v", err)
		}
		if n := len(pool.slabs(2048)); n != 2 {
			t.Fatalf("expected pool to keep 2 slabs, got %d", n)
		}
	})

	t.Run("Free threshold releases only fully free slabs", func(t *testing.T) {
		pool := NewBlockPool(TestBlockPoolConfig)
		perSlab := minSlabSize / 2048
		blocks := make([][]byte, perSlab+8)
		for i := range blocks {
			b, err := pool.Get(2048)
			if err != nil {
				t.Fatalf("failed to get block: %v", err)
			}
			blocks[i] = b
		}
		if n := len(pool.slabs(2048)); n != 2 {
			t.Fatalf("expected 2 slabs, got %d", n)
		}

		// The second slab becomes fully free and is released.
		for _, b := range blocks[perSlab:] {
			pool.Put(b)
		}
		if n := len(pool.slabs(2048)); n != 1 {
			t.Fatalf("expected 1 slab, got %d", n)
		}
		if numFree := pool.numFree(2048); numFree != 0 {
			t.Fatalf("expected 0 free blocks, got %d", numFree)
		}

		// A slab with a block in use is kept above the threshold.
		for _, b := range blocks[1:perSlab] {
			pool.Put(b)
		}
		if n := len(pool.slabs(2048)); n != 1 {
			t.Fatalf("expected 1 slab, got %d", n)
		}
		if numFree := pool.numFree(2048); numFree != perSlab-1 {
			t.Fatalf("expected %d free blocks, got %d", perSlab-1, numFree)
		}

		pool.Put(blocks[0])
		if n := len(pool.slabs(2048)); n != 0 {
			t.Fatalf("expected all slabs to be released, got %d", n)
		}
		if numFree := pool.numFree(2048); numFree != 0 {
			t.Fatalf("expected 0 free blocks, got %d", numFree)
		}
	})

	t.Run("Zero threshold never releases", func(t *testing.T) {
		pool := NewBlockPool(BlockPoolConfig{})
		blocks := make([][]byte, 3*minSlabSize/2048)
		for i := range blocks {
			blocks[i], _ = pool.Get(2048)
		}
		for _, b := range blocks {
			pool.Put(b)
		}
		if numFree := pool.numFree(2048); numFree != len(blocks) {
			t.Fatalf("expected %d free blocks, got %d", len(blocks), numFree)
		}
	})
}

// TestBlockPoolConcurrentStacks runs a stack per goroutine on one shared pool
// with a low threshold, so that Get, Put and unmapping interleave.
func TestBlockPoolConcurrentStacks(t *testing.T) {
	const (
		numWorkers = 8
		numCycles  = 200
		threshold  = 4
	)
	pool := NewBlockPool(BlockPoolConfig{FreeThreshold: threshold})
	config := Config{ElementSize: 64, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}

	var wg sync.WaitGroup
	for i := range numWorkers {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			s, err := Custom(pool, config)
			if err != nil {
				t.Errorf("worker %d: failed to create stack: %v", seed, err)
				return
			}
			defer s.Destroy()

			r := rand.New(rand.NewSource(seed))
			for range numCycles {
				data := make([]byte, r.Intn(5*s.BlockCapacity()))
				r.Read(data)
				if n, err := s.Push(data); err != nil || n != len(data) {
					t.Errorf("worker %d: failed to push: n=%d err=%v", seed, n, err)
					return
				}
				got := make([]byte, len(data))
				if n, _ := s.PopRun(got); n != len(data) || !bytes.Equal(got, data) {
					t.Errorf("worker %d: popped run mismatch", seed)
					return
				}
			}
		}(int64(i))
	}
	wg.Wait()

	capacity, _ := BlockCapacity(config.ElementSize)
	numFree := pool.numFree(capacity)
	if numFree > threshold {
		t.Errorf("expected at most %d free blocks, got %d", threshold, numFree)
	}
	mapped := 0
	for _, s := range pool.slabs(capacity) {
		if !s.isFree() {
			t.Errorf("expected every slab to be free, got %d of %d blocks free", s.numFree, s.numBlocks)
		}
		mapped += s.numBlocks
	}
	if mapped != numFree {
		t.Errorf("expected every mapped block to be free, got %d free of %d", numFree, mapped)
	}
}
