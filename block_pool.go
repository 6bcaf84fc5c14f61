package blockstack

import (
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	KiB = 1024

	// minSlabSize is the minimum size of a mapping that blocks are carved from.
	minSlabSize = 64 * KiB
)

// slab is a single page-aligned mapping holding several blocks of one capacity.
type slab struct {
	data      []byte // The mapped region, as returned by mmap.
	capacity  int    // Capacity of each block in the slab.
	numBlocks int
	numFree   int // Blocks of the slab currently in the free list.
}

func (s *slab) isFree() bool {
	return s.numFree == s.numBlocks
}

// BlockPool is a thread-safe pool of off-heap memory blocks, keeping one free
// list per block capacity. Stacks sharing a pool recycle each other's blocks.
//
// Blocks are carved from page-aligned slabs so that small capacities do not each
// occupy a page of their own. A slab is unmapped only once all its blocks are free.
type BlockPool struct {
	mu     sync.Mutex
	free   map[int][][]byte // Free blocks keyed by capacity.
	owners map[*byte]*slab  // Slab of every block mapped by the pool, keyed by its first byte.

	// freeThreshold is the number of free blocks per capacity the pool
	// can hold before starting to release memory.
	freeThreshold int
	pageSize      int
}

// NewBlockPool creates a new, empty block pool.
func NewBlockPool(config BlockPoolConfig) *BlockPool {
	return &BlockPool{
		free:          make(map[int][][]byte),
		owners:        make(map[*byte]*slab),
		freeThreshold: config.FreeThreshold,
		pageSize:      unix.Getpagesize(),
	}
}

// Get retrieves a block of the given capacity, mapping a new slab if none is free.
func (p *BlockPool) Get(capacity int) ([]byte, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: block capacity must be positive, got %d", ErrInvalidArgument, capacity)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free[capacity]) == 0 {
		if err := p.alloc(capacity); err != nil {
			return nil, err
		}
	}
	list := p.free[capacity]
	n := len(list) - 1
	b := list[n]
	list[n] = nil
	p.free[capacity] = list[:n]
	p.owners[&b[0]].numFree--
	return b, nil
}

// Put returns a block to the pool.
// It does nothing if the block was not handed out by the pool's Get.
func (p *BlockPool) Put(b []byte) {
	if cap(b) == 0 {
		return
	}
	b = b[:cap(b)] // Ensure the block is reset to its full capacity before returning.

	p.mu.Lock()
	s, ok := p.owners[&b[0]]
	if !ok || s.capacity != len(b) {
		p.mu.Unlock()
		return
	}
	s.numFree++
	p.free[s.capacity] = append(p.free[s.capacity], b)
	toUnmap := p.releaseSlabs(s.capacity)
	p.mu.Unlock()

	// Perform unmap outside of the lock to avoid blocking other operations.
	for _, data := range toUnmap {
		p.unmap(data)
	}
}

// Allocate ensures that at least numBlocks of the given capacity are free in the pool.
// This is useful for pre-warming a pool to a specific capacity.
func (p *BlockPool) Allocate(capacity int, numBlocks int) error {
	if numBlocks <= 0 {
		return nil
	}
	if capacity <= 0 {
		return fmt.Errorf("%w: block capacity must be positive, got %d", ErrInvalidArgument, capacity)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.free[capacity]) < numBlocks {
		if err := p.alloc(capacity); err != nil {
			return err
		}
	}
	return nil
}

// unmap releases the memory of a slab back to the operating system.
func (p *BlockPool) unmap(data []byte) {
	if err := unix.Munmap(data); err != nil {
		slog.Error("failed to unmap slab", "size", len(data), "error", err)
	}
}

// alloc maps a new slab and adds its blocks to the free list of the given capacity.
// It assumes the caller holds the mutex.
func (p *BlockPool) alloc(capacity int) error {
	size := slabSize(capacity, p.pageSize)

	// Use unix.Mmap to allocate virtual memory that is not part the Go heap.
	// This effectively reduces how often the GOGC has to run.
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE,
	)
	if err != nil {
		return fmt.Errorf("%w: cannot mmap %d bytes for block capacity %d: %w", ErrAllocationFailure, size, capacity, err)
	}

	s := &slab{data: data, capacity: capacity, numBlocks: size / capacity}
	s.numFree = s.numBlocks
	list := p.free[capacity]
	for i := range s.numBlocks {
		b := data[i*capacity : (i+1)*capacity : (i+1)*capacity]
		p.owners[&b[0]] = s
		list = append(list, b)
	}
	p.free[capacity] = list
	return nil
}

// releaseSlabs trims the free list of the given capacity once it exceeds the threshold,
// removing fully free slabs until at most half the threshold is left or none remain.
// It returns the slabs that were removed and should be unmapped.
// It assumes the caller holds the mutex.
func (p *BlockPool) releaseSlabs(capacity int) (toUnmap [][]byte) {
	list := p.free[capacity]
	if p.freeThreshold <= 0 || len(list) <= p.freeThreshold {
		return nil
	}

	// Release down to half the threshold to prevent thrashing around it.
	released := make(map[*slab]bool)
	remaining := len(list)
	for _, b := range list {
		if remaining <= p.freeThreshold/2 {
			break
		}
		s := p.owners[&b[0]]
		if s.isFree() && !released[s] {
			released[s] = true
			remaining -= s.numBlocks
		}
	}
	if len(released) == 0 {
		return nil
	}

	kept := list[:0]
	for _, b := range list {
		if released[p.owners[&b[0]]] {
			delete(p.owners, &b[0])
			continue
		}
		kept = append(kept, b)
	}
	clear(list[len(kept):])
	p.free[capacity] = kept

	for s := range released {
		toUnmap = append(toUnmap, s.data)
	}
	return toUnmap
}

// numFree returns the number of available blocks for a given capacity.
// It is primarily intended as helper method in tests.
func (p *BlockPool) numFree(capacity int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free[capacity])
}

// slabs returns the mapped slabs holding blocks of the given capacity.
// It is primarily intended as helper method in tests.
func (p *BlockPool) slabs(capacity int) []*slab {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[*slab]bool)
	var slabs []*slab
	for _, s := range p.owners {
		if s.capacity == capacity && !seen[s] {
			seen[s] = true
			slabs = append(slabs, s)
		}
	}
	return slabs
}

// slabSize returns the size of the page-aligned mapping used for blocks of the given
// capacity: the smallest page multiple holding as many blocks as fit in minSlabSize.
func slabSize(capacity int, pageSize int) int {
	n := max(1, minSlabSize/capacity)
	return (n*capacity + pageSize - 1) / pageSize * pageSize
}
