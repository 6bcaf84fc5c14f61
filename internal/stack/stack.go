// Package stack implements a segmented LIFO byte stack backed by a chain of fixed-capacity blocks.
package stack

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cespare/xxhash/v2"
)

var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrAllocationFailure = errors.New("block allocation failed")
	ErrStackDestroyed    = errors.New("stack is destroyed")
	ErrChainCorrupted    = errors.New("block chain is corrupted")
)

// Allocator defines the contract for a memory pool that hands out block buffers.
type Allocator interface {
	Get(capacity int) ([]byte, error) // Get returns a buffer of at least capacity bytes.
	Put(b []byte)                     // Put returns a buffer obtained from Get.
}

// Stack represents a growable byte stack stored in a chain of equally sized blocks.
//
// Pushed bytes fill the current (top) block and spill into newly allocated blocks;
// popped bytes are removed from the top, releasing blocks as they empty. The oldest
// block is never released before Destroy, so a live stack always owns at least one block.
//
// Blocks are kept in an arena of slots and linked by slot index. Released slots are
// recycled by later allocations.
//
// Not safe for concurrent use.
type Stack[A Allocator] struct {
	logger    *slog.Logger
	allocator A

	blocks    []block // Arena of block slots.
	freeSlots []int   // Released slots available for reuse.

	oldest  int // Slot of the bottom block.
	current int // Slot of the top block, receiving pushes and yielding pops.

	elementSize   int // Element size hint the stack was created with.
	blockCapacity int // Bytes per block.
	blockCount    int // Number of live blocks in the chain.
	liveBytes     int // Sum of every block cursor.
	destroyed     bool
}

// New creates a new, empty Stack with a single block sized for elementSize.
// The error is ErrInvalidArgument for a non-positive elementSize and
// ErrAllocationFailure if the first block cannot be obtained.
func New[A Allocator](allocator A, logger *slog.Logger, elementSize int) (*Stack[A], error) {
	capacity, err := BlockCapacity(elementSize)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Stack[A]{
		logger:        logger,
		allocator:     allocator,
		oldest:        noBlock,
		current:       noBlock,
		elementSize:   elementSize,
		blockCapacity: capacity,
	}
	idx, err := s.allocBlock()
	if err != nil {
		s.Destroy() // Nothing is linked yet; marks the stack unusable.
		return nil, err
	}
	s.oldest = idx
	s.current = idx
	s.blockCount = 1
	return s, nil
}

// Destroy releases every block back to the allocator, walking from the oldest
// to the current block. The stack cannot be used afterwards.
// The error is ErrStackDestroyed if the stack was already destroyed, and
// ErrChainCorrupted if the chain did not match the tracked block count or
// left blocks unreachable; in both cases no block is left allocated by the stack.
func (s *Stack[A]) Destroy() error {
	if s.destroyed {
		return ErrStackDestroyed
	}

	released := 0
	for idx := s.oldest; idx != noBlock && s.blocks[idx].buf != nil; {
		next := s.blocks[idx].newer
		s.releaseBlock(idx)
		released++
		idx = next
	}

	// Sweep occupied slots the walk could not reach.
	unreachable := 0
	for idx := range s.blocks {
		if s.blocks[idx].buf != nil {
			s.releaseBlock(idx)
			unreachable++
		}
	}

	var err error
	if released != s.blockCount || unreachable > 0 {
		err = fmt.Errorf(
			"%w: released %d linked and %d unreachable blocks, expected %d",
			ErrChainCorrupted, released, unreachable, s.blockCount,
		)
		s.logger.Error("Failed to destroy stack cleanly", "error", err)
	}

	s.blocks = nil
	s.freeSlots = nil
	s.oldest = noBlock
	s.current = noBlock
	s.blockCount = 0
	s.liveBytes = 0
	s.destroyed = true
	return err
}

// Reset pops all bytes, releasing every block except the oldest which is kept empty.
func (s *Stack[A]) Reset() {
	if s.destroyed {
		return
	}
	for s.current != s.oldest {
		s.blocks[s.current].cursor = 0
		s.releaseTop()
	}
	s.blocks[s.oldest].cursor = 0
	s.liveBytes = 0
}

// Push appends the contents of p to the stack, growing the chain as needed.
// It returns the number of bytes pushed. If a new block cannot be allocated, n is
// less than len(p) and err wraps ErrAllocationFailure; the first n bytes of p remain
// on the stack and can be popped.
func (s *Stack[A]) Push(p []byte) (n int, err error) {
	if s.destroyed {
		return 0, ErrStackDestroyed
	}

	for n < len(p) {
		top := &s.blocks[s.current]
		if top.room() == 0 {
			if err := s.grow(); err != nil {
				s.logger.Warn(
					"Push truncated: unable to grow stack",
					"capacity", s.blockCapacity,
					"pushed", n,
					"requested", len(p),
					"error", err,
				)
				return n, err
			}
			continue
		}
		// copy is bounded by the room left in the block.
		c := copy(top.buf[top.cursor:], p[n:])
		top.cursor += c
		s.liveBytes += c
		n += c
	}
	return n, nil
}

// Pop removes up to len(dst) of the most recently pushed bytes and writes them to dst
// in the order they are removed, i.e. dst[0] holds the most recently pushed byte.
// It returns the number of bytes popped, which is less than len(dst) only if the
// stack held fewer live bytes.
func (s *Stack[A]) Pop(dst []byte) (n int, err error) {
	if s.destroyed {
		return 0, ErrStackDestroyed
	}
	return s.pop(dst, false), nil
}

// PopRun removes up to len(dst) of the most recently pushed bytes like Pop, but writes
// them to dst[:n] in the order they were pushed. Pushing p and then calling PopRun with
// a buffer of len(p) yields p unchanged.
func (s *Stack[A]) PopRun(dst []byte) (n int, err error) {
	if s.destroyed {
		return 0, ErrStackDestroyed
	}
	return s.pop(dst, true), nil
}

// pop unwinds the top of the chain into dst. If ordered is set the popped run
// keeps its push order, otherwise it is reversed.
func (s *Stack[A]) pop(dst []byte, ordered bool) int {
	want := min(len(dst), s.liveBytes)
	n := 0
	for n < want {
		top := &s.blocks[s.current]
		take := min(want-n, top.cursor)
		if take == 0 {
			break // Only reachable with an empty sole block.
		}
		src := top.buf[top.cursor-take : top.cursor]
		if ordered {
			copy(dst[want-n-take:want-n], src)
		} else {
			for i := range take {
				dst[n+i] = src[take-1-i]
			}
		}
		top.cursor -= take
		s.liveBytes -= take
		n += take
		if top.cursor == 0 {
			s.releaseTop()
		}
	}
	return n
}

// grow links a newly allocated block as the current block.
func (s *Stack[A]) grow() error {
	idx, err := s.allocBlock()
	if err != nil {
		return err
	}
	s.blocks[s.current].newer = idx
	s.blocks[idx].older = s.current
	s.current = idx
	s.blockCount++
	return nil
}

// releaseTop releases the current block and makes its older neighbour current.
// The sole remaining block is never released.
func (s *Stack[A]) releaseTop() {
	older := s.blocks[s.current].older
	if older == noBlock {
		return
	}
	s.releaseBlock(s.current)
	s.blocks[older].newer = noBlock
	s.current = older
	s.blockCount--
}

// allocBlock obtains a buffer from the allocator and stores it in a free slot.
// It returns the slot index of the new, unlinked block.
func (s *Stack[A]) allocBlock() (int, error) {
	buf, err := s.allocator.Get(s.blockCapacity)
	if err != nil {
		return noBlock, fmt.Errorf("%w: %d bytes: %w", ErrAllocationFailure, s.blockCapacity, err)
	}
	if len(buf) < s.blockCapacity {
		s.allocator.Put(buf)
		return noBlock, fmt.Errorf(
			"%w: allocator returned %d bytes, expected %d", ErrAllocationFailure, len(buf), s.blockCapacity,
		)
	}
	b := newBlock(buf[:s.blockCapacity])

	if n := len(s.freeSlots); n > 0 {
		idx := s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
		s.blocks[idx] = b
		return idx, nil
	}
	s.blocks = append(s.blocks, b)
	return len(s.blocks) - 1, nil
}

// releaseBlock returns the block buffer to the allocator and frees its slot.
// It does not touch the block's neighbours.
func (s *Stack[A]) releaseBlock(idx int) {
	s.allocator.Put(s.blocks[idx].buf)
	s.blocks[idx] = newBlock(nil)
	s.freeSlots = append(s.freeSlots, idx)
}

// Len returns the number of live bytes on the stack.
func (s *Stack[A]) Len() int {
	return s.liveBytes
}

// BlockCount returns the number of blocks in the chain.
func (s *Stack[A]) BlockCount() int {
	return s.blockCount
}

// BlockCapacity returns the number of bytes per block.
func (s *Stack[A]) BlockCapacity() int {
	return s.blockCapacity
}

// ElementSize returns the element size hint the stack was created with.
func (s *Stack[A]) ElementSize() int {
	return s.elementSize
}

// Cursor returns the number of live bytes in the current block.
func (s *Stack[A]) Cursor() int {
	if s.destroyed {
		return 0
	}
	return s.blocks[s.current].cursor
}

// Current returns a copy of the live bytes in the current block.
func (s *Stack[A]) Current() []byte {
	if s.destroyed {
		return nil
	}
	return bytes.Clone(s.blocks[s.current].live())
}

// Sum64 returns the xxhash digest of all live bytes in push order.
func (s *Stack[A]) Sum64() uint64 {
	d := xxhash.New()
	if s.destroyed {
		return d.Sum64()
	}
	for idx := s.oldest; idx != noBlock; idx = s.blocks[idx].newer {
		d.Write(s.blocks[idx].live())
	}
	return d.Sum64()
}
