// Package blockstack implements a segmented, growable LIFO byte stack.
// Pushed bytes are stored in a chain of fixed-capacity blocks that is
// grown and shrunk a block at a time, so prior data is never copied.
package blockstack

import (
	"fmt"

	"github.com/holmberd/go-blockstack/internal/stack"
)

var (
	defaultBlockPool     = NewBlockPool(DefaultBlockPoolConfig())
	ErrInvalidArgument   = stack.ErrInvalidArgument
	ErrAllocationFailure = stack.ErrAllocationFailure
	ErrStackDestroyed    = stack.ErrStackDestroyed
	ErrChainCorrupted    = stack.ErrChainCorrupted
)

// Allocator supplies block buffers to a stack.
type Allocator = stack.Allocator

// Stack is a byte stack backed by blocks from an Allocator.
// Not safe for concurrent use.
type Stack[A Allocator] = stack.Stack[A]

// BlockCapacity returns the block capacity a stack uses for the given element size.
func BlockCapacity(elementSize int) (int, error) {
	return stack.BlockCapacity(elementSize)
}

// New creates a new stack backed by the shared default block pool.
func New(elementSize int) (*Stack[*BlockPool], error) {
	config := DefaultConfig()
	config.ElementSize = elementSize
	return Custom(defaultBlockPool, config)
}

// Custom creates a new stack with a custom allocator and config.
func Custom[A Allocator](allocator A, config Config) (*Stack[A], error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}
	return stack.New(allocator, config.Logger, config.ElementSize)
}
