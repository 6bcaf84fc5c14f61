package stack

import (
	"fmt"
	"math"
)

const (
	// TargetBlockBytes is the aggregate size a block aims for when holding small elements.
	TargetBlockBytes = 2048

	// LargeElementSize is the element size from which a block holds exactly two elements.
	LargeElementSize = 1024
)

// BlockCapacity returns the number of bytes per block for the given element size hint.
//
// Elements smaller than LargeElementSize are packed into TargetBlockBytes, rounded down
// to a whole number of elements; any remainder is dropped, so the capacity may be below
// TargetBlockBytes. Larger elements get room for exactly two elements per block.
func BlockCapacity(elementSize int) (int, error) {
	if elementSize <= 0 {
		return 0, fmt.Errorf("%w: element size must be positive, got %d", ErrInvalidArgument, elementSize)
	}
	if elementSize >= LargeElementSize {
		if elementSize > math.MaxInt/2 {
			return 0, fmt.Errorf("%w: element size %d is too large", ErrInvalidArgument, elementSize)
		}
		return 2 * elementSize, nil
	}
	return (TargetBlockBytes / elementSize) * elementSize, nil
}
