package blockstack

import (
	"errors"
	"fmt"
	"log/slog"
)

type BlockPoolConfig struct {
	// Number of free blocks for each capacity the pool can hold before starting to release memory.
	// Memory is released a whole slab at a time, and only for slabs with no block in use.
	// A value <= 0 never releases memory.
	FreeThreshold int
}

func DefaultBlockPoolConfig() BlockPoolConfig {
	return BlockPoolConfig{
		FreeThreshold: 1024, // 2MB for 2KiB blocks.
	}
}

type Config struct {
	// ElementSize is the size hint, in bytes, of the values pushed to the stack.
	// It determines the block capacity: small elements are packed into blocks of
	// about 2KiB, elements of 1KiB or more get blocks holding exactly two.
	ElementSize int

	Logger *slog.Logger // Defaults to slog.Default() when nil.
}

func (c Config) Validate() error {
	var errs []error
	if c.ElementSize <= 0 {
		errs = append(errs, fmt.Errorf("invalid config: element size must be positive, got %d", c.ElementSize))
	}
	return errors.Join(errs...)
}

func DefaultConfig() Config {
	return Config{
		ElementSize: 16, // 128 elements per block.
		Logger:      slog.Default(),
	}
}
