package device

import (
	"fmt"
	"log/slog"
)

// Config holds the settings used to start an execution context
type Config struct {
	// WarpSize is the hardware scheduling width; Pad rounds up to it.
	WarpSize uint32

	// MaxSparse bounds batch and per-example datapoints for boolean sparse
	// inputs on the fused sparse path; MaxSparseAnalog does the same for
	// valued sparse inputs.
	MaxSparse       uint32
	MaxSparseAnalog uint32

	// PeerToPeer requests direct peer buffer access when the communicator
	// supports it. All ranks must support it for it to be enabled.
	PeerToPeer bool

	// DevicesPerNode maps ranks to device ordinals (rank % DevicesPerNode).
	DevicesPerNode int

	// GPUMemory caps device allocations in bytes; 0 means unlimited.
	GPUMemory uint64

	ECC              bool
	CanMapHostMemory bool
	SMVersion        int

	Seed uint64

	Logger *slog.Logger
}

// DefaultConfig returns the default execution context configuration
func DefaultConfig() Config {
	return Config{
		WarpSize:         32,
		MaxSparse:        (1 << 12) - 1,
		MaxSparseAnalog:  (1 << 11) - 1,
		PeerToPeer:       true,
		DevicesPerNode:   8,
		GPUMemory:        0,
		ECC:              false,
		CanMapHostMemory: true,
		SMVersion:        52,
		Seed:             12134,
		Logger:           nil,
	}
}

// Validate checks the configuration for unusable values
func (c Config) Validate() error {
	if c.WarpSize == 0 || c.WarpSize&(c.WarpSize-1) != 0 {
		return fmt.Errorf("warp size must be a power of two, got %d", c.WarpSize)
	}
	if c.MaxSparse == 0 {
		return fmt.Errorf("max sparse threshold must be positive")
	}
	if c.MaxSparseAnalog == 0 {
		return fmt.Errorf("max sparse analog threshold must be positive")
	}
	if c.DevicesPerNode <= 0 {
		return fmt.Errorf("devices per node must be positive, got %d", c.DevicesPerNode)
	}
	return nil
}
