package training

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/tsawler/go-dsstne/checkpoints"
	"github.com/tsawler/go-dsstne/optimizer"
)

// Config holds the settings of a training run
type Config struct {
	Epochs int

	// BatchSize resizes the network before training; 0 keeps its batch.
	BatchSize uint32

	// Optimizer selects the update rule and its base hyperparameters:
	// LearningRate is alpha, WeightDecay lambda and Momentum mu.
	Optimizer optimizer.Config

	// Scheduler scales the base learning rate by epoch; nil keeps it
	// constant.
	Scheduler LRScheduler

	// Shuffle draws a new example order each epoch when the network also
	// asks for shuffled indices. Every rank must use the same Seed.
	Shuffle bool
	Seed    uint64

	// ValidateEvery runs a validation pass every N epochs; 0 disables it.
	ValidateEvery int

	// Checkpoints are written to CheckpointDir every CheckpointInterval
	// epochs. An interval of 0 falls back to the network's own interval.
	CheckpointDir      string
	CheckpointInterval int
	CheckpointFormat   checkpoints.CheckpointFormat

	// Progress receives a per-batch progress bar on rank 0; nil disables it.
	Progress io.Writer

	// Logger overrides the execution context's logger.
	Logger *slog.Logger
}

// DefaultConfig returns the default training configuration
func DefaultConfig() Config {
	return Config{
		Epochs:           40,
		Optimizer:        optimizer.DefaultConfig(),
		Shuffle:          true,
		Seed:             12134,
		ValidateEvery:    0,
		CheckpointDir:    ".",
		CheckpointFormat: checkpoints.FormatNetCDF,
	}
}

// Validate checks the configuration
func (c Config) Validate() error {
	if c.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", c.Epochs)
	}
	if c.ValidateEvery < 0 {
		return fmt.Errorf("validation interval cannot be negative: %d", c.ValidateEvery)
	}
	if c.CheckpointInterval < 0 {
		return fmt.Errorf("checkpoint interval cannot be negative: %d", c.CheckpointInterval)
	}
	if c.CheckpointFormat != checkpoints.FormatJSON && c.CheckpointFormat != checkpoints.FormatNetCDF {
		return fmt.Errorf("unsupported checkpoint format %s", c.CheckpointFormat)
	}
	return c.Optimizer.Validate()
}
