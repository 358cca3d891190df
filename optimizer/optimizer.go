package optimizer

import (
	"fmt"

	"github.com/tsawler/go-dsstne/checkpoints"
)

// Config holds the hyperparameters of a training run
type Config struct {
	Mode         TrainingMode
	LearningRate float32 // alpha
	WeightDecay  float32 // lambda
	Momentum     float32 // mu
	Beta2        float32
	Epsilon      float32
}

// DefaultConfig returns the default optimizer configuration
func DefaultConfig() Config {
	return Config{
		Mode:         SGD,
		LearningRate: 0.025,
		WeightDecay:  0.0001,
		Momentum:     0.5,
		Beta2:        0.999,
		Epsilon:      1e-8,
	}
}

// Validate checks the hyperparameters
func (c Config) Validate() error {
	if c.Mode > Adam {
		return fmt.Errorf("unknown training mode %d", c.Mode)
	}
	if c.LearningRate < 0 {
		return fmt.Errorf("learning rate cannot be negative: %f", c.LearningRate)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay cannot be negative: %f", c.WeightDecay)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		if c.Mode != SGD {
			return fmt.Errorf("momentum must be in [0, 1): %f", c.Momentum)
		}
	}
	if c.Mode == Adam {
		if c.Beta2 < 0 || c.Beta2 >= 1 {
			return fmt.Errorf("beta2 must be in [0, 1): %f", c.Beta2)
		}
		if c.Epsilon <= 0 {
			return fmt.Errorf("epsilon must be positive: %g", c.Epsilon)
		}
	}
	return nil
}

// Optimizer tracks the hyperparameters and step count of a training run.
// The per-parameter buffers live with the weights they update.
type Optimizer struct {
	config    Config
	stepCount uint64
}

// NewOptimizer validates config and creates an optimizer
func NewOptimizer(config Config) (*Optimizer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Optimizer{config: config}, nil
}

// Mode returns the update rule in use
func (o *Optimizer) Mode() TrainingMode {
	return o.config.Mode
}

// Config returns a copy of the current configuration
func (o *Optimizer) Config() Config {
	return o.config
}

// Params returns the scalars for the next update step
func (o *Optimizer) Params() Params {
	return Params{
		Alpha:   o.config.LearningRate,
		Lambda:  o.config.WeightDecay,
		Mu:      o.config.Momentum,
		Beta2:   o.config.Beta2,
		Epsilon: o.config.Epsilon,
		Step:    o.stepCount + 1,
	}
}

// Step records a completed update and returns the new step count
func (o *Optimizer) Step() uint64 {
	o.stepCount++
	return o.stepCount
}

// GetStepCount returns the number of completed update steps
func (o *Optimizer) GetStepCount() uint64 {
	return o.stepCount
}

// LearningRate returns the current learning rate
func (o *Optimizer) LearningRate() float32 {
	return o.config.LearningRate
}

// UpdateLearningRate updates the learning rate
func (o *Optimizer) UpdateLearningRate(lr float32) {
	o.config.LearningRate = lr
}

// StateBuffer is one accumulator owned by a weight, named with a trailing
// index ("velocity_3") so it can be matched on restore
type StateBuffer struct {
	Name      string
	StateType string
	Data      []float32
}

// OptimizerState is the checkpointed form of an optimizer
type OptimizerState = checkpoints.OptimizerState

// GetState snapshots the hyperparameters, the step count and the contents of
// buffers
func (o *Optimizer) GetState(buffers []StateBuffer) (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(buffers))
	for _, b := range buffers {
		tensor, err := extractBufferState(b)
		if err != nil {
			return nil, err
		}
		if tensor != nil {
			stateData = append(stateData, *tensor)
		}
	}

	return &OptimizerState{
		Type: o.config.Mode.String(),
		Parameters: map[string]interface{}{
			"learning_rate": o.config.LearningRate,
			"weight_decay":  o.config.WeightDecay,
			"momentum":      o.config.Momentum,
			"beta2":         o.config.Beta2,
			"epsilon":       o.config.Epsilon,
			"step_count":    o.stepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores hyperparameters and step count from state and copies
// each saved tensor into the buffer with the same state type and index
func (o *Optimizer) LoadState(state *OptimizerState, buffers []StateBuffer) error {
	if err := validateStateType(o.config.Mode.String(), state); err != nil {
		return err
	}

	o.config.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", o.config.LearningRate)
	o.config.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", o.config.WeightDecay)
	o.config.Momentum = extractFloat32Param(state.Parameters, "momentum", o.config.Momentum)
	o.config.Beta2 = extractFloat32Param(state.Parameters, "beta2", o.config.Beta2)
	o.config.Epsilon = extractFloat32Param(state.Parameters, "epsilon", o.config.Epsilon)
	o.stepCount = extractUint64Param(state.Parameters, "step_count", o.stepCount)

	type key struct {
		stateType string
		index     int
	}
	byKey := make(map[key]StateBuffer, len(buffers))
	for _, b := range buffers {
		byKey[key{b.StateType, extractBufferIndex(b.Name)}] = b
	}

	for _, tensor := range state.StateData {
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		b, ok := byKey[key{tensor.StateType, idx}]
		if !ok {
			return fmt.Errorf("%s buffer %d not allocated", tensor.StateType, idx)
		}
		if err := restoreBufferState(b, tensor.Data); err != nil {
			return err
		}
	}
	return nil
}
