package optimizer

import (
	"fmt"

	"github.com/tsawler/go-dsstne/checkpoints"
)

// extractBufferState copies a single buffer's contents into a checkpoint tensor
func extractBufferState(b StateBuffer) (*checkpoints.OptimizerTensor, error) {
	if b.Data == nil {
		return nil, nil
	}
	if extractBufferIndex(b.Name) < 0 {
		return nil, fmt.Errorf("state buffer name %q has no index suffix", b.Name)
	}

	data := make([]float32, len(b.Data))
	copy(data, b.Data)
	return &checkpoints.OptimizerTensor{
		Name:      b.Name,
		Shape:     []int{len(data)},
		Data:      data,
		StateType: b.StateType,
	}, nil
}

// restoreBufferState copies checkpointed data back into a buffer
func restoreBufferState(b StateBuffer, data []float32) error {
	if b.Data == nil {
		return fmt.Errorf("%s buffer is nil", b.Name)
	}
	if len(data) != len(b.Data) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			b.Name, len(b.Data), len(data))
	}
	copy(b.Data, data)
	return nil
}

// extractBufferIndex extracts the buffer index from names like "velocity_0"
// or "gradient_velocity_12"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloat32Param reads a float parameter, accepting both in-memory
// float32 values and float64 values decoded from JSON
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractUint64Param reads an integer parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
