package optimizer

import (
	"fmt"

	"github.com/tsawler/go-morph/checkpoints"
)

// Common helper functions for optimizer state management

// extractBufferState copies one state buffer into a checkpoint tensor.
func extractBufferState(buffer []float32, shape []int, name string, stateType string) checkpoints.OptimizerTensor {
	data := make([]float32, len(buffer))
	copy(data, buffer)
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      data,
		StateType: stateType,
	}
}

// restoreBufferState copies a checkpoint tensor into an allocated state buffer.
func restoreBufferState(buffer []float32, state checkpoints.OptimizerTensor) error {
	if len(state.Data) != len(buffer) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			state.Name, len(buffer), len(state.Data))
	}
	copy(buffer, state.Data)
	return nil
}

// restoreIndexedBuffers fills buffers[i] from every state tensor of the given
// type, using the index encoded in the tensor name.
func restoreIndexedBuffers(buffers [][]float32, states []checkpoints.OptimizerTensor, stateType string) error {
	for _, st := range states {
		if st.StateType != stateType {
			continue
		}
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(buffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", st.Name)
		}
		if err := restoreBufferState(buffers[idx], st); err != nil {
			return err
		}
	}
	return nil
}

// extractFloat64Param safely extracts a float parameter from the state map
func extractFloat64Param(params map[string]interface{}, key string, defaultValue float64) float64 {
	if val, ok := params[key].(float64); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a counter from the state map. Decoded
// checkpoints carry every number as float64.
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		return uint64(val)
	case uint64:
		return val
	}
	return defaultValue
}
