package optimizer

import (
	"fmt"
	"strings"

	"github.com/tsawler/go-morph/checkpoints"
	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/tensor"
)

// Optimizer updates a fixed, ordered list of parameters from their
// accumulated gradients. The state snapshot is keyed by parameter position,
// so a restored optimizer must be built over parameters in the same order.
type Optimizer interface {
	// Step applies one update. Parameters without a gradient are skipped.
	Step() error

	// ZeroGrad clears the gradients of every parameter.
	ZeroGrad()

	GetLR() float64
	SetLR(lr float64)

	// GetState copies the optimizer state for checkpointing.
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores a snapshot taken by GetState.
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the number of completed steps.
	GetStepCount() uint64
}

// New builds the optimizer named by a configuration.
func New(name string, parameters []*tensor.Tensor, lr, momentum float64) (Optimizer, error) {
	switch strings.ToLower(name) {
	case config.OptimizerAdam:
		cfg := DefaultAdamConfig()
		cfg.LearningRate = lr
		return NewAdam(parameters, cfg), nil
	case config.OptimizerSGD:
		return NewSGD(parameters, SGDConfig{LearningRate: lr, Momentum: momentum}), nil
	default:
		return nil, fmt.Errorf("%w: unknown optimizer %q", config.ErrConfiguration, name)
	}
}

// extractBufferIndex extracts the parameter index from state tensor names
// like "exp_avg_0" or "momentum_buffer_12".
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := strings.LastIndexByte(name, '_')
	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
