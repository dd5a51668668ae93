package optimizer

import (
	"fmt"
	"math"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-morph/checkpoints"
	"github.com/tsawler/go-morph/tensor"
)

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Epsilon      float64
	WeightDecay  float64
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.0,
	}
}

// Adam keeps first and second moment estimates per parameter, indexed by
// parameter position.
type Adam struct {
	cfg        AdamConfig
	parameters []*tensor.Tensor
	expAvg     [][]float32
	expAvgSq   [][]float32
	stepCount  uint64
	mutex      sync.RWMutex
}

func NewAdam(parameters []*tensor.Tensor, cfg AdamConfig) *Adam {
	adam := &Adam{
		cfg:        cfg,
		parameters: parameters,
		expAvg:     make([][]float32, len(parameters)),
		expAvgSq:   make([][]float32, len(parameters)),
	}
	for i, p := range parameters {
		adam.expAvg[i] = make([]float32, p.NumElems)
		adam.expAvgSq[i] = make([]float32, p.NumElems)
	}
	return adam
}

func (adam *Adam) Step() error {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	adam.stepCount++
	bias1 := 1 - math.Pow(adam.cfg.Beta1, float64(adam.stepCount))
	bias2 := 1 - math.Pow(adam.cfg.Beta2, float64(adam.stepCount))
	stepSize := float32(adam.cfg.LearningRate / bias1)
	sqrtBias2 := math.Sqrt(bias2)
	b1, b2 := float32(adam.cfg.Beta1), float32(adam.cfg.Beta2)
	eps := adam.cfg.Epsilon

	for i, param := range adam.parameters {
		gradT := param.Grad()
		if !param.RequiresGrad() || gradT == nil {
			continue
		}
		if gradT.NumElems != param.NumElems {
			return fmt.Errorf("gradient size %d does not match parameter %d size %d", gradT.NumElems, i, param.NumElems)
		}

		grad := gradT.Data
		if adam.cfg.WeightDecay > 0 {
			decayed := make([]float32, len(grad))
			copy(decayed, grad)
			blas32.Axpy(float32(adam.cfg.WeightDecay), vec(param.Data), vec(decayed))
			grad = decayed
		}

		m, v := adam.expAvg[i], adam.expAvgSq[i]
		blas32.Scal(b1, vec(m))
		blas32.Axpy(1-b1, vec(grad), vec(m))
		for j, g := range grad {
			v[j] = b2*v[j] + (1-b2)*g*g
		}
		for j := range param.Data {
			denom := math.Sqrt(float64(v[j]))/sqrtBias2 + eps
			param.Data[j] -= stepSize * float32(float64(m[j])/denom)
		}
	}
	return nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Inc: 1, Data: data}
}

func (adam *Adam) ZeroGrad() {
	tensor.ZeroGrad(adam.parameters)
}

func (adam *Adam) GetLR() float64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.cfg.LearningRate
}

func (adam *Adam) SetLR(lr float64) {
	adam.mutex.Lock()
	defer adam.mutex.Unlock()
	adam.cfg.LearningRate = lr
}

func (adam *Adam) GetStepCount() uint64 {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()
	return adam.stepCount
}

// GetState extracts optimizer state for checkpointing
func (adam *Adam) GetState() (*checkpoints.OptimizerState, error) {
	adam.mutex.RLock()
	defer adam.mutex.RUnlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, 2*len(adam.parameters))
	for i, p := range adam.parameters {
		stateData = append(stateData,
			extractBufferState(adam.expAvg[i], p.Shape, fmt.Sprintf("exp_avg_%d", i), "exp_avg"),
			extractBufferState(adam.expAvgSq[i], p.Shape, fmt.Sprintf("exp_avg_sq_%d", i), "exp_avg_sq"),
		)
	}

	return &checkpoints.OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.cfg.LearningRate,
			"beta1":         adam.cfg.Beta1,
			"beta2":         adam.cfg.Beta2,
			"epsilon":       adam.cfg.Epsilon,
			"weight_decay":  adam.cfg.WeightDecay,
			"step_count":    float64(adam.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (adam *Adam) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}
	if len(state.StateData) != 2*len(adam.parameters) {
		return fmt.Errorf("adam state has %d buffers, expected %d", len(state.StateData), 2*len(adam.parameters))
	}

	adam.mutex.Lock()
	defer adam.mutex.Unlock()

	if err := restoreIndexedBuffers(adam.expAvg, state.StateData, "exp_avg"); err != nil {
		return err
	}
	if err := restoreIndexedBuffers(adam.expAvgSq, state.StateData, "exp_avg_sq"); err != nil {
		return err
	}

	adam.cfg.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", adam.cfg.LearningRate)
	adam.cfg.Beta1 = extractFloat64Param(state.Parameters, "beta1", adam.cfg.Beta1)
	adam.cfg.Beta2 = extractFloat64Param(state.Parameters, "beta2", adam.cfg.Beta2)
	adam.cfg.Epsilon = extractFloat64Param(state.Parameters, "epsilon", adam.cfg.Epsilon)
	adam.cfg.WeightDecay = extractFloat64Param(state.Parameters, "weight_decay", adam.cfg.WeightDecay)
	adam.stepCount = extractUint64Param(state.Parameters, "step_count", adam.stepCount)
	return nil
}
