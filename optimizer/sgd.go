package optimizer

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-morph/checkpoints"
	"github.com/tsawler/go-morph/tensor"
)

type SGDConfig struct {
	LearningRate float64
	Momentum     float64
}

// SGD is plain gradient descent with optional heavy-ball momentum:
// buf = momentum*buf + grad; param -= lr*buf.
type SGD struct {
	cfg        SGDConfig
	parameters []*tensor.Tensor
	momentum   [][]float32
	stepCount  uint64
	mutex      sync.RWMutex
}

func NewSGD(parameters []*tensor.Tensor, cfg SGDConfig) *SGD {
	sgd := &SGD{cfg: cfg, parameters: parameters}
	if cfg.Momentum > 0 {
		sgd.momentum = make([][]float32, len(parameters))
		for i, p := range parameters {
			sgd.momentum[i] = make([]float32, p.NumElems)
		}
	}
	return sgd
}

func (sgd *SGD) Step() error {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	sgd.stepCount++
	lr := float32(sgd.cfg.LearningRate)
	for i, param := range sgd.parameters {
		grad := param.Grad()
		if !param.RequiresGrad() || grad == nil {
			continue
		}
		if grad.NumElems != param.NumElems {
			return fmt.Errorf("gradient size %d does not match parameter %d size %d", grad.NumElems, i, param.NumElems)
		}

		update := grad.Data
		if sgd.momentum != nil {
			buf := sgd.momentum[i]
			blas32.Scal(float32(sgd.cfg.Momentum), vec(buf))
			blas32.Axpy(1, vec(grad.Data), vec(buf))
			update = buf
		}
		blas32.Axpy(-lr, vec(update), vec(param.Data))
	}
	return nil
}

func (sgd *SGD) ZeroGrad() {
	tensor.ZeroGrad(sgd.parameters)
}

func (sgd *SGD) GetLR() float64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.cfg.LearningRate
}

func (sgd *SGD) SetLR(lr float64) {
	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()
	sgd.cfg.LearningRate = lr
}

func (sgd *SGD) GetStepCount() uint64 {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()
	return sgd.stepCount
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGD) GetState() (*checkpoints.OptimizerState, error) {
	sgd.mutex.RLock()
	defer sgd.mutex.RUnlock()

	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.momentum))
	for i, buf := range sgd.momentum {
		stateData = append(stateData, extractBufferState(buf, sgd.parameters[i].Shape,
			fmt.Sprintf("momentum_buffer_%d", i), "momentum_buffer"))
	}

	return &checkpoints.OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.cfg.LearningRate,
			"momentum":      sgd.cfg.Momentum,
			"step_count":    float64(sgd.stepCount),
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGD) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}
	if len(state.StateData) != len(sgd.momentum) {
		return fmt.Errorf("sgd state has %d buffers, expected %d", len(state.StateData), len(sgd.momentum))
	}

	sgd.mutex.Lock()
	defer sgd.mutex.Unlock()

	if err := restoreIndexedBuffers(sgd.momentum, state.StateData, "momentum_buffer"); err != nil {
		return err
	}
	sgd.cfg.LearningRate = extractFloat64Param(state.Parameters, "learning_rate", sgd.cfg.LearningRate)
	sgd.stepCount = extractUint64Param(state.Parameters, "step_count", sgd.stepCount)
	return nil
}
