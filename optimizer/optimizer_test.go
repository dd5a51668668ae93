package optimizer

import (
	"errors"
	"math"
	"testing"

	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/tensor"
)

// withQuadraticGrad sets the gradient of p to d/dx sum(x^2) = 2x.
func withQuadraticGrad(t *testing.T, p *tensor.Tensor) {
	t.Helper()
	p.ZeroGrad()
	sq := tensor.SquareAutograd(p)
	loss := tensor.ScaleAutograd(tensor.MeanAutograd(sq), float32(p.NumElems))
	if err := loss.Backward(); err != nil {
		t.Fatalf("Backward failed: %v", err)
	}
}

func newParam(t *testing.T, data ...float32) *tensor.Tensor {
	t.Helper()
	p, err := tensor.NewTensor([]int{len(data)}, tensor.CPU, append([]float32(nil), data...))
	if err != nil {
		t.Fatal(err)
	}
	p.SetRequiresGrad(true)
	return p
}

func TestNew(t *testing.T) {
	p := newParam(t, 1)
	if _, err := New("adam", []*tensor.Tensor{p}, 1e-3, 0); err != nil {
		t.Errorf("adam: %v", err)
	}
	if _, err := New("SGD", []*tensor.Tensor{p}, 1e-3, 0.9); err != nil {
		t.Errorf("sgd: %v", err)
	}
	if _, err := New("rmsprop", []*tensor.Tensor{p}, 1e-3, 0); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestAdamFirstStep(t *testing.T) {
	p := newParam(t, 1, -2, 0.5)
	adam := NewAdam([]*tensor.Tensor{p}, DefaultAdamConfig())
	withQuadraticGrad(t, p)

	if err := adam.Step(); err != nil {
		t.Fatalf("Step failed: %v", err)
	}
	// the first bias-corrected step moves every coordinate by ~lr against
	// the sign of its gradient
	expected := []float32{0.999, -1.999, 0.499}
	for i, v := range p.Data {
		if math.Abs(float64(v-expected[i])) > 1e-5 {
			t.Errorf("param[%d] = %v, expected %v", i, v, expected[i])
		}
	}
	if adam.GetStepCount() != 1 {
		t.Errorf("step count = %d", adam.GetStepCount())
	}
}

func TestAdamConverges(t *testing.T) {
	p := newParam(t, 3, -4)
	cfg := DefaultAdamConfig()
	cfg.LearningRate = 0.1
	adam := NewAdam([]*tensor.Tensor{p}, cfg)
	for i := 0; i < 300; i++ {
		adam.ZeroGrad()
		withQuadraticGrad(t, p)
		if err := adam.Step(); err != nil {
			t.Fatal(err)
		}
	}
	for i, v := range p.Data {
		if math.Abs(float64(v)) > 0.1 {
			t.Errorf("param[%d] = %v, expected near 0", i, v)
		}
	}
}

func TestSGDMomentum(t *testing.T) {
	p := newParam(t, 1)
	sgd := NewSGD([]*tensor.Tensor{p}, SGDConfig{LearningRate: 0.1, Momentum: 0.5})

	withQuadraticGrad(t, p) // grad 2
	_ = sgd.Step()          // buf 2, p = 0.8
	withQuadraticGrad(t, p) // grad 1.6
	_ = sgd.Step()          // buf 2.6, p = 0.54
	if math.Abs(float64(p.Data[0])-0.54) > 1e-6 {
		t.Errorf("param = %v, expected 0.54", p.Data[0])
	}
}

func TestSkipsParametersWithoutGradient(t *testing.T) {
	p := newParam(t, 1, 2)
	sgd := NewSGD([]*tensor.Tensor{p}, SGDConfig{LearningRate: 0.1})
	if err := sgd.Step(); err != nil {
		t.Fatal(err)
	}
	if p.Data[0] != 1 || p.Data[1] != 2 {
		t.Errorf("parameter without gradient changed: %v", p.Data)
	}
}

func TestAdamStateRoundTrip(t *testing.T) {
	a := newParam(t, 1, 2, 3)
	b := newParam(t, -1)
	adam := NewAdam([]*tensor.Tensor{a, b}, DefaultAdamConfig())
	for i := 0; i < 3; i++ {
		withQuadraticGrad(t, a)
		withQuadraticGrad(t, b)
		_ = adam.Step()
	}

	state, err := adam.GetState()
	if err != nil {
		t.Fatalf("GetState failed: %v", err)
	}
	if len(state.StateData) != 4 || state.StateData[2].Name != "exp_avg_1" {
		t.Fatalf("unexpected state layout: %+v", state.StateData)
	}

	a2 := newParam(t, a.Data...)
	b2 := newParam(t, b.Data...)
	restored := NewAdam([]*tensor.Tensor{a2, b2}, DefaultAdamConfig())
	if err := restored.LoadState(state); err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if restored.GetStepCount() != 3 {
		t.Errorf("step count = %d, expected 3", restored.GetStepCount())
	}

	// one more step on both must agree exactly
	withQuadraticGrad(t, a)
	withQuadraticGrad(t, b)
	withQuadraticGrad(t, a2)
	withQuadraticGrad(t, b2)
	_ = adam.Step()
	_ = restored.Step()
	if !a.Equal(a2) || !b.Equal(b2) {
		t.Error("restored optimizer diverged from the original")
	}

	t.Run("Mismatched layout", func(t *testing.T) {
		other := NewAdam([]*tensor.Tensor{newParam(t, 1)}, DefaultAdamConfig())
		if err := other.LoadState(state); err == nil {
			t.Error("expected buffer count error")
		}
		wrongSize := NewAdam([]*tensor.Tensor{newParam(t, 1, 2), newParam(t, 1)}, DefaultAdamConfig())
		if err := wrongSize.LoadState(state); err == nil {
			t.Error("expected buffer size error")
		}
		if err := NewSGD(nil, SGDConfig{}).LoadState(state); err == nil {
			t.Error("expected type mismatch error")
		}
	})
}

func TestExtractBufferIndex(t *testing.T) {
	tests := map[string]int{
		"exp_avg_0":          0,
		"exp_avg_sq_12":      12,
		"momentum_buffer_3":  3,
		"noindex":            -1,
		"exp_avg_":           -1,
		"exp_avg_notanumber": -1,
	}
	for name, want := range tests {
		if got := extractBufferIndex(name); got != want {
			t.Errorf("extractBufferIndex(%q) = %d, want %d", name, got, want)
		}
	}
}

func TestExtractParams(t *testing.T) {
	params := map[string]interface{}{"lr": 0.01, "steps": float64(7), "bad": "x"}
	if v := extractFloat64Param(params, "lr", 1); v != 0.01 {
		t.Errorf("lr = %v", v)
	}
	if v := extractFloat64Param(params, "bad", 1); v != 1 {
		t.Errorf("wrong type should fall back, got %v", v)
	}
	if v := extractUint64Param(params, "steps", 0); v != 7 {
		t.Errorf("steps = %v", v)
	}
	if v := extractUint64Param(params, "missing", 5); v != 5 {
		t.Errorf("missing should fall back, got %v", v)
	}
}
