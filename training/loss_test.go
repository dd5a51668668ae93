package training

import (
	"errors"
	"math"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/tensor"
)

func randomImage(t *testing.T, shape []int, seed uint64) *tensor.Tensor {
	t.Helper()
	img, err := tensor.RandomUniform(shape, 0, 1, rand.NewSource(seed), tensor.CPU)
	if err != nil {
		t.Fatal(err)
	}
	return img
}

func scalar(t *testing.T, x *tensor.Tensor) float64 {
	t.Helper()
	v, err := x.Item()
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestNewImageLoss(t *testing.T) {
	for _, name := range []string{config.LossMSE, config.LossNCC} {
		loss, err := NewImageLoss(name)
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if loss.Name() != name {
			t.Errorf("Name() = %q, want %q", loss.Name(), name)
		}
	}
	if _, err := NewImageLoss("ssim"); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
	if _, err := NewGradLoss("l1"); !errors.Is(err, config.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for l1, got %v", err)
	}
}

func TestMSELoss(t *testing.T) {
	a, _ := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.CPU, []float32{0, 1, 0, 1})
	b, _ := tensor.NewTensor([]int{1, 1, 2, 2}, tensor.CPU, []float32{0, 0, 1, 1})

	loss, err := NewMSELoss().Forward(a, b)
	if err != nil {
		t.Fatal(err)
	}
	if got := scalar(t, loss); math.Abs(got-0.5) > 1e-7 {
		t.Errorf("mse = %v, want 0.5", got)
	}

	same, _ := NewMSELoss().Forward(a, a)
	if got := scalar(t, same); got != 0 {
		t.Errorf("mse of identical images = %v", got)
	}

	c, _ := tensor.Zeros([]int{1, 1, 3, 3}, tensor.CPU)
	if _, err := NewMSELoss().Forward(a, c); err == nil {
		t.Error("expected shape mismatch error")
	}
}

func TestNCCLoss(t *testing.T) {
	img := randomImage(t, []int{2, 1, 16, 16}, 3)
	other := randomImage(t, []int{2, 1, 16, 16}, 4)
	ncc := NewNCCLoss(DefaultNCCWindow)

	t.Run("Identical images", func(t *testing.T) {
		loss, err := ncc.Forward(img, img)
		if err != nil {
			t.Fatal(err)
		}
		if got := scalar(t, loss); math.Abs(got+1) > 1e-3 {
			t.Errorf("ncc(I, I) = %v, want about -1", got)
		}
	})

	t.Run("Symmetric", func(t *testing.T) {
		ab, _ := ncc.Forward(img, other)
		ba, _ := ncc.Forward(other, img)
		if math.Abs(scalar(t, ab)-scalar(t, ba)) > 1e-5 {
			t.Errorf("ncc not symmetric: %v vs %v", scalar(t, ab), scalar(t, ba))
		}
	})

	t.Run("Unrelated images score worse", func(t *testing.T) {
		same, _ := ncc.Forward(img, img)
		diff, _ := ncc.Forward(other, img)
		if scalar(t, diff) <= scalar(t, same) {
			t.Errorf("unrelated %v should exceed identical %v", scalar(t, diff), scalar(t, same))
		}
	})

	t.Run("Blank images", func(t *testing.T) {
		blank, _ := tensor.Zeros([]int{1, 1, 8, 8}, tensor.CPU)
		loss, err := ncc.Forward(blank, blank)
		if err != nil {
			t.Fatal(err)
		}
		if got := scalar(t, loss); got != 0 {
			t.Errorf("ncc of blank images = %v, want 0", got)
		}
	})

	t.Run("Gradient step improves alignment", func(t *testing.T) {
		target := randomImage(t, []int{1, 1, 8, 8}, 5)
		pred := randomImage(t, []int{1, 1, 8, 8}, 6)
		pred.SetRequiresGrad(true)
		small := NewNCCLoss(3)

		loss, err := small.Forward(pred, target)
		if err != nil {
			t.Fatal(err)
		}
		if err := loss.Backward(); err != nil {
			t.Fatal(err)
		}
		before := scalar(t, loss)

		moved := pred.Detach()
		for i, g := range pred.Grad().Data {
			moved.Data[i] -= 0.1 * g
		}
		after, _ := small.Forward(moved, target)
		if scalar(t, after) >= before {
			t.Errorf("loss did not decrease: %v -> %v", before, scalar(t, after))
		}
	})

	if _, err := ncc.Forward(tensor.FromScalar(1, tensor.CPU), tensor.FromScalar(1, tensor.CPU)); err == nil {
		t.Error("expected error for non-NCHW input")
	}
}

func TestGradLoss(t *testing.T) {
	gl, err := NewGradLoss("l2")
	if err != nil {
		t.Fatal(err)
	}

	constant, _ := tensor.Full([]int{1, 2, 4, 4}, 3, tensor.CPU)
	loss, err := gl.Forward(constant)
	if err != nil {
		t.Fatal(err)
	}
	if got := scalar(t, loss); got != 0 {
		t.Errorf("constant flow penalty = %v, want 0", got)
	}

	// displacement grows by one per column: d/dx = 1, d/dy = 0
	ramp, _ := tensor.Zeros([]int{1, 2, 4, 4}, tensor.CPU)
	for c := 0; c < 2; c++ {
		for y := 0; y < 4; y++ {
			for x := 0; x < 4; x++ {
				_ = ramp.SetAt(float32(x), 0, c, y, x)
			}
		}
	}
	loss, _ = gl.Forward(ramp)
	if got := scalar(t, loss); math.Abs(got-0.5) > 1e-6 {
		t.Errorf("ramp penalty = %v, want 0.5", got)
	}

	if _, err := gl.Forward(tensor.FromScalar(1, tensor.CPU)); err == nil {
		t.Error("expected error for non-4D flow")
	}
}

func TestLossComposer(t *testing.T) {
	if _, err := NewLossComposer("bogus", 0.01); !errors.Is(err, config.ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}

	lc, err := NewLossComposer(config.LossMSE, 0.25)
	if err != nil {
		t.Fatal(err)
	}
	warped := randomImage(t, []int{2, 1, 8, 8}, 1)
	fixed := randomImage(t, []int{2, 1, 8, 8}, 2)
	flow := randomImage(t, []int{2, 2, 8, 8}, 3)
	flow.SetRequiresGrad(true)

	terms, err := lc.Compute(warped, fixed, flow)
	if err != nil {
		t.Fatal(err)
	}
	total, sim, smooth := terms.Values()
	if math.Abs(total-(sim+0.25*smooth)) > 1e-6 {
		t.Errorf("total %v != sim %v + 0.25*smooth %v", total, sim, smooth)
	}
	if sim <= 0 || smooth <= 0 {
		t.Errorf("expected positive components, got sim=%v smooth=%v", sim, smooth)
	}
	if err := terms.Total.Backward(); err != nil {
		t.Fatal(err)
	}
	if flow.Grad() == nil {
		t.Error("flow received no gradient")
	}
	if lc.Lambda() != 0.25 || lc.ImageLoss().Name() != config.LossMSE {
		t.Errorf("unexpected composer settings: lambda=%v loss=%s", lc.Lambda(), lc.ImageLoss().Name())
	}
}
