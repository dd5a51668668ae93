package preprocessing

import (
	"bytes"
	"image/png"
	"testing"

	"github.com/tsawler/go-morph/tensor"
)

func TestToFloat(t *testing.T) {
	got := ToFloat([]uint8{0, 51, 255})
	want := []float32{0, 0.2, 1}
	for i := range want {
		if diff := got[i] - want[i]; diff > 1e-6 || diff < -1e-6 {
			t.Errorf("ToFloat[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestPad(t *testing.T) {
	img := []float32{1, 2, 3, 4}
	out, err := Pad(img, 2, 2, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []float32{
		0, 0, 0, 0,
		0, 1, 2, 0,
		0, 3, 4, 0,
		0, 0, 0, 0,
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("Pad = %v, want %v", out, want)
		}
	}

	t.Run("MNIST", func(t *testing.T) {
		out, err := Pad(make([]float32, 28*28), 28, 28, 2)
		if err != nil {
			t.Fatal(err)
		}
		if len(out) != 32*32 {
			t.Errorf("padded length %d, want %d", len(out), 32*32)
		}
	})

	t.Run("Errors", func(t *testing.T) {
		if _, err := Pad(img, 3, 3, 1); err == nil {
			t.Error("expected size mismatch error")
		}
		if _, err := Pad(img, 2, 2, -1); err == nil {
			t.Error("expected negative padding error")
		}
	})
}

func TestPreprocessBatch(t *testing.T) {
	raw := make([][]uint8, 17)
	for i := range raw {
		raw[i] = []uint8{uint8(i), 0, 0, 255}
	}
	out, err := PreprocessBatch(raw, 2, 2, 1, 4)
	if err != nil {
		t.Fatal(err)
	}
	for i, img := range out {
		if len(img) != 16 {
			t.Fatalf("image %d has %d pixels", i, len(img))
		}
		if img[5] != float32(i)/255 || img[10] != 1 {
			t.Errorf("image %d out of order or misplaced: %v", i, img)
		}
	}

	raw[3] = []uint8{1}
	if _, err := PreprocessBatch(raw, 2, 2, 1, 0); err == nil {
		t.Error("expected error for malformed image")
	}
}

func TestToGray(t *testing.T) {
	x, _ := tensor.NewTensor([]int{2, 1, 2, 2}, tensor.CPU, []float32{
		0, 0, 0, 0,
		-1, 0.5, 1, 2,
	})
	img, err := ToGray(x, 1)
	if err != nil {
		t.Fatal(err)
	}
	want := []uint8{0, 128, 255, 255}
	for i, v := range want {
		if img.Pix[i] != v {
			t.Errorf("pixel %d = %d, want %d", i, img.Pix[i], v)
		}
	}
	if _, err := ToGray(x, 2); err == nil {
		t.Error("expected index error")
	}
}

func TestFlowMagnitude(t *testing.T) {
	flow, _ := tensor.NewTensor([]int{1, 2, 1, 2}, tensor.CPU, []float32{3, 0, 4, 1})
	mag, err := FlowMagnitude(flow, 0)
	if err != nil {
		t.Fatal(err)
	}
	if mag[0] != 5 || mag[1] != 1 {
		t.Errorf("FlowMagnitude = %v, want [5 1]", mag)
	}

	bad, _ := tensor.Zeros([]int{1, 3, 1, 2}, tensor.CPU)
	if _, err := FlowMagnitude(bad, 0); err == nil {
		t.Error("expected channel count error")
	}
}

func TestRenderPanel(t *testing.T) {
	img, _ := tensor.Full([]int{1, 1, 4, 4}, 0.5, tensor.CPU)
	flow, _ := tensor.Zeros([]int{1, 2, 4, 4}, tensor.CPU)

	var buf bytes.Buffer
	if err := RenderPanel(&buf, img, img, img, flow, 0, 3); err != nil {
		t.Fatal(err)
	}
	decoded, err := png.Decode(&buf)
	if err != nil {
		t.Fatalf("output is not a PNG: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 4*4*3 || b.Dy() != 4*3 {
		t.Errorf("panel bounds %v", b)
	}

	small, _ := tensor.Zeros([]int{1, 2, 2, 2}, tensor.CPU)
	if err := RenderPanel(&bytes.Buffer{}, img, img, img, small, 0, 1); err == nil {
		t.Error("expected size mismatch error")
	}
}
