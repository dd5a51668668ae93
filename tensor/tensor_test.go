package tensor

import (
	"reflect"
	"testing"
)

func TestDeviceTypeString(t *testing.T) {
	tests := []struct {
		device   DeviceType
		expected string
	}{
		{CPU, "CPU"},
		{DeviceType(999), "Unknown"},
	}

	for _, test := range tests {
		result := test.device.String()
		if result != test.expected {
			t.Errorf("DeviceType.String() = %s, expected %s", result, test.expected)
		}
	}
}

func TestParseDevice(t *testing.T) {
	for _, name := range []string{"", "cpu", "CPU"} {
		d, err := ParseDevice(name)
		if err != nil || d != CPU {
			t.Errorf("ParseDevice(%q) = %v, %v; expected CPU", name, d, err)
		}
	}
	if _, err := ParseDevice("cuda"); err == nil {
		t.Error("Expected error for unsupported device")
	}
}

func TestCalculateStrides(t *testing.T) {
	tests := []struct {
		shape    []int
		expected []int
	}{
		{[]int{}, []int{}},
		{[]int{5}, []int{1}},
		{[]int{2, 3}, []int{3, 1}},
		{[]int{2, 3, 4}, []int{12, 4, 1}},
		{[]int{1, 5, 1, 3}, []int{15, 3, 3, 1}},
	}

	for _, test := range tests {
		result := calculateStrides(test.shape)
		if !reflect.DeepEqual(result, test.expected) {
			t.Errorf("calculateStrides(%v) = %v, expected %v", test.shape, result, test.expected)
		}
	}
}

func TestNewTensor(t *testing.T) {
	t.Run("Valid tensor", func(t *testing.T) {
		shape := []int{2, 3}
		data := []float32{1, 2, 3, 4, 5, 6}

		tensor, err := NewTensor(shape, CPU, data)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		if !reflect.DeepEqual(tensor.Shape, shape) {
			t.Errorf("Shape = %v, expected %v", tensor.Shape, shape)
		}
		if tensor.NumElems != 6 {
			t.Errorf("NumElems = %d, expected 6", tensor.NumElems)
		}
		if !reflect.DeepEqual(tensor.Strides, []int{3, 1}) {
			t.Errorf("Strides = %v, expected [3 1]", tensor.Strides)
		}
		if tensor.RequiresGrad() || !tensor.IsLeaf() {
			t.Error("New tensor should be a leaf without gradients")
		}
	})

	t.Run("Tensor without data is zeroed", func(t *testing.T) {
		tensor, err := NewTensor([]int{2, 2}, CPU, nil)
		if err != nil {
			t.Fatalf("NewTensor failed: %v", err)
		}
		for _, v := range tensor.Data {
			if v != 0 {
				t.Fatalf("Expected zeros, got %v", tensor.Data)
			}
		}
	})

	t.Run("Invalid shape", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 0}, CPU, nil); err == nil {
			t.Error("Expected error for zero dimension")
		}
		if _, err := NewTensor(nil, CPU, nil); err == nil {
			t.Error("Expected error for empty shape")
		}
	})

	t.Run("Data length mismatch", func(t *testing.T) {
		if _, err := NewTensor([]int{2, 2}, CPU, []float32{1, 2, 3}); err == nil {
			t.Error("Expected error for mismatched data length")
		}
	})
}

func TestFullAndScalar(t *testing.T) {
	ones, err := Ones([]int{3}, CPU)
	if err != nil {
		t.Fatalf("Ones failed: %v", err)
	}
	if !reflect.DeepEqual(ones.Data, []float32{1, 1, 1}) {
		t.Errorf("Ones = %v", ones.Data)
	}

	s := FromScalar(2.5, CPU)
	v, err := s.Item()
	if err != nil || v != 2.5 {
		t.Errorf("Item() = %v, %v; expected 2.5", v, err)
	}
	if _, err := ones.Item(); err == nil {
		t.Error("Expected Item() to fail on a multi-element tensor")
	}
}

func TestRandomNormalIsSeeded(t *testing.T) {
	a, err := RandomNormal([]int{64}, 0, 1, newSource(7), CPU)
	if err != nil {
		t.Fatalf("RandomNormal failed: %v", err)
	}
	b, _ := RandomNormal([]int{64}, 0, 1, newSource(7), CPU)
	if !a.Equal(b) {
		t.Error("Same seed should give identical draws")
	}
	c, _ := RandomNormal([]int{64}, 0, 1, newSource(8), CPU)
	if a.Equal(c) {
		t.Error("Different seeds should give different draws")
	}
}

func TestReshapeAndSlice(t *testing.T) {
	x, _ := NewTensor([]int{2, 3}, CPU, []float32{1, 2, 3, 4, 5, 6})

	r, err := x.Reshape([]int{3, 2})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	if !reflect.DeepEqual(r.Strides, []int{2, 1}) {
		t.Errorf("Strides = %v", r.Strides)
	}
	if _, err := x.Reshape([]int{4, 2}); err == nil {
		t.Error("Expected error for size-changing reshape")
	}

	s, err := x.Slice(1, 2)
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if !reflect.DeepEqual(s.Data, []float32{4, 5, 6}) || !reflect.DeepEqual(s.Shape, []int{1, 3}) {
		t.Errorf("Slice = %v %v", s.Shape, s.Data)
	}
	s.Data[0] = 100
	if x.Data[3] != 4 {
		t.Error("Slice should copy data")
	}
}

func TestAtAndSetAt(t *testing.T) {
	x, _ := Zeros([]int{2, 3}, CPU)
	if err := x.SetAt(7, 1, 2); err != nil {
		t.Fatalf("SetAt failed: %v", err)
	}
	v, err := x.At(1, 2)
	if err != nil || v != 7 {
		t.Errorf("At(1, 2) = %v, %v", v, err)
	}
	if x.Data[5] != 7 {
		t.Errorf("Expected row-major layout, got %v", x.Data)
	}
	if _, err := x.At(2, 0); err == nil {
		t.Error("Expected out-of-bounds error")
	}
}

func TestConcat(t *testing.T) {
	a, _ := NewTensor([]int{2, 1, 1, 2}, CPU, []float32{1, 2, 3, 4})
	b, _ := NewTensor([]int{2, 2, 1, 2}, CPU, []float32{10, 11, 12, 13, 14, 15, 16, 17})

	c, err := Concat(a, b)
	if err != nil {
		t.Fatalf("Concat failed: %v", err)
	}
	expected := []float32{1, 2, 10, 11, 12, 13, 3, 4, 14, 15, 16, 17}
	if !reflect.DeepEqual(c.Data, expected) {
		t.Errorf("Concat = %v, expected %v", c.Data, expected)
	}

	bad, _ := Zeros([]int{1, 1, 1, 2}, CPU)
	if _, err := Concat(a, bad); err == nil {
		t.Error("Expected batch mismatch error")
	}
}

func TestForEachVisitsEveryIndex(t *testing.T) {
	seen := make([]int, 100)
	ForEach(len(seen), 4, func(i int) {
		seen[i]++
	})
	for i, n := range seen {
		if n != 1 {
			t.Fatalf("index %d visited %d times", i, n)
		}
	}
}
