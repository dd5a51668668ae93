package tensor

import (
	"fmt"
	"math"
)

func checkCompatibility(t1, t2 *Tensor) error {
	if t1.Device != t2.Device {
		return fmt.Errorf("tensors must be on same device: %s vs %s", t1.Device, t2.Device)
	}
	return nil
}

func checkShapesCompatible(shape1, shape2 []int) ([]int, error) {
	if len(shape1) == 0 || len(shape2) == 0 {
		return nil, fmt.Errorf("cannot operate on empty tensors")
	}

	if len(shape1) != len(shape2) {
		return nil, fmt.Errorf("tensor shapes must have same number of dimensions: %v vs %v", shape1, shape2)
	}

	for i := range shape1 {
		if shape1[i] != shape2[i] {
			return nil, fmt.Errorf("tensor shapes must match: %v vs %v", shape1, shape2)
		}
	}

	return shape1, nil
}

func binary(t1, t2 *Tensor, name string, fn func(a, b float32) float32) (*Tensor, error) {
	if err := checkCompatibility(t1, t2); err != nil {
		return nil, err
	}
	outputShape, err := checkShapesCompatible(t1.Shape, t2.Shape)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	result := mustNew(outputShape, t1.Device)
	for i := 0; i < t1.NumElems; i++ {
		result.Data[i] = fn(t1.Data[i], t2.Data[i])
	}
	return result, nil
}

func unary(t *Tensor, fn func(v float32) float32) *Tensor {
	result := mustNew(t.Shape, t.Device)
	for i, v := range t.Data {
		result.Data[i] = fn(v)
	}
	return result
}

func Add(t1, t2 *Tensor) (*Tensor, error) {
	return binary(t1, t2, "Add", func(a, b float32) float32 { return a + b })
}

func Sub(t1, t2 *Tensor) (*Tensor, error) {
	return binary(t1, t2, "Sub", func(a, b float32) float32 { return a - b })
}

func Mul(t1, t2 *Tensor) (*Tensor, error) {
	return binary(t1, t2, "Mul", func(a, b float32) float32 { return a * b })
}

// Div divides elementwise. Division by zero follows IEEE semantics.
func Div(t1, t2 *Tensor) (*Tensor, error) {
	return binary(t1, t2, "Div", func(a, b float32) float32 { return a / b })
}

func Scale(t *Tensor, s float32) *Tensor {
	return unary(t, func(v float32) float32 { return v * s })
}

func AddScalar(t *Tensor, s float32) *Tensor {
	return unary(t, func(v float32) float32 { return v + s })
}

func Square(t *Tensor) *Tensor {
	return unary(t, func(v float32) float32 { return v * v })
}

func Sqrt(t *Tensor) *Tensor {
	return unary(t, func(v float32) float32 { return float32(math.Sqrt(float64(v))) })
}

func LeakyReLU(t *Tensor, slope float32) *Tensor {
	return unary(t, func(v float32) float32 {
		if v > 0 {
			return v
		}
		return v * slope
	})
}

// Sum accumulates in float64 so that large images do not lose precision.
func Sum(t *Tensor) float64 {
	var s float64
	for _, v := range t.Data {
		s += float64(v)
	}
	return s
}

func Mean(t *Tensor) float64 {
	return Sum(t) / float64(t.NumElems)
}

// Threshold maps every element to 1 when it is strictly greater than level
// and to 0 otherwise.
func Threshold(t *Tensor, level float32) *Tensor {
	return unary(t, func(v float32) float32 {
		if v > level {
			return 1
		}
		return 0
	})
}

// concatShape validates NCHW inputs for a channel concat and returns the
// output shape.
func concatShape(tensors []*Tensor) ([]int, error) {
	if len(tensors) == 0 {
		return nil, fmt.Errorf("Concat requires at least one tensor")
	}
	first := tensors[0]
	if len(first.Shape) != 4 {
		return nil, fmt.Errorf("Concat expects NCHW tensors, got shape %v", first.Shape)
	}
	n, h, w := first.Shape[0], first.Shape[2], first.Shape[3]
	channels := 0
	for _, t := range tensors {
		if len(t.Shape) != 4 || t.Shape[0] != n || t.Shape[2] != h || t.Shape[3] != w {
			return nil, fmt.Errorf("Concat shape mismatch: %v vs %v", first.Shape, t.Shape)
		}
		channels += t.Shape[1]
	}
	return []int{n, channels, h, w}, nil
}

// Concat joins NCHW tensors along the channel dimension.
func Concat(tensors ...*Tensor) (*Tensor, error) {
	shape, err := concatShape(tensors)
	if err != nil {
		return nil, err
	}

	result := mustNew(shape, tensors[0].Device)
	channels := shape[1]
	plane := shape[2] * shape[3]
	for b := 0; b < shape[0]; b++ {
		offset := b * channels * plane
		for _, t := range tensors {
			size := t.Shape[1] * plane
			copy(result.Data[offset:offset+size], t.Data[b*size:(b+1)*size])
			offset += size
		}
	}
	return result, nil
}
