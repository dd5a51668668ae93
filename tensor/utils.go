package tensor

import (
	"fmt"
	"math"
	"strings"
)

// Reshape returns a view sharing t's data with a different shape.
// The view is detached from the autograd tape.
func (t *Tensor) Reshape(newShape []int) (*Tensor, error) {
	if err := validateShape(newShape); err != nil {
		return nil, err
	}
	if n := calculateNumElements(newShape); n != t.NumElems {
		return nil, fmt.Errorf("cannot reshape tensor of size %d into shape %v (size %d)", t.NumElems, newShape, n)
	}
	return &Tensor{
		Shape:    append([]int(nil), newShape...),
		Strides:  calculateStrides(newShape),
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}, nil
}

// Clone deep-copies data and shape. The clone keeps requiresGrad but has
// no gradient and no creator.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Strides:      append([]int(nil), t.Strides...),
		Device:       t.Device,
		Data:         data,
		NumElems:     t.NumElems,
		requiresGrad: t.requiresGrad,
	}
}

// Detach returns a tensor sharing t's data that does not take part in autograd.
func (t *Tensor) Detach() *Tensor {
	return &Tensor{
		Shape:    t.Shape,
		Strides:  t.Strides,
		Device:   t.Device,
		Data:     t.Data,
		NumElems: t.NumElems,
	}
}

// SetData overwrites t's values in place, keeping its identity for optimizers.
func (t *Tensor) SetData(data []float32) error {
	if len(data) != t.NumElems {
		return fmt.Errorf("data length %d does not match tensor size %d", len(data), t.NumElems)
	}
	copy(t.Data, data)
	return nil
}

// Item returns the value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.NumElems != 1 {
		return 0, fmt.Errorf("Item() requires a single-element tensor, got shape %v", t.Shape)
	}
	return float64(t.Data[0]), nil
}

func (t *Tensor) At(indices ...int) (float32, error) {
	idx, err := t.offset(indices)
	if err != nil {
		return 0, err
	}
	return t.Data[idx], nil
}

func (t *Tensor) SetAt(value float32, indices ...int) error {
	idx, err := t.offset(indices)
	if err != nil {
		return err
	}
	t.Data[idx] = value
	return nil
}

func (t *Tensor) offset(indices []int) (int, error) {
	if len(indices) != len(t.Shape) {
		return 0, fmt.Errorf("expected %d indices, got %d", len(t.Shape), len(indices))
	}
	idx := 0
	for i, v := range indices {
		if v < 0 || v >= t.Shape[i] {
			return 0, fmt.Errorf("index %d out of bounds for dimension %d (shape: %v)", v, i, t.Shape)
		}
		idx += v * t.Strides[i]
	}
	return idx, nil
}

func (t *Tensor) Size() []int {
	return append([]int(nil), t.Shape...)
}

func (t *Tensor) Numel() int {
	return t.NumElems
}

func (t *Tensor) Dim() int {
	return len(t.Shape)
}

// Equal reports exact equality of shape and values.
func (t *Tensor) Equal(other *Tensor) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		if other.Data[i] != v {
			return false
		}
	}
	return true
}

// AllClose reports whether every element differs by at most tol.
func (t *Tensor) AllClose(other *Tensor, tol float64) bool {
	if !shapesEqual(t.Shape, other.Shape) {
		return false
	}
	for i, v := range t.Data {
		if math.Abs(float64(v)-float64(other.Data[i])) > tol {
			return false
		}
	}
	return true
}

// HasNonFinite reports whether any element is NaN or ±Inf.
func (t *Tensor) HasNonFinite() bool {
	for _, v := range t.Data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return true
		}
	}
	return false
}

// Slice returns rows [start, end) of the leading (batch) dimension as a
// detached copy.
func (t *Tensor) Slice(start, end int) (*Tensor, error) {
	if len(t.Shape) == 0 || start < 0 || end > t.Shape[0] || start >= end {
		return nil, fmt.Errorf("invalid slice [%d, %d) of shape %v", start, end, t.Shape)
	}
	per := t.NumElems / t.Shape[0]
	shape := append([]int{end - start}, t.Shape[1:]...)
	data := make([]float32, (end-start)*per)
	copy(data, t.Data[start*per:end*per])
	return NewTensor(shape, t.Device, data)
}

func (t *Tensor) PrintData(maxElements int) string {
	var sb strings.Builder
	sb.WriteString(t.String())
	sb.WriteString(" [")
	n := t.NumElems
	if n > maxElements {
		n = maxElements
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(fmt.Sprintf("%.4f", t.Data[i]))
	}
	if t.NumElems > maxElements {
		sb.WriteString(fmt.Sprintf(", ... (%d more elements)", t.NumElems-maxElements))
	}
	sb.WriteString("]")
	return sb.String()
}

// ZeroGrad drops the accumulated gradients of the given tensors.
func ZeroGrad(tensors []*Tensor) {
	for _, t := range tensors {
		t.grad = nil
	}
}

func (t *Tensor) ZeroGrad() {
	t.grad = nil
}
