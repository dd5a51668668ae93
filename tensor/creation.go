package tensor

import (
	"fmt"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

func NewTensor(shape []int, device DeviceType, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}

	numElems := calculateNumElements(shape)
	if data == nil {
		data = make([]float32, numElems)
	}
	if len(data) != numElems {
		return nil, fmt.Errorf("data length %d does not match tensor size %d", len(data), numElems)
	}

	return &Tensor{
		Shape:    append([]int(nil), shape...),
		Strides:  calculateStrides(shape),
		Device:   device,
		Data:     data,
		NumElems: numElems,
	}, nil
}

// mustNew is used by operations whose output shape was derived from
// already-validated inputs.
func mustNew(shape []int, device DeviceType) *Tensor {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		panic(fmt.Sprintf("tensor allocation failed: %v", err))
	}
	return t
}

func Zeros(shape []int, device DeviceType) (*Tensor, error) {
	return NewTensor(shape, device, nil)
}

func Ones(shape []int, device DeviceType) (*Tensor, error) {
	return Full(shape, 1, device)
}

func Full(shape []int, value float32, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	for i := range t.Data {
		t.Data[i] = value
	}
	return t, nil
}

// FromScalar creates a single-element tensor of shape [1].
func FromScalar(value float64, device DeviceType) *Tensor {
	return &Tensor{
		Shape:    []int{1},
		Strides:  []int{1},
		Device:   device,
		Data:     []float32{float32(value)},
		NumElems: 1,
	}
}

// RandomNormal draws every element from N(mean, std) using the given source.
func RandomNormal(shape []int, mean, std float64, src rand.Source, device DeviceType) (*Tensor, error) {
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	dist := distuv.Normal{Mu: mean, Sigma: std, Src: src}
	for i := range t.Data {
		t.Data[i] = float32(dist.Rand())
	}
	return t, nil
}

// RandomUniform draws every element from U(low, high) using the given source.
func RandomUniform(shape []int, low, high float64, src rand.Source, device DeviceType) (*Tensor, error) {
	if !(low < high) {
		return nil, fmt.Errorf("invalid uniform bounds [%g, %g)", low, high)
	}
	t, err := NewTensor(shape, device, nil)
	if err != nil {
		return nil, err
	}
	dist := distuv.Uniform{Min: low, Max: high, Src: src}
	for i := range t.Data {
		t.Data[i] = float32(dist.Rand())
	}
	return t, nil
}
