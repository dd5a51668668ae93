package tensor

import (
	"fmt"
)

type DeviceType int

const (
	CPU DeviceType = iota
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	default:
		return "Unknown"
	}
}

// ParseDevice maps a device name from configuration onto a DeviceType.
func ParseDevice(name string) (DeviceType, error) {
	switch name {
	case "", "cpu", "CPU":
		return CPU, nil
	default:
		return CPU, fmt.Errorf("unsupported device %q", name)
	}
}

// Operation is a node of the autograd tape. Forward records its inputs,
// Backward maps the gradient of the output onto one gradient per input
// (nil where the input does not need one).
type Operation interface {
	Forward(inputs ...*Tensor) *Tensor
	Backward(gradOut *Tensor) []*Tensor
	Inputs() []*Tensor
}

// opInputs is embedded by every operation to satisfy Operation.Inputs.
type opInputs struct {
	inputs []*Tensor
}

func (o *opInputs) Inputs() []*Tensor {
	return o.inputs
}

// Tensor is a dense row-major float32 array. Images are laid out NCHW.
type Tensor struct {
	Shape        []int
	Strides      []int
	Device       DeviceType
	Data         []float32
	NumElems     int
	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)",
		t.Shape, t.Device, t.NumElems)
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// Creator returns the operation that produced t, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// IsLeaf reports whether t was created outside the autograd tape.
func (t *Tensor) IsLeaf() bool {
	return t.creator == nil
}

func calculateStrides(shape []int) []int {
	if len(shape) == 0 {
		return []int{}
	}

	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

func calculateNumElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}

	elements := 1
	for _, dim := range shape {
		elements *= dim
	}
	return elements
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return fmt.Errorf("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return fmt.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func shapesEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ShapesEqual reports whether two shapes are identical.
func ShapesEqual(a, b []int) bool {
	return shapesEqual(a, b)
}
