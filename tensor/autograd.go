package tensor

import (
	"fmt"
	"sync/atomic"
)

// gradDisabled counts active NoGrad scopes. While positive, operations do
// not record themselves on the tape.
var gradDisabled atomic.Int32

// IsGradEnabled reports whether new operations are being recorded.
func IsGradEnabled() bool {
	return gradDisabled.Load() == 0
}

// NoGrad runs fn with recording disabled. Scopes nest and apply process-wide.
func NoGrad(fn func() error) error {
	gradDisabled.Add(1)
	defer gradDisabled.Add(-1)
	return fn()
}

// record attaches op as the creator of result when any input needs a gradient.
func record(op Operation, result *Tensor, inputs ...*Tensor) *Tensor {
	if !IsGradEnabled() {
		return result
	}
	for _, in := range inputs {
		if in.requiresGrad {
			result.requiresGrad = true
			result.creator = op
			break
		}
	}
	return result
}

// Backward propagates from a single-element tensor, seeding with 1.
func (t *Tensor) Backward() error {
	if t.NumElems != 1 {
		return fmt.Errorf("Backward() without a gradient requires a scalar, got shape %v", t.Shape)
	}
	seed, _ := Ones(t.Shape, t.Device)
	return t.BackwardWithGrad(seed)
}

// BackwardWithGrad propagates grad through the tape that produced t and
// accumulates into the Grad of every leaf that requires one.
func (t *Tensor) BackwardWithGrad(grad *Tensor) error {
	if !t.requiresGrad {
		return fmt.Errorf("tensor does not require gradients")
	}
	if !shapesEqual(grad.Shape, t.Shape) {
		return fmt.Errorf("gradient shape %v does not match tensor shape %v", grad.Shape, t.Shape)
	}

	order := topoSort(t)
	grads := map[*Tensor]*Tensor{t: grad}

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		g := grads[node]
		if g == nil {
			continue
		}
		delete(grads, node)

		if node.creator == nil {
			node.grad = accumulate(node.grad, g)
			continue
		}

		inputGrads := node.creator.Backward(g)
		for j, in := range node.creator.Inputs() {
			if j >= len(inputGrads) || inputGrads[j] == nil || !in.requiresGrad {
				continue
			}
			grads[in] = accumulate(grads[in], inputGrads[j])
		}
	}
	return nil
}

// topoSort returns the nodes reachable from root in dependency order.
func topoSort(root *Tensor) []*Tensor {
	var order []*Tensor
	visited := make(map[*Tensor]bool)

	type frame struct {
		node *Tensor
		next int
	}
	stack := []frame{{node: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		var inputs []*Tensor
		if top.node.creator != nil {
			inputs = top.node.creator.Inputs()
		}
		if top.next < len(inputs) {
			in := inputs[top.next]
			top.next++
			if in.requiresGrad && !visited[in] {
				visited[in] = true
				stack = append(stack, frame{node: in})
			}
			continue
		}
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}
	return order
}

func accumulate(existing, g *Tensor) *Tensor {
	if existing == nil {
		return g
	}
	sum := mustNew(existing.Shape, existing.Device)
	for i := range sum.Data {
		sum.Data[i] = existing.Data[i] + g.Data[i]
	}
	return sum
}

type AddOp struct{ opInputs }

func (op *AddOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Add(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	return record(op, result, inputs...)
}

func (op *AddOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut, gradOut}
}

type SubOp struct{ opInputs }

func (op *SubOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Sub(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	return record(op, result, inputs...)
}

func (op *SubOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut, Scale(gradOut, -1)}
}

type MulOp struct{ opInputs }

func (op *MulOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Mul(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	return record(op, result, inputs...)
}

func (op *MulOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	gradA, _ := Mul(gradOut, b)
	gradB, _ := Mul(gradOut, a)
	return []*Tensor{gradA, gradB}
}

type DivOp struct{ opInputs }

func (op *DivOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Div(inputs[0], inputs[1])
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	return record(op, result, inputs...)
}

func (op *DivOp) Backward(gradOut *Tensor) []*Tensor {
	a, b := op.inputs[0], op.inputs[1]
	gradA := mustNew(a.Shape, a.Device)
	gradB := mustNew(b.Shape, b.Device)
	for i, g := range gradOut.Data {
		gradA.Data[i] = g / b.Data[i]
		gradB.Data[i] = -g * a.Data[i] / (b.Data[i] * b.Data[i])
	}
	return []*Tensor{gradA, gradB}
}

type ScaleOp struct {
	opInputs
	factor float32
}

func (op *ScaleOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	return record(op, Scale(inputs[0], op.factor), inputs...)
}

func (op *ScaleOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{Scale(gradOut, op.factor)}
}

type AddScalarOp struct {
	opInputs
	value float32
}

func (op *AddScalarOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	return record(op, AddScalar(inputs[0], op.value), inputs...)
}

func (op *AddScalarOp) Backward(gradOut *Tensor) []*Tensor {
	return []*Tensor{gradOut}
}

type SquareOp struct{ opInputs }

func (op *SquareOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	return record(op, Square(inputs[0]), inputs...)
}

func (op *SquareOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := mustNew(x.Shape, x.Device)
	for i, g := range gradOut.Data {
		grad.Data[i] = 2 * x.Data[i] * g
	}
	return []*Tensor{grad}
}

// MeanOp reduces every element to a tensor of shape [1].
type MeanOp struct{ opInputs }

func (op *MeanOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	return record(op, FromScalar(Mean(inputs[0]), inputs[0].Device), inputs...)
}

func (op *MeanOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	share := gradOut.Data[0] / float32(x.NumElems)
	grad, _ := Full(x.Shape, share, x.Device)
	return []*Tensor{grad}
}

type LeakyReLUOp struct {
	opInputs
	slope float32
}

func (op *LeakyReLUOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	return record(op, LeakyReLU(inputs[0], op.slope), inputs...)
}

func (op *LeakyReLUOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := mustNew(x.Shape, x.Device)
	for i, g := range gradOut.Data {
		if x.Data[i] > 0 {
			grad.Data[i] = g
		} else {
			grad.Data[i] = g * op.slope
		}
	}
	return []*Tensor{grad}
}

// ConcatOp joins NCHW inputs along channels.
type ConcatOp struct{ opInputs }

func (op *ConcatOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	result, err := Concat(inputs...)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	return record(op, result, inputs...)
}

func (op *ConcatOp) Backward(gradOut *Tensor) []*Tensor {
	n, channels := gradOut.Shape[0], gradOut.Shape[1]
	plane := gradOut.Shape[2] * gradOut.Shape[3]
	grads := make([]*Tensor, len(op.inputs))
	for i, in := range op.inputs {
		grads[i] = mustNew(in.Shape, in.Device)
	}
	for b := 0; b < n; b++ {
		offset := b * channels * plane
		for i, in := range op.inputs {
			size := in.Shape[1] * plane
			copy(grads[i].Data[b*size:(b+1)*size], gradOut.Data[offset:offset+size])
			offset += size
		}
	}
	return grads
}

// Autograd-aware wrappers. They validate before dispatching so that a shape
// mismatch surfaces as an error instead of a panic.

func AddAutograd(a, b *Tensor) (*Tensor, error) {
	if err := sameShape("AddAutograd", a, b); err != nil {
		return nil, err
	}
	return (&AddOp{}).Forward(a, b), nil
}

func SubAutograd(a, b *Tensor) (*Tensor, error) {
	if err := sameShape("SubAutograd", a, b); err != nil {
		return nil, err
	}
	return (&SubOp{}).Forward(a, b), nil
}

func MulAutograd(a, b *Tensor) (*Tensor, error) {
	if err := sameShape("MulAutograd", a, b); err != nil {
		return nil, err
	}
	return (&MulOp{}).Forward(a, b), nil
}

func DivAutograd(a, b *Tensor) (*Tensor, error) {
	if err := sameShape("DivAutograd", a, b); err != nil {
		return nil, err
	}
	return (&DivOp{}).Forward(a, b), nil
}

func ScaleAutograd(a *Tensor, factor float32) *Tensor {
	return (&ScaleOp{factor: factor}).Forward(a)
}

func AddScalarAutograd(a *Tensor, value float32) *Tensor {
	return (&AddScalarOp{value: value}).Forward(a)
}

func SquareAutograd(a *Tensor) *Tensor {
	return (&SquareOp{}).Forward(a)
}

func MeanAutograd(a *Tensor) *Tensor {
	return (&MeanOp{}).Forward(a)
}

func LeakyReLUAutograd(a *Tensor, slope float32) *Tensor {
	return (&LeakyReLUOp{slope: slope}).Forward(a)
}

func ConcatAutograd(tensors ...*Tensor) (*Tensor, error) {
	if _, err := concatShape(tensors); err != nil {
		return nil, err
	}
	return (&ConcatOp{}).Forward(tensors...), nil
}

func sameShape(name string, a, b *Tensor) error {
	if err := checkCompatibility(a, b); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := checkShapesCompatible(a.Shape, b.Shape); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
