package tensor

import "fmt"

// MaxPool2DOp pools non-overlapping size×size windows of NCHW input. Trailing
// rows or columns that do not fill a window are dropped.
type MaxPool2DOp struct {
	opInputs
	size   int
	argmax []int
}

func (op *MaxPool2DOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	x := inputs[0]
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	ho, wo := h/op.size, w/op.size

	result := mustNew([]int{n, c, ho, wo}, x.Device)
	op.argmax = make([]int, result.NumElems)
	for p := 0; p < n*c; p++ {
		in := p * h * w
		out := p * ho * wo
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				best := in + oy*op.size*w + ox*op.size
				for dy := 0; dy < op.size; dy++ {
					for dx := 0; dx < op.size; dx++ {
						idx := in + (oy*op.size+dy)*w + ox*op.size + dx
						if x.Data[idx] > x.Data[best] {
							best = idx
						}
					}
				}
				result.Data[out+oy*wo+ox] = x.Data[best]
				op.argmax[out+oy*wo+ox] = best
			}
		}
	}
	return record(op, result, inputs...)
}

func (op *MaxPool2DOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := mustNew(x.Shape, x.Device)
	for i, g := range gradOut.Data {
		grad.Data[op.argmax[i]] += g
	}
	return []*Tensor{grad}
}

// UpsampleOp repeats every pixel of NCHW input factor×factor times.
type UpsampleOp struct {
	opInputs
	factor int
}

func (op *UpsampleOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	x := inputs[0]
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	ho, wo := h*op.factor, w*op.factor

	result := mustNew([]int{n, c, ho, wo}, x.Device)
	for p := 0; p < n*c; p++ {
		in := x.Data[p*h*w : (p+1)*h*w]
		out := result.Data[p*ho*wo : (p+1)*ho*wo]
		for oy := 0; oy < ho; oy++ {
			row := in[(oy/op.factor)*w:]
			for ox := 0; ox < wo; ox++ {
				out[oy*wo+ox] = row[ox/op.factor]
			}
		}
	}
	return record(op, result, inputs...)
}

func (op *UpsampleOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	n, c, h, w := x.Shape[0], x.Shape[1], x.Shape[2], x.Shape[3]
	ho, wo := h*op.factor, w*op.factor

	grad := mustNew(x.Shape, x.Device)
	for p := 0; p < n*c; p++ {
		in := grad.Data[p*h*w : (p+1)*h*w]
		out := gradOut.Data[p*ho*wo : (p+1)*ho*wo]
		for oy := 0; oy < ho; oy++ {
			for ox := 0; ox < wo; ox++ {
				in[(oy/op.factor)*w+ox/op.factor] += out[oy*wo+ox]
			}
		}
	}
	return []*Tensor{grad}
}

func MaxPool2DAutograd(x *Tensor, size int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("MaxPool2D expects NCHW input, got shape %v", x.Shape)
	}
	if size <= 0 || x.Shape[2] < size || x.Shape[3] < size {
		return nil, fmt.Errorf("MaxPool2D window %d does not fit input shape %v", size, x.Shape)
	}
	return (&MaxPool2DOp{size: size}).Forward(x), nil
}

func UpsampleAutograd(x *Tensor, factor int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("Upsample expects NCHW input, got shape %v", x.Shape)
	}
	if factor <= 0 {
		return nil, fmt.Errorf("Upsample factor must be positive, got %d", factor)
	}
	return (&UpsampleOp{factor: factor}).Forward(x), nil
}
