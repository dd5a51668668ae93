package tensor

import "fmt"

// boxSum computes, for every pixel of each [H, W] plane, the sum over the
// win×win window centred on it. Out-of-range pixels count as zero.
func boxSum(src, dst []float32, planes, h, w, win int) {
	r := win / 2
	tmp := make([]float32, h*w)
	for p := 0; p < planes; p++ {
		in := src[p*h*w : (p+1)*h*w]
		out := dst[p*h*w : (p+1)*h*w]

		for y := 0; y < h; y++ {
			row := in[y*w : (y+1)*w]
			for x := 0; x < w; x++ {
				var s float32
				for k := max(0, x-r); k <= min(w-1, x+r); k++ {
					s += row[k]
				}
				tmp[y*w+x] = s
			}
		}
		for x := 0; x < w; x++ {
			for y := 0; y < h; y++ {
				var s float32
				for k := max(0, y-r); k <= min(h-1, y+r); k++ {
					s += tmp[k*w+x]
				}
				out[y*w+x] = s
			}
		}
	}
}

// BoxFilterOp sums each NCHW plane over an odd win×win window with zero
// padding. The filter is its own adjoint.
type BoxFilterOp struct {
	opInputs
	win int
}

func (op *BoxFilterOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	x := inputs[0]
	result := mustNew(x.Shape, x.Device)
	boxSum(x.Data, result.Data, x.Shape[0]*x.Shape[1], x.Shape[2], x.Shape[3], op.win)
	return record(op, result, inputs...)
}

func (op *BoxFilterOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := mustNew(x.Shape, x.Device)
	boxSum(gradOut.Data, grad.Data, x.Shape[0]*x.Shape[1], x.Shape[2], x.Shape[3], op.win)
	return []*Tensor{grad}
}

func BoxFilterAutograd(x *Tensor, win int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("BoxFilter expects NCHW input, got shape %v", x.Shape)
	}
	if win <= 0 || win%2 == 0 {
		return nil, fmt.Errorf("BoxFilter window must be odd and positive, got %d", win)
	}
	return (&BoxFilterOp{win: win}).Forward(x), nil
}

// DiffOp takes forward differences x[i+1] - x[i] along one spatial axis of
// NCHW input (2 for rows, 3 for columns). The output is one shorter along
// that axis.
type DiffOp struct {
	opInputs
	axis int
}

func (op *DiffOp) outShape(shape []int) []int {
	out := append([]int(nil), shape...)
	out[op.axis]--
	return out
}

func (op *DiffOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	x := inputs[0]
	result := mustNew(op.outShape(x.Shape), x.Device)
	op.apply(x.Shape, func(src, dst int, step int) {
		result.Data[dst] = x.Data[src+step] - x.Data[src]
	})
	return record(op, result, inputs...)
}

func (op *DiffOp) Backward(gradOut *Tensor) []*Tensor {
	x := op.inputs[0]
	grad := mustNew(x.Shape, x.Device)
	op.apply(x.Shape, func(src, dst int, step int) {
		g := gradOut.Data[dst]
		grad.Data[src+step] += g
		grad.Data[src] -= g
	})
	return []*Tensor{grad}
}

// apply visits every output element with its source offset and the stride
// of the differenced axis.
func (op *DiffOp) apply(shape []int, visit func(src, dst, step int)) {
	planes, h, w := shape[0]*shape[1], shape[2], shape[3]
	ho, wo, step := h, w, 1
	if op.axis == 2 {
		ho, step = h-1, w
	} else {
		wo = w - 1
	}
	dst := 0
	for p := 0; p < planes; p++ {
		base := p * h * w
		for y := 0; y < ho; y++ {
			for x := 0; x < wo; x++ {
				visit(base+y*w+x, dst, step)
				dst++
			}
		}
	}
}

func DiffAutograd(x *Tensor, axis int) (*Tensor, error) {
	if len(x.Shape) != 4 {
		return nil, fmt.Errorf("Diff expects NCHW input, got shape %v", x.Shape)
	}
	if axis != 2 && axis != 3 {
		return nil, fmt.Errorf("Diff axis must be 2 or 3, got %d", axis)
	}
	if x.Shape[axis] < 2 {
		return nil, fmt.Errorf("Diff needs at least 2 elements along axis %d, got shape %v", axis, x.Shape)
	}
	return (&DiffOp{axis: axis}).Forward(x), nil
}
