package tensor

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
)

type Conv2DOptions struct {
	Stride  int
	Padding int
	// Workers bounds the number of samples processed concurrently.
	// Zero means DefaultWorkers.
	Workers int
}

type convGeometry struct {
	n, cin, h, w    int
	cout, k         int
	stride, padding int
	hout, wout      int
}

func (g convGeometry) colRows() int { return g.cin * g.k * g.k }
func (g convGeometry) colCols() int { return g.hout * g.wout }

func newConvGeometry(x, weight *Tensor, opts Conv2DOptions) (convGeometry, error) {
	if len(x.Shape) != 4 {
		return convGeometry{}, fmt.Errorf("Conv2D expects NCHW input, got shape %v", x.Shape)
	}
	if len(weight.Shape) != 4 || weight.Shape[2] != weight.Shape[3] {
		return convGeometry{}, fmt.Errorf("Conv2D expects square [Cout, Cin, K, K] weights, got shape %v", weight.Shape)
	}
	if weight.Shape[1] != x.Shape[1] {
		return convGeometry{}, fmt.Errorf("Conv2D channel mismatch: input has %d channels, weights expect %d", x.Shape[1], weight.Shape[1])
	}
	stride := opts.Stride
	if stride <= 0 {
		stride = 1
	}
	if opts.Padding < 0 {
		return convGeometry{}, fmt.Errorf("Conv2D padding must be non-negative, got %d", opts.Padding)
	}

	g := convGeometry{
		n: x.Shape[0], cin: x.Shape[1], h: x.Shape[2], w: x.Shape[3],
		cout: weight.Shape[0], k: weight.Shape[2],
		stride: stride, padding: opts.Padding,
	}
	g.hout = (g.h+2*g.padding-g.k)/g.stride + 1
	g.wout = (g.w+2*g.padding-g.k)/g.stride + 1
	if g.hout <= 0 || g.wout <= 0 {
		return convGeometry{}, fmt.Errorf("Conv2D kernel %d too large for input %dx%d with padding %d", g.k, g.h, g.w, g.padding)
	}
	return g, nil
}

// im2col unfolds one sample [Cin, H, W] into a [Cin*K*K, Hout*Wout] matrix.
func im2col(src []float32, g convGeometry, col []float32) {
	cols := g.colCols()
	for c := 0; c < g.cin; c++ {
		plane := src[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.k; ki++ {
			for kj := 0; kj < g.k; kj++ {
				row := col[((c*g.k+ki)*g.k+kj)*cols:]
				for oy := 0; oy < g.hout; oy++ {
					iy := oy*g.stride - g.padding + ki
					for ox := 0; ox < g.wout; ox++ {
						ix := ox*g.stride - g.padding + kj
						if iy < 0 || iy >= g.h || ix < 0 || ix >= g.w {
							row[oy*g.wout+ox] = 0
						} else {
							row[oy*g.wout+ox] = plane[iy*g.w+ix]
						}
					}
				}
			}
		}
	}
}

// col2im scatters a column matrix back onto a [Cin, H, W] gradient, adding
// overlapping contributions.
func col2im(col []float32, g convGeometry, dst []float32) {
	cols := g.colCols()
	for c := 0; c < g.cin; c++ {
		plane := dst[c*g.h*g.w : (c+1)*g.h*g.w]
		for ki := 0; ki < g.k; ki++ {
			for kj := 0; kj < g.k; kj++ {
				row := col[((c*g.k+ki)*g.k+kj)*cols:]
				for oy := 0; oy < g.hout; oy++ {
					iy := oy*g.stride - g.padding + ki
					if iy < 0 || iy >= g.h {
						continue
					}
					for ox := 0; ox < g.wout; ox++ {
						ix := ox*g.stride - g.padding + kj
						if ix < 0 || ix >= g.w {
							continue
						}
						plane[iy*g.w+ix] += row[oy*g.wout+ox]
					}
				}
			}
		}
	}
}

// Conv2DOp is a 2-D cross-correlation over NCHW input with [Cout, Cin, K, K]
// weights and a [Cout] bias. Inputs are (x, weight, bias).
type Conv2DOp struct {
	opInputs
	opts Conv2DOptions
	geom convGeometry
}

func (op *Conv2DOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	x, weight, bias := inputs[0], inputs[1], inputs[2]
	g, err := newConvGeometry(x, weight, op.opts)
	if err != nil {
		panic(fmt.Sprintf("Forward pass failed: %v", err))
	}
	op.geom = g

	result := mustNew([]int{g.n, g.cout, g.hout, g.wout}, x.Device)
	rows, cols := g.colRows(), g.colCols()
	w := blas32.General{Rows: g.cout, Cols: rows, Stride: rows, Data: weight.Data}
	inSize := g.cin * g.h * g.w
	outSize := g.cout * cols

	ForEach(g.n, op.opts.Workers, func(b int) {
		col := make([]float32, rows*cols)
		im2col(x.Data[b*inSize:(b+1)*inSize], g, col)

		out := result.Data[b*outSize : (b+1)*outSize]
		for oc := 0; oc < g.cout; oc++ {
			bv := bias.Data[oc]
			for i := oc * cols; i < (oc+1)*cols; i++ {
				out[i] = bv
			}
		}
		blas32.Gemm(blas.NoTrans, blas.NoTrans, 1, w,
			blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: col},
			1, blas32.General{Rows: g.cout, Cols: cols, Stride: cols, Data: out})
	})

	return record(op, result, inputs...)
}

func (op *Conv2DOp) Backward(gradOut *Tensor) []*Tensor {
	x, weight, bias := op.inputs[0], op.inputs[1], op.inputs[2]
	g := op.geom
	rows, cols := g.colRows(), g.colCols()
	inSize := g.cin * g.h * g.w
	outSize := g.cout * cols
	wSize := g.cout * rows
	w := blas32.General{Rows: g.cout, Cols: rows, Stride: rows, Data: weight.Data}

	var gradX *Tensor
	if x.requiresGrad {
		gradX = mustNew(x.Shape, x.Device)
	}
	var partialW []float32
	if weight.requiresGrad {
		partialW = make([]float32, g.n*wSize)
	}

	ForEach(g.n, op.opts.Workers, func(b int) {
		gOut := blas32.General{Rows: g.cout, Cols: cols, Stride: cols, Data: gradOut.Data[b*outSize : (b+1)*outSize]}

		if partialW != nil {
			col := make([]float32, rows*cols)
			im2col(x.Data[b*inSize:(b+1)*inSize], g, col)
			blas32.Gemm(blas.NoTrans, blas.Trans, 1, gOut,
				blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: col},
				0, blas32.General{Rows: g.cout, Cols: rows, Stride: rows, Data: partialW[b*wSize : (b+1)*wSize]})
		}

		if gradX != nil {
			gradCol := make([]float32, rows*cols)
			blas32.Gemm(blas.Trans, blas.NoTrans, 1, w, gOut,
				0, blas32.General{Rows: rows, Cols: cols, Stride: cols, Data: gradCol})
			col2im(gradCol, g, gradX.Data[b*inSize:(b+1)*inSize])
		}
	})

	// Per-sample partials are reduced in sample order so results do not
	// depend on scheduling.
	var gradW *Tensor
	if partialW != nil {
		gradW = mustNew(weight.Shape, weight.Device)
		acc := blas32.Vector{N: wSize, Inc: 1, Data: gradW.Data}
		for b := 0; b < g.n; b++ {
			blas32.Axpy(1, blas32.Vector{N: wSize, Inc: 1, Data: partialW[b*wSize : (b+1)*wSize]}, acc)
		}
	}

	var gradB *Tensor
	if bias.requiresGrad {
		gradB = mustNew(bias.Shape, bias.Device)
		for b := 0; b < g.n; b++ {
			for oc := 0; oc < g.cout; oc++ {
				var s float32
				for _, v := range gradOut.Data[b*outSize+oc*cols : b*outSize+(oc+1)*cols] {
					s += v
				}
				gradB.Data[oc] += s
			}
		}
	}

	return []*Tensor{gradX, gradW, gradB}
}

func Conv2DAutograd(x, weight, bias *Tensor, opts Conv2DOptions) (*Tensor, error) {
	g, err := newConvGeometry(x, weight, opts)
	if err != nil {
		return nil, err
	}
	if len(bias.Shape) != 1 || bias.Shape[0] != g.cout {
		return nil, fmt.Errorf("Conv2D bias shape %v does not match %d output channels", bias.Shape, g.cout)
	}
	return (&Conv2DOp{opts: opts}).Forward(x, weight, bias), nil
}
