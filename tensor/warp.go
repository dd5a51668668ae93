package tensor

import (
	"fmt"
	"math"
)

// bilinearSample holds the corner indices and weights for one sample point.
type bilinearSample struct {
	y0, y1, x0, x1 int
	wy, wx         float32
	clampY, clampX bool
}

func clampCoord(v float64, size int) (float64, bool) {
	hi := float64(size - 1)
	if v < 0 || math.IsNaN(v) {
		return 0, true
	}
	if v > hi {
		return hi, true
	}
	return v, false
}

func newBilinearSample(sy, sx float64, h, w int) bilinearSample {
	cy, clampY := clampCoord(sy, h)
	cx, clampX := clampCoord(sx, w)
	y0 := int(math.Floor(cy))
	x0 := int(math.Floor(cx))
	return bilinearSample{
		y0: y0, y1: min(y0+1, h-1),
		x0: x0, x1: min(x0+1, w-1),
		wy: float32(cy - float64(y0)), wx: float32(cx - float64(x0)),
		clampY: clampY, clampX: clampX,
	}
}

// SpatialTransformOp resamples NCHW images at identity + displacement using
// bilinear interpolation with border clamping. Inputs are (src, flow) where
// flow is [N, 2, H, W]; channel 0 displaces rows and channel 1 columns.
type SpatialTransformOp struct {
	opInputs
	workers int
}

func (op *SpatialTransformOp) Forward(inputs ...*Tensor) *Tensor {
	op.inputs = inputs
	src, flow := inputs[0], inputs[1]
	n, c, h, w := src.Shape[0], src.Shape[1], src.Shape[2], src.Shape[3]
	plane := h * w

	result := mustNew(src.Shape, src.Device)
	ForEach(n, op.workers, func(b int) {
		dy := flow.Data[(b*2)*plane : (b*2+1)*plane]
		dx := flow.Data[(b*2+1)*plane : (b*2+2)*plane]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := y*w + x
				s := newBilinearSample(float64(y)+float64(dy[p]), float64(x)+float64(dx[p]), h, w)
				for ch := 0; ch < c; ch++ {
					img := src.Data[(b*c+ch)*plane : (b*c+ch+1)*plane]
					result.Data[(b*c+ch)*plane+p] = s.interpolate(img, w)
				}
			}
		}
	})
	return record(op, result, inputs...)
}

func (s bilinearSample) interpolate(img []float32, w int) float32 {
	return (1-s.wy)*(1-s.wx)*img[s.y0*w+s.x0] +
		(1-s.wy)*s.wx*img[s.y0*w+s.x1] +
		s.wy*(1-s.wx)*img[s.y1*w+s.x0] +
		s.wy*s.wx*img[s.y1*w+s.x1]
}

func (op *SpatialTransformOp) Backward(gradOut *Tensor) []*Tensor {
	src, flow := op.inputs[0], op.inputs[1]
	n, c, h, w := src.Shape[0], src.Shape[1], src.Shape[2], src.Shape[3]
	plane := h * w

	var gradSrc, gradFlow *Tensor
	if src.requiresGrad {
		gradSrc = mustNew(src.Shape, src.Device)
	}
	if flow.requiresGrad {
		gradFlow = mustNew(flow.Shape, flow.Device)
	}

	ForEach(n, op.workers, func(b int) {
		dy := flow.Data[(b*2)*plane : (b*2+1)*plane]
		dx := flow.Data[(b*2+1)*plane : (b*2+2)*plane]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				p := y*w + x
				s := newBilinearSample(float64(y)+float64(dy[p]), float64(x)+float64(dx[p]), h, w)
				var gy, gx float32
				for ch := 0; ch < c; ch++ {
					off := (b*c + ch) * plane
					g := gradOut.Data[off+p]
					if g == 0 {
						continue
					}
					if gradSrc != nil {
						gs := gradSrc.Data[off : off+plane]
						gs[s.y0*w+s.x0] += g * (1 - s.wy) * (1 - s.wx)
						gs[s.y0*w+s.x1] += g * (1 - s.wy) * s.wx
						gs[s.y1*w+s.x0] += g * s.wy * (1 - s.wx)
						gs[s.y1*w+s.x1] += g * s.wy * s.wx
					}
					img := src.Data[off : off+plane]
					i00, i01 := img[s.y0*w+s.x0], img[s.y0*w+s.x1]
					i10, i11 := img[s.y1*w+s.x0], img[s.y1*w+s.x1]
					gy += g * ((1-s.wx)*(i10-i00) + s.wx*(i11-i01))
					gx += g * ((1-s.wy)*(i01-i00) + s.wy*(i11-i10))
				}
				if gradFlow != nil {
					if !s.clampY {
						gradFlow.Data[(b*2)*plane+p] = gy
					}
					if !s.clampX {
						gradFlow.Data[(b*2+1)*plane+p] = gx
					}
				}
			}
		}
	})
	return []*Tensor{gradSrc, gradFlow}
}

// SpatialTransformAutograd warps src by flow. workers bounds the number of
// samples processed concurrently (zero means DefaultWorkers).
func SpatialTransformAutograd(src, flow *Tensor, workers int) (*Tensor, error) {
	if len(src.Shape) != 4 {
		return nil, fmt.Errorf("SpatialTransform expects NCHW input, got shape %v", src.Shape)
	}
	want := []int{src.Shape[0], 2, src.Shape[2], src.Shape[3]}
	if !shapesEqual(flow.Shape, want) {
		return nil, fmt.Errorf("SpatialTransform flow shape %v does not match %v", flow.Shape, want)
	}
	return (&SpatialTransformOp{workers: workers}).Forward(src, flow), nil
}
