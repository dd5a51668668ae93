package training

import (
	"fmt"

	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/tensor"
)

// ImageLoss defines the similarity term between a warped image and its
// target. Forward returns a single-element tensor recorded on the tape.
type ImageLoss interface {
	Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error)
	Name() string
}

// NewImageLoss returns the similarity loss selected by name.
func NewImageLoss(name string) (ImageLoss, error) {
	switch name {
	case config.LossMSE:
		return NewMSELoss(), nil
	case config.LossNCC:
		return NewNCCLoss(DefaultNCCWindow), nil
	default:
		return nil, fmt.Errorf("%w: unknown image loss %q", config.ErrConfiguration, name)
	}
}

// MSELoss implements Mean Squared Error loss function
type MSELoss struct{}

// NewMSELoss creates a new Mean Squared Error loss function
func NewMSELoss() *MSELoss {
	return &MSELoss{}
}

func (mse *MSELoss) Name() string { return config.LossMSE }

// Forward computes the MSE loss: L = (1/N) * sum((y_pred - y_true)^2)
func (mse *MSELoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.SubAutograd(predicted, target)
	if err != nil {
		return nil, fmt.Errorf("mse: %w", err)
	}
	return tensor.MeanAutograd(tensor.SquareAutograd(diff)), nil
}

const (
	DefaultNCCWindow = 9
	nccEpsilon       = 1e-5
)

// NCCLoss is the local normalized cross correlation over square windows.
// Forward returns -mean(cc) so that better alignment lowers the loss.
type NCCLoss struct {
	win int
}

func NewNCCLoss(win int) *NCCLoss {
	if win <= 0 {
		win = DefaultNCCWindow
	}
	return &NCCLoss{win: win}
}

func (ncc *NCCLoss) Name() string { return config.LossNCC }

func (ncc *NCCLoss) Forward(predicted, target *tensor.Tensor) (*tensor.Tensor, error) {
	if len(target.Shape) != 4 {
		return nil, fmt.Errorf("ncc: expected NCHW input, got shape %v", target.Shape)
	}
	g := &graph{}
	i, j := target, predicted
	winSize := float32(ncc.win * ncc.win)

	iSum := g.box(i, ncc.win)
	jSum := g.box(j, ncc.win)
	i2Sum := g.box(g.square(i), ncc.win)
	j2Sum := g.box(g.square(j), ncc.win)
	ijSum := g.box(g.mul(i, j), ncc.win)

	uI := g.scale(iSum, 1/winSize)
	uJ := g.scale(jSum, 1/winSize)

	// cross = IJ - uJ*I - uI*J + uI*uJ*win
	cross := g.sub(ijSum, g.mul(uJ, iSum))
	cross = g.sub(cross, g.mul(uI, jSum))
	cross = g.add(cross, g.scale(g.mul(uI, uJ), winSize))

	iVar := g.sub(i2Sum, g.scale(g.mul(uI, iSum), 2))
	iVar = g.add(iVar, g.scale(g.square(uI), winSize))
	jVar := g.sub(j2Sum, g.scale(g.mul(uJ, jSum), 2))
	jVar = g.add(jVar, g.scale(g.square(uJ), winSize))

	denom := g.addScalar(g.mul(iVar, jVar), nccEpsilon)
	cc := g.div(g.square(cross), denom)
	loss := g.scale(g.mean(cc), -1)
	if g.err != nil {
		return nil, fmt.Errorf("ncc: %w", g.err)
	}
	return loss, nil
}

// GradLoss penalises the squared forward differences of a displacement
// field, averaged per spatial axis and divided by the number of axes.
type GradLoss struct{}

func NewGradLoss(penalty string) (*GradLoss, error) {
	if penalty != "l2" {
		return nil, fmt.Errorf("%w: unsupported gradient penalty %q", config.ErrConfiguration, penalty)
	}
	return &GradLoss{}, nil
}

func (gl *GradLoss) Forward(flow *tensor.Tensor) (*tensor.Tensor, error) {
	if len(flow.Shape) != 4 {
		return nil, fmt.Errorf("grad: expected [N, ndim, H, W] flow, got shape %v", flow.Shape)
	}
	g := &graph{}
	dy := g.mean(g.square(g.diff(flow, 2)))
	dx := g.mean(g.square(g.diff(flow, 3)))
	loss := g.scale(g.add(dy, dx), 0.5)
	if g.err != nil {
		return nil, fmt.Errorf("grad: %w", g.err)
	}
	return loss, nil
}

// LossTerms holds the composite loss and its parts. All three are
// single-element tensors; only Total is meant for Backward.
type LossTerms struct {
	Total  *tensor.Tensor
	Sim    *tensor.Tensor
	Smooth *tensor.Tensor
}

// Values reads the scalar value of each term.
func (lt LossTerms) Values() (total, sim, smooth float64) {
	total, _ = lt.Total.Item()
	sim, _ = lt.Sim.Item()
	smooth, _ = lt.Smooth.Item()
	return total, sim, smooth
}

// LossComposer computes sim(warped, fixed) + lambda * smooth(flow).
type LossComposer struct {
	sim    ImageLoss
	smooth *GradLoss
	lambda float32
}

func NewLossComposer(imageLoss string, lambda float64) (*LossComposer, error) {
	sim, err := NewImageLoss(imageLoss)
	if err != nil {
		return nil, err
	}
	smooth, err := NewGradLoss("l2")
	if err != nil {
		return nil, err
	}
	return &LossComposer{sim: sim, smooth: smooth, lambda: float32(lambda)}, nil
}

func (lc *LossComposer) ImageLoss() ImageLoss { return lc.sim }
func (lc *LossComposer) Lambda() float64      { return float64(lc.lambda) }

func (lc *LossComposer) Compute(warped, fixed, flow *tensor.Tensor) (LossTerms, error) {
	sim, err := lc.sim.Forward(warped, fixed)
	if err != nil {
		return LossTerms{}, err
	}
	smooth, err := lc.smooth.Forward(flow)
	if err != nil {
		return LossTerms{}, err
	}
	total, err := tensor.AddAutograd(sim, tensor.ScaleAutograd(smooth, lc.lambda))
	if err != nil {
		return LossTerms{}, err
	}
	return LossTerms{Total: total, Sim: sim, Smooth: smooth}, nil
}

// graph chains autograd operations and keeps the first error, after which
// every call is a no-op returning nil.
type graph struct {
	err error
}

func (g *graph) binary(fn func(a, b *tensor.Tensor) (*tensor.Tensor, error), a, b *tensor.Tensor) *tensor.Tensor {
	if g.err != nil {
		return nil
	}
	out, err := fn(a, b)
	if err != nil {
		g.err = err
		return nil
	}
	return out
}

func (g *graph) add(a, b *tensor.Tensor) *tensor.Tensor { return g.binary(tensor.AddAutograd, a, b) }
func (g *graph) sub(a, b *tensor.Tensor) *tensor.Tensor { return g.binary(tensor.SubAutograd, a, b) }
func (g *graph) mul(a, b *tensor.Tensor) *tensor.Tensor { return g.binary(tensor.MulAutograd, a, b) }
func (g *graph) div(a, b *tensor.Tensor) *tensor.Tensor { return g.binary(tensor.DivAutograd, a, b) }

func (g *graph) box(x *tensor.Tensor, win int) *tensor.Tensor {
	if g.err != nil {
		return nil
	}
	out, err := tensor.BoxFilterAutograd(x, win)
	g.err = err
	return out
}

func (g *graph) diff(x *tensor.Tensor, axis int) *tensor.Tensor {
	if g.err != nil {
		return nil
	}
	out, err := tensor.DiffAutograd(x, axis)
	g.err = err
	return out
}

func (g *graph) square(x *tensor.Tensor) *tensor.Tensor {
	if g.err != nil {
		return nil
	}
	return tensor.SquareAutograd(x)
}

func (g *graph) scale(x *tensor.Tensor, factor float32) *tensor.Tensor {
	if g.err != nil {
		return nil
	}
	return tensor.ScaleAutograd(x, factor)
}

func (g *graph) addScalar(x *tensor.Tensor, value float32) *tensor.Tensor {
	if g.err != nil {
		return nil
	}
	return tensor.AddScalarAutograd(x, value)
}

func (g *graph) mean(x *tensor.Tensor) *tensor.Tensor {
	if g.err != nil {
		return nil
	}
	return tensor.MeanAutograd(x)
}
