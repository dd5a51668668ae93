package layers

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/tensor"
)

// flowInitStd is the standard deviation of the displacement head weights.
const flowInitStd = 1e-5

// NetworkConfig is the architecture part of a training configuration.
type NetworkConfig struct {
	InShape    []int // spatial size, [H, W]
	NbFeatures [2][]int
	NDim       int
	Workers    int    // concurrent samples per convolution, 0 = tensor.DefaultWorkers
	Seed       uint64 // initialisation seed
}

func (c NetworkConfig) Validate() error {
	if c.NDim != 2 {
		return fmt.Errorf("%w: only 2-D registration is supported, got ndim=%d", config.ErrConfiguration, c.NDim)
	}
	if len(c.InShape) != c.NDim {
		return fmt.Errorf("%w: inshape %v does not have %d dimensions", config.ErrConfiguration, c.InShape, c.NDim)
	}
	if len(c.NbFeatures[0]) == 0 || len(c.NbFeatures[1]) < len(c.NbFeatures[0]) {
		return fmt.Errorf("%w: nb_features %v needs encoder widths and at least as many decoder widths", config.ErrConfiguration, c.NbFeatures)
	}
	for _, widths := range c.NbFeatures {
		for _, nf := range widths {
			if nf <= 0 {
				return fmt.Errorf("%w: feature widths must be positive, got %v", config.ErrConfiguration, c.NbFeatures)
			}
		}
	}
	div := 1 << len(c.NbFeatures[0])
	for _, s := range c.InShape {
		if s <= 0 || s%div != 0 {
			return fmt.Errorf("%w: inshape %v must be divisible by %d", config.ErrConfiguration, c.InShape, div)
		}
	}
	return nil
}

// SpatialTransformer warps an image by a displacement field.
type SpatialTransformer struct {
	Workers int
}

func (s *SpatialTransformer) Forward(src, flow *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.SpatialTransformAutograd(src, flow, s.Workers)
	if err != nil {
		return nil, fmt.Errorf("spatial transform failed: %w", err)
	}
	return out, nil
}

// RegistrationNetwork predicts a displacement field aligning a moving image
// to a fixed image and returns the warped moving image alongside it.
type RegistrationNetwork struct {
	cfg         NetworkConfig
	unet        *UNet
	flow        *Conv2D
	transformer *SpatialTransformer
	training    bool
}

func NewRegistrationNetwork(cfg NetworkConfig) (*RegistrationNetwork, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	src := rand.NewSource(cfg.Seed)

	unet, err := NewUNet(2, cfg.NbFeatures, cfg.Workers, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}
	flow, err := NewFlowConv2D(unet.OutChannels(), cfg.NDim, 3, flowInitStd,
		tensor.Conv2DOptions{Stride: 1, Padding: 1, Workers: cfg.Workers}, src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	return &RegistrationNetwork{
		cfg:         cfg,
		unet:        unet,
		flow:        flow,
		transformer: &SpatialTransformer{Workers: cfg.Workers},
		training:    true,
	}, nil
}

func (n *RegistrationNetwork) Config() NetworkConfig { return n.cfg }

func (n *RegistrationNetwork) checkInput(name string, x *tensor.Tensor) error {
	want := []int{1, n.cfg.InShape[0], n.cfg.InShape[1]}
	if len(x.Shape) != 4 || !tensor.ShapesEqual(x.Shape[1:], want) {
		return fmt.Errorf("%s image shape %v does not match [N %d %d %d]", name, x.Shape, want[0], want[1], want[2])
	}
	return nil
}

// Forward registers moving onto fixed. Both are [N, 1, H, W] with the
// configured H and W; the returned flow is [N, ndim, H, W].
func (n *RegistrationNetwork) Forward(moving, fixed *tensor.Tensor) (warped, flow *tensor.Tensor, err error) {
	if err := n.checkInput("moving", moving); err != nil {
		return nil, nil, err
	}
	if err := n.checkInput("fixed", fixed); err != nil {
		return nil, nil, err
	}
	if moving.Shape[0] != fixed.Shape[0] {
		return nil, nil, fmt.Errorf("batch size mismatch: moving %d, fixed %d", moving.Shape[0], fixed.Shape[0])
	}

	x, err := tensor.ConcatAutograd(moving, fixed)
	if err != nil {
		return nil, nil, err
	}
	features, err := n.unet.Forward(x)
	if err != nil {
		return nil, nil, err
	}
	flow, err = n.flow.Forward(features)
	if err != nil {
		return nil, nil, fmt.Errorf("flow head: %w", err)
	}
	warped, err = n.transformer.Forward(moving, flow)
	if err != nil {
		return nil, nil, err
	}
	return warped, flow, nil
}

func (n *RegistrationNetwork) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, p := range n.NamedParameters() {
		params = append(params, p.Tensor)
	}
	return params
}

func (n *RegistrationNetwork) NamedParameters() []NamedParameter {
	params := n.unet.NamedParameters()
	return append(params,
		NamedParameter{Name: "flow.weight", Tensor: n.flow.Weight()},
		NamedParameter{Name: "flow.bias", Tensor: n.flow.Bias()},
	)
}

// ParameterCount is the total number of trainable scalars.
func (n *RegistrationNetwork) ParameterCount() int {
	total := 0
	for _, p := range n.Parameters() {
		total += p.NumElems
	}
	return total
}

func (n *RegistrationNetwork) Train() {
	n.training = true
	n.unet.Train()
	n.flow.Train()
}

func (n *RegistrationNetwork) Eval() {
	n.training = false
	n.unet.Eval()
	n.flow.Eval()
}

func (n *RegistrationNetwork) IsTraining() bool { return n.training }
