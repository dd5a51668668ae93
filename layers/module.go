package layers

import (
	"fmt"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/tsawler/go-morph/tensor"
)

// Module is implemented by every differentiable layer of the network.
type Module interface {
	Forward(input *tensor.Tensor) (*tensor.Tensor, error)
	Parameters() []*tensor.Tensor // trainable tensors in a fixed order
	Train()
	Eval()
	IsTraining() bool
}

// NamedParameter pairs a trainable tensor with the stable name used in
// checkpoints.
type NamedParameter struct {
	Name   string
	Tensor *tensor.Tensor
}

// Conv2D is a square-kernel convolution with bias.
type Conv2D struct {
	weight   *tensor.Tensor
	bias     *tensor.Tensor
	opts     tensor.Conv2DOptions
	training bool
}

// NewConv2D initialises weights and bias from U(-1/sqrt(fan_in), 1/sqrt(fan_in)).
func NewConv2D(inChannels, outChannels, kernelSize int, opts tensor.Conv2DOptions, src rand.Source) (*Conv2D, error) {
	if inChannels <= 0 || outChannels <= 0 || kernelSize <= 0 {
		return nil, fmt.Errorf("invalid Conv2D geometry: in=%d out=%d kernel=%d", inChannels, outChannels, kernelSize)
	}
	bound := 1 / math.Sqrt(float64(inChannels*kernelSize*kernelSize))

	weight, err := tensor.RandomUniform([]int{outChannels, inChannels, kernelSize, kernelSize}, -bound, bound, src, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	bias, err := tensor.RandomUniform([]int{outChannels}, -bound, bound, src, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %w", err)
	}
	weight.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)

	return &Conv2D{weight: weight, bias: bias, opts: opts, training: true}, nil
}

// NewFlowConv2D builds the displacement head: weights drawn from
// N(0, std) and a zero bias so the initial field is close to identity.
func NewFlowConv2D(inChannels, ndim, kernelSize int, std float64, opts tensor.Conv2DOptions, src rand.Source) (*Conv2D, error) {
	weight, err := tensor.Zeros([]int{ndim, inChannels, kernelSize, kernelSize}, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create weight tensor: %w", err)
	}
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	for i := range weight.Data {
		weight.Data[i] = float32(dist.Rand())
	}
	bias, err := tensor.Zeros([]int{ndim}, tensor.CPU)
	if err != nil {
		return nil, fmt.Errorf("failed to create bias tensor: %w", err)
	}
	weight.SetRequiresGrad(true)
	bias.SetRequiresGrad(true)

	return &Conv2D{weight: weight, bias: bias, opts: opts, training: true}, nil
}

func (c *Conv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := tensor.Conv2DAutograd(input, c.weight, c.bias, c.opts)
	if err != nil {
		return nil, fmt.Errorf("conv2d forward failed: %w", err)
	}
	return out, nil
}

func (c *Conv2D) Parameters() []*tensor.Tensor {
	return []*tensor.Tensor{c.weight, c.bias}
}

func (c *Conv2D) Weight() *tensor.Tensor { return c.weight }
func (c *Conv2D) Bias() *tensor.Tensor   { return c.bias }

func (c *Conv2D) InChannels() int  { return c.weight.Shape[1] }
func (c *Conv2D) OutChannels() int { return c.weight.Shape[0] }
func (c *Conv2D) KernelSize() int  { return c.weight.Shape[2] }

func (c *Conv2D) Train()           { c.training = true }
func (c *Conv2D) Eval()            { c.training = false }
func (c *Conv2D) IsTraining() bool { return c.training }

// LeakyReLU has no parameters.
type LeakyReLU struct {
	Slope    float32
	training bool
}

func NewLeakyReLU(slope float32) *LeakyReLU {
	return &LeakyReLU{Slope: slope, training: true}
}

func (l *LeakyReLU) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	return tensor.LeakyReLUAutograd(input, l.Slope), nil
}

func (l *LeakyReLU) Parameters() []*tensor.Tensor { return nil }
func (l *LeakyReLU) Train()                       { l.training = true }
func (l *LeakyReLU) Eval()                        { l.training = false }
func (l *LeakyReLU) IsTraining() bool             { return l.training }

// ConvBlock is a same-padded convolution followed by LeakyReLU(0.2).
type ConvBlock struct {
	conv       *Conv2D
	activation *LeakyReLU
}

func NewConvBlock(inChannels, outChannels int, workers int, src rand.Source) (*ConvBlock, error) {
	conv, err := NewConv2D(inChannels, outChannels, 3, tensor.Conv2DOptions{Stride: 1, Padding: 1, Workers: workers}, src)
	if err != nil {
		return nil, err
	}
	return &ConvBlock{conv: conv, activation: NewLeakyReLU(0.2)}, nil
}

func (b *ConvBlock) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	out, err := b.conv.Forward(input)
	if err != nil {
		return nil, err
	}
	return b.activation.Forward(out)
}

func (b *ConvBlock) Parameters() []*tensor.Tensor { return b.conv.Parameters() }
func (b *ConvBlock) Conv() *Conv2D                { return b.conv }

func (b *ConvBlock) Train() {
	b.conv.Train()
	b.activation.Train()
}

func (b *ConvBlock) Eval() {
	b.conv.Eval()
	b.activation.Eval()
}

func (b *ConvBlock) IsTraining() bool { return b.conv.IsTraining() }
