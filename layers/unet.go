package layers

import (
	"fmt"

	"golang.org/x/exp/rand"

	"github.com/tsawler/go-morph/tensor"
)

// UNet is the dense feature extractor of the registration network.
//
// The encoder runs one ConvBlock per level and halves the resolution with a
// 2x2 max-pool. The decoder runs one ConvBlock per level, upsamples by two
// and concatenates the matching encoder activation. Decoder widths beyond
// the number of encoder levels become extra ConvBlocks at full resolution.
// The network input itself is never concatenated back.
type UNet struct {
	encoder  []*ConvBlock
	decoder  []*ConvBlock
	final    []*ConvBlock
	training bool
}

// NewUNet builds the encoder and decoder from nbFeatures[0] (encoder widths)
// and nbFeatures[1] (decoder widths followed by the full-resolution widths).
func NewUNet(inChannels int, nbFeatures [2][]int, workers int, src rand.Source) (*UNet, error) {
	enc, dec := nbFeatures[0], nbFeatures[1]
	if len(enc) == 0 {
		return nil, fmt.Errorf("unet needs at least one encoder level")
	}
	if len(dec) < len(enc) {
		return nil, fmt.Errorf("unet needs at least %d decoder widths, got %d", len(enc), len(dec))
	}

	u := &UNet{training: true}
	skips := []int{}
	prev := inChannels
	for _, nf := range enc {
		block, err := NewConvBlock(prev, nf, workers, src)
		if err != nil {
			return nil, fmt.Errorf("encoder: %w", err)
		}
		u.encoder = append(u.encoder, block)
		prev = nf
		skips = append(skips, nf)
	}

	for level, nf := range dec[:len(enc)] {
		block, err := NewConvBlock(prev, nf, workers, src)
		if err != nil {
			return nil, fmt.Errorf("decoder: %w", err)
		}
		u.decoder = append(u.decoder, block)
		prev = nf + skips[len(skips)-1-level]
	}

	for _, nf := range dec[len(enc):] {
		block, err := NewConvBlock(prev, nf, workers, src)
		if err != nil {
			return nil, fmt.Errorf("final: %w", err)
		}
		u.final = append(u.final, block)
		prev = nf
	}
	return u, nil
}

// Levels is the number of pooling steps; spatial sizes must be divisible
// by 2^Levels.
func (u *UNet) Levels() int { return len(u.encoder) }

// OutChannels is the width of the last block.
func (u *UNet) OutChannels() int {
	if len(u.final) > 0 {
		return u.final[len(u.final)-1].Conv().OutChannels()
	}
	dec := u.decoder[len(u.decoder)-1]
	return dec.Conv().OutChannels() + u.encoder[0].Conv().OutChannels()
}

func (u *UNet) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	x := input
	history := make([]*tensor.Tensor, 0, len(u.encoder))
	var err error

	for level, block := range u.encoder {
		if x, err = block.Forward(x); err != nil {
			return nil, fmt.Errorf("encoder level %d: %w", level, err)
		}
		history = append(history, x)
		if x, err = tensor.MaxPool2DAutograd(x, 2); err != nil {
			return nil, fmt.Errorf("encoder level %d: %w", level, err)
		}
	}

	for level, block := range u.decoder {
		if x, err = block.Forward(x); err != nil {
			return nil, fmt.Errorf("decoder level %d: %w", level, err)
		}
		if x, err = tensor.UpsampleAutograd(x, 2); err != nil {
			return nil, fmt.Errorf("decoder level %d: %w", level, err)
		}
		skip := history[len(history)-1]
		history = history[:len(history)-1]
		if x, err = tensor.ConcatAutograd(x, skip); err != nil {
			return nil, fmt.Errorf("decoder level %d: %w", level, err)
		}
	}

	for i, block := range u.final {
		if x, err = block.Forward(x); err != nil {
			return nil, fmt.Errorf("final conv %d: %w", i, err)
		}
	}
	return x, nil
}

func (u *UNet) Parameters() []*tensor.Tensor {
	var params []*tensor.Tensor
	for _, p := range u.NamedParameters() {
		params = append(params, p.Tensor)
	}
	return params
}

// NamedParameters lists parameters as unet.enc<i>, unet.dec<i> and
// unet.final<i> weight/bias pairs.
func (u *UNet) NamedParameters() []NamedParameter {
	var params []NamedParameter
	add := func(prefix string, blocks []*ConvBlock) {
		for i, b := range blocks {
			params = append(params,
				NamedParameter{Name: fmt.Sprintf("unet.%s%d.weight", prefix, i), Tensor: b.Conv().Weight()},
				NamedParameter{Name: fmt.Sprintf("unet.%s%d.bias", prefix, i), Tensor: b.Conv().Bias()},
			)
		}
	}
	add("enc", u.encoder)
	add("dec", u.decoder)
	add("final", u.final)
	return params
}

func (u *UNet) blocks() []*ConvBlock {
	all := append([]*ConvBlock{}, u.encoder...)
	all = append(all, u.decoder...)
	return append(all, u.final...)
}

func (u *UNet) Train() {
	u.training = true
	for _, b := range u.blocks() {
		b.Train()
	}
}

func (u *UNet) Eval() {
	u.training = false
	for _, b := range u.blocks() {
		b.Eval()
	}
}

func (u *UNet) IsTraining() bool { return u.training }
