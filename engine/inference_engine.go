package engine

import (
	"fmt"
	"io"

	"github.com/tsawler/go-morph/checkpoints"
	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/layers"
	"github.com/tsawler/go-morph/optimizer"
	"github.com/tsawler/go-morph/tensor"
	"github.com/tsawler/go-morph/training"
	"github.com/tsawler/go-morph/vision/dataset"
	"github.com/tsawler/go-morph/vision/preprocessing"
)

// Model is a network and optimizer restored from a checkpoint.
type Model struct {
	Network   *layers.RegistrationNetwork
	Optimizer optimizer.Optimizer
	Config    *config.Config
	Hist      []float64
	Metadata  checkpoints.CheckpointMetadata
}

// Load reads a checkpoint and rebuilds the model it describes.
func Load(path string, backend Backend) (*Model, error) {
	ckpt, err := checkpoints.Load(path)
	if err != nil {
		return nil, err
	}
	return Restore(ckpt, backend)
}

// Restore rebuilds a network and optimizer from the embedded configuration
// and copies the saved state into them. A configuration or parameter layout
// that does not match the saved tensors is reported as ErrDeserialization
// wrapping ErrConfiguration.
func Restore(ckpt *checkpoints.Checkpoint, backend Backend) (*Model, error) {
	cfg, err := config.FromMap(ckpt.Config)
	if err != nil {
		return nil, fmt.Errorf("%w: embedded config: %w", checkpoints.ErrDeserialization, err)
	}

	net, opt, _, err := Build(cfg, backend)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", checkpoints.ErrDeserialization, err)
	}
	if err := loadWeights(net, ckpt.ModelState); err != nil {
		return nil, err
	}
	if err := opt.LoadState(ckpt.OptimizerState); err != nil {
		return nil, fmt.Errorf("%w: %w: optimizer state: %v", checkpoints.ErrDeserialization, config.ErrConfiguration, err)
	}
	net.Eval()

	return &Model{
		Network:   net,
		Optimizer: opt,
		Config:    cfg,
		Hist:      append([]float64(nil), ckpt.Hist...),
		Metadata:  ckpt.Metadata,
	}, nil
}

func loadWeights(net *layers.RegistrationNetwork, weights []checkpoints.WeightTensor) error {
	named := net.NamedParameters()
	if len(weights) != len(named) {
		return fmt.Errorf("%w: %w: checkpoint has %d tensors, network expects %d",
			checkpoints.ErrDeserialization, config.ErrConfiguration, len(weights), len(named))
	}
	for i, p := range named {
		w := weights[i]
		if w.Name != p.Name {
			return fmt.Errorf("%w: %w: tensor %d is %q, network expects %q",
				checkpoints.ErrDeserialization, config.ErrConfiguration, i, w.Name, p.Name)
		}
		if !tensor.ShapesEqual(w.Shape, p.Tensor.Shape) || len(w.Data) != len(p.Tensor.Data) {
			return fmt.Errorf("%w: %w: %s has shape %v, network expects %v",
				checkpoints.ErrDeserialization, config.ErrConfiguration, w.Name, w.Shape, p.Tensor.Shape)
		}
	}
	for i, p := range named {
		copy(p.Tensor.Data, weights[i].Data)
	}
	return nil
}

// Result is the outcome of registering one moving image onto a fixed image.
type Result struct {
	Warped *tensor.Tensor
	Flow   *tensor.Tensor
	Dice   float64
}

// Evaluate runs one forward pass without gradient tracking and scores the
// warped image against fixed with Dice at training.MaskThreshold. The
// network's train/eval mode is restored afterwards.
func Evaluate(net *layers.RegistrationNetwork, moving, fixed *tensor.Tensor) (*Result, error) {
	if net.IsTraining() {
		net.Eval()
		defer net.Train()
	}

	var res Result
	err := tensor.NoGrad(func() error {
		warped, flow, err := net.Forward(moving, fixed)
		if err != nil {
			return err
		}
		res.Warped, res.Flow = warped, flow
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation forward pass: %w", err)
	}

	res.Dice, err = training.Dice(res.Warped, fixed, training.MaskThreshold)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// SampleTensor stacks samples into a [N, 1, H, W] batch.
func SampleTensor(samples []dataset.Sample, h, w int) (*tensor.Tensor, error) {
	data := make([]float32, 0, len(samples)*h*w)
	for i, s := range samples {
		if len(s.Image) != h*w {
			return nil, fmt.Errorf("sample %d has %d pixels, expected %dx%d", i, len(s.Image), h, w)
		}
		data = append(data, s.Image...)
	}
	return tensor.NewTensor([]int{len(samples), 1, h, w}, tensor.CPU, data)
}

// SelectPair returns fixSet[fixIndex] and movingSet[movingIndex] as
// single-sample batches. The two indices are independent.
func SelectPair(fixSet, movingSet []dataset.Sample, fixIndex, movingIndex, h, w int) (fixed, moving *tensor.Tensor, err error) {
	if fixIndex < 0 || fixIndex >= len(fixSet) {
		return nil, nil, fmt.Errorf("fix index %d out of range [0, %d)", fixIndex, len(fixSet))
	}
	if movingIndex < 0 || movingIndex >= len(movingSet) {
		return nil, nil, fmt.Errorf("moving index %d out of range [0, %d)", movingIndex, len(movingSet))
	}
	if fixed, err = SampleTensor(fixSet[fixIndex:fixIndex+1], h, w); err != nil {
		return nil, nil, err
	}
	if moving, err = SampleTensor(movingSet[movingIndex:movingIndex+1], h, w); err != nil {
		return nil, nil, err
	}
	return fixed, moving, nil
}

// EvaluatePairs registers movingSet[i] onto fixSet[i] for the first n pairs
// and summarises the overlap metrics.
func EvaluatePairs(net *layers.RegistrationNetwork, fixSet, movingSet []dataset.Sample, n int) (training.EvaluationSummary, []training.OverlapMetrics, error) {
	if n > len(fixSet) {
		n = len(fixSet)
	}
	if n > len(movingSet) {
		n = len(movingSet)
	}
	if n <= 0 {
		return training.EvaluationSummary{}, nil, fmt.Errorf("no pairs to evaluate")
	}

	cfg := net.Config()
	h, w := cfg.InShape[0], cfg.InShape[1]
	results := make([]training.OverlapMetrics, 0, n)
	for i := 0; i < n; i++ {
		fixed, err := SampleTensor(fixSet[i:i+1], h, w)
		if err != nil {
			return training.EvaluationSummary{}, nil, err
		}
		moving, err := SampleTensor(movingSet[i:i+1], h, w)
		if err != nil {
			return training.EvaluationSummary{}, nil, err
		}
		res, err := Evaluate(net, moving, fixed)
		if err != nil {
			return training.EvaluationSummary{}, nil, fmt.Errorf("pair %d: %w", i, err)
		}
		m, err := training.ComputeOverlap(res.Warped, fixed)
		if err != nil {
			return training.EvaluationSummary{}, nil, err
		}
		results = append(results, m)
	}
	return training.Summarize(results), results, nil
}

// RenderResult writes the moving | fixed | warped | |flow| panel of sample
// index as PNG.
func RenderResult(out io.Writer, moving, fixed *tensor.Tensor, res *Result, index, scale int) error {
	return preprocessing.RenderPanel(out, moving, fixed, res.Warped, res.Flow, index, scale)
}
