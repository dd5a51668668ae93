package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/tsawler/go-morph/checkpoints"
	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/layers"
	"github.com/tsawler/go-morph/optimizer"
	"github.com/tsawler/go-morph/training"
	"github.com/tsawler/go-morph/vision/dataloader"
	"github.com/tsawler/go-morph/vision/dataset"
)

// prefetchDepth is how many training batches are loaded ahead per stream.
const prefetchDepth = 2

// networkConfig maps a training configuration onto the architecture.
func networkConfig(cfg *config.Config, backend Backend) layers.NetworkConfig {
	var nb [2][]int
	copy(nb[:], cfg.NbFeatures)
	return layers.NetworkConfig{
		InShape:    cfg.InShape,
		NbFeatures: nb,
		NDim:       cfg.NDim,
		Workers:    backend.Workers,
		Seed:       uint64(cfg.Seed),
	}
}

// DataOptions maps the data-related fields of cfg onto dataset options.
// Preprocessing runs on the backend's workers.
func DataOptions(cfg *config.Config, backend Backend) dataset.Options {
	opts := dataset.DefaultOptions()
	opts.Seed = cfg.Seed
	opts.ValBatchSize = cfg.ValBatchSize
	if backend.Workers > 0 {
		opts.Workers = backend.Workers
	}
	return opts
}

// Build constructs the network, optimizer and loss described by cfg.
func Build(cfg *config.Config, backend Backend) (*layers.RegistrationNetwork, optimizer.Optimizer, *training.LossComposer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, nil, err
	}
	net, err := layers.NewRegistrationNetwork(networkConfig(cfg, backend))
	if err != nil {
		return nil, nil, nil, err
	}
	opt, err := optimizer.New(cfg.Optimizer, net.Parameters(), cfg.LR, cfg.Momentum)
	if err != nil {
		return nil, nil, nil, err
	}
	loss, err := training.NewLossComposer(cfg.ImageLoss, cfg.Lambda)
	if err != nil {
		return nil, nil, nil, err
	}
	return net, opt, loss, nil
}

// TrainingEngine wires a configuration, a dataset and a trainer together.
type TrainingEngine struct {
	cfg     *config.Config
	backend Backend
	network *layers.RegistrationNetwork
	opt     optimizer.Optimizer
	trainer *training.Trainer
}

// NewTrainingEngine builds every component of a run. The configuration is
// copied.
func NewTrainingEngine(cfg *config.Config, backend Backend, opts training.TrainerOptions) (*TrainingEngine, error) {
	cfg = cfg.Clone()
	net, opt, loss, err := Build(cfg, backend)
	if err != nil {
		return nil, err
	}
	return &TrainingEngine{
		cfg:     cfg,
		backend: backend,
		network: net,
		opt:     opt,
		trainer: training.NewTrainer(net, opt, loss, cfg, opts),
	}, nil
}

func (e *TrainingEngine) Network() *layers.RegistrationNetwork { return e.network }

func (e *TrainingEngine) Trainer() *training.Trainer { return e.trainer }

func (e *TrainingEngine) Config() *config.Config { return e.cfg.Clone() }

// PrintSummary writes the architecture table for a single-sample batch.
func (e *TrainingEngine) PrintSummary(out io.Writer) {
	training.NewModelSummary("VxmDense").Print(out, e.network.Spec(1))
}

// CheckpointPath is where Save writes by default.
func (e *TrainingEngine) CheckpointPath() string {
	return checkpoints.Path(e.cfg.OutputDir, e.cfg.Dataset, "vxm", e.cfg.Name)
}

// Run trains on the configured digit pair of data. Training batches are
// prefetched in the background; validation runs on the held-out split after
// every epoch.
func (e *TrainingEngine) Run(ctx context.Context, data *dataset.MNISTData) error {
	if data.Height() != e.cfg.InShape[0] || data.Width() != e.cfg.InShape[1] {
		return fmt.Errorf("%w: dataset images are %dx%d but inshape is %v",
			config.ErrConfiguration, data.Height(), data.Width(), e.cfg.InShape)
	}
	if vb := data.Options().ValBatchSize; vb != e.cfg.ValBatchSize {
		return fmt.Errorf("%w: dataset validation batch size is %d but val_batch_size is %d",
			config.ErrConfiguration, vb, e.cfg.ValBatchSize)
	}
	train, val, err := data.TrainVal(e.cfg.Fix, e.cfg.Moving, e.cfg.BatchSize)
	if err != nil {
		return err
	}

	fix := dataloader.Prefetch(ctx, train.Fix, prefetchDepth)
	defer fix.Close()
	moving := dataloader.Prefetch(ctx, train.Moving, prefetchDepth)
	defer moving.Close()

	return e.trainer.Train(ctx,
		training.StreamPair{Fix: fix, Moving: moving},
		&training.StreamPair{Fix: val.Fix, Moving: val.Moving},
	)
}

// Save checkpoints the completed run to path, or to CheckpointPath when
// path is empty. It returns the path written.
func (e *TrainingEngine) Save(path string) (string, error) {
	if path == "" {
		path = e.CheckpointPath()
	}
	if err := e.trainer.Save(path); err != nil {
		return "", err
	}
	return path, nil
}
