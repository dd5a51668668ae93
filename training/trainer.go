package training

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"

	"github.com/tsawler/go-morph/checkpoints"
	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/layers"
	"github.com/tsawler/go-morph/optimizer"
	"github.com/tsawler/go-morph/tensor"
)

var (
	// ErrNumerical marks a non-finite loss. Training cannot resume after it.
	ErrNumerical = errors.New("numerical error")
	// ErrBatchMismatch is returned under the error batch policy when the
	// fixed and moving batches differ in size.
	ErrBatchMismatch = errors.New("batch size mismatch")
)

// State is the lifecycle stage of a Trainer.
type State int

const (
	StateIdle State = iota
	StateTraining
	StateCheckpointed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTraining:
		return "training"
	case StateCheckpointed:
		return "checkpointed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// BatchSource yields [N, 1, H, W] image batches without end.
type BatchSource interface {
	Next() (*tensor.Tensor, error)
}

// StreamPair holds the fixed and moving streams of one partition.
type StreamPair struct {
	Fix    BatchSource
	Moving BatchSource
}

// Registration is the network surface the trainer drives.
type Registration interface {
	Forward(moving, fixed *tensor.Tensor) (warped, flow *tensor.Tensor, err error)
	NamedParameters() []layers.NamedParameter
	Train()
	Eval()
}

// TrainerOptions configures the output side of a Trainer.
type TrainerOptions struct {
	Logger   *log.Logger // nil means log.Default()
	Progress io.Writer   // epoch progress bars, nil disables them
	RunID    string      // shared by every checkpoint of the run, generated when empty
}

// Trainer runs the registration training loop once and snapshots the result.
type Trainer struct {
	model     Registration
	optimizer optimizer.Optimizer
	loss      *LossComposer
	cfg       *config.Config

	logger   *log.Logger
	progress io.Writer
	runID    string

	state      State
	completed  bool
	hist       []float64
	components map[string][]float64
	valHist    []float64
}

// NewTrainer creates a new Trainer
func NewTrainer(model Registration, opt optimizer.Optimizer, loss *LossComposer, cfg *config.Config, opts TrainerOptions) *Trainer {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.RunID == "" {
		opts.RunID = checkpoints.NewRunID()
	}
	return &Trainer{
		model:      model,
		optimizer:  opt,
		loss:       loss,
		cfg:        cfg.Clone(),
		logger:     opts.Logger,
		progress:   opts.Progress,
		runID:      opts.RunID,
		components: map[string][]float64{"sim": {}, "smooth": {}},
	}
}

func (t *Trainer) State() State { return t.state }

// History returns the total loss of the last step of every finished epoch.
func (t *Trainer) History() []float64 { return append([]float64(nil), t.hist...) }

// Components returns the per-epoch last-step sim and smooth terms.
func (t *Trainer) Components() map[string][]float64 {
	out := make(map[string][]float64, len(t.components))
	for k, v := range t.components {
		out[k] = append([]float64(nil), v...)
	}
	return out
}

// ValHistory returns one validation loss per epoch when validation streams
// were given to Train.
func (t *Trainer) ValHistory() []float64 { return append([]float64(nil), t.valHist...) }

func (t *Trainer) RunID() string { return t.runID }

// stepResult holds the scalar loss values of one optimisation step.
type stepResult struct {
	total, sim, smooth float64
}

// Train runs epochs × steps_per_epoch optimisation steps. val may be nil.
// Cancelling ctx stops training between steps and leaves the trainer Failed.
func (t *Trainer) Train(ctx context.Context, train StreamPair, val *StreamPair) error {
	if t.state != StateIdle {
		return fmt.Errorf("trainer is %s, training runs once per trainer", t.state)
	}
	t.state = StateTraining

	epochs, steps := t.cfg.Epochs, t.cfg.StepsPerEpoch
	t.logger.Printf("training for %d epochs of %d steps (image_loss=%s, lambda=%g, batch=%d)",
		epochs, steps, t.loss.ImageLoss().Name(), t.loss.Lambda(), t.cfg.BatchSize)

	for epoch := 0; epoch < epochs; epoch++ {
		t.model.Train()

		var bar *ProgressBar
		if t.progress != nil {
			bar = NewProgressBarTo(t.progress, fmt.Sprintf("Epoch %d/%d", epoch+1, epochs), steps)
		}

		var last stepResult
		for step := 0; step < steps; step++ {
			if err := ctx.Err(); err != nil {
				return t.fail(fmt.Errorf("training cancelled at epoch %d step %d: %w", epoch+1, step+1, err))
			}

			res, err := t.step(train)
			if err != nil {
				return t.fail(fmt.Errorf("epoch %d step %d: %w", epoch+1, step+1, err))
			}
			last = res

			if step == 0 {
				t.logger.Printf("epoch: %04d  %-14s  loss: %.6f",
					epoch+1, fmt.Sprintf("step: %d/%d", step+1, steps), res.total)
			}
			if bar != nil {
				bar.Update(step+1, map[string]float64{"loss": res.total})
			}
		}
		if bar != nil {
			bar.Finish()
		}

		t.hist = append(t.hist, last.total)
		t.components["sim"] = append(t.components["sim"], last.sim)
		t.components["smooth"] = append(t.components["smooth"], last.smooth)

		if val != nil {
			valLoss, err := t.validate(*val)
			if err != nil {
				return t.fail(fmt.Errorf("epoch %d validation: %w", epoch+1, err))
			}
			t.valHist = append(t.valHist, valLoss)
			t.logger.Printf("epoch: %04d  val_loss: %.6f", epoch+1, valLoss)
		}
	}

	t.completed = true
	return nil
}

func (t *Trainer) fail(err error) error {
	t.state = StateFailed
	return err
}

// nextPair pulls one batch from each stream and reconciles their sizes.
func (t *Trainer) nextPair(pair StreamPair) (fix, moving *tensor.Tensor, err error) {
	fix, err = pair.Fix.Next()
	if err != nil {
		return nil, nil, fmt.Errorf("fixed stream: %w", err)
	}
	moving, err = pair.Moving.Next()
	if err != nil {
		return nil, nil, fmt.Errorf("moving stream: %w", err)
	}
	return reconcileBatches(fix, moving, t.cfg.BatchPolicy)
}

// reconcileBatches applies the batch policy to a fixed/moving pair.
func reconcileBatches(fix, moving *tensor.Tensor, policy string) (*tensor.Tensor, *tensor.Tensor, error) {
	nf, nm := fix.Shape[0], moving.Shape[0]
	if nf == nm {
		return fix, moving, nil
	}
	if policy == config.BatchError {
		return nil, nil, fmt.Errorf("%w: fixed %d, moving %d", ErrBatchMismatch, nf, nm)
	}

	size := nf
	if nm < size {
		size = nm
	}
	var err error
	if fix, err = fix.Slice(0, size); err != nil {
		return nil, nil, err
	}
	if moving, err = moving.Slice(0, size); err != nil {
		return nil, nil, err
	}
	return fix, moving, nil
}

func (t *Trainer) step(train StreamPair) (stepResult, error) {
	fix, moving, err := t.nextPair(train)
	if err != nil {
		return stepResult{}, err
	}

	warped, flow, err := t.model.Forward(moving, fix)
	if err != nil {
		return stepResult{}, fmt.Errorf("forward pass failed: %w", err)
	}
	terms, err := t.loss.Compute(warped, fix, flow)
	if err != nil {
		return stepResult{}, fmt.Errorf("loss computation failed: %w", err)
	}

	var res stepResult
	res.total, res.sim, res.smooth = terms.Values()
	if math.IsNaN(res.total) || math.IsInf(res.total, 0) {
		return res, fmt.Errorf("%w: loss is %v (sim %v, smooth %v)", ErrNumerical, res.total, res.sim, res.smooth)
	}

	t.optimizer.ZeroGrad()
	if err := terms.Total.Backward(); err != nil {
		return res, fmt.Errorf("backward pass failed: %w", err)
	}
	if err := t.optimizer.Step(); err != nil {
		return res, fmt.Errorf("optimizer step failed: %w", err)
	}
	return res, nil
}

// validate scores one validation pair without recording gradients.
func (t *Trainer) validate(val StreamPair) (float64, error) {
	t.model.Eval()
	defer t.model.Train()

	var loss float64
	err := tensor.NoGrad(func() error {
		fix, moving, err := t.nextPair(val)
		if err != nil {
			return err
		}
		warped, flow, err := t.model.Forward(moving, fix)
		if err != nil {
			return fmt.Errorf("forward pass failed: %w", err)
		}
		terms, err := t.loss.Compute(warped, fix, flow)
		if err != nil {
			return fmt.Errorf("loss computation failed: %w", err)
		}
		loss, _, _ = terms.Values()
		return nil
	})
	if err != nil {
		return 0, err
	}
	if math.IsNaN(loss) || math.IsInf(loss, 0) {
		return 0, fmt.Errorf("%w: validation loss is %v", ErrNumerical, loss)
	}
	return loss, nil
}

// Checkpoint snapshots the configuration, parameters, optimizer state and
// history. Parameter data is copied.
func (t *Trainer) Checkpoint() (*checkpoints.Checkpoint, error) {
	cfgMap, err := t.cfg.ToMap()
	if err != nil {
		return nil, err
	}
	optState, err := t.optimizer.GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to capture optimizer state: %w", err)
	}

	named := t.model.NamedParameters()
	weights := make([]checkpoints.WeightTensor, len(named))
	for i, p := range named {
		weights[i] = checkpoints.WeightTensor{
			Name:  p.Name,
			Shape: append([]int(nil), p.Tensor.Shape...),
			Data:  append([]float32(nil), p.Tensor.Data...),
		}
	}

	return &checkpoints.Checkpoint{
		Config:         cfgMap,
		Hist:           t.History(),
		ModelState:     weights,
		OptimizerState: optState,
		HistComponents: t.Components(),
		ValHist:        t.ValHistory(),
		Metadata: checkpoints.CheckpointMetadata{
			RunID:       t.runID,
			Description: fmt.Sprintf("%s %d->%d", t.cfg.Dataset, t.cfg.Moving, t.cfg.Fix),
			Tags:        []string{t.cfg.Dataset, "vxm", t.cfg.Name},
		},
	}, nil
}

// Save writes a checkpoint of a completed run to path.
func (t *Trainer) Save(path string) error {
	if t.state == StateFailed {
		return fmt.Errorf("cannot save a failed training run")
	}
	if !t.completed {
		return fmt.Errorf("cannot save before training completes (state %s)", t.state)
	}
	ckpt, err := t.Checkpoint()
	if err != nil {
		return err
	}
	if err := checkpoints.Save(path, ckpt); err != nil {
		return err
	}
	t.state = StateCheckpointed
	t.logger.Printf("checkpoint saved to %s", path)
	return nil
}
