package training

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/exp/rand"

	"github.com/tsawler/go-morph/checkpoints"
	"github.com/tsawler/go-morph/config"
	"github.com/tsawler/go-morph/layers"
	"github.com/tsawler/go-morph/optimizer"
	"github.com/tsawler/go-morph/tensor"
)

// fakeSource yields random [batch, 1, 8, 8] images, or NaN images when poison is set.
type fakeSource struct {
	batch  int
	seed   uint64
	poison bool
	calls  int
}

func (s *fakeSource) Next() (*tensor.Tensor, error) {
	s.calls++
	shape := []int{s.batch, 1, 8, 8}
	if s.poison {
		return tensor.Full(shape, float32(math.NaN()), tensor.CPU)
	}
	return tensor.RandomUniform(shape, 0, 1, rand.NewSource(s.seed+uint64(s.calls)), tensor.CPU)
}

type trainerFixture struct {
	trainer *Trainer
	net     *layers.RegistrationNetwork
	logs    *bytes.Buffer
}

func newTrainerFixture(t *testing.T, mutate func(*config.Config)) *trainerFixture {
	t.Helper()
	cfg := config.Default()
	cfg.InShape = []int{8, 8}
	cfg.NbFeatures = [][]int{{4, 4}, {4, 4, 4}}
	cfg.Epochs = 3
	cfg.StepsPerEpoch = 2
	cfg.BatchSize = 4
	if mutate != nil {
		mutate(cfg)
	}

	net, err := layers.NewRegistrationNetwork(layers.NetworkConfig{
		InShape:    cfg.InShape,
		NbFeatures: [2][]int{cfg.NbFeatures[0], cfg.NbFeatures[1]},
		NDim:       2,
		Workers:    1,
		Seed:       7,
	})
	if err != nil {
		t.Fatal(err)
	}
	opt, err := optimizer.New(cfg.Optimizer, net.Parameters(), cfg.LR, cfg.Momentum)
	if err != nil {
		t.Fatal(err)
	}
	loss, err := NewLossComposer(cfg.ImageLoss, cfg.Lambda)
	if err != nil {
		t.Fatal(err)
	}

	logs := &bytes.Buffer{}
	trainer := NewTrainer(net, opt, loss, cfg, TrainerOptions{
		Logger:   log.New(logs, "", 0),
		Progress: &bytes.Buffer{},
	})
	return &trainerFixture{trainer: trainer, net: net, logs: logs}
}

func pairOf(fix, moving int) StreamPair {
	return StreamPair{Fix: &fakeSource{batch: fix, seed: 100}, Moving: &fakeSource{batch: moving, seed: 200}}
}

func TestTrainerHistoryAndCheckpoint(t *testing.T) {
	f := newTrainerFixture(t, nil)
	before := f.net.Parameters()[0].Clone()

	if f.trainer.State() != StateIdle {
		t.Fatalf("initial state = %s", f.trainer.State())
	}
	if err := f.trainer.Train(context.Background(), pairOf(4, 4), nil); err != nil {
		t.Fatalf("Train failed: %v", err)
	}

	if got := len(f.trainer.History()); got != 3 {
		t.Errorf("history length = %d, want 3", got)
	}
	comps := f.trainer.Components()
	if len(comps["sim"]) != 3 || len(comps["smooth"]) != 3 {
		t.Errorf("component history lengths: %d, %d", len(comps["sim"]), len(comps["smooth"]))
	}
	if f.net.Parameters()[0].Equal(before) {
		t.Error("parameters did not change during training")
	}
	if !strings.Contains(f.logs.String(), "epoch: 0001  step: 1/2") {
		t.Errorf("missing epoch log line in:\n%s", f.logs.String())
	}
	if strings.Count(f.logs.String(), "step: 1/2") != 3 {
		t.Errorf("expected one step log per epoch:\n%s", f.logs.String())
	}

	path := checkpoints.Path(t.TempDir(), "mnist", "vxm", "test")
	if err := f.trainer.Save(path); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if f.trainer.State() != StateCheckpointed {
		t.Errorf("state after save = %s", f.trainer.State())
	}

	ckpt, err := checkpoints.Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(ckpt.Hist) != 3 || ckpt.Hist[2] != f.trainer.History()[2] {
		t.Errorf("checkpoint hist %v differs from trainer %v", ckpt.Hist, f.trainer.History())
	}
	if ckpt.Metadata.RunID != f.trainer.RunID() {
		t.Errorf("run id %q, want %q", ckpt.Metadata.RunID, f.trainer.RunID())
	}
	named := f.net.NamedParameters()
	if len(ckpt.ModelState) != len(named) {
		t.Fatalf("checkpoint has %d tensors, network %d", len(ckpt.ModelState), len(named))
	}
	for i, p := range named {
		if ckpt.ModelState[i].Name != p.Name {
			t.Errorf("tensor %d named %q, want %q", i, ckpt.ModelState[i].Name, p.Name)
		}
		for j, v := range p.Tensor.Data {
			if math.Float32bits(v) != math.Float32bits(ckpt.ModelState[i].Data[j]) {
				t.Fatalf("%s[%d] not bit-identical", p.Name, j)
			}
		}
	}
	cfg, err := config.FromMap(ckpt.Config)
	if err != nil {
		t.Fatalf("embedded config invalid: %v", err)
	}
	if cfg.Epochs != 3 || cfg.InShape[0] != 8 {
		t.Errorf("embedded config mismatch: %+v", cfg)
	}

	if err := f.trainer.Train(context.Background(), pairOf(4, 4), nil); err == nil {
		t.Error("second Train call should fail")
	}
}

func TestTrainerSingleStepScenario(t *testing.T) {
	f := newTrainerFixture(t, func(c *config.Config) {
		c.Epochs = 1
		c.StepsPerEpoch = 1
	})
	if err := f.trainer.Train(context.Background(), pairOf(4, 4), nil); err != nil {
		t.Fatal(err)
	}
	hist := f.trainer.History()
	if len(hist) != 1 || math.IsNaN(hist[0]) || math.IsInf(hist[0], 0) {
		t.Errorf("history = %v, want one finite value", hist)
	}
}

func TestTrainerBatchPolicy(t *testing.T) {
	t.Run("Truncate", func(t *testing.T) {
		f := newTrainerFixture(t, nil)
		if err := f.trainer.Train(context.Background(), pairOf(4, 3), nil); err != nil {
			t.Fatalf("truncate policy should reconcile sizes: %v", err)
		}
	})

	t.Run("Error", func(t *testing.T) {
		f := newTrainerFixture(t, func(c *config.Config) { c.BatchPolicy = config.BatchError })
		err := f.trainer.Train(context.Background(), pairOf(4, 3), nil)
		if !errors.Is(err, ErrBatchMismatch) {
			t.Fatalf("expected ErrBatchMismatch, got %v", err)
		}
		if f.trainer.State() != StateFailed {
			t.Errorf("state = %s, want failed", f.trainer.State())
		}
	})
}

func TestReconcileBatches(t *testing.T) {
	a, _ := tensor.Zeros([]int{5, 1, 2, 2}, tensor.CPU)
	b, _ := tensor.Zeros([]int{2, 1, 2, 2}, tensor.CPU)
	fix, moving, err := reconcileBatches(a, b, config.BatchTruncate)
	if err != nil {
		t.Fatal(err)
	}
	if fix.Shape[0] != 2 || moving.Shape[0] != 2 {
		t.Errorf("truncated sizes %d/%d, want 2/2", fix.Shape[0], moving.Shape[0])
	}
	if _, _, err := reconcileBatches(a, b, config.BatchError); !errors.Is(err, ErrBatchMismatch) {
		t.Errorf("expected ErrBatchMismatch, got %v", err)
	}
}

func TestTrainerNumericalFailure(t *testing.T) {
	f := newTrainerFixture(t, nil)
	train := StreamPair{Fix: &fakeSource{batch: 4, poison: true}, Moving: &fakeSource{batch: 4, seed: 1}}

	err := f.trainer.Train(context.Background(), train, nil)
	if !errors.Is(err, ErrNumerical) {
		t.Fatalf("expected ErrNumerical, got %v", err)
	}
	if f.trainer.State() != StateFailed {
		t.Errorf("state = %s, want failed", f.trainer.State())
	}
	if err := f.trainer.Save(filepath.Join(t.TempDir(), "x.pt")); err == nil {
		t.Error("saving a failed run should fail")
	}
	if err := f.trainer.Train(context.Background(), pairOf(4, 4), nil); err == nil {
		t.Error("a failed trainer must not resume")
	}
}

func TestTrainerCancellation(t *testing.T) {
	f := newTrainerFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.trainer.Train(ctx, pairOf(4, 4), nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if f.trainer.State() != StateFailed {
		t.Errorf("state = %s, want failed", f.trainer.State())
	}
}

func TestTrainerValidation(t *testing.T) {
	f := newTrainerFixture(t, func(c *config.Config) { c.Epochs = 2 })
	val := StreamPair{Fix: &fakeSource{batch: 10, seed: 9}, Moving: &fakeSource{batch: 7, seed: 11}}
	if err := f.trainer.Train(context.Background(), pairOf(4, 4), &val); err != nil {
		t.Fatal(err)
	}
	if got := len(f.trainer.ValHistory()); got != 2 {
		t.Errorf("validation history length = %d, want 2", got)
	}
	if !strings.Contains(f.logs.String(), "val_loss:") {
		t.Error("validation loss not logged")
	}
}

func TestTrainerSaveBeforeTraining(t *testing.T) {
	f := newTrainerFixture(t, nil)
	if err := f.trainer.Save(filepath.Join(t.TempDir(), "x.pt")); err == nil {
		t.Error("expected error saving an untrained run")
	}
}

func TestStateString(t *testing.T) {
	names := map[State]string{StateIdle: "idle", StateTraining: "training", StateCheckpointed: "checkpointed", StateFailed: "failed"}
	for s, want := range names {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", int(s), s.String(), want)
		}
	}
}
