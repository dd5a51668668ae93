// Package config holds the hyper-parameters of a registration run.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrConfiguration marks an invalid or unsupported configuration.
var ErrConfiguration = errors.New("configuration error")

const (
	LossMSE = "mse"
	LossNCC = "ncc"

	OptimizerAdam = "adam"
	OptimizerSGD  = "sgd"

	// BatchTruncate trims the fixed and moving batches to their common size.
	BatchTruncate = "truncate"
	// BatchError fails the step when the batch sizes differ.
	BatchError = "error"
)

// Config captures the hyper-parameters of a training run. It is embedded
// verbatim in every checkpoint.
type Config struct {
	InShape       []int   `yaml:"inshape" json:"inshape"`
	NbFeatures    [][]int `yaml:"nb_features" json:"nb_features"`
	NDim          int     `yaml:"ndim" json:"ndim"`
	LR            float64 `yaml:"lr" json:"lr"`
	ImageLoss     string  `yaml:"image_loss" json:"image_loss"`
	Lambda        float64 `yaml:"lambda" json:"lambda"`
	BatchSize     int     `yaml:"batch_size" json:"batch_size"`
	StepsPerEpoch int     `yaml:"steps_per_epoch" json:"steps_per_epoch"`
	Epochs        int     `yaml:"epochs" json:"epochs"`
	Fix           int     `yaml:"fix" json:"fix"`
	Moving        int     `yaml:"moving" json:"moving"`

	Seed         int64   `yaml:"seed" json:"seed"`
	ValBatchSize int     `yaml:"val_batch_size" json:"val_batch_size"`
	Optimizer    string  `yaml:"optimizer" json:"optimizer"`
	Momentum     float64 `yaml:"momentum" json:"momentum"`
	BatchPolicy  string  `yaml:"batch_policy" json:"batch_policy"`
	Dataset      string  `yaml:"dataset" json:"dataset"`
	Name         string  `yaml:"name" json:"name"`
	OutputDir    string  `yaml:"output_dir" json:"output_dir"`
	Workers      int     `yaml:"workers" json:"workers"`
}

// Default returns the MNIST configuration.
func Default() *Config {
	return &Config{
		InShape:       []int{32, 32},
		NbFeatures:    [][]int{{16, 32, 32, 32}, {32, 32, 32, 32, 32, 16, 16}},
		NDim:          2,
		LR:            1e-3,
		ImageLoss:     LossMSE,
		Lambda:        0.01,
		BatchSize:     32,
		StepsPerEpoch: 100,
		Epochs:        10,
		Fix:           2,
		Moving:        3,
		Seed:          42,
		ValBatchSize:  10,
		Optimizer:     OptimizerAdam,
		BatchPolicy:   BatchTruncate,
		Dataset:       "mnist",
		Name:          "default",
		OutputDir:     "output",
	}
}

// Overrides captures CLI supplied values.
type Overrides struct {
	ImageLoss     string
	Lambda        *float64 // nil leaves the value alone; 0 disables smoothing
	LR            float64
	BatchSize     int
	StepsPerEpoch int
	Epochs        int
	Fix           *int // digit labels, nil leaves the value alone
	Moving        *int
	Seed          *int64
	Name          string
	OutputDir     string
	Workers       int
}

// Load reads a YAML file on top of Default and validates the result.
// Keys absent from the file keep their default values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse config: %v", ErrConfiguration, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes cfg as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// ApplyOverrides updates c using any non-zero override. Pointer fields
// apply whenever they are set, zero included.
func (c *Config) ApplyOverrides(o Overrides) {
	if o.ImageLoss != "" {
		c.ImageLoss = o.ImageLoss
	}
	if o.Lambda != nil {
		c.Lambda = *o.Lambda
	}
	if o.LR > 0 {
		c.LR = o.LR
	}
	if o.BatchSize > 0 {
		c.BatchSize = o.BatchSize
	}
	if o.StepsPerEpoch > 0 {
		c.StepsPerEpoch = o.StepsPerEpoch
	}
	if o.Epochs > 0 {
		c.Epochs = o.Epochs
	}
	if o.Fix != nil {
		c.Fix = *o.Fix
	}
	if o.Moving != nil {
		c.Moving = *o.Moving
	}
	if o.Seed != nil {
		c.Seed = *o.Seed
	}
	if o.Name != "" {
		c.Name = o.Name
	}
	if o.OutputDir != "" {
		c.OutputDir = o.OutputDir
	}
	if o.Workers > 0 {
		c.Workers = o.Workers
	}
}

// Validate verifies the config is runnable.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrConfiguration)
	}
	invalid := func(format string, args ...interface{}) error {
		return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
	}

	if c.NDim != 2 {
		return invalid("ndim must be 2 (got %d)", c.NDim)
	}
	if len(c.InShape) != c.NDim {
		return invalid("inshape %v must have %d dimensions", c.InShape, c.NDim)
	}
	if len(c.NbFeatures) != 2 || len(c.NbFeatures[0]) == 0 || len(c.NbFeatures[1]) < len(c.NbFeatures[0]) {
		return invalid("nb_features %v must be [encoder widths, decoder widths] with at least as many decoder widths", c.NbFeatures)
	}
	div := 1 << len(c.NbFeatures[0])
	for _, s := range c.InShape {
		if s <= 0 || s%div != 0 {
			return invalid("inshape %v must be divisible by %d", c.InShape, div)
		}
	}
	switch c.ImageLoss {
	case LossMSE, LossNCC:
	default:
		return invalid("image_loss should be %q or %q, but found %q", LossMSE, LossNCC, c.ImageLoss)
	}
	switch c.Optimizer {
	case OptimizerAdam, OptimizerSGD:
	default:
		return invalid("optimizer should be %q or %q, but found %q", OptimizerAdam, OptimizerSGD, c.Optimizer)
	}
	switch c.BatchPolicy {
	case BatchTruncate, BatchError:
	default:
		return invalid("batch_policy should be %q or %q, but found %q", BatchTruncate, BatchError, c.BatchPolicy)
	}
	if c.LR <= 0 {
		return invalid("lr must be > 0 (got %g)", c.LR)
	}
	if c.Lambda < 0 {
		return invalid("lambda must be >= 0 (got %g)", c.Lambda)
	}
	if c.Momentum < 0 || c.Momentum >= 1 {
		return invalid("momentum must be in [0, 1) (got %g)", c.Momentum)
	}
	if c.BatchSize <= 0 {
		return invalid("batch_size must be > 0 (got %d)", c.BatchSize)
	}
	if c.ValBatchSize <= 0 {
		return invalid("val_batch_size must be > 0 (got %d)", c.ValBatchSize)
	}
	if c.StepsPerEpoch <= 0 {
		return invalid("steps_per_epoch must be > 0 (got %d)", c.StepsPerEpoch)
	}
	if c.Epochs <= 0 {
		return invalid("epochs must be > 0 (got %d)", c.Epochs)
	}
	if c.Fix < 0 || c.Fix > 9 || c.Moving < 0 || c.Moving > 9 {
		return invalid("fix and moving must be digits 0-9 (got %d, %d)", c.Fix, c.Moving)
	}
	if c.Workers < 0 {
		return invalid("workers must be >= 0 (got %d)", c.Workers)
	}
	if c.Dataset == "" || c.Name == "" {
		return invalid("dataset and name must be set")
	}
	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	out := *c
	out.InShape = append([]int(nil), c.InShape...)
	out.NbFeatures = make([][]int, len(c.NbFeatures))
	for i, widths := range c.NbFeatures {
		out.NbFeatures[i] = append([]int(nil), widths...)
	}
	return &out
}
