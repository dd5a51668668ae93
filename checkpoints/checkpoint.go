package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrDeserialization marks a checkpoint that is missing, truncated, corrupt
// or incompatible with the network it is loaded into.
var ErrDeserialization = errors.New("checkpoint deserialization error")

// Required top-level fields of every checkpoint file.
const (
	FieldConfig         = "config"
	FieldHist           = "hist"
	FieldModelState     = "model_state_dict"
	FieldOptimizerState = "optimizer_state_dict"
	FieldHistComponents = "hist_components"
	FieldValHist        = "val_hist"
	FieldMetadata       = "metadata"
)

var requiredFields = []string{FieldConfig, FieldHist, FieldModelState, FieldOptimizerState}

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatProto CheckpointFormat = iota
	FormatJSON
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatProto:
		return "Proto"
	case FormatJSON:
		return "JSON"
	default:
		return "Unknown"
	}
}

// FormatForPath picks JSON for .json files and the binary format otherwise.
func FormatForPath(path string) CheckpointFormat {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return FormatJSON
	}
	return FormatProto
}

// Checkpoint is the persisted state of a training run.
type Checkpoint struct {
	// Config is the hyper-parameter mapping of the run, embedded verbatim.
	Config         map[string]interface{} `json:"config"`
	Hist           []float64              `json:"hist"`
	ModelState     []WeightTensor         `json:"model_state_dict"`
	OptimizerState *OptimizerState        `json:"optimizer_state_dict"`

	// Optional extras, ignored by readers that do not know them.
	HistComponents map[string][]float64 `json:"hist_components,omitempty"`
	ValHist        []float64            `json:"val_hist,omitempty"`
	Metadata       CheckpointMetadata   `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// OptimizerState captures optimizer-specific state (moments, momentum, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam"
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents one optimizer state buffer
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "exp_avg", "exp_avg_sq", "momentum_buffer"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	RunID       string    `json:"run_id"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// NewRunID returns a fresh identifier shared by every checkpoint of one run.
func NewRunID() string {
	return uuid.New().String()
}

// Path returns <dir>/model-<dataset>-<variant>-<name>.pt.
func Path(dir, dataset, variant, name string) string {
	return filepath.Join(dir, fmt.Sprintf("model-%s-%s-%s.pt", dataset, variant, name))
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{format: format}
}

// SaveCheckpoint encodes checkpoint and atomically replaces path with it.
// Missing metadata is filled in the written file only; checkpoint itself is
// not modified. On failure any previous file at path is left untouched.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	snapshot := *checkpoint
	checkpoint = &snapshot
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-morph"
		checkpoint.Metadata.Version = "1.0.0"
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}
	if checkpoint.Metadata.RunID == "" {
		checkpoint.Metadata.RunID = NewRunID()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatProto:
		data, err = encodeProto(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	return writeFileAtomic(path, data)
}

// LoadCheckpoint reads a checkpoint written by SaveCheckpoint. Every
// failure wraps ErrDeserialization.
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open checkpoint file: %v", ErrDeserialization, err)
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatProto:
		checkpoint, err = decodeProto(data)
	case FormatJSON:
		checkpoint, err = decodeJSON(data)
	default:
		return nil, fmt.Errorf("%w: unsupported checkpoint format: %s", ErrDeserialization, cs.format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDeserialization, path, err)
	}
	return checkpoint, nil
}

// Save writes checkpoint in the format implied by the path extension.
func Save(path string, checkpoint *Checkpoint) error {
	return NewCheckpointSaver(FormatForPath(path)).SaveCheckpoint(checkpoint, path)
}

// Load reads a checkpoint in the format implied by the path extension.
func Load(path string) (*Checkpoint, error) {
	return NewCheckpointSaver(FormatForPath(path)).LoadCheckpoint(path)
}

func decodeJSON(data []byte) (*Checkpoint, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	for _, name := range requiredFields {
		raw, ok := fields[name]
		if !ok || string(raw) == "null" {
			return nil, fmt.Errorf("missing field %q", name)
		}
	}

	var checkpoint Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	if err := checkpoint.validate(); err != nil {
		return nil, err
	}
	return &checkpoint, nil
}

// validate checks internal consistency of decoded tensors.
func (c *Checkpoint) validate() error {
	for _, w := range c.ModelState {
		if n := numElements(w.Shape); n != len(w.Data) {
			return fmt.Errorf("weight %q has %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
	}
	for _, t := range c.OptimizerState.StateData {
		if n := numElements(t.Shape); n != len(t.Data) {
			return fmt.Errorf("optimizer buffer %q has %d values for shape %v", t.Name, len(t.Data), t.Shape)
		}
	}
	return nil
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// writeFileAtomic writes data to a temporary file in the target directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}
	return nil
}
