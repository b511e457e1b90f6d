package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	FormatJSON CheckpointFormat = iota
	FormatONNX
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatONNX:
		return "ONNX"
	default:
		return "Unknown"
	}
}

// FormatForPath picks the format from the file extension. ".pth" files are
// written as ONNX initializer sets.
func FormatForPath(path string) (CheckpointFormat, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".pth", ".onnx", ".pb":
		return FormatONNX, nil
	default:
		return 0, errors.Errorf("unrecognised checkpoint extension for %q", path)
	}
}

// Checkpoint is a model state dict plus the training progress it was taken at
type Checkpoint struct {
	Weights       []WeightTensor     `json:"weights"`
	TrainingState TrainingState      `json:"training_state"`
	Metadata      CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter or buffer with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// NumElements returns the product of the shape
func (w WeightTensor) NumElements() int {
	n := 1
	for _, d := range w.Shape {
		n *= d
	}
	return n
}

// TrainingState captures the training progress at save time
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	TrainLoss    float32 `json:"train_loss"`
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

const (
	frameworkName    = "rsna-ich"
	frameworkVersion = "1.0.0"
)

// WeightMap indexes the weights by name
func (c *Checkpoint) WeightMap() map[string]WeightTensor {
	m := make(map[string]WeightTensor, len(c.Weights))
	for _, w := range c.Weights {
		m[w.Name] = w
	}
	return m
}

// Validate checks that every weight's data matches its shape and that names are unique
func (c *Checkpoint) Validate() error {
	seen := make(map[string]bool, len(c.Weights))
	for _, w := range c.Weights {
		if w.Name == "" {
			return errors.New("weight with empty name")
		}
		if seen[w.Name] {
			return errors.Errorf("duplicate weight %q", w.Name)
		}
		seen[w.Name] = true
		if w.NumElements() != len(w.Data) {
			return errors.Errorf("weight %q: shape %v holds %d values, got %d",
				w.Name, w.Shape, w.NumElements(), len(w.Data))
		}
	}
	return nil
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint writes the checkpoint atomically: the bytes go to a
// temporary file in the target directory which is then renamed into place.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if err := checkpoint.Validate(); err != nil {
		return errors.Wrap(err, "invalid checkpoint")
	}
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = frameworkName
		checkpoint.Metadata.Version = frameworkVersion
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		checkpoint.Metadata.CreatedAt = time.Now().UTC()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode checkpoint")
		}
	case FormatONNX:
		data = marshalModel(checkpoint)
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	return writeFileAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint file")
	}

	var checkpoint *Checkpoint
	switch cs.format {
	case FormatJSON:
		checkpoint = &Checkpoint{}
		if err := json.Unmarshal(data, checkpoint); err != nil {
			return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
		}
	case FormatONNX:
		checkpoint, err = unmarshalModel(data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to decode ONNX checkpoint %s", path)
		}
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format)
	}
	if err := checkpoint.Validate(); err != nil {
		return nil, errors.Wrapf(err, "invalid checkpoint %s", path)
	}
	return checkpoint, nil
}

// Save writes the checkpoint in the format implied by the path's extension
func Save(checkpoint *Checkpoint, path string) error {
	format, err := FormatForPath(path)
	if err != nil {
		return err
	}
	return NewCheckpointSaver(format).SaveCheckpoint(checkpoint, path)
}

// Load reads a checkpoint in the format implied by the path's extension
func Load(path string) (*Checkpoint, error) {
	format, err := FormatForPath(path)
	if err != nil {
		return nil, err
	}
	return NewCheckpointSaver(format).LoadCheckpoint(path)
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create checkpoint directory %s", dir)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, "failed to create temporary checkpoint file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to write checkpoint")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, "failed to sync checkpoint")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "failed to close checkpoint")
	}
	if err := os.Rename(tmpName, path); err != nil {
		return errors.Wrapf(err, "failed to move checkpoint into %s", path)
	}
	return nil
}
