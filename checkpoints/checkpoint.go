package checkpoints

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emlc/layers"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatProto is a compact protobuf wire encoding.
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

// Extension is the file suffix used for the format.
func (cf CheckpointFormat) Extension() string {
	if cf == FormatJSON {
		return ".json"
	}
	return ".pb"
}

// Checkpoint is the committed state of a bi-level run: weights of every
// network, both optimizers and the training counters.
type Checkpoint struct {
	Weights       []WeightTensor `json:"weights"`
	TrainingState TrainingState  `json:"training_state"`

	MainOptimizer *OptimizerState `json:"main_optimizer,omitempty"`
	MetaOptimizer *OptimizerState `json:"meta_optimizer,omitempty"`

	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name    string    `json:"name"`
	Network string    `json:"network"` // "main", "meta", "enhancer"
	Shape   []int     `json:"shape"`
	Data    []float64 `json:"data"`
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	MainLR       float64 `json:"main_lr"`
	MetaLR       float64 `json:"meta_lr"`
	BestAccuracy float64 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, moments, etc.)
type OptimizerState struct {
	Type       string             `json:"type"` // "SGD", "Adam"
	Parameters map[string]float64 `json:"parameters"`
	StateData  []OptimizerTensor  `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float64 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "m", "v"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	RunID       string    `json:"run_id,omitempty"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
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

func (cs *CheckpointSaver) Format() CheckpointFormat {
	return cs.format
}

// SaveCheckpoint writes checkpoint to path. The file is replaced atomically,
// so a crash never leaves a truncated checkpoint behind.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = "go-emlc"
		checkpoint.Metadata.Version = "1.0.0"
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	var data []byte
	var err error
	switch cs.format {
	case FormatProto:
		data = marshalCheckpoint(checkpoint)
	case FormatJSON:
		data, err = json.MarshalIndent(checkpoint, "", "  ")
	default:
		return errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint")
	}
	return writeAtomic(path, data)
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open checkpoint file")
	}

	var checkpoint Checkpoint
	switch cs.format {
	case FormatProto:
		err = unmarshalCheckpoint(data, &checkpoint)
	case FormatJSON:
		err = json.Unmarshal(data, &checkpoint)
	default:
		return nil, errors.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to decode checkpoint %s", path)
	}
	return &checkpoint, nil
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "failed to create checkpoint directory")
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp*")
	if err != nil {
		return errors.Wrap(err, "failed to create checkpoint file")
	}
	defer os.Remove(tmp.Name())

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
	return errors.Wrap(os.Rename(tmp.Name(), path), "failed to install checkpoint")
}

// EpochPath names the checkpoint written after epoch.
func EpochPath(dir, runName string, epoch int, format CheckpointFormat) string {
	return filepath.Join(dir, runName+"_epoch"+strconv.Itoa(epoch)+format.Extension())
}

// LatestPath returns the checkpoint of the highest epoch in dir for runName,
// or "" when there is none.
func LatestPath(dir, runName string, format CheckpointFormat) (string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, runName+"_epoch*"+format.Extension()))
	if err != nil {
		return "", errors.Wrap(err, "failed to list checkpoints")
	}
	best, bestEpoch := "", -1
	for _, m := range matches {
		base := strings.TrimSuffix(filepath.Base(m), format.Extension())
		idx := strings.LastIndex(base, "_epoch")
		epoch, err := strconv.Atoi(base[idx+len("_epoch"):])
		if err != nil {
			continue
		}
		if epoch > bestEpoch {
			best, bestEpoch = m, epoch
		}
	}
	return best, nil
}

// ExtractWeights copies every parameter of params into weight tensors tagged
// with network.
func ExtractWeights(network string, params *layers.ParamSet) []WeightTensor {
	names := params.Names()
	tensors := params.Tensors()
	weights := make([]WeightTensor, len(tensors))
	for i, t := range tensors {
		weights[i] = WeightTensor{
			Name:    names[i],
			Network: network,
			Shape:   append([]int(nil), t.Shape...),
			Data:    append([]float64(nil), t.Data...),
		}
	}
	return weights
}

// LoadWeights copies the weights tagged with network into params in place.
// Every parameter must be present with a matching shape.
func LoadWeights(weights []WeightTensor, network string, params *layers.ParamSet) error {
	weightMap := make(map[string]WeightTensor)
	for _, weight := range weights {
		if weight.Network == network {
			weightMap[weight.Name] = weight
		}
	}

	for _, name := range params.Names() {
		t, _ := params.Get(name)
		weight, ok := weightMap[name]
		if !ok {
			return errors.Errorf("checkpoint has no %s weight %q", network, name)
		}
		if len(weight.Shape) != len(t.Shape) {
			return errors.Errorf("shape mismatch for weight %s: tensor %v vs weight %v", name, t.Shape, weight.Shape)
		}
		for j, dim := range t.Shape {
			if dim != weight.Shape[j] {
				return errors.Errorf("dimension mismatch for weight %s at index %d: tensor %d vs weight %d",
					name, j, dim, weight.Shape[j])
			}
		}
		if len(weight.Data) != t.NumElems {
			return errors.Errorf("weight %s has %d values, want %d", name, len(weight.Data), t.NumElems)
		}
		copy(t.Data, weight.Data)
	}
	return nil
}
