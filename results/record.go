// Package results persists the outcome of a run: a JSON record per
// experiment and an optional SQLite ledger across runs.
package results

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/tsawler/go-emlc/config"
)

// MethodKey is the results key of the bi-level method's test accuracy.
const MethodKey = "method"

// runKey holds run metadata next to the result values.
const runKey = "run"

// Record is the results of one experiment.
type Record struct {
	ExperimentID string
	RunUUID      string
	CreatedAt    time.Time
	Results      map[string]float64
	Config       config.ExperimentConfig
}

// NewRecord stamps results of a run of cfg.
func NewRecord(cfg config.ExperimentConfig, runUUID string, results map[string]float64) *Record {
	return &Record{
		ExperimentID: cfg.ExperimentID(),
		RunUUID:      runUUID,
		CreatedAt:    time.Now().UTC(),
		Results:      results,
		Config:       cfg,
	}
}

// Path is where Write puts the record of experimentID.
func Path(dir, experimentID string) string {
	return filepath.Join(dir, experimentID+".json")
}

func configMap(cfg config.ExperimentConfig) (map[string]interface{}, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func (r *Record) toStruct() (*structpb.Struct, error) {
	cfg, err := configMap(r.Config)
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode config")
	}
	fields := make(map[string]interface{}, len(r.Results)+1)
	for k, v := range r.Results {
		if k == runKey {
			return nil, errors.Errorf("result key %q is reserved", k)
		}
		fields[k] = v
	}
	fields[runKey] = map[string]interface{}{
		"experiment_id": r.ExperimentID,
		"run_uuid":      r.RunUUID,
		"created_at":    r.CreatedAt.Format(time.RFC3339Nano),
		"config":        cfg,
	}
	return structpb.NewStruct(fields)
}

// Marshal encodes r as indented protojson.
func (r *Record) Marshal() ([]byte, error) {
	s, err := r.toStruct()
	if err != nil {
		return nil, err
	}
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(s)
}

// Write stores r under dir and returns the file path.
func Write(dir string, r *Record) (string, error) {
	data, err := r.Marshal()
	if err != nil {
		return "", errors.Wrap(err, "failed to encode results")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "failed to create results directory")
	}
	path := Path(dir, r.ExperimentID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", errors.Wrap(err, "failed to write results")
	}
	return path, nil
}

// Unmarshal decodes a record produced by Marshal.
func Unmarshal(data []byte) (*Record, error) {
	var s structpb.Struct
	if err := protojson.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "failed to decode results")
	}

	r := &Record{Results: make(map[string]float64)}
	for k, v := range s.GetFields() {
		if k == runKey {
			continue
		}
		n, ok := v.GetKind().(*structpb.Value_NumberValue)
		if !ok {
			return nil, errors.Errorf("result %q is not a number", k)
		}
		r.Results[k] = n.NumberValue
	}

	run := s.GetFields()[runKey].GetStructValue()
	if run == nil {
		return r, nil
	}
	meta := run.GetFields()
	r.ExperimentID = meta["experiment_id"].GetStringValue()
	r.RunUUID = meta["run_uuid"].GetStringValue()
	if ts := meta["created_at"].GetStringValue(); ts != "" {
		created, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, errors.Wrap(err, "bad created_at")
		}
		r.CreatedAt = created
	}
	if c := meta["config"].GetStructValue(); c != nil {
		raw, err := json.Marshal(c.AsMap())
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &r.Config); err != nil {
			return nil, errors.Wrap(err, "bad config in results")
		}
	}
	return r, nil
}

// Read loads the record at path.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read results")
	}
	return Unmarshal(data)
}
