// Package config holds the immutable experiment configuration shared by
// every component of a run.
package config

import (
	"flag"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid experiment config")

// ExperimentConfig is built once at startup, validated, and passed by value.
type ExperimentConfig struct {
	JVPMethod string
	Device    string
	Dataset   string
	Seed      int64
	DataSeed  int64
	RunID     int
	DataPath  string
	LogDir    string
	OutDir    string

	Epochs            int
	EvalEvery         int
	BatchSize         int
	TestBatchSize     int
	GoldBatchSize     int
	EmbeddingDim      int // 0 picks the per-dataset default
	LabelEmbeddingDim int
	MLPHiddenDim      int
	Blocks            int // 0 picks the per-dataset default
	Momentum          float64
	MainLR            float64
	MetaLR            float64
	WeightDecay       float64
	GradientSteps     int
	SchedMilestones   string
	SchedGamma        float64

	CorruptionType  string
	CorruptionLevel float64
	GoldFraction    float64
	ValidFraction   float64

	SyntheticTrain int
	SyntheticTest  int
	SyntheticDim   int

	Prefetch int
	GPUID    int
	NGPUs    int

	Correction    string
	FeatureSource string
	MetaOptimizer string
	CommitBatch   string

	CheckpointDir string
	Resume        bool
	ResultsDB     string
}

// Default returns the configuration used when no flags are given.
func Default() ExperimentConfig {
	return ExperimentConfig{
		JVPMethod:         "forward",
		Dataset:           "cifar10",
		DataPath:          "data/",
		LogDir:            "runs",
		OutDir:            "out",
		Epochs:            15,
		EvalEvery:         10,
		BatchSize:         128,
		TestBatchSize:     100,
		GoldBatchSize:     128,
		LabelEmbeddingDim: 128,
		MLPHiddenDim:      128,
		Momentum:          0.9,
		MainLR:            2e-2,
		MetaLR:            2e-2,
		WeightDecay:       5e-4,
		GradientSteps:     5,
		SchedMilestones:   "20",
		SchedGamma:        0.1,
		CorruptionType:    "unif",
		CorruptionLevel:   0.5,
		GoldFraction:      0.02,
		ValidFraction:     0.1,
		SyntheticTrain:    2000,
		SyntheticTest:     500,
		SyntheticDim:      16,
		Prefetch:          2,
		NGPUs:             1,
		Correction:        "relabel",
		FeatureSource:     "meta",
		MetaOptimizer:     "sgd",
		CommitBatch:       "fresh",
	}
}

// RegisterFlags binds every field to fs, starting from Default. The returned
// function yields the parsed value once fs.Parse has run.
func RegisterFlags(fs *flag.FlagSet) func() ExperimentConfig {
	c := Default()
	fs.StringVar(&c.JVPMethod, "jvp_ad_method", c.JVPMethod, "Meta-gradient strategy: forward, reverse or double-back-trick.")
	fs.StringVar(&c.Device, "device", c.Device, "Run a single replica on this device (cpu or cpu:N). If unset, replicas run on gpuid..gpuid+n_gpus-1.")
	fs.StringVar(&c.Dataset, "dataset", c.Dataset, "Dataset: cifar10, cifar100 or synthetic.")
	fs.Int64Var(&c.Seed, "seed", c.Seed, "Seed for model initialisation and training.")
	fs.Int64Var(&c.DataSeed, "data_seed", c.DataSeed, "Seed for the data split and label corruption.")
	fs.IntVar(&c.RunID, "runid", c.RunID, "Run identifier.")
	fs.StringVar(&c.DataPath, "data_path", c.DataPath, "Root for the datasets.")
	fs.StringVar(&c.LogDir, "logdir", c.LogDir, "Log folder.")
	fs.StringVar(&c.OutDir, "outdir", c.OutDir, "Results folder.")

	fs.IntVar(&c.Epochs, "epochs", c.Epochs, "Number of epochs to train.")
	fs.IntVar(&c.EvalEvery, "every", c.EvalEvery, "Eval interval in steps.")
	fs.IntVar(&c.BatchSize, "bs", c.BatchSize, "Silver batch size.")
	fs.IntVar(&c.TestBatchSize, "test_bs", c.TestBatchSize, "Evaluation batch size.")
	fs.IntVar(&c.GoldBatchSize, "gold_bs", c.GoldBatchSize, "Gold batch size.")
	fs.IntVar(&c.EmbeddingDim, "embedding_dim", c.EmbeddingDim, "Feature extractor output dim (0 for the dataset default).")
	fs.IntVar(&c.LabelEmbeddingDim, "label_embedding_dim", c.LabelEmbeddingDim, "Label embedding dim.")
	fs.IntVar(&c.MLPHiddenDim, "mlp_hidden_dim", c.MLPHiddenDim, "MLP hidden layer units.")
	fs.IntVar(&c.Blocks, "blocks", c.Blocks, "Residual blocks per network (0 for the dataset default).")
	fs.Float64Var(&c.Momentum, "momentum", c.Momentum, "Momentum for the main optimizer.")
	fs.Float64Var(&c.MainLR, "main_lr", c.MainLR, "Learning rate for the main net.")
	fs.Float64Var(&c.MetaLR, "meta_lr", c.MetaLR, "Learning rate for the meta net.")
	fs.Float64Var(&c.WeightDecay, "wdecay", c.WeightDecay, "Weight decay.")
	fs.IntVar(&c.GradientSteps, "gradient_steps", c.GradientSteps, "Number of look-ahead gradient steps for the meta-gradient.")
	fs.StringVar(&c.SchedMilestones, "sched_milestones", c.SchedMilestones, "Comma separated epochs at which the LR is decreased.")
	fs.Float64Var(&c.SchedGamma, "sched_gamma", c.SchedGamma, "Multiply LR by gamma upon reaching a milestone.")

	fs.StringVar(&c.CorruptionType, "corruption_type", c.CorruptionType, "Label corruption: unif or flip.")
	fs.Float64Var(&c.CorruptionLevel, "corruption_level", c.CorruptionLevel, "Corruption level in [0, 1].")
	fs.Float64Var(&c.GoldFraction, "gold_fraction", c.GoldFraction, "Gold fraction in [0, 1].")
	fs.Float64Var(&c.ValidFraction, "valid_fraction", c.ValidFraction, "Fraction of the training set held out for validation.")
	fs.IntVar(&c.SyntheticTrain, "synthetic_train", c.SyntheticTrain, "Training examples for the synthetic dataset.")
	fs.IntVar(&c.SyntheticTest, "synthetic_test", c.SyntheticTest, "Test examples for the synthetic dataset.")
	fs.IntVar(&c.SyntheticDim, "synthetic_dim", c.SyntheticDim, "Input width of the synthetic dataset.")

	fs.IntVar(&c.Prefetch, "prefetch", c.Prefetch, "Batches prefetched per loader (0 disables prefetching).")
	fs.IntVar(&c.GPUID, "gpuid", c.GPUID, "First device index when running replicas.")
	fs.IntVar(&c.NGPUs, "n_gpus", c.NGPUs, "Number of replicas.")

	fs.StringVar(&c.Correction, "correction", c.Correction, "Enhancer policy: relabel, reweight or both.")
	fs.StringVar(&c.FeatureSource, "feature_source", c.FeatureSource, "Features fed to the enhancer: meta or main.")
	fs.StringVar(&c.MetaOptimizer, "meta_optimizer", c.MetaOptimizer, "Meta optimizer: sgd or adam.")
	fs.StringVar(&c.CommitBatch, "commit_batch", c.CommitBatch, "Batch for the committed main step: fresh or last.")

	fs.StringVar(&c.CheckpointDir, "checkpoint_dir", c.CheckpointDir, "Directory for per-epoch checkpoints. Empty disables checkpoints.")
	fs.BoolVar(&c.Resume, "resume", c.Resume, "Resume from the latest checkpoint in checkpoint_dir.")
	fs.StringVar(&c.ResultsDB, "results_db", c.ResultsDB, "Optional SQLite ledger that results are appended to.")

	return func() ExperimentConfig { return c }
}

func oneOf(name, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidConfig, "%s must be one of %s, got %q", name, strings.Join(allowed, ", "), value)
}

func inUnitInterval(name string, v float64) error {
	if v < 0 || v > 1 {
		return errors.Wrapf(ErrInvalidConfig, "%s must be in [0, 1], got %v", name, v)
	}
	return nil
}

// Validate reports the first problem with c.
func (c ExperimentConfig) Validate() error {
	checks := []error{
		oneOf("jvp_ad_method", c.JVPMethod, "forward", "reverse", "double-back-trick"),
		oneOf("dataset", c.Dataset, "cifar10", "cifar100", "synthetic"),
		oneOf("corruption_type", c.CorruptionType, "unif", "flip"),
		oneOf("correction", c.Correction, "relabel", "reweight", "both"),
		oneOf("feature_source", c.FeatureSource, "meta", "main"),
		oneOf("meta_optimizer", c.MetaOptimizer, "sgd", "adam"),
		oneOf("commit_batch", c.CommitBatch, "fresh", "last"),
		inUnitInterval("gold_fraction", c.GoldFraction),
		inUnitInterval("corruption_level", c.CorruptionLevel),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	if c.ValidFraction < 0 || c.ValidFraction >= 1 {
		return errors.Wrapf(ErrInvalidConfig, "valid_fraction must be in [0, 1), got %v", c.ValidFraction)
	}

	positive := []struct {
		name  string
		value int
	}{
		{"epochs", c.Epochs}, {"every", c.EvalEvery}, {"bs", c.BatchSize}, {"test_bs", c.TestBatchSize},
		{"gold_bs", c.GoldBatchSize}, {"label_embedding_dim", c.LabelEmbeddingDim},
		{"mlp_hidden_dim", c.MLPHiddenDim}, {"n_gpus", c.NGPUs},
	}
	for _, p := range positive {
		if p.value <= 0 {
			return errors.Wrapf(ErrInvalidConfig, "%s must be positive, got %d", p.name, p.value)
		}
	}
	if c.GradientSteps < 0 {
		return errors.Wrapf(ErrInvalidConfig, "gradient_steps must be non-negative, got %d", c.GradientSteps)
	}
	if c.EmbeddingDim < 0 || c.Blocks < 0 || c.Prefetch < 0 || c.GPUID < 0 {
		return errors.Wrap(ErrInvalidConfig, "embedding_dim, blocks, prefetch and gpuid must be non-negative")
	}
	if c.MainLR <= 0 || c.MetaLR <= 0 {
		return errors.Wrapf(ErrInvalidConfig, "learning rates must be positive, got main %v meta %v", c.MainLR, c.MetaLR)
	}
	if c.Momentum < 0 || c.WeightDecay < 0 || c.SchedGamma <= 0 {
		return errors.Wrap(ErrInvalidConfig, "momentum and wdecay must be non-negative and sched_gamma positive")
	}
	if c.Dataset == "synthetic" && (c.SyntheticTrain <= 0 || c.SyntheticTest <= 0 || c.SyntheticDim <= 0) {
		return errors.Wrap(ErrInvalidConfig, "synthetic dataset sizes must be positive")
	}
	if c.Resume && c.CheckpointDir == "" {
		return errors.Wrap(ErrInvalidConfig, "resume requires checkpoint_dir")
	}
	if _, err := c.Milestones(); err != nil {
		return err
	}
	if _, err := c.Devices(); err != nil {
		return err
	}
	return nil
}

// Milestones parses SchedMilestones into ascending epochs.
func (c ExperimentConfig) Milestones() ([]int, error) {
	var out []int
	for _, field := range strings.Split(c.SchedMilestones, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		m, err := strconv.Atoi(field)
		if err != nil || m < 0 {
			return nil, errors.Wrapf(ErrInvalidConfig, "bad milestone %q", field)
		}
		if len(out) > 0 && m <= out[len(out)-1] {
			return nil, errors.Wrapf(ErrInvalidConfig, "milestones must be increasing, got %q", c.SchedMilestones)
		}
		out = append(out, m)
	}
	return out, nil
}

// Devices returns the replica device assignments. An explicit Device runs a
// single replica; otherwise one replica per index in GPUID..GPUID+NGPUs-1.
func (c ExperimentConfig) Devices() ([]string, error) {
	if c.Device != "" {
		if !ValidDevice(c.Device) {
			return nil, errors.Wrapf(ErrInvalidConfig, "unsupported device %q", c.Device)
		}
		return []string{c.Device}, nil
	}
	devices := make([]string, c.NGPUs)
	for i := range devices {
		devices[i] = fmt.Sprintf("cpu:%d", c.GPUID+i)
	}
	return devices, nil
}

// ValidDevice accepts "cpu" and "cpu:N".
func ValidDevice(d string) bool {
	if d == "cpu" {
		return true
	}
	idx, ok := strings.CutPrefix(d, "cpu:")
	if !ok {
		return false
	}
	n, err := strconv.Atoi(idx)
	return err == nil && n >= 0
}

// NumClasses is the label count implied by the dataset.
func (c ExperimentConfig) NumClasses() int {
	if c.Dataset == "cifar100" {
		return 100
	}
	return 10
}

// Embedding returns the embedding width, applying the per-dataset default.
func (c ExperimentConfig) Embedding() int {
	if c.EmbeddingDim > 0 {
		return c.EmbeddingDim
	}
	switch c.Dataset {
	case "cifar100":
		return 512
	case "synthetic":
		return 32
	default:
		return 256
	}
}

// Depth returns the residual block count, applying the per-dataset default.
func (c ExperimentConfig) Depth() int {
	if c.Blocks > 0 {
		return c.Blocks
	}
	switch c.Dataset {
	case "cifar100":
		return 4
	case "synthetic":
		return 1
	default:
		return 3
	}
}

func join(parts ...interface{}) string {
	s := make([]string, len(parts))
	for i, p := range parts {
		s[i] = fmt.Sprint(p)
	}
	return strings.Join(s, "_")
}

// ExperimentID names the results record.
func (c ExperimentConfig) ExperimentID() string {
	return join(c.Dataset, c.CorruptionType, c.RunID, c.Epochs, c.Seed, c.DataSeed)
}

// LogName names the log file.
func (c ExperimentConfig) LogName() string {
	return join(c.Dataset, c.CorruptionLevel, c.CorruptionType, c.RunID, c.Epochs, c.Seed, c.DataSeed)
}
