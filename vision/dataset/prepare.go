package dataset

import (
	"io"
	"math/rand"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
	"k8s.io/klog/v2"

	"github.com/tsawler/go-emlc/config"
	"github.com/tsawler/go-emlc/vision/dataloader"
)

const defaultCacheSize = 20000

// Splits holds the loaders of one replica.
type Splits struct {
	Gold       *dataloader.DataLoader
	Silver     *dataloader.DataLoader
	Valid      *dataloader.DataLoader
	Test       *dataloader.DataLoader
	NumClasses int
	InputDim   int

	// Corruption is the matrix the silver labels were drawn from.
	Corruption *mat.Dense
	// NoiseRate is the fraction of silver labels that differ from the clean label.
	NoiseRate float64

	closers []io.Closer
}

// Close releases any files backing the loaders.
func (s *Splits) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// relabeled overrides the observed labels of a dataset.
type relabeled struct {
	dataloader.Dataset
	labels []int
}

func (r *relabeled) Get(index int) (dataloader.Example, error) {
	ex, err := r.Dataset.Get(index)
	if err != nil {
		return ex, err
	}
	ex.Label = r.labels[index]
	return ex, nil
}

type labeledDataset interface {
	dataloader.Dataset
	Labels() []int
}

type memoryLabels struct {
	*dataloader.MemoryDataset
}

func (m memoryLabels) Labels() []int {
	labels := make([]int, m.Len())
	for i := range labels {
		ex, _ := m.Get(i)
		labels[i] = ex.TrueLabel
	}
	return labels
}

func load(cfg config.ExperimentConfig, rng *rand.Rand) (train, test labeledDataset, closers []io.Closer, err error) {
	switch cfg.Dataset {
	case "synthetic":
		tr, te, err := NewSynthetic(SyntheticConfig{
			NumClasses: cfg.NumClasses(),
			Dim:        cfg.SyntheticDim,
			Train:      cfg.SyntheticTrain,
			Test:       cfg.SyntheticTest,
			Separation: 1,
			Noise:      0.5,
		}, rng)
		if err != nil {
			return nil, nil, nil, err
		}
		return memoryLabels{tr}, memoryLabels{te}, nil, nil
	case "cifar10", "cifar100":
		tr, err := OpenCIFAR(cfg.DataPath, cfg.Dataset, true, defaultCacheSize)
		if err != nil {
			return nil, nil, nil, err
		}
		te, err := OpenCIFAR(cfg.DataPath, cfg.Dataset, false, defaultCacheSize)
		if err != nil {
			tr.Close()
			return nil, nil, nil, err
		}
		return tr, te, []io.Closer{tr, te}, nil
	default:
		return nil, nil, nil, errors.Errorf("unknown dataset %q", cfg.Dataset)
	}
}

// PrepareData loads the dataset, holds out a validation split, divides the
// rest into gold and silver parts, corrupts the silver labels and builds the
// loaders for replica rank of world. Splits depend only on DataSeed, so every
// replica sees the same partition and trains on its own shard of it.
// Validation and test loaders are not sharded.
func PrepareData(cfg config.ExperimentConfig, rank, world int) (*Splits, error) {
	rng := rand.New(rand.NewSource(cfg.DataSeed))
	train, test, closers, err := load(cfg, rng)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", cfg.Dataset)
	}
	s := &Splits{NumClasses: cfg.NumClasses(), InputDim: train.Dim(), closers: closers}

	fail := func(err error, msg string) (*Splits, error) {
		s.Close()
		return nil, errors.Wrap(err, msg)
	}

	perm := rng.Perm(train.Len())
	nValid := int(cfg.ValidFraction * float64(len(perm)))
	validIdx, rest := perm[:nValid], perm[nValid:]
	nGold := int(cfg.GoldFraction * float64(len(rest)))
	goldIdx, silverIdx := rest[:nGold], rest[nGold:]

	s.Corruption, err = CorruptionMatrix(cfg.CorruptionType, cfg.CorruptionLevel, s.NumClasses, rng)
	if err != nil {
		return fail(err, "failed to build corruption matrix")
	}
	clean := train.Labels()
	silverClean := make([]int, len(silverIdx))
	for i, idx := range silverIdx {
		silverClean[i] = clean[idx]
	}
	noisy, err := Corrupt(silverClean, s.Corruption, rng)
	if err != nil {
		return fail(err, "failed to corrupt labels")
	}
	flipped := 0
	for i := range noisy {
		if noisy[i] != silverClean[i] {
			flipped++
		}
	}
	if len(noisy) > 0 {
		s.NoiseRate = float64(flipped) / float64(len(noisy))
	}

	gold, err := dataloader.NewSubset(train, goldIdx)
	if err != nil {
		return fail(err, "failed to build gold split")
	}
	silverBase, err := dataloader.NewSubset(train, silverIdx)
	if err != nil {
		return fail(err, "failed to build silver split")
	}
	valid, err := dataloader.NewSubset(train, validIdx)
	if err != nil {
		return fail(err, "failed to build validation split")
	}
	silver := &relabeled{Dataset: silverBase, labels: noisy}

	goldShard, err := dataloader.Shard(gold, rank, world)
	if err != nil {
		return fail(err, "failed to shard gold split")
	}
	silverShard, err := dataloader.Shard(silver, rank, world)
	if err != nil {
		return fail(err, "failed to shard silver split")
	}

	loaders := []struct {
		dst    **dataloader.DataLoader
		ds     dataloader.Dataset
		config dataloader.Config
	}{
		{&s.Gold, goldShard, dataloader.Config{BatchSize: cfg.GoldBatchSize, Shuffle: true, Seed: cfg.Seed + 1, Gold: true}},
		{&s.Silver, silverShard, dataloader.Config{BatchSize: cfg.BatchSize, Shuffle: true, Seed: cfg.Seed + 2}},
		{&s.Valid, valid, dataloader.Config{BatchSize: cfg.TestBatchSize}},
		{&s.Test, test, dataloader.Config{BatchSize: cfg.TestBatchSize}},
	}
	for _, l := range loaders {
		dl, err := dataloader.NewDataLoader(l.ds, l.config)
		if err != nil {
			return fail(err, "failed to build loader")
		}
		*l.dst = dl
	}

	klog.V(1).InfoS("Prepared data splits", "dataset", cfg.Dataset, "rank", rank,
		"gold", goldShard.Len(), "silver", silverShard.Len(), "valid", valid.Len(), "test", test.Len(),
		"corruption", cfg.CorruptionType, "level", cfg.CorruptionLevel, "noiseRate", s.NoiseRate)
	return s, nil
}
