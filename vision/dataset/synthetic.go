package dataset

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emlc/vision/dataloader"
)

// SyntheticConfig describes Gaussian clusters around random class centres.
type SyntheticConfig struct {
	NumClasses int
	Dim        int
	Train      int
	Test       int
	Separation float64 // scale of the class centres
	Noise      float64 // per-coordinate standard deviation around a centre
}

// NewSynthetic draws train and test sets from the same class centres.
// Labels are balanced round-robin.
func NewSynthetic(cfg SyntheticConfig, rng *rand.Rand) (train, test *dataloader.MemoryDataset, err error) {
	if cfg.NumClasses < 2 || cfg.Dim <= 0 || cfg.Train <= 0 || cfg.Test <= 0 {
		return nil, nil, errors.Errorf("invalid synthetic config %+v", cfg)
	}
	centres := make([][]float64, cfg.NumClasses)
	for c := range centres {
		centres[c] = make([]float64, cfg.Dim)
		for j := range centres[c] {
			centres[c][j] = rng.NormFloat64() * cfg.Separation
		}
	}

	sample := func(n int) *dataloader.MemoryDataset {
		examples := make([]dataloader.Example, n)
		for i := range examples {
			label := i % cfg.NumClasses
			x := make([]float64, cfg.Dim)
			for j := range x {
				x[j] = centres[label][j] + rng.NormFloat64()*cfg.Noise
			}
			examples[i] = dataloader.Example{Input: x, Label: label, TrueLabel: label}
		}
		return dataloader.NewMemoryDataset(cfg.Dim, examples)
	}
	return sample(cfg.Train), sample(cfg.Test), nil
}
