package dataset

import (
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/tsawler/go-emlc/config"
)

func TestCorruptionMatrix(t *testing.T) {
	for _, kind := range []string{"unif", "flip"} {
		t.Run(kind, func(t *testing.T) {
			c, err := CorruptionMatrix(kind, 0.6, 5, rand.New(rand.NewSource(1)))
			if err != nil {
				t.Fatalf("CorruptionMatrix failed: %v", err)
			}
			for i := 0; i < 5; i++ {
				if sum := mat.Sum(c.RowView(i)); math.Abs(sum-1) > 1e-12 {
					t.Errorf("Row %d sums to %f", i, sum)
				}
			}
			switch kind {
			case "unif":
				if math.Abs(c.At(0, 0)-(0.4+0.6/5)) > 1e-12 || math.Abs(c.At(0, 1)-0.12) > 1e-12 {
					t.Errorf("Unexpected uniform row %v", mat.Row(nil, 0, c))
				}
			case "flip":
				for i := 0; i < 5; i++ {
					nonZero := 0
					for j := 0; j < 5; j++ {
						if c.At(i, j) > 0 {
							nonZero++
						}
					}
					if c.At(i, i) != 0.4 || nonZero != 2 {
						t.Errorf("Row %d is not a single flip: %v", i, mat.Row(nil, i, c))
					}
				}
			}
		})
	}

	t.Run("Invalid", func(t *testing.T) {
		if _, err := CorruptionMatrix("unif", 1.2, 5, nil); err == nil {
			t.Error("Expected error for level above one, got nil")
		}
		if _, err := CorruptionMatrix("pair", 0.2, 5, nil); err == nil {
			t.Error("Expected error for unknown type, got nil")
		}
	})
}

func TestCorrupt(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	c, _ := CorruptionMatrix("flip", 0.3, 4, rng)
	labels := make([]int, 20000)
	for i := range labels {
		labels[i] = i % 4
	}
	noisy, err := Corrupt(labels, c, rng)
	if err != nil {
		t.Fatalf("Corrupt failed: %v", err)
	}
	flipped := 0
	for i, l := range noisy {
		if l != labels[i] {
			flipped++
			if c.At(labels[i], l) == 0 {
				t.Fatalf("Label %d moved to zero-probability class %d", labels[i], l)
			}
		}
	}
	rate := float64(flipped) / float64(len(labels))
	if math.Abs(rate-0.3) > 0.02 {
		t.Errorf("Observed flip rate %f, expected about 0.3", rate)
	}

	t.Run("Zero level keeps labels", func(t *testing.T) {
		c, _ := CorruptionMatrix("unif", 0, 4, nil)
		noisy, _ := Corrupt(labels[:100], c, rng)
		for i := range noisy {
			if noisy[i] != labels[i] {
				t.Fatal("Zero corruption changed a label")
			}
		}
	})
}

func syntheticConfig() config.ExperimentConfig {
	c := config.Default()
	c.Dataset = "synthetic"
	c.SyntheticTrain = 400
	c.SyntheticTest = 100
	c.SyntheticDim = 6
	c.CorruptionType = "flip"
	c.CorruptionLevel = 0.6
	c.GoldFraction = 0.1
	c.BatchSize = 32
	c.GoldBatchSize = 8
	return c
}

func TestPrepareDataSynthetic(t *testing.T) {
	cfg := syntheticConfig()
	s, err := PrepareData(cfg, 0, 1)
	if err != nil {
		t.Fatalf("PrepareData failed: %v", err)
	}
	defer s.Close()

	if s.NumClasses != 10 || s.InputDim != 6 {
		t.Errorf("Unexpected shape info %d classes, %d dims", s.NumClasses, s.InputDim)
	}
	// 400 train -> 40 valid, 360 rest -> 36 gold, 324 silver.
	if s.Valid.NumExamples() != 40 || s.Gold.NumExamples() != 36 || s.Silver.NumExamples() != 324 {
		t.Errorf("Unexpected split sizes valid=%d gold=%d silver=%d",
			s.Valid.NumExamples(), s.Gold.NumExamples(), s.Silver.NumExamples())
	}
	if s.Test.NumExamples() != 100 {
		t.Errorf("Expected 100 test examples, got %d", s.Test.NumExamples())
	}
	if s.NoiseRate < 0.4 || s.NoiseRate > 0.8 {
		t.Errorf("Noise rate %f far from the configured 0.6", s.NoiseRate)
	}

	gold, err := s.Gold.NextBatch()
	if err != nil {
		t.Fatalf("NextBatch failed: %v", err)
	}
	for i := range gold.Labels {
		if gold.Labels[i] != gold.TrueLabels[i] {
			t.Fatal("Gold labels must be clean")
		}
	}

	t.Run("Deterministic per data seed", func(t *testing.T) {
		again, err := PrepareData(cfg, 0, 1)
		if err != nil {
			t.Fatalf("PrepareData failed: %v", err)
		}
		if again.NoiseRate != s.NoiseRate {
			t.Errorf("Noise rate changed between runs: %f vs %f", again.NoiseRate, s.NoiseRate)
		}
	})

	t.Run("Shards are disjoint", func(t *testing.T) {
		a, _ := PrepareData(cfg, 0, 2)
		b, _ := PrepareData(cfg, 1, 2)
		if a.Silver.NumExamples()+b.Silver.NumExamples() != 324 {
			t.Errorf("Shards cover %d silver examples, want 324", a.Silver.NumExamples()+b.Silver.NumExamples())
		}
		if a.Test.NumExamples() != 100 || b.Test.NumExamples() != 100 {
			t.Error("Test loader should not be sharded")
		}
	})
}

func TestPrepareDataGoldFractionBounds(t *testing.T) {
	cfg := syntheticConfig()
	cfg.GoldFraction = 0
	s, err := PrepareData(cfg, 0, 1)
	if err != nil {
		t.Fatalf("PrepareData failed: %v", err)
	}
	if s.Gold.NumExamples() != 0 {
		t.Errorf("Expected empty gold split, got %d", s.Gold.NumExamples())
	}

	cfg.GoldFraction = 1
	s, err = PrepareData(cfg, 0, 1)
	if err != nil {
		t.Fatalf("PrepareData failed: %v", err)
	}
	if s.Silver.NumExamples() != 0 || s.Silver.HasNext() {
		t.Errorf("Expected empty silver split, got %d", s.Silver.NumExamples())
	}
}

func writeCIFAR10(t *testing.T, root string, records int) {
	t.Helper()
	dir := filepath.Join(root, "cifar-10-batches-bin")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	names := append(append([]string(nil), cifar10Layout.train...), cifar10Layout.test...)
	for fi, name := range names {
		buf := make([]byte, 0, records*(1+cifarPixels))
		for r := 0; r < records; r++ {
			buf = append(buf, byte((fi+r)%10))
			for p := 0; p < cifarPixels; p++ {
				buf = append(buf, byte(p%256))
			}
		}
		if err := os.WriteFile(filepath.Join(dir, name), buf, 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestOpenCIFAR(t *testing.T) {
	root := t.TempDir()
	writeCIFAR10(t, root, 3)

	c, err := OpenCIFAR(root, "cifar10", true, 4)
	if err != nil {
		t.Fatalf("OpenCIFAR failed: %v", err)
	}
	defer c.Close()

	if c.Len() != 15 || c.Dim() != cifarPixels {
		t.Fatalf("Unexpected size %d x %d", c.Len(), c.Dim())
	}
	// Record 4 is the second record of the second file.
	ex, err := c.Get(4)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ex.Label != 2 {
		t.Errorf("Expected label 2, got %d", ex.Label)
	}
	want := (1.0/255 - cifar10Layout.mean[0]) / cifar10Layout.std[0]
	if math.Abs(ex.Input[1]-want) > 1e-12 {
		t.Errorf("Pixel not normalised: got %f, want %f", ex.Input[1], want)
	}

	if _, err := c.Get(4); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stats := c.CacheStats(); stats.Hits != 1 {
		t.Errorf("Expected a cache hit on the second read, got %s", stats)
	}

	t.Run("Missing", func(t *testing.T) {
		_, err := OpenCIFAR(t.TempDir(), "cifar10", true, 4)
		if !errors.Is(err, ErrMissingDataset) {
			t.Errorf("Expected ErrMissingDataset, got %v", err)
		}
	})

	t.Run("PrepareData", func(t *testing.T) {
		cfg := config.Default()
		cfg.DataPath = root
		cfg.GoldFraction = 0.5
		s, err := PrepareData(cfg, 0, 1)
		if err != nil {
			t.Fatalf("PrepareData failed: %v", err)
		}
		defer s.Close()
		if s.InputDim != cifarPixels || s.Test.NumExamples() != 3 {
			t.Errorf("Unexpected CIFAR splits dim=%d test=%d", s.InputDim, s.Test.NumExamples())
		}
	})
}
