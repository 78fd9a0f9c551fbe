package dataset

import (
	"math/rand"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// CorruptionMatrix returns the row-stochastic matrix C where C[i][j] is the
// probability that an example of class i is observed with label j.
//
// unif mixes the identity with the uniform distribution:
// C = level/N + (1-level) I. flip keeps each class with probability
// 1-level and moves the rest of its mass to one other class chosen by rng.
func CorruptionMatrix(kind string, level float64, numClasses int, rng *rand.Rand) (*mat.Dense, error) {
	if level < 0 || level > 1 {
		return nil, errors.Errorf("corruption level must be in [0, 1], got %v", level)
	}
	if numClasses < 2 {
		return nil, errors.Errorf("corruption needs at least two classes, got %d", numClasses)
	}
	c := mat.NewDense(numClasses, numClasses, nil)
	switch kind {
	case "unif":
		for i := 0; i < numClasses; i++ {
			for j := 0; j < numClasses; j++ {
				v := level / float64(numClasses)
				if i == j {
					v += 1 - level
				}
				c.Set(i, j, v)
			}
		}
	case "flip":
		for i := 0; i < numClasses; i++ {
			j := rng.Intn(numClasses - 1)
			if j >= i {
				j++
			}
			c.Set(i, i, 1-level)
			c.Set(i, j, level)
		}
	default:
		return nil, errors.Errorf("unknown corruption type %q", kind)
	}
	return c, nil
}

// Corrupt resamples every label from its row of c.
func Corrupt(labels []int, c *mat.Dense, rng *rand.Rand) ([]int, error) {
	n, _ := c.Dims()
	cumulative := make([][]float64, n)
	for i := range cumulative {
		row := mat.Row(nil, i, c)
		cumulative[i] = floats.CumSum(make([]float64, n), row)
	}

	out := make([]int, len(labels))
	for k, label := range labels {
		if label < 0 || label >= n {
			return nil, errors.Errorf("label %d out of range [0, %d)", label, n)
		}
		cdf := cumulative[label]
		u := rng.Float64() * cdf[n-1]
		j := sort.Search(n, func(j int) bool { return cdf[j] > u })
		if j == n {
			j = n - 1
		}
		out[k] = j
	}
	return out, nil
}
