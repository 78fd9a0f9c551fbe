package dataloader

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emlc/tensor"
)

// ErrEmptyLoader is returned when a cyclic source has nothing to yield.
var ErrEmptyLoader = errors.New("dataloader: loader has no batches")

// Example is one input vector with its observed label. TrueLabel is the
// clean label when known and is only used for noise diagnostics.
type Example struct {
	Input     []float64
	Label     int
	TrueLabel int
}

// Dataset is a finite, indexable collection of examples of equal width.
type Dataset interface {
	Len() int
	Dim() int
	Get(index int) (Example, error)
}

// Batch is a stacked group of examples.
type Batch struct {
	Inputs     *tensor.Tensor // [B, D]
	Labels     []int
	TrueLabels []int
	Gold       bool
}

func (b *Batch) Size() int {
	return len(b.Labels)
}

// Config holds configuration for DataLoader
type Config struct {
	BatchSize int
	Shuffle   bool
	Seed      int64
	Gold      bool // tags every batch as trusted
}

// DataLoader yields batches over one pass of a dataset at a time. Reset
// starts a new pass and reshuffles with the loader's own random stream, so
// the sequence of batches depends only on the seed.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	gold      bool
	indices   []int
	position  int
	rng       *rand.Rand
	mu        sync.Mutex
}

// NewDataLoader creates a new data loader
func NewDataLoader(dataset Dataset, config Config) (*DataLoader, error) {
	if config.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", config.BatchSize)
	}

	indices := make([]int, dataset.Len())
	for i := range indices {
		indices[i] = i
	}

	dl := &DataLoader{
		dataset:   dataset,
		batchSize: config.BatchSize,
		shuffle:   config.Shuffle,
		gold:      config.Gold,
		indices:   indices,
		rng:       rand.New(rand.NewSource(config.Seed)),
	}
	dl.shuffleIndices()
	return dl, nil
}

func (dl *DataLoader) shuffleIndices() {
	if dl.shuffle {
		dl.rng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Reset resets the data loader to the beginning
func (dl *DataLoader) Reset() {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	dl.position = 0
	dl.shuffleIndices()
}

// HasNext reports whether the current pass has batches left.
func (dl *DataLoader) HasNext() bool {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position < len(dl.indices)
}

// Len is the number of batches in one pass. The last batch may be short.
func (dl *DataLoader) Len() int {
	return (len(dl.indices) + dl.batchSize - 1) / dl.batchSize
}

// NumExamples is the size of the underlying dataset.
func (dl *DataLoader) NumExamples() int {
	return len(dl.indices)
}

// Dim is the input width of every batch.
func (dl *DataLoader) Dim() int {
	return dl.dataset.Dim()
}

// NextBatch returns the next batch of the current pass, or nil when the
// pass is exhausted.
func (dl *DataLoader) NextBatch() (*Batch, error) {
	dl.mu.Lock()
	defer dl.mu.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 {
		return nil, nil
	}
	size := dl.batchSize
	if remaining < size {
		size = remaining
	}

	dim := dl.dataset.Dim()
	data := make([]float64, size*dim)
	batch := &Batch{
		Labels:     make([]int, size),
		TrueLabels: make([]int, size),
		Gold:       dl.gold,
	}
	for i := 0; i < size; i++ {
		idx := dl.indices[dl.position]
		ex, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load example %d", idx)
		}
		if len(ex.Input) != dim {
			return nil, errors.Errorf("example %d has width %d, want %d", idx, len(ex.Input), dim)
		}
		copy(data[i*dim:(i+1)*dim], ex.Input)
		batch.Labels[i] = ex.Label
		batch.TrueLabels[i] = ex.TrueLabel
		dl.position++
	}

	inputs, err := tensor.NewTensor([]int{size, dim}, data)
	if err != nil {
		return nil, err
	}
	batch.Inputs = inputs
	return batch, nil
}

// Progress returns the current progress through the dataset
func (dl *DataLoader) Progress() (current, total int) {
	dl.mu.Lock()
	defer dl.mu.Unlock()
	return dl.position, len(dl.indices)
}

// Source is an endless stream of batches.
type Source interface {
	Next() (*Batch, error)
}

// Cycle restarts its loader whenever a pass is exhausted.
type Cycle struct {
	loader *DataLoader
}

func NewCycle(loader *DataLoader) *Cycle {
	return &Cycle{loader: loader}
}

func (c *Cycle) Next() (*Batch, error) {
	if c.loader.NumExamples() == 0 {
		return nil, ErrEmptyLoader
	}
	if !c.loader.HasNext() {
		c.loader.Reset()
	}
	return c.loader.NextBatch()
}

// Subset exposes selected examples of a dataset.
type Subset struct {
	dataset Dataset
	indices []int
}

// NewSubset creates a view over dataset restricted to indices.
func NewSubset(dataset Dataset, indices []int) (*Subset, error) {
	for _, idx := range indices {
		if idx < 0 || idx >= dataset.Len() {
			return nil, errors.Errorf("subset index %d out of range [0, %d)", idx, dataset.Len())
		}
	}
	return &Subset{dataset: dataset, indices: append([]int(nil), indices...)}, nil
}

func (s *Subset) Len() int { return len(s.indices) }

func (s *Subset) Dim() int { return s.dataset.Dim() }

func (s *Subset) Get(index int) (Example, error) {
	if index < 0 || index >= len(s.indices) {
		return Example{}, errors.Errorf("index out of bounds for subset: %d (size: %d)", index, len(s.indices))
	}
	return s.dataset.Get(s.indices[index])
}

// Shard returns the examples whose position modulo world equals rank.
func Shard(dataset Dataset, rank, world int) (Dataset, error) {
	if world <= 0 || rank < 0 || rank >= world {
		return nil, errors.Errorf("invalid shard %d of %d", rank, world)
	}
	if world == 1 {
		return dataset, nil
	}
	var indices []int
	for i := rank; i < dataset.Len(); i += world {
		indices = append(indices, i)
	}
	return NewSubset(dataset, indices)
}

// MemoryDataset holds examples in memory.
type MemoryDataset struct {
	dim      int
	examples []Example
}

func NewMemoryDataset(dim int, examples []Example) *MemoryDataset {
	return &MemoryDataset{dim: dim, examples: examples}
}

func (m *MemoryDataset) Len() int { return len(m.examples) }

func (m *MemoryDataset) Dim() int { return m.dim }

func (m *MemoryDataset) Get(index int) (Example, error) {
	if index < 0 || index >= len(m.examples) {
		return Example{}, errors.Errorf("index %d out of range [0, %d)", index, len(m.examples))
	}
	return m.examples[index], nil
}
