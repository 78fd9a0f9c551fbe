package dataset

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-emlc/vision/dataloader"
)

const (
	cifarImageSize = 32 * 32
	cifarPixels    = 3 * cifarImageSize
)

// ErrMissingDataset is returned when the dataset files are not on disk.
var ErrMissingDataset = errors.New("dataset files not found")

type cifarLayout struct {
	dir        string
	train      []string
	test       []string
	labelBytes int // CIFAR-100 records carry a coarse and a fine label
	mean, std  [3]float64
}

var cifar10Layout = cifarLayout{
	dir:        "cifar-10-batches-bin",
	train:      []string{"data_batch_1.bin", "data_batch_2.bin", "data_batch_3.bin", "data_batch_4.bin", "data_batch_5.bin"},
	test:       []string{"test_batch.bin"},
	labelBytes: 1,
	mean:       [3]float64{0.4914, 0.4822, 0.4465},
	std:        [3]float64{0.2470, 0.2435, 0.2616},
}

var cifar100Layout = cifarLayout{
	dir:        "cifar-100-binary",
	train:      []string{"train.bin"},
	test:       []string{"test.bin"},
	labelBytes: 2,
	mean:       [3]float64{0.5071, 0.4865, 0.4409},
	std:        [3]float64{0.2673, 0.2564, 0.2762},
}

type cifarFile struct {
	f     *os.File
	count int
}

// CIFAR reads CIFAR-10/100 binary records lazily. Labels are loaded at
// open; pixels are decoded on demand and kept in an LRU cache.
type CIFAR struct {
	layout     cifarLayout
	files      []cifarFile
	labels     []int
	recordSize int
	cache      *dataloader.CacheManager
}

// OpenCIFAR opens the train or test split of cifar10 or cifar100 under root.
// cacheSize bounds the number of decoded images kept in memory.
func OpenCIFAR(root, name string, train bool, cacheSize int) (*CIFAR, error) {
	var layout cifarLayout
	switch name {
	case "cifar10":
		layout = cifar10Layout
	case "cifar100":
		layout = cifar100Layout
	default:
		return nil, errors.Errorf("unknown CIFAR variant %q", name)
	}
	names := layout.test
	if train {
		names = layout.train
	}

	c := &CIFAR{
		layout:     layout,
		recordSize: layout.labelBytes + cifarPixels,
		cache:      dataloader.NewCacheManager(cacheSize),
	}
	for _, n := range names {
		path := filepath.Join(root, layout.dir, n)
		f, err := os.Open(path)
		if err != nil {
			c.Close()
			if os.IsNotExist(err) {
				return nil, errors.Wrapf(ErrMissingDataset, "%s", path)
			}
			return nil, errors.Wrapf(err, "failed to open %s", path)
		}
		count, err := c.readLabels(f)
		if err != nil {
			f.Close()
			c.Close()
			return nil, errors.Wrapf(err, "failed to read labels from %s", path)
		}
		c.files = append(c.files, cifarFile{f: f, count: count})
	}
	return c, nil
}

// readLabels scans every record of f, appending its (fine) label.
func (c *CIFAR) readLabels(f *os.File) (int, error) {
	r := bufio.NewReaderSize(f, 1<<20)
	header := make([]byte, c.layout.labelBytes)
	count := 0
	for {
		if _, err := io.ReadFull(r, header); err != nil {
			if err == io.EOF {
				return count, nil
			}
			return 0, errors.Wrap(err, "truncated record header")
		}
		if _, err := r.Discard(cifarPixels); err != nil {
			return 0, errors.Wrap(err, "truncated record pixels")
		}
		c.labels = append(c.labels, int(header[c.layout.labelBytes-1]))
		count++
	}
}

func (c *CIFAR) Close() error {
	var first error
	for _, cf := range c.files {
		if err := cf.f.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.files = nil
	return first
}

func (c *CIFAR) Len() int { return len(c.labels) }

func (c *CIFAR) Dim() int { return cifarPixels }

// Labels returns the clean labels of every record.
func (c *CIFAR) Labels() []int {
	return append([]int(nil), c.labels...)
}

func (c *CIFAR) CacheStats() dataloader.CacheStats {
	return c.cache.Stats()
}

func (c *CIFAR) Get(index int) (dataloader.Example, error) {
	if index < 0 || index >= len(c.labels) {
		return dataloader.Example{}, errors.Errorf("index %d out of range [0, %d)", index, len(c.labels))
	}
	label := c.labels[index]
	if pixels, ok := c.cache.Get(index); ok {
		return dataloader.Example{Input: pixels, Label: label, TrueLabel: label}, nil
	}

	local := index
	var file *os.File
	for _, cf := range c.files {
		if local < cf.count {
			file = cf.f
			break
		}
		local -= cf.count
	}
	if file == nil {
		return dataloader.Example{}, errors.New("dataset is closed")
	}

	raw := make([]byte, cifarPixels)
	offset := int64(local)*int64(c.recordSize) + int64(c.layout.labelBytes)
	if _, err := file.ReadAt(raw, offset); err != nil {
		return dataloader.Example{}, errors.Wrapf(err, "failed to read record %d", index)
	}
	pixels := decodeCIFAR(raw, c.layout.mean, c.layout.std)
	c.cache.Put(index, pixels)
	return dataloader.Example{Input: pixels, Label: label, TrueLabel: label}, nil
}

// decodeCIFAR converts channel-major bytes to normalised floats.
func decodeCIFAR(raw []byte, mean, std [3]float64) []float64 {
	out := make([]float64, len(raw))
	for ch := 0; ch < 3; ch++ {
		plane := raw[ch*cifarImageSize : (ch+1)*cifarImageSize]
		for i, b := range plane {
			out[ch*cifarImageSize+i] = (float64(b)/255 - mean[ch]) / std[ch]
		}
	}
	return out
}
