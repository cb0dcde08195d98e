package dataset

import (
	"fmt"
	"math/rand"

	"gorgonia.org/tensor"
)

// Sample is a single dataset record. Image has shape (C, spatial...). Label
// holds per-pixel class probabilities with shape (K, spatial...) and is nil
// for unlabeled records.
type Sample struct {
	Image *tensor.Dense
	Label *tensor.Dense
}

// Batch holds a batched image tensor of shape (N, C, spatial...) and, for
// labeled data, a label tensor of shape (N, K, spatial...) whose spatial
// dimensions match the image.
type Batch struct {
	Image *tensor.Dense
	Label *tensor.Dense
	Size  int
}

// Dataset defines the methods all datasets must implement.
type Dataset interface {
	Len() int
	Get(idx int) (*Sample, error)
}

// Transform mutates or replaces a sample during loading. The rng belongs to
// the loader worker applying the transform; with deterministic loading each
// worker's seed is the base seed plus the worker id.
type Transform func(rng *rand.Rand, s *Sample) (*Sample, error)

// SliceDataset is a basic in-memory Dataset.
type SliceDataset struct {
	samples []*Sample
}

// NewSliceDataset wraps a slice of samples as a Dataset.
func NewSliceDataset(samples []*Sample) *SliceDataset {
	return &SliceDataset{samples: samples}
}

// Len returns the number of samples in the dataset.
func (ds *SliceDataset) Len() int {
	return len(ds.samples)
}

// Get returns the sample at the given index.
func (ds *SliceDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= len(ds.samples) {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, len(ds.samples))
	}
	return ds.samples[idx], nil
}

// RandomSegDataset generates random segmentation samples for testing and
// benchmarks. Labels are one-hot over classNum channels; set labeled to false
// for an unlabeled stream.
type RandomSegDataset struct {
	size     int
	imgShape []int // (C, spatial...)
	classNum int
	labeled  bool
	rng      *rand.Rand
}

// NewRandomSegDataset creates a RandomSegDataset with its own seeded source.
func NewRandomSegDataset(size int, imgShape []int, classNum int, labeled bool, seed int64) *RandomSegDataset {
	return &RandomSegDataset{
		size:     size,
		imgShape: imgShape,
		classNum: classNum,
		labeled:  labeled,
		rng:      rand.New(rand.NewSource(seed)),
	}
}

// Len returns the size of the dataset.
func (ds *RandomSegDataset) Len() int {
	return ds.size
}

// Get generates a random sample.
func (ds *RandomSegDataset) Get(idx int) (*Sample, error) {
	if idx < 0 || idx >= ds.size {
		return nil, fmt.Errorf("index %d out of range [0, %d)", idx, ds.size)
	}

	imgSize := 1
	for _, d := range ds.imgShape {
		imgSize *= d
	}
	imgData := make([]float32, imgSize)
	for i := range imgData {
		imgData[i] = ds.rng.Float32()*2.0 - 1.0
	}
	img := tensor.New(tensor.WithShape(ds.imgShape...), tensor.WithBacking(imgData))

	s := &Sample{Image: img}
	if ds.labeled {
		spatial := imgSize / ds.imgShape[0]
		labelData := make([]float32, ds.classNum*spatial)
		for v := 0; v < spatial; v++ {
			c := ds.rng.Intn(ds.classNum)
			labelData[c*spatial+v] = 1.0
		}
		labelShape := append([]int{ds.classNum}, ds.imgShape[1:]...)
		s.Label = tensor.New(tensor.WithShape(labelShape...), tensor.WithBacking(labelData))
	}
	return s, nil
}
