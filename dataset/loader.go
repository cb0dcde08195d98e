package dataset

import (
	"fmt"
	"math/rand"
	"sync"

	"gorgonia.org/tensor"
)

// DataLoader provides batching, shuffling and parallel sample transformation.
// Batch assembly always preserves sample order; only the transform stage runs
// on the worker pool.
type DataLoader struct {
	dataset    Dataset
	batchSize  int
	shuffle    bool
	transform  Transform
	numWorkers int
	workerRngs []*rand.Rand
	shuffleRng *rand.Rand
	indices    []int
	position   int
	mutex      sync.Mutex
}

// LoaderOptions configures a DataLoader.
type LoaderOptions struct {
	BatchSize  int
	Shuffle    bool
	Transform  Transform
	NumWorkers int
	// Deterministic seeds the shuffle source with Seed and worker w with
	// Seed + w, matching the reproducibility contract of the training config.
	Deterministic bool
	Seed          int64
}

// NewDataLoader creates a DataLoader over the given dataset.
func NewDataLoader(ds Dataset, opts LoaderOptions) *DataLoader {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 1
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}

	seed := opts.Seed
	if !opts.Deterministic {
		seed = rand.Int63()
	}

	workerRngs := make([]*rand.Rand, opts.NumWorkers)
	for w := range workerRngs {
		workerRngs[w] = rand.New(rand.NewSource(seed + int64(w)))
	}

	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}

	return &DataLoader{
		dataset:    ds,
		batchSize:  opts.BatchSize,
		shuffle:    opts.Shuffle,
		transform:  opts.Transform,
		numWorkers: opts.NumWorkers,
		workerRngs: workerRngs,
		shuffleRng: rand.New(rand.NewSource(seed)),
		indices:    indices,
	}
}

// Len returns the number of batches in one pass over the dataset.
func (dl *DataLoader) Len() int {
	return (dl.dataset.Len() + dl.batchSize - 1) / dl.batchSize
}

// Reset rewinds the loader for a new pass, reshuffling when enabled.
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if dl.shuffle {
		dl.shuffleRng.Shuffle(len(dl.indices), func(i, j int) {
			dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
		})
	}
}

// Next returns the next batch, or (nil, nil) when the pass is complete.
func (dl *DataLoader) Next() (*Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	if dl.position >= len(dl.indices) {
		return nil, nil // end of pass
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	batch, err := dl.loadBatch(batchIndices)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch: %v", err)
	}
	return batch, nil
}

// HasNext reports whether the current pass has more batches.
func (dl *DataLoader) HasNext() bool {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()
	return dl.position < len(dl.indices)
}

// loadBatch fetches and transforms the samples for the given indices and
// stacks them into batch tensors.
func (dl *DataLoader) loadBatch(indices []int) (*Batch, error) {
	n := len(indices)
	samples := make([]*Sample, n)
	errs := make([]error, n)

	// Fan the samples out over the worker pool; results land back at their
	// original position so batch order never depends on worker timing.
	var wg sync.WaitGroup
	for w := 0; w < dl.numWorkers; w++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			rng := dl.workerRngs[worker]
			for i := worker; i < n; i += dl.numWorkers {
				s, err := dl.dataset.Get(indices[i])
				if err != nil {
					errs[i] = fmt.Errorf("failed to load sample %d: %v", indices[i], err)
					continue
				}
				if dl.transform != nil {
					s, err = dl.transform(rng, s)
					if err != nil {
						errs[i] = fmt.Errorf("transform failed for sample %d: %v", indices[i], err)
						continue
					}
				}
				samples[i] = s
			}
		}(w)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, err
		}
	}
	return stack(samples)
}

// stack combines samples into one Batch, prepending the sample axis.
func stack(samples []*Sample) (*Batch, error) {
	n := len(samples)
	if n == 0 {
		return nil, fmt.Errorf("empty batch")
	}

	first := samples[0]
	image, err := stackTensors(samplesImages(samples), first.Image.Shape())
	if err != nil {
		return nil, fmt.Errorf("failed to stack images: %v", err)
	}

	batch := &Batch{Image: image, Size: n}
	if first.Label != nil {
		label, err := stackTensors(samplesLabels(samples), first.Label.Shape())
		if err != nil {
			return nil, fmt.Errorf("failed to stack labels: %v", err)
		}
		batch.Label = label
	}
	return batch, nil
}

func samplesImages(samples []*Sample) []*tensor.Dense {
	out := make([]*tensor.Dense, len(samples))
	for i, s := range samples {
		out[i] = s.Image
	}
	return out
}

func samplesLabels(samples []*Sample) []*tensor.Dense {
	out := make([]*tensor.Dense, len(samples))
	for i, s := range samples {
		out[i] = s.Label
	}
	return out
}

func stackTensors(ts []*tensor.Dense, shape tensor.Shape) (*tensor.Dense, error) {
	sampleSize := shape.TotalSize()
	data := make([]float32, len(ts)*sampleSize)
	for i, t := range ts {
		if t == nil {
			return nil, fmt.Errorf("sample %d has no tensor", i)
		}
		if !t.Shape().Eq(shape) {
			return nil, fmt.Errorf("sample %d shape %v does not match %v", i, t.Shape(), shape)
		}
		src, ok := t.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("sample %d is not a float32 tensor", i)
		}
		copy(data[i*sampleSize:(i+1)*sampleSize], src)
	}

	batchShape := append([]int{len(ts)}, shape...)
	return tensor.New(tensor.WithShape(batchShape...), tensor.WithBacking(data)), nil
}
