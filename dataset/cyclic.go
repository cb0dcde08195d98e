package dataset

import "fmt"

// CyclicLoader turns a DataLoader into a logically infinite stream. When the
// underlying loader is exhausted it is reset (reshuffling if enabled) and the
// first batch of the fresh pass is returned instead. The training loop is
// therefore never terminated by dataset exhaustion; a short dataset simply
// wraps within an epoch when the paired stream is longer.
type CyclicLoader struct {
	loader *DataLoader
	wraps  int
}

// NewCyclicLoader wraps a DataLoader, priming it for its first pass.
func NewCyclicLoader(loader *DataLoader) *CyclicLoader {
	loader.Reset()
	return &CyclicLoader{loader: loader}
}

// Next returns the next batch, transparently restarting the underlying loader
// when it runs out. Order across wraps is not guaranteed under shuffling; only
// restartability is.
func (cl *CyclicLoader) Next() (*Batch, error) {
	batch, err := cl.loader.Next()
	if err != nil {
		return nil, err
	}
	if batch != nil {
		return batch, nil
	}

	cl.loader.Reset()
	cl.wraps++
	batch, err = cl.loader.Next()
	if err != nil {
		return nil, err
	}
	if batch == nil {
		return nil, fmt.Errorf("dataset produced no batches after restart")
	}
	return batch, nil
}

// Wraps returns how many times the stream has restarted.
func (cl *CyclicLoader) Wraps() int {
	return cl.wraps
}
