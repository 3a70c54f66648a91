package training

import (
	"math/rand"
	"sync"

	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/tensor"
)

// Dataset yields one sample Batch per index. Sample tensors carry no batch
// dimension; the loader stacks them.
type Dataset interface {
	Len() int
	Get(idx int) (Batch, error)
}

// DataLoader provides batching, shuffling and a drop-incomplete-batch
// policy. SetEpoch makes the shuffle deterministic per epoch so distributed
// shards see disjoint, reproducible orderings.
type DataLoader struct {
	dataset   Dataset
	batchSize int
	shuffle   bool
	dropLast  bool
	seed      int64

	epoch    int
	indices  []int
	position int
	mutex    sync.Mutex
}

// NewDataLoader creates a loader over the dataset.
func NewDataLoader(dataset Dataset, batchSize int, shuffle, dropLast bool, seed int64) (*DataLoader, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	n := dataset.Len()
	indices := make([]int, n)
	for i := range indices {
		indices[i] = i
	}
	return &DataLoader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		dropLast:  dropLast,
		seed:      seed,
		indices:   indices,
	}, nil
}

// Len returns the number of batches in an epoch under the drop-last policy.
func (dl *DataLoader) Len() int {
	n := dl.dataset.Len()
	if dl.dropLast {
		return n / dl.batchSize
	}
	return (n + dl.batchSize - 1) / dl.batchSize
}

// SetEpoch reseeds the shuffle for the given epoch and resets the cursor.
func (dl *DataLoader) SetEpoch(epoch int) {
	dl.mutex.Lock()
	dl.epoch = epoch
	dl.mutex.Unlock()
	dl.Reset()
}

// Reset rewinds the loader for a new pass, reshuffling if configured. The
// shuffle order is a pure function of (seed, epoch).
func (dl *DataLoader) Reset() {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	dl.position = 0
	if !dl.shuffle {
		return
	}
	// Shuffle from the identity permutation so the order depends only on
	// (seed, epoch), never on how many resets came before.
	for i := range dl.indices {
		dl.indices[i] = i
	}
	rng := rand.New(rand.NewSource(dl.seed + int64(dl.epoch)))
	for i := len(dl.indices) - 1; i > 0; i-- {
		j := rng.Intn(i + 1)
		dl.indices[i], dl.indices[j] = dl.indices[j], dl.indices[i]
	}
}

// Next returns the next collated batch, or nil at the end of the epoch.
func (dl *DataLoader) Next() (Batch, error) {
	dl.mutex.Lock()
	defer dl.mutex.Unlock()

	remaining := len(dl.indices) - dl.position
	if remaining <= 0 || (dl.dropLast && remaining < dl.batchSize) {
		return nil, nil
	}

	end := dl.position + dl.batchSize
	if end > len(dl.indices) {
		end = len(dl.indices)
	}
	batchIndices := dl.indices[dl.position:end]
	dl.position = end

	samples := make([]Batch, 0, len(batchIndices))
	for _, idx := range batchIndices {
		sample, err := dl.dataset.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to load sample %d", idx)
		}
		samples = append(samples, sample)
	}
	return collate(samples)
}

// collate stacks per-sample tensors into batched tensors with a leading
// batch dimension. All samples must expose identical field sets and shapes.
func collate(samples []Batch) (Batch, error) {
	if len(samples) == 0 {
		return nil, errors.New("cannot collate an empty batch")
	}
	batch := make(Batch, len(samples[0]))
	for name, first := range samples[0] {
		shape := append([]int{len(samples)}, first.Shape...)
		data := make([]float32, 0, len(samples)*first.Numel())
		for i, sample := range samples {
			t, ok := sample[name]
			if !ok {
				return nil, errors.Errorf("sample %d is missing field %q", i, name)
			}
			if !sameShape(t.Shape, first.Shape) {
				return nil, errors.Errorf("sample %d field %q has shape %v, want %v", i, name, t.Shape, first.Shape)
			}
			data = append(data, t.Data...)
		}
		stacked, err := tensor.NewTensor(shape, first.Device, data)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stack field %q", name)
		}
		batch[name] = stacked
	}
	return batch, nil
}

func sameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
