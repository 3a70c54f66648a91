// Package data provides dataset collaborators for the training loop.
// SyntheticComposites fabricates harmonization pairs: a ground-truth image,
// a rectangular paste region, and a composite whose masked region received a
// color shift the network must learn to undo.
package data

import (
	"math/rand"

	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/tensor"
	"github.com/tsawler/go-harmonize/training"
)

// SyntheticComposites is a deterministic in-memory dataset. Every index
// produces the same sample for a fixed seed, so epochs are reproducible and
// checkpoint round-trip tests can replay identical batches.
type SyntheticComposites struct {
	count       int
	size        int
	fullresSize int
	seed        int64
}

// NewSyntheticComposites creates a dataset of count samples with low-res
// images of size x size and full-res images of fullresSize x fullresSize.
func NewSyntheticComposites(count, size, fullresSize int, seed int64) (*SyntheticComposites, error) {
	if count <= 0 || size <= 0 || fullresSize <= 0 {
		return nil, errors.Errorf("invalid dataset dimensions: count %d, size %d, fullres %d", count, size, fullresSize)
	}
	return &SyntheticComposites{count: count, size: size, fullresSize: fullresSize, seed: seed}, nil
}

func (d *SyntheticComposites) Len() int {
	return d.count
}

// Get fabricates sample idx: target image noise in [0,1], a centered
// rectangular mask, and a composite with a per-channel shift applied inside
// the mask.
func (d *SyntheticComposites) Get(idx int) (training.Batch, error) {
	rng := rand.New(rand.NewSource(d.seed + int64(idx)))

	shift := []float32{
		0.1 + 0.2*rng.Float32(),
		-0.1 - 0.1*rng.Float32(),
		0.05 * rng.Float32(),
	}

	images, target, mask, err := d.composite(rng, d.size, shift)
	if err != nil {
		return nil, err
	}
	imagesFR, targetFR, maskFR, err := d.composite(rng, d.fullresSize, shift)
	if err != nil {
		return nil, err
	}

	return training.Batch{
		"images":                images,
		"target_images":         target,
		"masks":                 mask,
		"images_fullres":        imagesFR,
		"target_images_fullres": targetFR,
		"masks_fullres":         maskFR,
	}, nil
}

func (d *SyntheticComposites) composite(rng *rand.Rand, size int, shift []float32) (*tensor.Tensor, *tensor.Tensor, *tensor.Tensor, error) {
	plane := size * size
	targetData := make([]float32, 3*plane)
	for i := range targetData {
		targetData[i] = rng.Float32()
	}
	maskData := make([]float32, plane)
	lo, hi := size/4, 3*size/4
	for y := lo; y < hi; y++ {
		for x := lo; x < hi; x++ {
			maskData[y*size+x] = 1
		}
	}
	imageData := make([]float32, 3*plane)
	for c := 0; c < 3; c++ {
		for i := 0; i < plane; i++ {
			v := targetData[c*plane+i]
			if maskData[i] > 0 {
				v += shift[c]
			}
			imageData[c*plane+i] = v
		}
	}

	target, err := tensor.NewTensor([]int{3, size, size}, tensor.CPU, targetData)
	if err != nil {
		return nil, nil, nil, err
	}
	images, err := tensor.NewTensor([]int{3, size, size}, tensor.CPU, imageData)
	if err != nil {
		return nil, nil, nil, err
	}
	mask, err := tensor.NewTensor([]int{1, size, size}, tensor.CPU, maskData)
	if err != nil {
		return nil, nil, nil, err
	}
	return images, target, mask, nil
}
