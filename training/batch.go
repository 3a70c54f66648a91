package training

import (
	"strings"

	"github.com/tsawler/go-harmonize/tensor"
)

// Batch maps field names to tensors. Datasets produce the canonical input
// fields (images, images_fullres, masks, masks_fullres, target_images, ...);
// during a step the model's auxiliary outputs are merged in so loss and
// metric lookups can reference either by name.
type Batch map[string]*tensor.Tensor

// ToDevice returns a batch with every tensor moved to the given device.
func (b Batch) ToDevice(device tensor.DeviceType) Batch {
	out := make(Batch, len(b))
	for name, t := range b {
		out[name] = t.To(device)
	}
	return out
}

// MergeOutputs copies every model output whose name does not contain
// "image" into the batch. Image outputs stay in the output mapping only;
// auxiliary fields (parameter maps, embeddings, coordinates) become
// addressable as ground-truth-side inputs for losses and metrics.
func (b Batch) MergeOutputs(outputs map[string]*tensor.Tensor) {
	for name, t := range outputs {
		if strings.Contains(name, "image") {
			continue
		}
		b[name] = t
	}
}

// Clone returns a shallow copy of the field mapping. Tensors are shared.
func (b Batch) Clone() Batch {
	out := make(Batch, len(b))
	for name, t := range b {
		out[name] = t
	}
	return out
}
