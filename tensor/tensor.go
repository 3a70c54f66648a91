package tensor

import (
	"fmt"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
)

// DeviceType identifies where tensor data lives. The loop driver only ever
// inspects data on the CPU; GPU is a tag carried for collaborators that
// shuttle batches to an accelerator.
type DeviceType int

const (
	CPU DeviceType = iota
	GPU
)

func (d DeviceType) String() string {
	switch d {
	case CPU:
		return "CPU"
	case GPU:
		return "GPU"
	default:
		return "Unknown"
	}
}

// Tensor is a dense float32 array with shape information and an optional
// gradient slot populated by Backward.
type Tensor struct {
	Shape  []int
	Data   []float32
	Device DeviceType

	requiresGrad bool
	grad         *Tensor
	creator      Operation
}

// NewTensor creates a tensor from existing data. The data length must match
// the product of the shape dimensions.
func NewTensor(shape []int, device DeviceType, data []float32) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	n := numElements(shape)
	if len(data) != n {
		return nil, errors.Errorf("data length %d does not match shape %v (%d elements)", len(data), shape, n)
	}
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   data,
		Device: device,
	}, nil
}

// Zeros creates a zero-filled tensor.
func Zeros(shape []int, device DeviceType) (*Tensor, error) {
	if err := validateShape(shape); err != nil {
		return nil, err
	}
	return &Tensor{
		Shape:  append([]int(nil), shape...),
		Data:   make([]float32, numElements(shape)),
		Device: device,
	}, nil
}

// FromScalar creates a single-element tensor.
func FromScalar(v float64, device DeviceType) *Tensor {
	return &Tensor{Shape: []int{1}, Data: []float32{float32(v)}, Device: device}
}

func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor(shape=%v, device=%s, elements=%d)", t.Shape, t.Device, t.Numel())
}

// Numel returns the number of elements.
func (t *Tensor) Numel() int {
	return numElements(t.Shape)
}

// RequiresGrad reports whether this tensor participates in gradient
// accumulation as a leaf parameter.
func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(requires bool) {
	t.requiresGrad = requires
}

// Grad returns the accumulated gradient, or nil if none has been computed
// since the last ZeroGrad.
func (t *Tensor) Grad() *Tensor {
	return t.grad
}

// ZeroGrad clears the accumulated gradient.
func (t *Tensor) ZeroGrad() {
	t.grad = nil
}

// Creator returns the operation that produced this tensor, or nil for leaves.
func (t *Tensor) Creator() Operation {
	return t.creator
}

// Clone returns a deep copy. The copy is a leaf: it carries no creator and
// no gradient.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.Data))
	copy(data, t.Data)
	return &Tensor{
		Shape:        append([]int(nil), t.Shape...),
		Data:         data,
		Device:       t.Device,
		requiresGrad: t.requiresGrad,
	}
}

// To returns a tensor tagged with the given device. Data is shared when the
// device already matches.
func (t *Tensor) To(device DeviceType) *Tensor {
	if t.Device == device {
		return t
	}
	out := t.Clone()
	out.Device = device
	out.creator = t.creator
	return out
}

// SetData overwrites the tensor contents in place.
func (t *Tensor) SetData(data []float32) error {
	if len(data) != len(t.Data) {
		return errors.Errorf("data length %d does not match tensor size %d", len(data), len(t.Data))
	}
	copy(t.Data, data)
	return nil
}

// Item returns the scalar value of a single-element tensor.
func (t *Tensor) Item() (float64, error) {
	if t.Numel() != 1 {
		return 0, errors.Errorf("Item requires a single-element tensor, got shape %v", t.Shape)
	}
	return float64(t.Data[0]), nil
}

// MeanValue returns the arithmetic mean of all elements.
func (t *Tensor) MeanValue() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range t.Data {
		sum += float64(v)
	}
	return sum / float64(len(t.Data))
}

// MinMax returns the smallest and largest element values.
func (t *Tensor) MinMax() (float64, float64) {
	f64 := make([]float64, len(t.Data))
	for i, v := range t.Data {
		f64[i] = float64(v)
	}
	return floats.Min(f64), floats.Max(f64)
}

// Index computes the flat offset for the given multi-dimensional index.
func (t *Tensor) Index(idx ...int) int {
	offset := 0
	stride := 1
	for i := len(t.Shape) - 1; i >= 0; i-- {
		offset += idx[i] * stride
		stride *= t.Shape[i]
	}
	return offset
}

// At returns the element at the given multi-dimensional index.
func (t *Tensor) At(idx ...int) float32 {
	return t.Data[t.Index(idx...)]
}

// Narrow returns a copy of sample i from a batched tensor whose leading
// dimension is the batch axis.
func (t *Tensor) Narrow(i int) (*Tensor, error) {
	if len(t.Shape) < 2 {
		return nil, errors.Errorf("Narrow requires a batched tensor, got shape %v", t.Shape)
	}
	if i < 0 || i >= t.Shape[0] {
		return nil, errors.Errorf("sample index %d out of range for batch of %d", i, t.Shape[0])
	}
	sampleShape := append([]int(nil), t.Shape[1:]...)
	n := numElements(sampleShape)
	data := make([]float32, n)
	copy(data, t.Data[i*n:(i+1)*n])
	return NewTensor(sampleShape, t.Device, data)
}

func validateShape(shape []int) error {
	if len(shape) == 0 {
		return errors.New("invalid shape: no dimensions")
	}
	for i, dim := range shape {
		if dim <= 0 {
			return errors.Errorf("invalid shape: dimension %d has size %d, must be positive", i, dim)
		}
	}
	return nil
}

func numElements(shape []int) int {
	if len(shape) == 0 {
		return 0
	}
	n := 1
	for _, dim := range shape {
		n *= dim
	}
	return n
}
