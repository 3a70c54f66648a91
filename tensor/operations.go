package tensor

import (
	"github.com/pkg/errors"
)

// Elementwise ops with numpy-style broadcasting, limited to what the loss
// terms and the harmonizer forward pass actually exercise: equal shapes,
// size-1 dimensions, and trailing-rank alignment (a [N,1,H,W] mask against a
// [N,C,H,W] image, a scalar against anything).

// Add returns a + b with broadcasting.
func Add(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, func(x, y float32) float32 { return x + y }, func(a, b *Tensor) Operation {
		return &addOp{a: a, b: b}
	})
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, func(x, y float32) float32 { return x - y }, func(a, b *Tensor) Operation {
		return &subOp{a: a, b: b}
	})
}

// Mul returns the elementwise product a * b with broadcasting.
func Mul(a, b *Tensor) (*Tensor, error) {
	return binaryOp(a, b, func(x, y float32) float32 { return x * y }, func(a, b *Tensor) Operation {
		return &mulOp{a: a, b: b}
	})
}

// MulScalar returns a scaled by s.
func MulScalar(a *Tensor, s float64) (*Tensor, error) {
	out, err := Zeros(a.Shape, a.Device)
	if err != nil {
		return nil, err
	}
	sf := float32(s)
	for i, v := range a.Data {
		out.Data[i] = v * sf
	}
	return Attach(out, &mulScalarOp{a: a, s: sf}), nil
}

// Mean reduces a tensor to its scalar arithmetic mean.
func Mean(a *Tensor) (*Tensor, error) {
	if a.Numel() == 0 {
		return nil, errors.New("Mean of empty tensor")
	}
	sum := 0.0
	for _, v := range a.Data {
		sum += float64(v)
	}
	out := FromScalar(sum/float64(a.Numel()), a.Device)
	return Attach(out, &meanOp{a: a}), nil
}

func binaryOp(a, b *Tensor, f func(x, y float32) float32, mk func(a, b *Tensor) Operation) (*Tensor, error) {
	shape, err := broadcastShape(a.Shape, b.Shape)
	if err != nil {
		return nil, err
	}
	out, err := Zeros(shape, a.Device)
	if err != nil {
		return nil, err
	}
	ai := newBroadcastIndexer(a.Shape, shape)
	bi := newBroadcastIndexer(b.Shape, shape)
	for i := range out.Data {
		out.Data[i] = f(a.Data[ai.offset(i)], b.Data[bi.offset(i)])
	}
	return Attach(out, mk(a, b)), nil
}

// broadcastShape right-aligns the two shapes and resolves each dimension
// pair, requiring equality or a 1.
func broadcastShape(a, b []int) ([]int, error) {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		da, db := 1, 1
		if i < len(a) {
			da = a[len(a)-1-i]
		}
		if i < len(b) {
			db = b[len(b)-1-i]
		}
		switch {
		case da == db:
			out[n-1-i] = da
		case da == 1:
			out[n-1-i] = db
		case db == 1:
			out[n-1-i] = da
		default:
			return nil, errors.Errorf("shapes %v and %v are not broadcastable", a, b)
		}
	}
	return out, nil
}

// broadcastIndexer maps a flat index in the broadcast output shape to a flat
// index in a (possibly smaller) input shape.
type broadcastIndexer struct {
	outStrides []int
	inStrides  []int // 0 where the input dimension is broadcast
	identity   bool
}

func newBroadcastIndexer(in, out []int) *broadcastIndexer {
	idx := &broadcastIndexer{
		outStrides: contiguousStrides(out),
		inStrides:  make([]int, len(out)),
	}
	inStrides := contiguousStrides(in)
	identity := len(in) == len(out)
	for i := 0; i < len(out); i++ {
		j := len(in) - len(out) + i
		if j < 0 || in[j] == 1 && out[i] != 1 {
			idx.inStrides[i] = 0
			if out[i] != 1 {
				identity = false
			}
			continue
		}
		idx.inStrides[i] = inStrides[j]
		if in[j] != out[i] {
			identity = false
		}
	}
	idx.identity = identity
	return idx
}

func (b *broadcastIndexer) offset(flat int) int {
	if b.identity {
		return flat
	}
	off := 0
	for i, stride := range b.outStrides {
		coord := flat / stride
		flat -= coord * stride
		off += coord * b.inStrides[i]
	}
	return off
}

func contiguousStrides(shape []int) []int {
	strides := make([]int, len(shape))
	stride := 1
	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= shape[i]
	}
	return strides
}

// reduceToShape sums grad over broadcast dimensions so it matches the input
// shape it belongs to.
func reduceToShape(grad *Tensor, shape []int) (*Tensor, error) {
	if shapesEqual(grad.Shape, shape) {
		return grad.Clone(), nil
	}
	out, err := Zeros(shape, grad.Device)
	if err != nil {
		return nil, err
	}
	idx := newBroadcastIndexer(shape, grad.Shape)
	for i, v := range grad.Data {
		out.Data[idx.offset(i)] += v
	}
	return out, nil
}

func shapesEqual(a, b []int) bool {
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

type addOp struct{ a, b *Tensor }

func (op *addOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *addOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	ga, err := reduceToShape(gradOut, op.a.Shape)
	if err != nil {
		return nil, err
	}
	gb, err := reduceToShape(gradOut, op.b.Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

type subOp struct{ a, b *Tensor }

func (op *subOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *subOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	prev := SetGradEnabled(false)
	defer SetGradEnabled(prev)

	ga, err := reduceToShape(gradOut, op.a.Shape)
	if err != nil {
		return nil, err
	}
	neg, err := MulScalar(gradOut, -1)
	if err != nil {
		return nil, err
	}
	gb, err := reduceToShape(neg, op.b.Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

type mulOp struct{ a, b *Tensor }

func (op *mulOp) Inputs() []*Tensor { return []*Tensor{op.a, op.b} }

func (op *mulOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	prev := SetGradEnabled(false)
	defer SetGradEnabled(prev)

	da, err := Mul(gradOut, op.b)
	if err != nil {
		return nil, err
	}
	ga, err := reduceToShape(da, op.a.Shape)
	if err != nil {
		return nil, err
	}
	db, err := Mul(gradOut, op.a)
	if err != nil {
		return nil, err
	}
	gb, err := reduceToShape(db, op.b.Shape)
	if err != nil {
		return nil, err
	}
	return []*Tensor{ga, gb}, nil
}

type mulScalarOp struct {
	a *Tensor
	s float32
}

func (op *mulScalarOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *mulScalarOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := Zeros(op.a.Shape, op.a.Device)
	if err != nil {
		return nil, err
	}
	idx := newBroadcastIndexer(op.a.Shape, gradOut.Shape)
	for i, v := range gradOut.Data {
		g.Data[idx.offset(i)] += v * op.s
	}
	return []*Tensor{g}, nil
}

type meanOp struct{ a *Tensor }

func (op *meanOp) Inputs() []*Tensor { return []*Tensor{op.a} }

func (op *meanOp) Backward(gradOut *Tensor) ([]*Tensor, error) {
	g, err := Zeros(op.a.Shape, op.a.Device)
	if err != nil {
		return nil, err
	}
	scale := gradOut.Data[0] / float32(op.a.Numel())
	for i := range g.Data {
		g.Data[i] = scale
	}
	return []*Tensor{g}, nil
}
