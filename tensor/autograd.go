package tensor

import (
	"github.com/pkg/errors"
)

// Operation is implemented by every differentiable op. Backward receives the
// gradient of the loss with respect to the op's output and returns gradients
// aligned with Inputs(). Collaborator packages may implement their own ops
// (a model's fused forward, for example) and splice them into the graph with
// Attach.
type Operation interface {
	Inputs() []*Tensor
	Backward(gradOut *Tensor) ([]*Tensor, error)
}

// gradEnabled mirrors the global gradient-mode switch of the underlying
// framework: when false, ops produce plain tensors with no creator.
var gradEnabled = true

// SetGradEnabled toggles gradient tracking and returns the previous setting.
func SetGradEnabled(enabled bool) bool {
	prev := gradEnabled
	gradEnabled = enabled
	return prev
}

// GradEnabled reports whether ops currently record the computation graph.
func GradEnabled() bool {
	return gradEnabled
}

// NoGrad runs fn with gradient tracking disabled.
func NoGrad(fn func() error) error {
	prev := SetGradEnabled(false)
	defer SetGradEnabled(prev)
	return fn()
}

// Attach records op as the creator of out when gradient tracking is on and
// at least one input participates in the graph. Returns out for chaining.
func Attach(out *Tensor, op Operation) *Tensor {
	if !gradEnabled {
		return out
	}
	needs := false
	for _, in := range op.Inputs() {
		if in.requiresGrad || in.creator != nil {
			needs = true
			break
		}
	}
	if needs {
		out.creator = op
	}
	return out
}

// Backward computes gradients of a scalar tensor with respect to every leaf
// tensor in its graph that has RequiresGrad set. Gradients accumulate into
// the leaves' Grad slots.
func (t *Tensor) Backward() error {
	if t.Numel() != 1 {
		return errors.Errorf("Backward requires a scalar loss, got shape %v", t.Shape)
	}
	if t.creator == nil && !t.requiresGrad {
		return errors.New("Backward called on a tensor with no gradient graph")
	}

	order, err := topoSort(t)
	if err != nil {
		return err
	}

	grads := map[*Tensor]*Tensor{
		t: {Shape: []int{1}, Data: []float32{1}, Device: t.Device},
	}

	// Reverse topological order: every node's output grad is complete
	// before its Backward runs.
	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		gradOut := grads[node]
		if gradOut == nil {
			continue
		}
		if node.requiresGrad {
			if node.grad == nil {
				g, err := Zeros(node.Shape, node.Device)
				if err != nil {
					return err
				}
				node.grad = g
			}
			if err := accumulate(node.grad, gradOut); err != nil {
				return errors.Wrap(err, "gradient accumulation failed")
			}
		}
		if node.creator == nil {
			continue
		}
		inGrads, err := node.creator.Backward(gradOut)
		if err != nil {
			return errors.Wrap(err, "backward op failed")
		}
		inputs := node.creator.Inputs()
		if len(inGrads) != len(inputs) {
			return errors.Errorf("backward returned %d gradients for %d inputs", len(inGrads), len(inputs))
		}
		for j, in := range inputs {
			if inGrads[j] == nil {
				continue
			}
			if existing := grads[in]; existing != nil {
				if err := accumulate(existing, inGrads[j]); err != nil {
					return err
				}
			} else {
				grads[in] = inGrads[j].Clone()
			}
		}
	}
	return nil
}

func topoSort(root *Tensor) ([]*Tensor, error) {
	var order []*Tensor
	visited := map[*Tensor]bool{}
	var visit func(t *Tensor)
	visit = func(t *Tensor) {
		if visited[t] {
			return
		}
		visited[t] = true
		if t.creator != nil {
			for _, in := range t.creator.Inputs() {
				visit(in)
			}
		}
		order = append(order, t)
	}
	visit(root)
	return order, nil
}

func accumulate(dst, src *Tensor) error {
	if len(dst.Data) != len(src.Data) {
		return errors.Errorf("gradient shape mismatch: %v vs %v", dst.Shape, src.Shape)
	}
	for i, v := range src.Data {
		dst.Data[i] += v
	}
	return nil
}
