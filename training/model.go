package training

import (
	"github.com/tsawler/go-harmonize/tensor"
)

// Model is the network collaborator. The loop never inspects architecture:
// it calls Forward with the four canonical inputs, reads the named output
// mapping, and hands Parameters to the optimizer. Forward must record the
// gradient graph whenever tensor.GradEnabled() is set so the loss tensor's
// Backward reaches the parameters.
type Model interface {
	Forward(images, imagesFullres, masks, masksFullres *tensor.Tensor) (map[string]*tensor.Tensor, error)
	Parameters() []*tensor.Tensor
	Train()
	Eval()
	IsTraining() bool
}
