package training

import (
	"github.com/tsawler/go-harmonize/tensor"
)

// ExecContext identifies this process within a (possibly multi-device) run.
// It is passed explicitly to every component that performs side effects so
// that rank-conditional behavior is visible at call sites instead of living
// in shared fields.
type ExecContext struct {
	Rank      int
	WorldSize int
	Device    tensor.DeviceType
}

// IsPrimary reports whether this process owns logging, checkpointing and
// visualization. Only the primary process writes shared files.
func (c ExecContext) IsPrimary() bool {
	return c.Rank == 0
}

// MultiDevice reports whether the run spans more than one process.
func (c ExecContext) MultiDevice() bool {
	return c.WorldSize > 1
}

// LocalContext returns the single-process context for the given device.
func LocalContext(device tensor.DeviceType) ExecContext {
	return ExecContext{Rank: 0, WorldSize: 1, Device: device}
}
