package training

// BestTracker is the validation loop's record of the best-scoring checkpoint
// seen across the whole run. At most one best checkpoint file exists on disk
// at any time; the previous file is removed when a new best supersedes it.
type BestTracker struct {
	BestScore float64
	BestPath  string
}

// ShouldReplace decides whether a new quality score supersedes the current
// best. The quality score is higher-is-better (a PSNR-like metric); ties do
// not replace.
func ShouldReplace(old, new float64) bool {
	return new > old
}
