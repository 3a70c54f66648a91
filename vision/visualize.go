package vision

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/tensor"
)

const defaultJPEGQuality = 85

// Dumper writes visualization panels under {root}/{phase}/{taskPrefix?}.
// Files are named {step:06d}_{suffix}.jpg.
type Dumper struct {
	Root       string
	TaskPrefix string
	Denorm     *Denormalizer
	Quality    int
}

// NewDumper creates a dumper rooted at the visualization directory.
func NewDumper(root, taskPrefix string, denorm *Denormalizer) *Dumper {
	return &Dumper{
		Root:       root,
		TaskPrefix: taskPrefix,
		Denorm:     denorm,
		Quality:    defaultJPEGQuality,
	}
}

// Dump renders the reconstruction strip for the first sample of the batch,
// the full-resolution variant when present, and the per-channel parameter
// map. Missing required fields are fatal, matching the loop's fail-fast
// policy.
func (d *Dumper) Dump(batch, outputs map[string]*tensor.Tensor, globalStep int, phase string) error {
	dir := filepath.Join(d.Root, phase)
	if d.TaskPrefix != "" {
		dir = filepath.Join(dir, d.TaskPrefix)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create visualization directory %s", dir)
	}

	if err := d.dumpStrip(batch, outputs, dir, globalStep,
		"images", "target_images", "masks", "images", "reconstruction"); err != nil {
		return err
	}

	if _, ok := batch["target_images_fullres"]; ok {
		if err := d.dumpStrip(batch, outputs, dir, globalStep,
			"images_fullres", "target_images_fullres", "masks_fullres", "images_fullres", "reconstruction_fr"); err != nil {
			return err
		}
	}

	if params, ok := outputs["params"]; ok {
		if err := d.dumpParamMap(params, dir, globalStep); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dumper) dumpStrip(batch, outputs map[string]*tensor.Tensor, dir string, globalStep int,
	inputKey, targetKey, maskKey, predKey, suffix string) error {

	input, err := firstSample(batch, inputKey)
	if err != nil {
		return err
	}
	target, err := firstSample(batch, targetKey)
	if err != nil {
		return err
	}
	mask, err := firstSample(batch, maskKey)
	if err != nil {
		return err
	}
	pred, err := firstSample(outputs, predKey)
	if err != nil {
		return err
	}

	input, err = d.Denorm.Apply(input)
	if err != nil {
		return err
	}
	target, err = d.Denorm.Apply(target)
	if err != nil {
		return err
	}
	pred, err = d.Denorm.Apply(pred)
	if err != nil {
		return err
	}
	mask3, err := replicateMask(mask)
	if err != nil {
		return err
	}

	strip, err := hstack(input, mask3, target, pred)
	if err != nil {
		return err
	}
	return d.save(dir, globalStep, suffix, strip)
}

// dumpParamMap min-max normalizes each channel of the first sample's
// parameter map independently and concatenates the channels horizontally.
func (d *Dumper) dumpParamMap(params *tensor.Tensor, dir string, globalStep int) error {
	sample, err := params.Narrow(0)
	if err != nil {
		return errors.Wrap(err, "failed to slice parameter map")
	}
	if len(sample.Shape) != 3 {
		return errors.Errorf("expected [C,H,W] parameter map, got shape %v", sample.Shape)
	}
	channels, height, width := sample.Shape[0], sample.Shape[1], sample.Shape[2]
	img := image.NewGray(image.Rect(0, 0, channels*width, height))
	plane := height * width
	for c := 0; c < channels; c++ {
		ch, err := tensor.NewTensor([]int{height, width}, tensor.CPU, sample.Data[c*plane:(c+1)*plane])
		if err != nil {
			return err
		}
		lo, hi := ch.MinMax()
		span := hi - lo
		if span == 0 {
			span = 1
		}
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				v := (float64(ch.Data[y*width+x]) - lo) / span
				img.SetGray(c*width+x, y, color.Gray{Y: clipByte(v * 255)})
			}
		}
	}
	return d.writeJPEG(filepath.Join(dir, fmt.Sprintf("%06d_params.jpg", globalStep)), img)
}

func (d *Dumper) save(dir string, globalStep int, suffix string, img image.Image) error {
	return d.writeJPEG(filepath.Join(dir, fmt.Sprintf("%06d_%s.jpg", globalStep, suffix)), img)
}

func (d *Dumper) writeJPEG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create image file %s", path)
	}
	defer file.Close()

	quality := d.Quality
	if quality <= 0 {
		quality = defaultJPEGQuality
	}
	if err := jpeg.Encode(file, img, &jpeg.Options{Quality: quality}); err != nil {
		return errors.Wrapf(err, "failed to encode %s", path)
	}
	return nil
}

func firstSample(fields map[string]*tensor.Tensor, key string) (*tensor.Tensor, error) {
	t, ok := fields[key]
	if !ok {
		return nil, errors.Errorf("missing visualization field %q", key)
	}
	sample, err := t.Narrow(0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to slice field %q", key)
	}
	return sample, nil
}

// replicateMask expands a [1,H,W] mask to three identical channels.
func replicateMask(mask *tensor.Tensor) (*tensor.Tensor, error) {
	if len(mask.Shape) != 3 || mask.Shape[0] != 1 {
		return nil, errors.Errorf("expected [1,H,W] mask, got shape %v", mask.Shape)
	}
	h, w := mask.Shape[1], mask.Shape[2]
	data := make([]float32, 3*h*w)
	for c := 0; c < 3; c++ {
		copy(data[c*h*w:(c+1)*h*w], mask.Data)
	}
	return tensor.NewTensor([]int{3, h, w}, tensor.CPU, data)
}

// hstack assembles [3,H,W] panels in [0,1] into one horizontal RGBA strip,
// clipping to the valid intensity range.
func hstack(panels ...*tensor.Tensor) (*image.RGBA, error) {
	if len(panels) == 0 {
		return nil, errors.New("no panels to assemble")
	}
	height, width := panels[0].Shape[1], panels[0].Shape[2]
	for _, p := range panels {
		if len(p.Shape) != 3 || p.Shape[0] != 3 || p.Shape[1] != height || p.Shape[2] != width {
			return nil, errors.Errorf("panel shape %v does not match [3,%d,%d]", p.Shape, height, width)
		}
	}
	img := image.NewRGBA(image.Rect(0, 0, len(panels)*width, height))
	plane := height * width
	for i, p := range panels {
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				off := y*width + x
				img.SetRGBA(i*width+x, y, color.RGBA{
					R: clipByte(float64(p.Data[off]) * 255),
					G: clipByte(float64(p.Data[plane+off]) * 255),
					B: clipByte(float64(p.Data[2*plane+off]) * 255),
					A: 255,
				})
			}
		}
	}
	return img, nil
}

func clipByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v)
}
