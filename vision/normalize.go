// Package vision renders qualitative inspection panels for the training
// loop: denormalized side-by-side strips of input, mask, target and
// prediction, plus per-channel parameter-map dumps.
package vision

import (
	"math"

	"github.com/pkg/errors"

	"github.com/tsawler/go-harmonize/tensor"
)

// ColorSpace names the space batch images are normalized in.
type ColorSpace string

const (
	RGB ColorSpace = "RGB"
	HSV ColorSpace = "HSV"
)

// Denormalizer inverts the dataset normalization so images become
// displayable again. In HSV mode the hue channel's scale is additionally
// multiplied by 2*pi: the normalization statistics apply in HSV, so the hue
// must be mapped back to radians before conversion to RGB.
type Denormalizer struct {
	Mean  []float64
	Std   []float64
	Space ColorSpace
}

// NewDenormalizer builds a denormalizer for 3-channel images.
func NewDenormalizer(mean, std []float64, space ColorSpace) (*Denormalizer, error) {
	if len(mean) != 3 || len(std) != 3 {
		return nil, errors.Errorf("normalization statistics must have 3 channels, got mean %d, std %d", len(mean), len(std))
	}
	for i, s := range std {
		if s == 0 {
			return nil, errors.Errorf("normalization std for channel %d is zero", i)
		}
	}
	return &Denormalizer{Mean: mean, Std: std, Space: space}, nil
}

// Apply denormalizes a [3,H,W] image and, in HSV mode, converts the result
// to RGB. The returned tensor holds displayable values in [0,1] (unclipped).
func (d *Denormalizer) Apply(img *tensor.Tensor) (*tensor.Tensor, error) {
	if len(img.Shape) != 3 || img.Shape[0] != 3 {
		return nil, errors.Errorf("expected [3,H,W] image, got shape %v", img.Shape)
	}
	out := img.Clone()
	plane := img.Shape[1] * img.Shape[2]
	for c := 0; c < 3; c++ {
		scale := d.Std[c]
		if d.Space == HSV && c == 0 {
			scale *= 2 * math.Pi
		}
		shift := d.Mean[c]
		if d.Space == HSV && c == 0 {
			shift *= 2 * math.Pi
		}
		for i := c * plane; i < (c+1)*plane; i++ {
			out.Data[i] = float32(float64(out.Data[i])*scale + shift)
		}
	}
	if d.Space == HSV {
		return hsvToRGB(out)
	}
	return out, nil
}

// hsvToRGB converts a [3,H,W] tensor with hue in radians and saturation and
// value in [0,1] to RGB in [0,1].
func hsvToRGB(img *tensor.Tensor) (*tensor.Tensor, error) {
	out := img.Clone()
	plane := img.Shape[1] * img.Shape[2]
	for i := 0; i < plane; i++ {
		h := float64(img.Data[i])
		s := float64(img.Data[plane+i])
		v := float64(img.Data[2*plane+i])

		h = math.Mod(h, 2*math.Pi)
		if h < 0 {
			h += 2 * math.Pi
		}
		h6 := h / (math.Pi / 3)
		sector := int(h6) % 6
		f := h6 - math.Floor(h6)
		p := v * (1 - s)
		q := v * (1 - f*s)
		t := v * (1 - (1-f)*s)

		var r, g, b float64
		switch sector {
		case 0:
			r, g, b = v, t, p
		case 1:
			r, g, b = q, v, p
		case 2:
			r, g, b = p, v, t
		case 3:
			r, g, b = p, q, v
		case 4:
			r, g, b = t, p, v
		default:
			r, g, b = v, p, q
		}
		out.Data[i] = float32(r)
		out.Data[plane+i] = float32(g)
		out.Data[2*plane+i] = float32(b)
	}
	return out, nil
}
