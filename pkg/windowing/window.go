// Package windowing maps raw Hounsfield-Unit samples to 8-bit grayscale with a
// linear level/width window, and renders volume slices as images.
package windowing

import (
	"errors"
	"fmt"
	"image"
	"math"

	"readstudy/pkg/volume"
)

// ErrInvalidWindow is matched by every InvalidWindowError.
var ErrInvalidWindow = errors.New("invalid window")

// InvalidWindowError reports a window whose width is not a positive finite number.
type InvalidWindowError struct {
	Level float64
	Width float64
}

func (e *InvalidWindowError) Error() string {
	return fmt.Sprintf("invalid window level=%g width=%g: width must be positive and finite", e.Level, e.Width)
}

func (e *InvalidWindowError) Is(target error) bool {
	return target == ErrInvalidWindow
}

// Window is a linear display mapping centred on Level and spanning Width HU.
type Window struct {
	Level float64 `json:"level" yaml:"level"`
	Width float64 `json:"width" yaml:"width"`
}

// Validate returns an InvalidWindowError unless Width > 0 and both values are finite.
func (w Window) Validate() error {
	if !(w.Width > 0) || math.IsInf(w.Width, 0) || math.IsNaN(w.Level) || math.IsInf(w.Level, 0) {
		return &InvalidWindowError{Level: w.Level, Width: w.Width}
	}
	return nil
}

// Bounds returns the HU values mapped to 0 and 255.
func (w Window) Bounds() (low, high float64) {
	return w.Level - w.Width/2, w.Level + w.Width/2
}

func (w Window) String() string {
	return fmt.Sprintf("L%g/W%g", w.Level, w.Width)
}

// ApplyValue maps one sample through a window that has already been validated.
// NaN samples map to 0.
func (w Window) ApplyValue(v float64) uint8 {
	low, high := w.Bounds()
	n := (v - low) / (high - low)
	switch {
	case !(n > 0):
		return 0
	case n >= 1:
		return 255
	}
	return uint8(math.Round(n * 255))
}

// ApplyValues windows a flat run of samples.
func ApplyValues(samples []float32, w Window) ([]uint8, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	out := make([]uint8, len(samples))
	for i, v := range samples {
		out[i] = w.ApplyValue(float64(v))
	}
	return out, nil
}

// Apply windows a slice into a grayscale image of the same Y×X size. The
// result depends only on the slice samples and the window.
func Apply(s *volume.Slice, w Window) (*image.Gray, error) {
	pix, err := ApplyValues(s.Data, w)
	if err != nil {
		return nil, err
	}
	return &image.Gray{
		Pix:    pix,
		Stride: s.Width,
		Rect:   image.Rect(0, 0, s.Width, s.Height),
	}, nil
}
