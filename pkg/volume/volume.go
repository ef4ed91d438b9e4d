// Package volume loads per-patient CT volumes and extracts axial slices from them.
//
// A volume is a dense (Z, Y, X) array of Hounsfield-Unit samples held in a flat
// row-major slice. Slices are cut along Z, the primary axis.
package volume

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Volume is a 3D array of HU samples in (Z, Y, X) row-major order.
type Volume struct {
	// Data holds Depth*Height*Width samples, index z*Height*Width + y*Width + x
	Data []float32

	// Depth is the number of slices (Z)
	Depth int

	// Height is the number of rows per slice (Y)
	Height int

	// Width is the number of columns per slice (X)
	Width int

	// DType is the sample type of the backing file, e.g. "float32"
	DType string
}

// Validate checks the shape invariants of the volume.
func (v *Volume) Validate() error {
	if v.Depth < 1 || v.Height < 1 || v.Width < 1 {
		return fmt.Errorf("invalid shape (%d, %d, %d)", v.Depth, v.Height, v.Width)
	}
	count, ok := shapeCount(v.Depth, v.Height, v.Width)
	if !ok {
		return fmt.Errorf("shape (%d, %d, %d) exceeds %d samples", v.Depth, v.Height, v.Width, MaxSamples)
	}
	if len(v.Data) != count {
		return fmt.Errorf("data length %d does not match shape (%d, %d, %d)",
			len(v.Data), v.Depth, v.Height, v.Width)
	}
	return nil
}

// Slice is a single Y×X plane of raw HU samples.
type Slice struct {
	// Data holds Height*Width samples, index y*Width + x
	Data []float32

	Height int
	Width  int

	// Index is the slice position the data was taken from, after clamping
	Index int
}

// At returns the sample at column x, row y.
func (s *Slice) At(x, y int) float32 {
	return s.Data[y*s.Width+x]
}

// Info summarises a loaded volume.
type Info struct {
	PatientID string  `json:"patient_id"`
	NumSlices int     `json:"num_slices"`
	Height    int     `json:"height"`
	Width     int     `json:"width"`
	DType     string  `json:"dtype"`
	Min       float64 `json:"min_hu"`
	Max       float64 `json:"max_hu"`
	Mean      float64 `json:"mean_hu"`
}

// Handle is the in-memory view of one patient's volume. A Handle is never
// mutated after construction; callers replace it wholesale on patient switch.
type Handle struct {
	patientID string
	vol       *Volume
	info      Info
}

// NewHandle wraps an already decoded volume.
func NewHandle(patientID string, vol *Volume) (*Handle, error) {
	if vol == nil {
		return nil, fmt.Errorf("nil volume")
	}
	if err := vol.Validate(); err != nil {
		return nil, err
	}

	minV, maxV, mean := computeStats(vol)
	return &Handle{
		patientID: patientID,
		vol:       vol,
		info: Info{
			PatientID: patientID,
			NumSlices: vol.Depth,
			Height:    vol.Height,
			Width:     vol.Width,
			DType:     vol.DType,
			Min:       minV,
			Max:       maxV,
			Mean:      mean,
		},
	}, nil
}

// PatientID returns the identifier the volume was loaded for.
func (h *Handle) PatientID() string {
	return h.patientID
}

// Shape returns (Z, Y, X).
func (h *Handle) Shape() (int, int, int) {
	return h.vol.Depth, h.vol.Height, h.vol.Width
}

// DType returns the sample type of the backing file.
func (h *Handle) DType() string {
	return h.vol.DType
}

// Info returns slice count, plane size and the value range of the whole volume.
func (h *Handle) Info() Info {
	return h.info
}

// ClampIndex maps any index into [0, Z).
func (h *Handle) ClampIndex(index int) int {
	if index < 0 {
		return 0
	}
	if index >= h.vol.Depth {
		return h.vol.Depth - 1
	}
	return index
}

// Slice returns a copy of the plane at index, clamped into [0, Z).
func (h *Handle) Slice(index int) *Slice {
	index = h.ClampIndex(index)
	plane := h.vol.Height * h.vol.Width
	data := make([]float32, plane)
	copy(data, h.vol.Data[index*plane:(index+1)*plane])

	return &Slice{
		Data:   data,
		Height: h.vol.Height,
		Width:  h.vol.Width,
		Index:  index,
	}
}

// computeStats walks the volume one plane at a time so only a single plane
// is ever widened to float64. NaN and ±Inf samples are left out; a volume
// with no finite sample reports zeros.
func computeStats(vol *Volume) (minV, maxV, mean float64) {
	plane := vol.Height * vol.Width
	buf := make([]float64, 0, plane)
	minV, maxV = math.Inf(1), math.Inf(-1)
	var sum float64
	var n int

	for z := 0; z < vol.Depth; z++ {
		buf = buf[:0]
		for _, v := range vol.Data[z*plane : (z+1)*plane] {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				continue
			}
			buf = append(buf, f)
		}
		if len(buf) == 0 {
			continue
		}
		minV = math.Min(minV, floats.Min(buf))
		maxV = math.Max(maxV, floats.Max(buf))
		sum += floats.Sum(buf)
		n += len(buf)
	}

	if n == 0 {
		return 0, 0, 0
	}
	return minV, maxV, sum / float64(n)
}
