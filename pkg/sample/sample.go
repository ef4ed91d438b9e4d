// Package sample generates synthetic abdominal CT volumes for trying the
// reader without real patient data.
package sample

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"golang.org/x/exp/rand"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/stat/distuv"

	"readstudy/pkg/volume"
)

// HU values of the simulated tissues
const (
	airHU       = -1000
	noiseSigma  = 10
	tissueLowHU = 20
	tissueHiHU  = 60
	boneLowHU   = 400
	boneHiHU    = 800
	organLowHU  = 50
	organHiHU   = 70
)

// Options controls sample generation.
type Options struct {
	Dir         string
	NumPatients int
	MinSlices   int
	MaxSlices   int
	Height      int
	Width       int
	Seed        uint64

	// Compress writes .npy.zst instead of .npy
	Compress bool

	// Concurrency bounds how many volumes are built at once; 0 means one per CPU
	Concurrency int
}

// Generated describes one written sample file.
type Generated struct {
	PatientID string
	Path      string
	Depth     int
	Height    int
	Width     int
	Size      int64
}

// PatientID returns the identifier of the i-th (1-based) sample patient.
func PatientID(i int) string {
	return fmt.Sprintf("patient_%03d", i)
}

// Volume builds one synthetic abdomen: air background, an elliptical body of
// soft tissue, a vertebra, a liver-like organ through the middle of the
// stack, and Gaussian noise. The same seed always yields the same volume.
func Volume(depth, height, width int, seed uint64) *volume.Volume {
	src := rand.NewSource(seed)
	tissue := distuv.Uniform{Min: tissueLowHU, Max: tissueHiHU, Src: src}
	bone := distuv.Uniform{Min: boneLowHU, Max: boneHiHU, Src: src}
	organ := distuv.Uniform{Min: organLowHU, Max: organHiHU, Src: src}
	noise := distuv.Normal{Mu: 0, Sigma: noiseSigma, Src: src}

	cy, cx := height/2, width/2
	ry, rx := max(1, height/3), max(1, width/3)

	// anatomy sizes are given for a 512×512 plane
	scale := float64(min(height, width)) / 512
	spineX := cx + int(float64(rx)*0.6)
	spineR := max(1, 20*scale)
	organY := cy - int(float64(ry)*0.3)
	organX := cx - int(float64(rx)*0.3)
	organRY, organRX := max(1, 60*scale), max(1, 80*scale)
	organFrom, organTo := depth*3/10, depth*7/10

	data := make([]float32, depth*height*width)
	for z := 0; z < depth; z++ {
		withOrgan := z >= organFrom && z <= organTo
		for y := 0; y < height; y++ {
			for x := 0; x < width; x++ {
				dy, dx := float64(y-cy), float64(x-cx)
				v := float64(airHU)

				if dy*dy/float64(ry*ry)+dx*dx/float64(rx*rx) <= 1 {
					v = tissue.Rand()
				}
				sx := float64(x - spineX)
				if dy*dy+sx*sx <= spineR*spineR {
					v = bone.Rand()
				}
				if withOrgan {
					oy, ox := float64(y-organY), float64(x-organX)
					if oy*oy/(organRY*organRY)+ox*ox/(organRX*organRX) <= 1 {
						v = organ.Rand()
					}
				}

				data[z*height*width+y*width+x] = float32(v + noise.Rand())
			}
		}
	}

	return &volume.Volume{Data: data, Depth: depth, Height: height, Width: width, DType: "float32"}
}

// Generate writes opts.NumPatients sample volumes into opts.Dir, building
// them concurrently. Patient i uses seed opts.Seed+i, so output does not
// depend on scheduling.
func Generate(ctx context.Context, opts Options) ([]Generated, error) {
	if opts.NumPatients < 1 {
		return nil, fmt.Errorf("number of patients must be positive")
	}
	if opts.MinSlices < 1 || opts.MaxSlices < opts.MinSlices {
		return nil, fmt.Errorf("invalid slice range [%d, %d]", opts.MinSlices, opts.MaxSlices)
	}
	if opts.Height < 1 || opts.Width < 1 {
		return nil, fmt.Errorf("invalid slice size %dx%d", opts.Height, opts.Width)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	// slice counts come from one sequence so they do not depend on worker order
	counts := rand.New(rand.NewSource(opts.Seed))
	depths := make([]int, opts.NumPatients)
	for i := range depths {
		depths[i] = opts.MinSlices + counts.Intn(opts.MaxSlices-opts.MinSlices+1)
	}

	out := make([]Generated, opts.NumPatients)
	g, gctx := errgroup.WithContext(ctx)
	limit := opts.Concurrency
	if limit <= 0 {
		limit = runtime.NumCPU()
	}
	g.SetLimit(limit)

	for i := 0; i < opts.NumPatients; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			id := PatientID(i + 1)
			vol := Volume(depths[i], opts.Height, opts.Width, opts.Seed+uint64(i)+1)

			path, size, err := write(opts.Dir, id, vol, opts.Compress)
			if err != nil {
				return fmt.Errorf("failed to write %s: %w", id, err)
			}
			out[i] = Generated{
				PatientID: id,
				Path:      path,
				Depth:     vol.Depth,
				Height:    vol.Height,
				Width:     vol.Width,
				Size:      size,
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func write(dir, id string, vol *volume.Volume, compress bool) (string, int64, error) {
	ext := volume.NpyLoader{}.Extension()
	encode := volume.EncodeNpy
	if compress {
		ext = volume.ZstdLoader{}.Extension()
		encode = volume.EncodeNpyZstd
	}
	path := filepath.Join(dir, id+ext)

	f, err := os.Create(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	if err := encode(f, vol); err != nil {
		return "", 0, err
	}
	info, err := f.Stat()
	if err != nil {
		return "", 0, err
	}
	return path, info.Size(), f.Close()
}
