// Package visualization holds the per-session reading state: the one resident
// volume a reader is looking at and the window it is shown with.
package visualization

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sync"

	"readstudy/pkg/volume"
	"readstudy/pkg/windowing"
)

// ErrNoVolume is returned by operations that need a loaded volume.
var ErrNoVolume = errors.New("no volume loaded")

// ErrUnknownPreset is returned by ApplyPreset for names not in the preset table.
var ErrUnknownPreset = errors.New("unknown window preset")

// Loader opens a patient's volume. *volume.Store satisfies it.
type Loader interface {
	Load(ctx context.Context, patientID string) (*volume.Handle, error)
}

// Viewer is the reading state of one session. It holds at most one resident
// volume; opening another patient replaces it wholesale.
//
// A Viewer serialises its own calls, so a session may be driven from several
// requests, but Viewers never share state with each other.
type Viewer struct {
	mu     sync.Mutex
	loader Loader
	handle *volume.Handle
	window windowing.Window
}

// NewViewer creates a viewer with nothing loaded and the default window.
func NewViewer(loader Loader) *Viewer {
	return &Viewer{
		loader: loader,
		window: windowing.DefaultWindow,
	}
}

// Open loads patientID and makes it the resident volume. If the patient is
// already resident the existing handle is returned without touching disk. A
// failed load leaves the previous volume in place.
func (v *Viewer) Open(ctx context.Context, patientID string) (*volume.Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.handle != nil && v.handle.PatientID() == patientID {
		return v.handle, nil
	}

	h, err := v.loader.Load(ctx, patientID)
	if err != nil {
		return nil, err
	}
	v.handle = h
	return h, nil
}

// Reload re-reads the resident patient's volume from disk.
func (v *Viewer) Reload(ctx context.Context) (*volume.Handle, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.handle == nil {
		return nil, ErrNoVolume
	}
	h, err := v.loader.Load(ctx, v.handle.PatientID())
	if err != nil {
		return nil, err
	}
	v.handle = h
	return h, nil
}

// Current returns the resident handle, or nil.
func (v *Viewer) Current() *volume.Handle {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.handle
}

// Close drops the resident volume.
func (v *Viewer) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.handle = nil
}

// Window returns the current display window.
func (v *Viewer) Window() windowing.Window {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.window
}

// SetWindow replaces the current window. An invalid window is rejected and
// the last valid one is kept.
func (v *Viewer) SetWindow(w windowing.Window) error {
	if err := w.Validate(); err != nil {
		return err
	}
	v.mu.Lock()
	v.window = w
	v.mu.Unlock()
	return nil
}

// ApplyPreset overwrites the current window with a named preset.
func (v *Viewer) ApplyPreset(name string) (windowing.Preset, error) {
	p, ok := windowing.LookupPreset(name)
	if !ok {
		return windowing.Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
	}
	v.mu.Lock()
	v.window = p.Window
	v.mu.Unlock()
	return p, nil
}

// Info returns the resident volume's metadata.
func (v *Viewer) Info() (volume.Info, error) {
	h := v.Current()
	if h == nil {
		return volume.Info{}, ErrNoVolume
	}
	return h.Info(), nil
}

// Render windows slice index of the resident volume with the current window.
// It returns the image and the clamped index actually rendered.
func (v *Viewer) Render(index int) (*image.Gray, int, error) {
	v.mu.Lock()
	h, w := v.handle, v.window
	v.mu.Unlock()

	if h == nil {
		return nil, 0, ErrNoVolume
	}
	img, err := windowing.Render(h, index, w)
	if err != nil {
		return nil, 0, err
	}
	return img, h.ClampIndex(index), nil
}

// RenderWindow makes w the current window and renders slice index with it.
// An invalid window is rejected without changing the current one.
func (v *Viewer) RenderWindow(index int, w windowing.Window) (*image.Gray, int, error) {
	if err := v.SetWindow(w); err != nil {
		return nil, 0, err
	}

	v.mu.Lock()
	h := v.handle
	v.mu.Unlock()

	if h == nil {
		return nil, 0, ErrNoVolume
	}
	img, err := windowing.Render(h, index, w)
	if err != nil {
		return nil, 0, err
	}
	return img, h.ClampIndex(index), nil
}

// SaveSlice writes an image as a PNG file.
func (v *Viewer) SaveSlice(img *image.Gray, filename string) error {
	file, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	return windowing.EncodePNG(file, img)
}

// SaveSliceSequence renders every slice of the resident volume with the
// current window into outputDir as slice_NNN.png.
func (v *Viewer) SaveSliceSequence(outputDir string) (int, error) {
	h := v.Current()
	if h == nil {
		return 0, ErrNoVolume
	}
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return 0, err
	}

	depth, _, _ := h.Shape()
	for pos := 0; pos < depth; pos++ {
		img, _, err := v.Render(pos)
		if err != nil {
			return pos, err
		}

		filename := filepath.Join(outputDir, fmt.Sprintf("slice_%03d.png", pos))
		if err := v.SaveSlice(img, filename); err != nil {
			return pos, err
		}
	}

	return depth, nil
}
