package volume

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Loader decodes one backing file into a Volume. The on-disk encoding lives
// entirely behind this interface; slicing and windowing never see it.
type Loader interface {
	// Extension is the file suffix the loader handles, including the dot.
	Extension() string

	// Load reads the whole file at path. Decode failures are FormatErrors.
	Load(path string) (*Volume, error)
}

// NpyLoader reads plain NumPy .npy files.
type NpyLoader struct{}

func (NpyLoader) Extension() string { return ".npy" }

func (NpyLoader) Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	return DecodeNpy(f, path)
}

// ZstdLoader reads zstd-compressed .npy files.
type ZstdLoader struct{}

func (ZstdLoader) Extension() string { return ".npy.zst" }

func (ZstdLoader) Load(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, formatErrorf(path, err, "bad zstd stream")
	}
	defer dec.Close()

	vol, err := DecodeNpy(dec, path)
	if err != nil {
		return nil, err
	}
	return vol, nil
}

// EncodeNpyZstd writes vol as a zstd-compressed .npy stream.
func EncodeNpyZstd(w io.Writer, vol *Volume) error {
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("failed to create zstd writer: %w", err)
	}
	if err := EncodeNpy(enc, vol); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// DefaultLoaders is the resolution order used by NewStore.
func DefaultLoaders() []Loader {
	return []Loader{NpyLoader{}, ZstdLoader{}}
}
