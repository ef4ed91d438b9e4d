package windowing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/png"
	"io"

	"readstudy/pkg/volume"
)

// Render extracts slice index (clamped into [0, Z)) from h and windows it.
func Render(h *volume.Handle, index int, w Window) (*image.Gray, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return Apply(h.Slice(index), w)
}

// EncodePNG writes img as a single-channel PNG.
func EncodePNG(out io.Writer, img *image.Gray) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(out, img); err != nil {
		return fmt.Errorf("failed to encode png: %w", err)
	}
	return nil
}

// RenderPNG is Render followed by EncodePNG.
func RenderPNG(h *volume.Handle, index int, w Window) ([]byte, error) {
	img, err := Render(h, index, w)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := EncodePNG(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DataURL embeds an encoded PNG in a data: URL.
func DataURL(pngData []byte) string {
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData)
}

// RGBBytes expands a grayscale image into packed 8-bit RGB triples, row by row.
func RGBBytes(img *image.Gray) []byte {
	b := img.Bounds()
	out := make([]byte, 0, b.Dx()*b.Dy()*3)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y) : img.PixOffset(b.Min.X, y)+b.Dx()]
		for _, v := range row {
			out = append(out, v, v, v)
		}
	}
	return out
}
