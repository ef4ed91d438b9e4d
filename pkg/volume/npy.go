package volume

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

// MaxSamples bounds the number of samples a decoded volume may hold.
const MaxSamples = 1 << 30

const maxNpyHeaderLen = 1 << 20

var (
	descrRe   = regexp.MustCompile(`['"]descr['"]\s*:\s*['"]([^'"]*)['"]`)
	fortranRe = regexp.MustCompile(`['"]fortran_order['"]\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`['"]shape['"]\s*:\s*\(([^)]*)\)`)
)

// npyDType describes one supported .npy element type.
type npyDType struct {
	name   string
	size   int
	order  binary.ByteOrder
	decode func(b []byte, order binary.ByteOrder) float32
}

var npyKinds = map[string]struct {
	name   string
	decode func(b []byte, order binary.ByteOrder) float32
}{
	"f4": {"float32", func(b []byte, o binary.ByteOrder) float32 { return math.Float32frombits(o.Uint32(b)) }},
	"f8": {"float64", func(b []byte, o binary.ByteOrder) float32 { return float32(math.Float64frombits(o.Uint64(b))) }},
	"i1": {"int8", func(b []byte, _ binary.ByteOrder) float32 { return float32(int8(b[0])) }},
	"u1": {"uint8", func(b []byte, _ binary.ByteOrder) float32 { return float32(b[0]) }},
	"i2": {"int16", func(b []byte, o binary.ByteOrder) float32 { return float32(int16(o.Uint16(b))) }},
	"u2": {"uint16", func(b []byte, o binary.ByteOrder) float32 { return float32(o.Uint16(b)) }},
	"i4": {"int32", func(b []byte, o binary.ByteOrder) float32 { return float32(int32(o.Uint32(b))) }},
	"u4": {"uint32", func(b []byte, o binary.ByteOrder) float32 { return float32(o.Uint32(b)) }},
	"i8": {"int64", func(b []byte, o binary.ByteOrder) float32 { return float32(int64(o.Uint64(b))) }},
	"u8": {"uint64", func(b []byte, o binary.ByteOrder) float32 { return float32(o.Uint64(b)) }},
}

func parseDType(descr string) (npyDType, error) {
	if len(descr) < 3 {
		return npyDType{}, fmt.Errorf("unsupported dtype %q", descr)
	}

	var order binary.ByteOrder
	switch descr[0] {
	case '<', '|', '=':
		order = binary.LittleEndian
	case '>':
		order = binary.BigEndian
	default:
		return npyDType{}, fmt.Errorf("unsupported byte order in dtype %q", descr)
	}

	kind, ok := npyKinds[descr[1:]]
	if !ok {
		return npyDType{}, fmt.Errorf("unsupported dtype %q", descr)
	}
	size, _ := strconv.Atoi(descr[2:])

	return npyDType{name: kind.name, size: size, order: order, decode: kind.decode}, nil
}

type npyHeader struct {
	dtype   npyDType
	fortran bool
	shape   []int
}

func parseNpyHeader(header string) (npyHeader, error) {
	var h npyHeader

	m := descrRe.FindStringSubmatch(header)
	if m == nil {
		return h, errors.New("header has no descr")
	}
	dt, err := parseDType(m[1])
	if err != nil {
		return h, err
	}
	h.dtype = dt

	m = fortranRe.FindStringSubmatch(header)
	if m == nil {
		return h, errors.New("header has no fortran_order")
	}
	h.fortran = m[1] == "True"

	m = shapeRe.FindStringSubmatch(header)
	if m == nil {
		return h, errors.New("header has no shape")
	}
	for _, field := range strings.Split(m[1], ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(field, "L"))
		if err != nil {
			return h, fmt.Errorf("bad shape entry %q", field)
		}
		h.shape = append(h.shape, n)
	}

	return h, nil
}

// DecodeNpy reads a 3D numeric array in NumPy .npy format. name is only used
// in error messages.
func DecodeNpy(r io.Reader, name string) (*Volume, error) {
	br := bufio.NewReader(r)

	prefix := make([]byte, len(npyMagic)+2)
	if _, err := io.ReadFull(br, prefix); err != nil {
		return nil, formatErrorf(name, err, "short preamble")
	}
	if !bytes.Equal(prefix[:len(npyMagic)], npyMagic) {
		return nil, formatErrorf(name, nil, "not a .npy file")
	}

	var headerLen int
	switch major := prefix[len(npyMagic)]; major {
	case 1:
		var n uint16
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, formatErrorf(name, err, "short header length")
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(br, binary.LittleEndian, &n); err != nil {
			return nil, formatErrorf(name, err, "short header length")
		}
		headerLen = int(n)
	default:
		return nil, formatErrorf(name, nil, "unsupported .npy version %d", major)
	}

	if headerLen > maxNpyHeaderLen {
		return nil, formatErrorf(name, nil, "header length %d too large", headerLen)
	}
	raw := make([]byte, headerLen)
	if _, err := io.ReadFull(br, raw); err != nil {
		return nil, formatErrorf(name, err, "short header")
	}
	hdr, err := parseNpyHeader(string(raw))
	if err != nil {
		return nil, formatErrorf(name, err, "bad header")
	}
	if hdr.fortran {
		return nil, formatErrorf(name, nil, "fortran-ordered arrays are not supported")
	}
	if len(hdr.shape) != 3 {
		return nil, formatErrorf(name, nil, "expected 3 dimensions, got %d", len(hdr.shape))
	}
	depth, height, width := hdr.shape[0], hdr.shape[1], hdr.shape[2]
	if depth < 1 || height < 1 || width < 1 {
		return nil, formatErrorf(name, nil, "empty shape (%d, %d, %d)", depth, height, width)
	}

	count, ok := shapeCount(depth, height, width)
	if !ok {
		return nil, formatErrorf(name, nil, "shape (%d, %d, %d) exceeds %d samples", depth, height, width, MaxSamples)
	}
	want := int64(count) * int64(hdr.dtype.size)

	// the buffer grows with the bytes actually present, not with the header's claim
	payload, err := io.ReadAll(io.LimitReader(br, want+1))
	if err != nil {
		return nil, formatErrorf(name, err, "read payload")
	}
	switch {
	case int64(len(payload)) < want:
		return nil, formatErrorf(name, nil, "payload shorter than shape (%d, %d, %d)", depth, height, width)
	case int64(len(payload)) > want:
		return nil, formatErrorf(name, nil, "trailing data after payload")
	}

	data := make([]float32, count)
	size := hdr.dtype.size
	for i := range data {
		data[i] = hdr.dtype.decode(payload[i*size:(i+1)*size], hdr.dtype.order)
	}

	return &Volume{
		Data:   data,
		Depth:  depth,
		Height: height,
		Width:  width,
		DType:  hdr.dtype.name,
	}, nil
}

// shapeCount multiplies the dimensions, failing on overflow or past MaxSamples.
func shapeCount(dims ...int) (int, bool) {
	count := 1
	for _, d := range dims {
		if d < 1 || count > MaxSamples/d {
			return 0, false
		}
		count *= d
	}
	return count, true
}

// EncodeNpy writes vol as a little-endian float32 .npy (format 1.0) array.
func EncodeNpy(w io.Writer, vol *Volume) error {
	if err := vol.Validate(); err != nil {
		return err
	}

	header := fmt.Sprintf("{'descr': '<f4', 'fortran_order': False, 'shape': (%d, %d, %d), }",
		vol.Depth, vol.Height, vol.Width)
	// magic + version + uint16 length + header + '\n' must be a multiple of 64
	pre := len(npyMagic) + 2 + 2
	total := pre + len(header) + 1
	if rem := total % 64; rem != 0 {
		header += strings.Repeat(" ", 64-rem)
	}
	header += "\n"

	bw := bufio.NewWriter(w)
	bw.Write(npyMagic)
	bw.Write([]byte{1, 0})
	binary.Write(bw, binary.LittleEndian, uint16(len(header)))
	bw.WriteString(header)

	var buf [4]byte
	for _, v := range vol.Data {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := bw.Write(buf[:]); err != nil {
			return err
		}
	}

	return bw.Flush()
}
