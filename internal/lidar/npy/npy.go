// Package npy writes and reads the NumPy .npy v1.0 array container for
// little-endian float32 data, which is how exported frames are stored.
package npy

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

// Extension is the file suffix for exported arrays.
const Extension = ".npy"

const (
	magic     = "\x93NUMPY"
	preamble  = len(magic) + 2 + 2 // magic, version, header length
	alignment = 64
	descrF32  = "<f4"
)

// ErrUnsupported is returned when reading an array this package does not
// handle (other dtypes, Fortran order, newer format versions).
var ErrUnsupported = errors.New("npy: unsupported array")

// Header returns the encoded preamble and dict for a C-ordered float32 array
// with the given shape, padded so the payload starts on a 64-byte boundary.
func Header(shape []int) []byte {
	dims := make([]string, len(shape))
	for i, d := range shape {
		dims[i] = strconv.Itoa(d)
	}
	tuple := "(" + strings.Join(dims, ", ")
	if len(shape) == 1 {
		tuple += ","
	}
	tuple += ")"
	dict := fmt.Sprintf("{'descr': '%s', 'fortran_order': False, 'shape': %s, }", descrF32, tuple)

	// dict + padding + '\n' must bring the total to a multiple of alignment
	total := preamble + len(dict) + 1
	pad := (alignment - total%alignment) % alignment
	headerLen := len(dict) + pad + 1

	var buf bytes.Buffer
	buf.Grow(preamble + headerLen)
	buf.WriteString(magic)
	buf.WriteByte(1)
	buf.WriteByte(0)
	_ = binary.Write(&buf, binary.LittleEndian, uint16(headerLen))
	buf.WriteString(dict)
	buf.WriteString(strings.Repeat(" ", pad))
	buf.WriteByte('\n')
	return buf.Bytes()
}

// WriteFloat32 writes data as an array of the given shape. The product of
// shape must equal len(data).
func WriteFloat32(w io.Writer, data []float32, shape []int) error {
	n := 1
	for _, d := range shape {
		if d < 0 {
			return fmt.Errorf("npy: negative dimension %d", d)
		}
		n *= d
	}
	if n != len(data) {
		return fmt.Errorf("npy: shape %v holds %d values, got %d", shape, n, len(data))
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.Write(Header(shape)); err != nil {
		return fmt.Errorf("npy: write header: %w", err)
	}
	var word [4]byte
	for _, v := range data {
		binary.LittleEndian.PutUint32(word[:], math.Float32bits(v))
		if _, err := bw.Write(word[:]); err != nil {
			return fmt.Errorf("npy: write payload: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("npy: flush: %w", err)
	}
	return nil
}

var (
	descrRe   = regexp.MustCompile(`'descr':\s*'([^']*)'`)
	fortranRe = regexp.MustCompile(`'fortran_order':\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape':\s*\(([^)]*)\)`)
)

// ReadFloat32 reads an array written by WriteFloat32 (or by NumPy for a
// C-ordered '<f4' array) and returns its payload and shape.
func ReadFloat32(r io.Reader) ([]float32, []int, error) {
	pre := make([]byte, preamble)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, nil, fmt.Errorf("npy: read preamble: %w", err)
	}
	if string(pre[:len(magic)]) != magic {
		return nil, nil, fmt.Errorf("npy: bad magic %q", pre[:len(magic)])
	}
	if pre[6] != 1 {
		return nil, nil, fmt.Errorf("%w: format version %d.%d", ErrUnsupported, pre[6], pre[7])
	}
	hdr := make([]byte, binary.LittleEndian.Uint16(pre[8:10]))
	if _, err := io.ReadFull(r, hdr); err != nil {
		return nil, nil, fmt.Errorf("npy: read header: %w", err)
	}

	m := descrRe.FindSubmatch(hdr)
	if m == nil || string(m[1]) != descrF32 {
		return nil, nil, fmt.Errorf("%w: dtype in header %q", ErrUnsupported, hdr)
	}
	if m := fortranRe.FindSubmatch(hdr); m == nil || string(m[1]) != "False" {
		return nil, nil, fmt.Errorf("%w: fortran order", ErrUnsupported)
	}
	sm := shapeRe.FindSubmatch(hdr)
	if sm == nil {
		return nil, nil, fmt.Errorf("npy: missing shape in header %q", hdr)
	}
	var shape []int
	count := 1
	for _, part := range strings.Split(string(sm[1]), ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil || d < 0 {
			return nil, nil, fmt.Errorf("npy: bad dimension %q", part)
		}
		shape = append(shape, d)
		count *= d
	}

	raw := make([]byte, count*4)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, nil, fmt.Errorf("npy: read payload: %w", err)
	}
	data := make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return data, shape, nil
}
