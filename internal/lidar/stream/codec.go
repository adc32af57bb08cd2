package stream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
)

// headerSize is seq (u32), point count (u32) and first timestamp (f64).
const headerSize = 16

// ErrShortMessage is returned when a binary message is truncated.
var ErrShortMessage = errors.New("stream message too short")

// FrameMessage is a decoded binary frame message.
type FrameMessage struct {
	Seq       uint32
	Timestamp float64
	XYZ       []float32 // N×3 row-major
}

// Len returns the number of points.
func (m FrameMessage) Len() int { return len(m.XYZ) / 3 }

// EncodeFrame encodes at most maxPoints points of f (all when maxPoints is
// zero or negative) as a little-endian binary message.
func EncodeFrame(f *cloud.Frame, maxPoints int) []byte {
	n := f.Len()
	if maxPoints > 0 && n > maxPoints {
		n = maxPoints
	}
	buf := make([]byte, headerSize+n*12)
	binary.LittleEndian.PutUint32(buf[0:], f.Seq)
	binary.LittleEndian.PutUint32(buf[4:], uint32(n))
	binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(f.FirstTimestamp()))
	off := headerSize
	for _, p := range f.Points[:n] {
		binary.LittleEndian.PutUint32(buf[off:], math.Float32bits(p.X))
		binary.LittleEndian.PutUint32(buf[off+4:], math.Float32bits(p.Y))
		binary.LittleEndian.PutUint32(buf[off+8:], math.Float32bits(p.Z))
		off += 12
	}
	return buf
}

// DecodeFrame parses a message produced by EncodeFrame.
func DecodeFrame(data []byte) (FrameMessage, error) {
	if len(data) < headerSize {
		return FrameMessage{}, fmt.Errorf("%w: %d bytes", ErrShortMessage, len(data))
	}
	m := FrameMessage{
		Seq:       binary.LittleEndian.Uint32(data[0:]),
		Timestamp: math.Float64frombits(binary.LittleEndian.Uint64(data[8:])),
	}
	n := int(binary.LittleEndian.Uint32(data[4:]))
	if want := headerSize + n*12; len(data) != want {
		return FrameMessage{}, fmt.Errorf("%w: %d points need %d bytes, got %d", ErrShortMessage, n, want, len(data))
	}
	m.XYZ = make([]float32, n*3)
	for i := range m.XYZ {
		m.XYZ[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[headerSize+i*4:]))
	}
	return m, nil
}
