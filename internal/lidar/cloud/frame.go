// Package cloud holds the point-cloud frame model and the fixed geometric
// transforms applied to frames on their way to a consumer.
package cloud

// Point is a single return as produced by the driver. Timestamp is in
// seconds.
type Point struct {
	X         float32
	Y         float32
	Z         float32
	Intensity float32
	Timestamp float64
}

// Frame is one complete sweep. The *Frame pointer is the buffer identity
// that moves between the pool, the driver, the delivery queue and the
// consumer; exactly one of them holds it at a time.
type Frame struct {
	Seq    uint32
	Points []Point
}

// NewFrame returns an empty frame with room for capacity points.
func NewFrame(capacity int) *Frame {
	return &Frame{Points: make([]Point, 0, capacity)}
}

// Reset clears the frame for reuse and keeps the backing array.
func (f *Frame) Reset() {
	f.Seq = 0
	f.Points = f.Points[:0]
}

// Len returns the number of points.
func (f *Frame) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Points)
}

// FirstTimestamp returns the timestamp of the first point, or 0 for an
// empty frame.
func (f *Frame) FirstTimestamp() float64 {
	if f.Len() == 0 {
		return 0
	}
	return f.Points[0].Timestamp
}

// XYZ flattens the frame into an N×3 row-major float32 slice.
func (f *Frame) XYZ() []float32 {
	out := make([]float32, 0, f.Len()*3)
	if f == nil {
		return out
	}
	for _, p := range f.Points {
		out = append(out, p.X, p.Y, p.Z)
	}
	return out
}

// Clone returns a deep copy that shares nothing with f.
func (f *Frame) Clone() *Frame {
	c := &Frame{Seq: f.Seq, Points: make([]Point, len(f.Points))}
	copy(c.Points, f.Points)
	return c
}
