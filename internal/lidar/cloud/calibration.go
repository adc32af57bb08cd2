package cloud

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrBadCalibration is returned for malformed rotation, translation or range
// inputs.
var ErrBadCalibration = errors.New("bad calibration")

// RangeBox is an inclusive axis-aligned box. Index 0..2 is x, y, z.
type RangeBox struct {
	Min [3]float64
	Max [3]float64
}

// NewRangeBox builds a box from the flat layout
// [xmin, xmax, ymin, ymax, zmin, zmax].
func NewRangeBox(flat []float64) (*RangeBox, error) {
	if len(flat) != 6 {
		return nil, fmt.Errorf("%w: range box needs 6 values, got %d", ErrBadCalibration, len(flat))
	}
	b := &RangeBox{}
	for axis := 0; axis < 3; axis++ {
		lo, hi := flat[axis*2], flat[axis*2+1]
		if math.IsNaN(lo) || math.IsNaN(hi) || lo > hi {
			return nil, fmt.Errorf("%w: axis %d range [%g, %g] is invalid", ErrBadCalibration, axis, lo, hi)
		}
		b.Min[axis], b.Max[axis] = lo, hi
	}
	return b, nil
}

// Contains reports whether the point lies inside the box, bounds included.
func (b *RangeBox) Contains(x, y, z float32) bool {
	v := [3]float32{x, y, z}
	for axis := 0; axis < 3; axis++ {
		if v[axis] < float32(b.Min[axis]) || v[axis] > float32(b.Max[axis]) {
			return false
		}
	}
	return true
}

// Flat returns the box in NewRangeBox layout.
func (b *RangeBox) Flat() []float64 {
	return []float64{b.Min[0], b.Max[0], b.Min[1], b.Max[1], b.Min[2], b.Max[2]}
}

// Calibration is a fixed rigid transform p' = R·p + t with an optional
// range filter. A Calibration is immutable after construction; replace it
// rather than editing it while a consumer may be reading it.
type Calibration struct {
	r      *mat.Dense
	t      *mat.VecDense
	Ranges *RangeBox

	// flattened copies for the per-point loop
	rf [9]float64
	tf [3]float64
}

// Identity returns the no-op calibration with no range filter.
func Identity() *Calibration {
	c, _ := NewCalibration([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0, 0, 0}, nil)
	return c
}

// NewCalibration builds a calibration from a row-major 3×3 rotation, a
// 3-vector translation and an optional flat range box (nil or empty for no
// filter).
func NewCalibration(r, t, ranges []float64) (*Calibration, error) {
	if len(r) != 9 {
		return nil, fmt.Errorf("%w: rotation needs 9 values, got %d", ErrBadCalibration, len(r))
	}
	if len(t) != 3 {
		return nil, fmt.Errorf("%w: translation needs 3 values, got %d", ErrBadCalibration, len(t))
	}
	var box *RangeBox
	if len(ranges) > 0 {
		b, err := NewRangeBox(ranges)
		if err != nil {
			return nil, err
		}
		box = b
	}
	return CalibrationFromMat(
		mat.NewDense(3, 3, append([]float64(nil), r...)),
		mat.NewVecDense(3, append([]float64(nil), t...)),
		box,
	)
}

// CalibrationFromMat builds a calibration from gonum matrices. The inputs
// are copied.
func CalibrationFromMat(r mat.Matrix, t mat.Vector, box *RangeBox) (*Calibration, error) {
	if rr, rc := r.Dims(); rr != 3 || rc != 3 {
		return nil, fmt.Errorf("%w: rotation must be 3x3, got %dx%d", ErrBadCalibration, rr, rc)
	}
	if t.Len() != 3 {
		return nil, fmt.Errorf("%w: translation must have 3 rows, got %d", ErrBadCalibration, t.Len())
	}
	c := &Calibration{
		r:      mat.DenseCopyOf(r),
		t:      mat.VecDenseCopyOf(t),
		Ranges: box,
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			v := c.r.At(i, j)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: rotation element (%d,%d) is not finite", ErrBadCalibration, i, j)
			}
			c.rf[i*3+j] = v
		}
		v := c.t.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: translation element %d is not finite", ErrBadCalibration, i)
		}
		c.tf[i] = v
	}
	return c, nil
}

// WithRanges returns a copy of c using box as its range filter.
func (c *Calibration) WithRanges(box *RangeBox) *Calibration {
	out := *c
	out.Ranges = box
	return &out
}

// Rotation returns a copy of R.
func (c *Calibration) Rotation() *mat.Dense { return mat.DenseCopyOf(c.r) }

// Translation returns a copy of t.
func (c *Calibration) Translation() *mat.VecDense { return mat.VecDenseCopyOf(c.t) }

// Then returns the calibration equivalent to applying c and then next:
// R = Rn·Rc, t = Rn·tc + tn. The range filter of next is kept.
func (c *Calibration) Then(next *Calibration) *Calibration {
	var r mat.Dense
	r.Mul(next.r, c.r)
	var t mat.VecDense
	t.MulVec(next.r, c.t)
	t.AddVec(&t, next.t)
	out, err := CalibrationFromMat(&r, &t, next.Ranges)
	if err != nil {
		// Products of finite 3x3 inputs stay 3x3; only overflow lands here.
		return next
	}
	return out
}

// IsRigid reports whether R is a proper rotation within tol: RᵀR ≈ I and
// det(R) ≈ +1.
func (c *Calibration) IsRigid(tol float64) bool {
	var rtr mat.Dense
	rtr.Mul(c.r.T(), c.r)
	if !mat.EqualApprox(&rtr, eye3(), tol) {
		return false
	}
	return math.Abs(mat.Det(c.r)-1) <= tol
}

func eye3() *mat.Dense {
	return mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1})
}

func (c *Calibration) apply(x, y, z float32) (float32, float32, float32) {
	fx, fy, fz := float64(x), float64(y), float64(z)
	r := &c.rf
	return float32(r[0]*fx + r[1]*fy + r[2]*fz + c.tf[0]),
		float32(r[3]*fx + r[4]*fy + r[5]*fz + c.tf[1]),
		float32(r[6]*fx + r[7]*fy + r[8]*fz + c.tf[2])
}
