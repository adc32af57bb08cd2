package cloud

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func frameOf(seq uint32, xyz ...[3]float32) *Frame {
	f := NewFrame(len(xyz))
	f.Seq = seq
	for i, p := range xyz {
		f.Points = append(f.Points, Point{X: p[0], Y: p[1], Z: p[2], Intensity: float32(i), Timestamp: 100 + float64(i)})
	}
	return f
}

func TestApply_IdentityRoundTrip(t *testing.T) {
	src := frameOf(9, [3]float32{1.5, -2.25, 3}, [3]float32{-1e3, 7, 0.125})
	want := src.Clone()

	got := Identity().Apply(src)

	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("identity transform changed frame (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(want, src); diff != "" {
		t.Errorf("source frame mutated (-want +got):\n%s", diff)
	}
}

func TestApply_RangeFilterExample(t *testing.T) {
	cal, err := NewCalibration(
		[]float64{1, 0, 0, 0, 1, 0, 0, 0, 1},
		[]float64{0, 0, 0},
		[]float64{0, 5, 0, 5, 0, 5},
	)
	require.NoError(t, err)

	got := cal.Apply(frameOf(1, [3]float32{1, 2, 3}, [3]float32{-10, -10, -10}))

	require.Equal(t, 1, got.Len())
	assert.Equal(t, []float32{1, 2, 3}, got.XYZ())
	assert.Equal(t, uint32(1), got.Seq)
}

func TestApply_RangeBoxBoundsInclusive(t *testing.T) {
	cal, err := NewCalibration([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0, 0, 0}, []float64{0, 1, 0, 1, 0, 1})
	require.NoError(t, err)

	got := cal.Apply(frameOf(1, [3]float32{0, 0, 0}, [3]float32{1, 1, 1}, [3]float32{1.0001, 0, 0}))
	assert.Equal(t, 2, got.Len())
}

func TestApply_FilterRejectsAll(t *testing.T) {
	// 90° about z plus a shift that moves everything out of the box.
	cal, err := NewCalibration([]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}, []float64{100, 0, 0}, []float64{-1, 1, -1, 1, -1, 1})
	require.NoError(t, err)

	got := cal.Apply(frameOf(4, [3]float32{0.5, 0.5, 0.5}, [3]float32{0, 0, 0}))
	assert.Equal(t, 0, got.Len())
	assert.Equal(t, uint32(4), got.Seq)
}

func TestApply_RotationTranslation(t *testing.T) {
	cal, err := NewCalibration([]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}, []float64{1, 2, 3}, nil)
	require.NoError(t, err)

	got := cal.Apply(frameOf(1, [3]float32{1, 0, 0}))
	assert.Equal(t, []float32{1, 3, 3}, got.XYZ())
}

func TestRemapAxes(t *testing.T) {
	src := frameOf(3, [3]float32{1, 2, 3})
	got := RemapAxes(src)

	assert.Equal(t, []float32{-2, 1, 3}, got.XYZ())
	assert.Equal(t, src.Points[0].Timestamp, got.Points[0].Timestamp)
	assert.Equal(t, []float32{1, 2, 3}, src.XYZ(), "source must not change")
}

func TestApplyRemapped_PermutationPrecedesCalibration(t *testing.T) {
	cal, err := NewCalibration([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{10, 0, 0}, []float64{0, 0, 0, 0, 0, 0})
	require.NoError(t, err)

	got := cal.ApplyRemapped(frameOf(1, [3]float32{1, 2, 3}))

	// Range filter is ignored on the real-time path.
	assert.Equal(t, []float32{8, 1, 3}, got.XYZ())

	var nilCal *Calibration
	assert.Equal(t, []float32{-2, 1, 3}, nilCal.ApplyRemapped(frameOf(1, [3]float32{1, 2, 3})).XYZ())
}

func TestNewCalibration_Validation(t *testing.T) {
	tests := []struct {
		name   string
		r, t   []float64
		ranges []float64
	}{
		{"short rotation", []float64{1, 0, 0}, []float64{0, 0, 0}, nil},
		{"short translation", []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0}, nil},
		{"short ranges", []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0, 0, 0}, []float64{0, 1}},
		{"inverted range", []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0, 0, 0}, []float64{1, 0, 0, 1, 0, 1}},
		{"nan rotation", []float64{math.NaN(), 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0, 0, 0}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewCalibration(tt.r, tt.t, tt.ranges)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrBadCalibration))
		})
	}
}

func TestCalibrationFromMat_WrongShape(t *testing.T) {
	_, err := CalibrationFromMat(mat.NewDense(2, 3, nil), mat.NewVecDense(3, nil), nil)
	assert.ErrorIs(t, err, ErrBadCalibration)
}

func TestCalibration_ThenAndRigid(t *testing.T) {
	rotZ, err := NewCalibration([]float64{0, -1, 0, 1, 0, 0, 0, 0, 1}, []float64{0, 0, 0}, nil)
	require.NoError(t, err)
	shift, err := NewCalibration([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{1, 0, 0}, nil)
	require.NoError(t, err)

	combined := rotZ.Then(shift)
	step := shift.Apply(rotZ.Apply(frameOf(1, [3]float32{2, 3, 4})))
	assert.Equal(t, step.XYZ(), combined.Apply(frameOf(1, [3]float32{2, 3, 4})).XYZ())

	assert.True(t, combined.IsRigid(1e-9))

	scaled, err := NewCalibration([]float64{2, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0, 0, 0}, nil)
	require.NoError(t, err)
	assert.False(t, scaled.IsRigid(1e-6))

	mirrored, err := NewCalibration([]float64{-1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0, 0, 0}, nil)
	require.NoError(t, err)
	assert.False(t, mirrored.IsRigid(1e-6), "reflection has det -1")
}

func TestFrame_ResetKeepsCapacity(t *testing.T) {
	f := frameOf(5, [3]float32{1, 1, 1}, [3]float32{2, 2, 2})
	c := cap(f.Points)
	f.Reset()
	assert.Equal(t, 0, f.Len())
	assert.Equal(t, uint32(0), f.Seq)
	assert.Equal(t, c, cap(f.Points))
	assert.Equal(t, 0.0, f.FirstTimestamp())
}
