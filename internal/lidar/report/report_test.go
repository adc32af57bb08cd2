package report

import (
	"bytes"
	"image/png"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar.relay/internal/fsutil"
	"github.com/banshee-data/lidar.relay/internal/lidar/export"
)

func sampleFrames() []export.FrameRecord {
	return []export.FrameRecord{
		{Seq: 0, SourcePoints: 100, Points: 80},
		{Seq: 1, SourcePoints: 100, Points: 0},
		{Seq: 2, SourcePoints: 200, Points: 160},
	}
}

func TestSummarize(t *testing.T) {
	s, err := Summarize(sampleFrames())
	require.NoError(t, err)
	assert.Equal(t, 3, s.Frames)
	assert.Equal(t, 0, s.Min)
	assert.Equal(t, 160, s.Max)
	assert.InDelta(t, 80.0, s.Mean, 1e-9)
	assert.InDelta(t, 80.0, s.StdDev, 1e-9)
	assert.InDelta(t, 0.6, s.Kept, 1e-9)
}

func TestSummarize_SingleFrame(t *testing.T) {
	s, err := Summarize([]export.FrameRecord{{SourcePoints: 0, Points: 0}})
	require.NoError(t, err)
	assert.Zero(t, s.StdDev)
	assert.False(t, math.IsNaN(s.Kept))
	assert.Zero(t, s.Kept)
}

func TestNoFrames(t *testing.T) {
	_, err := Summarize(nil)
	assert.ErrorIs(t, err, ErrNoFrames)
	_, err = PointCounts(nil, "empty")
	assert.ErrorIs(t, err, ErrNoFrames)
	assert.ErrorIs(t, WritePNG(&bytes.Buffer{}, nil, "empty"), ErrNoFrames)
}

func TestWritePNG(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WritePNG(&buf, sampleFrames(), "capture.pcap"))

	img, err := png.Decode(&buf)
	require.NoError(t, err)
	assert.Greater(t, img.Bounds().Dx(), img.Bounds().Dy())
}

func TestSavePNG(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	require.NoError(t, SavePNG(fs, "points.png", sampleFrames(), "run"))

	data, err := fs.ReadFile("points.png")
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))
}

func TestSavePNG_NoFramesLeavesNoFile(t *testing.T) {
	fs := fsutil.NewMemoryFileSystem()
	assert.ErrorIs(t, SavePNG(fs, "points.png", nil, "run"), ErrNoFrames)
	assert.Empty(t, fs.Paths())
}
