// Package report renders per-frame point counts of an export run.
package report

import (
	"errors"
	"fmt"
	"image/color"
	"io"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"

	"github.com/banshee-data/lidar.relay/internal/fsutil"
	"github.com/banshee-data/lidar.relay/internal/lidar/export"
)

// ErrNoFrames is returned when there is nothing to report.
var ErrNoFrames = errors.New("no frames to report")

const (
	width  = 10 * vg.Inch
	height = 4 * vg.Inch
)

var (
	sourceColor   = color.RGBA{R: 120, G: 120, B: 120, A: 255}
	exportedColor = color.RGBA{R: 31, G: 119, B: 180, A: 255}
)

// Stats summarises the exported point counts of a run. Empty frames count
// as zero.
type Stats struct {
	Frames int
	Mean   float64
	StdDev float64
	Min    int
	Max    int
	Kept   float64 // fraction of source points that survived filtering
}

// Summarize computes Stats over frames.
func Summarize(frames []export.FrameRecord) (Stats, error) {
	if len(frames) == 0 {
		return Stats{}, ErrNoFrames
	}
	counts := make([]float64, len(frames))
	s := Stats{Frames: len(frames), Min: frames[0].Points, Max: frames[0].Points}
	var kept, source int
	for i, f := range frames {
		counts[i] = float64(f.Points)
		s.Min = min(s.Min, f.Points)
		s.Max = max(s.Max, f.Points)
		kept += f.Points
		source += f.SourcePoints
	}
	s.Mean, s.StdDev = stat.MeanStdDev(counts, nil)
	if len(frames) == 1 {
		s.StdDev = 0
	}
	if source > 0 {
		s.Kept = float64(kept) / float64(source)
	}
	return s, nil
}

// PointCounts builds a plot of source and exported points against frame
// sequence.
func PointCounts(frames []export.FrameRecord, title string) (*plot.Plot, error) {
	if len(frames) == 0 {
		return nil, ErrNoFrames
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Points"

	source := make(plotter.XYs, len(frames))
	exported := make(plotter.XYs, len(frames))
	for i, f := range frames {
		source[i] = plotter.XY{X: float64(f.Seq), Y: float64(f.SourcePoints)}
		exported[i] = plotter.XY{X: float64(f.Seq), Y: float64(f.Points)}
	}

	sourceLine, err := plotter.NewLine(source)
	if err != nil {
		return nil, err
	}
	sourceLine.Color = sourceColor
	sourceLine.Width = vg.Points(1)
	sourceLine.Dashes = []vg.Length{vg.Points(4), vg.Points(2)}

	exportedLine, err := plotter.NewLine(exported)
	if err != nil {
		return nil, err
	}
	exportedLine.Color = exportedColor
	exportedLine.Width = vg.Points(1.5)

	p.Add(plotter.NewGrid(), sourceLine, exportedLine)
	p.Legend.Add("source", sourceLine)
	p.Legend.Add("exported", exportedLine)
	p.Legend.Top = true
	p.Legend.Left = false
	p.Legend.XOffs = -10
	p.Legend.YOffs = -10
	p.Y.Min = 0
	return p, nil
}

// WritePNG renders the point-count plot of frames to w.
func WritePNG(w io.Writer, frames []export.FrameRecord, title string) error {
	p, err := PointCounts(frames, title)
	if err != nil {
		return err
	}
	wt, err := p.WriterTo(width, height, "png")
	if err != nil {
		return fmt.Errorf("failed to render plot: %w", err)
	}
	if _, err := wt.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write plot: %w", err)
	}
	return nil
}

// SavePNG writes the point-count plot of frames to path on fs.
func SavePNG(fs fsutil.FileSystem, path string, frames []export.FrameRecord, title string) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	werr := WritePNG(f, frames, title)
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = fs.Remove(path)
		return werr
	}
	return nil
}
