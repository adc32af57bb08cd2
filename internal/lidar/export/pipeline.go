// Package export drains a delivery queue exhaustively and writes every
// non-empty transformed frame to a .npy file.
package export

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/lidar.relay/internal/fsutil"
	"github.com/banshee-data/lidar.relay/internal/handoff"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/lidar/npy"
	"github.com/banshee-data/lidar.relay/internal/monitoring"
	"github.com/banshee-data/lidar.relay/internal/security"
)

var logf = monitoring.Component("Export")

// NoBound disables count-based termination; the run then ends at end of
// stream, shutdown or cancellation.
const NoBound = math.MaxUint32

// ErrQueueClosed is returned by Run when the delivery queue is shut down
// before the bound or the end of stream is reached.
var ErrQueueClosed = errors.New("delivery queue closed")

// FileName returns the export file name for a frame.
func FileName(seq uint32, timestamp float64) string {
	return fmt.Sprintf("cloud_%06d_%.6f%s", seq, timestamp, npy.Extension)
}

// FrameRecord describes one consumed frame.
type FrameRecord struct {
	Seq          uint32
	Timestamp    float64 // first source point, seconds
	SourcePoints int
	Points       int    // after range filtering
	Path         string // empty when nothing was written
}

// Recorder receives a record for every consumed frame, exported or empty.
type Recorder interface {
	RecordFrame(rec FrameRecord) error
}

// Summary totals a run.
type Summary struct {
	Exported    int
	Empty       int
	Points      int
	Files       []string
	Frames      []FrameRecord
	EndOfStream bool // the producer signalled that the source is exhausted
	Duration    time.Duration
}

// Options configures a Pipeline.
type Options struct {
	OutputDir  string
	FrameBound uint32 // stop after the first frame whose seq exceeds this
	FS         fsutil.FileSystem
	Recorder   Recorder
}

// Pipeline is the batch consumer.
type Pipeline struct {
	delivery *handoff.Queue[*cloud.Frame]
	pool     *handoff.Queue[*cloud.Frame]
	cal      *cloud.Calibration
	opts     Options
}

// NewPipeline validates opts and creates the output directory. A nil
// calibration exports untransformed points.
func NewPipeline(delivery, pool *handoff.Queue[*cloud.Frame], cal *cloud.Calibration, opts Options) (*Pipeline, error) {
	if opts.OutputDir == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if opts.FS == nil {
		opts.FS = fsutil.OSFileSystem{}
	}
	if err := opts.FS.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &Pipeline{delivery: delivery, pool: pool, cal: cal, opts: opts}, nil
}

// Run consumes frames in FIFO order until a frame with seq greater than the
// bound has been processed or a nil end-of-stream marker is popped. Every
// popped buffer is returned to the pool.
func (p *Pipeline) Run(ctx context.Context) (sum Summary, err error) {
	start := time.Now()
	defer func() { sum.Duration = time.Since(start) }()

	for {
		f, ok := p.delivery.PopWaitContext(ctx)
		if !ok {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			return sum, ErrQueueClosed
		}
		if f == nil {
			sum.EndOfStream = true
			logf("end of stream after %d exported, %d empty", sum.Exported, sum.Empty)
			return sum, nil
		}

		seq := f.Seq
		err = p.process(f, &sum)
		p.pool.Push(f)
		if err != nil {
			return sum, err
		}
		if seq > p.opts.FrameBound {
			logf("frame bound %d passed at seq %d: %d exported, %d empty", p.opts.FrameBound, seq, sum.Exported, sum.Empty)
			return sum, nil
		}
	}
}

func (p *Pipeline) process(f *cloud.Frame, sum *Summary) error {
	out := p.cal.Apply(f)
	rec := FrameRecord{
		Seq:          f.Seq,
		Timestamp:    f.FirstTimestamp(),
		SourcePoints: f.Len(),
		Points:       out.Len(),
	}

	if out.Len() == 0 {
		sum.Empty++
		logf("frame %d is empty after filtering (%d source points)", f.Seq, f.Len())
	} else {
		path, err := p.write(out, FileName(f.Seq, rec.Timestamp))
		if err != nil {
			return err
		}
		rec.Path = path
		sum.Exported++
		sum.Points += out.Len()
		sum.Files = append(sum.Files, path)
	}
	sum.Frames = append(sum.Frames, rec)

	if p.opts.Recorder != nil {
		if err := p.opts.Recorder.RecordFrame(rec); err != nil {
			logf("Warning: failed to record frame %d: %v", f.Seq, err)
		}
	}
	return nil
}

func (p *Pipeline) write(out *cloud.Frame, name string) (string, error) {
	path, err := security.JoinFilename(p.opts.OutputDir, name)
	if err != nil {
		return "", err
	}
	w, err := p.opts.FS.Create(path)
	if err != nil {
		return "", fmt.Errorf("failed to create %s: %w", path, err)
	}
	werr := npy.WriteFloat32(w, out.XYZ(), []int{out.Len(), 3})
	cerr := w.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = p.opts.FS.Remove(path)
		return "", fmt.Errorf("failed to write %s: %w", path, werr)
	}
	return path, nil
}
