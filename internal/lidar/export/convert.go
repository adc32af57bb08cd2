package export

import (
	"context"
	"fmt"
	"sync"

	"github.com/banshee-data/lidar.relay/internal/fsutil"
	"github.com/banshee-data/lidar.relay/internal/handoff"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/lidar/driver"
)

// ConvertOptions describes a capture conversion.
type ConvertOptions struct {
	PCAPPath   string
	OutputDir  string
	FrameBound uint32

	// Params overrides the default PCAP parameters. Input and PCAPPath are
	// always taken from this struct.
	Params *driver.Params

	// Driver builds the driver; nil uses the packet driver.
	Driver   driver.Factory
	FS       fsutil.FileSystem
	Recorder Recorder
}

// ConvertCapture replays a capture and exports every frame untransformed.
func ConvertCapture(ctx context.Context, opts ConvertOptions) (Summary, error) {
	return ConvertCaptureWithCalibration(ctx, opts, nil)
}

// ConvertCaptureWithCalibration replays a capture, applies cal with its
// range filter and exports every non-empty frame. The consumer starts
// before the driver. The run ends at the frame bound or when the driver
// reports the end of the capture, whichever comes first.
func ConvertCaptureWithCalibration(ctx context.Context, opts ConvertOptions, cal *cloud.Calibration) (Summary, error) {
	params := driver.PCAPParams(opts.PCAPPath)
	if opts.Params != nil {
		params = *opts.Params
		params.Input = driver.InputPCAP
		params.PCAPPath = opts.PCAPPath
	}
	params.PCAPRepeat = false
	newDriver := opts.Driver
	if newDriver == nil {
		newDriver = driver.NewPacketFactory()
	}

	pool := handoff.New[*cloud.Frame]()
	delivery := handoff.New[*cloud.Frame]()
	defer func() {
		delivery.Shutdown()
		delivery.Drain()
		pool.Drain()
	}()

	pipeline, err := NewPipeline(delivery, pool, cal, Options{
		OutputDir:  opts.OutputDir,
		FrameBound: opts.FrameBound,
		FS:         opts.FS,
		Recorder:   opts.Recorder,
	})
	if err != nil {
		return Summary{}, err
	}

	d := newDriver()
	d.RegisterFrameProducer(driver.QueueProducer(pool, delivery))
	var (
		faultMu  sync.Mutex
		fatal    error
		finished bool
	)
	d.RegisterFaultHandler(func(f driver.Fault) {
		faultMu.Lock()
		defer faultMu.Unlock()
		switch {
		case f.Code == driver.CodePCAPEOF:
		case f.Severity == driver.SeverityError:
			if fatal == nil {
				fatal = f
			}
		default:
			logf("driver fault: %v", f)
			return
		}
		if !finished {
			finished = true
			delivery.Push(nil)
		}
	})

	if err := d.Configure(params); err != nil {
		return Summary{}, fmt.Errorf("failed to configure driver: %w", err)
	}
	if err := d.Init(); err != nil {
		return Summary{}, fmt.Errorf("failed to initialise driver: %w", err)
	}

	type result struct {
		sum Summary
		err error
	}
	done := make(chan result, 1)
	go func() {
		sum, err := pipeline.Run(ctx)
		done <- result{sum, err}
	}()

	if err := d.Start(); err != nil {
		delivery.Shutdown()
		<-done
		return Summary{}, fmt.Errorf("failed to start driver: %w", err)
	}
	logf("converting %s into %s (bound %d)", opts.PCAPPath, opts.OutputDir, opts.FrameBound)

	res := <-done
	if err := d.Stop(); err != nil {
		logf("Warning: driver stop: %v", err)
	}

	faultMu.Lock()
	fatalErr := fatal
	faultMu.Unlock()
	if res.err == nil && fatalErr != nil {
		res.err = fmt.Errorf("capture ended early: %w", fatalErr)
	}
	logf("conversion finished: %d exported, %d empty, %d points in %v",
		res.sum.Exported, res.sum.Empty, res.sum.Points, res.sum.Duration)
	return res.sum, res.err
}
