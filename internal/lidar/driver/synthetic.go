package driver

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/timeutil"
)

// SyntheticDriver generates disc-shaped frames at a fixed rate. It needs no
// sensor or decoder and is used for demos and pipeline tests.
type SyntheticDriver struct {
	// Configuration
	PointCount int     // points per frame
	FrameRate  float64 // frames per second
	AreaRadius float64 // metres, radius of the disc
	MaxFrames  int     // frames to emit before reporting end of stream, 0 for unbounded
	Seed       int64

	clock timeutil.Clock

	mu      sync.Mutex
	acquire AcquireFunc
	release ReleaseFunc
	fault   FaultFunc
	params  Params
	ready   bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSyntheticDriver returns a generator with demo defaults.
func NewSyntheticDriver(clock timeutil.Clock) *SyntheticDriver {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SyntheticDriver{
		PointCount: 10000,
		FrameRate:  10.0,
		AreaRadius: 50.0,
		Seed:       time.Now().UnixNano(),
		clock:      clock,
	}
}

// NewSyntheticFactory returns a Factory whose drivers emit maxFrames frames
// at rate.
func NewSyntheticFactory(clock timeutil.Clock, rate float64, maxFrames int) Factory {
	return func() Driver {
		d := NewSyntheticDriver(clock)
		d.FrameRate = rate
		d.MaxFrames = maxFrames
		return d
	}
}

func (d *SyntheticDriver) RegisterFrameProducer(acquire AcquireFunc, release ReleaseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquire, d.release = acquire, release
}

func (d *SyntheticDriver) RegisterFaultHandler(fn FaultFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = fn
}

// Configure accepts any valid parameters; only DensePoints is honoured.
func (d *SyntheticDriver) Configure(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid driver params: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = p
	return nil
}

func (d *SyntheticDriver) Init() error {
	if d.PointCount <= 0 {
		return fmt.Errorf("point count must be positive, got %d", d.PointCount)
	}
	if d.FrameRate <= 0 {
		return fmt.Errorf("frame rate must be positive, got %g", d.FrameRate)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = true
	return nil
}

func (d *SyntheticDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		return nil
	}
	if !d.ready {
		return ErrNotInitialized
	}
	if d.acquire == nil || d.release == nil {
		return fmt.Errorf("no frame producer registered")
	}
	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.run(ctx, d.done, d.acquire, d.release, d.fault)
	driverLogf("synthetic driver started: %d points at %.1f Hz", d.PointCount, d.FrameRate)
	return nil
}

func (d *SyntheticDriver) Stop() error {
	d.mu.Lock()
	cancel, done := d.cancel, d.done
	d.cancel, d.done = nil, nil
	d.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (d *SyntheticDriver) run(ctx context.Context, done chan struct{}, acquire AcquireFunc, release ReleaseFunc, fault FaultFunc) {
	defer close(done)
	rng := rand.New(rand.NewSource(d.Seed))
	ticker := d.clock.NewTicker(time.Duration(float64(time.Second) / d.FrameRate))
	defer ticker.Stop()

	var seq uint32
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			f := acquire()
			if f == nil {
				f = cloud.NewFrame(d.PointCount)
			}
			d.fill(f, rng, now)
			f.Seq = seq
			seq++
			release(f)

			if d.MaxFrames > 0 && int(seq) >= d.MaxFrames {
				ft := NewFault(CodePCAPEOF, "synthetic stream complete", d.clock.Now())
				driverLogf("%v", ft)
				if fault != nil {
					fault(ft)
				}
				return
			}
		}
	}
}

// fill writes a uniform disc of points with 10% raised above ground.
func (d *SyntheticDriver) fill(f *cloud.Frame, rng *rand.Rand, now time.Time) {
	base := float64(now.UnixNano()) / 1e9
	step := 1.0 / d.FrameRate / float64(d.PointCount)
	for i := 0; i < d.PointCount; i++ {
		angle := rng.Float64() * 2 * math.Pi
		r := math.Sqrt(rng.Float64()) * d.AreaRadius

		p := cloud.Point{
			X:         float32(r * math.Cos(angle)),
			Y:         float32(r * math.Sin(angle)),
			Timestamp: base + float64(i)*step,
		}
		if rng.Float64() < 0.1 {
			p.Z = float32(rng.Float64() * 2.0)
		} else {
			p.Z = float32(rng.Float64()*0.2 - 0.1)
		}
		intensity := 200 - r*3
		if intensity < 50 {
			intensity = 50
		}
		p.Intensity = float32(intensity + rng.Float64()*30)
		f.Points = append(f.Points, p)
	}
}
