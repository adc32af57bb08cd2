package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/monitoring"
	"github.com/banshee-data/lidar.relay/internal/timeutil"
)

var driverLogf = monitoring.Component("Driver")

const (
	defaultStatsInterval = 10 * time.Second
	defaultIdleTimeout   = time.Second
)

// PacketDriver reads sensor packets from a Source, decodes them with the
// Decoder registered for the configured sensor and assembles frames.
type PacketDriver struct {
	mu          sync.Mutex
	params      Params
	configured  bool
	initialized bool
	running     bool

	acquire AcquireFunc
	release ReleaseFunc
	fault   FaultFunc

	newSource     func(Params) Source
	newDecoder    func(SensorType) (Decoder, error)
	clock         timeutil.Clock
	statsInterval time.Duration
	idleTimeout   time.Duration

	source  Source
	decoder Decoder
	stats   *PacketStats
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option configures a PacketDriver.
type Option func(*PacketDriver)

// WithSourceFactory replaces the UDP/PCAP source selection.
func WithSourceFactory(fn func(Params) Source) Option {
	return func(d *PacketDriver) { d.newSource = fn }
}

// WithDecoderFactory replaces the decoder registry lookup.
func WithDecoderFactory(fn func(SensorType) (Decoder, error)) Option {
	return func(d *PacketDriver) { d.newDecoder = fn }
}

// WithClock sets the clock used for fault times and statistics.
func WithClock(c timeutil.Clock) Option {
	return func(d *PacketDriver) { d.clock = c }
}

// WithStatsInterval sets how often packet statistics are logged. Zero
// disables the report.
func WithStatsInterval(interval time.Duration) Option {
	return func(d *PacketDriver) { d.statsInterval = interval }
}

// WithIdleTimeout sets how long a live source may stay silent before an
// msop timeout fault is raised.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(d *PacketDriver) { d.idleTimeout = timeout }
}

// NewPacketDriver returns an unconfigured packet driver.
func NewPacketDriver(opts ...Option) *PacketDriver {
	d := &PacketDriver{
		newDecoder:    NewDecoder,
		clock:         timeutil.RealClock{},
		statsInterval: defaultStatsInterval,
		idleTimeout:   defaultIdleTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.newSource == nil {
		d.newSource = d.defaultSource
	}
	return d
}

// NewPacketFactory returns a Factory building packet drivers with opts.
func NewPacketFactory(opts ...Option) Factory {
	return func() Driver { return NewPacketDriver(opts...) }
}

func (d *PacketDriver) defaultSource(p Params) Source {
	if p.Input == InputPCAP {
		return NewPCAPSource(p, nil)
	}
	return NewUDPSource(p, nil, d.idleTimeout)
}

// RegisterFrameProducer installs the buffer callbacks.
func (d *PacketDriver) RegisterFrameProducer(acquire AcquireFunc, release ReleaseFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acquire, d.release = acquire, release
}

// RegisterFaultHandler installs the fault callback.
func (d *PacketDriver) RegisterFaultHandler(fn FaultFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fault = fn
}

// Configure validates and stores p. It fails while the driver is running.
func (d *PacketDriver) Configure(p Params) error {
	if err := p.Validate(); err != nil {
		return fmt.Errorf("invalid driver params: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("cannot configure a running driver")
	}
	d.params = p
	d.configured = true
	d.initialized = false
	return nil
}

// Init resolves the decoder and builds the packet source.
func (d *PacketDriver) Init() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return ErrNotConfigured
	}
	if d.running {
		return nil
	}
	dec, err := d.newDecoder(d.params.SensorType)
	if err != nil {
		return err
	}
	if d.params.Input == InputPCAP {
		if _, err := os.Stat(d.params.PCAPPath); err != nil {
			return fmt.Errorf("pcap file unavailable: %w", err)
		}
	}
	d.decoder = dec
	d.source = d.newSource(d.params)
	d.initialized = true
	return nil
}

// Start opens the source and launches the receive goroutine.
func (d *PacketDriver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}
	if !d.initialized {
		return ErrNotInitialized
	}
	if d.acquire == nil || d.release == nil {
		return fmt.Errorf("no frame producer registered")
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.source.Open(ctx); err != nil {
		cancel()
		return fmt.Errorf("failed to open %s source: %w", d.params.Input, err)
	}

	d.stats = NewPacketStats(d.clock.Now())
	r := &receiver{
		params:  d.params,
		source:  d.source,
		decoder: d.decoder,
		acquire: d.acquire,
		release: d.release,
		fault:   d.fault,
		clock:   d.clock,
		stats:   d.stats,
	}
	d.cancel = cancel
	d.done = make(chan struct{})
	d.running = true

	go func(done chan struct{}) {
		defer close(done)
		r.run(ctx)
	}(d.done)
	if d.statsInterval > 0 {
		go d.logStats(ctx, d.stats)
	}
	driverLogf("started %s driver for %s", d.params.Input, d.params.SensorType)
	return nil
}

// Stop cancels the receive goroutine, waits for it and closes the source.
func (d *PacketDriver) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	cancel, done, src := d.cancel, d.done, d.source
	d.cancel, d.done = nil, nil
	d.running = false
	d.mu.Unlock()

	cancel()
	<-done
	if err := src.Close(); err != nil {
		return fmt.Errorf("failed to close source: %w", err)
	}
	driverLogf("stopped")
	return nil
}

func (d *PacketDriver) logStats(ctx context.Context, stats *PacketStats) {
	ticker := d.clock.NewTicker(d.statsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C():
			stats.LogStats(now, driverLogf)
		}
	}
}

// receiver is the state owned by one receive goroutine.
type receiver struct {
	params  Params
	source  Source
	decoder Decoder
	acquire AcquireFunc
	release ReleaseFunc
	fault   FaultFunc
	clock   timeutil.Clock
	stats   *PacketStats

	current *cloud.Frame
	seq     uint32
}

func (r *receiver) run(ctx context.Context) {
	for {
		pkt, err := r.source.ReadPacket(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			switch {
			case errors.Is(err, ErrSourceIdle):
				r.emit(CodeMSOPTimeout, "no packets received")
				continue
			case errors.Is(err, io.EOF):
				r.flush()
				if !r.params.PCAPRepeat {
					r.emit(CodePCAPEOF, r.params.PCAPPath)
					return
				}
				r.emit(CodePCAPRepeat, r.params.PCAPPath)
				if err := r.source.Open(ctx); err != nil {
					r.emit(CodeSourceOpen, err.Error())
					return
				}
				continue
			default:
				r.flush()
				r.emit(CodeSourceRead, err.Error())
				return
			}
		}

		r.stats.AddPacket(len(pkt.Data))
		switch pkt.Port {
		case r.params.MSOPPort:
			r.handleMSOP(pkt)
		case r.params.DIFOPPort:
			if err := r.decoder.DecodeDIFOP(pkt); err != nil {
				r.stats.AddDropped()
				r.emit(CodeWrongPacket, fmt.Sprintf("difop: %v", err))
			}
		}
	}
}

func (r *receiver) handleMSOP(pkt Packet) {
	points, split, err := r.decoder.DecodeMSOP(pkt)
	if err != nil {
		r.stats.AddDropped()
		r.emit(CodeWrongPacket, fmt.Sprintf("msop: %v", err))
		return
	}
	if split {
		r.flush()
	}
	if len(points) == 0 {
		return
	}
	if r.current == nil {
		r.current = r.acquire()
		if r.current == nil {
			r.current = cloud.NewFrame(len(points))
		}
	}
	kept := 0
	for _, p := range points {
		if r.params.DensePoints && !finite(p) {
			continue
		}
		r.current.Points = append(r.current.Points, p)
		kept++
	}
	r.stats.AddPoints(kept)
}

// flush hands the frame being filled to the consumer. An empty buffer is
// kept for the next sweep.
func (r *receiver) flush() {
	if r.current == nil || len(r.current.Points) == 0 {
		return
	}
	r.current.Seq = r.seq
	r.seq++
	f := r.current
	r.current = nil
	r.stats.AddFrame()
	r.release(f)
}

func (r *receiver) emit(code Code, detail string) {
	f := NewFault(code, detail, r.clock.Now())
	driverLogf("%v", f)
	if r.fault != nil {
		r.fault(f)
	}
}

func finite(p cloud.Point) bool {
	return !math.IsNaN(float64(p.X)) && !math.IsNaN(float64(p.Y)) && !math.IsNaN(float64(p.Z)) &&
		!math.IsInf(float64(p.X), 0) && !math.IsInf(float64(p.Y), 0) && !math.IsInf(float64(p.Z), 0)
}
