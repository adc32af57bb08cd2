// Package client drives a sensor session in real-time mode: it owns the
// driver, the buffer pool, the delivery queue and the publisher, and
// exposes the newest frame to a single reader.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/lidar.relay/internal/handoff"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/lidar/driver"
	"github.com/banshee-data/lidar.relay/internal/lidar/realtime"
	"github.com/banshee-data/lidar.relay/internal/monitoring"
)

var (
	// ErrNotInitialized is returned by Start before a successful Initialize.
	ErrNotInitialized = errors.New("client not initialized")

	// ErrNotRunning is returned by fetches while the client is not running.
	ErrNotRunning = errors.New("client not running")

	// ErrInitFailed wraps the driver error that rejected Initialize.
	ErrInitFailed = errors.New("client initialization failed")

	// ErrStopped is returned by a fetch that was released by Stop.
	ErrStopped = realtime.ErrStopped
)

var logf = monitoring.Component("Client")

const defaultForceStopTimeout = 2 * time.Second

// State is the lifecycle state of a Client.
type State int32

const (
	StateUninitialized State = iota
	StateInitialized
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitialized:
		return "initialized"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Client is a real-time sensor session.
type Client struct {
	newDriver        driver.Factory
	forceStopTimeout time.Duration
	observer         func(*cloud.Frame)
	faultObserver    driver.FaultFunc

	mu        sync.Mutex
	state     State
	params    driver.Params
	drv       driver.Driver
	pool      *handoff.Queue[*cloud.Frame]
	delivery  *handoff.Queue[*cloud.Frame]
	pub       *realtime.Publisher
	sessionID uuid.UUID

	connected   atomic.Bool
	calibration atomic.Pointer[cloud.Calibration]

	errMu   sync.Mutex
	lastErr error
}

// Option configures a Client.
type Option func(*Client)

// WithDriverFactory sets how drivers are built. The default is the packet
// driver.
func WithDriverFactory(f driver.Factory) Option {
	return func(c *Client) { c.newDriver = f }
}

// WithForceStopTimeout bounds how long ForceStop waits for the publisher.
func WithForceStopTimeout(d time.Duration) Option {
	return func(c *Client) { c.forceStopTimeout = d }
}

// WithFrameObserver registers fn with every publisher the client starts.
// See realtime.Publisher.SetObserver.
func WithFrameObserver(fn func(*cloud.Frame)) Option {
	return func(c *Client) { c.observer = fn }
}

// WithFaultObserver registers fn to be called with every driver fault after
// it is recorded. fn runs on the driver goroutine and must not block.
func WithFaultObserver(fn driver.FaultFunc) Option {
	return func(c *Client) { c.faultObserver = fn }
}

// New returns an uninitialized client.
func New(opts ...Option) *Client {
	c := &Client{
		newDriver:        driver.NewPacketFactory(),
		forceStopTimeout: defaultForceStopTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize connects to the sensor at lidarAddr with the default ports,
// sensor model and host address, then starts streaming.
func (c *Client) Initialize(lidarAddr string) error {
	return c.InitializeWith(driver.OnlineParams(lidarAddr,
		driver.DefaultMSOPPort, driver.DefaultDIFOPPort, driver.DefaultSensor, driver.DefaultHostAddress))
}

// InitializeWith configures and initializes a new driver with p, then
// starts streaming. It is allowed from the uninitialized and stopped
// states. On failure the client stays uninitialized and the error is
// recorded.
func (c *Client) InitializeWith(p driver.Params) error {
	if err := c.initialize(p); err != nil {
		c.setError(err)
		return err
	}
	return c.Start()
}

func (c *Client) initialize(p driver.Params) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateInitialized || c.state == StateRunning {
		return fmt.Errorf("cannot initialize a client that is %s", c.state)
	}

	pool := handoff.New[*cloud.Frame]()
	delivery := handoff.New[*cloud.Frame]()
	drv := c.newDriver()
	drv.RegisterFrameProducer(driver.QueueProducer(pool, delivery))
	drv.RegisterFaultHandler(c.onFault)

	if err := drv.Configure(p); err != nil {
		c.state = StateUninitialized
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}
	if err := drv.Init(); err != nil {
		c.state = StateUninitialized
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}

	c.params = p
	c.drv = drv
	c.pool, c.delivery = pool, delivery
	c.pub = nil
	c.sessionID = uuid.New()
	c.state = StateInitialized
	logf("initialized session %s: %s input, sensor %s, msop=%d difop=%d",
		c.sessionID, p.Input, p.SensorType, p.MSOPPort, p.DIFOPPort)
	return nil
}

// Start launches the publisher and then the driver. It is a no-op while
// running.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateRunning:
		return nil
	case StateInitialized:
	default:
		return ErrNotInitialized
	}

	pub := realtime.NewPublisher(c.delivery, c.pool, c.calibration.Load)
	if c.observer != nil {
		pub.SetObserver(c.observer)
	}
	pub.Start()
	if err := c.drv.Start(); err != nil {
		// The publisher shut the delivery queue; a new session is needed.
		pub.Stop()
		c.drv = nil
		c.state = StateUninitialized
		err = fmt.Errorf("failed to start driver: %w", err)
		c.setError(err)
		return err
	}
	c.pub = pub
	c.connected.Store(true)
	c.state = StateRunning
	logf("session %s running", c.sessionID)
	return nil
}

// Stop wakes any blocked fetch, waits for the publisher to exit and stops
// the driver. It is a no-op unless the client is running.
func (c *Client) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return nil
	}

	c.pub.Stop()
	err := c.drv.Stop()
	c.pool.Drain()
	c.delivery.Drain()
	c.connected.Store(false)
	c.state = StateStopped
	if err != nil {
		err = fmt.Errorf("failed to stop driver: %w", err)
		c.setError(err)
		return err
	}
	logf("session %s stopped", c.sessionID)
	return nil
}

// ForceStop tears the session down from any state. It never panics and
// never returns an error; failures are logged. The publisher gets a bounded
// wait to exit before both queues are drained.
func (c *Client) ForceStop() {
	defer func() {
		if r := recover(); r != nil {
			logf("recovered during force stop: %v", r)
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	drv, pub := c.drv, c.pub
	c.connected.Store(false)
	c.state = StateStopped

	if drv != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logf("driver panicked on stop: %v", r)
				}
			}()
			if err := drv.Stop(); err != nil {
				logf("driver stop failed: %v", err)
			}
		}()
	}
	if pub != nil && !pub.StopWithTimeout(c.forceStopTimeout) {
		logf("publisher still running after %v", c.forceStopTimeout)
	}
	if c.delivery != nil {
		c.delivery.Shutdown()
		c.delivery.Drain()
	}
	if c.pool != nil {
		c.pool.Drain()
	}
}

// Close force-stops the client. It always returns nil.
func (c *Client) Close() error {
	c.ForceStop()
	return nil
}

// FetchLatest blocks until a frame newer than the last fetched one is
// available. It returns ErrNotRunning immediately when the client is not
// running and ErrStopped when Stop releases the wait.
func (c *Client) FetchLatest() (*cloud.Frame, error) {
	pub, err := c.runningPublisher()
	if err != nil {
		return nil, err
	}
	f, ok := pub.Fetch()
	if !ok {
		return nil, ErrStopped
	}
	return f, nil
}

// FetchLatestContext is FetchLatest with cancellation.
func (c *Client) FetchLatestContext(ctx context.Context) (*cloud.Frame, error) {
	pub, err := c.runningPublisher()
	if err != nil {
		return nil, err
	}
	return pub.FetchContext(ctx)
}

// FetchLatestXYZ returns the newest frame as an N×3 row-major slice.
func (c *Client) FetchLatestXYZ() ([]float32, error) {
	f, err := c.FetchLatest()
	if err != nil {
		return nil, err
	}
	return f.XYZ(), nil
}

func (c *Client) runningPublisher() (*realtime.Publisher, error) {
	c.mu.Lock()
	state, pub := c.state, c.pub
	c.mu.Unlock()
	if state != StateRunning || pub == nil {
		c.setError(ErrNotRunning)
		return nil, ErrNotRunning
	}
	return pub, nil
}

// SetCalibration replaces the real-time rotation (row-major 3×3) and
// translation. It takes effect from the next frame.
func (c *Client) SetCalibration(r, t []float64) error {
	cal, err := cloud.NewCalibration(r, t, nil)
	if err != nil {
		return err
	}
	if !cal.IsRigid(1e-6) {
		logf("Warning: calibration rotation is not a proper rotation")
	}
	c.calibration.Store(cal)
	return nil
}

// Calibration returns the current calibration, nil for identity.
func (c *Client) Calibration() *cloud.Calibration {
	return c.calibration.Load()
}

func (c *Client) onFault(f driver.Fault) {
	c.setError(f)
	if !f.Informational() && c.connected.Swap(false) {
		logf("connection lost: %v", f)
	}
	if c.faultObserver != nil {
		c.faultObserver(f)
	}
}

func (c *Client) setError(err error) {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	c.lastErr = err
}

// LastError returns the most recent error or fault, nil if none.
func (c *Client) LastError() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.lastErr
}

// IsConnected reports whether the client is running and no
// non-informational fault has been seen since it started.
func (c *Client) IsConnected() bool {
	return c.connected.Load() && c.State() == StateRunning
}

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID identifies the current driver session. It changes on every
// successful Initialize.
func (c *Client) SessionID() uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// Params returns the parameters of the current session.
func (c *Client) Params() driver.Params {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Stats returns the publisher counters of the running session.
func (c *Client) Stats() realtime.Stats {
	c.mu.Lock()
	pub := c.pub
	c.mu.Unlock()
	if pub == nil {
		return realtime.Stats{}
	}
	return pub.Stats()
}
