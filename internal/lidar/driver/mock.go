package driver

import (
	"sync"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
)

// MockDriver implements Driver for testing. Frames and faults are injected
// by calling Emit and RaiseFault.
type MockDriver struct {
	mu      sync.Mutex
	acquire AcquireFunc
	release ReleaseFunc
	fault   FaultFunc
	params  Params
	running bool
	calls   map[string]int

	// Errors returned by the lifecycle methods.
	ConfigureErr error
	InitErr      error
	StartErr     error
	StopErr      error

	// StopPanic, when non-nil, is raised by Stop.
	StopPanic interface{}

	// OnStart runs on its own goroutine after a successful Start.
	OnStart func(m *MockDriver)
}

// NewMockDriver returns a mock with no injected errors.
func NewMockDriver() *MockDriver {
	return &MockDriver{calls: make(map[string]int)}
}

// Factory returns a Factory that always yields m.
func (m *MockDriver) Factory() Factory {
	return func() Driver { return m }
}

func (m *MockDriver) record(name string) {
	if m.calls == nil {
		m.calls = make(map[string]int)
	}
	m.calls[name]++
}

func (m *MockDriver) RegisterFrameProducer(acquire AcquireFunc, release ReleaseFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RegisterFrameProducer")
	m.acquire, m.release = acquire, release
}

func (m *MockDriver) RegisterFaultHandler(fn FaultFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RegisterFaultHandler")
	m.fault = fn
}

func (m *MockDriver) Configure(p Params) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Configure")
	if m.ConfigureErr != nil {
		return m.ConfigureErr
	}
	m.params = p
	return nil
}

func (m *MockDriver) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("Init")
	return m.InitErr
}

func (m *MockDriver) Start() error {
	m.mu.Lock()
	m.record("Start")
	if m.StartErr != nil {
		m.mu.Unlock()
		return m.StartErr
	}
	m.running = true
	onStart := m.OnStart
	m.mu.Unlock()
	if onStart != nil {
		go onStart(m)
	}
	return nil
}

func (m *MockDriver) Stop() error {
	m.mu.Lock()
	m.record("Stop")
	m.running = false
	p, err := m.StopPanic, m.StopErr
	m.mu.Unlock()
	if p != nil {
		panic(p)
	}
	return err
}

// Params returns the last configured parameters.
func (m *MockDriver) Params() Params {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.params
}

// Running reports whether Start succeeded without a later Stop.
func (m *MockDriver) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Calls returns how many times the named method was invoked.
func (m *MockDriver) Calls(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[name]
}

// Emit fills a buffer from the registered producer with points and releases
// it as frame seq. It reports false when no producer is registered.
func (m *MockDriver) Emit(seq uint32, points ...cloud.Point) bool {
	m.mu.Lock()
	acquire, release := m.acquire, m.release
	m.mu.Unlock()
	if acquire == nil || release == nil {
		return false
	}
	f := acquire()
	if f == nil {
		f = cloud.NewFrame(len(points))
	}
	f.Seq = seq
	f.Points = append(f.Points, points...)
	release(f)
	return true
}

// RaiseFault delivers f to the registered fault handler.
func (m *MockDriver) RaiseFault(f Fault) {
	m.mu.Lock()
	fn := m.fault
	m.mu.Unlock()
	if fn != nil {
		fn(f)
	}
}
