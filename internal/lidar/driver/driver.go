// Package driver defines the contract between the relay and a sensor driver,
// plus the backends shipped with the relay: a packet driver that reads UDP
// traffic or a PCAP capture and hands packets to a registered Decoder, and a
// synthetic driver for demos and tests.
//
// A driver fills frames on its own goroutine. It obtains buffers through the
// AcquireFunc and hands filled frames back through the ReleaseFunc; both are
// supplied by the consumer and must never block.
package driver

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
)

// AcquireFunc returns an empty frame buffer for the driver to fill. It runs
// on the driver goroutine and must not block.
type AcquireFunc func() *cloud.Frame

// ReleaseFunc receives a filled frame. Ownership passes to the callee. It
// runs on the driver goroutine and must not block.
type ReleaseFunc func(*cloud.Frame)

// FaultFunc receives asynchronous driver faults.
type FaultFunc func(Fault)

// Driver is the capability interface a sensor backend implements.
type Driver interface {
	RegisterFrameProducer(acquire AcquireFunc, release ReleaseFunc)
	RegisterFaultHandler(fn FaultFunc)
	Configure(p Params) error
	Init() error
	Start() error
	Stop() error
}

// Factory builds a fresh driver. Clients and conversions take a Factory so
// tests can substitute a mock.
type Factory func() Driver

// InputType selects where packets come from.
type InputType int

const (
	InputOnline InputType = iota
	InputPCAP
)

func (t InputType) String() string {
	switch t {
	case InputOnline:
		return "online"
	case InputPCAP:
		return "pcap"
	default:
		return fmt.Sprintf("InputType(%d)", int(t))
	}
}

// SensorType names a sensor model; it selects the registered Decoder.
type SensorType string

const (
	SensorRSEM4    SensorType = "RSEM4"
	SensorRS16     SensorType = "RS16"
	SensorRS32     SensorType = "RS32"
	SensorRSHELIOS SensorType = "RSHELIOS"
	SensorRSM1     SensorType = "RSM1"
)

const (
	DefaultMSOPPort     = 6699
	DefaultDIFOPPort    = 7788
	DefaultHostAddress  = "0.0.0.0"
	DefaultSensor       = SensorRSEM4
	FactoryLidarAddress = "192.168.1.200"
	DefaultRcvBuf       = 4 << 20
)

// ErrNotConfigured is returned by Init before a successful Configure.
var ErrNotConfigured = errors.New("driver not configured")

// ErrNotInitialized is returned by Start before a successful Init.
var ErrNotInitialized = errors.New("driver not initialized")

// Params configures a driver.
type Params struct {
	Input      InputType
	SensorType SensorType

	// Online input.
	HostAddress  string
	GroupAddress string // multicast group to join, empty for unicast/broadcast
	MSOPPort     uint16
	DIFOPPort    uint16
	RcvBuf       int

	// PCAP input.
	PCAPPath   string
	PCAPRepeat bool
	PCAPRate   float64 // replay speed multiplier, 0 replays as fast as possible

	// DensePoints drops points with non-finite coordinates.
	DensePoints bool
}

// DefaultParams returns online parameters for the default sensor.
func DefaultParams() Params {
	return Params{
		Input:       InputOnline,
		SensorType:  DefaultSensor,
		HostAddress: DefaultHostAddress,
		MSOPPort:    DefaultMSOPPort,
		DIFOPPort:   DefaultDIFOPPort,
		RcvBuf:      DefaultRcvBuf,
		DensePoints: true,
	}
}

// OnlineParams returns the parameters used for a live sensor at lidarAddr.
// The sensor's factory default address is reached by unicast; any other
// address is joined as a multicast group.
func OnlineParams(lidarAddr string, msop, difop uint16, sensor SensorType, host string) Params {
	p := DefaultParams()
	p.MSOPPort, p.DIFOPPort = msop, difop
	p.SensorType = sensor
	p.HostAddress = host
	if lidarAddr != "" && lidarAddr != FactoryLidarAddress {
		p.GroupAddress = lidarAddr
	}
	return p
}

// PCAPParams returns parameters to replay a capture once, as fast as
// possible, on the default ports.
func PCAPParams(path string) Params {
	p := DefaultParams()
	p.Input = InputPCAP
	p.PCAPPath = path
	return p
}

// Validate checks parameter consistency.
func (p Params) Validate() error {
	if strings.TrimSpace(string(p.SensorType)) == "" {
		return fmt.Errorf("sensor type is required")
	}
	if p.MSOPPort == 0 {
		return fmt.Errorf("msop port must be non-zero")
	}
	if p.DIFOPPort == p.MSOPPort {
		return fmt.Errorf("difop port %d collides with msop port", p.DIFOPPort)
	}
	if p.PCAPRate < 0 {
		return fmt.Errorf("pcap rate must be non-negative, got %g", p.PCAPRate)
	}
	switch p.Input {
	case InputOnline:
		if p.HostAddress != "" && net.ParseIP(p.HostAddress) == nil {
			return fmt.Errorf("invalid host address %q", p.HostAddress)
		}
		if p.GroupAddress != "" {
			ip := net.ParseIP(p.GroupAddress)
			if ip == nil {
				return fmt.Errorf("invalid group address %q", p.GroupAddress)
			}
		}
	case InputPCAP:
		if p.PCAPPath == "" {
			return fmt.Errorf("pcap path is required for pcap input")
		}
	default:
		return fmt.Errorf("unknown input type %v", p.Input)
	}
	return nil
}
