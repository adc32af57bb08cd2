package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/lidar/driver"
	"github.com/banshee-data/lidar.relay/internal/lidar/export"
)

const maxFileSize = 1 * 1024 * 1024 // 1MB

// RelayConfig is the relay's file configuration. Every field is optional;
// the Get* methods return the default for fields that are not set. The
// same keys are used for JSON and TOML files.
type RelayConfig struct {
	// Sensor
	LidarAddress *string `json:"lidar_address,omitempty" toml:"lidar_address"`
	HostAddress  *string `json:"host_address,omitempty" toml:"host_address"`
	MSOPPort     *int    `json:"msop_port,omitempty" toml:"msop_port"`
	DIFOPPort    *int    `json:"difop_port,omitempty" toml:"difop_port"`
	SensorType   *string `json:"sensor_type,omitempty" toml:"sensor_type"`
	DensePoints  *bool   `json:"dense_points,omitempty" toml:"dense_points"`

	// Calibration: row-major 3x3 rotation, translation and the range box
	// [xmin, xmax, ymin, ymax, zmin, zmax].
	Rotation    []float64 `json:"rotation,omitempty" toml:"rotation"`
	Translation []float64 `json:"translation,omitempty" toml:"translation"`
	RangeBox    []float64 `json:"range_box,omitempty" toml:"range_box"`

	// Capture replay and export
	FrameBound *int64   `json:"frame_bound,omitempty" toml:"frame_bound"` // negative for no bound
	ReplayRate *float64 `json:"replay_rate,omitempty" toml:"replay_rate"`
	PCAPRepeat *bool    `json:"pcap_repeat,omitempty" toml:"pcap_repeat"`
	Manifest   *string  `json:"manifest_path,omitempty" toml:"manifest_path"`

	// Live stream. StreamAllowOrigins lists browser origins accepted besides
	// the relay's own host, "*" for any.
	StreamListen       *string  `json:"stream_listen,omitempty" toml:"stream_listen"`
	StreamMaxPoints    *int     `json:"stream_max_points,omitempty" toml:"stream_max_points"`
	StreamAllowOrigins []string `json:"stream_allow_origins,omitempty" toml:"stream_allow_origins"`

	// Lifecycle
	ForceStopTimeout *string `json:"force_stop_timeout,omitempty" toml:"force_stop_timeout"` // duration string like "2s"
	StatsInterval    *string `json:"stats_interval,omitempty" toml:"stats_interval"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrInt64(v int64) *int64       { return &v }

// EmptyRelayConfig returns a RelayConfig with all fields unset.
func EmptyRelayConfig() *RelayConfig {
	return &RelayConfig{}
}

// LoadRelayConfig loads a RelayConfig from a .json or .toml file of at
// most 1MB and validates it.
func LoadRelayConfig(path string) (*RelayConfig, error) {
	cleanPath := filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(cleanPath))
	if ext != ".json" && ext != ".toml" {
		return nil, fmt.Errorf("config file must have .json or .toml extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyRelayConfig()
	switch ext {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	case ".toml":
		meta, err := toml.Decode(string(data), cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config TOML: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("unknown config key %q", undecoded[0].String())
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that the set values are usable.
func (c *RelayConfig) Validate() error {
	if c.LidarAddress != nil && *c.LidarAddress != "" && net.ParseIP(*c.LidarAddress) == nil {
		return fmt.Errorf("invalid lidar_address %q", *c.LidarAddress)
	}
	if c.HostAddress != nil && *c.HostAddress != "" && net.ParseIP(*c.HostAddress) == nil {
		return fmt.Errorf("invalid host_address %q", *c.HostAddress)
	}
	for name, port := range map[string]*int{"msop_port": c.MSOPPort, "difop_port": c.DIFOPPort} {
		if port != nil && (*port < 1 || *port > math.MaxUint16) {
			return fmt.Errorf("%s must be between 1 and 65535, got %d", name, *port)
		}
	}
	if c.GetMSOPPort() == c.GetDIFOPPort() {
		return fmt.Errorf("msop_port and difop_port must differ, both are %d", c.GetMSOPPort())
	}
	if c.SensorType != nil && strings.TrimSpace(*c.SensorType) == "" {
		return fmt.Errorf("sensor_type must not be empty")
	}

	if len(c.Rotation) > 0 || len(c.Translation) > 0 || len(c.RangeBox) > 0 {
		if _, err := c.Calibration(); err != nil {
			return err
		}
	}

	if c.FrameBound != nil && *c.FrameBound > math.MaxUint32 {
		return fmt.Errorf("frame_bound must be at most %d, got %d", uint32(math.MaxUint32), *c.FrameBound)
	}
	if c.ReplayRate != nil && (*c.ReplayRate < 0 || math.IsNaN(*c.ReplayRate)) {
		return fmt.Errorf("replay_rate must be non-negative, got %f", *c.ReplayRate)
	}
	if c.StreamListen != nil && *c.StreamListen != "" {
		if _, _, err := net.SplitHostPort(*c.StreamListen); err != nil {
			return fmt.Errorf("invalid stream_listen %q: %w", *c.StreamListen, err)
		}
	}
	if c.StreamMaxPoints != nil && *c.StreamMaxPoints < 0 {
		return fmt.Errorf("stream_max_points must be non-negative, got %d", *c.StreamMaxPoints)
	}
	for _, o := range c.StreamAllowOrigins {
		if o == "*" {
			continue
		}
		u, err := url.Parse(o)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid stream_allow_origins entry %q: want scheme://host[:port] or *", o)
		}
	}

	for name, v := range map[string]*string{"force_stop_timeout": c.ForceStopTimeout, "stats_interval": c.StatsInterval} {
		if v != nil && *v != "" {
			d, err := time.ParseDuration(*v)
			if err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
			if d < 0 {
				return fmt.Errorf("%s must be non-negative, got %s", name, *v)
			}
		}
	}
	return nil
}

// GetLidarAddress returns the sensor address or the factory default.
func (c *RelayConfig) GetLidarAddress() string {
	if c.LidarAddress == nil || *c.LidarAddress == "" {
		return driver.FactoryLidarAddress
	}
	return *c.LidarAddress
}

// GetHostAddress returns the local bind address or the default.
func (c *RelayConfig) GetHostAddress() string {
	if c.HostAddress == nil || *c.HostAddress == "" {
		return driver.DefaultHostAddress
	}
	return *c.HostAddress
}

// GetMSOPPort returns the point packet port or the default.
func (c *RelayConfig) GetMSOPPort() int {
	if c.MSOPPort == nil {
		return driver.DefaultMSOPPort
	}
	return *c.MSOPPort
}

// GetDIFOPPort returns the device info packet port or the default.
func (c *RelayConfig) GetDIFOPPort() int {
	if c.DIFOPPort == nil {
		return driver.DefaultDIFOPPort
	}
	return *c.DIFOPPort
}

// GetSensorType returns the sensor model or the default.
func (c *RelayConfig) GetSensorType() driver.SensorType {
	if c.SensorType == nil {
		return driver.DefaultSensor
	}
	return driver.SensorType(strings.TrimSpace(*c.SensorType))
}

// GetDensePoints returns dense_points or the default (true).
func (c *RelayConfig) GetDensePoints() bool {
	if c.DensePoints == nil {
		return true
	}
	return *c.DensePoints
}

// GetFrameBound returns the export frame bound; unset or negative means
// no bound.
func (c *RelayConfig) GetFrameBound() uint32 {
	if c.FrameBound == nil || *c.FrameBound < 0 {
		return export.NoBound
	}
	return uint32(*c.FrameBound)
}

// GetReplayRate returns the capture replay speed; zero replays as fast as
// possible.
func (c *RelayConfig) GetReplayRate() float64 {
	if c.ReplayRate == nil {
		return 0
	}
	return *c.ReplayRate
}

// GetPCAPRepeat returns pcap_repeat or the default (false).
func (c *RelayConfig) GetPCAPRepeat() bool {
	if c.PCAPRepeat == nil {
		return false
	}
	return *c.PCAPRepeat
}

// GetManifestPath returns the manifest database path, empty when disabled.
func (c *RelayConfig) GetManifestPath() string {
	if c.Manifest == nil {
		return ""
	}
	return *c.Manifest
}

// GetStreamListen returns the websocket listen address, empty when
// disabled.
func (c *RelayConfig) GetStreamListen() string {
	if c.StreamListen == nil {
		return ""
	}
	return *c.StreamListen
}

// GetStreamMaxPoints returns the per-frame point cap for the live stream.
func (c *RelayConfig) GetStreamMaxPoints() int {
	if c.StreamMaxPoints == nil {
		return 20000
	}
	return *c.StreamMaxPoints
}

// GetForceStopTimeout returns how long a forced stop waits for the
// publisher.
func (c *RelayConfig) GetForceStopTimeout() time.Duration {
	return parseDuration(c.ForceStopTimeout, 2*time.Second)
}

// GetStatsInterval returns the packet statistics logging interval.
func (c *RelayConfig) GetStatsInterval() time.Duration {
	return parseDuration(c.StatsInterval, 10*time.Second)
}

func parseDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// Calibration builds the export calibration. Missing rotation or
// translation default to identity and zero; it returns nil when nothing
// calibration related is set.
func (c *RelayConfig) Calibration() (*cloud.Calibration, error) {
	if len(c.Rotation) == 0 && len(c.Translation) == 0 && len(c.RangeBox) == 0 {
		return nil, nil
	}
	r := c.Rotation
	if len(r) == 0 {
		r = []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
	}
	t := c.Translation
	if len(t) == 0 {
		t = []float64{0, 0, 0}
	}
	return cloud.NewCalibration(r, t, c.RangeBox)
}

// OnlineParams returns driver parameters for a live sensor.
func (c *RelayConfig) OnlineParams() driver.Params {
	p := driver.OnlineParams(c.GetLidarAddress(), uint16(c.GetMSOPPort()), uint16(c.GetDIFOPPort()),
		c.GetSensorType(), c.GetHostAddress())
	p.DensePoints = c.GetDensePoints()
	return p
}

// PCAPParams returns driver parameters to replay the capture at path.
func (c *RelayConfig) PCAPParams(path string) driver.Params {
	p := driver.PCAPParams(path)
	p.SensorType = c.GetSensorType()
	p.MSOPPort, p.DIFOPPort = uint16(c.GetMSOPPort()), uint16(c.GetDIFOPPort())
	p.PCAPRate = c.GetReplayRate()
	p.PCAPRepeat = c.GetPCAPRepeat()
	p.DensePoints = c.GetDensePoints()
	return p
}
