package main

import (
	"fmt"

	"github.com/banshee-data/lidar.relay/internal/config"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/monitoring"
)

var logf = monitoring.Component("Relay")

// loadConfig loads path, or returns an empty config when path is empty.
func loadConfig(path string) (*config.RelayConfig, error) {
	if path == "" {
		return config.EmptyRelayConfig(), nil
	}
	cfg, err := config.LoadRelayConfig(path)
	if err != nil {
		return nil, err
	}
	logf("loaded config from %s", path)
	return cfg, nil
}

// rigidParts flattens the rotation and translation of cal.
func rigidParts(cal *cloud.Calibration) (r, t []float64) {
	rm, tv := cal.Rotation(), cal.Translation()
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r = append(r, rm.At(i, j))
		}
		t = append(t, tv.AtVec(i))
	}
	return r, t
}

// describeCalibration formats cal for logs in config key layout.
func describeCalibration(cal *cloud.Calibration) string {
	r, t := rigidParts(cal)
	desc := fmt.Sprintf("rotation=%v translation=%v", r, t)
	if cal.Ranges != nil {
		desc += fmt.Sprintf(" range_box=%v", cal.Ranges.Flat())
	}
	return desc
}

func validateOverrides(cfg *config.RelayConfig) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}
