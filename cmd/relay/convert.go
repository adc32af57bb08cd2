package main

import (
	"context"
	"flag"
	"fmt"
	"path/filepath"

	"github.com/banshee-data/lidar.relay/internal/fsutil"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/lidar/driver"
	"github.com/banshee-data/lidar.relay/internal/lidar/export"
	"github.com/banshee-data/lidar.relay/internal/lidar/manifest"
	"github.com/banshee-data/lidar.relay/internal/lidar/report"
	"github.com/banshee-data/lidar.relay/internal/security"
)

const syntheticSource = "synthetic"

func runConvert(ctx context.Context, args []string) error {
	fs := newFlagSet("convert")
	configPath := fs.String("config", "", "Path to a .json or .toml config file")
	pcapPath := fs.String("pcap", "", "Packet capture to replay (.pcap or .pcapng)")
	outDir := fs.String("out", "frames", "Output directory for .npy files")
	bound := fs.Int64("bound", -1, "Stop after the first frame whose sequence exceeds this (-1 for none)")
	synthetic := fs.Int("synthetic", 0, "Export this many synthetic frames instead of a capture")
	manifestPath := fs.String("manifest", "", "SQLite manifest to record the run in (overrides config)")
	plotPath := fs.String("plot", "", "Write a points-per-frame PNG to this path")
	raw := fs.Bool("raw", false, "Export untransformed points, ignoring the configured calibration")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	switch {
	case *pcapPath == "" && *synthetic <= 0:
		return fmt.Errorf("%w: convert: -pcap or -synthetic is required", errUsage)
	case *pcapPath != "" && *synthetic > 0:
		return fmt.Errorf("%w: convert: -pcap and -synthetic are exclusive", errUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "bound" {
			cfg.FrameBound = bound
		}
	})
	if *manifestPath != "" {
		cfg.Manifest = manifestPath
	}
	if err := validateOverrides(cfg); err != nil {
		return err
	}

	if err := security.ValidateOutputDir(*outDir, nil); err != nil {
		return fmt.Errorf("invalid output directory: %w", err)
	}
	if *plotPath != "" {
		if err := security.ValidateOutputDir(filepath.Dir(*plotPath), nil); err != nil {
			return fmt.Errorf("invalid plot path: %w", err)
		}
	}

	var cal *cloud.Calibration
	if !*raw {
		if cal, err = cfg.Calibration(); err != nil {
			return err
		}
		if cal != nil {
			logf("calibration: %s", describeCalibration(cal))
		}
	}
	if cfg.GetPCAPRepeat() {
		logf("Warning: pcap_repeat only applies to live replay; convert reads the capture once")
	}

	source := *pcapPath
	params := cfg.PCAPParams(*pcapPath)
	opts := export.ConvertOptions{
		PCAPPath:   *pcapPath,
		OutputDir:  *outDir,
		FrameBound: cfg.GetFrameBound(),
		Params:     &params,
		Driver:     driver.NewPacketFactory(driver.WithStatsInterval(cfg.GetStatsInterval())),
		FS:         fsutil.OSFileSystem{},
	}
	if *synthetic > 0 {
		source = syntheticSource
		opts.PCAPPath = syntheticSource
		opts.Driver = driver.NewSyntheticFactory(nil, 1000, *synthetic)
	}

	var run *manifest.Run
	if path := cfg.GetManifestPath(); path != "" {
		store, err := manifest.Open(path)
		if err != nil {
			return err
		}
		defer store.Close()
		run, err = store.BeginRun(manifest.RunInfo{
			Source:     source,
			OutputDir:  *outDir,
			FrameBound: opts.FrameBound,
			Calibrated: cal != nil,
		})
		if err != nil {
			return err
		}
		opts.Recorder = run
	}

	sum, convErr := export.ConvertCaptureWithCalibration(ctx, opts, cal)
	if run != nil {
		if err := run.Finish(sum, convErr); err != nil {
			logf("Warning: failed to finish manifest run: %v", err)
		}
	}
	if convErr != nil {
		return convErr
	}

	if stats, err := report.Summarize(sum.Frames); err == nil {
		logf("points per frame: mean %.0f, stddev %.0f, min %d, max %d, kept %.1f%%",
			stats.Mean, stats.StdDev, stats.Min, stats.Max, stats.Kept*100)
	}
	if *plotPath != "" {
		if err := report.SavePNG(opts.FS, *plotPath, sum.Frames, filepath.Base(source)); err != nil {
			return fmt.Errorf("failed to write plot: %w", err)
		}
		logf("wrote %s", *plotPath)
	}
	return nil
}
