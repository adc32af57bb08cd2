package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/banshee-data/lidar.relay/internal/httputil"
	"github.com/banshee-data/lidar.relay/internal/lidar/client"
	"github.com/banshee-data/lidar.relay/internal/lidar/driver"
	"github.com/banshee-data/lidar.relay/internal/lidar/stream"
)

func runLive(ctx context.Context, args []string) error {
	fs := newFlagSet("live")
	configPath := fs.String("config", "", "Path to a .json or .toml config file")
	lidarAddr := fs.String("lidar-addr", "", "Sensor address (overrides config)")
	streamListen := fs.String("stream", "", "Websocket listen address, e.g. 127.0.0.1:8090 (overrides config)")
	pcapPath := fs.String("pcap", "", "Replay a packet capture instead of listening to a sensor")
	synthetic := fs.Bool("synthetic", false, "Use the synthetic generator instead of a sensor")
	syntheticRate := fs.Float64("synthetic-rate", 10, "Synthetic frames per second")
	maxFrames := fs.Int("frames", 0, "Stop after fetching this many frames (0 runs until interrupted)")
	logEvery := fs.Int("log-every", 50, "Log every Nth fetched frame (0 disables)")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	if *pcapPath != "" && *synthetic {
		return fmt.Errorf("%w: live: -pcap and -synthetic are exclusive", errUsage)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	if *lidarAddr != "" {
		cfg.LidarAddress = lidarAddr
	}
	if *streamListen != "" {
		cfg.StreamListen = streamListen
	}
	if err := validateOverrides(cfg); err != nil {
		return err
	}

	factory := driver.NewPacketFactory(driver.WithStatsInterval(cfg.GetStatsInterval()))
	params := cfg.OnlineParams()
	switch {
	case *synthetic:
		factory = driver.NewSyntheticFactory(nil, *syntheticRate, 0)
	case *pcapPath != "":
		params = cfg.PCAPParams(*pcapPath)
		logf("replaying %s (rate %g, repeat %v)", *pcapPath, params.PCAPRate, params.PCAPRepeat)
	}

	// A capture that is not repeated ends the session once it is consumed.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	onFault := func(f driver.Fault) {
		if f.Code == driver.CodePCAPEOF {
			cancel()
		}
	}

	var c *client.Client
	hubOpts := []stream.Option{
		stream.WithMaxPoints(cfg.GetStreamMaxPoints()),
		stream.WithSession(func() string { return c.SessionID().String() }),
	}
	if len(cfg.StreamAllowOrigins) > 0 {
		hubOpts = append(hubOpts, stream.WithCheckOrigin(stream.AllowOrigins(cfg.StreamAllowOrigins...)))
	}
	hub := stream.NewHub(hubOpts...)
	defer hub.Close()

	c = client.New(
		client.WithDriverFactory(factory),
		client.WithForceStopTimeout(cfg.GetForceStopTimeout()),
		client.WithFrameObserver(hub.Observe),
		client.WithFaultObserver(onFault),
	)
	defer c.Close()

	cal, err := cfg.Calibration()
	if err != nil {
		return err
	}
	if cal != nil {
		logf("calibration: %s", describeCalibration(cal))
		r, t := rigidParts(cal)
		if err := c.SetCalibration(r, t); err != nil {
			return err
		}
	}

	if err := c.InitializeWith(params); err != nil {
		if errors.Is(err, driver.ErrNoDecoder) {
			return fmt.Errorf("%w (registered: %v)", err, driver.Decoders())
		}
		return err
	}

	if addr := cfg.GetStreamListen(); addr != "" {
		srv, err := serveStream(addr, hub, c)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			hub.Close()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logf("stream server shutdown error: %v", err)
				srv.Close()
			}
		}()
	}

	fetched := 0
	for *maxFrames == 0 || fetched < *maxFrames {
		f, err := c.FetchLatestContext(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, client.ErrStopped) {
				break
			}
			return err
		}
		fetched++
		if *logEvery > 0 && fetched%*logEvery == 0 {
			st := c.Stats()
			logf("frame %d: %d points (fetched %d, coalesced %d, connected %v)",
				f.Seq, f.Len(), st.Fetched, st.Coalesced, c.IsConnected())
		}
	}

	logf("stopping after %d frames", fetched)
	if err := c.Stop(); err != nil {
		logf("stop failed, forcing: %v", err)
		c.ForceStop()
	}
	return nil
}

type healthResponse struct {
	Status    string `json:"status"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
	Session   string `json:"session"`
	Viewers   int    `json:"viewers"`
	Frames    uint64 `json:"frames"`
	LastError string `json:"last_error,omitempty"`
}

func healthHandler(c *client.Client, hub *stream.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !httputil.AllowMethods(w, r, http.MethodGet, http.MethodHead) {
			return
		}
		resp := healthResponse{
			Status:    "ok",
			State:     c.State().String(),
			Connected: c.IsConnected(),
			Session:   c.SessionID().String(),
			Viewers:   hub.Clients(),
			Frames:    c.Stats().Received,
		}
		if err := c.LastError(); err != nil {
			resp.LastError = err.Error()
		}
		if !resp.Connected {
			resp.Status = "degraded"
		}
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func serveStream(addr string, hub *stream.Hub, c *client.Client) (*http.Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/stream", hub)
	mux.HandleFunc("/health", healthHandler(c, hub))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logf("serving websocket stream on ws://%s/stream", ln.Addr())
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logf("stream server error: %v", err)
		}
	}()
	return srv, nil
}
