package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar.relay/internal/lidar/client"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/lidar/driver"
	"github.com/banshee-data/lidar.relay/internal/lidar/manifest"
	"github.com/banshee-data/lidar.relay/internal/lidar/stream"
	"github.com/banshee-data/lidar.relay/internal/testutil"
)

func TestRun_Usage(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"bad flag", []string{"live", "-nope"}},
		{"extra argument", []string{"convert", "-synthetic", "1", "extra"}},
		{"convert without input", []string{"convert"}},
		{"convert with both inputs", []string{"convert", "-pcap", "a.pcap", "-synthetic", "2"}},
		{"live with both inputs", []string{"live", "-pcap", "a.pcap", "-synthetic"}},
		{"runs show and delete", []string{"runs", "-run", "a", "-delete", "b"}},
		{"invalid override", []string{"live", "-lidar-addr", "not-an-ip"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testutil.QuietLogs(t)
			err := run(context.Background(), tt.args, &bytes.Buffer{})
			assert.ErrorIs(t, err, errUsage)
		})
	}
}

func TestRun_VersionAndHelp(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"version"}, &out))
	assert.True(t, strings.HasPrefix(out.String(), "lidar-relay "))

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"help"}, &out))
	assert.Contains(t, out.String(), "convert")

	err := run(context.Background(), []string{"convert", "-h"}, &out)
	assert.ErrorIs(t, err, errHelp)
	assert.NotErrorIs(t, err, errUsage)
}

func TestRun_ConvertSynthetic(t *testing.T) {
	testutil.QuietLogs(t)
	dir := t.TempDir()
	outDir := filepath.Join(dir, "frames")
	dbPath := filepath.Join(dir, "runs.db")
	plotPath := filepath.Join(dir, "points.png")

	err := run(context.Background(), []string{
		"convert", "-synthetic", "3", "-out", outDir, "-manifest", dbPath, "-plot", plotPath,
	}, &bytes.Buffer{})
	require.NoError(t, err)

	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
	for _, e := range entries {
		assert.True(t, strings.HasPrefix(e.Name(), "cloud_"), e.Name())
		assert.True(t, strings.HasSuffix(e.Name(), ".npy"), e.Name())
	}

	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))

	store, err := manifest.Open(dbPath)
	require.NoError(t, err)
	defer store.Close()
	runs, err := store.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, manifest.StatusComplete, runs[0].Status)
	assert.Equal(t, 3, runs[0].Exported)
	assert.Equal(t, "synthetic", runs[0].Source)

	var out bytes.Buffer
	require.NoError(t, run(context.Background(), []string{"runs", "-manifest", dbPath}, &out))
	assert.Contains(t, out.String(), runs[0].RunID)

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"runs", "-manifest", dbPath, "-run", runs[0].RunID}, &out))
	assert.Equal(t, 4, strings.Count(out.String(), "\n"), "header plus three frames")

	out.Reset()
	require.NoError(t, run(context.Background(), []string{"runs", "-manifest", dbPath, "-delete", runs[0].RunID}, &out))
	assert.Contains(t, out.String(), "deleted run")
	_, err = store.GetRun(runs[0].RunID)
	assert.ErrorIs(t, err, manifest.ErrRunNotFound)
	err = run(context.Background(), []string{"runs", "-manifest", dbPath, "-delete", runs[0].RunID}, &out)
	assert.ErrorIs(t, err, manifest.ErrRunNotFound)
}

func TestRun_ConvertBoundFromFlag(t *testing.T) {
	testutil.QuietLogs(t)
	outDir := filepath.Join(t.TempDir(), "frames")

	// Sequence numbers start at 0; a bound of 1 stops after frame 2.
	err := run(context.Background(), []string{"convert", "-synthetic", "10", "-bound", "1", "-out", outDir}, &bytes.Buffer{})
	require.NoError(t, err)
	entries, err := os.ReadDir(outDir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestRun_ConvertMissingCapture(t *testing.T) {
	testutil.QuietLogs(t)
	err := run(context.Background(), []string{
		"convert", "-pcap", filepath.Join(t.TempDir(), "missing.pcap"), "-out", filepath.Join(t.TempDir(), "frames"),
	}, &bytes.Buffer{})
	require.Error(t, err)
	assert.NotErrorIs(t, err, errUsage)
}

func TestRun_ConvertRejectsOutputOutsideRoots(t *testing.T) {
	testutil.QuietLogs(t)
	err := run(context.Background(), []string{"convert", "-synthetic", "1", "-out", "/proc/lidar-relay-test"}, &bytes.Buffer{})
	assert.ErrorContains(t, err, "invalid output directory")
}

func TestRun_LiveSynthetic(t *testing.T) {
	testutil.QuietLogs(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, []string{"live", "-synthetic", "-synthetic-rate", "100", "-frames", "3", "-log-every", "1"}, &bytes.Buffer{})
	require.NoError(t, err)
}

func TestRun_LiveStopsOnCancel(t *testing.T) {
	testutil.QuietLogs(t)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := run(ctx, []string{"live", "-synthetic", "-synthetic-rate", "5"}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestHealthHandler(t *testing.T) {
	testutil.QuietLogs(t)
	mock := driver.NewMockDriver()
	c := client.New(client.WithDriverFactory(mock.Factory()))
	defer c.Close()
	require.NoError(t, c.Initialize(driver.FactoryLidarAddress))
	hub := stream.NewHub()

	rec := httptest.NewRecorder()
	healthHandler(c, hub)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "running", resp.State)
	assert.True(t, resp.Connected)
	assert.Equal(t, c.SessionID().String(), resp.Session)

	mock.RaiseFault(driver.NewFault(driver.CodeMSOPTimeout, "no packets", time.Now()))
	rec = httptest.NewRecorder()
	healthHandler(c, hub)(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "degraded", resp.Status)
	assert.Contains(t, resp.LastError, "timeout")

	rec = httptest.NewRecorder()
	healthHandler(c, hub)(rec, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

// replaySensor is a sensor type whose packets carry one byte: the number of
// points in a sweep. Every packet starts a new sweep.
const replaySensor driver.SensorType = "TEST-REPLAY"

var (
	registerReplayDecoder sync.Once
	replayPackets         atomic.Int64
)

type replayDecoder struct{}

func (replayDecoder) DecodeMSOP(pkt driver.Packet) ([]cloud.Point, bool, error) {
	replayPackets.Add(1)
	points := make([]cloud.Point, int(pkt.Data[0]))
	for i := range points {
		points[i] = cloud.Point{X: float32(i), Y: 1, Z: 2}
	}
	return points, true, nil
}

func (replayDecoder) DecodeDIFOP(driver.Packet) error { return nil }

// writeReplayCapture writes a pcap of MSOP packets, one per point count, and
// a config selecting the replay sensor.
func writeReplayCapture(t *testing.T, repeat bool, counts ...byte) (capture, config string) {
	t.Helper()
	registerReplayDecoder.Do(func() {
		driver.RegisterDecoder(replaySensor, func() driver.Decoder { return replayDecoder{} })
	})
	replayPackets.Store(0)

	dir := t.TempDir()
	capture = filepath.Join(dir, "replay.pcap")
	f, err := os.Create(capture)
	require.NoError(t, err)
	defer f.Close()

	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	ts := time.Unix(1700000000, 0)
	for i, n := range counts {
		eth := &layers.Ethernet{
			SrcMAC:       net.HardwareAddr{0, 1, 2, 3, 4, 5},
			DstMAC:       net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
			EthernetType: layers.EthernetTypeIPv4,
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.ParseIP(driver.FactoryLidarAddress).To4(),
			DstIP:    net.ParseIP("192.168.1.102").To4(),
		}
		udp := &layers.UDP{SrcPort: 6699, DstPort: layers.UDPPort(driver.DefaultMSOPPort)}
		require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
		buf := gopacket.NewSerializeBuffer()
		opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
		require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload{n}))

		ci := gopacket.CaptureInfo{
			Timestamp:     ts.Add(time.Duration(i) * 100 * time.Millisecond),
			CaptureLength: len(buf.Bytes()),
			Length:        len(buf.Bytes()),
		}
		require.NoError(t, w.WritePacket(ci, buf.Bytes()))
	}

	config = filepath.Join(dir, "relay.toml")
	content := "sensor_type = \"" + string(replaySensor) + "\"\nreplay_rate = 0.0\n"
	if repeat {
		content += "pcap_repeat = true\n"
	}
	require.NoError(t, os.WriteFile(config, []byte(content), 0o644))
	return capture, config
}

func TestRun_LivePCAPRepeats(t *testing.T) {
	testutil.QuietLogs(t)
	capture, config := writeReplayCapture(t, true, 3, 4, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := run(ctx, []string{"live", "-config", config, "-pcap", capture, "-frames", "8"}, &bytes.Buffer{})
	require.NoError(t, err)
	require.NoError(t, ctx.Err(), "fetching eight frames should not need the timeout")
	assert.Greater(t, replayPackets.Load(), int64(3), "the capture was replayed more than once")
}

func TestRun_LivePCAPEndsWithCapture(t *testing.T) {
	testutil.QuietLogs(t)
	capture, config := writeReplayCapture(t, false, 3, 4, 5)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := time.Now()
	err := run(ctx, []string{"live", "-config", config, "-pcap", capture}, &bytes.Buffer{})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int64(3), replayPackets.Load())
}

func TestRun_LivePCAPWithoutDecoder(t *testing.T) {
	testutil.QuietLogs(t)
	capture, _ := writeReplayCapture(t, false, 3)

	err := run(context.Background(), []string{"live", "-pcap", capture}, &bytes.Buffer{})
	require.ErrorIs(t, err, driver.ErrNoDecoder)
	assert.Contains(t, err.Error(), string(replaySensor), "error lists the registered decoders")
}

func TestDescribeCalibration(t *testing.T) {
	box, err := cloud.NewRangeBox([]float64{0, 5, -1, 1, 0, 2})
	require.NoError(t, err)
	cal, err := cloud.NewCalibration([]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}, []float64{0, 0, 1.5}, box.Flat())
	require.NoError(t, err)

	assert.Equal(t,
		"rotation=[1 0 0 0 1 0 0 0 1] translation=[0 0 1.5] range_box=[0 5 -1 1 0 2]",
		describeCalibration(cal))
	assert.NotContains(t, describeCalibration(cloud.Identity()), "range_box")
}
