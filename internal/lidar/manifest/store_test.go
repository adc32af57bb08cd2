package manifest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/lidar.relay/internal/fsutil"
	"github.com/banshee-data/lidar.relay/internal/handoff"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/lidar/export"
	"github.com/banshee-data/lidar.relay/internal/testutil"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	testutil.QuietLogs(t)
	s, err := Open(filepath.Join(t.TempDir(), "manifest.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_MigratesToLatest(t *testing.T) {
	s := openTestStore(t)

	version, dirty, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestVersion), version)
	assert.False(t, dirty)

	require.NoError(t, s.MigrateUp(), "up at latest is a no-op")
}

func TestOpen_ExistingDatabase(t *testing.T) {
	testutil.QuietLogs(t)
	path := filepath.Join(t.TempDir(), "manifest.db")

	s, err := Open(path)
	require.NoError(t, err)
	run, err := s.BeginRun(RunInfo{Source: "a.pcap", OutputDir: "out"})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "a.pcap", got.Source)
}

func TestMigrateDownAndUp(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.MigrateDown())
	version, _, err := s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, s.MigrateUp())
	version, _, err = s.MigrateVersion()
	require.NoError(t, err)
	assert.Equal(t, uint(LatestVersion), version)
}

func TestRun_Lifecycle(t *testing.T) {
	s := openTestStore(t)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return start }

	run, err := s.BeginRun(RunInfo{Source: "capture.pcap", OutputDir: "out", FrameBound: 50, Calibrated: true})
	require.NoError(t, err)
	assert.NotEmpty(t, run.ID)

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Nil(t, got.FinishedAt)
	assert.Equal(t, uint32(50), got.FrameBound)
	assert.True(t, got.Calibrated)
	assert.True(t, got.StartedAt.Equal(start))

	require.NoError(t, run.RecordFrame(export.FrameRecord{Seq: 1, Timestamp: 2.5, SourcePoints: 4, Points: 0}))
	require.NoError(t, run.RecordFrame(export.FrameRecord{Seq: 0, Timestamp: 1.5, SourcePoints: 3, Points: 2, Path: "out/cloud_000000_1.500000.npy"}))

	s.now = func() time.Time { return start.Add(time.Minute) }
	sum := export.Summary{Exported: 1, Empty: 1, Points: 2, EndOfStream: true, Duration: 1500 * time.Millisecond}
	require.NoError(t, run.Finish(sum, nil))
	assert.Error(t, run.Finish(sum, nil), "second finish")

	got, err = s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusComplete, got.Status)
	assert.Equal(t, 1, got.Exported)
	assert.Equal(t, 1, got.Empty)
	assert.Equal(t, 2, got.Points)
	assert.True(t, got.EndOfStream)
	assert.Equal(t, 1500*time.Millisecond, got.Duration)
	assert.Empty(t, got.Error)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(start.Add(time.Minute)))

	frames, err := s.Frames(run.ID)
	require.NoError(t, err)
	assert.Equal(t, []export.FrameRecord{
		{Seq: 0, Timestamp: 1.5, SourcePoints: 3, Points: 2, Path: "out/cloud_000000_1.500000.npy"},
		{Seq: 1, Timestamp: 2.5, SourcePoints: 4, Points: 0},
	}, frames)
}

func TestRun_FinishFailed(t *testing.T) {
	s := openTestStore(t)
	run, err := s.BeginRun(RunInfo{Source: "x.pcap", OutputDir: "out"})
	require.NoError(t, err)

	require.NoError(t, run.Finish(export.Summary{}, errors.New("disk full")))
	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "disk full", got.Error)
}

func TestGetRun_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetRun("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, s.DeleteRun("missing"), ErrRunNotFound)
}

func TestListRuns(t *testing.T) {
	s := openTestStore(t)
	base := time.Unix(1_700_000_000, 0)
	var ids []string
	for i := 0; i < 3; i++ {
		at := base.Add(time.Duration(i) * time.Second)
		s.now = func() time.Time { return at }
		run, err := s.BeginRun(RunInfo{Source: "c.pcap", OutputDir: "out"})
		require.NoError(t, err)
		ids = append(ids, run.ID)
	}

	runs, err := s.ListRuns(0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, ids[2], runs[0].RunID)
	assert.Equal(t, ids[0], runs[2].RunID)

	runs, err = s.ListRuns(2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestDeleteRun_CascadesFrames(t *testing.T) {
	s := openTestStore(t)
	run, err := s.BeginRun(RunInfo{Source: "c.pcap", OutputDir: "out"})
	require.NoError(t, err)
	require.NoError(t, run.RecordFrame(export.FrameRecord{Seq: 0, Points: 1, SourcePoints: 1}))

	require.NoError(t, s.DeleteRun(run.ID))
	frames, err := s.Frames(run.ID)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestRun_AsPipelineRecorder(t *testing.T) {
	s := openTestStore(t)
	run, err := s.BeginRun(RunInfo{Source: "synthetic", OutputDir: "out"})
	require.NoError(t, err)

	delivery := handoff.New[*cloud.Frame]()
	pool := handoff.New[*cloud.Frame]()
	box, err := cloud.NewRangeBox([]float64{0, 5, 0, 5, 0, 5})
	require.NoError(t, err)
	cal := cloud.Identity().WithRanges(box)
	p, err := export.NewPipeline(delivery, pool, cal, export.Options{
		OutputDir:  "out",
		FrameBound: export.NoBound,
		FS:         fsutil.NewMemoryFileSystem(),
		Recorder:   run,
	})
	require.NoError(t, err)

	delivery.Push(testutil.Frame(0, 10, [3]float32{1, 2, 3}, [3]float32{-10, -10, -10}))
	delivery.Push(testutil.Frame(1, 11, [3]float32{-1, -1, -1}))
	delivery.Push(nil)

	sum, err := p.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, run.Finish(sum, nil))

	frames, err := s.Frames(run.ID)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, 2, frames[0].SourcePoints)
	assert.Equal(t, 1, frames[0].Points)
	assert.NotEmpty(t, frames[0].Path)
	assert.Zero(t, frames[1].Points)
	assert.Empty(t, frames[1].Path)

	got, err := s.GetRun(run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Exported)
	assert.Equal(t, 1, got.Empty)
	assert.True(t, got.EndOfStream)
}
