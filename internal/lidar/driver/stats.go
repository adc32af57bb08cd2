package driver

import (
	"sync"
	"time"
)

// PacketStats counts driver throughput between periodic reports.
type PacketStats struct {
	mu           sync.Mutex
	packetCount  int64
	byteCount    int64
	droppedCount int64
	pointCount   int64
	frameCount   int64
	lastReset    time.Time
}

// StatsSnapshot is the interval returned by GetAndReset.
type StatsSnapshot struct {
	Packets  int64
	Bytes    int64
	Dropped  int64
	Points   int64
	Frames   int64
	Duration time.Duration
}

// NewPacketStats returns counters starting at now.
func NewPacketStats(now time.Time) *PacketStats {
	return &PacketStats{lastReset: now}
}

func (ps *PacketStats) AddPacket(bytes int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.packetCount++
	ps.byteCount += int64(bytes)
}

func (ps *PacketStats) AddDropped() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.droppedCount++
}

func (ps *PacketStats) AddPoints(count int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.pointCount += int64(count)
}

func (ps *PacketStats) AddFrame() {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.frameCount++
}

// GetAndReset returns the counts since the previous call and clears them.
func (ps *PacketStats) GetAndReset(now time.Time) StatsSnapshot {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	s := StatsSnapshot{
		Packets:  ps.packetCount,
		Bytes:    ps.byteCount,
		Dropped:  ps.droppedCount,
		Points:   ps.pointCount,
		Frames:   ps.frameCount,
		Duration: now.Sub(ps.lastReset),
	}
	ps.packetCount, ps.byteCount, ps.droppedCount, ps.pointCount, ps.frameCount = 0, 0, 0, 0, 0
	ps.lastReset = now
	return s
}

// LogStats reports and resets the interval counters.
func (ps *PacketStats) LogStats(now time.Time, logf func(string, ...interface{})) {
	s := ps.GetAndReset(now)
	secs := s.Duration.Seconds()
	if secs <= 0 {
		return
	}
	logf("%.2f pkt/s, %.2f MB/s, %.1f frames/s, %d points, %d dropped",
		float64(s.Packets)/secs, float64(s.Bytes)/secs/1e6, float64(s.Frames)/secs, s.Points, s.Dropped)
}
