package driver

import (
	"github.com/banshee-data/lidar.relay/internal/handoff"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
)

// QueueProducer returns the acquire/release pair backed by a buffer pool and
// a delivery queue. Acquire reuses a pooled frame when one is available and
// allocates otherwise; release appends the frame to the delivery queue.
// Neither blocks.
func QueueProducer(pool, delivery *handoff.Queue[*cloud.Frame]) (AcquireFunc, ReleaseFunc) {
	acquire := func() *cloud.Frame {
		if f, ok := pool.TryPop(); ok && f != nil {
			f.Reset()
			return f
		}
		// Grows to sweep size on first use and keeps it while pooled.
		return cloud.NewFrame(0)
	}
	release := func(f *cloud.Frame) {
		delivery.Push(f)
	}
	return acquire, release
}
