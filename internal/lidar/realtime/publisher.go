// Package realtime serves the most recent point-cloud frame to a single
// reader. Frames that arrive faster than they are fetched are coalesced:
// only the newest transformed frame is kept.
package realtime

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/lidar.relay/internal/handoff"
	"github.com/banshee-data/lidar.relay/internal/lidar/cloud"
	"github.com/banshee-data/lidar.relay/internal/monitoring"
)

// ErrStopped is returned by FetchContext once the publisher has stopped.
var ErrStopped = errors.New("publisher stopped")

var logf = monitoring.Component("Publisher")

// Stats counts frames through the publisher.
type Stats struct {
	Received  uint64 // frames stored in the cell
	Coalesced uint64 // frames overwritten before anyone fetched them
	Fetched   uint64 // frames handed to the reader
}

// Publisher consumes the delivery queue, applies the axis remap and
// calibration, and keeps the result in a latest-frame cell.
type Publisher struct {
	delivery    *handoff.Queue[*cloud.Frame]
	pool        *handoff.Queue[*cloud.Frame]
	calibration func() *cloud.Calibration

	mu      sync.Mutex
	cond    *sync.Cond
	latest  *cloud.Frame
	fresh   bool
	stopped bool

	observer atomic.Pointer[func(*cloud.Frame)]

	received  atomic.Uint64
	coalesced atomic.Uint64
	fetched   atomic.Uint64

	startOnce sync.Once
	done      chan struct{}
}

// NewPublisher returns a publisher reading from delivery and returning
// consumed buffers to pool. calibration is called once per frame; it may be
// nil or return nil for identity.
func NewPublisher(delivery, pool *handoff.Queue[*cloud.Frame], calibration func() *cloud.Calibration) *Publisher {
	if calibration == nil {
		calibration = func() *cloud.Calibration { return nil }
	}
	p := &Publisher{
		delivery:    delivery,
		pool:        pool,
		calibration: calibration,
		done:        make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// SetObserver registers fn to be called with every stored frame on the
// consumer goroutine. The frame is shared with the reader and must not be
// modified. Pass nil to remove the observer.
func (p *Publisher) SetObserver(fn func(*cloud.Frame)) {
	if fn == nil {
		p.observer.Store(nil)
		return
	}
	p.observer.Store(&fn)
}

// Start launches the consumer goroutine. Later calls do nothing.
func (p *Publisher) Start() {
	p.startOnce.Do(func() {
		go p.run()
	})
}

func (p *Publisher) run() {
	defer close(p.done)
	for {
		src, ok := p.delivery.PopWait()
		if !ok {
			return
		}
		if src == nil {
			// End-of-stream markers only matter to batch consumers.
			continue
		}
		out := p.calibration().ApplyRemapped(src)
		p.pool.Push(src)

		p.mu.Lock()
		if p.stopped {
			p.mu.Unlock()
			return
		}
		if p.fresh {
			p.coalesced.Add(1)
		}
		p.latest = out
		p.fresh = true
		p.mu.Unlock()
		p.cond.Broadcast()
		p.received.Add(1)

		if fn := p.observer.Load(); fn != nil {
			(*fn)(out)
		}
	}
}

// Fetch blocks until a frame newer than the last fetched one is available
// and takes it. It returns nil, false once the publisher is stopped.
func (p *Publisher) Fetch() (*cloud.Frame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.fresh && !p.stopped {
		p.cond.Wait()
	}
	return p.takeLocked()
}

// FetchContext is Fetch with cancellation. It returns ErrStopped after stop
// and ctx.Err() when ctx ends first.
func (p *Publisher) FetchContext(ctx context.Context) (*cloud.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.cond.Broadcast()
	})
	defer stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	for !p.fresh && !p.stopped {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p.cond.Wait()
	}
	f, ok := p.takeLocked()
	if !ok {
		return nil, ErrStopped
	}
	return f, nil
}

func (p *Publisher) takeLocked() (*cloud.Frame, bool) {
	if p.stopped {
		return nil, false
	}
	f := p.latest
	p.latest = nil
	p.fresh = false
	p.fetched.Add(1)
	return f, true
}

// Stopped reports whether Stop has been called.
func (p *Publisher) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Stop wakes the reader, shuts the delivery queue and waits for the
// consumer goroutine to exit.
func (p *Publisher) Stop() {
	p.signalStop()
	if p.started() {
		<-p.done
	}
}

// StopWithTimeout is Stop with a bounded wait. It reports whether the
// consumer goroutine exited in time.
func (p *Publisher) StopWithTimeout(d time.Duration) bool {
	p.signalStop()
	if !p.started() {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-p.done:
		return true
	case <-t.C:
		logf("consumer did not exit within %v", d)
		return false
	}
}

func (p *Publisher) signalStop() {
	p.mu.Lock()
	already := p.stopped
	p.stopped = true
	p.latest = nil
	p.fresh = false
	p.mu.Unlock()
	p.cond.Broadcast()
	p.delivery.Shutdown()
	if !already {
		s := p.Stats()
		logf("stopped: %d received, %d coalesced, %d fetched", s.Received, s.Coalesced, s.Fetched)
	}
}

// started reports whether Start ran, marking the goroutine as launched if
// it did not so later calls never wait on it.
func (p *Publisher) started() bool {
	launched := true
	p.startOnce.Do(func() {
		launched = false
		close(p.done)
	})
	return launched
}

// Stats returns the frame counters.
func (p *Publisher) Stats() Stats {
	return Stats{
		Received:  p.received.Load(),
		Coalesced: p.coalesced.Load(),
		Fetched:   p.fetched.Load(),
	}
}
