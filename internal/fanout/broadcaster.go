// Package fanout delivers frames ingested from cameras to every registered
// display.
package fanout

import (
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// DefaultQueueDepth is the per-display queue used when none is configured.
const DefaultQueueDepth = 64

// Broadcaster pushes each new frame to a snapshot of the registered displays.
type Broadcaster struct {
	reg        *registry.Registry
	metrics    *metrics.Metrics
	queueDepth int
}

// NewBroadcaster creates a broadcaster over reg. m may be nil.
func NewBroadcaster(reg *registry.Registry, m *metrics.Metrics, queueDepth int) *Broadcaster {
	if queueDepth <= 0 {
		queueDepth = DefaultQueueDepth
	}
	if m == nil {
		m = metrics.New()
	}
	return &Broadcaster{reg: reg, metrics: m, queueDepth: queueDepth}
}

// NewOutlet creates the outbound queue for a display. A failed write evicts
// the display from the registry and closes its transport.
func (b *Broadcaster) NewOutlet(id types.SessionID, sender Sender) *Outlet {
	return newOutlet(id, sender, b.queueDepth,
		func() { b.metrics.FramesDelivered.Add(1) },
		func(o *Outlet, err error) {
			b.metrics.DisplayWriteErrors.Add(1)
			logger.Warn("Fanout", "Write to display %s failed: %v", o.ID(), err)
			b.evict(o.ID(), o, "write failed")
		},
	)
}

// Broadcast hands frame to every display registered at the time of the call.
// It never blocks on display I/O; a display that cannot take the frame is
// evicted without affecting the others.
func (b *Broadcaster) Broadcast(frame types.Frame) int {
	start := time.Now()
	displays := b.reg.SnapshotDisplays()

	queued := 0
	for _, ref := range displays {
		if ref.Display.Deliver(frame) {
			queued++
			continue
		}
		b.evict(ref.ID, ref.Display, "queue full or closed")
	}

	b.metrics.UpdateFanoutLatency(time.Since(start))
	if frame.Seq%300 == 0 && len(displays) > 0 {
		logger.Debug("Fanout", "Camera %s frame #%d queued to %d/%d displays",
			frame.CameraID, frame.Seq, queued, len(displays))
	}
	return queued
}

func (b *Broadcaster) evict(id types.SessionID, d registry.Display, reason string) {
	if b.reg.EvictDisplay(id, d) {
		b.metrics.DisplayEvictions.Add(1)
		logger.Info("Fanout", "Display %s evicted (%s)", id, reason)
	}
	_ = d.Close()
}
