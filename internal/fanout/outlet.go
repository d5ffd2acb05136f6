package fanout

import (
	"net"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// Sender writes frames to one display transport. Send is only ever called
// from the owning outlet's writer goroutine.
type Sender interface {
	Send(frame types.Frame) error
	Close() error
}

// Outlet is a display's outbound queue. A single writer goroutine drains it,
// so frames reach the transport in the order they were delivered and a slow
// transport only ever stalls its own outlet.
type Outlet struct {
	id     types.SessionID
	sender Sender
	queue  chan types.Frame
	done   chan struct{}
	onSent func()
	onFail func(*Outlet, error)

	mu        sync.Mutex
	closed    bool
	closeOnce sync.Once
}

func newOutlet(id types.SessionID, sender Sender, depth int, onSent func(), onFail func(*Outlet, error)) *Outlet {
	if depth <= 0 {
		depth = 1
	}
	o := &Outlet{
		id:     id,
		sender: sender,
		queue:  make(chan types.Frame, depth),
		done:   make(chan struct{}),
		onSent: onSent,
		onFail: onFail,
	}
	go o.run()
	return o
}

// ID returns the display session the outlet belongs to.
func (o *Outlet) ID() types.SessionID { return o.id }

// Deliver queues frame without blocking. It returns false if the outlet is
// closed or its queue is full.
func (o *Outlet) Deliver(frame types.Frame) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return false
	}
	select {
	case o.queue <- frame:
		return true
	default:
		return false
	}
}

// Close stops the writer and closes the transport. Safe to call repeatedly
// and from any goroutine.
func (o *Outlet) Close() error {
	var err error
	o.closeOnce.Do(func() {
		o.mu.Lock()
		o.closed = true
		close(o.queue)
		o.mu.Unlock()

		err = o.sender.Close()
	})
	return err
}

// Done is closed once the writer goroutine has exited.
func (o *Outlet) Done() <-chan struct{} { return o.done }

func (o *Outlet) run() {
	defer close(o.done)

	for frame := range o.queue {
		// Frames still queued when the outlet is closed are dropped; the
		// transport is already gone.
		if o.isClosed() {
			break
		}
		if err := o.sender.Send(frame); err != nil {
			if o.onFail != nil && !o.isClosed() {
				o.onFail(o, err)
			}
			break
		}
		if o.onSent != nil {
			o.onSent()
		}
	}
	// Drain so Deliver never observes a full queue of a dead outlet.
	for range o.queue {
	}
}

func (o *Outlet) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// ConnSender pushes frames to a TCP display using the data frame encoding.
type ConnSender struct {
	Conn         net.Conn
	WriteTimeout time.Duration
}

// Send writes frame.Payload as one length-prefixed data frame.
func (s *ConnSender) Send(frame types.Frame) error {
	if s.WriteTimeout > 0 {
		if err := s.Conn.SetWriteDeadline(time.Now().Add(s.WriteTimeout)); err != nil {
			return err
		}
	}
	return codec.WriteFrame(s.Conn, frame.Payload)
}

// Close closes the underlying connection.
func (s *ConnSender) Close() error {
	return s.Conn.Close()
}
