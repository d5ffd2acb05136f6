package fanout

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

type recordingSender struct {
	mu     sync.Mutex
	frames []types.Frame
	got    chan struct{}
	fail   error
	block  chan struct{}
	closed bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{got: make(chan struct{}, 1024)}
}

func (s *recordingSender) Send(f types.Frame) error {
	if s.block != nil {
		<-s.block
	}
	if s.fail != nil {
		return s.fail
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	s.got <- struct{}{}
	return nil
}

func (s *recordingSender) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func (s *recordingSender) waitFrames(t *testing.T, n int) []types.Frame {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.got:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for frame %d/%d", i+1, n)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.Frame(nil), s.frames...)
}

func ingest(t *testing.T, reg *registry.Registry, b *Broadcaster, cam types.SessionID, payload string) {
	t.Helper()
	f, err := reg.AppendFrame(cam, []byte(payload))
	require.NoError(t, err)
	b.Broadcast(f)
}

func TestBroadcastOrderPerDisplay(t *testing.T) {
	reg := registry.New()
	m := metrics.New()
	b := NewBroadcaster(reg, m, 16)

	s1, s2 := newRecordingSender(), newRecordingSender()
	reg.RegisterDisplay("d1", b.NewOutlet("d1", s1), "", "test")
	reg.RegisterDisplay("d2", b.NewOutlet("d2", s2), "", "test")
	reg.RegisterCamera("cam", registry.CameraInfo{})

	for _, p := range []string{"a", "b", "c", "d"} {
		ingest(t, reg, b, "cam", p)
	}

	for _, s := range []*recordingSender{s1, s2} {
		frames := s.waitFrames(t, 4)
		require.Len(t, frames, 4)
		for i, f := range frames {
			assert.Equal(t, uint64(i), f.Seq)
		}
		assert.Equal(t, "d", string(frames[3].Payload))
	}
	assert.Eventually(t, func() bool { return m.FramesDelivered.Load() == 8 }, time.Second, 10*time.Millisecond)
}

func TestFailingDisplayDoesNotAffectOthers(t *testing.T) {
	reg := registry.New()
	m := metrics.New()
	b := NewBroadcaster(reg, m, 16)

	bad := newRecordingSender()
	bad.fail = errors.New("broken pipe")
	good := newRecordingSender()

	reg.RegisterDisplay("bad", b.NewOutlet("bad", bad), "", "test")
	reg.RegisterDisplay("good", b.NewOutlet("good", good), "", "test")
	reg.RegisterCamera("cam", registry.CameraInfo{})

	ingest(t, reg, b, "cam", "frame")

	frames := good.waitFrames(t, 1)
	assert.Equal(t, "frame", string(frames[0].Payload))

	assert.Eventually(t, func() bool {
		_, n := reg.Counts()
		return n == 1 && m.DisplayEvictions.Load() == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), m.DisplayWriteErrors.Load())
}

func TestFullQueueEvictsSlowDisplay(t *testing.T) {
	reg := registry.New()
	m := metrics.New()
	b := NewBroadcaster(reg, m, 1)

	slow := newRecordingSender()
	slow.block = make(chan struct{})
	defer close(slow.block)
	out := b.NewOutlet("slow", slow)
	reg.RegisterDisplay("slow", out, "", "test")
	reg.RegisterCamera("cam", registry.CameraInfo{})

	// One frame in flight in the writer, one in the queue, the third overflows.
	for _, p := range []string{"1", "2", "3"} {
		ingest(t, reg, b, "cam", p)
	}

	assert.Eventually(t, func() bool {
		_, n := reg.Counts()
		return n == 0
	}, time.Second, 10*time.Millisecond)
	assert.False(t, out.Deliver(types.Frame{}))
}

func TestConnSenderOverClosedSocket(t *testing.T) {
	reg := registry.New()
	b := NewBroadcaster(reg, nil, 4)

	deadLocal, deadRemote := net.Pipe()
	require.NoError(t, deadRemote.Close())
	liveLocal, liveRemote := net.Pipe()
	defer liveRemote.Close()

	reg.RegisterDisplay("dead", b.NewOutlet("dead", &ConnSender{Conn: deadLocal, WriteTimeout: time.Second}), "", "tcp")
	reg.RegisterDisplay("live", b.NewOutlet("live", &ConnSender{Conn: liveLocal, WriteTimeout: time.Second}), "", "tcp")
	reg.RegisterCamera("cam", registry.CameraInfo{})

	ingest(t, reg, b, "cam", "hello")

	require.NoError(t, liveRemote.SetReadDeadline(time.Now().Add(2*time.Second)))
	payload, err := codec.ReadFrame(liveRemote, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))

	assert.Eventually(t, func() bool {
		snap := reg.SnapshotDisplays()
		return len(snap) == 1 && snap[0].ID == "live"
	}, time.Second, 10*time.Millisecond)
}

func TestDisplaysRegisteredLaterMissEarlierFrames(t *testing.T) {
	reg := registry.New()
	b := NewBroadcaster(reg, nil, 4)
	reg.RegisterCamera("cam", registry.CameraInfo{})

	ingest(t, reg, b, "cam", "early")

	late := newRecordingSender()
	reg.RegisterDisplay("late", b.NewOutlet("late", late), "", "test")
	ingest(t, reg, b, "cam", "late")

	frames := late.waitFrames(t, 1)
	require.Len(t, frames, 1)
	assert.Equal(t, "late", string(frames[0].Payload))
}

func TestClosedOutletDropsQueuedFrames(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(registry.New(), m, 8)

	s := newRecordingSender()
	s.block = make(chan struct{})
	o := b.NewOutlet("d", s)
	for i := 0; i < 3; i++ {
		require.True(t, o.Deliver(types.Frame{Seq: uint64(i)}))
	}
	// The writer holds frame 0 in Send; two remain queued.
	require.Eventually(t, func() bool { return len(o.queue) == 2 }, time.Second, time.Millisecond)

	require.NoError(t, o.Close())
	close(s.block)

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not exit")
	}
	s.mu.Lock()
	assert.Len(t, s.frames, 1)
	s.mu.Unlock()
	assert.Zero(t, m.DisplayWriteErrors.Load())
}

func TestSendFailureAfterCloseIsSilent(t *testing.T) {
	m := metrics.New()
	b := NewBroadcaster(registry.New(), m, 8)

	s := newRecordingSender()
	s.block = make(chan struct{})
	s.fail = errors.New("use of closed connection")
	o := b.NewOutlet("d", s)
	require.True(t, o.Deliver(types.Frame{}))
	require.Eventually(t, func() bool { return len(o.queue) == 0 }, time.Second, time.Millisecond)

	require.NoError(t, o.Close())
	close(s.block)
	<-o.Done()
	assert.Zero(t, m.DisplayWriteErrors.Load())
}
