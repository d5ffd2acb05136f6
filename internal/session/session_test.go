package session

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/fanout"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/recording"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

type harness struct {
	deps *Deps
	dir  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	m := metrics.New()
	reg := registry.New()
	rec, err := recording.NewRecorder(recording.Options{Dir: dir, Metrics: m})
	require.NoError(t, err)
	return &harness{
		dir: dir,
		deps: &Deps{
			Registry:    reg,
			Broadcaster: fanout.NewBroadcaster(reg, m, 16),
			Recorder:    rec,
			Metrics:     m,
			Config: Config{
				WriteTimeout:  time.Second,
				DefaultFormat: types.DefaultFormat,
			},
		},
	}
}

// start runs a session over one end of a pipe and returns the client end.
func (h *harness) start(t *testing.T, ctx context.Context) (net.Conn, *Session, <-chan error) {
	t.Helper()
	server, client := net.Pipe()
	s := New(server, h.deps)
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() { client.Close() })
	return client, s, done
}

func send(t *testing.T, c net.Conn, text string) {
	t.Helper()
	require.NoError(t, c.SetWriteDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, codec.WriteCommand(c, text))
}

func sendFrame(t *testing.T, c net.Conn, payload []byte) {
	t.Helper()
	send(t, c, "stream")
	require.NoError(t, codec.WriteFrame(c, payload))
}

func wait(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func (h *harness) recordings(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(h.dir, "*.avi"))
	require.NoError(t, err)
	return matches
}

func TestCameraStreamsAndLeaves(t *testing.T) {
	h := newHarness(t)
	c, s, done := h.start(t, context.Background())

	send(t, c, "join")
	send(t, c, "camera")
	for i := 0; i < 3; i++ {
		sendFrame(t, c, bytes.Repeat([]byte{byte(i)}, 100))
	}
	send(t, c, "leave")

	require.NoError(t, wait(t, done))
	assert.Equal(t, types.RoleCamera, s.Role())

	cams, _ := h.deps.Registry.Counts()
	assert.Zero(t, cams)
	_, ok := h.deps.Registry.RemoveCamera(s.ID())
	assert.False(t, ok)

	files := h.recordings(t)
	require.Len(t, files, 1)
	info, err := recording.Inspect(files[0])
	require.NoError(t, err)
	assert.Equal(t, 3, info.Frames)
	assert.Equal(t, uint64(3), h.deps.Metrics.FramesIngested.Load())
}

func TestMalformedCommandsAreSkipped(t *testing.T) {
	h := newHarness(t)
	c, s, done := h.start(t, context.Background())

	send(t, c, "ping")
	require.NoError(t, c.SetWriteDeadline(time.Now().Add(2*time.Second)))
	_, err := c.Write(bytes.Repeat([]byte{0xfe}, codec.CommandSize))
	require.NoError(t, err)
	send(t, c, "join")
	send(t, c, "leave")

	require.NoError(t, wait(t, done))
	assert.Equal(t, types.RoleUnassigned, s.Role())
	assert.Equal(t, uint64(2), h.deps.Metrics.MalformedCommands.Load())
	assert.Empty(t, h.recordings(t))
}

func TestDisconnectActsAsLeave(t *testing.T) {
	h := newHarness(t)
	c, _, done := h.start(t, context.Background())

	send(t, c, "camera")
	sendFrame(t, c, []byte("only"))
	require.NoError(t, c.Close())

	require.NoError(t, wait(t, done))
	files := h.recordings(t)
	require.Len(t, files, 1)
	info, err := recording.Inspect(files[0])
	require.NoError(t, err)
	assert.Equal(t, 1, info.Frames)
}

func TestTruncatedFrameEndsSessionKeepingCompleteFrames(t *testing.T) {
	h := newHarness(t)
	c, _, done := h.start(t, context.Background())

	send(t, c, "camera")
	sendFrame(t, c, []byte("complete"))
	send(t, c, "stream")
	var partial bytes.Buffer
	require.NoError(t, codec.WriteFrame(&partial, make([]byte, 10)))
	_, err := c.Write(partial.Bytes()[:codec.HeaderSize+4])
	require.NoError(t, err)
	require.NoError(t, c.Close())

	err = wait(t, done)
	assert.ErrorIs(t, err, codec.ErrTruncated)
	assert.Equal(t, uint64(1), h.deps.Metrics.TruncatedFrames.Load())

	files := h.recordings(t)
	require.Len(t, files, 1)
	info, err := recording.Inspect(files[0])
	require.NoError(t, err)
	assert.Equal(t, 1, info.Frames)
}

func TestRoleIsAssignedOnce(t *testing.T) {
	h := newHarness(t)
	c, s, done := h.start(t, context.Background())

	send(t, c, "camera")
	send(t, c, "display")
	send(t, c, "camera 1280x720@25")
	send(t, c, "leave")

	require.NoError(t, wait(t, done))
	assert.Equal(t, types.RoleCamera, s.Role())
	assert.Equal(t, uint64(2), h.deps.Metrics.MalformedCommands.Load())

	info, err := recording.Inspect(h.recordings(t)[0])
	require.NoError(t, err)
	assert.Equal(t, types.DefaultFormat, info.Format)
}

func TestNegotiatedCameraFormat(t *testing.T) {
	h := newHarness(t)
	c, _, done := h.start(t, context.Background())

	send(t, c, "camera 320x240@15")
	sendFrame(t, c, []byte("f"))
	send(t, c, "leave")
	require.NoError(t, wait(t, done))

	info, err := recording.Inspect(h.recordings(t)[0])
	require.NoError(t, err)
	assert.Equal(t, types.Format{Width: 320, Height: 240, FPS: 15}, info.Format)
}

func TestStreamWithoutCameraRoleIsDiscarded(t *testing.T) {
	h := newHarness(t)
	c, s, done := h.start(t, context.Background())

	sendFrame(t, c, []byte("stray"))
	send(t, c, "join")
	send(t, c, "leave")

	require.NoError(t, wait(t, done))
	assert.Equal(t, types.RoleUnassigned, s.Role())
	assert.Zero(t, h.deps.Metrics.FramesIngested.Load())
}

func TestDisplayReceivesCameraFrames(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	disp, _, dispDone := h.start(t, ctx)
	send(t, disp, "display")
	require.Eventually(t, func() bool {
		_, n := h.deps.Registry.Counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	cam, _, camDone := h.start(t, ctx)
	send(t, cam, "camera")

	received := make(chan []byte, 2)
	go func() {
		for i := 0; i < 2; i++ {
			p, err := codec.ReadFrame(disp, 0)
			if err != nil {
				close(received)
				return
			}
			received <- p
		}
	}()

	sendFrame(t, cam, []byte("one"))
	sendFrame(t, cam, []byte("two"))

	for _, want := range []string{"one", "two"} {
		select {
		case got := <-received:
			assert.Equal(t, want, string(got))
		case <-time.After(2 * time.Second):
			t.Fatalf("display did not receive %q", want)
		}
	}

	send(t, cam, "leave")
	require.NoError(t, wait(t, camDone))

	send(t, disp, "leave")
	require.NoError(t, wait(t, dispDone))
	cams, displays := h.deps.Registry.Counts()
	assert.Zero(t, cams)
	assert.Zero(t, displays)
}

func TestIdleTimeoutCleansUp(t *testing.T) {
	h := newHarness(t)
	h.deps.Config.IdleTimeout = 50 * time.Millisecond
	c, _, done := h.start(t, context.Background())

	send(t, c, "camera")
	err := wait(t, done)
	assert.ErrorIs(t, err, ErrIdleTimeout)
	assert.Equal(t, uint64(1), h.deps.Metrics.IdleTimeouts.Load())

	cams, _ := h.deps.Registry.Counts()
	assert.Zero(t, cams)
	assert.Len(t, h.recordings(t), 1)
}

func TestIdleTimeoutSparesStreamingDisplay(t *testing.T) {
	h := newHarness(t)
	h.deps.Config.IdleTimeout = 100 * time.Millisecond
	ctx := context.Background()

	disp, _, dispDone := h.start(t, ctx)
	send(t, disp, "display")
	require.Eventually(t, func() bool {
		_, n := h.deps.Registry.Counts()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)

	go func() {
		for {
			if _, err := codec.ReadFrame(disp, 0); err != nil {
				return
			}
		}
	}()

	cam, _, camDone := h.start(t, ctx)
	send(t, cam, "camera")
	for end := time.Now().Add(400 * time.Millisecond); time.Now().Before(end); {
		sendFrame(t, cam, []byte("frame"))
		time.Sleep(20 * time.Millisecond)
	}

	_, displays := h.deps.Registry.Counts()
	assert.Equal(t, 1, displays)
	assert.Zero(t, h.deps.Metrics.IdleTimeouts.Load())

	send(t, cam, "leave")
	require.NoError(t, wait(t, camDone))
	send(t, disp, "leave")
	require.NoError(t, wait(t, dispDone))
}

func TestOutOfRangeFormatIsIgnored(t *testing.T) {
	h := newHarness(t)
	c, s, done := h.start(t, context.Background())

	send(t, c, "camera 640x480@4294967296")
	send(t, c, "camera 70000x480@30")
	send(t, c, "camera")
	sendFrame(t, c, []byte("frame"))
	send(t, c, "leave")

	require.NoError(t, wait(t, done))
	assert.Equal(t, types.RoleCamera, s.Role())
	assert.Equal(t, uint64(2), h.deps.Metrics.MalformedCommands.Load())

	files := h.recordings(t)
	require.Len(t, files, 1)
	info, err := recording.Inspect(files[0])
	require.NoError(t, err)
	assert.Equal(t, types.DefaultFormat, info.Format)
	assert.Equal(t, 1, info.Frames)
}

func TestCancelledContextEndsSession(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	c, _, done := h.start(t, ctx)

	send(t, c, "camera")
	sendFrame(t, c, []byte("x"))
	cancel()

	assert.ErrorIs(t, wait(t, done), ErrShutdown)
	files := h.recordings(t)
	require.Len(t, files, 1)
	_, err := os.Stat(files[0])
	assert.NoError(t, err)
}

func TestIDsAreUnique(t *testing.T) {
	seen := map[types.SessionID]bool{}
	for i := 0; i < 1000; i++ {
		id := NewID()
		require.False(t, seen[id])
		seen[id] = true
	}
}
