package relay

import (
	"context"
	"fmt"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/recording"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/session"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

func startServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	srv := NewServer(Options{
		Session: session.Config{
			WriteTimeout:  time.Second,
			DefaultFormat: types.DefaultFormat,
		},
	})
	require.NoError(t, srv.Start(context.Background(), "127.0.0.1", 0, dir))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Stop(ctx)
	})
	return srv, dir
}

func dial(t *testing.T, srv *Server) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", srv.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, conn.SetDeadline(time.Now().Add(5*time.Second)))
	return conn
}

func waitFor(t *testing.T, srv *Server, cameras, displays int) {
	t.Helper()
	require.Eventually(t, func() bool {
		c, d := srv.Registry().Counts()
		return c == cameras && d == displays
	}, 3*time.Second, 5*time.Millisecond)
}

func recordings(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "*.avi"))
	require.NoError(t, err)
	return files
}

func TestCameraToTwoDisplays(t *testing.T) {
	srv, dir := startServer(t)

	displays := []net.Conn{dial(t, srv), dial(t, srv)}
	for _, d := range displays {
		require.NoError(t, codec.WriteCommand(d, "join"))
		require.NoError(t, codec.WriteCommand(d, "display"))
	}
	waitFor(t, srv, 0, 2)

	cam := dial(t, srv)
	require.NoError(t, codec.WriteCommand(cam, "join"))
	require.NoError(t, codec.WriteCommand(cam, "camera"))
	waitFor(t, srv, 1, 2)

	for i := 0; i < 3; i++ {
		require.NoError(t, codec.WriteCommand(cam, "stream"))
		require.NoError(t, codec.WriteFrame(cam, []byte(fmt.Sprintf("frame-%d", i))))
	}

	for _, d := range displays {
		for i := 0; i < 3; i++ {
			payload, err := codec.ReadFrame(d, 0)
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprintf("frame-%d", i), string(payload))
		}
	}

	require.NoError(t, codec.WriteCommand(cam, "leave"))
	waitFor(t, srv, 0, 2)

	require.Eventually(t, func() bool { return len(recordings(t, dir)) == 1 }, 3*time.Second, 10*time.Millisecond)
	info, err := recording.Inspect(recordings(t, dir)[0])
	require.NoError(t, err)
	assert.Equal(t, 3, info.Frames)

	assert.Equal(t, uint64(3), srv.Metrics().SessionsAccepted.Load())
	assert.Eventually(t, func() bool {
		return srv.Metrics().FramesDelivered.Load() == 6
	}, time.Second, 5*time.Millisecond)
}

func TestTwoCamerasRecordSeparately(t *testing.T) {
	srv, dir := startServer(t)

	a, b := dial(t, srv), dial(t, srv)
	require.NoError(t, codec.WriteCommand(a, "camera"))
	require.NoError(t, codec.WriteCommand(b, "camera 320x240@10"))
	waitFor(t, srv, 2, 0)

	for _, c := range []net.Conn{a, b} {
		require.NoError(t, codec.WriteCommand(c, "stream"))
		require.NoError(t, codec.WriteFrame(c, []byte("payload")))
		require.NoError(t, codec.WriteCommand(c, "leave"))
	}
	waitFor(t, srv, 0, 0)

	require.Eventually(t, func() bool { return len(recordings(t, dir)) == 2 }, 3*time.Second, 10*time.Millisecond)
}

func TestBindFailureIsReported(t *testing.T) {
	srv, _ := startServer(t)
	_, port, err := net.SplitHostPort(srv.Addr().String())
	require.NoError(t, err)

	var p int
	_, err = fmt.Sscan(port, &p)
	require.NoError(t, err)

	other := NewServer(Options{})
	err = other.Start(context.Background(), "127.0.0.1", p, t.TempDir())
	assert.Error(t, err)
	assert.Nil(t, other.Addr())
}

func TestStartTwice(t *testing.T) {
	srv, dir := startServer(t)
	assert.ErrorIs(t, srv.Start(context.Background(), "127.0.0.1", 0, dir), ErrAlreadyStarted)
}

func TestStopFinalizesLiveCameras(t *testing.T) {
	srv, dir := startServer(t)

	cam := dial(t, srv)
	require.NoError(t, codec.WriteCommand(cam, "camera"))
	require.NoError(t, codec.WriteCommand(cam, "stream"))
	require.NoError(t, codec.WriteFrame(cam, []byte("abc")))
	require.Eventually(t, func() bool {
		return srv.Metrics().FramesIngested.Load() == 1
	}, 3*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))

	files := recordings(t, dir)
	require.Len(t, files, 1)
	info, err := recording.Inspect(files[0])
	require.NoError(t, err)
	assert.Equal(t, 1, info.Frames)
	assert.Zero(t, srv.Metrics().SessionsActive.Load())

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err)
}

func TestStopBeforeStart(t *testing.T) {
	srv := NewServer(Options{})
	assert.NoError(t, srv.Stop(context.Background()))
	assert.ErrorIs(t, srv.Start(context.Background(), "127.0.0.1", 0, t.TempDir()), ErrStopped)
}

func TestClosedDisplayDoesNotBlockOthers(t *testing.T) {
	srv, _ := startServer(t)

	gone, live := dial(t, srv), dial(t, srv)
	require.NoError(t, codec.WriteCommand(gone, "display"))
	require.NoError(t, codec.WriteCommand(live, "display"))
	waitFor(t, srv, 0, 2)
	require.NoError(t, gone.Close())

	cam := dial(t, srv)
	require.NoError(t, codec.WriteCommand(cam, "camera"))
	require.NoError(t, codec.WriteCommand(cam, "stream"))
	require.NoError(t, codec.WriteFrame(cam, []byte("hello")))

	payload, err := codec.ReadFrame(live, 0)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(payload))
	waitFor(t, srv, 1, 1)
}
