// Package session runs the per-connection protocol state machine:
// role negotiation, frame ingestion and teardown.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/fanout"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/recording"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// Why a session ended.
var (
	ErrIdleTimeout = errors.New("idle timeout")
	ErrShutdown    = errors.New("server shutting down")
)

// Persister stores a camera's frames when the camera leaves.
type Persister interface {
	Persist(ctx context.Context, rec registry.CameraRecord) (recording.Result, error)
}

// Config holds per-session protocol limits.
type Config struct {
	IdleTimeout   time.Duration // 0 disables
	WriteTimeout  time.Duration
	MaxFrameSize  uint64
	DefaultFormat types.Format
}

// Deps are the shared collaborators every session uses.
type Deps struct {
	Registry    *registry.Registry
	Broadcaster *fanout.Broadcaster
	Recorder    Persister
	Metrics     *metrics.Metrics
	Config      Config
}

// NewID mints a session identifier independent of the peer address.
func NewID() types.SessionID {
	return types.SessionID(ulid.Make().String())
}

// Session is one accepted connection.
type Session struct {
	id     types.SessionID
	remote string
	conn   net.Conn
	deps   *Deps
	log    *logger.Scoped

	role   types.Role
	outlet *fanout.Outlet
	frames uint64
}

// New wraps conn in a session with a fresh id.
func New(conn net.Conn, deps *Deps) *Session {
	id := NewID()
	remote := conn.RemoteAddr().String()
	return &Session{
		id:     id,
		remote: remote,
		conn:   conn,
		deps:   deps,
		log:    logger.With("Session", "session", string(id), "remote", remote),
	}
}

// ID returns the session id.
func (s *Session) ID() types.SessionID { return s.id }

// Role returns the current role. Only meaningful from the session goroutine
// or after Run has returned.
func (s *Session) Role() types.Role { return s.role }

// Run reads commands until the peer leaves, disconnects, times out or ctx
// is cancelled, then performs cleanup. It returns nil for a normal leave or
// peer disconnect.
func (s *Session) Run(ctx context.Context) (err error) {
	s.log.Info("New client connected")

	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	defer func() {
		s.teardown(ctx, err)
	}()

	for {
		done, err := s.step(ctx)
		if err != nil || done {
			return err
		}
	}
}

// step processes one command frame.
func (s *Session) step(ctx context.Context) (bool, error) {
	s.armDeadline(ctx)

	text, err := codec.ReadCommand(s.conn)
	switch {
	case errors.Is(err, codec.ErrInvalidUTF8):
		s.deps.Metrics.MalformedCommands.Add(1)
		s.log.Warn("Unhandled 64 bytes, not UTF-8 text")
		return false, nil
	case err != nil:
		return true, s.classify(ctx, err)
	}

	cmd, err := codec.ParseCommand(text)
	if err != nil {
		s.deps.Metrics.MalformedCommands.Add(1)
		s.log.Warn("Ignoring command: %v", err)
		return false, nil
	}
	s.log.Debug("Command %q in state %s", cmd, s.role)

	switch cmd.Verb {
	case codec.VerbJoin:
		s.log.Info("Client wants to connect")
	case codec.VerbCamera:
		s.becomeCamera(cmd.Format)
	case codec.VerbDisplay:
		s.becomeDisplay()
	case codec.VerbStream:
		if err := s.ingest(ctx); err != nil {
			return true, err
		}
	case codec.VerbLeave:
		s.log.Info("Client wants to disconnect")
		return true, nil
	}
	return false, nil
}

// armDeadline sets the idle read deadline. Displays only receive, so their
// reads wait for leave or disconnect; a stalled display is caught by the
// write timeout of its outlet instead.
func (s *Session) armDeadline(ctx context.Context) {
	if ctx.Err() != nil {
		_ = s.conn.SetReadDeadline(time.Now())
		return
	}
	t := s.deps.Config.IdleTimeout
	switch {
	case s.role == types.RoleDisplay:
		_ = s.conn.SetReadDeadline(time.Time{})
	case t > 0:
		_ = s.conn.SetReadDeadline(time.Now().Add(t))
	default:
		return
	}
	// Cancellation may have fired between the check and the reset above.
	if ctx.Err() != nil {
		_ = s.conn.SetReadDeadline(time.Now())
	}
}

func (s *Session) becomeCamera(announced *types.Format) {
	if s.role != types.RoleUnassigned {
		s.deps.Metrics.MalformedCommands.Add(1)
		s.log.Warn("Ignoring camera registration, role already %s", s.role)
		return
	}

	info := registry.CameraInfo{Remote: s.remote, Format: s.deps.Config.DefaultFormat}
	if announced != nil {
		info.Format = *announced
		info.Negotiated = true
	}
	if !info.Format.Valid() {
		info.Format = types.DefaultFormat
	}

	s.deps.Registry.RegisterCamera(s.id, info)
	s.role = types.RoleCamera
	s.log.Info("Registered as CAMERA (%s)", info.Format)
}

func (s *Session) becomeDisplay() {
	if s.role != types.RoleUnassigned {
		s.deps.Metrics.MalformedCommands.Add(1)
		s.log.Warn("Ignoring display registration, role already %s", s.role)
		return
	}

	s.outlet = s.deps.Broadcaster.NewOutlet(s.id, &fanout.ConnSender{
		Conn:         s.conn,
		WriteTimeout: s.deps.Config.WriteTimeout,
	})
	s.deps.Registry.RegisterDisplay(s.id, s.outlet, s.remote, "tcp")
	s.role = types.RoleDisplay
	s.log.Info("Registered as DISPLAY")
}

// ingest reads the data frame that follows a stream command. A frame that
// cannot be read completely ends the session.
func (s *Session) ingest(ctx context.Context) error {
	s.armDeadline(ctx)

	payload, err := codec.ReadFrame(s.conn, s.deps.Config.MaxFrameSize)
	if err != nil {
		if errors.Is(err, codec.ErrTruncated) || errors.Is(err, io.EOF) {
			s.deps.Metrics.TruncatedFrames.Add(1)
			return fmt.Errorf("stream frame incomplete: %w", codec.ErrTruncated)
		}
		if errors.Is(err, codec.ErrFrameTooLarge) {
			return err
		}
		return s.classify(ctx, err)
	}

	if s.role != types.RoleCamera {
		s.deps.Metrics.MalformedCommands.Add(1)
		s.log.Warn("Discarding %d byte frame from %s session", len(payload), s.role)
		return nil
	}

	frame, err := s.deps.Registry.AppendFrame(s.id, payload)
	if err != nil {
		s.log.Warn("Frame dropped: %v", err)
		return nil
	}
	s.frames++
	s.deps.Metrics.FramesIngested.Add(1)
	s.deps.Metrics.BytesIngested.Add(uint64(len(payload)))
	if frame.Seq%300 == 0 {
		s.log.Debug("Client sends stream data (frame #%d, %d bytes)", frame.Seq, len(payload))
	}

	s.deps.Broadcaster.Broadcast(frame)
	return nil
}

// classify maps a read error to the reason the session ends.
func (s *Session) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ErrShutdown
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		s.deps.Metrics.IdleTimeouts.Add(1)
		return ErrIdleTimeout
	}
	return err
}

// teardown runs exactly once when Run exits, whatever the reason.
func (s *Session) teardown(ctx context.Context, reason error) {
	switch s.role {
	case types.RoleDisplay:
		s.deps.Registry.EvictDisplay(s.id, s.outlet)
		_ = s.outlet.Close()
	case types.RoleCamera:
		// Removed before the connection closes so no further frames are
		// attributed to this id.
		rec, ok := s.deps.Registry.RemoveCamera(s.id)
		_ = s.conn.Close()
		if ok {
			s.persist(ctx, rec)
		}
	}
	_ = s.conn.Close()

	if reason != nil {
		s.log.Info("Client disconnected as %s: %v", s.role, reason)
	} else {
		s.log.Info("Client disconnected as %s", s.role)
	}
}

func (s *Session) persist(ctx context.Context, rec registry.CameraRecord) {
	if s.deps.Recorder == nil {
		s.log.Warn("No recorder configured, %d frames discarded", len(rec.Frames))
		return
	}

	s.log.Info("Saving stream (%d frames)...", len(rec.Frames))
	// Shutdown must not cut a recording short.
	res, err := s.deps.Recorder.Persist(context.WithoutCancel(ctx), rec)
	if err != nil {
		s.log.Error("Failed to save stream: %v", err)
		return
	}
	s.log.Info("Stream saved to %s (%d frames)", res.Path, res.Frames)
}
