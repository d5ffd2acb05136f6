// Package relay owns the TCP listener and the lifecycle of every session
// accepted on it.
package relay

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/fanout"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/recording"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/session"
)

var (
	ErrAlreadyStarted = errors.New("relay already started")
	ErrStopped        = errors.New("relay stopped")
)

// Options configures a Server.
type Options struct {
	Session      session.Config
	DisplayQueue int

	RecordingFormat string
	Catalog         recording.Catalog // optional
	Metrics         *metrics.Metrics  // optional
}

// Server accepts camera and display connections and runs one session per
// connection.
type Server struct {
	opts        Options
	metrics     *metrics.Metrics
	registry    *registry.Registry
	broadcaster *fanout.Broadcaster

	mu       sync.Mutex
	listener net.Listener
	recorder *recording.Recorder
	conns    map[net.Conn]struct{}
	cancel   context.CancelFunc
	stopped  bool
	wg       sync.WaitGroup
}

// NewServer creates a server. Nothing is bound until Start.
func NewServer(opts Options) *Server {
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	reg := registry.New()
	m.WatchRegistry(reg.Counts)

	return &Server{
		opts:        opts,
		metrics:     m,
		registry:    reg,
		broadcaster: fanout.NewBroadcaster(reg, m, opts.DisplayQueue),
		conns:       make(map[net.Conn]struct{}),
	}
}

func (s *Server) Registry() *registry.Registry { return s.registry }
func (s *Server) Broadcaster() *fanout.Broadcaster { return s.broadcaster }
func (s *Server) Metrics() *metrics.Metrics { return s.metrics }

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds addr:port and begins accepting connections in the background.
// Recordings are written under outputDir. A bind failure is returned to the
// caller. Cancelling ctx ends every session as if Stop had been called,
// but the listener stays open until Stop.
func (s *Server) Start(ctx context.Context, addr string, port int, outputDir string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.listener != nil {
		return ErrAlreadyStarted
	}

	rec, err := recording.NewRecorder(recording.Options{
		Dir:      outputDir,
		Format:   s.opts.RecordingFormat,
		Fallback: s.opts.Session.DefaultFormat,
		Catalog:  s.opts.Catalog,
		Metrics:  s.metrics,
	})
	if err != nil {
		return err
	}

	bind := net.JoinHostPort(addr, strconv.Itoa(port))
	ln, err := net.Listen("tcp", bind)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", bind, err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	s.listener = ln
	s.recorder = rec
	s.cancel = cancel

	logger.Info("Relay", "Listening on %s (recordings in %s)", ln.Addr(), outputDir)

	s.wg.Add(1)
	go s.acceptLoop(sessCtx, ln)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			// Typically EMFILE. Keep serving existing sessions.
			if backoff == 0 {
				backoff = 5 * time.Millisecond
			} else if backoff < time.Second {
				backoff *= 2
			}
			logger.Warn("Relay", "Accept failed: %v; retrying in %v", err, backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		if !s.track(conn) {
			_ = conn.Close()
			continue
		}
		s.wg.Add(1)
		go s.serve(ctx, conn)
	}
}

func (s *Server) serve(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)

	s.metrics.SessionsAccepted.Add(1)
	s.metrics.SessionsActive.Add(1)
	defer s.metrics.SessionsActive.Add(-1)

	sess := session.New(conn, &session.Deps{
		Registry:    s.registry,
		Broadcaster: s.broadcaster,
		Recorder:    s.recorder,
		Metrics:     s.metrics,
		Config:      s.opts.Session,
	})
	if err := sess.Run(ctx); err != nil && !errors.Is(err, session.ErrShutdown) {
		logger.Debug("Relay", "Session %s ended: %v", sess.ID(), err)
	}
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

// Stop closes the listener, ends every live session and waits for their
// cleanup, including pending recordings, until ctx expires. Stop is safe to
// call more than once.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln, cancel, rec := s.listener, s.cancel, s.recorder
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln == nil {
		return nil
	}

	logger.Info("Relay", "Stopping, %d live sessions", len(conns))
	_ = ln.Close()
	cancel()
	for _, c := range conns {
		_ = c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}

	if err := rec.Wait(ctx); err != nil {
		return fmt.Errorf("waiting for recordings: %w", err)
	}
	logger.Info("Relay", "Stopped")
	return nil
}
