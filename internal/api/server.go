// Package api serves the read-only HTTP surface of the relay: health,
// session and recording listings, metrics, and the browser display
// transports.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/catalog"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/fanout"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

const protobufType = "application/x-protobuf"

// RecordingLister lists catalogued recordings.
type RecordingLister interface {
	List(ctx context.Context, limit int) ([]catalog.Entry, error)
}

// OfferHandler answers WebRTC display offers.
type OfferHandler interface {
	HandleOffer(remote string, offerJSON []byte) ([]byte, error)
	PeerCount() int
}

type Options struct {
	Registry    *registry.Registry
	Broadcaster *fanout.Broadcaster
	Metrics     *metrics.Metrics
	NewID       func() types.SessionID

	Catalog RecordingLister // optional
	WebRTC  OfferHandler    // optional

	WriteTimeout  time.Duration
	AllowedOrigin string // CORS origin, "*" when empty
}

// Server is the HTTP front of the relay.
type Server struct {
	opts        Options
	upgrader    websocket.Upgrader
	placeholder []byte
	started     time.Time
}

func NewServer(opts Options) *Server {
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	placeholder, err := placeholderJPEG(types.DefaultFormat.Width, types.DefaultFormat.Height)
	if err != nil {
		logger.Warn("HTTP", "Placeholder frame unavailable: %v", err)
	}
	return &Server{
		opts:        opts,
		placeholder: placeholder,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		started: time.Now(),
	}
}

// Handler exposes the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.cors(s.handleSessions))
	mux.HandleFunc("/api/recordings", s.cors(s.handleRecordings))
	mux.Handle("/metrics", s.opts.Metrics.Handler())
	mux.HandleFunc("/ws/display", s.handleDisplaySocket)
	mux.HandleFunc("/stream", s.handleMJPEG)
	mux.HandleFunc("/offer", s.cors(s.handleOffer))

	return mux
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind http %s: %w", addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP", "Listening on %s", ln.Addr())
		errCh <- httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) cors(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.opts.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	cameras, displays := s.opts.Registry.Counts()
	payload := map[string]any{
		"status":   "ok",
		"cameras":  cameras,
		"displays": displays,
		"uptime_s": int64(time.Since(s.started).Seconds()),
		"counters": s.opts.Metrics.Snapshot(),
	}
	if s.opts.WebRTC != nil {
		payload["webrtc_peers"] = s.opts.WebRTC.PeerCount()
	}
	writeJSON(w, http.StatusOK, payload)
}

type sessionsResponse struct {
	Cameras  []registry.CameraStatus  `json:"cameras"`
	Displays []registry.DisplayStatus `json:"displays"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cameras, displays := s.opts.Registry.Status()
	resp := sessionsResponse{Cameras: cameras, Displays: displays}
	if resp.Cameras == nil {
		resp.Cameras = []registry.CameraStatus{}
	}
	if resp.Displays == nil {
		resp.Displays = []registry.DisplayStatus{}
	}

	if strings.Contains(r.Header.Get("Accept"), protobufType) {
		body, err := toProtoStruct(resp)
		if err != nil {
			logger.Error("HTTP", "Encode sessions as protobuf: %v", err)
			http.Error(w, "Failed to encode sessions", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", protobufType)
		_, _ = w.Write(body)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// toProtoStruct encodes v as a serialized google.protobuf.Struct holding the
// same document as its JSON form.
func toProtoStruct(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	st, err := structpb.NewStruct(doc)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(st)
}

func (s *Server) handleRecordings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.Catalog == nil {
		writeJSON(w, http.StatusOK, map[string]any{"enabled": false, "recordings": []catalog.Entry{}})
		return
	}

	limit := 100
	if q := r.URL.Query().Get("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.opts.Catalog.List(r.Context(), limit)
	if err != nil {
		logger.Error("HTTP", "List recordings: %v", err)
		http.Error(w, "Failed to list recordings", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []catalog.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enabled": true, "recordings": entries})
}

func (s *Server) handleOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.WebRTC == nil {
		http.Error(w, "WebRTC displays disabled", http.StatusNotFound)
		return
	}

	offerJSON, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	answerJSON, err := s.opts.WebRTC.HandleOffer(r.RemoteAddr, offerJSON)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		http.Error(w, fmt.Sprintf("Failed to handle offer: %v", err), http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answerJSON)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("HTTP", "Write response: %v", err)
	}
}
