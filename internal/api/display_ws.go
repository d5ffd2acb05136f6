package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// Displays never send data; only control frames are expected.
const wsReadLimit = 4096

// wsSender writes one binary message per frame.
type wsSender struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (s *wsSender) Send(frame types.Frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.BinaryMessage, frame.Payload)
}

func (s *wsSender) Close() error {
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
		time.Now().Add(time.Second))
	return s.conn.Close()
}

// handleDisplaySocket registers a WebSocket peer as a display. The handler
// runs the read pump and unregisters the display once the peer goes away.
func (s *Server) handleDisplaySocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("HTTP", "WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(wsReadLimit)

	id := s.opts.NewID()
	outlet := s.opts.Broadcaster.NewOutlet(id, &wsSender{conn: conn, writeTimeout: s.opts.WriteTimeout})
	s.opts.Registry.RegisterDisplay(id, outlet, r.RemoteAddr, "websocket")
	logger.Info("HTTP", "Display %s attached over websocket from %s", id, r.RemoteAddr)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.opts.Registry.EvictDisplay(id, outlet)
	_ = outlet.Close()
	logger.Info("HTTP", "Display %s websocket closed", id)
}
