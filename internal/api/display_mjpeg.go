package api

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

const mjpegBoundary = "frame"

// placeholderJPEG renders color bars shown until the first camera frame.
func placeholderJPEG(width, height int) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	colors := []color.RGBA{
		{R: 255, G: 255, B: 255, A: 255},
		{R: 255, G: 255, B: 0, A: 255},
		{R: 0, G: 255, B: 255, A: 255},
		{R: 0, G: 255, B: 0, A: 255},
		{R: 255, G: 0, B: 255, A: 255},
		{R: 255, G: 0, B: 0, A: 255},
		{R: 0, G: 0, B: 255, A: 255},
		{R: 0, G: 0, B: 0, A: 255},
	}

	barWidth := max(width/len(colors), 1)
	for y := range height {
		for x := range width {
			img.Set(x, y, colors[min(x/barWidth, len(colors)-1)])
		}
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// mjpegSender writes each frame as one part of a multipart/x-mixed-replace
// response. Frames are assumed to be JPEG images.
type mjpegSender struct {
	w            http.ResponseWriter
	rc           *http.ResponseController
	writeTimeout time.Duration
}

func (s *mjpegSender) writePart(payload []byte) error {
	_ = s.rc.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	if _, err := fmt.Fprintf(s.w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		mjpegBoundary, len(payload)); err != nil {
		return err
	}
	if _, err := s.w.Write(payload); err != nil {
		return err
	}
	if _, err := s.w.Write([]byte("\r\n")); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *mjpegSender) Send(frame types.Frame) error {
	return s.writePart(frame.Payload)
}

// Close is a no-op; the handler owns the response.
func (s *mjpegSender) Close() error { return nil }

// handleMJPEG registers an HTTP client as a display receiving a
// multipart/x-mixed-replace stream, for browsers and tools without
// WebSocket or WebRTC support.
func (s *Server) handleMJPEG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+mjpegBoundary)
	w.Header().Set("Cache-Control", "no-cache")

	sender := &mjpegSender{w: w, rc: http.NewResponseController(w), writeTimeout: s.opts.WriteTimeout}
	if s.placeholder != nil {
		if err := sender.writePart(s.placeholder); err != nil {
			logger.Debug("MJPEG", "Client %s gone before first frame: %v", r.RemoteAddr, err)
			return
		}
	}

	id := s.opts.NewID()
	outlet := s.opts.Broadcaster.NewOutlet(id, sender)
	s.opts.Registry.RegisterDisplay(id, outlet, r.RemoteAddr, "mjpeg")
	logger.Info("MJPEG", "Display %s attached from %s", id, r.RemoteAddr)

	select {
	case <-r.Context().Done():
	case <-outlet.Done():
	}

	s.opts.Registry.EvictDisplay(id, outlet)
	_ = outlet.Close()
	// The writer goroutine must be finished with w before the handler returns.
	<-outlet.Done()
	logger.Info("MJPEG", "Display %s detached", id)
}
