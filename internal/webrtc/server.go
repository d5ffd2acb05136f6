// Package webrtc lets browsers attach as displays over a WebRTC data channel.
package webrtc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/fanout"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

const (
	// ChannelLabel is the label of the server-created data channel.
	ChannelLabel = "frames"

	// Frames are sent length-prefixed, as on the TCP display protocol, and
	// split into messages no larger than this.
	chunkSize = 16 * 1024

	// A peer with more than this queued inside SCTP is not keeping up.
	maxBufferedAmount = 4 << 20
)

var (
	ErrTooManyPeers   = errors.New("maximum webrtc displays reached")
	ErrPeerBacklogged = errors.New("webrtc display not keeping up")
)

// Options configures the WebRTC display server.
type Options struct {
	StunServers []string
	MaxPeers    int

	// IncludeLoopback offers loopback ICE candidates. Only useful for
	// same-host peers.
	IncludeLoopback bool
}

type peer struct {
	id       types.SessionID
	remote   string
	peerConn *webrtc.PeerConnection
	channel  *webrtc.DataChannel
	outlet   *fanout.Outlet
	created  time.Time
}

// Server manages WebRTC display peers.
type Server struct {
	peers   map[types.SessionID]*peer
	peersMu sync.Mutex
	config  webrtc.Configuration
	opts    Options
	api     *webrtc.API

	registry    *registry.Registry
	broadcaster *fanout.Broadcaster
	newID       func() types.SessionID
}

// NewServer creates a server that registers each opened peer as a display
// on reg and feeds it through b. newID mints display session ids.
func NewServer(opts Options, reg *registry.Registry, b *fanout.Broadcaster, newID func() types.SessionID) *Server {
	iceServers := make([]webrtc.ICEServer, 0, len(opts.StunServers))
	for _, url := range opts.StunServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}
	if opts.MaxPeers <= 0 {
		opts.MaxPeers = 16
	}

	settingsEngine := webrtc.SettingEngine{}
	settingsEngine.SetDTLSRetransmissionInterval(2 * time.Second)
	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})
	settingsEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return &Server{
		peers:       make(map[types.SessionID]*peer),
		config:      webrtc.Configuration{ICEServers: iceServers},
		opts:        opts,
		api:         webrtc.NewAPI(webrtc.WithSettingEngine(settingsEngine)),
		registry:    reg,
		broadcaster: b,
		newID:       newID,
	}
}

// HandleOffer answers a JSON session description. The offer must carry an
// application (data channel) section; the server then opens the "frames"
// channel and registers the peer as a display once it is open.
func (s *Server) HandleOffer(remote string, offerJSON []byte) ([]byte, error) {
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(offerJSON, &offer); err != nil {
		return nil, fmt.Errorf("failed to parse offer: %w", err)
	}

	if n := s.PeerCount(); n >= s.opts.MaxPeers {
		return nil, fmt.Errorf("%w (%d)", ErrTooManyPeers, n)
	}

	peerConn, err := s.api.NewPeerConnection(s.config)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	ordered := true
	channel, err := peerConn.CreateDataChannel(ChannelLabel, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create data channel: %w", err)
	}

	p := &peer{
		id:       s.newID(),
		remote:   remote,
		peerConn: peerConn,
		channel:  channel,
		created:  time.Now(),
	}

	channel.OnOpen(func() { s.attach(p) })
	channel.OnClose(func() {
		logger.Debug("WebRTC", "Display %s channel closed", p.id)
		s.RemovePeer(p.id)
	})

	peerConn.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Debug("WebRTC", "Display %s connection state: %s", p.id, state)
		if state == webrtc.PeerConnectionStateDisconnected ||
			state == webrtc.PeerConnectionStateFailed ||
			state == webrtc.PeerConnectionStateClosed {
			s.RemovePeer(p.id)
		}
	})

	if err := peerConn.SetRemoteDescription(offer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set remote description: %w", err)
	}

	answer, err := peerConn.CreateAnswer(nil)
	if err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to create answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(peerConn)
	if err := peerConn.SetLocalDescription(answer); err != nil {
		peerConn.Close()
		return nil, fmt.Errorf("failed to set local description: %w", err)
	}
	<-gatherComplete

	s.peersMu.Lock()
	s.peers[p.id] = p
	s.peersMu.Unlock()

	localDesc := peerConn.LocalDescription()
	if localDesc == nil {
		s.RemovePeer(p.id)
		return nil, errors.New("no local description available")
	}
	answerJSON, err := json.Marshal(localDesc)
	if err != nil {
		s.RemovePeer(p.id)
		return nil, fmt.Errorf("failed to marshal answer: %w", err)
	}

	logger.Info("WebRTC", "Display %s negotiated from %s", p.id, remote)
	return answerJSON, nil
}

// attach registers an opened peer as a display.
func (s *Server) attach(p *peer) {
	s.peersMu.Lock()
	if _, ok := s.peers[p.id]; !ok || p.outlet != nil {
		s.peersMu.Unlock()
		return
	}
	p.outlet = s.broadcaster.NewOutlet(p.id, &channelSender{channel: p.channel, peerConn: p.peerConn})
	s.peersMu.Unlock()

	s.registry.RegisterDisplay(p.id, p.outlet, p.remote, "webrtc")
	logger.Info("WebRTC", "Display %s connected after %v", p.id, time.Since(p.created).Round(time.Millisecond))
}

// RemovePeer unregisters a peer and closes its connection.
func (s *Server) RemovePeer(id types.SessionID) {
	s.peersMu.Lock()
	p, ok := s.peers[id]
	if ok {
		delete(s.peers, id)
	}
	s.peersMu.Unlock()
	if !ok {
		return
	}

	if p.outlet != nil {
		s.registry.EvictDisplay(p.id, p.outlet)
		_ = p.outlet.Close()
	} else {
		_ = p.peerConn.Close()
	}
	logger.Info("WebRTC", "Display %s disconnected", id)
}

// PeerCount returns the number of negotiated peers.
func (s *Server) PeerCount() int {
	s.peersMu.Lock()
	defer s.peersMu.Unlock()
	return len(s.peers)
}

// Close disconnects every peer.
func (s *Server) Close() error {
	s.peersMu.Lock()
	ids := make([]types.SessionID, 0, len(s.peers))
	for id := range s.peers {
		ids = append(ids, id)
	}
	s.peersMu.Unlock()

	for _, id := range ids {
		s.RemovePeer(id)
	}
	return nil
}

// frameChannel is the part of *webrtc.DataChannel a sender needs.
type frameChannel interface {
	Send(data []byte) error
	BufferedAmount() uint64
}

type channelSender struct {
	channel  frameChannel
	peerConn io.Closer
}

// Send fails once the peer's backlog passes maxBufferedAmount, which evicts
// the display like a full outlet queue would.
func (c *channelSender) Send(frame types.Frame) error {
	if n := c.channel.BufferedAmount(); n > maxBufferedAmount {
		return fmt.Errorf("%w: %d bytes buffered", ErrPeerBacklogged, n)
	}
	for _, msg := range Chunk(frame.Payload) {
		if err := c.channel.Send(msg); err != nil {
			return err
		}
	}
	return nil
}

func (c *channelSender) Close() error {
	return c.peerConn.Close()
}

// Chunk frames payload with the display length prefix and splits it into
// data channel messages.
func Chunk(payload []byte) [][]byte {
	framed := codec.AppendFrame(make([]byte, 0, codec.HeaderSize+len(payload)), payload)
	msgs := make([][]byte, 0, len(framed)/chunkSize+1)
	for len(framed) > chunkSize {
		msgs = append(msgs, framed[:chunkSize])
		framed = framed[chunkSize:]
	}
	return append(msgs, framed)
}

// Reassembler turns data channel messages back into frame payloads.
type Reassembler struct {
	buf []byte
}

// Push appends msg and returns every payload it completes.
func (r *Reassembler) Push(msg []byte) [][]byte {
	r.buf = append(r.buf, msg...)

	var out [][]byte
	for len(r.buf) >= codec.HeaderSize {
		n := binary.BigEndian.Uint64(r.buf[:codec.HeaderSize])
		if uint64(len(r.buf)-codec.HeaderSize) < n {
			break
		}
		end := codec.HeaderSize + int(n)
		out = append(out, append([]byte(nil), r.buf[codec.HeaderSize:end]...))
		r.buf = r.buf[end:]
	}
	return out
}
