// Package registry holds the process-wide table of live camera and display
// sessions. All access goes through Registry methods; the lock is only ever
// held for bookkeeping, never across network or file I/O.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// ErrNotCamera is returned by AppendFrame for ids that are not registered cameras.
var ErrNotCamera = errors.New("session is not a registered camera")

// Display is a fan-out target. Deliver must not block; it reports false when
// the display can no longer accept frames.
type Display interface {
	Deliver(frame types.Frame) bool
	Close() error
}

// CameraInfo is the metadata recorded when a camera registers.
type CameraInfo struct {
	Remote string
	Format types.Format
	// Negotiated is true when the camera announced its own format.
	Negotiated bool
}

// CameraRecord is a camera's accumulated state, handed to the recording
// sink when the camera leaves.
type CameraRecord struct {
	ID       types.SessionID
	Info     CameraInfo
	Frames   []types.Frame
	Bytes    uint64
	Started  time.Time
	Finished time.Time
}

// DisplayRef is one entry of a display snapshot.
type DisplayRef struct {
	ID      types.SessionID
	Display Display
}

// CameraStatus and DisplayStatus are read-only views for status reporting.
type CameraStatus struct {
	ID      types.SessionID `json:"id"`
	Remote  string          `json:"remote"`
	Format  string          `json:"format"`
	Frames  int             `json:"frames"`
	Bytes   uint64          `json:"bytes"`
	Started time.Time       `json:"started"`
}

type DisplayStatus struct {
	ID        types.SessionID `json:"id"`
	Remote    string          `json:"remote"`
	Transport string          `json:"transport"`
	Since     time.Time       `json:"since"`
}

type cameraEntry struct {
	info    CameraInfo
	frames  []types.Frame
	bytes   uint64
	started time.Time
}

type displayEntry struct {
	display   Display
	remote    string
	transport string
	since     time.Time
}

// Registry is the shared camera/display table.
type Registry struct {
	mu       sync.Mutex
	cameras  map[types.SessionID]*cameraEntry
	displays map[types.SessionID]*displayEntry
	now      func() time.Time
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		cameras:  make(map[types.SessionID]*cameraEntry),
		displays: make(map[types.SessionID]*displayEntry),
		now:      time.Now,
	}
}

// RegisterCamera inserts an empty frame buffer for id, replacing any
// existing entry.
func (r *Registry) RegisterCamera(id types.SessionID, info CameraInfo) {
	r.mu.Lock()
	_, replaced := r.cameras[id]
	r.cameras[id] = &cameraEntry{info: info, started: r.now()}
	n := len(r.cameras)
	r.mu.Unlock()

	if replaced {
		logger.Warn("Registry", "Camera %s re-registered, previous buffer discarded", id)
	}
	logger.Debug("Registry", "Camera %s registered (cameras: %d)", id, n)
}

// RegisterDisplay inserts the fan-out target for id.
func (r *Registry) RegisterDisplay(id types.SessionID, d Display, remote, transport string) {
	r.mu.Lock()
	r.displays[id] = &displayEntry{display: d, remote: remote, transport: transport, since: r.now()}
	n := len(r.displays)
	r.mu.Unlock()

	logger.Debug("Registry", "Display %s registered via %s (displays: %d)", id, transport, n)
}

// AppendFrame appends payload to the camera's buffer and returns the stored
// frame with its sequence position.
func (r *Registry) AppendFrame(id types.SessionID, payload []byte) (types.Frame, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cam, ok := r.cameras[id]
	if !ok {
		return types.Frame{}, ErrNotCamera
	}
	f := types.Frame{
		CameraID: id,
		Seq:      uint64(len(cam.frames)),
		Payload:  payload,
		Received: r.now(),
	}
	cam.frames = append(cam.frames, f)
	cam.bytes += uint64(len(payload))
	return f, nil
}

// RemoveCamera atomically removes the camera and returns its accumulated frames.
func (r *Registry) RemoveCamera(id types.SessionID) (CameraRecord, bool) {
	r.mu.Lock()
	cam, ok := r.cameras[id]
	if ok {
		delete(r.cameras, id)
	}
	r.mu.Unlock()

	if !ok {
		return CameraRecord{}, false
	}
	return CameraRecord{
		ID:       id,
		Info:     cam.info,
		Frames:   cam.frames,
		Bytes:    cam.bytes,
		Started:  cam.started,
		Finished: r.now(),
	}, true
}

// EvictDisplay removes id only if it is still bound to d, so a stale
// eviction cannot remove a newer registration.
func (r *Registry) EvictDisplay(id types.SessionID, d Display) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.displays[id]
	if !ok || e.display != d {
		return false
	}
	delete(r.displays, id)
	return true
}

// SnapshotDisplays returns a point-in-time copy of the display table,
// ordered by id so repeated snapshots iterate in a stable order.
func (r *Registry) SnapshotDisplays() []DisplayRef {
	r.mu.Lock()
	out := make([]DisplayRef, 0, len(r.displays))
	for id, e := range r.displays {
		out = append(out, DisplayRef{ID: id, Display: e.display})
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Counts returns the number of registered cameras and displays.
func (r *Registry) Counts() (cameras, displays int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.cameras), len(r.displays)
}

// Status returns read-only views of every registered session.
func (r *Registry) Status() ([]CameraStatus, []DisplayStatus) {
	r.mu.Lock()
	cams := make([]CameraStatus, 0, len(r.cameras))
	for id, c := range r.cameras {
		cams = append(cams, CameraStatus{
			ID:      id,
			Remote:  c.info.Remote,
			Format:  c.info.Format.String(),
			Frames:  len(c.frames),
			Bytes:   c.bytes,
			Started: c.started,
		})
	}
	disps := make([]DisplayStatus, 0, len(r.displays))
	for id, d := range r.displays {
		disps = append(disps, DisplayStatus{
			ID:        id,
			Remote:    d.remote,
			Transport: d.transport,
			Since:     d.since,
		})
	}
	r.mu.Unlock()

	sort.Slice(cams, func(i, j int) bool { return cams[i].ID < cams[j].ID })
	sort.Slice(disps, func(i, j int) bool { return disps[i].ID < disps[j].ID })
	return cams, disps
}
