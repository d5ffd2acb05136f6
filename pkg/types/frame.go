package types

import (
	"fmt"
	"time"
)

// SessionID identifies one accepted connection for its whole lifetime.
type SessionID string

// Role is the protocol role a session has declared.
type Role int

const (
	RoleUnassigned Role = iota
	RoleCamera
	RoleDisplay
)

func (r Role) String() string {
	switch r {
	case RoleCamera:
		return "camera"
	case RoleDisplay:
		return "display"
	default:
		return "unassigned"
	}
}

// Frame is one opaque unit of video data produced by a camera session.
type Frame struct {
	CameraID SessionID // Originating camera session
	Seq      uint64    // Position in the camera's frame buffer
	Payload  []byte    // Opaque frame bytes
	Received time.Time // Ingestion time on the server
}

// Format describes the geometry and rate of a camera's frames.
type Format struct {
	Width  int
	Height int
	FPS    int
}

// DefaultFormat is used when a camera does not announce its own format.
var DefaultFormat = Format{Width: 640, Height: 480, FPS: 30}

// Limits on an announced format. Dimensions must fit the 16-bit fields of
// the recording containers.
const (
	MaxDimension = 65535
	MaxFPS       = 1000
)

// Valid reports whether every field is positive and within limits.
func (f Format) Valid() bool {
	return f.Width > 0 && f.Width <= MaxDimension &&
		f.Height > 0 && f.Height <= MaxDimension &&
		f.FPS > 0 && f.FPS <= MaxFPS
}

func (f Format) String() string {
	return fmt.Sprintf("%dx%d@%d", f.Width, f.Height, f.FPS)
}
