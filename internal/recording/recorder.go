// Package recording persists a camera session's frames to a video container
// when the session ends.
package recording

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/catalog"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/logger"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/metrics"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/registry"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// Container formats.
const (
	FormatAVI = "avi"
	FormatRaw = "raw"
)

// ErrUnknownFormat is returned for unsupported container names.
var ErrUnknownFormat = errors.New("unknown recording format")

// Catalog receives an entry for every finalized recording.
type Catalog interface {
	Add(ctx context.Context, e catalog.Entry) error
}

type containerWriter interface {
	WriteFrame(payload []byte) error
	Close() error
	Abort() error
	Frames() int
	Bytes() uint64
}

// Result describes a finalized recording.
type Result struct {
	Path     string        `json:"path"`
	Frames   int           `json:"frames"`
	Bytes    uint64        `json:"bytes"`
	Format   types.Format  `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Info is what Inspect reads back from a recording.
type Info struct {
	Container string
	Format    types.Format
	Frames    int
	Bytes     uint64
}

// Options configures a Recorder.
type Options struct {
	Dir      string
	Format   string       // FormatAVI or FormatRaw
	Fallback types.Format // geometry used when nothing better is known
	Catalog  Catalog      // optional
	Metrics  *metrics.Metrics
}

// Recorder writes camera frame buffers to files in a directory.
type Recorder struct {
	opts     Options
	inflight sync.WaitGroup
}

// NewRecorder validates opts and returns a recorder.
func NewRecorder(opts Options) (*Recorder, error) {
	if opts.Format == "" {
		opts.Format = FormatAVI
	}
	if opts.Format != FormatAVI && opts.Format != FormatRaw {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, opts.Format)
	}
	if !opts.Fallback.Valid() {
		opts.Fallback = types.DefaultFormat
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	return &Recorder{opts: opts}, nil
}

// Dir returns the output directory.
func (r *Recorder) Dir() string { return r.opts.Dir }

// Persist writes every frame of rec, in order, to a new container file and
// finalizes it before returning. An empty buffer yields a valid empty file.
// The file is written under a temporary name and renamed on success.
func (r *Recorder) Persist(ctx context.Context, rec registry.CameraRecord) (Result, error) {
	r.inflight.Add(1)
	defer r.inflight.Done()

	res, err := r.persist(ctx, rec)
	if err != nil {
		r.opts.Metrics.RecordingsFailed.Add(1)
		return Result{}, err
	}

	r.opts.Metrics.RecordingsWritten.Add(1)
	r.opts.Metrics.RecordingFrames.Add(uint64(res.Frames))
	r.opts.Metrics.RecordingBytes.Add(res.Bytes)

	if r.opts.Catalog != nil {
		entry := catalog.Entry{
			SessionID:  string(rec.ID),
			RemoteAddr: rec.Info.Remote,
			Path:       res.Path,
			Container:  r.opts.Format,
			Frames:     res.Frames,
			Bytes:      res.Bytes,
			Width:      res.Format.Width,
			Height:     res.Format.Height,
			FPS:        res.Format.FPS,
			StartedAt:  rec.Started,
			FinishedAt: rec.Finished,
		}
		if err := r.opts.Catalog.Add(ctx, entry); err != nil {
			logger.Warn("Recorder", "Catalog insert for %s failed: %v", rec.ID, err)
		}
	}
	return res, nil
}

func (r *Recorder) persist(ctx context.Context, rec registry.CameraRecord) (Result, error) {
	start := time.Now()
	format := resolveFormat(rec.Info.Format, rec.Info.Negotiated, rec.Frames, r.opts.Fallback)

	if err := os.MkdirAll(r.opts.Dir, 0o755); err != nil {
		return Result{}, fmt.Errorf("failed to create output directory: %w", err)
	}

	started := rec.Started
	if started.IsZero() {
		started = start
	}
	name := fmt.Sprintf("%s_%s.%s", rec.ID, started.Format("20060102_150405"), r.opts.Format)
	final := filepath.Join(r.opts.Dir, name)
	tmp := final + ".part"

	f, err := os.Create(tmp)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create file: %w", err)
	}

	var w containerWriter
	switch r.opts.Format {
	case FormatRaw:
		w, err = newRawWriter(f, format)
	default:
		w, err = newAVIWriter(f, format)
	}
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("failed to write header: %w", err)
	}

	for i, frame := range rec.Frames {
		if i%256 == 0 && ctx.Err() != nil {
			// Keep what was written: a shorter valid file beats none.
			logger.Warn("Recorder", "Recording of %s cut at frame %d/%d: %v", rec.ID, i, len(rec.Frames), ctx.Err())
			break
		}
		if err := w.WriteFrame(frame.Payload); err != nil {
			_ = w.Abort()
			_ = os.Remove(tmp)
			return Result{}, fmt.Errorf("failed to write frame %d: %w", i, err)
		}
	}

	if err := w.Close(); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("failed to finalize file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return Result{}, fmt.Errorf("failed to rename file: %w", err)
	}

	res := Result{
		Path:     final,
		Frames:   w.Frames(),
		Bytes:    w.Bytes(),
		Format:   format,
		Duration: time.Since(start),
	}
	logger.Info("Recorder", "Saved %s (%d frames, %d bytes, %s) in %v",
		final, res.Frames, res.Bytes, format, res.Duration.Round(time.Millisecond))
	return res, nil
}

// Wait blocks until in-flight Persist calls return or ctx is done.
func (r *Recorder) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inspect reads a recording written by a Recorder and reports its contents.
func Inspect(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	var magic [8]byte
	if _, err := f.ReadAt(magic[:], 0); err != nil {
		return Info{}, fmt.Errorf("read magic: %w", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		return Info{}, err
	}

	switch {
	case string(magic[:4]) == "RIFF":
		return readAVI(f)
	case string(magic[:]) == rawMagic:
		return readRaw(f)
	default:
		return Info{}, fmt.Errorf("%s: %w", path, ErrUnknownFormat)
	}
}
