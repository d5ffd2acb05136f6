package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// AVI layout: RIFF('AVI ' LIST('hdrl' avih LIST('strl' strh strf)) LIST('movi' 00dc...) idx1).
// The header block has a fixed size, so it is rewritten in place on close
// once frame count and sizes are known.
const (
	aviHeaderSize = 224
	aviMoviOffset = 220 // offset of the 'movi' fourcc; idx1 offsets are relative to it

	avifHasIndex  = 0x10
	aviifKeyframe = 0x10
)

var errAVITooLarge = errors.New("avi recording exceeds 4 GiB")

type aviIndexEntry struct {
	offset uint32
	size   uint32
}

// aviWriter writes an MJPEG AVI with a single video stream. Payloads are
// stored as-is in '00dc' chunks.
type aviWriter struct {
	f        *os.File
	w        *bufio.Writer
	format   types.Format
	index    []aviIndexEntry
	pos      int64
	maxChunk uint32
	written  uint64
}

func newAVIWriter(f *os.File, format types.Format) (*aviWriter, error) {
	w := &aviWriter{
		f:      f,
		w:      bufio.NewWriterSize(f, 256<<10),
		format: format,
		pos:    aviHeaderSize,
	}
	if _, err := w.w.Write(w.header(0, 4, aviHeaderSize)); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *aviWriter) WriteFrame(payload []byte) error {
	size := int64(len(payload))
	pad := size & 1
	if w.pos+8+size+pad > math.MaxUint32 {
		return errAVITooLarge
	}

	var hdr [8]byte
	copy(hdr[:4], "00dc")
	binary.LittleEndian.PutUint32(hdr[4:], uint32(size))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(payload); err != nil {
		return err
	}
	if pad == 1 {
		if err := w.w.WriteByte(0); err != nil {
			return err
		}
	}

	w.index = append(w.index, aviIndexEntry{
		offset: uint32(w.pos - aviMoviOffset),
		size:   uint32(size),
	})
	w.maxChunk = max(w.maxChunk, uint32(size))
	w.pos += 8 + size + pad
	w.written += uint64(size)
	return nil
}

func (w *aviWriter) Frames() int { return len(w.index) }
func (w *aviWriter) Bytes() uint64 { return w.written }
func (w *aviWriter) Abort() error { return w.f.Close() }

// Close writes the index, rewrites the header with the final counts and
// closes the file.
func (w *aviWriter) Close() error {
	moviSize := w.pos - aviMoviOffset
	idxSize := int64(16 * len(w.index))
	riffSize := w.pos + 8 + idxSize - 8
	if riffSize > math.MaxUint32 {
		_ = w.f.Close()
		return errAVITooLarge
	}

	le := binary.LittleEndian
	buf := make([]byte, 0, 8+idxSize)
	buf = append(buf, "idx1"...)
	buf = le.AppendUint32(buf, uint32(idxSize))
	for _, e := range w.index {
		buf = append(buf, "00dc"...)
		buf = le.AppendUint32(buf, aviifKeyframe)
		buf = le.AppendUint32(buf, e.offset)
		buf = le.AppendUint32(buf, e.size)
	}

	err := func() error {
		if _, err := w.w.Write(buf); err != nil {
			return err
		}
		if err := w.w.Flush(); err != nil {
			return err
		}
		hdr := w.header(uint32(len(w.index)), uint32(moviSize), uint32(riffSize))
		if _, err := w.f.WriteAt(hdr, 0); err != nil {
			return err
		}
		return w.f.Sync()
	}()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func (w *aviWriter) header(frames, moviSize, riffSize uint32) []byte {
	le := binary.LittleEndian
	width, height, fps := uint32(w.format.Width), uint32(w.format.Height), uint32(w.format.FPS)
	if fps == 0 {
		fps = uint32(types.DefaultFormat.FPS)
	}

	b := make([]byte, 0, aviHeaderSize)
	b = append(b, "RIFF"...)
	b = le.AppendUint32(b, riffSize)
	b = append(b, "AVI "...)

	b = append(b, "LIST"...)
	b = le.AppendUint32(b, 192)
	b = append(b, "hdrl"...)

	b = append(b, "avih"...)
	b = le.AppendUint32(b, 56)
	b = le.AppendUint32(b, 1_000_000/fps) // microseconds per frame
	b = le.AppendUint32(b, clampUint32(uint64(w.maxChunk)*uint64(fps)))
	b = le.AppendUint32(b, 0) // padding granularity
	b = le.AppendUint32(b, avifHasIndex)
	b = le.AppendUint32(b, frames)
	b = le.AppendUint32(b, 0) // initial frames
	b = le.AppendUint32(b, 1) // streams
	b = le.AppendUint32(b, w.maxChunk)
	b = le.AppendUint32(b, width)
	b = le.AppendUint32(b, height)
	b = append(b, make([]byte, 16)...)

	b = append(b, "LIST"...)
	b = le.AppendUint32(b, 116)
	b = append(b, "strl"...)

	b = append(b, "strh"...)
	b = le.AppendUint32(b, 56)
	b = append(b, "vids"...)
	b = append(b, "MJPG"...)
	b = le.AppendUint32(b, 0) // flags
	b = le.AppendUint16(b, 0) // priority
	b = le.AppendUint16(b, 0) // language
	b = le.AppendUint32(b, 0) // initial frames
	b = le.AppendUint32(b, 1) // scale
	b = le.AppendUint32(b, fps)
	b = le.AppendUint32(b, 0) // start
	b = le.AppendUint32(b, frames)
	b = le.AppendUint32(b, w.maxChunk)
	b = le.AppendUint32(b, math.MaxUint32) // default quality
	b = le.AppendUint32(b, 0)              // sample size
	b = le.AppendUint16(b, 0)
	b = le.AppendUint16(b, 0)
	b = le.AppendUint16(b, uint16(width))
	b = le.AppendUint16(b, uint16(height))

	b = append(b, "strf"...)
	b = le.AppendUint32(b, 40)
	b = le.AppendUint32(b, 40)
	b = le.AppendUint32(b, width)
	b = le.AppendUint32(b, height)
	b = le.AppendUint16(b, 1)  // planes
	b = le.AppendUint16(b, 24) // bit count
	b = append(b, "MJPG"...)
	b = le.AppendUint32(b, clampUint32(uint64(width)*uint64(height)*3))
	b = append(b, make([]byte, 16)...)

	b = append(b, "LIST"...)
	b = le.AppendUint32(b, moviSize)
	b = append(b, "movi"...)
	return b
}

func clampUint32(v uint64) uint32 {
	return uint32(min(v, math.MaxUint32))
}

// readAVI validates an AVI written by aviWriter and counts its frame chunks.
func readAVI(r io.ReadSeeker) (Info, error) {
	hdr := make([]byte, aviHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Info{}, fmt.Errorf("read avi header: %w", err)
	}
	le := binary.LittleEndian
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "AVI " ||
		string(hdr[24:28]) != "avih" || string(hdr[108:112]) != "vids" ||
		string(hdr[212:216]) != "LIST" || string(hdr[220:224]) != "movi" {
		return Info{}, fmt.Errorf("not a relay avi file")
	}

	declared := le.Uint32(hdr[48:52])
	usPerFrame := le.Uint32(hdr[32:36])
	info := Info{
		Container: FormatAVI,
		Format: types.Format{
			Width:  int(le.Uint32(hdr[64:68])),
			Height: int(le.Uint32(hdr[68:72])),
		},
	}
	if usPerFrame > 0 {
		info.Format.FPS = int(math.Round(1e6 / float64(usPerFrame)))
	}

	moviEnd := int64(aviMoviOffset) + int64(le.Uint32(hdr[216:220]))
	pos := int64(aviHeaderSize)
	var chunk [8]byte
	for pos < moviEnd {
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Info{}, fmt.Errorf("read chunk at %d: %w", pos, err)
		}
		size := int64(le.Uint32(chunk[4:]))
		if string(chunk[:4]) == "00dc" {
			info.Frames++
			info.Bytes += uint64(size)
		}
		skip := size + size&1
		if _, err := r.Seek(skip, io.SeekCurrent); err != nil {
			return Info{}, err
		}
		pos += 8 + skip
	}

	if _, err := io.ReadFull(r, chunk[:]); err != nil || string(chunk[:4]) != "idx1" {
		return Info{}, fmt.Errorf("missing idx1 index")
	}
	if n := le.Uint32(chunk[4:]) / 16; n != uint32(info.Frames) {
		return Info{}, fmt.Errorf("index lists %d frames, movi holds %d", n, info.Frames)
	}
	if declared != uint32(info.Frames) {
		return Info{}, fmt.Errorf("header declares %d frames, movi holds %d", declared, info.Frames)
	}
	return info, nil
}
