package recording

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/internal/codec"
	"github.com/dj-oyu/rdk-x5_smart-pet-camera/relay-server/pkg/types"
)

// rawMagic opens a raw recording: magic, then width, height and fps as
// big-endian uint32, then one codec data frame per video frame.
const rawMagic = "CRLYRAW1"

const rawHeaderSize = len(rawMagic) + 12

type rawWriter struct {
	f       *os.File
	w       *bufio.Writer
	frames  int
	written uint64
}

func newRawWriter(f *os.File, format types.Format) (*rawWriter, error) {
	w := &rawWriter{f: f, w: bufio.NewWriterSize(f, 256<<10)}

	hdr := make([]byte, 0, rawHeaderSize)
	hdr = append(hdr, rawMagic...)
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(format.Width))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(format.Height))
	hdr = binary.BigEndian.AppendUint32(hdr, uint32(format.FPS))
	if _, err := w.w.Write(hdr); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *rawWriter) WriteFrame(payload []byte) error {
	if err := codec.WriteFrame(w.w, payload); err != nil {
		return err
	}
	w.frames++
	w.written += uint64(len(payload))
	return nil
}

func (w *rawWriter) Frames() int { return w.frames }
func (w *rawWriter) Bytes() uint64 { return w.written }
func (w *rawWriter) Abort() error { return w.f.Close() }

func (w *rawWriter) Close() error {
	err := w.w.Flush()
	if err == nil {
		err = w.f.Sync()
	}
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

func readRaw(r io.Reader) (Info, error) {
	hdr := make([]byte, rawHeaderSize)
	if _, err := io.ReadFull(r, hdr); err != nil {
		return Info{}, fmt.Errorf("read raw header: %w", err)
	}
	if string(hdr[:len(rawMagic)]) != rawMagic {
		return Info{}, fmt.Errorf("not a relay raw recording")
	}
	body := hdr[len(rawMagic):]
	info := Info{
		Container: FormatRaw,
		Format: types.Format{
			Width:  int(binary.BigEndian.Uint32(body[0:4])),
			Height: int(binary.BigEndian.Uint32(body[4:8])),
			FPS:    int(binary.BigEndian.Uint32(body[8:12])),
		},
	}

	br := bufio.NewReader(r)
	for {
		payload, err := codec.ReadFrame(br, 0)
		if errors.Is(err, io.EOF) {
			return info, nil
		}
		if err != nil {
			return Info{}, fmt.Errorf("frame %d: %w", info.Frames, err)
		}
		info.Frames++
		info.Bytes += uint64(len(payload))
	}
}
