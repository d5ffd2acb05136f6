// Package codec implements the relay wire format: fixed 64-byte command
// frames and length-prefixed data frames.
//
// A data frame is an unsigned 64-bit big-endian length L followed by exactly
// L bytes of opaque payload.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"
)

const (
	// CommandSize is the fixed size of a command frame.
	CommandSize = 64
	// HeaderSize is the size of the data frame length prefix.
	HeaderSize = 8
	// DefaultMaxFrameSize bounds the payload length accepted by ReadFrame.
	DefaultMaxFrameSize = 16 << 20
)

var (
	// ErrInvalidUTF8 is returned for command frames that are not UTF-8 text.
	ErrInvalidUTF8 = errors.New("command is not valid UTF-8")
	// ErrFrameTooLarge is returned when a declared length exceeds the limit.
	ErrFrameTooLarge = errors.New("frame exceeds maximum size")
	// ErrCommandTooLong is returned when encoding text longer than CommandSize.
	ErrCommandTooLong = errors.New("command exceeds 64 bytes")
	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = errors.New("stream closed mid-frame")
)

// ReadCommand reads exactly one 64-byte command frame and returns its
// trimmed text.
//
// A clean EOF before the first byte is returned as io.EOF. If the 64 bytes
// arrive but are not valid UTF-8, the bytes are consumed and ErrInvalidUTF8
// is returned so the caller can skip them and keep reading.
func ReadCommand(r io.Reader) (string, error) {
	var buf [CommandSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return "", ErrTruncated
		}
		return "", err
	}
	if !utf8.Valid(buf[:]) {
		return "", ErrInvalidUTF8
	}
	return strings.Trim(string(buf[:]), "\x00 \t\r\n"), nil
}

// WriteCommand writes text as a single zero-padded 64-byte command frame.
func WriteCommand(w io.Writer, text string) error {
	if len(text) > CommandSize {
		return ErrCommandTooLong
	}
	var buf [CommandSize]byte
	copy(buf[:], text)
	_, err := w.Write(buf[:])
	return err
}

// ReadFrame reads one length-prefixed data frame. Short reads from the
// transport are accumulated until the whole frame has arrived.
//
// maxSize <= 0 selects DefaultMaxFrameSize. A stream that ends after the
// header has started returns ErrTruncated; a clean EOF before the header
// returns io.EOF.
func ReadFrame(r io.Reader, maxSize uint64) ([]byte, error) {
	if maxSize == 0 {
		maxSize = DefaultMaxFrameSize
	}

	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}

	n := binary.BigEndian.Uint64(hdr[:])
	if n > maxSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, maxSize)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, err
	}
	return payload, nil
}

// AppendFrame appends the encoded form of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint64(dst, uint64(len(payload)))
	return append(dst, payload...)
}

// WriteFrame writes payload as one data frame with a single Write call, so
// the header and body are never interleaved with another writer's output.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	_, err := w.Write(buf)
	return err
}
