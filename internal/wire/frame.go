// Package wire implements the length-prefixed JSON framing used between the
// host router and an enclave, and between an enclave's accept loop and the
// caller connected to it over vsock.
package wire

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
)

// MaxMessageSize is the largest frame this codec will read or write: a
// 4-byte big-endian length prefix followed by that many bytes of UTF-8 JSON.
const MaxMessageSize = 16 * 1024 * 1024

var (
	// ErrMessageTooLarge is returned when a frame's declared or actual
	// length exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("wire: message exceeds 16 MiB limit")
	// ErrEmptyMessage is returned when a frame declares a zero length.
	ErrEmptyMessage = errors.New("wire: message length is zero")
	// ErrTruncated is returned when the stream reaches EOF before the
	// declared number of body bytes have been read.
	ErrTruncated = errors.New("wire: stream truncated before end of frame")
)

// WriteMessage marshals v to JSON and writes it to w as one length-prefixed
// frame. Short writes are looped over until the whole frame is flushed.
func WriteMessage(w io.Writer, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("wire: failed to marshal message: %w", err)
	}
	return WriteRaw(w, body)
}

// WriteRaw frames and writes a raw JSON body.
func WriteRaw(w io.Writer, body []byte) error {
	n := len(body)
	if n == 0 {
		return ErrEmptyMessage
	}
	if n > MaxMessageSize {
		return ErrMessageTooLarge
	}

	header := make([]byte, 4)
	binary.BigEndian.PutUint32(header, uint32(n))

	if err := writeAll(w, header); err != nil {
		return fmt.Errorf("wire: failed to write frame header: %w", err)
	}
	if err := writeAll(w, body); err != nil {
		return fmt.Errorf("wire: failed to write frame body: %w", err)
	}
	log.WithField("bytes", humanize.Bytes(uint64(n))).Debug("wire: wrote frame")
	return nil
}

// writeAll loops over Write until buf is fully drained or an error occurs.
func writeAll(w io.Writer, buf []byte) error {
	for len(buf) > 0 {
		n, err := w.Write(buf)
		if err != nil {
			return err
		}
		buf = buf[n:]
	}
	return nil
}

// ReadMessage reads one length-prefixed frame from r and unmarshals its JSON
// body into v.
func ReadMessage(r io.Reader, v any) error {
	body, err := ReadRaw(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("wire: failed to unmarshal message: %w", err)
	}
	return nil
}

// ReadRaw reads and returns one length-prefixed frame's raw JSON body.
func ReadRaw(r io.Reader) ([]byte, error) {
	header := make([]byte, 4)
	if _, err := io.ReadFull(r, header); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("wire: failed to read frame header: %w", err)
	}

	n := binary.BigEndian.Uint32(header)
	if n == 0 {
		return nil, ErrEmptyMessage
	}
	if n > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, ErrTruncated
		}
		return nil, fmt.Errorf("wire: failed to read frame body: %w", err)
	}

	log.WithField("bytes", humanize.Bytes(uint64(n))).Debug("wire: read frame")
	return body, nil
}
