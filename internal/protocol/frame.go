// Package protocol implements the syncr wire format: length-prefixed JSON
// control messages and raw payload streams whose length is announced by a
// preceding control message.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/goccy/go-json"

	"syncr-go/internal/syncr"
)

const (
	// HeaderSize is the length of the big-endian frame length prefix.
	HeaderSize = 4

	// MaxFrameSize bounds a single control message.
	MaxFrameSize = 64 << 20

	// ChunkSize is the buffer used when streaming raw payloads.
	ChunkSize = 4096
)

// ErrConnectionClosed is returned by ReadFrame when the peer closes the
// connection before a new frame starts.
var ErrConnectionClosed = fmt.Errorf("%w: closed by peer", syncr.ErrConnection)

// WriteFrame writes payload prefixed with its length in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", syncr.ErrProtocol, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("%w: writing frame: %w", syncr.ErrConnection, err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrConnectionClosed
		}
		return nil, fmt.Errorf("%w: reading frame header: %w", syncr.ErrConnection, err)
	}

	n := binary.BigEndian.Uint32(header[:])
	if n > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds limit", syncr.ErrProtocol, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("%w: reading %d byte frame: %w", syncr.ErrConnection, n, err)
	}
	return payload, nil
}

// Send encodes msg as JSON and writes it as one frame.
func Send(w io.Writer, msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: encoding message: %w", syncr.ErrProtocol, err)
	}
	return WriteFrame(w, data)
}

// Receive reads one frame and decodes it into v. Unknown fields are ignored.
func Receive(r io.Reader, v any) error {
	data, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decoding message: %w", syncr.ErrProtocol, err)
	}
	return nil
}

// SendPayload copies exactly size bytes from src to the connection.
func SendPayload(conn io.Writer, src io.Reader, size int64) error {
	n, err := io.CopyBuffer(conn, io.LimitReader(src, size), make([]byte, ChunkSize))
	if err != nil {
		return fmt.Errorf("%w: sending payload: %w", syncr.ErrConnection, err)
	}
	if n != size {
		return fmt.Errorf("payload source ended after %d of %d bytes", n, size)
	}
	return nil
}

// ReceivePayload copies exactly size bytes from the connection to dst.
func ReceivePayload(dst io.Writer, conn io.Reader, size int64) error {
	n, err := io.CopyBuffer(dst, io.LimitReader(conn, size), make([]byte, ChunkSize))
	if err != nil {
		return fmt.Errorf("%w: receiving payload: %w", syncr.ErrConnection, err)
	}
	if n != size {
		return fmt.Errorf("%w: payload ended after %d of %d bytes", syncr.ErrConnection, n, size)
	}
	return nil
}
