package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Message numbers from the SSH agent protocol (draft-miller-ssh-agent).
// Only the numbers the proxy itself has to recognize or synthesize are
// named; every other frame type is opaque and forwarded as-is.
const (
	AgentFailure          byte = 5
	AgentSuccess          byte = 6
	AgentCExtension       byte = 27
	AgentExtensionFailure byte = 28
)

const MaxFrame = 1 << 20 // 1 MiB

var (
	ErrInvalidFrame  = errors.New("wire: invalid frame")
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Frame is one agent-protocol message: a type byte plus an opaque body.
// The 4-byte big-endian length prefix on the wire counts type and body.
type Frame struct {
	Type byte
	Body []byte
}

// ReadFrame reads one length-prefixed frame from r. A stream that ends
// before the length prefix, or a length prefix of zero, is a clean
// close and yields io.EOF. A peer that closes mid-frame yields an
// ErrInvalidFrame-wrapped error.
func ReadFrame(r io.Reader) (Frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return Frame{}, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, fmt.Errorf("%w: truncated length prefix", ErrInvalidFrame)
		}
		return Frame{}, fmt.Errorf("read frame length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		// A zero length never appears in a valid frame; peers send it
		// to signal end-of-stream.
		return Frame{}, io.EOF
	}
	if length > MaxFrame {
		return Frame{}, ErrFrameTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("%w: truncated body (%v)", ErrInvalidFrame, err)
	}
	return Frame{Type: payload[0], Body: payload[1:]}, nil
}

// WriteFrame writes one frame as a single Write call so concurrent
// writers on other connections can never interleave with it. Callers
// sharing one connection still serialize among themselves.
func WriteFrame(w io.Writer, typ byte, body []byte) error {
	if 1+len(body) > MaxFrame {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 4+1+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(1+len(body)))
	buf[4] = typ
	copy(buf[5:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Roundtrip writes one frame and reads the single reply. It is meant
// for client-role connections (one outstanding request at a time).
func Roundtrip(rw io.ReadWriter, typ byte, body []byte) (Frame, error) {
	if err := WriteFrame(rw, typ, body); err != nil {
		return Frame{}, err
	}
	return ReadFrame(rw)
}

// AppendString appends s as a uint32-length-prefixed string, the SSH
// wire encoding used throughout extension payloads.
func AppendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// ReadString consumes one length-prefixed string from b and returns it
// together with the remaining bytes.
func ReadString(b []byte) (string, []byte, error) {
	if len(b) < 4 {
		return "", nil, fmt.Errorf("%w: short string length", ErrInvalidFrame)
	}
	n := binary.BigEndian.Uint32(b[:4])
	if uint64(n) > uint64(len(b)-4) {
		return "", nil, fmt.Errorf("%w: short string body", ErrInvalidFrame)
	}
	return string(b[4 : 4+n]), b[4+n:], nil
}
