// Package wire implements the framing used on the engine subprocess
// byte stream and on instance listener connections: each message is a
// 4-byte big-endian length prefix followed by exactly that many payload
// bytes. The stream carries no message IDs; correlation is strictly
// FIFO and is handled above this package.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"
)

// MaxFrameLen caps a single frame's payload. PGlite protocol messages are
// far smaller; a length prefix beyond this indicates a corrupt or
// desynchronized stream and is rejected before any allocation.
const MaxFrameLen = 256 * 1024 * 1024

// ErrorTag is the reserved payload prefix the engine uses to report a
// query-level failure instead of a normal protocol response. The rest of
// the payload is a human-readable message.
const ErrorTag = "ERROR:"

// WriteFrame writes one length-prefixed frame to w. A zero-length payload
// is a valid frame.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLen {
		return fmt.Errorf("frame payload of %d bytes exceeds maximum %d", len(payload), MaxFrameLen)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one complete frame from r, blocking until the full
// payload arrives. It returns io.EOF only if the stream ends cleanly on a
// frame boundary; a stream truncated mid-frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(prefix[:])
	if length > MaxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds maximum %d", length, MaxFrameLen)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return payload, nil
}

// ErrorPayload builds an engine-error payload carrying msg.
func ErrorPayload(msg string) []byte {
	return []byte(ErrorTag + " " + msg)
}

// ErrorMessage reports whether payload is an engine-error payload and, if
// so, returns the embedded message.
func ErrorMessage(payload []byte) (string, bool) {
	s := string(payload)
	if !strings.HasPrefix(s, ErrorTag) {
		return "", false
	}
	return strings.TrimPrefix(s[len(ErrorTag):], " "), true
}
