package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		{},
		[]byte("x"),
		[]byte("SELECT 1;"),
		bytes.Repeat([]byte{0xab}, 1<<16),
	}

	for _, payload := range payloads {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame(%d bytes) returned error: %v", len(payload), err)
		}

		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame returned error: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("round trip of %d bytes corrupted payload", len(payload))
		}
		if buf.Len() != 0 {
			t.Errorf("expected buffer fully consumed, %d bytes left", buf.Len())
		}
	}
}

func TestFramePrefixIsBigEndian(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("abc")); err != nil {
		t.Fatalf("WriteFrame returned error: %v", err)
	}

	raw := buf.Bytes()
	if len(raw) != 7 {
		t.Fatalf("expected 7 bytes on the wire, got %d", len(raw))
	}
	if binary.BigEndian.Uint32(raw[:4]) != 3 {
		t.Errorf("expected big-endian length prefix 3, got %v", raw[:4])
	}
}

func TestReadFrameTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("truncate me")); err != nil {
		t.Fatalf("WriteFrame returned error: %v", err)
	}
	truncated := buf.Bytes()[:6]

	_, err := ReadFrame(bytes.NewReader(truncated))
	if err != io.ErrUnexpectedEOF {
		t.Errorf("expected io.ErrUnexpectedEOF for truncated frame, got %v", err)
	}
}

func TestReadFrameEmptyStream(t *testing.T) {
	_, err := ReadFrame(bytes.NewReader(nil))
	if err != io.EOF {
		t.Errorf("expected io.EOF for empty stream, got %v", err)
	}
}

func TestReadFrameRejectsOversizeLength(t *testing.T) {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], MaxFrameLen+1)

	_, err := ReadFrame(bytes.NewReader(prefix[:]))
	if err == nil {
		t.Fatal("expected error for oversize frame length")
	}
}

func TestErrorPayload(t *testing.T) {
	payload := ErrorPayload("relation does not exist")

	msg, isErr := ErrorMessage(payload)
	if !isErr {
		t.Fatal("ErrorMessage did not recognize an error payload")
	}
	if msg != "relation does not exist" {
		t.Errorf("expected embedded message, got %q", msg)
	}
}

func TestErrorMessageOnNormalPayload(t *testing.T) {
	for _, payload := range [][]byte{nil, {}, []byte("T"), []byte("ERRO"), []byte("regular response")} {
		if _, isErr := ErrorMessage(payload); isErr {
			t.Errorf("payload %q misclassified as engine error", payload)
		}
	}
}
