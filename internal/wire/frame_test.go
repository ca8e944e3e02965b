package wire

import (
	"bytes"
	"strings"
	"testing"
)

type sample struct {
	ID   string `json:"id"`
	Body []byte `json:"body"`
}

func TestRoundTrip(t *testing.T) {
	in := sample{ID: "req-1", Body: []byte("hello world")}

	var buf bytes.Buffer
	if err := WriteMessage(&buf, in); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	var out sample
	if err := ReadMessage(&buf, &out); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}

	if out.ID != in.ID || string(out.Body) != string(in.Body) {
		t.Fatalf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestWriteMessageTooLarge(t *testing.T) {
	big := strings.Repeat("a", MaxMessageSize+1)
	var buf bytes.Buffer
	err := WriteMessage(&buf, big)
	if err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("expected no bytes written on overflow, got %d", buf.Len())
	}
}

func TestReadTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteRaw(&buf, []byte(`{"a":1}`)); err != nil {
		t.Fatalf("WriteRaw: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	var v map[string]int
	err := ReadMessage(truncated, &v)
	if err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestReadEmptyMessage(t *testing.T) {
	buf := []byte{0, 0, 0, 0}
	var v any
	err := ReadMessage(bytes.NewReader(buf), &v)
	if err != ErrEmptyMessage {
		t.Fatalf("expected ErrEmptyMessage, got %v", err)
	}
}

func TestReadMessageTooLarge(t *testing.T) {
	buf := []byte{0xFF, 0xFF, 0xFF, 0xFF}
	var v any
	err := ReadMessage(bytes.NewReader(buf), &v)
	if err != ErrMessageTooLarge {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
}
