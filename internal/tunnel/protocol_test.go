package tunnel

import (
	"bytes"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

// ── Chunk framing ────────────────────────────────────────────────────

func TestChunkRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1024)
	frame := EncodeChunk("req-42", payload)

	id, got, err := DecodeChunk(frame)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if id != "req-42" {
		t.Errorf("id = %q, want req-42", id)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload mismatch: %d bytes", len(got))
	}
}

func TestChunkLayout(t *testing.T) {
	frame := EncodeChunk("ab", []byte{1, 2, 3})
	want := []byte{0, 0, 0, 2, 'a', 'b', 1, 2, 3}
	if !bytes.Equal(frame, want) {
		t.Errorf("frame = %v, want %v", frame, want)
	}
}

func TestChunkEmptyPayload(t *testing.T) {
	id, payload, err := DecodeChunk(EncodeChunk("x", nil))
	if err != nil || id != "x" || len(payload) != 0 {
		t.Errorf("got %q/%v/%v", id, payload, err)
	}
}

func TestDecodeChunkMalformed(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
	}{
		{"empty", nil},
		{"short header", []byte{0, 0, 1}},
		{"zero id length", []byte{0, 0, 0, 0, 'x'}},
		{"id length past end", []byte{0, 0, 0, 9, 'a', 'b'}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeChunk(tt.frame); !errors.Is(err, ErrBadChunk) {
				t.Errorf("err = %v, want ErrBadChunk", err)
			}
		})
	}
}

// ── Control messages ─────────────────────────────────────────────────

func TestMessageOmitsEmptyFields(t *testing.T) {
	data, err := json.Marshal(Message{Type: TypePing})
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `{"type":"ping"}` {
		t.Errorf("ping frame = %s", data)
	}
}

func TestStreamRequestRoundTrip(t *testing.T) {
	in := Message{
		Type:      TypeStreamRequest,
		RequestID: "r1",
		TrackID:   "a1b2c3d4e5f60718",
		Range:     "bytes=0-1023",
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	var out Message
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(out, in) {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}
}
