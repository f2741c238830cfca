package stream

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/library"
)

// ── ParseRange ───────────────────────────────────────────────────────

func TestParseRange(t *testing.T) {
	const size = 1000
	tests := []struct {
		name      string
		header    string
		wantStart int64
		wantEnd   int64
	}{
		{"full_window", "bytes=0-999", 0, 999},
		{"interior", "bytes=100-200", 100, 200},
		{"start_only", "bytes=500-", 500, 999},
		{"suffix_is_zero_to_n", "bytes=-300", 0, 300},
		{"end_capped_at_size", "bytes=900-5000", 900, 999},
		{"suffix_capped", "bytes=-5000", 0, 999},
		{"single_byte", "bytes=42-42", 42, 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseRange(tt.header, size)
			if err != nil {
				t.Fatalf("ParseRange(%q): %v", tt.header, err)
			}
			if r.Start != tt.wantStart || r.End != tt.wantEnd {
				t.Errorf("got [%d,%d], want [%d,%d]", r.Start, r.End, tt.wantStart, tt.wantEnd)
			}
		})
	}
}

func TestParseRangeNoHeader(t *testing.T) {
	r, err := ParseRange("", 1000)
	if r != nil || err != nil {
		t.Errorf("got %v/%v, want nil/nil", r, err)
	}
}

func TestParseRangeErrors(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		wantErr error
	}{
		{"both_missing", "bytes=-", ErrInvalidRange},
		{"not_bytes", "items=0-5", ErrRangeNotSatisfiable},
		{"no_dash", "bytes=100", ErrRangeNotSatisfiable},
		{"non_numeric_start", "bytes=abc-5", ErrRangeNotSatisfiable},
		{"non_numeric_end", "bytes=0-xyz", ErrRangeNotSatisfiable},
		{"negative_start", "bytes=--5-10", ErrRangeNotSatisfiable},
		{"start_after_end", "bytes=200-100", ErrRangeNotSatisfiable},
		{"start_past_eof", "bytes=1000-", ErrRangeNotSatisfiable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRange(tt.header, 1000)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

// ── Streamer ─────────────────────────────────────────────────────────

// writePatternedWAV writes a WAV whose data bytes follow i%251 so that range
// reads can be verified byte for byte. Returns the full file content.
func writePatternedWAV(t *testing.T, path string, dataSize int) []byte {
	t.Helper()
	var buf []byte
	buf = append(buf, "RIFF"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(36+dataSize))
	buf = append(buf, "WAVE"...)
	buf = append(buf, "fmt "...)
	buf = binary.LittleEndian.AppendUint32(buf, 16)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint32(buf, 8000)
	buf = binary.LittleEndian.AppendUint32(buf, 8000)
	buf = binary.LittleEndian.AppendUint16(buf, 1)
	buf = binary.LittleEndian.AppendUint16(buf, 8)
	buf = append(buf, "data"...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(dataSize))
	for i := 0; i < dataSize; i++ {
		buf = append(buf, byte(i%251))
	}
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	return buf
}

// newTestStreamer indexes a temp dir holding one WAV and returns the
// streamer, the track ID, and the file's bytes.
func newTestStreamer(t *testing.T, dataSize int) (*Streamer, string, []byte) {
	t.Helper()
	music := t.TempDir()
	content := writePatternedWAV(t, filepath.Join(music, "clip.wav"), dataSize)

	lib := library.NewManager(library.Options{
		SeratoRoot:  t.TempDir(),
		MusicRoots:  []string{music},
		Concurrency: 2,
		Log:         zerolog.Nop(),
	})
	tracks, err := lib.ParseLibrary(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(tracks) != 1 {
		t.Fatalf("indexed %d tracks, want 1", len(tracks))
	}
	return NewStreamer(lib, zerolog.Nop()), tracks[0].ID, content
}

func TestOpenFullFile(t *testing.T) {
	s, id, content := newTestStreamer(t, 4096)

	resp, err := s.Open(id, "")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer resp.Body.Close()

	if resp.Status != 200 {
		t.Errorf("status = %d, want 200", resp.Status)
	}
	if resp.ContentLength != int64(len(content)) {
		t.Errorf("content length = %d, want %d", resp.ContentLength, len(content))
	}
	if resp.Headers["Accept-Ranges"] != "bytes" {
		t.Error("missing Accept-Ranges header")
	}
	if resp.Headers["Content-Type"] != "audio/wav" {
		t.Errorf("content type = %q", resp.Headers["Content-Type"])
	}
	if resp.Headers["ETag"] == "" || resp.Headers["Last-Modified"] == "" {
		t.Error("missing caching headers")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, content) {
		t.Error("body does not match file content")
	}
}

func TestOpenPartialRange(t *testing.T) {
	s, id, content := newTestStreamer(t, 4096)
	size := int64(len(content))

	resp, err := s.Open(id, "bytes=1000-2999")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer resp.Body.Close()

	if resp.Status != 206 {
		t.Errorf("status = %d, want 206", resp.Status)
	}
	if resp.ContentLength != 2000 {
		t.Errorf("content length = %d, want 2000", resp.ContentLength)
	}
	wantCR := "bytes 1000-2999/" + strconv.FormatInt(size, 10)
	if resp.Headers["Content-Range"] != wantCR {
		t.Errorf("Content-Range = %q, want %q", resp.Headers["Content-Range"], wantCR)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(body, content[1000:3000]) {
		t.Error("body does not match file[1000..=2999]")
	}
}

func TestOpenUnknownTrack(t *testing.T) {
	s, _, _ := newTestStreamer(t, 128)
	if _, err := s.Open("deadbeefdeadbeef", ""); !errors.Is(err, library.ErrTrackNotFound) {
		t.Errorf("err = %v, want ErrTrackNotFound", err)
	}
}

func TestOpenBadRange(t *testing.T) {
	s, id, _ := newTestStreamer(t, 128)
	if _, err := s.Open(id, "bytes=-"); !errors.Is(err, ErrInvalidRange) {
		t.Errorf("err = %v, want ErrInvalidRange", err)
	}
	if _, err := s.Open(id, "bytes=500-100"); !errors.Is(err, ErrRangeNotSatisfiable) {
		t.Errorf("err = %v, want ErrRangeNotSatisfiable", err)
	}
}

func TestCopyObservesCancellation(t *testing.T) {
	s, id, _ := newTestStreamer(t, 8192)

	resp, err := s.Open(id, "")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var sink bytes.Buffer
	if _, err := s.Copy(ctx, &sink, resp); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	// Copy closes the body; a second Close must be a no-op.
	if err := resp.Body.Close(); err != nil {
		t.Errorf("double close: %v", err)
	}
}

func TestMIMEType(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"a.mp3", "audio/mpeg"},
		{"a.FLAC", "audio/flac"},
		{"a.m4a", "audio/mp4"},
		{"a.aiff", "audio/aiff"},
		{"a.bin", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := MIMEType(tt.path); got != tt.want {
			t.Errorf("MIMEType(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
