package library

import (
	"os"
	"path/filepath"
	"testing"
)

func TestProbeDurationWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	writeWAV(t, path, 3)

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	info, _ := f.Stat()

	d := probeDuration(f, ".wav", info.Size())
	if d < 2.9 || d > 3.1 {
		t.Errorf("duration = %v, want ~3s", d)
	}
}

func TestProbeDurationFLAC(t *testing.T) {
	// Minimal FLAC: marker, STREAMINFO header, 34-byte payload declaring
	// 44100 Hz and 441000 samples (10 seconds).
	buf := []byte("fLaC")
	buf = append(buf, 0x80, 0, 0, 34) // last-block flag + type 0 + length 34
	si := make([]byte, 34)
	// sample rate 44100 across bits 80-99
	si[10] = byte(44100 >> 12)
	si[11] = byte(44100 >> 4 & 0xFF)
	si[12] = byte(44100&0x0F) << 4
	// total samples 441000 across bits 108-143
	si[13] = 0
	si[14] = byte(441000 >> 24)
	si[15] = byte(441000 >> 16)
	si[16] = byte(441000 >> 8 & 0xFF)
	si[17] = byte(441000 & 0xFF)
	buf = append(buf, si...)

	path := filepath.Join(t.TempDir(), "clip.flac")
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	d := probeDuration(f, ".flac", int64(len(buf)))
	if d < 9.99 || d > 10.01 {
		t.Errorf("duration = %v, want 10s", d)
	}
}

func TestProbeDurationUnknownFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.ogg")
	if err := os.WriteFile(path, []byte("OggS garbage"), 0o644); err != nil {
		t.Fatal(err)
	}
	f, _ := os.Open(path)
	defer f.Close()
	if d := probeDuration(f, ".ogg", 12); d != 0 {
		t.Errorf("duration = %v, want 0 for unprobed format", d)
	}
}
