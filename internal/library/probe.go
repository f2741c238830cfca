package library

import (
	"encoding/binary"
	"io"
	"os"
)

// probeDuration estimates a file's play length in seconds by reading format
// headers natively, avoiding an external probe binary. FLAC and WAV are
// exact; MP3 is a CBR estimate from the first frame header; M4A reads the
// mvhd atom. Unknown formats return 0.
func probeDuration(f *os.File, ext string, size int64) float64 {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return 0
	}
	switch ext {
	case ".flac":
		return flacDuration(f)
	case ".wav":
		return wavDuration(f)
	case ".mp3":
		return mp3Duration(f, size)
	case ".m4a", ".aac":
		return mp4Duration(f)
	}
	return 0
}

// flacDuration reads the STREAMINFO block: 4-byte "fLaC" marker, 4-byte
// block header, 34-byte payload.
func flacDuration(f *os.File) float64 {
	buf := make([]byte, 42)
	if _, err := io.ReadFull(f, buf); err != nil {
		return 0
	}
	if string(buf[0:4]) != "fLaC" || buf[4]&0x7F != 0 {
		return 0
	}
	si := buf[8:]
	sampleRate := int64(si[10])<<12 | int64(si[11])<<4 | int64(si[12])>>4
	totalSamples := int64(si[13]&0x0F)<<32 |
		int64(si[14])<<24 | int64(si[15])<<16 |
		int64(si[16])<<8 | int64(si[17])
	if sampleRate <= 0 || totalSamples <= 0 {
		return 0
	}
	return float64(totalSamples) / float64(sampleRate)
}

// wavDuration walks RIFF chunks for fmt (byte rate) and data (payload size).
func wavDuration(f *os.File) float64 {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(f, hdr); err != nil {
		return 0
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return 0
	}

	var byteRate uint32
	var dataSize uint32
	chunk := make([]byte, 8)
	for {
		if _, err := io.ReadFull(f, chunk); err != nil {
			break
		}
		id := string(chunk[0:4])
		length := binary.LittleEndian.Uint32(chunk[4:8])
		switch id {
		case "fmt ":
			body := make([]byte, length)
			if _, err := io.ReadFull(f, body); err != nil {
				return 0
			}
			if length >= 12 {
				byteRate = binary.LittleEndian.Uint32(body[8:12])
			}
		case "data":
			dataSize = length
			if _, err := f.Seek(int64(length), io.SeekCurrent); err != nil {
				return 0
			}
		default:
			if _, err := f.Seek(int64(length), io.SeekCurrent); err != nil {
				return 0
			}
		}
		if byteRate > 0 && dataSize > 0 {
			break
		}
	}
	if byteRate == 0 || dataSize == 0 {
		return 0
	}
	return float64(dataSize) / float64(byteRate)
}

// mp3Bitrates is the MPEG-1 Layer III bitrate table in kbit/s.
var mp3Bitrates = [16]int{0, 32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 0}

// mp3Duration estimates duration from the first frame's bitrate. VBR files
// are approximated; good enough for the ±2 s windows the resolver uses.
func mp3Duration(f *os.File, size int64) float64 {
	head := make([]byte, 10)
	if _, err := io.ReadFull(f, head); err != nil {
		return 0
	}

	var audioStart int64
	if string(head[0:3]) == "ID3" {
		// Syncsafe 28-bit tag size follows the 10-byte ID3 header.
		tagSize := int64(head[6]&0x7F)<<21 | int64(head[7]&0x7F)<<14 |
			int64(head[8]&0x7F)<<7 | int64(head[9]&0x7F)
		audioStart = 10 + tagSize
	}
	if _, err := f.Seek(audioStart, io.SeekStart); err != nil {
		return 0
	}

	// Scan a window for the frame sync; some encoders pad after the tag.
	window := make([]byte, 4096)
	n, _ := io.ReadFull(f, window)
	for i := 0; i+1 < n; i++ {
		if window[i] != 0xFF || window[i+1]&0xE0 != 0xE0 {
			continue
		}
		bitrate := mp3Bitrates[window[i+2]>>4]
		if bitrate == 0 {
			continue
		}
		audioBytes := size - audioStart - int64(i)
		return float64(audioBytes*8) / float64(bitrate*1000)
	}
	return 0
}

// mp4Duration walks the atom tree to moov/mvhd and reads timescale+duration.
func mp4Duration(f *os.File) float64 {
	body, ok := findAtom(f, 0, atomScanLimit, "moov")
	if !ok {
		return 0
	}
	mvhd, ok := findAtomIn(body, "mvhd")
	if !ok || len(mvhd) < 24 {
		return 0
	}
	version := mvhd[0]
	if version == 1 {
		if len(mvhd) < 32 {
			return 0
		}
		timescale := binary.BigEndian.Uint32(mvhd[20:24])
		duration := binary.BigEndian.Uint64(mvhd[24:32])
		if timescale == 0 {
			return 0
		}
		return float64(duration) / float64(timescale)
	}
	timescale := binary.BigEndian.Uint32(mvhd[12:16])
	duration := binary.BigEndian.Uint32(mvhd[16:20])
	if timescale == 0 {
		return 0
	}
	return float64(duration) / float64(timescale)
}

const atomScanLimit = int64(1) << 40

func findAtom(f *os.File, start, limit int64, name string) ([]byte, bool) {
	off := start
	hdr := make([]byte, 8)
	for off+8 <= limit {
		if _, err := f.Seek(off, io.SeekStart); err != nil {
			return nil, false
		}
		if _, err := io.ReadFull(f, hdr); err != nil {
			return nil, false
		}
		atomSize := int64(binary.BigEndian.Uint32(hdr[0:4]))
		if atomSize < 8 {
			return nil, false
		}
		if string(hdr[4:8]) == name {
			// moov atoms for audio files are small enough to slurp.
			body := make([]byte, atomSize-8)
			if _, err := io.ReadFull(f, body); err != nil {
				return nil, false
			}
			return body, true
		}
		off += atomSize
	}
	return nil, false
}

func findAtomIn(data []byte, name string) ([]byte, bool) {
	off := 0
	for off+8 <= len(data) {
		atomSize := int(binary.BigEndian.Uint32(data[off : off+4]))
		if atomSize < 8 || off+atomSize > len(data) {
			return nil, false
		}
		if string(data[off+4:off+8]) == name {
			return data[off+8 : off+atomSize], true
		}
		off += atomSize
	}
	return nil, false
}
