package serato

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

// DatabaseFile is the library database filename under the Serato root.
const DatabaseFile = "database V2"

// SubcratesDir is the directory under the Serato root holding .crate files.
const SubcratesDir = "Subcrates"

// audioExts is the set of file extensions the library considers audio.
var audioExts = map[string]struct{}{
	".mp3":  {},
	".flac": {},
	".wav":  {},
	".aac":  {},
	".m4a":  {},
	".ogg":  {},
	".aiff": {},
}

// IsAudioFile reports whether path has a supported audio extension.
func IsAudioFile(path string) bool {
	_, ok := audioExts[strings.ToLower(filepath.Ext(path))]
	return ok
}

// TrackEntry is one otrk record from the library database. Only the fields
// the bridge needs are decoded: the file path plus Serato's analyzed BPM and
// musical key, which override whatever the file's own tags say.
type TrackEntry struct {
	FilePath string
	BPM      float64
	Key      string
}

// ReadDatabase parses the library database at root and returns its audio
// track entries. A missing or unreadable database is an error; a malformed
// one is not: parsing stops at the last valid chunk and whatever was
// decoded so far is returned, matching how Serato itself degrades.
func ReadDatabase(root string, log zerolog.Logger) ([]TrackEntry, error) {
	path := filepath.Join(root, DatabaseFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read database: %w", err)
	}

	var entries []TrackEntry
	for _, chunk := range ScanChunks(data) {
		if chunk.Tag != "otrk" {
			continue
		}
		entry, ok := decodeTrack(chunk.Payload)
		if !ok {
			continue
		}
		entries = append(entries, entry)
	}

	log.Debug().Str("path", path).Int("tracks", len(entries)).Msg("library database parsed")
	return entries, nil
}

// decodeTrack extracts path, BPM and key from an otrk payload. Entries
// without a usable audio path are dropped.
func decodeTrack(payload []byte) (TrackEntry, bool) {
	var entry TrackEntry
	for _, field := range ScanChunks(payload) {
		switch field.Tag {
		case "pfil":
			p := DecodeUTF16(field.Payload)
			if p == "" {
				continue
			}
			// Serato stores paths without the leading separator.
			if !strings.HasPrefix(p, "/") {
				p = "/" + p
			}
			entry.FilePath = p
		case "tbpm":
			if bpm, err := strconv.ParseFloat(DecodeUTF16(field.Payload), 64); err == nil && !math.IsNaN(bpm) && !math.IsInf(bpm, 0) {
				entry.BPM = bpm
			}
		case "tkey":
			entry.Key = DecodeUTF16(field.Payload)
		}
	}
	if entry.FilePath == "" || !IsAudioFile(entry.FilePath) {
		return TrackEntry{}, false
	}
	return entry, true
}
