// Package library builds the in-memory track index: it scans the music
// roots, merges in what the Serato database knows, and resolves historical
// paths against the live filesystem.
package library

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strings"
	"time"
)

// Track is the unit of library display and streaming. Created during
// indexing and never mutated afterwards; a re-index replaces the whole set.
type Track struct {
	ID       string    `json:"id"`
	FilePath string    `json:"filePath"`
	Title    string    `json:"title"`
	Artist   string    `json:"artist"`
	Album    string    `json:"album"`
	Genre    string    `json:"genre,omitempty"`
	Year     int       `json:"year,omitempty"`
	Duration float64   `json:"duration"`
	BPM      float64   `json:"bpm,omitempty"`
	Key      string    `json:"key,omitempty"`
	FileSize int64     `json:"fileSize"`
	Format   string    `json:"format"`
	AddedAt  time.Time `json:"addedAt"`
}

// TrackID derives the stable 16-hex-char track identifier from metadata, so
// the ID survives file moves and renames. Tracks with identical
// (artist, title, rounded duration) collide; last writer wins the slot.
func TrackID(artist, title, album string, trackNo int, duration float64) string {
	secs := int(math.Round(duration))
	var seed string
	if artist == "" && title == "" {
		seed = fmt.Sprintf("%s|%d|%d", strings.ToLower(album), trackNo, secs)
	} else {
		seed = fmt.Sprintf("%s|%s|%d", strings.ToLower(artist), strings.ToLower(title), secs)
	}
	h := sha256.Sum256([]byte(seed))
	return hex.EncodeToString(h[:8])
}
