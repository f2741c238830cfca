package library

import (
	"errors"
	"os"

	"github.com/dhowden/tag"
)

// ErrNoArtwork is returned when a track's file carries no embedded picture.
var ErrNoArtwork = errors.New("no embedded artwork")

// Artwork returns the embedded cover art bytes and MIME type for a track.
func (m *Manager) Artwork(id string) ([]byte, string, error) {
	t, ok := m.Track(id)
	if !ok {
		return nil, "", ErrTrackNotFound
	}

	f, err := os.Open(t.FilePath)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	meta, err := tag.ReadFrom(f)
	if err != nil {
		return nil, "", ErrNoArtwork
	}
	pic := meta.Picture()
	if pic == nil || len(pic.Data) == 0 {
		return nil, "", ErrNoArtwork
	}

	mime := pic.MIMEType
	if mime == "" {
		mime = "image/jpeg"
	}
	return pic.Data, mime, nil
}
