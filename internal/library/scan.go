package library

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dhowden/tag"
	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/serato"
)

// fileMeta is what the scanner knows about one audio file on disk.
type fileMeta struct {
	Path     string
	Title    string
	Artist   string
	Album    string
	Genre    string
	Year     int
	TrackNo  int
	Duration float64
	Size     int64
	ModTime  time.Time
}

// scanRoots enumerates audio files under each root. Hidden entries and the
// Serato marker directory are skipped. Directory symlinks are followed, with
// canonical paths tracked in a visited set to break cycles.
func scanRoots(roots []string, log zerolog.Logger) []string {
	visited := make(map[string]struct{})
	var files []string
	for _, root := range roots {
		walkDir(root, visited, &files, log)
	}
	return files
}

func walkDir(dir string, visited map[string]struct{}, files *[]string, log zerolog.Logger) {
	real, err := filepath.EvalSymlinks(dir)
	if err != nil {
		log.Debug().Err(err).Str("dir", dir).Msg("skipping unresolvable directory")
		return
	}
	if _, seen := visited[real]; seen {
		return
	}
	visited[real] = struct{}{}

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("cannot read directory")
		return
	}

	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") || name == "_Serato_" {
			continue
		}
		full := filepath.Join(dir, name)

		if entry.IsDir() {
			walkDir(full, visited, files, log)
			continue
		}
		if entry.Type()&os.ModeSymlink != 0 {
			if info, err := os.Stat(full); err == nil && info.IsDir() {
				walkDir(full, visited, files, log)
				continue
			}
		}
		if serato.IsAudioFile(name) {
			*files = append(*files, full)
		}
	}
}

// extractMeta reads tags and probes duration for one audio file. A file
// whose tags cannot be read still gets an entry with the filename as title.
func extractMeta(path string) (fileMeta, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileMeta{}, err
	}

	f, err := os.Open(path)
	if err != nil {
		return fileMeta{}, err
	}
	defer f.Close()

	ext := strings.ToLower(filepath.Ext(path))
	meta := fileMeta{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
	}

	if m, err := tag.ReadFrom(f); err == nil {
		meta.Title = strings.TrimSpace(m.Title())
		meta.Artist = strings.TrimSpace(m.Artist())
		meta.Album = strings.TrimSpace(m.Album())
		meta.Genre = strings.TrimSpace(m.Genre())
		meta.Year = m.Year()
		meta.TrackNo, _ = m.Track()
	}
	if meta.Title == "" {
		meta.Title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	meta.Duration = probeDuration(f, ext, info.Size())
	return meta, nil
}

// splitFilename guesses (artist, title) from an "Artist - Title" basename.
// Used as a validation hint when resolving moved files; empty artist means
// the basename had no separator.
func splitFilename(path string) (artist, title string) {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if i := strings.Index(base, " - "); i > 0 {
		return strings.TrimSpace(base[:i]), strings.TrimSpace(base[i+3:])
	}
	return "", base
}
