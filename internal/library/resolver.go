package library

import (
	"math"
	"os"
	"path/filepath"
	"strings"
)

// durationTolerance is how far apart two durations may be (seconds) and
// still count as the same recording.
const durationTolerance = 2.0

// resolver maps a historical database path to a file that exists right now.
// Results are memoized in the index's resolution cache, so resolving an
// already-resolved path returns it unchanged.
type resolver struct {
	index  *FileIndex
	strict bool
}

// resolveHint carries whatever metadata is known about the historical entry,
// used to validate basename matches. Zero fields mean unknown.
type resolveHint struct {
	Artist   string
	Title    string
	Duration float64
}

// hintFromPath derives a validation hint from an "Artist - Title" basename.
func hintFromPath(path string) resolveHint {
	artist, title := splitFilename(path)
	return resolveHint{Artist: artist, Title: title}
}

// resolve finds the current location of historical, trying in order: the
// path itself, a basename match validated by metadata, then a metadata-hash
// match. Returns false if the track cannot be located.
func (r *resolver) resolve(historical string, hint resolveHint) (string, bool) {
	if p, ok := r.index.cachedResolution(historical); ok {
		return p, true
	}

	// 1. Exact hit: the file never moved.
	if fileExists(historical) {
		r.index.cacheResolution(historical, historical)
		return historical, true
	}

	// 2. Same basename elsewhere in the music roots.
	if p, ok := r.byBasename(historical, hint); ok {
		r.index.cacheResolution(historical, p)
		return p, true
	}

	// 3. Renamed file, same metadata.
	hash := TrackID(hint.Artist, hint.Title, "", 0, hint.Duration)
	if p, ok := r.index.hashLookup(hash); ok {
		r.index.cacheResolution(historical, p)
		return p, true
	}

	return "", false
}

func (r *resolver) byBasename(historical string, hint resolveHint) (string, bool) {
	candidates := r.index.candidates(filepath.Base(historical))
	switch len(candidates) {
	case 0:
		return "", false
	case 1:
		c := candidates[0]
		if r.validate(c, hint) {
			return c.Path, true
		}
		return "", false
	}

	// Multiple candidates: prefer a full metadata match, then a partial one.
	var partial *fileMeta
	for _, c := range candidates {
		score, known := matchScore(c, hint)
		if known > 0 && score == known {
			return c.Path, true
		}
		if partial == nil && score >= 2 {
			partial = c
		}
	}
	if !r.strict && partial != nil {
		return partial.Path, true
	}
	return "", false
}

// validate decides whether a lone basename candidate is the historical
// track. Strict mode requires every known hint field to match; lenient mode
// accepts when at least one matches, or when there is nothing to check.
func (r *resolver) validate(c *fileMeta, hint resolveHint) bool {
	score, known := matchScore(c, hint)
	if known == 0 {
		return true
	}
	if r.strict {
		return score == known
	}
	return score >= 1
}

// matchScore counts how many of (artist, title, duration) the candidate
// matches. A field is only comparable when both sides know it, so an
// untagged file neither matches nor contradicts.
func matchScore(c *fileMeta, hint resolveHint) (score, known int) {
	if hint.Artist != "" && c.Artist != "" {
		known++
		if strings.EqualFold(c.Artist, hint.Artist) {
			score++
		}
	}
	if hint.Title != "" && c.Title != "" {
		known++
		if strings.EqualFold(c.Title, hint.Title) {
			score++
		}
	}
	if hint.Duration > 0 && c.Duration > 0 {
		known++
		if math.Abs(c.Duration-hint.Duration) <= durationTolerance {
			score++
		}
	}
	return score, known
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
