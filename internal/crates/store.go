// Package crates mutates the on-disk crate files. Every write goes through
// a timestamped backup and an atomic tmp+rename commit so a crash never
// leaves a half-written crate behind.
package crates

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/library"
	"github.com/snarg/cratelink/internal/serato"
)

var (
	// ErrCrateNotFound is returned for unknown crate IDs.
	ErrCrateNotFound = errors.New("crate not found")
	// ErrCrateExists is returned when creating a crate whose file exists.
	ErrCrateExists = errors.New("crate already exists")
	// ErrReadOnly is returned by every mutation while read-only mode is on.
	ErrReadOnly = errors.New("library is read-only")
	// ErrInvalidName is returned for names that cannot become a filename.
	ErrInvalidName = errors.New("invalid crate name")
)

const (
	crateExt        = ".crate"
	backupStamp     = "20060102T150405.000000000Z"
	defaultKeepBack = 10
)

// invalidNameChars cannot appear in a crate filename on any platform Serato
// runs on.
const invalidNameChars = `<>:"|?*/\`

// Summary is one row of the crate listing.
type Summary struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TrackCount int    `json:"trackCount"`
}

// Crate is a full crate with its stored track paths.
type Crate struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	TrackPaths []string `json:"trackPaths"`
}

// TrackSource resolves track IDs to tracks; satisfied by library.Manager.
type TrackSource interface {
	Track(id string) (*library.Track, bool)
}

// Store reads and writes the Subcrates directory.
type Store struct {
	dir         string
	readOnly    bool
	keepBackups int
	src         TrackSource
	log         zerolog.Logger

	mu    sync.Mutex
	cache map[string]*Crate // crateID → lazily read crate
}

// NewStore creates a Store over <seratoRoot>/Subcrates. src may be nil when
// no library is available (mutations by ID will then fail lookups).
func NewStore(seratoRoot string, readOnly bool, src TrackSource, log zerolog.Logger) *Store {
	return &Store{
		dir:         filepath.Join(seratoRoot, serato.SubcratesDir),
		readOnly:    readOnly,
		keepBackups: defaultKeepBack,
		src:         src,
		log:         log,
		cache:       make(map[string]*Crate),
	}
}

// Dir returns the subcrates directory path.
func (s *Store) Dir() string { return s.dir }

// List returns a summary of every crate on disk, sorted by name. Track
// counts come from the cheap ptrk count, not a full decode.
func (s *Store) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list crates: %w", err)
	}

	var out []Summary
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), crateExt) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), crateExt)
		count, err := serato.CountCrateTracks(filepath.Join(s.dir, e.Name()))
		if err != nil {
			s.log.Warn().Err(err).Str("crate", name).Msg("unreadable crate skipped")
			continue
		}
		out = append(out, Summary{ID: Slug(name), Name: name, TrackCount: count})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get returns a crate by its slug ID, reading from disk on cache miss.
func (s *Store) Get(crateID string) (*Crate, error) {
	s.mu.Lock()
	if c, ok := s.cache[crateID]; ok {
		s.mu.Unlock()
		return c, nil
	}
	s.mu.Unlock()

	name, path, err := s.findFile(crateID)
	if err != nil {
		return nil, err
	}
	paths, err := serato.ReadCrate(path)
	if err != nil {
		return nil, err
	}

	c := &Crate{ID: crateID, Name: name, TrackPaths: paths}
	s.mu.Lock()
	s.cache[crateID] = c
	s.mu.Unlock()
	return c, nil
}

// Create writes a new empty crate. Returns ErrCrateExists if the name is
// already taken.
func (s *Store) Create(name string) (*Crate, error) {
	if s.readOnly {
		return nil, ErrReadOnly
	}
	if err := validateName(name); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, name+crateExt)
	if _, err := os.Stat(path); err == nil {
		return nil, ErrCrateExists
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create subcrates dir: %w", err)
	}

	if err := s.commit(path, serato.BuildCrate(nil)); err != nil {
		return nil, err
	}
	s.log.Info().Str("crate", name).Msg("crate created")
	return &Crate{ID: Slug(name), Name: name}, nil
}

// AddTracks appends the given tracks' file paths to a crate, de-duplicating
// by path. Returns the number of paths actually added.
func (s *Store) AddTracks(crateID string, trackIDs []string) (int, error) {
	if s.readOnly {
		return 0, ErrReadOnly
	}
	name, path, err := s.findFile(crateID)
	if err != nil {
		return 0, err
	}
	existing, err := serato.ReadCrate(path)
	if err != nil {
		return 0, err
	}

	have := make(map[string]struct{}, len(existing))
	for _, p := range existing {
		have[p] = struct{}{}
	}

	added := 0
	for _, id := range trackIDs {
		t, ok := s.src.Track(id)
		if !ok {
			return added, fmt.Errorf("%w: %s", library.ErrTrackNotFound, id)
		}
		if _, dup := have[t.FilePath]; dup {
			continue
		}
		have[t.FilePath] = struct{}{}
		existing = append(existing, t.FilePath)
		added++
	}
	if added == 0 {
		return 0, nil
	}

	if err := s.backup(name, path); err != nil {
		return 0, err
	}
	if err := s.commit(path, serato.BuildCrate(existing)); err != nil {
		return 0, err
	}
	s.invalidate(crateID)
	s.log.Info().Str("crate", name).Int("added", added).Msg("tracks added to crate")
	return added, nil
}

// RemoveTrack drops a track's path from the crate.
func (s *Store) RemoveTrack(crateID, trackID string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	name, path, err := s.findFile(crateID)
	if err != nil {
		return err
	}
	t, ok := s.src.Track(trackID)
	if !ok {
		return library.ErrTrackNotFound
	}
	existing, err := serato.ReadCrate(path)
	if err != nil {
		return err
	}

	kept := existing[:0]
	for _, p := range existing {
		if p != t.FilePath {
			kept = append(kept, p)
		}
	}
	if len(kept) == len(existing) {
		return nil
	}

	if err := s.backup(name, path); err != nil {
		return err
	}
	if err := s.commit(path, serato.BuildCrate(kept)); err != nil {
		return err
	}
	s.invalidate(crateID)
	s.log.Info().Str("crate", name).Str("track_id", trackID).Msg("track removed from crate")
	return nil
}

// Delete backs the crate file up and removes it.
func (s *Store) Delete(crateID string) error {
	if s.readOnly {
		return ErrReadOnly
	}
	name, path, err := s.findFile(crateID)
	if err != nil {
		return err
	}
	if err := s.backup(name, path); err != nil {
		return err
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete crate: %w", err)
	}
	s.invalidate(crateID)
	s.log.Info().Str("crate", name).Msg("crate deleted")
	return nil
}

// Invalidate drops a single crate from the cache; an empty ID drops all.
func (s *Store) Invalidate(crateID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if crateID == "" {
		s.cache = make(map[string]*Crate)
		return
	}
	delete(s.cache, crateID)
}

func (s *Store) invalidate(crateID string) { s.Invalidate(crateID) }

// findFile maps a slug ID to the crate's display name and file path.
func (s *Store) findFile(crateID string) (name, path string, err error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", "", ErrCrateNotFound
		}
		return "", "", fmt.Errorf("list crates: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), crateExt) {
			continue
		}
		n := strings.TrimSuffix(e.Name(), crateExt)
		if Slug(n) == crateID {
			return n, filepath.Join(s.dir, e.Name()), nil
		}
	}
	return "", "", ErrCrateNotFound
}

// backup copies the current crate file aside before a mutation.
func (s *Store) backup(name, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read for backup: %w", err)
	}
	stamp := time.Now().UTC().Format(backupStamp)
	backupPath := fmt.Sprintf("%s%s.backup-%s", filepath.Join(s.dir, name), crateExt, stamp)
	if err := os.WriteFile(backupPath, data, 0o644); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	s.pruneBackups(name)
	return nil
}

// commit atomically replaces the crate file. renameio writes a temp file in
// the same directory and renames it over the target.
func (s *Store) commit(path string, data []byte) error {
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("commit crate: %w", err)
	}
	return nil
}

// pruneBackups keeps only the newest keepBackups backup files for a crate.
// The fixed-width timestamp makes lexical order chronological.
func (s *Store) pruneBackups(name string) {
	prefix := name + crateExt + ".backup-"
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return
	}
	var backups []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= s.keepBackups {
		return
	}
	sort.Strings(backups)
	for _, old := range backups[:len(backups)-s.keepBackups] {
		if err := os.Remove(filepath.Join(s.dir, old)); err != nil {
			s.log.Warn().Err(err).Str("file", old).Msg("backup prune failed")
		}
	}
}

func validateName(name string) error {
	if name == "" || len(name) > 100 {
		return fmt.Errorf("%w: must be 1-100 characters", ErrInvalidName)
	}
	if strings.ContainsAny(name, invalidNameChars) {
		return fmt.Errorf("%w: %q contains a reserved character", ErrInvalidName, name)
	}
	return nil
}
