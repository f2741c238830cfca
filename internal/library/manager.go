package library

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/snarg/cratelink/internal/metrics"
	"github.com/snarg/cratelink/internal/serato"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// State is the indexing state machine phase.
type State string

const (
	StateIdle            State = "idle"
	StateIndexing        State = "indexing"
	StateParsingDatabase State = "parsing_database"
	StateScanning        State = "scanning"
	StateComplete        State = "complete"
	StateError           State = "error"
)

// progressInterval is how many resolved tracks pass between progress events.
const progressInterval = 100

// Progress is a snapshot of indexing state, also served on the status API.
type Progress struct {
	Phase      State  `json:"phase"`
	TotalFiles int    `json:"totalFiles"`
	Resolved   int    `json:"resolvedTracks"`
	Unresolved int    `json:"unresolvedTracks"`
	Message    string `json:"message,omitempty"`
}

// Options configures a Manager.
type Options struct {
	SeratoRoot    string
	MusicRoots    []string
	StrictResolve bool
	Concurrency   int64 // file operations in flight during indexing
	OnProgress    func(Progress)
	Log           zerolog.Logger
}

// Manager owns the track index. Indexing runs are coalesced: a ParseLibrary
// call while another is in flight waits for that run's result instead of
// starting a second scan. Published state (tracks, index) is replaced
// wholesale at the end of a run; readers never observe a partial build.
type Manager struct {
	opts Options
	log  zerolog.Logger
	sf   singleflight.Group

	mu       sync.RWMutex
	state    State
	progress Progress
	tracks   []*Track
	byID     map[string]*Track
	index    *FileIndex
	strict   bool
}

// NewManager creates a Manager in the idle state.
func NewManager(opts Options) *Manager {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 100
	}
	return &Manager{
		opts:   opts,
		log:    opts.Log,
		state:  StateIdle,
		byID:   make(map[string]*Track),
		strict: opts.StrictResolve,
	}
}

// ParseLibrary indexes the music roots and database, returning the full
// track list. Concurrent calls share one indexing run.
func (m *Manager) ParseLibrary(ctx context.Context) ([]*Track, error) {
	_, err, _ := m.sf.Do("index", func() (any, error) {
		return nil, m.buildIndex(ctx)
	})
	if err != nil {
		return nil, err
	}
	return m.Tracks(), nil
}

func (m *Manager) buildIndex(ctx context.Context) error {
	start := time.Now()
	m.setState(StateIndexing, "scanning music roots")

	files := scanRoots(m.opts.MusicRoots, m.log)
	m.updateProgress(func(p *Progress) { p.TotalFiles = len(files) })
	m.log.Info().Int("files", len(files)).Strs("roots", m.opts.MusicRoots).Msg("music roots enumerated")

	index, pathMeta, err := m.extractAll(ctx, files)
	if err != nil {
		m.setState(StateError, err.Error())
		return err
	}

	m.setState(StateParsingDatabase, "reading library database")
	entries, err := serato.ReadDatabase(m.opts.SeratoRoot, m.log)
	if err != nil {
		// Non-fatal: fall back to the directory scan alone.
		m.log.Warn().Err(err).Msg("library database unavailable, using directory scan only")
		entries = nil
	}

	tracks, byID, err := m.resolveEntries(ctx, entries, index, pathMeta)
	if err != nil {
		m.setState(StateError, err.Error())
		return err
	}

	m.setState(StateScanning, "adding untracked files")
	seen := make(map[string]struct{}, len(tracks))
	for _, t := range tracks {
		seen[t.FilePath] = struct{}{}
	}
	for _, f := range files {
		if _, ok := seen[f]; ok {
			continue
		}
		meta, ok := pathMeta[f]
		if !ok {
			continue
		}
		t := trackFromMeta(meta, 0, "")
		if prev, dup := byID[t.ID]; dup {
			m.log.Warn().Str("id", t.ID).Str("kept", t.FilePath).Str("displaced", prev.FilePath).Msg("track id collision, last writer wins")
		}
		tracks = append(tracks, t)
		byID[t.ID] = t
	}

	m.mu.Lock()
	m.tracks = tracks
	m.byID = byID
	m.index = index
	m.mu.Unlock()

	m.setState(StateComplete, fmt.Sprintf("%d tracks indexed", len(tracks)))
	metrics.TracksIndexed.Set(float64(len(tracks)))
	metrics.IndexDuration.Observe(time.Since(start).Seconds())
	m.log.Info().Int("tracks", len(tracks)).Dur("elapsed", time.Since(start)).Msg("library index complete")
	return nil
}

// extractAll reads tags for every scanned file with bounded concurrency and
// builds the file index. The index is private until published by the caller.
func (m *Manager) extractAll(ctx context.Context, files []string) (*FileIndex, map[string]*fileMeta, error) {
	sem := semaphore.NewWeighted(m.opts.Concurrency)
	var mu sync.Mutex
	metas := make(map[string]*fileMeta, len(files))
	var wg sync.WaitGroup

	for _, f := range files {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			defer sem.Release(1)
			meta, err := extractMeta(path)
			if err != nil {
				m.log.Debug().Err(err).Str("path", path).Msg("metadata extraction failed")
				return
			}
			mu.Lock()
			metas[path] = &meta
			mu.Unlock()
		}(f)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	index := newFileIndex()
	for _, f := range files {
		if meta, ok := metas[f]; ok {
			index.add(meta)
		}
	}
	return index, metas, nil
}

// resolveEntries maps every database entry to a live file, building Track
// records with the database's BPM and key merged over the file's own tags.
func (m *Manager) resolveEntries(ctx context.Context, entries []serato.TrackEntry, index *FileIndex, pathMeta map[string]*fileMeta) ([]*Track, map[string]*Track, error) {
	res := &resolver{index: index, strict: m.strict}
	sem := semaphore.NewWeighted(m.opts.Concurrency)
	var wg sync.WaitGroup

	resolved := make([]string, len(entries)) // "" = unresolved, index-aligned to keep order
	var done, failed int
	var mu sync.Mutex

	for i, e := range entries {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil, nil, err
		}
		wg.Add(1)
		go func(i int, e serato.TrackEntry) {
			defer wg.Done()
			defer sem.Release(1)
			path, ok := res.resolve(e.FilePath, hintFromPath(e.FilePath))
			mu.Lock()
			if ok {
				resolved[i] = path
				metrics.ResolutionsTotal.WithLabelValues("resolved").Inc()
			} else {
				failed++
				metrics.ResolutionsTotal.WithLabelValues("unresolved").Inc()
			}
			done++
			n, f := done, failed
			mu.Unlock()
			if n%progressInterval == 0 {
				m.updateProgress(func(p *Progress) {
					p.Resolved = n - f
					p.Unresolved = f
					p.Message = fmt.Sprintf("resolved %d of %d database entries", n, len(entries))
				})
			}
		}(i, e)
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var tracks []*Track
	byID := make(map[string]*Track)
	for i, e := range entries {
		path := resolved[i]
		if path == "" {
			continue
		}
		meta, ok := pathMeta[path]
		if !ok {
			// Resolved outside the scanned roots (e.g. exact hit on an
			// external volume); read its tags now.
			fm, err := extractMeta(path)
			if err != nil {
				continue
			}
			meta = &fm
		}
		t := trackFromMeta(meta, e.BPM, e.Key)
		if prev, dup := byID[t.ID]; dup {
			m.log.Warn().Str("id", t.ID).Str("kept", t.FilePath).Str("displaced", prev.FilePath).Msg("track id collision, last writer wins")
			for j, existing := range tracks {
				if existing == prev {
					tracks[j] = t
					break
				}
			}
			byID[t.ID] = t
			continue
		}
		tracks = append(tracks, t)
		byID[t.ID] = t
	}
	m.updateProgress(func(p *Progress) {
		p.Resolved = len(tracks)
		p.Unresolved = failed
	})
	return tracks, byID, nil
}

func trackFromMeta(meta *fileMeta, bpm float64, key string) *Track {
	return &Track{
		ID:       TrackID(meta.Artist, meta.Title, meta.Album, meta.TrackNo, meta.Duration),
		FilePath: meta.Path,
		Title:    meta.Title,
		Artist:   meta.Artist,
		Album:    meta.Album,
		Genre:    meta.Genre,
		Year:     meta.Year,
		Duration: meta.Duration,
		BPM:      bpm,
		Key:      key,
		FileSize: meta.Size,
		Format:   strings.TrimPrefix(strings.ToLower(filepath.Ext(meta.Path)), "."),
		AddedAt:  meta.ModTime,
	}
}

func (m *Manager) setState(s State, msg string) {
	m.mu.Lock()
	m.state = s
	m.progress.Phase = s
	m.progress.Message = msg
	p := m.progress
	m.mu.Unlock()
	if m.opts.OnProgress != nil {
		m.opts.OnProgress(p)
	}
}

func (m *Manager) updateProgress(fn func(*Progress)) {
	m.mu.Lock()
	fn(&m.progress)
	p := m.progress
	m.mu.Unlock()
	if m.opts.OnProgress != nil {
		m.opts.OnProgress(p)
	}
}

// Status returns the current indexing progress snapshot.
func (m *Manager) Status() Progress {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.progress
}

// Tracks returns the published track list in insertion order.
func (m *Manager) Tracks() []*Track {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tracks
}

// Track looks up a track by its stable ID.
func (m *Manager) Track(id string) (*Track, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.byID[id]
	return t, ok
}

// ResolvePath re-runs path resolution against the published index. Used by
// the streamer when a verified path has gone stale mid-session.
func (m *Manager) ResolvePath(historical string) (string, bool) {
	m.mu.RLock()
	index := m.index
	m.mu.RUnlock()
	if index == nil {
		return "", false
	}
	res := &resolver{index: index, strict: m.strict}
	return res.resolve(historical, hintFromPath(historical))
}

// SearchField selects which attribute Search matches against.
type SearchField string

const (
	SearchAll    SearchField = "all"
	SearchTitle  SearchField = "title"
	SearchArtist SearchField = "artist"
	SearchAlbum  SearchField = "album"
)

// Search returns tracks whose selected field contains q, case-folded, in
// insertion order.
func (m *Manager) Search(q string, field SearchField) []*Track {
	q = strings.ToLower(strings.TrimSpace(q))
	if q == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Track
	for _, t := range m.tracks {
		var hit bool
		switch field {
		case SearchTitle:
			hit = strings.Contains(strings.ToLower(t.Title), q)
		case SearchArtist:
			hit = strings.Contains(strings.ToLower(t.Artist), q)
		case SearchAlbum:
			hit = strings.Contains(strings.ToLower(t.Album), q)
		default:
			hit = strings.Contains(strings.ToLower(t.Title), q) ||
				strings.Contains(strings.ToLower(t.Artist), q) ||
				strings.Contains(strings.ToLower(t.Album), q)
		}
		if hit {
			out = append(out, t)
		}
	}
	return out
}
