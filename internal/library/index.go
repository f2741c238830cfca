package library

import (
	"path/filepath"
	"sync"
)

// FileIndex maps what the scanner found: basenames to candidate files and
// metadata hashes to paths. It is built once per index run and read-only
// afterwards; only the resolution cache is mutated post-build.
type FileIndex struct {
	byName map[string][]*fileMeta
	byHash map[string]string

	mu       sync.Mutex
	resolved map[string]string // historical path → verified path
}

func newFileIndex() *FileIndex {
	return &FileIndex{
		byName:   make(map[string][]*fileMeta),
		byHash:   make(map[string]string),
		resolved: make(map[string]string),
	}
}

// add records a scanned file under its basename and metadata hash.
// Not safe for concurrent use; the build loop is the only writer.
func (ix *FileIndex) add(meta *fileMeta) {
	name := filepath.Base(meta.Path)
	ix.byName[name] = append(ix.byName[name], meta)
	ix.byHash[TrackID(meta.Artist, meta.Title, meta.Album, meta.TrackNo, meta.Duration)] = meta.Path
}

// candidates returns all scanned files sharing the given basename.
func (ix *FileIndex) candidates(basename string) []*fileMeta {
	return ix.byName[basename]
}

// hashLookup returns the path indexed under a metadata hash.
func (ix *FileIndex) hashLookup(hash string) (string, bool) {
	p, ok := ix.byHash[hash]
	return p, ok
}

func (ix *FileIndex) cachedResolution(path string) (string, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	p, ok := ix.resolved[path]
	return p, ok
}

func (ix *FileIndex) cacheResolution(historical, verified string) {
	ix.mu.Lock()
	ix.resolved[historical] = verified
	ix.mu.Unlock()
}
