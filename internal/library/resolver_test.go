package library

import (
	"os"
	"path/filepath"
	"testing"
)

func touch(t *testing.T, path string) string {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolveExactHit(t *testing.T) {
	path := touch(t, filepath.Join(t.TempDir(), "a.mp3"))
	r := &resolver{index: newFileIndex()}

	got, ok := r.resolve(path, resolveHint{})
	if !ok || got != path {
		t.Fatalf("got %q/%v, want exact hit", got, ok)
	}
}

func TestResolveByBasenameSingleCandidate(t *testing.T) {
	newPath := filepath.Join("/music/moved", "Artist - Song.mp3")
	ix := newFileIndex()
	ix.add(&fileMeta{Path: newPath, Artist: "Artist", Title: "Song", Duration: 200})
	r := &resolver{index: ix}

	got, ok := r.resolve("/old/place/Artist - Song.mp3", resolveHint{Artist: "Artist", Title: "Song"})
	if !ok || got != newPath {
		t.Fatalf("got %q/%v, want %q", got, ok, newPath)
	}
}

func TestResolveByBasenamePrefersFullMatch(t *testing.T) {
	ix := newFileIndex()
	ix.add(&fileMeta{Path: "/a/x.mp3", Artist: "Other", Title: "Song", Duration: 100})
	ix.add(&fileMeta{Path: "/b/x.mp3", Artist: "Artist", Title: "Song", Duration: 201})
	r := &resolver{index: ix}

	got, ok := r.resolve("/old/x.mp3", resolveHint{Artist: "Artist", Title: "Song", Duration: 200})
	if !ok || got != "/b/x.mp3" {
		t.Fatalf("got %q/%v, want full-match candidate", got, ok)
	}
}

func TestResolveLenientTwoOfThree(t *testing.T) {
	ix := newFileIndex()
	ix.add(&fileMeta{Path: "/a/x.mp3", Artist: "Nobody", Title: "Else", Duration: 50})
	ix.add(&fileMeta{Path: "/b/x.mp3", Artist: "Artist", Title: "Song (Remix)", Duration: 200.5})
	r := &resolver{index: ix}

	got, ok := r.resolve("/old/x.mp3", resolveHint{Artist: "Artist", Title: "Song", Duration: 200})
	if !ok || got != "/b/x.mp3" {
		t.Fatalf("lenient mode should accept 2-of-3, got %q/%v", got, ok)
	}
}

func TestResolveStrictRejectsPartialMatch(t *testing.T) {
	ix := newFileIndex()
	ix.add(&fileMeta{Path: "/a/x.mp3", Artist: "Nobody", Title: "Else", Duration: 50})
	ix.add(&fileMeta{Path: "/b/x.mp3", Artist: "Artist", Title: "Song (Remix)", Duration: 200.5})
	r := &resolver{index: ix, strict: true}

	if _, ok := r.resolve("/old/x.mp3", resolveHint{Artist: "Artist", Title: "Song", Duration: 200}); ok {
		t.Fatal("strict mode should reject a 2-of-3 match")
	}
}

func TestResolveByMetadataHash(t *testing.T) {
	ix := newFileIndex()
	ix.add(&fileMeta{Path: "/new/renamed.mp3", Artist: "Artist", Title: "Song", Duration: 180})
	r := &resolver{index: ix}

	got, ok := r.resolve("/old/Artist - Song.flac", resolveHint{Artist: "Artist", Title: "Song", Duration: 180})
	if !ok || got != "/new/renamed.mp3" {
		t.Fatalf("got %q/%v, want hash match", got, ok)
	}
}

func TestResolveUnresolved(t *testing.T) {
	r := &resolver{index: newFileIndex()}
	if _, ok := r.resolve("/nowhere/gone.mp3", resolveHint{}); ok {
		t.Fatal("want unresolved")
	}
}

func TestResolveIdempotent(t *testing.T) {
	newPath := filepath.Join("/music", "Artist - Song.mp3")
	ix := newFileIndex()
	ix.add(&fileMeta{Path: newPath, Artist: "Artist", Title: "Song"})
	r := &resolver{index: ix}

	first, ok := r.resolve("/old/Artist - Song.mp3", resolveHint{Artist: "Artist", Title: "Song"})
	if !ok {
		t.Fatal("first resolve failed")
	}
	// The cache must return the same answer on repeat lookups.
	second, ok := r.resolve("/old/Artist - Song.mp3", resolveHint{})
	if !ok || second != first {
		t.Errorf("cached resolve = %q/%v, want %q", second, ok, first)
	}

	// And a resolved path resolves to itself.
	again, ok := r.resolve(first, resolveHint{})
	if !ok || again != first {
		t.Errorf("resolve(resolve(p)) = %q/%v, want %q", again, ok, first)
	}
}

func TestSplitFilename(t *testing.T) {
	tests := []struct {
		path       string
		artist     string
		title      string
	}{
		{"/m/Daft Punk - Da Funk.mp3", "Daft Punk", "Da Funk"},
		{"/m/untitled.wav", "", "untitled"},
		{"/m/A - B - C.flac", "A", "B - C"},
	}
	for _, tt := range tests {
		artist, title := splitFilename(tt.path)
		if artist != tt.artist || title != tt.title {
			t.Errorf("splitFilename(%q) = %q/%q, want %q/%q", tt.path, artist, title, tt.artist, tt.title)
		}
	}
}
