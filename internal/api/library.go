package api

import (
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/cratelink/internal/library"
)

// libraryResponse is the paginated track listing.
type libraryResponse struct {
	Tracks []*library.Track `json:"tracks"`
	Total  int              `json:"total"`
	Limit  int              `json:"limit"`
	Offset int              `json:"offset"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":    "ok",
		"version":   s.deps.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
		"library":   s.deps.Library.Status().Phase,
	}
	if s.deps.Tunnel != nil {
		resp["relayConnected"] = s.deps.Tunnel.IsConnected()
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLibrary(w http.ResponseWriter, r *http.Request) {
	var tracks []*library.Track
	if q, ok := QueryString(r, "search"); ok {
		tracks = s.deps.Library.Search(q, library.SearchAll)
	} else {
		tracks = s.deps.Library.Tracks()
	}

	if sortBy, ok := QueryString(r, "sortBy"); ok {
		sorted, err := sortTracks(tracks, sortBy)
		if err != nil {
			WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		tracks = sorted
	}

	p := ParsePagination(r)
	lo, hi := p.Slice(len(tracks))
	page := tracks[lo:hi]
	if page == nil {
		page = []*library.Track{}
	}
	WriteJSON(w, http.StatusOK, libraryResponse{
		Tracks: page,
		Total:  len(tracks),
		Limit:  p.Limit,
		Offset: p.Offset,
	})
}

// sortTracks returns a sorted copy; the published list must stay untouched.
func sortTracks(tracks []*library.Track, sortBy string) ([]*library.Track, error) {
	var less func(a, b *library.Track) bool
	switch sortBy {
	case "title":
		less = func(a, b *library.Track) bool { return a.Title < b.Title }
	case "artist":
		less = func(a, b *library.Track) bool { return a.Artist < b.Artist }
	case "album":
		less = func(a, b *library.Track) bool { return a.Album < b.Album }
	case "addedAt":
		less = func(a, b *library.Track) bool { return a.AddedAt.Before(b.AddedAt) }
	case "duration":
		less = func(a, b *library.Track) bool { return a.Duration < b.Duration }
	default:
		return nil, errors.New("unknown sortBy field: " + sortBy)
	}
	out := make([]*library.Track, len(tracks))
	copy(out, tracks)
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (s *Server) handleLibraryStatus(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, s.deps.Library.Status())
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	t, ok := s.deps.Library.Track(chi.URLParam(r, "trackID"))
	if !ok {
		WriteError(w, http.StatusNotFound, "track not found")
		return
	}
	WriteJSON(w, http.StatusOK, t)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q, ok := QueryString(r, "q")
	if !ok {
		WriteError(w, http.StatusBadRequest, "missing query parameter: q")
		return
	}
	field := library.SearchAll
	switch f := r.URL.Query().Get("field"); f {
	case "", "all":
	case "title", "artist", "album":
		field = library.SearchField(f)
	default:
		WriteError(w, http.StatusBadRequest, "unknown search field: "+f)
		return
	}

	results := s.deps.Library.Search(q, field)
	if results == nil {
		results = []*library.Track{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"tracks": results,
		"total":  len(results),
	})
}

func (s *Server) handleArtwork(w http.ResponseWriter, r *http.Request) {
	data, mime, err := s.deps.Library.Artwork(chi.URLParam(r, "trackID"))
	if err != nil {
		switch {
		case errors.Is(err, library.ErrTrackNotFound):
			WriteError(w, http.StatusNotFound, "track not found")
		case errors.Is(err, library.ErrNoArtwork):
			WriteError(w, http.StatusNotFound, "no artwork")
		default:
			WriteError(w, http.StatusInternalServerError, "artwork read failed")
		}
		return
	}
	w.Header().Set("Content-Type", mime)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.Write(data)
}
