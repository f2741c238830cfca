package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/snarg/cratelink/internal/crates"
	"github.com/snarg/cratelink/internal/library"
)

// writeCrateError maps crate store errors onto HTTP statuses.
func writeCrateError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, crates.ErrCrateNotFound):
		WriteError(w, http.StatusNotFound, "crate not found")
	case errors.Is(err, crates.ErrCrateExists):
		WriteError(w, http.StatusConflict, "crate already exists")
	case errors.Is(err, crates.ErrReadOnly):
		WriteError(w, http.StatusNotImplemented, "library is read-only")
	case errors.Is(err, crates.ErrInvalidName):
		WriteError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, library.ErrTrackNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	default:
		WriteError(w, http.StatusInternalServerError, "crate operation failed")
	}
}

func (s *Server) handleListCrates(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Crates.List()
	if err != nil {
		writeCrateError(w, err)
		return
	}
	if list == nil {
		list = []crates.Summary{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"crates": list})
}

func (s *Server) handleCreateCrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	c, err := s.deps.Crates.Create(req.Name)
	if err != nil {
		writeCrateError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, c)
}

func (s *Server) handleGetCrate(w http.ResponseWriter, r *http.Request) {
	c, err := s.deps.Crates.Get(chi.URLParam(r, "crateID"))
	if err != nil {
		writeCrateError(w, err)
		return
	}
	// Join stored paths back to indexed tracks where possible; paths with no
	// indexed track are still listed so nothing silently disappears.
	type crateTrack struct {
		Path  string         `json:"path"`
		Track *library.Track `json:"track,omitempty"`
	}
	byPath := make(map[string]*library.Track)
	for _, t := range s.deps.Library.Tracks() {
		byPath[t.FilePath] = t
	}
	out := make([]crateTrack, 0, len(c.TrackPaths))
	for _, p := range c.TrackPaths {
		ct := crateTrack{Path: p}
		if t, ok := byPath[p]; ok {
			ct.Track = t
		} else if resolved, ok := s.deps.Library.ResolvePath(p); ok {
			ct.Track = byPath[resolved]
		}
		out = append(out, ct)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"id":     c.ID,
		"name":   c.Name,
		"tracks": out,
	})
}

func (s *Server) handleDeleteCrate(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Crates.Delete(chi.URLParam(r, "crateID")); err != nil {
		writeCrateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddTracks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TrackIDs []string `json:"trackIds"`
	}
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.TrackIDs) == 0 {
		WriteError(w, http.StatusBadRequest, "trackIds must not be empty")
		return
	}
	added, err := s.deps.Crates.AddTracks(chi.URLParam(r, "crateID"), req.TrackIDs)
	if err != nil {
		writeCrateError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) handleRemoveTrack(w http.ResponseWriter, r *http.Request) {
	err := s.deps.Crates.RemoveTrack(chi.URLParam(r, "crateID"), chi.URLParam(r, "trackID"))
	if err != nil {
		writeCrateError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
