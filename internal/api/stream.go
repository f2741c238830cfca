package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/hlog"
	"github.com/snarg/cratelink/internal/library"
	"github.com/snarg/cratelink/internal/stream"
	"github.com/snarg/cratelink/internal/tunnel"
)

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	resp, err := s.deps.Streamer.Open(chi.URLParam(r, "trackID"), r.Header.Get("Range"))
	if err != nil {
		switch {
		case errors.Is(err, library.ErrTrackNotFound):
			WriteError(w, http.StatusNotFound, "track not found")
		case errors.Is(err, stream.ErrInvalidRange):
			WriteError(w, http.StatusBadRequest, "invalid range")
		case errors.Is(err, stream.ErrRangeNotSatisfiable):
			WriteError(w, http.StatusRequestedRangeNotSatisfiable, "range not satisfiable")
		default:
			WriteError(w, http.StatusInternalServerError, "stream open failed")
		}
		return
	}

	for k, v := range resp.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(resp.Status)

	// Headers are gone; a mid-stream failure can only be logged.
	if _, err := s.deps.Streamer.Copy(r.Context(), w, resp); err != nil {
		hlog.FromRequest(r).Debug().Err(err).Msg("stream ended early")
	}
}

var audioUpgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleAudioSocket accepts a bundled relay running on the same machine and
// serves it with the same framing the remote relay uses.
func (s *Server) handleAudioSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := audioUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("audio socket upgrade failed")
		return
	}
	defer conn.Close()

	sess := tunnel.NewSession(conn, s.deps.Streamer, s.Handler(), s.log)
	if err := sess.Run(r.Context()); err != nil {
		s.log.Debug().Err(err).Msg("audio socket closed")
	}
}
