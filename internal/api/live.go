package api

import (
	"net/http"

	"github.com/goodtune/yakap/internal/monitor"
)

type liveResponse struct {
	monitor.LiveWindow
	ActiveSession string `json:"activeSession,omitempty"`
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	resp := liveResponse{LiveWindow: s.live.Snapshot()}
	if id, ok := s.sessions.ActiveSession(); ok {
		resp.ActiveSession = string(id)
	}

	writeJSON(w, http.StatusOK, resp)
}
