package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/goodtune/yakap/internal/session"
	"github.com/gorilla/mux"
)

// sessionListItem is a session without its readings.
type sessionListItem struct {
	PatientInfo session.PatientInfo `json:"patientInfo"`
	StartTime   string              `json:"startTime"`
	EndTime     string              `json:"endTime,omitempty"`
	Summary     session.Summary     `json:"summary"`
}

// sessionDetail is a full session record with its aggregates.
type sessionDetail struct {
	*session.Session
	Summary session.Summary `json:"summary"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.ListSessions(r.Context())
	if err != nil {
		writeSessionError(w, s.logger, err, "list sessions")
		return
	}

	items := make([]sessionListItem, 0, len(sessions))
	for i := range sessions {
		items = append(items, sessionListItem{
			PatientInfo: sessions[i].PatientInfo,
			StartTime:   sessions[i].StartTime,
			EndTime:     sessions[i].EndTime,
			Summary:     sessions[i].Summary(),
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": items,
		"count":    len(items),
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	var patient session.PatientInfo
	if err := json.NewDecoder(r.Body).Decode(&patient); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	now := time.Now()
	if patient.RecordingDate == "" {
		patient.RecordingDate = now.Format("2006-01-02")
	}
	if patient.RecordingTime == "" {
		patient.RecordingTime = now.Format("15:04:05")
	}

	id, err := s.sessions.StartSession(r.Context(), patient)
	if err != nil {
		writeSessionError(w, s.logger, err, "start session")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"startTime":   id,
		"patientInfo": patient,
	})
}

func (s *Server) handleEndSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := s.sessions.EndSession(ctx)
	if err != nil {
		writeSessionError(w, s.logger, err, "end session")
		return
	}
	if id == "" {
		writeSessionError(w, s.logger, session.ErrNoActiveSession, "end session")
		return
	}

	sess, err := s.sessions.GetSession(ctx, string(id))
	if err != nil {
		writeSessionError(w, s.logger, err, "load ended session")
		return
	}

	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, Summary: sess.Summary()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	startTime := mux.Vars(r)["startTime"]

	sess, err := s.sessions.GetSession(r.Context(), startTime)
	if err != nil {
		writeSessionError(w, s.logger, err, "get session")
		return
	}

	writeJSON(w, http.StatusOK, sessionDetail{Session: sess, Summary: sess.Summary()})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	startTime := mux.Vars(r)["startTime"]

	if err := s.sessions.DeleteSession(r.Context(), startTime); err != nil {
		writeSessionError(w, s.logger, err, "delete session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleClearSessions(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.ClearAllSessions(r.Context()); err != nil {
		writeSessionError(w, s.logger, err, "clear sessions")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCurrentPatient(w http.ResponseWriter, r *http.Request) {
	patient, err := s.sessions.CurrentPatient(r.Context())
	if err != nil {
		writeSessionError(w, s.logger, err, "get patient info")
		return
	}

	writeJSON(w, http.StatusOK, patient)
}
