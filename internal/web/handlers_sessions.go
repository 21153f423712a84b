package web

import (
	"encoding/json"
	"net/http"

	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/internal/session"
	"github.com/pilotd/pilot/pkg/models"
)

// sessionResponse is a session plus its runtime status when initialized.
type sessionResponse struct {
	*models.Session

	Runtime *runtimeStatus `json:"runtime,omitempty"`
}

type runtimeStatus struct {
	Initialized bool              `json:"initialized"`
	Servers     map[string]string `json:"servers,omitempty"`
	Tools       int               `json:"tools"`
	Messages    int               `json:"messages"`
}

func (s *Server) sessionResponse(sess *models.Session) *sessionResponse {
	resp := &sessionResponse{Session: sess}
	if live, ok := s.sessions.Live(sess.ID); ok {
		servers := map[string]string{}
		for name, state := range live.Pool.States() {
			servers[name] = string(state)
		}
		resp.Runtime = &runtimeStatus{
			Initialized: true,
			Servers:     servers,
			Tools:       live.Pool.ToolCount(),
			Messages:    live.Context.Len(),
		}
	}
	return resp
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var spec models.SessionSpec
	if err := json.NewDecoder(r.Body).Decode(&spec); err != nil {
		s.writeError(w, fault.Wrap(fault.InvalidInput, err, "decode session spec"))
		return
	}

	sess, err := s.sessions.Create(spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, s.sessionResponse(sess))
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	source := session.ListSource(r.URL.Query().Get("source"))

	sessions, err := s.sessions.List(source)
	if err != nil {
		s.writeError(w, err)
		return
	}

	responses := make([]*sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		responses = append(responses, s.sessionResponse(sess))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessions": responses,
		"total":    len(responses),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sessionResponse(sess))
}

func (s *Server) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var update models.SessionUpdate
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		s.writeError(w, fault.Wrap(fault.InvalidInput, err, "decode session update"))
		return
	}

	sess, err := s.sessions.Update(r.PathValue("id"), update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, s.sessionResponse(sess))
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
