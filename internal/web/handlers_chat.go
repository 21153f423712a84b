package web

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pilotd/pilot/internal/engine"
	"github.com/pilotd/pilot/internal/fault"
	"github.com/pilotd/pilot/pkg/models"
)

// chatRequest is the body of POST /api/v1/chat/completions.
type chatRequest struct {
	SessionID     string `json:"session_id"`
	Message       string `json:"message"`
	Stream        bool   `json:"stream"`
	MaxIterations int    `json:"max_iterations"`
}

// chatResponse is the non-streaming completion response.
type chatResponse struct {
	SessionID  string `json:"session_id"`
	Message    string `json:"message"`
	Response   string `json:"response"`
	Iterations int    `json:"iterations"`
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.Wrap(fault.InvalidInput, err, "decode chat request"))
		return
	}
	s.runChat(w, r, req)
}

// handleSendMessage is the simplified per-session endpoint; the session ID
// rides in the URL.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, fault.Wrap(fault.InvalidInput, err, "decode chat request"))
		return
	}
	req.SessionID = r.PathValue("id")
	s.runChat(w, r, req)
}

func (s *Server) runChat(w http.ResponseWriter, r *http.Request, req chatRequest) {
	if req.SessionID == "" {
		s.writeError(w, fault.New(fault.InvalidInput, "session_id is required"))
		return
	}

	live, err := s.sessions.Initialize(r.Context(), req.SessionID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	events, err := s.engine.Run(r.Context(), engine.FromLive(live), req.Message, req.MaxIterations)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if req.Stream {
		s.streamEvents(w, events)
		return
	}

	// Non-streaming: consume the whole turn and return the final text.
	var final models.TurnEvent
	for event := range events {
		if event.Terminal() {
			final = event
		}
	}
	if final.Type == models.EventError {
		s.writeError(w, fault.New(fault.ProviderError, "%s", final.Error))
		return
	}
	s.writeJSON(w, http.StatusOK, chatResponse{
		SessionID:  req.SessionID,
		Message:    req.Message,
		Response:   final.FinalResponse,
		Iterations: final.Iterations,
	})
}

// streamEvents relays the turn as server-sent events: one `data: <json>`
// record per event, terminated by `data: [DONE]`.
func (s *Server) streamEvents(w http.ResponseWriter, events <-chan models.TurnEvent) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, fault.New(fault.Internal, "response writer does not support streaming"))
		return
	}

	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			s.logger.Error("failed to encode turn event", "error", err)
			continue
		}
		fmt.Fprintf(w, "data: %s\n\n", payload)
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}
