package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	json "github.com/goccy/go-json"

	"localmind/internal/chat"
	"localmind/internal/storage"
)

// sendEvent writes one SSE frame and flushes it so tokens reach the client
// as they are generated.
func sendEvent(w http.ResponseWriter, f http.Flusher, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	f.Flush()
}

// handleChat streams one assistant turn as server-sent events: a "session"
// frame first, then "token" frames, then exactly one of "done" or "error".
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var turn chat.Turn
	if err := decodeBody(r, &turn); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if turn.Message == "" || turn.UserID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id and message required"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}

	sessionID, events, err := s.deps.Chat.Stream(r.Context(), turn)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	opened, _ := json.Marshal(map[string]string{"session_id": sessionID})
	sendEvent(w, flusher, "session", string(opened))

	for ev := range events {
		switch {
		case ev.Err != nil:
			payload, _ := json.Marshal(map[string]string{"error": ev.Err.Error()})
			sendEvent(w, flusher, "error", string(payload))
		case ev.Done:
			sendEvent(w, flusher, "done", "{}")
		default:
			payload, _ := json.Marshal(map[string]string{"content": ev.Content})
			sendEvent(w, flusher, "token", string(payload))
		}
	}
}

func (s *Server) handleChatStop(w http.ResponseWriter, r *http.Request) {
	s.deps.Chat.RequestStop()
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopping"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("user_id required"))
		return
	}
	sessions, err := s.deps.DB.ListSessions(userID, queryInt(r, "limit", 50))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleSessionMessages(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.deps.DB.GetSession(id); err != nil {
		if storage.IsNotFound(err) {
			writeError(w, http.StatusNotFound, fmt.Errorf("session %s not found", id))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	msgs, err := s.deps.DB.RecentMessages(id, queryInt(r, "limit", 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}
