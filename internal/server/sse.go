package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
)

// handleEvents streams worker events as server-sent events until the client
// disconnects. Frames are not streamed; poll GET /frame for them.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := s.ctrl.Subscribe(0)
	defer s.ctrl.Unsubscribe(sub)

	sendSSEEvent(w, flusher, "status", s.status())

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sub.Frames():
			// Dropped; the frame mailbox only keeps the newest anyway.
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			sendSSEEvent(w, flusher, event.Kind.String(), event)
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) {
	jsonData, _ := json.Marshal(data)
	_, _ = io.WriteString(w, "event: "+eventType+"\n")
	_, _ = io.WriteString(w, "data: ")
	_, _ = io.Copy(w, bytes.NewReader(jsonData))
	_, _ = io.WriteString(w, "\n\n")
	flusher.Flush()
}
