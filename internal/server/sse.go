package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/agentdeck/agentdeck/internal/logging"
)

// sseHeartbeatInterval is how often an idle SSE stream gets a comment to
// keep intermediaries from closing it.
const sseHeartbeatInterval = 30 * time.Second

// sseWriter wraps http.ResponseWriter for SSE.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	rc      *http.ResponseController
}

func newSSEWriter(w http.ResponseWriter) (*sseWriter, error) {
	rc := http.NewResponseController(w)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}
	return &sseWriter{w: w, flusher: flusher, rc: rc}, nil
}

// writeEvent writes one SSE event and flushes it immediately.
func (s *sseWriter) writeEvent(eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventType, jsonData); err != nil {
		return err
	}

	// ResponseController flushes through middleware wrappers; fall back to
	// the plain flusher when it cannot.
	if flushErr := s.rc.Flush(); flushErr != nil {
		s.flusher.Flush()
	}
	return nil
}

func (s *sseWriter) writeHeartbeat() {
	fmt.Fprintf(s.w, ": heartbeat\n\n")
	s.flusher.Flush()
}

// handleEvents streams orchestration events over SSE. An optional
// sessionID query parameter narrows the stream to one session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sse, err := newSSEWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}

	w.WriteHeader(http.StatusOK)
	sse.flusher.Flush()

	sessionID := r.URL.Query().Get("sessionID")

	// Subscribe before the connected handshake so nothing published after
	// the client sees it can be missed.
	events, err := s.bus.Subscribe(r.Context())
	if err != nil {
		logging.Error().Err(err).Msg("subscribe event stream")
		return
	}

	if err := sse.writeEvent("connected", map[string]any{}); err != nil {
		return
	}

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case e, ok := <-events:
			if !ok {
				return
			}
			if sessionID != "" && e.SessionID != sessionID {
				continue
			}
			if err := sse.writeEvent(string(e.Type), e); err != nil {
				return
			}
		case <-heartbeat.C:
			sse.writeHeartbeat()
		case <-r.Context().Done():
			return
		}
	}
}
