package status

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// keepAliveInterval is how often an idle stream receives a comment line so
// proxies do not time the connection out.
const keepAliveInterval = 15 * time.Second

// handleStream responds to GET /api/v1/stream with a Server-Sent Events
// stream of change events as they are observed. The stream ends when the
// client disconnects or the broadcaster is closed.
func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.bc == nil {
		writeError(w, http.StatusNotFound, "event stream is not enabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	id := uuid.NewString()
	c := s.bc.register(id)
	defer s.bc.unregister(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.bc.logger.Debug("status stream: client connected", slog.String("client_id", id))
	defer s.bc.logger.Debug("status stream: client disconnected",
		slog.String("client_id", id),
		slog.Int64("dropped", c.dropped.Load()),
	)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-c.done:
			return
		case msg := <-c.send:
			if _, err := w.Write([]byte("event: change\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(msg); err != nil {
				return
			}
			if _, err := w.Write([]byte("\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
