package status

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tripwire/dirwatch/internal/journal"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

type server struct {
	src    StatusSource
	events EventSource
	bc     *Broadcaster
}

// statusResponse is the body of GET /api/v1/status.
type statusResponse struct {
	Running   bool     `json:"running"`
	Path      string   `json:"path"`
	Recursive bool     `json:"recursive"`
	Filter    []string `json:"filter"`
	Recorded  *int     `json:"events_recorded,omitempty"`
	Streams   int      `json:"stream_clients"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = fmt.Fprintf(w, `{"error":%q}`+"\n", msg)
}

func (s *server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStatus responds to GET /api/v1/status. The accessors it reads never
// block, so the endpoint stays responsive while the watcher restarts.
func (s *server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	resp := statusResponse{
		Running:   s.src.Running(),
		Path:      s.src.Path(),
		Recursive: s.src.Recursive(),
		Filter:    s.src.Filter().Names(),
	}
	if resp.Filter == nil {
		resp.Filter = []string{}
	}
	if s.bc != nil {
		resp.Streams = s.bc.ClientCount()
	}
	if s.events != nil {
		n := s.events.Count()
		resp.Recorded = &n
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEvents responds to GET /api/v1/events.
//
// Supported query parameters:
//
//	limit – maximum number of entries (default 50, max 1000)
func (s *server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "event journal is not enabled")
		return
	}

	limit := defaultEventLimit
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "'limit' must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	entries, err := s.events.Recent(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
