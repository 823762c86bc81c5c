// Package status serves a small read-only HTTP API describing the running
// watcher and the events it has recorded.
package status

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tripwire/dirwatch/internal/journal"
	"github.com/tripwire/dirwatch/internal/watcher"
)

// StatusSource reports the watcher's current configuration and state.
// *watcher.Controller satisfies it.
type StatusSource interface {
	Running() bool
	Path() string
	Recursive() bool
	Filter() watcher.Filter
}

// EventSource returns recently recorded events, newest first.
// *journal.Journal satisfies it.
type EventSource interface {
	Recent(ctx context.Context, n int) ([]journal.Entry, error)
	Count() int
}

// NewRouter returns the status API.
//
// Route layout:
//
//	GET /healthz          – liveness probe
//	GET /api/v1/status    – watcher state and configuration
//	GET /api/v1/events    – recent journal entries (?limit=N)
//	GET /api/v1/stream    – live change events as Server-Sent Events
//
// events and bc may be nil, in which case their routes answer 404.
func NewRouter(src StatusSource, events EventSource, bc *Broadcaster) http.Handler {
	srv := &server{src: src, events: events, bc: bc}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.handleHealthz)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", srv.handleStatus)
		r.Get("/events", srv.handleEvents)
		r.Get("/stream", srv.handleStream)
	})

	return r
}
