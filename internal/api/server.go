// Package api is the local control surface consumed by the UI layer: it
// registers widgets, reads snapshots, posts host inputs, and streams
// per-widget refresh signals.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/larshag/tellsync/internal/dispatch"
	"github.com/larshag/tellsync/internal/notify"
	"github.com/larshag/tellsync/internal/poll"
	"github.com/larshag/tellsync/internal/store"
	"github.com/larshag/tellsync/internal/stream"
)

type Server struct {
	Store      *store.Store
	Dispatcher *dispatch.Dispatcher
	Supervisor *stream.Supervisor
	Poller     *poll.Poller
	Notify     *notify.Hub
	Log        *slog.Logger

	router chi.Router
}

func NewServer(st *store.Store, d *dispatch.Dispatcher, sup *stream.Supervisor, p *poll.Poller, hub *notify.Hub, log *slog.Logger) *Server {
	s := &Server{
		Store:      st,
		Dispatcher: d,
		Supervisor: sup,
		Poller:     p,
		Notify:     hub,
		Log:        log,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "PUT", "POST", "DELETE"},
		AllowedHeaders: []string{"Content-Type"},
	}))

	r.Get("/widgets", s.handleListWidgets)
	r.Route("/widgets/{id}", func(r chi.Router) {
		r.Get("/", s.handleGetWidget)
		r.Put("/", s.handlePutWidget)
		r.Delete("/", s.handleDeleteWidget)
		r.Post("/command", s.handleCommand)
	})
	r.Get("/system/status", s.handleStatus)
	r.Post("/system/network", s.handleNetwork)
	r.Post("/system/screen", s.handleScreen)
	r.Get("/events", s.handleEvents)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
