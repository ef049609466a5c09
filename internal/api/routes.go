package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/repo2gpt/server/internal/broker"
	"github.com/repo2gpt/server/internal/config"
	"github.com/repo2gpt/server/internal/job"
	"github.com/repo2gpt/server/internal/orchestrator"
	"github.com/repo2gpt/server/internal/storage"
	"github.com/repo2gpt/server/internal/stream"
	"github.com/repo2gpt/server/internal/ws"
)

// Deps are the long-lived components the HTTP surface is built on.
type Deps struct {
	Config       *config.Config
	Store        *job.Store
	Orchestrator *orchestrator.Orchestrator
	Files        *storage.Store
	Streamer     *stream.Streamer
	Broker       *broker.Broker
	Logger       *slog.Logger
}

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := NewHandlers(d)
	wsServer := ws.NewServer(d.Streamer, h.logger)
	h.conns = wsServer.Connections
	fileHandlers := storage.NewHandlers(d.Files, func(id string) bool {
		_, ok := d.Store.Get(id)
		return ok
	})

	r.Get("/healthz", h.Healthz)
	r.Get("/info", h.Info)

	r.Group(func(r chi.Router) {
		r.Use(RequireAPIKey(d.Config.APIKey))

		r.Get("/stats", h.Stats)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.CreateJob)
			r.Get("/", h.ListJobs)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetJob)
				r.Get("/artifacts", h.GetArtifacts)
				r.Get("/events", h.StreamEvents)
				r.Get("/ws", wsServer.HandleJob)
				r.Get("/files", fileHandlers.List)
				r.Get("/files/*", fileHandlers.Download)
			})
		})
	})

	return r
}
