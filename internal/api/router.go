package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/invledger/postings/internal/config"
	"github.com/invledger/postings/internal/ingestion"
	"github.com/invledger/postings/internal/repository"
)

// NewRouter creates the Chi router with all API routes mounted.
func NewRouter(
	cfg *config.Config,
	store repository.Store,
	svc *ingestion.Service,
	logger *logrus.Logger,
) http.Handler {
	h := &Handlers{
		store:   store,
		svc:     svc,
		mapping: cfg.Mapping,
		sheet:   cfg.Sheet,
		log:     logger.WithField("component", "api"),
	}

	r := chi.NewRouter()

	// Middleware.
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.SetHeader("Content-Type", "application/json"))

	r.Get("/healthz", h.Health)

	r.Route("/api/v1", func(r chi.Router) {
		// Ingestion runs.
		r.Post("/runs", h.CreateRun)
		r.Get("/runs", h.ListRuns)

		// Stored facts.
		r.Get("/facts", h.ListFacts)
		r.Get("/facts/count", h.CountFacts)
	})

	return r
}
