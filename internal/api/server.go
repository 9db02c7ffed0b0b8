// Package api implements the HTTP layer of the survey report backend.
// Handlers are methods on *Server. Each handler file is responsible for one
// resource group and only uses the dependencies it needs.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/nyashahama/survey-report-backend/internal/db"
	"github.com/nyashahama/survey-report-backend/internal/narrative"
	"github.com/nyashahama/survey-report-backend/internal/qualtrics"
	"github.com/nyashahama/survey-report-backend/internal/render"
	"github.com/nyashahama/survey-report-backend/internal/report"
	"github.com/nyashahama/survey-report-backend/internal/worker"
)

// Config holds values read from environment variables at startup.
type Config struct {
	// Env is "production", "staging", or "development".
	Env string

	// AllowedOrigins lists the frontend origins allowed by CORS.
	AllowedOrigins []string

	// RequestTimeout bounds every request. Report routes wait for the export
	// and the LaTeX compiler, so keep it above EXPORT_MAX_WAIT.
	RequestTimeout time.Duration
}

// ─── DEPENDENCY INTERFACES ────────────────────────────────────────────────────

// Lister lists surveys and their filters (sections).
type Lister interface {
	ListSurveys(ctx context.Context) ([]qualtrics.Survey, error)
	ListFilters(ctx context.Context, surveyID string) ([]qualtrics.Filter, error)
}

// ReportBuilder runs the report pipeline for one survey section.
type ReportBuilder interface {
	Build(ctx context.Context, surveyID, sectionID string) (report.Result, error)
}

// Renderer turns a finalized report into documents.
type Renderer interface {
	RawPDF(ctx context.Context, doc render.Document) ([]byte, error)
	FullDOCX(ctx context.Context, doc render.Document) ([]byte, error)
}

// RunCreator creates report runs for the worker.
type RunCreator interface {
	CreateRun(ctx context.Context, surveyID, sectionID string) (db.ReportRun, error)
}

// RunReader reads a single report run.
type RunReader interface {
	GetRunByID(ctx context.Context, id uuid.UUID) (db.ReportRun, error)
}

// Deps are the collaborators of the Server. Narrator and the three run
// fields are optional; the routes that need them are not mounted when nil.
type Deps struct {
	Lister   Lister
	Builder  ReportBuilder
	Renderer Renderer
	Narrator narrative.Narrator

	Runs   RunCreator
	RunsQ  RunReader
	Worker worker.Enqueuer
}

// Server holds all shared dependencies. Each handler file attaches methods to
// this type and uses only the fields it needs.
type Server struct {
	lister   Lister
	builder  ReportBuilder
	renderer Renderer
	narrator narrative.Narrator

	// runs creates runs; runsQ handles single-query reads.
	runs   RunCreator
	runsQ  RunReader
	worker worker.Enqueuer

	cfg    Config
	logger *slog.Logger
}

// NewServer constructs the Server and wires the chi router. The returned
// http.Handler is ready to pass to http.Server.
func NewServer(deps Deps, cfg Config, logger *slog.Logger) http.Handler {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 3 * time.Minute
	}
	s := &Server{
		lister:   deps.Lister,
		builder:  deps.Builder,
		renderer: deps.Renderer,
		narrator: deps.Narrator,
		runs:     deps.Runs,
		runsQ:    deps.RunsQ,
		worker:   deps.Worker,
		cfg:      cfg,
		logger:   logger,
	}

	return s.routes()
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	// ── Global middleware ─────────────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggerMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(s.corsMiddleware())
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	// ── Health ────────────────────────────────────────────────────────────────
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// ── API ───────────────────────────────────────────────────────────────────
	r.Route("/api", func(r chi.Router) {

		// Listings.
		r.Get("/surveys", s.handleListSurveys)
		r.Get("/surveys/{surveyID}/filters", s.handleListFilters)

		// Synchronous reports for one survey section.
		r.Route("/reports", func(r chi.Router) {
			r.Get("/data/{surveyID}/{sectionID}", s.handleReportData)
			r.Get("/raw/{surveyID}/{sectionID}", s.handleRawReport)
			r.Get("/full/{surveyID}/{sectionID}", s.handleFullReport)
			if s.narrator != nil {
				r.Post("/narrative/{surveyID}/{sectionID}", s.handleNarrative)
			}

			// Asynchronous runs need the database and the worker.
			if s.runs != nil && s.runsQ != nil && s.worker != nil {
				r.Post("/runs", s.handleCreateRun)
				r.Get("/runs/{runID}", s.handleGetRun)
				r.Get("/runs/{runID}/pdf", s.handleGetRunPDF)
			}
		})
	})

	return r
}

// corsMiddleware allows the configured origins. Outside production any
// origin is allowed.
func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	opts := cors.Options{
		AllowedOrigins:       s.cfg.AllowedOrigins,
		AllowedMethods:       []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:       []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders:       []string{"Content-Disposition", "Content-Length"},
		MaxAge:               86400,
		OptionsSuccessStatus: http.StatusNoContent,
	}
	if s.cfg.Env != "production" {
		opts.AllowOriginFunc = func(*http.Request, string) bool { return true }
	}
	return cors.Handler(opts)
}
