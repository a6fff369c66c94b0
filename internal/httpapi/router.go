// Package httpapi implements the minimal Control API (spec §4.9, §6.1): a
// thin translation layer over Store/Queue/Pipeline/Dispatcher/Audit, with
// shared-key auth on every route except /health and /dashboard.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/openskelo/openskelo/internal/audit"
	"github.com/openskelo/openskelo/internal/dispatcher"
	"github.com/openskelo/openskelo/internal/pipeline"
	"github.com/openskelo/openskelo/internal/queue"
	"github.com/openskelo/openskelo/internal/scheduler"
	"github.com/openskelo/openskelo/internal/store"
	"github.com/openskelo/openskelo/internal/templates"
)

// Server wires every core component behind chi's router.
type Server struct {
	store      *store.Store
	queue      *queue.Queue
	pipeline   *pipeline.Pipeline
	audit      *audit.Log
	dispatcher *dispatcher.Dispatcher
	templates  *templates.Templates
	scheduler  *scheduler.Scheduler
	apiKey     string
	log        *slog.Logger
	router     chi.Router
}

// Deps bundles the Server's collaborators. Dispatcher and Scheduler may be
// nil when a process only serves the HTTP surface without running them
// in-process.
type Deps struct {
	Store      *store.Store
	Queue      *queue.Queue
	Pipeline   *pipeline.Pipeline
	Audit      *audit.Log
	Dispatcher *dispatcher.Dispatcher
	Templates  *templates.Templates
	Scheduler  *scheduler.Scheduler
	APIKey     string
	Log        *slog.Logger
}

// New builds the Control API router over deps.
func New(deps Deps) *Server {
	srv := &Server{
		store: deps.Store, queue: deps.Queue, pipeline: deps.Pipeline, audit: deps.Audit,
		dispatcher: deps.Dispatcher, templates: deps.Templates, scheduler: deps.Scheduler,
		apiKey: deps.APIKey, log: deps.Log,
	}
	srv.router = srv.routes()
	return srv
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", "x-api-key"},
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Get("/dashboard", s.handleDashboard)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Post("/tasks", s.handleCreateTask)
		r.Get("/tasks", s.handleListTasks)
		r.Get("/tasks/{id}", s.handleGetTask)
		r.Patch("/tasks/{id}/priority", s.handlePatchPriority)
		r.Patch("/tasks/{id}/reorder", s.handlePatchReorder)
		r.Post("/tasks/{id}/transition", s.handleTransition)
		r.Post("/tasks/{id}/heartbeat", s.handleHeartbeat)
		r.Post("/tasks/{id}/release", s.handleRelease)
		r.Post("/tasks/{id}/abort", s.handleAbort)
		r.Post("/tasks/claim-next", s.handleClaimNext)

		r.Post("/pipelines", s.handleCreatePipeline)
		r.Get("/pipelines", s.handleListPipelines)
		r.Get("/pipelines/{id}", s.handleGetPipeline)

		r.Get("/audit", s.handleAudit)

		r.Post("/templates", s.handleCreateTemplate)
		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates/{id}/instantiate", s.handleInstantiateTemplate)

		r.Post("/schedules", s.handleCreateSchedule)
		r.Get("/schedules", s.handleListSchedules)
		r.Delete("/schedules/{id}", s.handleDeleteSchedule)
	})

	return r
}

// authMiddleware requires a matching x-api-key header on every route it
// guards. /health and /dashboard never pass through it (spec §4.9).
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != s.apiKey {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid or missing x-api-key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
