// Package api exposes the job queue, codification and intelligence
// services over HTTP.
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/docintel/internal/alias"
	"github.com/sells-group/docintel/internal/codify"
	"github.com/sells-group/docintel/internal/intel"
	"github.com/sells-group/docintel/internal/jobqueue"
	"github.com/sells-group/docintel/internal/store"
)

// Deps are the services the API serves.
type Deps struct {
	Store     store.Store
	Queue     *jobqueue.Queue
	Processor *jobqueue.Processor
	Codifier  *codify.Codifier
	Aliases   *alias.Service
	Intel     *intel.Service
}

// Server holds the handlers' dependencies.
type Server struct {
	deps Deps
}

// NewRouter builds the HTTP handler. An empty corsOrigins allows any
// origin.
func NewRouter(deps Deps, corsOrigins []string) http.Handler {
	s := &Server{deps: deps}
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.createJob)
		r.Post("/process", s.processJobs)
		r.Post("/reap", s.reapJobs)
		r.Get("/{jobID}", s.getJob)
	})

	r.Post("/documents/{documentID}/smart-pass", s.smartPass)
	r.Get("/documents/{documentID}/items", s.listItems)
	r.Post("/items/{itemID}/confirm", s.confirmItem)

	r.Post("/aliases", s.upsertAlias)
	r.Post("/aliases/{aliasID}/deactivate", s.deactivateAlias)

	r.Get("/codes", s.listCodes)
	r.Post("/codes/proposed", s.createProposedCodes)

	r.Get("/intelligence/{scope}/{entityID}", s.getIntelligence)
	r.Post("/intelligence/{scope}/{entityID}", s.ingestIntelligence)

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
