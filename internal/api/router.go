// Package api exposes the job queue over HTTP and streams scheduler events
// to websocket clients.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/flying-dice/dcs-dropzone-sub002/internal/model"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/storage"
	"github.com/flying-dice/dcs-dropzone-sub002/internal/worker"
)

// Queue is the part of the orchestrator the HTTP surface needs.
type Queue interface {
	Enqueue(ctx context.Context, req worker.EnqueueRequest) (string, error)
	GetJob(ctx context.Context, id string) (*model.Job, error)
	GetRun(ctx context.Context, id string) (*model.Run, error)
	GetLatestRun(ctx context.Context, jobID string) (*model.Run, error)
	ListJobRuns(ctx context.Context, jobID string) ([]*model.Run, error)
	ListJobs(ctx context.Context, filter storage.JobFilter) ([]*model.Job, error)
	ListFailedRuns(ctx context.Context) ([]*model.Run, error)
	Stats(ctx context.Context) (map[string]int, error)
	Retry(ctx context.Context, id string) error
	CancelJob(ctx context.Context, id string) (bool, error)
	Kinds() []string
}

type Server struct {
	queue Queue
	hub   *Hub
}

// NewRouter builds the HTTP handler. hub may be nil, in which case /ws is
// not mounted.
func NewRouter(queue Queue, hub *Hub, corsOrigins []string) http.Handler {
	s := &Server{queue: queue, hub: hub}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(accessLog)
	if len(corsOrigins) > 0 {
		r.Use(CORS(corsOrigins))
	}

	r.Get("/health", s.health)
	r.Get("/stats", s.stats)

	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.listJobs)
		r.Post("/", s.enqueue)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getJob)
			r.Get("/runs", s.listJobRuns)
			r.Get("/runs/latest", s.latestRun)
			r.Post("/cancel", s.cancel)
			r.Post("/retry", s.retry)
		})
	})

	r.Route("/runs", func(r chi.Router) {
		r.Get("/", s.listRuns)
		r.Get("/{id}", s.getRun)
	})

	if hub != nil {
		r.Get("/ws", hub.ServeWS)
	}
	return r
}

// CORS allows browser clients from the given origins.
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	})
}

func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("component", "http").
			Str("request_id", chimw.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
