// ABOUTME: HTTP server struct, constructor, and handler wiring for the queue producer API.
// ABOUTME: Mounts huma JSON routes under /api/v1 plus /healthz and /metrics on chi.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/scarson/queued/internal/auth"
	"github.com/scarson/queued/internal/config"
	"github.com/scarson/queued/internal/rendezvous"
	"github.com/scarson/queued/internal/store"
)

// JobStore is the subset of *store.Store the job routes use.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (int64, error)
	Progress(ctx context.Context, p store.ProgressParams) ([]store.JobProgress, error)
	GetStats(ctx context.Context) ([]store.TypeStats, error)
	GetTypes(ctx context.Context) ([]string, error)
	GetLength(ctx context.Context, jobType string) (int, error)
	ListJobs(ctx context.Context, p store.ListJobsParams) ([]store.Job, error)
	GetJob(ctx context.Context, id int64) (*store.Job, error)
}

// Responses is the rendezvous surface the response routes use.
type Responses interface {
	Generate(ctx context.Context) (string, error)
	SetValue(ctx context.Context, key string, value any) error
	GetValue(ctx context.Context, key string, block bool) (json.RawMessage, error)
	Release(ctx context.Context, key string) error
}

// Server holds the dependencies for the HTTP layer.
type Server struct {
	store       *store.Store
	jobs        JobStore
	responses   Responses
	cfg         *config.Config
	keys        *auth.KeySet
	rateLimiter *ipRateLimiter
}

// NewServer creates a Server. s may be nil only in tests that exercise
// /healthz without a database.
func NewServer(s *store.Store, cfg *config.Config) (*Server, error) {
	evictTTL := cfg.RateLimitEvictTTL
	if evictTTL == 0 {
		evictTTL = 15 * time.Minute
	}
	perMinute := cfg.EnqueueRatePerMinute
	if perMinute <= 0 {
		perMinute = 600
	}
	burst := cfg.EnqueueRateBurst
	if burst <= 0 {
		burst = 60
	}

	srv := &Server{
		store:       s,
		cfg:         cfg,
		keys:        auth.NewKeySet(cfg.APIKeyHashes),
		rateLimiter: newIPRateLimiter(rate.Limit(float64(perMinute)/60), burst, evictTTL),
	}
	if s != nil {
		srv.jobs = s
		srv.responses = rendezvous.New(s, rendezvous.WithPollInterval(cfg.ResponsePollInterval))
	}
	return srv, nil
}

// Close stops background goroutines owned by the server.
func (srv *Server) Close() {
	srv.rateLimiter.Close()
}

// Handler builds and returns the http.Handler.
func (srv *Server) Handler() http.Handler {
	var db *pgxpool.Pool
	if srv.store != nil {
		db = srv.store.Pool()
	}
	r := chi.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	// ── Standard chi middleware ───────────────────────────────────────────────
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	// 1 MB global body limit; payloads are stored verbatim.
	r.Use(middleware.RequestSize(1 << 20))
	r.Use(middleware.Recoverer)

	// ── Infrastructure endpoints ──────────────────────────────────────────────
	r.Get("/healthz", healthzHandler(db))
	r.Handle("/metrics", promhttp.Handler())

	// ── API v1 sub-router with huma (OpenAPI 3.1) ────────────────────────────
	apiRouter := chi.NewRouter()
	humaConfig := huma.DefaultConfig("queued API", "0.1.0")
	humaConfig.Info.Description = "Enqueue jobs, follow their progress and exchange results with workers."
	api := humachi.New(apiRouter, humaConfig)
	if !srv.keys.Empty() {
		api.UseMiddleware(apiKeyMiddleware(api, srv.keys))
	}
	registerJobRoutes(api, srv.jobs, srv.rateLimiter)
	registerResponseRoutes(api, srv.responses)

	r.Mount("/api/v1", apiRouter)

	return r
}

// healthResponse is the JSON body for /healthz.
type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db,omitempty"`
}

// healthzHandler returns 200 {"status":"ok"} when the DB is reachable,
// or 503 {"status":"degraded","db":"unavailable"} when it is not.
func healthzHandler(db *pgxpool.Pool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Status: "ok"}
		statusCode := http.StatusOK

		if db == nil {
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		} else if err := db.Ping(r.Context()); err != nil {
			slog.WarnContext(r.Context(), "healthz: db ping failed", "error", err)
			resp.Status = "degraded"
			resp.DB = "unavailable"
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		if err := json.NewEncoder(w).Encode(resp); err != nil {
			slog.ErrorContext(r.Context(), "healthz: failed to encode response", "error", err)
		}
	}
}
