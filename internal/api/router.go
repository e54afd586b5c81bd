// Package api assembles the HTTP surface: health and version probes, the
// Prometheus scrape endpoint, a small REST view over jobs, and the two
// session transports (WebSocket upgrade and JSON-RPC-over-HTTP with SSE).
package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/inquirylabs/inquiry/internal/api/middleware"
	"github.com/inquirylabs/inquiry/internal/config"
	"github.com/inquirylabs/inquiry/internal/jobs"
	"github.com/inquirylabs/inquiry/internal/metrics"
	"github.com/inquirylabs/inquiry/internal/session"
	"github.com/inquirylabs/inquiry/internal/store"
	"github.com/inquirylabs/inquiry/internal/transport"
)

// Deps carries everything the router serves.
type Deps struct {
	Config    *config.Config
	Store     store.Store
	Manager   *jobs.Manager
	Collector *metrics.Collector
	Sessions  *session.Core
}

// NewRouter creates the HTTP router with all routes.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Session-ID", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id", "X-Session-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler(d))
	r.Get("/version", versionHandler(d.Config))
	r.Handle("/metrics", d.Collector.Handler())

	// Session transports
	wsHandler := transport.NewWebSocketHandler(d.Sessions)
	httpHandler := transport.NewHTTPHandler(d.Sessions)
	r.Get("/ws", wsHandler.ServeHTTP)
	r.Post("/rpc", httpHandler.HandleRPC)
	r.Get("/events", httpHandler.HandleEvents)

	// REST view over jobs
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Route("/{jobId}", func(r chi.Router) {
				r.Get("/", getJobHandler(d))
				r.Get("/events", listEventsHandler(d))
				r.Post("/cancel", cancelJobHandler(d))
			})
		})
	})

	return r
}

func healthHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "healthy"
		code := http.StatusOK
		if err := d.Store.Ping(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
		w.WriteHeader(code)
		json.NewEncoder(w).Encode(map[string]string{
			"status":  status,
			"service": "inquiry-server",
		})
	}
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "inquiry-server",
		})
	}
}

func getJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		job, err := d.Store.GetJob(r.Context(), id)
		if err != nil {
			if store.IsNotFound(err) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(job)
	}
}

func listEventsHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")

		after := int64(0)
		if q := r.URL.Query().Get("after"); q != "" {
			v, err := strconv.ParseInt(q, 10, 64)
			if err != nil {
				http.Error(w, "invalid after cursor", http.StatusBadRequest)
				return
			}
			after = v
		}
		limit := 100
		if q := r.URL.Query().Get("limit"); q != "" {
			if v, err := strconv.Atoi(q); err == nil && v > 0 && v <= 1000 {
				limit = v
			}
		}

		if _, err := d.Store.GetJob(r.Context(), id); err != nil {
			if store.IsNotFound(err) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		events, err := d.Store.GetEvents(r.Context(), id, after, limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"job_id": id,
			"events": events,
		})
	}
}

func cancelJobHandler(d Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "jobId")
		if err := d.Manager.Cancel(r.Context(), id); err != nil {
			if store.IsNotFound(err) {
				http.Error(w, "job not found", http.StatusNotFound)
				return
			}
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "canceled"})
	}
}
