// Package httpserver exposes the pipeline control surface: REST endpoints
// to start, inspect, stop and clear runs, a websocket feed of run progress
// and health transitions, and the health and metrics endpoints operators
// poll.
package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/codegraph/internal/adapter/observability"
	"github.com/fairyhunter13/codegraph/internal/app"
	"github.com/fairyhunter13/codegraph/internal/config"
)

// Server aggregates handler dependencies.
type Server struct {
	Cfg       config.Config
	Pipelines *app.Registry
	Hub       *Hub
}

// NewServer constructs the HTTP layer over the pipeline registry.
func NewServer(cfg config.Config, pipelines *app.Registry, hub *Hub) *Server {
	return &Server{Cfg: cfg, Pipelines: pipelines, Hub: hub}
}

// Router assembles middleware and routes. The websocket endpoint mounts
// outside the timeout group because http.TimeoutHandler cannot hijack the
// connection.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(Recoverer())
	r.Use(RequestID())
	r.Use(TraceMiddleware)
	r.Use(AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(s.Cfg.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Group(func(g chi.Router) {
		g.Use(TimeoutMiddleware(s.Cfg.HTTPWriteTimeout))

		// Rate limit mutating endpoints.
		g.Group(func(wr chi.Router) {
			wr.Use(httprate.LimitByIP(s.Cfg.RateLimitPerMin, time.Minute))
			wr.Post("/pipeline/start", s.StartHandler())
			wr.Post("/pipeline/stop/{id}", s.StopHandler())
			wr.Delete("/pipeline/clear/{id}", s.ClearHandler())
		})

		g.Get("/pipeline/status/{id}", s.StatusHandler())
		g.Get("/pipeline/active", s.ActiveHandler())
		g.Get("/health", s.HealthHandler())
		g.Get("/metrics", s.MetricsHandler())
		g.Get("/metrics/prom", func(w http.ResponseWriter, req *http.Request) {
			promhttp.Handler().ServeHTTP(w, req)
		})
	})

	if s.Hub != nil {
		r.Get("/pipeline/ws", s.Hub.ServeWS)
	}

	return SecurityHeaders(r)
}

// ParseOrigins splits a comma-separated origin list into a slice, trimming
// spaces. An empty input allows every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}
