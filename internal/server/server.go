// Package server is the HTTP ingress of spec.md §6: POST /message,
// POST /webhook/{channel}, GET /health and GET /media/{id}, mounted on
// a go-chi/chi/v5 router in the same metrics/tracing style as
// internal/toolservice's own Router.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/familyledger/core/internal/orchestrator"
	"github.com/familyledger/core/internal/store"
	"github.com/familyledger/core/internal/telemetry"
)

// MaxContentBytes is spec.md §8's "over-long content (≥ 1 MB) →
// rejected at ingress" boundary.
const MaxContentBytes = 1 << 20

// HealthChecker reports whether a dependency the /health endpoint
// tracks is reachable.
type HealthChecker func(ctx context.Context) error

// Server wires the orchestrator and the engine's ingress-layer
// concerns (auth, media serving, health) behind one chi.Router.
type Server struct {
	orch       *orchestrator.Orchestrator
	principals store.PrincipalStore
	webhooks   map[string]WebhookDecoder

	mediaRoot     string
	signingSecret string
	jwtValidator  *JWTValidator

	health  map[string]HealthChecker
	metrics *HTTPMetrics
}

// Config groups Server's construction-time dependencies.
type Config struct {
	Orchestrator  *orchestrator.Orchestrator
	Principals    store.PrincipalStore
	Webhooks      map[string]WebhookDecoder
	MediaRoot     string
	SigningSecret string
	JWTValidator  *JWTValidator // nil disables bearer-auth on /message
	Health        map[string]HealthChecker
	Metrics       *HTTPMetrics
}

func New(cfg Config) *Server {
	return &Server{
		orch:          cfg.Orchestrator,
		principals:    cfg.Principals,
		webhooks:      cfg.Webhooks,
		mediaRoot:     cfg.MediaRoot,
		signingSecret: cfg.SigningSecret,
		jwtValidator:  cfg.JWTValidator,
		health:        cfg.Health,
		metrics:       cfg.Metrics,
	}
}

// Routes assembles the full chi.Router for this server.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(metricsMiddleware(s.metrics))

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.jwtValidator))
		r.Post("/message", s.handleMessage)
	})

	r.Post("/webhook/{channel}", s.handleWebhook)
	r.Get("/health", s.handleHealth)
	r.Get("/media/{id}", s.handleMedia)

	return r
}

// HTTPMetrics mirrors internal/toolservice's Prometheus vectors for
// this router's own route set.
type HTTPMetrics struct {
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewHTTPMetrics(reg prometheus.Registerer) *HTTPMetrics {
	m := &HTTPMetrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "server_http_requests_total",
			Help: "Count of ingress HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "server_http_request_duration_seconds",
			Help:    "Ingress HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(m.requests, m.duration)
	return m
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
	size       int
}

func (rw *responseWriter) WriteHeader(statusCode int) {
	rw.statusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	size, err := rw.ResponseWriter.Write(b)
	rw.size += size
	return size, err
}

func metricsMiddleware(metrics *HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ctx, span := telemetry.Tracer().Start(r.Context(), "http.request",
				trace.WithAttributes(
					attribute.String("http.method", r.Method),
					attribute.String("http.path", r.URL.Path),
				),
			)
			defer span.End()
			r = r.WithContext(ctx)

			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			route := routePattern(r)

			span.SetAttributes(
				attribute.Int("http.status_code", wrapped.statusCode),
				attribute.Int("http.response_size", wrapped.size),
			)
			if wrapped.statusCode >= 500 {
				span.SetStatus(codes.Error, http.StatusText(wrapped.statusCode))
			} else {
				span.SetStatus(codes.Ok, "success")
			}

			if metrics != nil {
				status := http.StatusText(wrapped.statusCode)
				metrics.requests.WithLabelValues(r.Method, route, status).Inc()
				metrics.duration.WithLabelValues(r.Method, route).Observe(duration.Seconds())
			}
		})
	}
}

func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
