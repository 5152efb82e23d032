// Package server sets up the HTTP router, middleware, and request handlers.
package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/howard-nolan/streamrelay/internal/config"
	"github.com/howard-nolan/streamrelay/internal/logging"
	"github.com/howard-nolan/streamrelay/internal/metrics"
	"github.com/howard-nolan/streamrelay/internal/provider"
	"github.com/howard-nolan/streamrelay/internal/relay"
)

// RequestIDHeader carries the per-request correlation ID in both
// directions.
const RequestIDHeader = "X-Request-ID"

// Server holds the HTTP router and everything the handlers need.
type Server struct {
	router      chi.Router
	cfg         *config.Config
	relay       *relay.Relay
	passThrough *provider.PassThrough
	metrics     *metrics.Collector
	log         logrus.FieldLogger
}

// New creates a Server, wires up routes and middleware, and returns it
// ready to use as an http.Handler.
//
// Every dependency is built by main and handed in: the relay engine for
// chat completions, the forwarder for everything else, the metrics
// collector and the logger. Nothing here reaches for a global, so tests
// can build a Server against a fake upstream with its own registry.
func New(cfg *config.Config, rl *relay.Relay, pt *provider.PassThrough, m *metrics.Collector, log logrus.FieldLogger) *Server {
	s := &Server{
		cfg:         cfg,
		relay:       rl,
		passThrough: pt,
		metrics:     m,
		log:         log,
	}
	s.routes()
	return s
}

// routes builds the chi router with all middleware and route definitions,
// gathered in one method so the routing table is easy to scan.
func (s *Server) routes() {
	r := chi.NewRouter()

	// --- Global middleware ---
	//
	// Order matters: middleware wraps in the order it is added, so the
	// request ID exists before the logger reads it, and the logger sits
	// outside Recoverer so a recovered panic is still logged as a 500.

	// requestID reuses or mints X-Request-ID and puts it on the context.
	r.Use(requestID)

	// requestLogger writes one logrus line per request with status,
	// bytes and duration.
	r.Use(s.requestLogger)

	// Recoverer turns a handler panic into a 500 instead of killing the
	// process.
	r.Use(middleware.Recoverer)

	// --- Local routes ---
	//
	// These are answered by the relay itself and never forwarded.
	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// --- Relayed route ---
	//
	// Chat completions are relayed whatever the method; the upstream
	// decides what a GET there means.
	r.HandleFunc(provider.ChatCompletionsPath, s.handleChatCompletions)

	// --- Pass-through ---
	//
	// chi calls NotFound for any path without a route, and
	// MethodNotAllowed for a known path with another method. Both go
	// straight to the upstream.
	r.NotFound(s.handlePassThrough)
	r.MethodNotAllowed(s.handlePassThrough)

	s.router = r
}

// ServeHTTP makes Server satisfy http.Handler by delegating to chi.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// requestID reuses the caller's X-Request-ID or mints a new one, echoes it
// back and stores it on the request context for logging.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logging.WithRequestID(r.Context(), id)))
	})
}

// requestLogger writes one structured line per finished request.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		entry := logging.WithRequest(s.log, r, logrus.Fields{
			"status":      status,
			"bytes":       ww.BytesWritten(),
			"duration_ms": logging.DurationMS(time.Since(start)),
		})
		if status >= http.StatusInternalServerError {
			entry.Warn("request finished")
			return
		}
		entry.Info("request finished")
	})
}
