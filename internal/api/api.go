// Package api implements the HTTP/WS surface that drives one Orchestrator
// run per request: a synchronous POST for a complete pass and a
// WebSocket stream that forwards Orchestrator hook events as they occur.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/wispbit/revengine/internal/cache"
	"github.com/wispbit/revengine/internal/llm"
	"github.com/wispbit/revengine/internal/sandbox"
	"github.com/wispbit/revengine/internal/validator"
)

// Deps are the collaborators a review request is executed against.
type Deps struct {
	LLM           *llm.Client
	Sandbox       *sandbox.Sandbox
	Validator     *validator.Validator
	Model         string
	Concurrency   int
	RulesRoot     string
	WorkspaceRoot string
	Cache         *cache.Cache // nil disables the Review Cache
	Logger        *slog.Logger // nil falls back to slog.Default()
}

// Server is the review engine's HTTP API server.
type Server struct {
	addr   string
	mux    *http.ServeMux
	server *http.Server
	deps   Deps
}

// New creates a new API server bound to addr, dispatching reviews against deps.
func New(addr string, deps Deps) *Server {
	s := &Server{addr: addr, deps: deps}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/review", s.handleReview)
	s.mux.HandleFunc("GET /api/review/stream", s.handleReviewStream)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.logger().Info("revengine API server listening", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Handler returns the HTTP handler for testing.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// logger returns the Deps logger, falling back to slog.Default().
func (s *Server) logger() *slog.Logger {
	if s.deps.Logger != nil {
		return s.deps.Logger
	}
	return slog.Default()
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		s.logger().Error("json encode failed", "err", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// readJSON decodes a JSON request body into v.
func readJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return fmt.Errorf("empty request body")
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}
