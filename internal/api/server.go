// Package api exposes the REST surface. Routing uses net/http method
// patterns; every /api route passes through API-key authentication.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"webrunner/internal/logging"
)

// Server wraps the HTTP listener and routes.
type Server struct {
	httpServer *http.Server
	handlers   *Handlers
}

// NewServer builds the server with all routes registered.
func NewServer(host string, port int, h *Handlers) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)

	mux.Handle("POST /api/tasks", h.auth(http.HandlerFunc(h.CreateTask)))
	mux.Handle("GET /api/tasks", h.auth(http.HandlerFunc(h.ListTasks)))
	mux.Handle("GET /api/tasks/{id}", h.auth(http.HandlerFunc(h.GetTask)))
	mux.Handle("PUT /api/tasks/{id}", h.auth(http.HandlerFunc(h.UpdateTask)))
	mux.Handle("DELETE /api/tasks/{id}", h.auth(http.HandlerFunc(h.DeleteTask)))
	mux.Handle("POST /api/tasks/{id}/execute", h.auth(http.HandlerFunc(h.ExecuteTask)))
	mux.Handle("GET /api/tasks/{id}/result", h.auth(http.HandlerFunc(h.TaskResult)))
	mux.Handle("GET /api/tasks/{id}/logs", h.auth(http.HandlerFunc(h.TaskLogs)))

	mux.Handle("POST /api/ai/process", h.auth(http.HandlerFunc(h.AIProcess)))
	mux.Handle("POST /api/ai/instructions", h.auth(http.HandlerFunc(h.AIInstructions)))
	mux.Handle("POST /api/ai/analyze", h.auth(http.HandlerFunc(h.AIAnalyze)))

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf("%s:%d", host, port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		handlers: h,
	}
}

// ListenAndServe blocks serving requests until Shutdown or failure.
func (s *Server) ListenAndServe() error {
	logging.Boot("api listening on %s", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routed mux for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
