package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/amalgam/sbfds/pkg/store"
)

// Server holds the HTTP interface and the underlying entity store.
type Server struct {
	Store *store.Store

	httpServer *http.Server
	authToken  string
}

// NewServer initializes the HTTP server over an existing store.
func NewServer(st *store.Store, httpAddr string, authToken string) *Server {
	s := &Server{
		Store:     st,
		authToken: authToken,
	}

	mux := http.NewServeMux()
	s.registerHTTPHandlers(mux)

	// Middleware chain, outermost first: panic recovery wraps everything,
	// then request logging, then auth, then the route mux.
	var handler http.Handler = mux
	handler = s.authMiddleware(handler)
	handler = s.logAndMeasure(handler)
	handler = s.recoverPanics(handler)

	rootMux := http.NewServeMux()
	rootMux.HandleFunc("GET /healthz", s.handleHealthz)
	rootMux.Handle("/", handler)
	s.httpServer = &http.Server{
		Addr:    httpAddr,
		Handler: rootMux,
	}
	return s
}

// Run starts the HTTP server and blocks until shutdown.
func (s *Server) Run() error {
	log.Printf("HTTP server listening on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server startup failed: %w", err)
	}
	return nil
}

// Shutdown stops the HTTP server gracefully.
func (s *Server) Shutdown() {
	log.Println("Starting graceful shutdown of HTTP server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}
}

// handleHealthz sits outside the middleware chain so load balancers never
// pay for auth or logging.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// authMiddleware enforces the bearer token when one is configured.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authToken != "" && r.Header.Get("Authorization") != "Bearer "+s.authToken {
			writeError(w, http.StatusUnauthorized, fmt.Errorf("unauthorized"))
			return
		}
		next.ServeHTTP(w, r)
	})
}
