// Package httpserver wraps net/http.Server with a mutex-guarded
// Start/Stop lifecycle.
package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/ikermy/rendezvous-proxy/internal/obslog"
)

// Server is a thin lifecycle wrapper around http.Server.
type Server struct {
	mu   sync.Mutex
	addr string
	srv  *http.Server
}

// New builds a Server bound to addr with the given handler.
func New(addr string, handler http.Handler) *Server {
	return &Server{
		addr: addr,
		srv: &http.Server{
			Addr:    addr,
			Handler: handler,
		},
	}
}

// Start launches the server in its own goroutine. Listen errors other than
// a clean shutdown are sent to errCh.
func (s *Server) Start(errCh chan<- error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obslog.Info("starting HTTP server on %s", s.addr)

	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case errCh <- fmt.Errorf("http server: %w", err):
			default:
			}
		}
	}()

	return nil
}

// Stop gracefully shuts the server down, refusing new connections and
// waiting for in-flight requests to finish or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obslog.Info("stopping HTTP server on %s", s.addr)
	return s.srv.Shutdown(ctx)
}
