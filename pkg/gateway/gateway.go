package gateway

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Server struct {
	httpServer *http.Server
}

// serves the API handler plus /metrics on httpAddr
func NewServer(httpAddr string, api http.Handler) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", api)

	return &Server{
		httpServer: &http.Server{
			Addr:              httpAddr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// blocks until the server is stopped
func (s *Server) Start(ctx context.Context) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "failed to start HTTP gateway")
	}

	return nil
}

// like Start on an existing listener
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.httpServer.BaseContext = func(net.Listener) context.Context { return ctx }

	if err := s.httpServer.Serve(l); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "HTTP gateway failed")
	}

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
