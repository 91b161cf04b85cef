package server

import (
	"context"
	"fmt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"net/http"
	"os"
	"os/signal"
)

// Server defines fields used in HTTP and websocket processing
type Server struct {
	logger        *zap.SugaredLogger
	httpServer    *http.Server
	gateway       *Gateway
	afterShutdown []func()
}

// NewServer returns new Server struct with provided zap.SugaredLogger, Store and Authenticator
func NewServer(logger *zap.SugaredLogger, store Store, authenticator Authenticator, opts ...Option) (*Server, error) {
	gateway := newGateway(logger, store, authenticator)
	uploads := &uploader{logger: logger, dir: "uploads"}

	c := &config{
		httpServer: &http.Server{Addr: ":9000"},
		handlers: map[string]http.Handler{
			"/upload":  enforcePOST("multipart/form-data", http.HandlerFunc(uploads.upload)),
			"/health":  http.HandlerFunc(health),
			"/metrics": promhttp.Handler(),
		},
		gateway: gateway,
		uploads: uploads,
	}

	for _, opt := range opts {
		opt.apply(c)
	}
	applyLog(logger.Desugar()).apply(c)
	registerHandlers(logger.Desugar()).apply(c)

	if gateway.frameBurst < 1 {
		return nil, fmt.Errorf("frame burst must be positive, got %d", gateway.frameBurst)
	}

	c.httpServer.RegisterOnShutdown(gateway.closeAll)

	return &Server{
		logger:        logger,
		httpServer:    c.httpServer,
		gateway:       gateway,
		afterShutdown: c.afterShutdown,
	}, nil
}

// Handler returns the root http.Handler, e.g. for httptest.Server
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start calls ListenAndServe on http.Server instance inside Server struct
// and implements graceful shutdown via goroutine waiting for signals
func (s *Server) Start() error {
	idleConnsClosed := make(chan struct{})

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		<-sigint

		s.logger.Info("Shutting down HTTP server")

		if err := s.httpServer.Shutdown(context.Background()); err != nil {
			s.logger.Errorf("srv.Shutdown: %v", err)
		}
		s.logger.Info("HTTP server is stopped")

		close(idleConnsClosed)
	}()

	s.logger.Infof("Starting HTTP server on %s", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("s.httpServer.ListenAndServe: %v", err)
	}

	<-idleConnsClosed

	for _, f := range s.afterShutdown {
		f()
	}

	return nil
}

func health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
