package daemon

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/metrics"
	"git.home.luguber.info/inful/pkgbuildd/internal/server/handlers"
	smw "git.home.luguber.info/inful/pkgbuildd/internal/server/middleware"
)

// HTTPServer serves the builder API.
type HTTPServer struct {
	server *http.Server
	ln     net.Listener
	logger *slog.Logger
}

// routes builds the API mux. registry is nil when metrics are disabled.
func (d *Daemon) routes(registry *prom.Registry) http.Handler {
	builderHandlers := handlers.NewBuilderHandlers(d.builder, d.cache, d.projection, d.logger)
	monitoringHandlers := handlers.NewMonitoringHandlers(d.builder, d.cfg.Builder.Arch, d.startTime)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", builderHandlers.HandleStatus)
	mux.HandleFunc("POST /build", builderHandlers.HandleBuild)
	mux.HandleFunc("POST /abort", builderHandlers.HandleAbort)
	mux.HandleFunc("POST /clean", builderHandlers.HandleClean)
	mux.HandleFunc("GET /log", builderHandlers.HandleLog)
	mux.HandleFunc("GET /files/{sha1}", builderHandlers.HandleGetFile)
	mux.HandleFunc("POST /files", builderHandlers.HandlePutFile)
	mux.HandleFunc("PUT /files", builderHandlers.HandlePutFile)
	mux.HandleFunc("GET /history", builderHandlers.HandleHistory)
	mux.HandleFunc("GET /health", monitoringHandlers.HandleHealthCheck)
	if registry != nil {
		mux.Handle("GET "+d.cfg.Metrics.Path, metrics.HTTPHandler(registry))
	}

	return smw.Chain(d.logger, errors.NewHTTPErrorAdapter(d.logger))(mux)
}

// startHTTPServer binds addr before serving so a port clash fails startup.
func startHTTPServer(addr string, handler http.Handler, logger *slog.Logger) (*HTTPServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.DaemonError("http startup failed").
			WithCause(err).
			WithContext("listen", addr).
			Build()
	}
	s := &HTTPServer{
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := s.server.Serve(ln); err != nil && !stdErrors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server stopped", slog.String("error", err.Error()))
		}
	}()
	logger.Info("HTTP server started", slog.String("listen", ln.Addr().String()))
	return s, nil
}

// Addr returns the bound address.
func (s *HTTPServer) Addr() string {
	return s.ln.Addr().String()
}

// Stop gracefully shuts the server down.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
