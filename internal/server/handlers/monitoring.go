package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/server/responses"
	"git.home.luguber.info/inful/pkgbuildd/internal/version"
)

// MonitoringHandlers contains monitoring-related HTTP handlers.
type MonitoringHandlers struct {
	builder      Builder
	arch         string
	startTime    time.Time
	errorAdapter *errors.HTTPErrorAdapter
}

// NewMonitoringHandlers creates a new monitoring handlers instance.
func NewMonitoringHandlers(b Builder, arch string, startTime time.Time) *MonitoringHandlers {
	return &MonitoringHandlers{
		builder:      b,
		arch:         arch,
		startTime:    startTime,
		errorAdapter: errors.NewHTTPErrorAdapter(slog.Default()),
	}
}

// HandleHealthCheck handles the health check endpoint.
func (h *MonitoringHandlers) HandleHealthCheck(w http.ResponseWriter, r *http.Request) {
	health := &responses.HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Version:   version.Version,
		Uptime:    time.Since(h.startTime).Seconds(),
		Arch:      h.arch,
	}
	if h.builder != nil {
		health.BuilderStatus = string(h.builder.Status().Status)
	}

	if err := writeJSON(w, r, http.StatusOK, health); err != nil {
		internalErr := errors.WrapError(err, errors.CategoryInternal, "failed to write health response").
			Build()
		h.errorAdapter.WriteErrorResponse(w, r, internalErr)
	}
}
