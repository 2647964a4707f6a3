// Package responses defines API response types used by the build daemon's HTTP handlers.
package responses

import (
	"time"

	"git.home.luguber.info/inful/pkgbuildd/internal/eventstore"
)

// BuildAcceptedResponse is returned when a build has been started.
type BuildAcceptedResponse struct {
	Status  string `json:"status"`
	BuildID string `json:"build_id"`
}

// ActionResponse acknowledges abort and clean requests.
type ActionResponse struct {
	Status        string `json:"status"`
	BuilderStatus string `json:"builder_status"`
}

// FileStoredResponse is returned after an upload into the file cache.
type FileStoredResponse struct {
	SHA1 string `json:"sha1"`
}

// HealthResponse represents the health check API response.
type HealthResponse struct {
	Status        string    `json:"status"`
	Timestamp     time.Time `json:"timestamp"`
	Version       string    `json:"version"`
	Uptime        float64   `json:"uptime"`
	BuilderStatus string    `json:"builder_status,omitempty"`
	Arch          string    `json:"arch,omitempty"`
}

// HistoryResponse lists recently completed builds, newest first.
type HistoryResponse struct {
	Builds []eventstore.BuildSummary `json:"builds"`
}
