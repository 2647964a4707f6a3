package builder

import (
	"time"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
)

// EventType names a builder lifecycle event.
type EventType string

const (
	EventBuildStarted   EventType = "BuildStarted"
	EventBuildFailed    EventType = "BuildFailed"
	EventBuildCompleted EventType = "BuildCompleted"
	EventBuildAborting  EventType = "BuildAborting"
	EventBuilderCleaned EventType = "BuilderCleaned"
	EventHeartbeat      EventType = "Heartbeat"
)

// Event describes a change of the builder's status.
type Event struct {
	Type       EventType         `json:"type"`
	BuildID    string            `json:"build_id,omitempty"`
	BuildType  string            `json:"build_type,omitempty"`
	Status     Status            `json:"builder_status"`
	Outcome    buildlog.Outcome  `json:"outcome,omitempty"`
	Dependency string            `json:"dependency,omitempty"`
	Files      map[string]string `json:"files,omitempty"`
	Duration   time.Duration     `json:"duration,omitempty"`
	Time       time.Time         `json:"time"`
}

// Sink receives builder events. Emit is called with internal locks held
// and must not block or call back into the builder.
type Sink interface {
	Emit(e Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

type nopSink struct{}

func (nopSink) Emit(Event) {}
