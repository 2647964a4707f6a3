package daemon

import (
	"context"
	"time"

	"git.home.luguber.info/inful/pkgbuildd/internal/builder"
	"git.home.luguber.info/inful/pkgbuildd/internal/eventstore"
)

// recordTypes maps the builder events worth keeping to record types.
var recordTypes = map[builder.EventType]string{
	builder.EventBuildStarted:   eventstore.TypeBuildStarted,
	builder.EventBuildFailed:    eventstore.TypeBuildFailed,
	builder.EventBuildAborting:  eventstore.TypeBuildAborting,
	builder.EventBuildCompleted: eventstore.TypeBuildCompleted,
	builder.EventBuilderCleaned: eventstore.TypeBuilderCleaned,
}

// EventEmitter records builder lifecycle events in the event store and
// keeps the build history projection current.
type EventEmitter struct {
	store      eventstore.Store
	projection *eventstore.BuildHistoryProjection
	builder    string
}

// NewEventEmitter records events as coming from the builder called name.
func NewEventEmitter(store eventstore.Store, projection *eventstore.BuildHistoryProjection, name string) *EventEmitter {
	return &EventEmitter{store: store, projection: projection, builder: name}
}

// Record stores be. Heartbeats are not stored.
func (e *EventEmitter) Record(ctx context.Context, be builder.Event) error {
	recordType, ok := recordTypes[be.Type]
	if !ok || e.store == nil {
		return nil
	}
	r, err := eventstore.NewRecord(be.BuildID, recordType, be.Time, eventstore.Payload{
		BuildType:  be.BuildType,
		Outcome:    string(be.Outcome),
		Dependency: be.Dependency,
		DurationMS: be.Duration.Milliseconds(),
		Artifacts:  be.Files,
	})
	if err != nil {
		return err
	}
	r.Builder = e.builder
	if r.At.IsZero() {
		r.At = time.Now()
	}
	if r.Seq, err = e.store.Append(ctx, r); err != nil {
		return err
	}
	if e.projection != nil {
		e.projection.Apply(r)
	}
	return nil
}
