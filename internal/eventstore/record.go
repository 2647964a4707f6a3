package eventstore

import (
	"encoding/json"
	"time"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// Record types. Heartbeats are not recorded.
const (
	TypeBuildStarted   = "BuildStarted"
	TypeBuildFailed    = "BuildFailed"
	TypeBuildAborting  = "BuildAborting"
	TypeBuildCompleted = "BuildCompleted"
	TypeBuilderCleaned = "BuilderCleaned"
)

// Record is one row of the build log: something that happened to a build
// on a named builder.
type Record struct {
	// Seq is assigned by the store on append and orders records.
	Seq     int64
	BuildID string
	Type    string
	Builder string
	At      time.Time
	Payload json.RawMessage
}

// Payload is the body shared by every record type; each type fills the
// fields it knows about.
type Payload struct {
	BuildType  string            `json:"build_type,omitempty"`
	Outcome    string            `json:"outcome,omitempty"`
	Dependency string            `json:"dependency,omitempty"`
	DurationMS int64             `json:"duration_ms,omitempty"`
	Artifacts  map[string]string `json:"artifacts,omitempty"`
}

// NewRecord encodes p into a record for buildID.
func NewRecord(buildID, recordType string, at time.Time, p Payload) (Record, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return Record{}, errors.EventStoreError("failed to encode record payload").
			WithCause(err).
			WithContext("build_id", buildID).
			WithContext("type", recordType).
			Build()
	}
	return Record{BuildID: buildID, Type: recordType, At: at, Payload: body}, nil
}

// Decode returns the record payload. An empty or malformed payload
// decodes to the zero Payload.
func (r Record) Decode() Payload {
	var p Payload
	if len(r.Payload) > 0 {
		_ = json.Unmarshal(r.Payload, &p)
	}
	return p
}
