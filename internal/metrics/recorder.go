package metrics

import "time"

// ResultLabel enumerates state result categories for counters.
type ResultLabel string

const (
	ResultSuccess ResultLabel = "success"
	ResultFailure ResultLabel = "failure"
	ResultAborted ResultLabel = "aborted"
)

// Recorder defines observability hooks for builds, states and the daemon.
type Recorder interface {
	ObserveStateDuration(state string, d time.Duration)
	IncStateResult(state string, result ResultLabel)
	ObserveBuildDuration(buildType string, d time.Duration)
	IncBuildOutcome(outcome string)
	IncAbortEscalation()
	SetBuilderStatus(status string)
	IncEventPublished(sink string, success bool)
}

// NoopRecorder is a Recorder that does nothing (default when metrics not configured).
type NoopRecorder struct{}

func (NoopRecorder) ObserveStateDuration(string, time.Duration) {}
func (NoopRecorder) IncStateResult(string, ResultLabel)         {}
func (NoopRecorder) ObserveBuildDuration(string, time.Duration) {}
func (NoopRecorder) IncBuildOutcome(string)                     {}
func (NoopRecorder) IncAbortEscalation()                        {}
func (NoopRecorder) SetBuilderStatus(string)                    {}
func (NoopRecorder) IncEventPublished(string, bool)             {}

// OrNoop returns r, or NoopRecorder when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return NoopRecorder{}
	}
	return r
}
