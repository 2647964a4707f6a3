// Package eventstore records build lifecycle events in SQLite and projects
// them into a bounded build history.
package eventstore

import (
	"context"
	"slices"
	"sync"
	"time"
)

const defaultHistorySize = 100

// Build states of a summary.
const (
	BuildRunning   = "running"
	BuildAborting  = "aborting"
	BuildCompleted = "completed"
)

// BuildSummary is the read model of one build.
type BuildSummary struct {
	BuildID     string            `json:"build_id"`
	BuildType   string            `json:"build_type,omitempty"`
	Builder     string            `json:"builder,omitempty"`
	Status      string            `json:"status"`
	Outcome     string            `json:"outcome,omitempty"`
	Dependency  string            `json:"dependency,omitempty"`
	StartedAt   time.Time         `json:"started_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Duration    time.Duration     `json:"duration,omitempty"`
	Artifacts   map[string]string `json:"artifacts,omitempty"`
	Cleaned     bool              `json:"cleaned,omitempty"`
}

// BuildHistoryProjection folds records into per-build summaries. It keeps
// every unfinished build plus the newest completed ones.
type BuildHistoryProjection struct {
	store Store
	limit int

	mu       sync.RWMutex
	open     map[string]*BuildSummary
	done     []*BuildSummary // newest first
	lastSeq  int64
	lastSync time.Time
}

// NewBuildHistoryProjection returns an empty projection over store keeping
// at most limit completed builds.
func NewBuildHistoryProjection(store Store, limit int) *BuildHistoryProjection {
	if limit <= 0 {
		limit = defaultHistorySize
	}
	return &BuildHistoryProjection{
		store: store,
		limit: limit,
		open:  make(map[string]*BuildSummary),
	}
}

// Rebuild discards the projection and replays the whole store.
func (p *BuildHistoryProjection) Rebuild(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.open = make(map[string]*BuildSummary)
	p.done = nil
	p.lastSeq = 0
	err := p.store.Replay(ctx, 0, func(r Record) error {
		p.applyLocked(r)
		return nil
	})
	if err != nil {
		return err
	}
	p.lastSync = time.Now()
	return nil
}

// Apply folds a freshly appended record into the projection.
func (p *BuildHistoryProjection) Apply(r Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyLocked(r)
}

func (p *BuildHistoryProjection) applyLocked(r Record) {
	if r.Seq > p.lastSeq {
		p.lastSeq = r.Seq
	}
	if r.BuildID == "" {
		return
	}
	body := r.Decode()

	// Cleaning happens after completion, so look in the history too.
	if r.Type == TypeBuilderCleaned {
		if s := p.lookupLocked(r.BuildID); s != nil {
			s.Cleaned = true
		}
		return
	}

	s, ok := p.open[r.BuildID]
	if !ok {
		s = &BuildSummary{BuildID: r.BuildID, Status: BuildRunning, StartedAt: r.At}
		p.open[r.BuildID] = s
	}
	if r.Builder != "" {
		s.Builder = r.Builder
	}

	switch r.Type {
	case TypeBuildStarted:
		s.Status = BuildRunning
		s.StartedAt = r.At
		s.BuildType = body.BuildType
	case TypeBuildFailed:
		s.Outcome, s.Dependency = body.Outcome, body.Dependency
	case TypeBuildAborting:
		s.Status = BuildAborting
	case TypeBuildCompleted:
		at := r.At
		s.Status = BuildCompleted
		s.CompletedAt = &at
		s.Duration = at.Sub(s.StartedAt)
		s.Outcome, s.Dependency = body.Outcome, body.Dependency
		s.Artifacts = body.Artifacts
		delete(p.open, r.BuildID)
		p.done = slices.DeleteFunc(p.done, func(h *BuildSummary) bool { return h.BuildID == s.BuildID })
		p.done = slices.Insert(p.done, 0, s)
		if len(p.done) > p.limit {
			p.done = p.done[:p.limit]
		}
	}
}

func (p *BuildHistoryProjection) lookupLocked(buildID string) *BuildSummary {
	if s, ok := p.open[buildID]; ok {
		return s
	}
	for _, s := range p.done {
		if s.BuildID == buildID {
			return s
		}
	}
	return nil
}

// GetHistory returns copies of the completed builds, newest first.
func (p *BuildHistoryProjection) GetHistory() []BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]BuildSummary, len(p.done))
	for i, s := range p.done {
		out[i] = *s
	}
	return out
}

// GetBuild returns a copy of one build's summary.
func (p *BuildHistoryProjection) GetBuild(buildID string) (*BuildSummary, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.lookupLocked(buildID)
	if s == nil {
		return nil, false
	}
	cp := *s
	return &cp, true
}

// GetActiveBuild returns the most recently started unfinished build.
func (p *BuildHistoryProjection) GetActiveBuild() *BuildSummary {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var latest *BuildSummary
	for _, s := range p.open {
		if latest == nil || s.StartedAt.After(latest.StartedAt) {
			latest = s
		}
	}
	if latest == nil {
		return nil
	}
	cp := *latest
	return &cp
}

// LastSeq returns the sequence number of the last record applied.
func (p *BuildHistoryProjection) LastSeq() int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSeq
}

// LastSyncTime returns when the projection was last rebuilt.
func (p *BuildHistoryProjection) LastSyncTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}
