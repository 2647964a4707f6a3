// Package builder holds the status of the build daemon's single build slot.
// It starts builds, relays their results into the file cache and the build
// log, and reports what the build farm polls for: builder status, build
// outcome, missing dependency and waiting result files.
package builder

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/buildmanager"
	"git.home.luguber.info/inful/pkgbuildd/internal/filecache"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
	"git.home.luguber.info/inful/pkgbuildd/internal/metrics"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

// Status is the builder's own status, as opposed to a build's outcome.
type Status string

const (
	StatusIdle     Status = "IDLE"
	StatusBuilding Status = "BUILDING"
	StatusAborting Status = "ABORTING"
	StatusWaiting  Status = "WAITING"
)

var (
	ErrBusy        = errors.ConflictError("builder is busy").Build()
	ErrNotBuilding = errors.ConflictError("builder is not building").Build()
	ErrNotWaiting  = errors.ConflictError("builder has no finished build to clean").Build()
)

// Request asks the builder to start a build.
type Request struct {
	BuildID   string `json:"build_id" yaml:"build_id"`
	BuildType string `json:"build_type" yaml:"build_type"`
	// Chroot is the checksum of the build environment image.
	Chroot string `json:"chroot" yaml:"chroot"`
	// Files maps input file names to checksums in the file cache.
	Files map[string]string `json:"files" yaml:"files"`
	Args  buildmanager.Args `json:"args" yaml:"args"`
}

// Config wires a Builder.
type Config struct {
	// Home holds the per-build directories.
	Home      string
	SharePath string
	Backend   string
	Arch      string
	// LogPath is the build log; defaults to buildlog in the cache directory.
	LogPath     string
	ReapTimeout time.Duration
	Env         []string
	TypeOptions buildmanager.TypeOptions

	Cache *filecache.Store
	// Runner defaults to an exec runner writing to the build log.
	Runner    process.Runner
	Escalator *buildmanager.Escalator
	Sink      Sink
	Clock     clockwork.Clock
	Recorder  metrics.Recorder
	Logger    *slog.Logger
}

// Snapshot is a point-in-time copy of the builder status.
type Snapshot struct {
	Status       Status            `json:"builder_status"`
	BuildID      string            `json:"build_id,omitempty"`
	BuildType    string            `json:"build_type,omitempty"`
	State        string            `json:"state,omitempty"`
	Outcome      buildlog.Outcome  `json:"build_status,omitempty"`
	Dependency   string            `json:"dependency,omitempty"`
	WaitingFiles map[string]string `json:"waiting_files,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
}

// Builder runs at most one build at a time.
//
// Lock order: a manager calls into the builder with its own lock held, so
// the builder never calls a manager while holding mu.
type Builder struct {
	cfg      Config
	log      *logFile
	runner   process.Runner
	sink     Sink
	clock    clockwork.Clock
	recorder metrics.Recorder
	logger   *slog.Logger

	mu         sync.Mutex
	status     Status
	gen        uint64
	manager    *buildmanager.Manager
	buildID    string
	buildType  string
	outcome    buildlog.Outcome
	dependency string
	waiting    map[string]string
	startedAt  time.Time
}

// New creates an idle builder.
func New(cfg Config) (*Builder, error) {
	if cfg.Cache == nil {
		return nil, errors.ConfigError("builder requires a file cache").Build()
	}
	if cfg.Home == "" {
		return nil, errors.ConfigError("builder requires a home directory").Build()
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(cfg.Cache.Dir(), "buildlog")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Escalator == nil {
		cfg.Escalator = buildmanager.NewEscalator(cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	b := &Builder{
		cfg:      cfg,
		log:      &logFile{path: cfg.LogPath},
		runner:   cfg.Runner,
		sink:     cfg.Sink,
		clock:    cfg.Clock,
		recorder: metrics.OrNoop(cfg.Recorder),
		logger:   cfg.Logger,
		status:   StatusIdle,
	}
	if b.runner == nil {
		b.runner = process.NewExecRunner(b.log, cfg.Logger)
	}
	if b.sink == nil {
		b.sink = nopSink{}
	}
	b.recorder.SetBuilderStatus(string(StatusIdle))
	return b, nil
}

// StartBuild starts req on an idle builder.
func (b *Builder) StartBuild(req Request) error {
	kind, err := buildmanager.NewBuildType(req.BuildType, b.cfg.TypeOptions)
	if err != nil {
		return err
	}

	b.mu.Lock()
	if b.status != StatusIdle {
		b.mu.Unlock()
		return ErrBusy
	}
	b.gen++
	n := &notifier{b: b, gen: b.gen}
	m, err := buildmanager.New(buildmanager.Config{
		BuildID:     req.BuildID,
		Home:        b.cfg.Home,
		SharePath:   b.cfg.SharePath,
		Backend:     b.cfg.Backend,
		Arch:        b.cfg.Arch,
		LogPath:     b.cfg.LogPath,
		ReapTimeout: b.cfg.ReapTimeout,
		Env:         b.cfg.Env,
		Runner:      b.runner,
		Notifier:    n,
		Files:       b.cfg.Cache,
		Escalator:   b.cfg.Escalator,
		Clock:       b.clock,
		Recorder:    b.recorder,
		Logger:      b.logger,
	}, kind)
	if err != nil {
		b.mu.Unlock()
		return err
	}
	if err := b.log.reset(); err != nil {
		b.mu.Unlock()
		return err
	}
	b.manager = m
	b.buildID = req.BuildID
	b.buildType = req.BuildType
	b.outcome = ""
	b.dependency = ""
	b.waiting = make(map[string]string)
	b.startedAt = b.clock.Now()
	b.setStatus(StatusBuilding)
	b.mu.Unlock()

	b.logger.Info("Starting build", logfields.BuildID(req.BuildID), logfields.BuildType(req.BuildType))
	if err := m.Initiate(req.Files, req.Chroot, req.Args); err != nil {
		b.mu.Lock()
		if b.gen == n.gen && b.status == StatusBuilding {
			b.resetLocked()
		}
		b.mu.Unlock()
		b.logger.Warn("Build rejected", logfields.BuildID(req.BuildID), logfields.Error(err))
		return err
	}
	b.mu.Lock()
	if b.gen == n.gen {
		b.emit(EventBuildStarted, nil)
	}
	b.mu.Unlock()
	return nil
}

// Abort stops the running build.
func (b *Builder) Abort() error {
	b.mu.Lock()
	switch b.status {
	case StatusAborting:
		b.mu.Unlock()
		return nil
	case StatusBuilding:
	default:
		b.mu.Unlock()
		return ErrNotBuilding
	}
	m := b.manager
	b.setStatus(StatusAborting)
	b.emit(EventBuildAborting, nil)
	b.mu.Unlock()

	b.logger.Info("Aborting build", logfields.BuildID(m.BuildID()))
	return m.Abort()
}

// Clean returns a builder whose build has finished to IDLE. Result files
// stay in the file cache.
func (b *Builder) Clean() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.status != StatusWaiting {
		return ErrNotWaiting
	}
	b.emit(EventBuilderCleaned, nil)
	b.resetLocked()
	return nil
}

func (b *Builder) resetLocked() {
	b.manager = nil
	b.buildID = ""
	b.buildType = ""
	b.outcome = ""
	b.dependency = ""
	b.waiting = nil
	b.startedAt = time.Time{}
	b.log.close()
	b.setStatus(StatusIdle)
}

// Status returns a snapshot of the builder.
func (b *Builder) Status() Snapshot {
	b.mu.Lock()
	s := Snapshot{
		Status:     b.status,
		BuildID:    b.buildID,
		BuildType:  b.buildType,
		Outcome:    b.outcome,
		Dependency: b.dependency,
	}
	if len(b.waiting) > 0 {
		s.WaitingFiles = make(map[string]string, len(b.waiting))
		for name, sum := range b.waiting {
			s.WaitingFiles[name] = sum
		}
	}
	if !b.startedAt.IsZero() {
		started := b.startedAt
		s.StartedAt = &started
	}
	m := b.manager
	b.mu.Unlock()

	if m != nil {
		s.State = string(m.State())
	}
	return s
}

// LogTail returns up to n bytes from the end of the build log.
func (b *Builder) LogTail(n int64) ([]byte, error) {
	return b.log.tail(n)
}

// Wait blocks until the current build completes. It returns immediately
// when no build is running.
func (b *Builder) Wait() {
	b.mu.Lock()
	m := b.manager
	b.mu.Unlock()
	if m != nil {
		<-m.Done()
	}
}

// Heartbeat emits the current status as a heartbeat event.
func (b *Builder) Heartbeat() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.emit(EventHeartbeat, nil)
}

func (b *Builder) setStatus(s Status) {
	b.status = s
	b.recorder.SetBuilderStatus(string(s))
}

func (b *Builder) emit(t EventType, files map[string]string) {
	e := Event{
		Type:       t,
		BuildID:    b.buildID,
		BuildType:  b.buildType,
		Status:     b.status,
		Outcome:    b.outcome,
		Dependency: b.dependency,
		Files:      files,
		Time:       b.clock.Now(),
	}
	if !b.startedAt.IsZero() && t == EventBuildCompleted {
		e.Duration = b.clock.Since(b.startedAt)
	}
	b.sink.Emit(e)
}
