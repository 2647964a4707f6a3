// Package buildmanager drives a single build through its lifecycle:
// preparing the builder, unpacking and mounting the build environment,
// running the type-specific build helper, reaping leftover processes and
// tearing everything down again, reporting exactly one outcome on the way.
//
// Every state runs one external helper; the helper's exit status selects
// the next state. All transitions are serialized on the manager's mutex,
// whether they are driven by a helper exiting, by Abort, or by the abort
// escalation timer.
package buildmanager

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
	"git.home.luguber.info/inful/pkgbuildd/internal/metrics"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

// DefaultReapTimeout is how long an abort waits for the build's processes
// to die before failing the builder.
const DefaultReapTimeout = 120 * time.Second

// abortedExitCode is the status a helper is treated as having when it
// exits cleanly while the build is being aborted.
const abortedExitCode = process.ExitSignalBase + int(syscall.SIGKILL)

var (
	ErrNotInitiated = errors.ConflictError("build has not been initiated").Build()
	ErrInitiated    = errors.ConflictError("build has already been initiated").Build()
	ErrComplete     = errors.ConflictError("build is complete").Build()
)

// Notifier receives the build's results. Exactly one of the failure
// methods or BuildOK is called per build (plus BuilderFail from abort
// escalation), followed by BuildComplete.
type Notifier interface {
	BuildOK()
	DepFail(dependency string)
	GiveBack()
	BuildFail()
	BuilderFail()
	ChrootFail()
	BuildComplete()
	// AddWaitingFile publishes a result file.
	AddWaitingFile(path string) error
	// Log appends text to the build log.
	Log(text string)
}

// FileSource resolves file cache entries to local paths.
type FileSource interface {
	Path(sha1 string) (string, error)
}

// Config wires a Manager to its environment.
type Config struct {
	BuildID string
	// Home holds the per-build directories.
	Home string
	// SharePath holds the helper scripts under bin/.
	SharePath string
	Backend   string
	// Arch is the default architecture tag.
	Arch string
	// LogPath is the build log scanned when classifying failures.
	LogPath     string
	ReapTimeout time.Duration
	Env         []string

	Runner    process.Runner
	Notifier  Notifier
	Files     FileSource
	Escalator *Escalator
	Clock     clockwork.Clock
	Recorder  metrics.Recorder
	Logger    *slog.Logger
}

// running tracks one started helper. The exit callback identifies the
// helper by this pointer, which exists before the process does.
type running struct {
	handle process.Handle
}

type reaping struct {
	run    *running
	state  State
	notify bool
}

// Manager runs one build.
type Manager struct {
	mu       sync.Mutex
	cfg      Config
	kind     BuildType
	helpers  Helpers
	table    stateTable
	logger   *slog.Logger
	recorder metrics.Recorder
	clock    clockwork.Clock

	build        *Build
	chroot       string
	state        State
	initiated    bool
	complete     bool
	done         chan struct{}
	buildStarted time.Time
	stateStarted time.Time

	primary *running
	reaper  *reaping
	reaped  map[State]bool

	aborting      bool
	alreadyFailed bool
	outcome       buildlog.Outcome
	dependency    string

	// reported is set once a failure has reached the notifier. An abort
	// marks the build failed without reporting anything.
	reported bool

	escalationSeq    uint64
	escalationGen    uint64
	escalationTarget *running
}

// New creates a manager for one build of the given type.
func New(cfg Config, kind BuildType) (*Manager, error) {
	if err := validateID(cfg.BuildID); err != nil {
		return nil, err
	}
	if cfg.Runner == nil || cfg.Notifier == nil {
		return nil, errors.ConfigError("build manager requires a runner and a notifier").Build()
	}
	if cfg.ReapTimeout <= 0 {
		cfg.ReapTimeout = DefaultReapTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Escalator == nil {
		cfg.Escalator = NewEscalator(cfg.Clock)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Backend == "" {
		cfg.Backend = "chroot"
	}

	m := &Manager{
		cfg:      cfg,
		kind:     kind,
		helpers:  Helpers{SharePath: cfg.SharePath, Backend: cfg.Backend, Env: cfg.Env},
		logger:   cfg.Logger.With(logfields.BuildID(cfg.BuildID), logfields.BuildType(kind.Name())),
		recorder: metrics.OrNoop(cfg.Recorder),
		clock:    cfg.Clock,
		reaped:   make(map[State]bool),
		done:     make(chan struct{}),
	}

	run := kind.RunState()
	m.table = newStateTable(StateInit, StateUnpack, StateMount, StateSources, StateUpdate, run, StateUmount, StateCleanup)
	m.table.start[StateInit] = m.doInit
	m.table.start[StateUnpack] = m.doUnpack
	m.table.start[StateMount] = m.inTarget("mount-chroot")
	m.table.start[StateSources] = m.doSources
	m.table.start[StateUpdate] = m.inTarget("update-debian-chroot")
	m.table.start[run] = m.doRunBuild
	m.table.start[StateUmount] = m.inTarget("umount-chroot")
	m.table.start[StateCleanup] = m.inTarget("remove-build")

	m.table.iterate[StateInit] = m.iterateInit
	m.table.iterate[StateUnpack] = m.iterateUnpack
	m.table.iterate[StateMount] = m.iterateMount
	m.table.iterate[StateSources] = m.iterateChrootStep(StateUpdate)
	m.table.iterate[StateUpdate] = m.iterateChrootStep(run)
	m.table.iterate[run] = m.iterateBuild
	m.table.iterate[StateUmount] = m.iterateUmount
	m.table.iterate[StateCleanup] = m.iterateCleanup

	for _, s := range []State{StateSources, StateUpdate, run} {
		m.table.reap[s] = m.iterateReapToUmount
	}
	if err := m.table.validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func validateID(id string) error {
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return errors.ValidationError("invalid build id").WithContext("build_id", id).Build()
	}
	return nil
}

// Initiate links the build's input files into its directory and starts
// the INIT helper. files maps file names to file cache checksums; chroot
// names the build environment image in the file cache.
func (m *Manager) Initiate(files map[string]string, chroot string, args Args) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.initiated {
		return ErrInitiated
	}
	arch := args.ArchTag
	if arch == "" {
		arch = m.cfg.Arch
	}
	dir := filepath.Join(m.cfg.Home, "build-"+m.cfg.BuildID)
	b := &Build{
		ID:    m.cfg.BuildID,
		Type:  m.kind.Name(),
		Arch:  arch,
		Args:  args,
		Files: files,
		Dir:   dir,
		Root:  filepath.Join(dir, "chroot-autobuild"),
	}
	if b.Args.ImageType == "" {
		b.Args.ImageType = "chroot"
	}
	if err := m.kind.Prepare(b); err != nil {
		return err
	}
	if err := m.linkFiles(b); err != nil {
		return err
	}
	if chroot != "" && m.cfg.Files != nil {
		path, err := m.cfg.Files.Path(chroot)
		if err != nil {
			return err
		}
		chroot = path
	}
	m.build = b
	m.chroot = chroot
	m.initiated = true
	m.buildStarted = m.clock.Now()
	m.logger.Info("Initiating build", slog.String("arch", b.Arch), slog.String("series", b.Series()))
	return m.enter(StateInit)
}

func (m *Manager) linkFiles(b *Build) error {
	if err := os.MkdirAll(b.Dir, 0o755); err != nil {
		return errors.WrapError(err, errors.CategoryFileSystem, "create build directory").
			WithContext("path", b.Dir).
			Build()
	}
	for name, sum := range b.Files {
		if name == "" || filepath.Base(name) != name {
			return errors.ValidationError("invalid input file name").WithContext("file", name).Build()
		}
		if m.cfg.Files == nil {
			continue
		}
		src, err := m.cfg.Files.Path(sum)
		if err != nil {
			return err
		}
		dst := b.Path(name)
		_ = os.Remove(dst)
		if err := os.Symlink(src, dst); err != nil {
			return errors.WrapError(err, errors.CategoryFileSystem, "link input file").
				WithContext("file", name).
				Build()
		}
	}
	return nil
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Outcome returns the reported outcome and dependency; OK until a failure
// is recorded.
func (m *Manager) Outcome() (buildlog.Outcome, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.outcomeLocked(), m.dependency
}

func (m *Manager) outcomeLocked() buildlog.Outcome {
	if m.outcome == "" {
		return buildlog.OutcomeOK
	}
	return m.outcome
}

// BuildID returns the build's identifier.
func (m *Manager) BuildID() string {
	return m.cfg.BuildID
}

// Done is closed once BuildComplete has been reported.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Iterate advances the state machine as though the active helper had
// exited with code.
func (m *Manager) Iterate(code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.iterate(code)
}

// IterateReap advances the state machine as though the process reaper
// started from state had exited with code.
func (m *Manager) IterateReap(state State, code int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case !m.initiated:
		return ErrNotInitiated
	case m.complete:
		return ErrComplete
	}
	if m.reaper != nil {
		if m.escalationTarget == m.reaper.run {
			m.disarmEscalation()
		}
		m.reaper = nil
	}
	return m.iterateReap(state, code)
}

func (m *Manager) iterate(code int) error {
	switch {
	case !m.initiated:
		return ErrNotInitiated
	case m.complete:
		return ErrComplete
	}
	if m.primary != nil && m.escalationTarget == m.primary {
		m.disarmEscalation()
	}
	m.primary = nil
	if m.aborting && code == 0 {
		code = abortedExitCode
	}

	state := m.state
	elapsed := m.clock.Since(m.stateStarted)
	m.recorder.ObserveStateDuration(string(state), elapsed)
	m.recorder.IncStateResult(string(state), m.resultLabel(code))
	m.logger.Info("State finished", logfields.State(string(state)), logfields.ExitCode(code),
		logfields.DurationMS(float64(elapsed.Milliseconds())))

	handler, ok := m.table.iterate[state]
	if !ok {
		return errors.InternalError(fmt.Sprintf("no handler for state %s", state)).Build()
	}
	return handler(code)
}

func (m *Manager) iterateReap(state State, code int) error {
	handler, ok := m.table.reap[state]
	if !ok {
		return errors.InternalError(fmt.Sprintf("no reap handler for state %s", state)).Build()
	}
	m.logger.Debug("Reap finished", logfields.State(string(state)), logfields.ExitCode(code))
	return handler(code)
}

func (m *Manager) resultLabel(code int) metrics.ResultLabel {
	switch {
	case m.aborting:
		return metrics.ResultAborted
	case code == 0:
		return metrics.ResultSuccess
	default:
		return metrics.ResultFailure
	}
}

// advance moves forward to next and starts its helper.
func (m *Manager) advance(next State) error {
	if m.table.index(next) <= m.table.index(m.state) {
		return errors.InternalError(fmt.Sprintf("illegal transition %s -> %s", m.state, next)).Build()
	}
	return m.enter(next)
}

func (m *Manager) enter(state State) error {
	m.state = state
	m.stateStarted = m.clock.Now()
	m.logger.Debug("Entering state", logfields.State(string(state)))
	return m.table.start[state]()
}

// runHelper starts cmd as the active helper. A helper that cannot be
// started is treated as having exited with process.ExitStartFailed.
func (m *Manager) runHelper(cmd process.Command) error {
	m.cfg.Notifier.Log("RUN: " + cmd.String() + "\n")
	run := &running{}
	handle, err := m.cfg.Runner.Start(cmd, func(code int) { m.helperExited(run, code) })
	if err != nil {
		m.cfg.Notifier.Log(fmt.Sprintf("Failed to start %s: %v\n", cmd.Path, err))
		m.logger.Error("Failed to start helper", logfields.Command(cmd.String()), logfields.Error(err))
		return m.iterate(process.ExitStartFailed)
	}
	run.handle = handle
	m.primary = run
	return nil
}

func (m *Manager) helperExited(run *running, code int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	switch {
	case run == m.primary:
		err = m.iterate(code)
	case m.reaper != nil && run == m.reaper.run:
		err = m.reaperExited(code)
	default:
		m.logger.Debug("Ignoring exit of detached helper", logfields.ExitCode(code))
	}
	if err != nil {
		m.logger.Error("State transition failed", logfields.State(string(m.state)), logfields.Error(err))
	}
}

// reapProcesses kills anything still running in the build environment.
// Each state is reaped at most once; asking again proceeds straight to the
// reap handler when notify is set.
func (m *Manager) reapProcesses(state State, notify bool) error {
	if m.reaped[state] {
		m.cfg.Notifier.Log(fmt.Sprintf("Already reaped from state %s...\n", state))
		if notify {
			return m.iterateReap(state, 0)
		}
		return nil
	}
	m.reaped[state] = true

	cmd := m.helpers.InTarget(m.build, "scan-for-processes")
	m.cfg.Notifier.Log("RUN: " + cmd.String() + "\n")
	run := &running{}
	handle, err := m.cfg.Runner.Start(cmd, func(code int) { m.helperExited(run, code) })
	if err != nil {
		m.cfg.Notifier.Log(fmt.Sprintf("Failed to start %s: %v\n", cmd.Path, err))
		if notify {
			return m.iterateReap(state, process.ExitStartFailed)
		}
		return nil
	}
	run.handle = handle
	m.reaper = &reaping{run: run, state: state, notify: notify}
	return nil
}

func (m *Manager) reaperExited(code int) error {
	r := m.reaper
	m.reaper = nil
	if m.escalationTarget == r.run {
		m.disarmEscalation()
	}
	if !r.notify {
		return nil
	}
	return m.iterateReap(r.state, code)
}

// fail records the build's outcome and notifies it. Only the first
// failure of a build is reported.
func (m *Manager) fail(outcome buildlog.Outcome, dependency string) {
	if m.alreadyFailed {
		return
	}
	m.alreadyFailed = true
	m.reported = true
	m.outcome = outcome
	m.dependency = dependency

	n := m.cfg.Notifier
	n.Log("Returning build status: " + string(outcome) + "\n")
	switch outcome {
	case buildlog.OutcomeDepFail:
		n.Log("Dependencies: " + dependency + "\n")
		n.DepFail(dependency)
	case buildlog.OutcomeGivenBack:
		n.GiveBack()
	case buildlog.OutcomePackageFail:
		n.BuildFail()
	case buildlog.OutcomeChrootFail:
		n.ChrootFail()
	default:
		n.BuilderFail()
	}
	m.logger.Info("Build failed", logfields.Outcome(string(outcome)), logfields.Dependency(dependency))
}

// Generic state handlers.

func (m *Manager) doInit() error {
	return m.runHelper(m.helpers.Script("builder-prep"))
}

func (m *Manager) doUnpack() error {
	return m.runHelper(m.helpers.InTarget(m.build, "unpack-chroot", "--image-type", m.build.Args.ImageType, m.chroot))
}

func (m *Manager) doSources() error {
	return m.runHelper(m.helpers.InTarget(m.build, "override-sources-list", m.build.Args.Archives...))
}

func (m *Manager) doRunBuild() error {
	cmd, err := m.kind.Command(m.build, m.helpers)
	if err != nil {
		m.cfg.Notifier.Log(fmt.Sprintf("Failed to prepare build: %v\n", err))
		m.logger.Error("Failed to prepare build command", logfields.Error(err))
		return m.iterate(process.ExitStartFailed)
	}
	return m.runHelper(cmd)
}

func (m *Manager) inTarget(op string) func() error {
	return func() error { return m.runHelper(m.helpers.InTarget(m.build, op)) }
}

func (m *Manager) iterateInit(code int) error {
	if code != 0 {
		m.fail(buildlog.OutcomeBuilderFail, "")
		return m.advance(StateCleanup)
	}
	return m.advance(StateUnpack)
}

func (m *Manager) iterateUnpack(code int) error {
	if code != 0 {
		m.fail(buildlog.OutcomeChrootFail, "")
		return m.advance(StateCleanup)
	}
	return m.advance(StateMount)
}

func (m *Manager) iterateMount(code int) error {
	if code != 0 {
		m.fail(buildlog.OutcomeChrootFail, "")
		return m.advance(StateUmount)
	}
	if len(m.build.Args.Archives) > 0 {
		return m.advance(StateSources)
	}
	return m.advance(StateUpdate)
}

// iterateChrootStep handles SOURCES and UPDATE, which run with the build
// environment mounted and so must reap before unmounting on failure.
func (m *Manager) iterateChrootStep(next State) stateFunc {
	return func(code int) error {
		if code != 0 {
			m.fail(buildlog.OutcomeChrootFail, "")
			return m.reapProcesses(m.state, true)
		}
		return m.advance(next)
	}
}

func (m *Manager) iterateBuild(code int) error {
	if m.aborting {
		m.logger.Info("Build helper exited during abort", logfields.ExitCode(code))
	} else if c := m.classify(code); c.Outcome != buildlog.OutcomeOK {
		m.fail(c.Outcome, c.Dependency)
	}
	return m.reapProcesses(m.state, true)
}

func (m *Manager) iterateReapToUmount(int) error {
	return m.advance(StateUmount)
}

func (m *Manager) iterateUmount(code int) error {
	if code != 0 {
		m.fail(buildlog.OutcomeBuilderFail, "")
	}
	return m.advance(StateCleanup)
}

func (m *Manager) iterateCleanup(code int) error {
	if code != 0 {
		m.fail(buildlog.OutcomeBuilderFail, "")
	} else if !m.alreadyFailed {
		m.cfg.Notifier.BuildOK()
	}
	m.complete = true
	outcome := m.outcomeLocked()
	elapsed := m.clock.Since(m.buildStarted)
	m.recorder.IncBuildOutcome(string(outcome))
	m.recorder.ObserveBuildDuration(m.kind.Name(), elapsed)
	m.logger.Info("Build complete", logfields.Outcome(string(outcome)),
		logfields.DurationMS(float64(elapsed.Milliseconds())))
	m.cfg.Notifier.BuildComplete()
	close(m.done)
	return nil
}

// classify turns the build helper's exit status into an outcome, gathering
// results on success. Any failure inside classification counts as a
// package failure rather than stalling the build.
func (m *Manager) classify(code int) (c buildlog.Classification) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Classification panicked", slog.Any("panic", r))
			m.cfg.Notifier.Log(fmt.Sprintf("Failed to classify build result: %v\n", r))
			c = buildlog.Classification{Outcome: buildlog.OutcomePackageFail}
		}
	}()

	raw := m.kind.Codes().Outcome(code)
	if raw == buildlog.OutcomeOK {
		return m.gather()
	}

	c, err := m.kind.Rules().ClassifyFile(m.cfg.LogPath, raw)
	if err != nil {
		m.logger.Warn("Failed to scan build log", logfields.Error(err))
		if raw == buildlog.OutcomeDepFail {
			raw = buildlog.OutcomePackageFail
		}
		return buildlog.Classification{Outcome: raw}
	}
	if !c.NeedsAnalysis {
		return c
	}

	dep, ok, err := m.kind.Analyze(m.build)
	switch {
	case err != nil:
		m.logger.Warn("Dependency analysis failed", logfields.Error(err))
		m.cfg.Notifier.Log(fmt.Sprintf("Failed to analyse dependency wait: %v\n", err))
		return buildlog.Classification{Outcome: buildlog.OutcomePackageFail}
	case !ok:
		return buildlog.Classification{Outcome: buildlog.OutcomePackageFail}
	}
	c.Dependency = dep
	return c
}

func (m *Manager) gather() buildlog.Classification {
	files, err := m.kind.Gather(m.build)
	if err != nil {
		m.logger.Warn("Failed to gather results", logfields.Error(err))
		m.cfg.Notifier.Log(fmt.Sprintf("Failed to gather results: %v\n", err))
		return buildlog.Classification{Outcome: buildlog.OutcomePackageFail}
	}
	for _, path := range files {
		if err := m.cfg.Notifier.AddWaitingFile(path); err != nil {
			err = errors.WrapError(err, errors.CategoryPackage, "store result").
				WithContext("file", filepath.Base(path)).
				Build()
			m.logger.Error("Failed to store result", logfields.Path(path), logfields.Error(err))
			m.cfg.Notifier.Log(fmt.Sprintf("Failed to store %s: %v\n", filepath.Base(path), err))
			return buildlog.Classification{Outcome: buildlog.OutcomePackageFail}
		}
	}
	return buildlog.Classification{Outcome: buildlog.OutcomeOK}
}
