package builder

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/buildmanager"
	"git.home.luguber.info/inful/pkgbuildd/internal/filecache"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

type stubHandle struct {
	cmd    process.Command
	onExit process.ExitFunc
}

func (h *stubHandle) PID() int               { return 1 }
func (h *stubHandle) Signal(os.Signal) error { return nil }
func (h *stubHandle) Disconnect()            {}

func (h *stubHandle) op() string {
	if h.cmd.Args[0] == "in-target" {
		return h.cmd.Args[1]
	}
	return h.cmd.Args[0]
}

type stubRunner struct {
	mu      sync.Mutex
	started []*stubHandle
}

func (r *stubRunner) Start(cmd process.Command, onExit process.ExitFunc) (process.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := &stubHandle{cmd: cmd, onExit: onExit}
	r.started = append(r.started, h)
	return h, nil
}

func (r *stubRunner) last() *stubHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[len(r.started)-1]
}

type fixture struct {
	t      *testing.T
	b      *Builder
	runner *stubRunner
	cache  *filecache.Store
	home   string
	mu     sync.Mutex
	events []Event
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	cache, err := filecache.New(filepath.Join(dir, "cache"))
	require.NoError(t, err)

	f := &fixture{t: t, runner: &stubRunner{}, cache: cache, home: filepath.Join(dir, "home")}
	f.b, err = New(Config{
		Home:      f.home,
		SharePath: "/usr/share/pkgbuildd",
		Arch:      "amd64",
		Cache:     cache,
		Runner:    f.runner,
		Clock:     clockwork.NewFakeClock(),
		Sink: SinkFunc(func(e Event) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e)
		}),
	})
	require.NoError(t, err)
	return f
}

func (f *fixture) eventTypes() []EventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]EventType, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

func (f *fixture) finish(op string, code int) {
	f.t.Helper()
	last := f.runner.last()
	require.Equal(f.t, op, last.op())
	last.onExit(code)
}

func (f *fixture) start() {
	f.t.Helper()
	sum, err := f.cache.Put(strings.NewReader("Source: foo\nBuild-Depends: debhelper\n"))
	require.NoError(f.t, err)
	require.NoError(f.t, f.b.StartBuild(Request{
		BuildID:   "42",
		BuildType: "binarypackage",
		Files:     map[string]string{"foo_1.dsc": sum},
		Args:      buildmanager.Args{Distribution: "ubuntu", Suite: "noble", Component: "main"},
	}))
}

func (f *fixture) runToSbuild() {
	f.t.Helper()
	f.finish("builder-prep", 0)
	f.finish("unpack-chroot", 0)
	f.finish("mount-chroot", 0)
	f.finish("update-debian-chroot", 0)
}

func (f *fixture) tearDown() {
	f.t.Helper()
	f.finish("scan-for-processes", 0)
	f.finish("umount-chroot", 0)
	f.finish("remove-build", 0)
}

func (f *fixture) buildPath(name string) string {
	return filepath.Join(f.home, "build-42", name)
}

func TestSuccessfulBuild(t *testing.T) {
	f := newFixture(t)
	f.start()

	s := f.b.Status()
	require.Equal(t, StatusBuilding, s.Status)
	require.Equal(t, "42", s.BuildID)
	require.Equal(t, string(buildmanager.StateInit), s.State)

	target, err := os.Readlink(f.buildPath("foo_1.dsc"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(target, f.cache.Dir()))

	f.runToSbuild()
	f.b.log.WriteString("dpkg-buildpackage: info: source package foo\n")
	require.NoError(t, os.WriteFile(f.buildPath("foo_1_amd64.changes"),
		[]byte("Source: foo\nFiles:\n abc 3 devel optional foo_1_amd64.deb\n"), 0o644))
	require.NoError(t, os.WriteFile(f.buildPath("foo_1_amd64.deb"), []byte("deb"), 0o644))
	f.finish("sbuild-package", 0)
	f.tearDown()

	s = f.b.Status()
	require.Equal(t, StatusWaiting, s.Status)
	require.Equal(t, buildlog.OutcomeOK, s.Outcome)
	require.Len(t, s.WaitingFiles, 2)
	debPath, err := f.cache.Path(s.WaitingFiles["foo_1_amd64.deb"])
	require.NoError(t, err)
	data, err := os.ReadFile(debPath)
	require.NoError(t, err)
	require.Equal(t, "deb", string(data))

	tail, err := f.b.LogTail(1 << 20)
	require.NoError(t, err)
	require.Contains(t, string(tail), "RUN: builder-prep\n")
	require.Contains(t, string(tail), "dpkg-buildpackage: info: source package foo\n")

	require.Equal(t, []EventType{EventBuildStarted, EventBuildCompleted}, f.eventTypes())
	require.Len(t, f.events[1].Files, 2)

	require.NoError(t, f.b.Clean())
	require.Equal(t, StatusIdle, f.b.Status().Status)
	require.Equal(t, EventBuilderCleaned, f.eventTypes()[2])
	require.ErrorIs(t, f.b.Clean(), ErrNotWaiting)
}

func TestDepWaitBuild(t *testing.T) {
	f := newFixture(t)
	f.start()
	f.runToSbuild()
	f.b.log.WriteString("E: Unable to locate package libfoo-dev\n")
	f.finish("sbuild-package", 1)
	f.tearDown()

	s := f.b.Status()
	require.Equal(t, StatusWaiting, s.Status)
	require.Equal(t, buildlog.OutcomeDepFail, s.Outcome)
	require.Equal(t, "libfoo-dev", s.Dependency)
	require.Equal(t, []EventType{EventBuildStarted, EventBuildFailed, EventBuildCompleted}, f.eventTypes())

	tail, err := f.b.LogTail(64)
	require.NoError(t, err)
	require.LessOrEqual(t, len(tail), 64)
}

func TestBuilderIsBusy(t *testing.T) {
	f := newFixture(t)
	f.start()
	err := f.b.StartBuild(Request{BuildID: "43", BuildType: "snap"})
	require.ErrorIs(t, err, ErrBusy)
	require.ErrorIs(t, f.b.Clean(), ErrNotWaiting)
}

func TestRejectedRequestLeavesBuilderIdle(t *testing.T) {
	f := newFixture(t)

	require.Error(t, f.b.StartBuild(Request{BuildID: "1", BuildType: "livefs"}))
	require.Equal(t, StatusIdle, f.b.Status().Status)

	require.Error(t, f.b.StartBuild(Request{BuildID: "1", BuildType: "binarypackage", Args: buildmanager.Args{Distribution: "ubuntu", Suite: "noble", Component: "main"}}))
	require.Equal(t, StatusIdle, f.b.Status().Status)

	require.Error(t, f.b.StartBuild(Request{
		BuildID: "1", BuildType: "binarypackage",
		Files: map[string]string{"foo_1.dsc": strings.Repeat("0", 40)},
		Args:  buildmanager.Args{Distribution: "ubuntu", Suite: "noble", Component: "main"},
	}), "input missing from the cache")
	require.Equal(t, StatusIdle, f.b.Status().Status)
}

func TestAbortBuild(t *testing.T) {
	f := newFixture(t)
	require.ErrorIs(t, f.b.Abort(), ErrNotBuilding)

	f.start()
	f.runToSbuild()
	sbuild := f.runner.last()

	require.NoError(t, f.b.Abort())
	require.Equal(t, StatusAborting, f.b.Status().Status)
	require.NoError(t, f.b.Abort())

	f.finish("scan-for-processes", 0)
	sbuild.onExit(0)
	f.finish("umount-chroot", 0)
	f.finish("remove-build", 0)

	s := f.b.Status()
	require.Equal(t, StatusWaiting, s.Status)
	require.Equal(t, buildlog.OutcomeAborted, s.Outcome)
	require.ErrorIs(t, f.b.Abort(), ErrNotBuilding)
	require.Equal(t, []EventType{EventBuildStarted, EventBuildAborting, EventBuildCompleted}, f.eventTypes())
}

func TestHeartbeat(t *testing.T) {
	f := newFixture(t)
	f.b.Heartbeat()
	require.Equal(t, []EventType{EventHeartbeat}, f.eventTypes())
	require.Equal(t, StatusIdle, f.events[0].Status)
}
