package buildmanager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

type fakeHandle struct {
	mu           sync.Mutex
	pid          int
	cmd          process.Command
	onExit       process.ExitFunc
	signals      []os.Signal
	disconnected bool
	exited       bool
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Signal(sig os.Signal) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exited {
		return process.ErrExited
	}
	h.signals = append(h.signals, sig)
	return nil
}

func (h *fakeHandle) Disconnect() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnected = true
}

func (h *fakeHandle) op() string {
	return commandOp(h.cmd)
}

func (h *fakeHandle) exit(code int) {
	h.mu.Lock()
	h.exited = true
	h.mu.Unlock()
	h.onExit(code)
}

func (h *fakeHandle) signalled() []os.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]os.Signal(nil), h.signals...)
}

func (h *fakeHandle) isDisconnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnected
}

func commandOp(cmd process.Command) string {
	if len(cmd.Args) > 1 && cmd.Args[0] == "in-target" {
		return cmd.Args[1]
	}
	return cmd.Args[0]
}

type fakeRunner struct {
	mu      sync.Mutex
	started []*fakeHandle
	failOps map[string]bool
}

func (r *fakeRunner) Start(cmd process.Command, onExit process.ExitFunc) (process.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failOps[commandOp(cmd)] {
		return nil, fmt.Errorf("cannot start %s", cmd.Path)
	}
	h := &fakeHandle{pid: 1000 + len(r.started), cmd: cmd, onExit: onExit}
	r.started = append(r.started, h)
	return h, nil
}

func (r *fakeRunner) last() *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started[len(r.started)-1]
}

func (r *fakeRunner) ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.started))
	for i, h := range r.started {
		out[i] = h.op()
	}
	return out
}

type fakeNotifier struct {
	mu      sync.Mutex
	calls   []string
	waiting []string
	log     strings.Builder
	addErr  error
}

func (n *fakeNotifier) record(call string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, call)
}

func (n *fakeNotifier) BuildOK()           { n.record("buildOK") }
func (n *fakeNotifier) DepFail(dep string) { n.record("depFail " + dep) }
func (n *fakeNotifier) GiveBack()          { n.record("giveBack") }
func (n *fakeNotifier) BuildFail()         { n.record("buildFail") }
func (n *fakeNotifier) BuilderFail()       { n.record("builderFail") }
func (n *fakeNotifier) ChrootFail()        { n.record("chrootFail") }
func (n *fakeNotifier) BuildComplete()     { n.record("buildComplete") }

func (n *fakeNotifier) Log(text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.log.WriteString(text)
}

func (n *fakeNotifier) AddWaitingFile(p string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.addErr != nil {
		return n.addErr
	}
	n.waiting = append(n.waiting, filepath.Base(p))
	return nil
}

func (n *fakeNotifier) getCalls() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

func (n *fakeNotifier) logText() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.log.String()
}

type harness struct {
	t        *testing.T
	m        *Manager
	runner   *fakeRunner
	notifier *fakeNotifier
	clock    *clockwork.FakeClock
	build    *Build
	logPath  string
}

const testBuildID = "123"

func newHarness(t *testing.T, kind BuildType) *harness {
	t.Helper()
	home := t.TempDir()
	h := &harness{
		t:        t,
		runner:   &fakeRunner{failOps: map[string]bool{}},
		notifier: &fakeNotifier{},
		clock:    clockwork.NewFakeClock(),
		logPath:  filepath.Join(home, "buildlog"),
	}
	m, err := New(Config{
		BuildID:   testBuildID,
		Home:      home,
		SharePath: "/usr/share/pkgbuildd",
		Arch:      "amd64",
		LogPath:   h.logPath,
		Runner:    h.runner,
		Notifier:  h.notifier,
		Clock:     h.clock,
	}, kind)
	require.NoError(t, err)
	h.m = m
	return h
}

func (h *harness) initiate(files map[string]string, args Args) {
	h.t.Helper()
	require.NoError(h.t, h.m.Initiate(files, "chroot-sha1", args))
	h.build = h.m.build
}

// finish asserts that the most recently started helper is op and makes it
// exit with code.
func (h *harness) finish(op string, code int) {
	h.t.Helper()
	last := h.runner.last()
	require.Equal(h.t, op, last.op(), "started helpers: %v", h.runner.ops())
	last.exit(code)
}

func (h *harness) writeLog(text string) {
	h.t.Helper()
	require.NoError(h.t, os.WriteFile(h.logPath, []byte(text), 0o644))
}

func (h *harness) writeBuildFile(rel, text string) string {
	h.t.Helper()
	path := filepath.Join(h.build.Dir, rel)
	require.NoError(h.t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(h.t, os.WriteFile(path, []byte(text), 0o644))
	return path
}

// runUpTo drives a fresh build through the preparation states until the
// helper of the run state has been started.
func (h *harness) runUpTo(run State) {
	h.t.Helper()
	h.finish("builder-prep", 0)
	h.finish("unpack-chroot", 0)
	h.finish("mount-chroot", 0)
	if len(h.build.Args.Archives) > 0 {
		h.finish("override-sources-list", 0)
	}
	h.finish("update-debian-chroot", 0)
	require.Equal(h.t, run, h.m.State())
}

// tearDown finishes the reap, unmount and cleanup helpers successfully.
func (h *harness) tearDown() {
	h.t.Helper()
	h.finish("scan-for-processes", 0)
	h.finish("umount-chroot", 0)
	h.finish("remove-build", 0)
}
