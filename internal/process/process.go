// Package process starts build helpers and reports their exit status
// asynchronously.
package process

import (
	stdErrors "errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/alessio/shellescape"
	"github.com/jonboulle/clockwork"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
)

// ExitSignalBase is added to a signal number to form the exit code of a
// process terminated by that signal.
const ExitSignalBase = 128

// ExitStartFailed is the code reported for a helper that could not be started.
const ExitStartFailed = 127

// ErrExited is returned when signalling a process that has already exited.
var ErrExited = stdErrors.New("process already exited")

// Command describes a helper invocation. Args[0] is the program name as the
// helper sees it.
type Command struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// String renders the argument vector shell-quoted, as echoed to build logs.
func (c Command) String() string {
	return shellescape.QuoteCommand(c.Args)
}

// Handle controls a running helper.
type Handle interface {
	PID() int
	// Signal delivers sig, or returns ErrExited.
	Signal(sig os.Signal) error
	// Disconnect stops relaying output. The exit callback still fires.
	Disconnect()
}

// ExitFunc receives a helper's exit code.
type ExitFunc func(code int)

// Runner starts helpers.
type Runner interface {
	Start(cmd Command, onExit ExitFunc) (Handle, error)
}

// ExecRunner runs helpers as child processes, relaying their combined
// output to Output.
type ExecRunner struct {
	Output io.Writer
	// DrainTimeout bounds how long output is relayed after the process
	// exits, in case a grandchild keeps the pipe open.
	DrainTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// NewExecRunner returns a runner writing helper output to w.
func NewExecRunner(w io.Writer, logger *slog.Logger) *ExecRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		Output:       w,
		DrainTimeout: 5 * time.Second,
		Clock:        clockwork.NewRealClock(),
		Logger:       logger,
	}
}

// Start launches cmd. onExit runs on a separate goroutine once the process
// has exited and its output has been relayed.
func (r *ExecRunner) Start(c Command, onExit ExitFunc) (Handle, error) {
	if len(c.Args) == 0 {
		return nil, errors.ValidationError("empty argument vector").WithContext("path", c.Path).Build()
	}
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, errors.WrapError(err, errors.CategoryProcess, "create output pipe").Build()
	}

	cmd := exec.Command(c.Path)
	cmd.Args = c.Args
	cmd.Env = c.Env
	cmd.Dir = c.Dir
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return nil, errors.WrapError(err, errors.CategoryProcess, "start helper").
			WithContext("path", c.Path).
			Build()
	}
	_ = pw.Close()

	h := &execHandle{cmd: cmd, output: pr, relayed: make(chan struct{})}
	r.Logger.Debug("Started helper", logfields.Command(c.String()), logfields.PID(cmd.Process.Pid))

	out := r.Output
	if out == nil {
		out = io.Discard
	}
	go h.relay(out)
	go h.wait(r.Clock, r.DrainTimeout, onExit)
	return h, nil
}

type execHandle struct {
	cmd        *exec.Cmd
	output     *os.File
	relayed    chan struct{}
	disconnect sync.Once
}

func (h *execHandle) PID() int {
	return h.cmd.Process.Pid
}

func (h *execHandle) Signal(sig os.Signal) error {
	err := h.cmd.Process.Signal(sig)
	if stdErrors.Is(err, os.ErrProcessDone) {
		return ErrExited
	}
	return err
}

func (h *execHandle) Disconnect() {
	h.disconnect.Do(func() { _ = h.output.Close() })
}

func (h *execHandle) relay(w io.Writer) {
	defer close(h.relayed)
	_, _ = io.Copy(w, h.output)
}

func (h *execHandle) wait(clock clockwork.Clock, drain time.Duration, onExit ExitFunc) {
	err := h.cmd.Wait()
	code := exitCode(h.cmd.ProcessState, err)

	select {
	case <-h.relayed:
	case <-clock.After(drain):
		h.Disconnect()
		<-h.relayed
	}
	h.Disconnect()
	if onExit != nil {
		onExit(code)
	}
}

// exitCode folds a terminating signal into the 128+N convention.
func exitCode(state *os.ProcessState, err error) int {
	if state == nil {
		if err != nil {
			return ExitStartFailed
		}
		return 0
	}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return ExitSignalBase + int(ws.Signal())
	}
	return state.ExitCode()
}
