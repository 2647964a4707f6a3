package buildmanager

import (
	stdErrors "errors"
	"fmt"
	"syscall"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

// Abort stops the build. Processes in the build environment are reaped
// and the machine then tears down as for a failed build, without reporting
// a build outcome. If the build's processes are still alive once the reap
// timeout passes, the builder is failed and the helpers are killed.
func (m *Manager) Abort() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case !m.initiated:
		return ErrNotInitiated
	case m.complete, m.aborting:
		return nil
	}
	m.aborting = true
	if !m.alreadyFailed {
		m.alreadyFailed = true
		m.outcome = buildlog.OutcomeAborted
	}
	m.logger.Info("Aborting build", logfields.State(string(m.state)))
	m.cfg.Notifier.Log(fmt.Sprintf("Aborting build in state %s\n", m.state))

	switch {
	case m.primary != nil:
		target := m.primary
		if err := m.reapProcesses(m.state, false); err != nil {
			return err
		}
		m.armEscalation(target)
		return nil
	case m.reaper != nil:
		m.armEscalation(m.reaper.run)
		return nil
	default:
		return m.iterate(abortedExitCode)
	}
}

func (m *Manager) armEscalation(target *running) {
	m.escalationSeq++
	gen := m.escalationSeq
	m.escalationGen = gen
	m.escalationTarget = target
	m.cfg.Escalator.Arm(m.cfg.BuildID, m.cfg.ReapTimeout, func() { m.escalate(gen) })
}

func (m *Manager) disarmEscalation() {
	m.escalationGen = 0
	m.escalationTarget = nil
	m.cfg.Escalator.Cancel(m.cfg.BuildID)
}

// escalate runs when the build's processes outlived the reap timeout.
func (m *Manager) escalate(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen == 0 || gen != m.escalationGen || m.complete {
		return
	}
	m.escalationGen = 0
	m.escalationTarget = nil

	m.logger.Error("Processes survived abort; failing builder", logfields.State(string(m.state)))
	m.cfg.Notifier.Log("ABORTING: Failed to kill all processes.\n")
	m.recorder.IncAbortEscalation()
	if !m.reported {
		m.reported = true
		m.outcome = buildlog.OutcomeBuilderFail
		m.cfg.Notifier.BuilderFail()
	}

	if m.primary != nil {
		m.kill(m.primary)
	}
	r := m.reaper
	if r == nil {
		return
	}
	m.kill(r.run)
	m.reaper = nil
	if r.notify {
		if err := m.iterateReap(r.state, abortedExitCode); err != nil {
			m.logger.Error("State transition failed", logfields.State(string(m.state)), logfields.Error(err))
		}
	}
}

func (m *Manager) kill(run *running) {
	if run.handle == nil {
		return
	}
	if err := run.handle.Signal(syscall.SIGKILL); err != nil {
		if stdErrors.Is(err, process.ErrExited) {
			m.cfg.Notifier.Log("ABORTING: Process Exited Already\n")
		} else {
			m.logger.Warn("Failed to kill helper", logfields.PID(run.handle.PID()), logfields.Error(err))
		}
	}
	run.handle.Disconnect()
}
