package builder

import (
	"path/filepath"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/buildmanager"
	"git.home.luguber.info/inful/pkgbuildd/internal/logfields"
)

// notifier receives one build's results. Calls from a build the builder
// has since moved on from are dropped.
type notifier struct {
	b   *Builder
	gen uint64
}

var _ buildmanager.Notifier = (*notifier)(nil)

// locked runs fn with the builder lock held if the build is still current.
func (n *notifier) locked(fn func(b *Builder)) {
	b := n.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.gen != n.gen || b.manager == nil {
		return
	}
	fn(b)
}

func (n *notifier) fail(outcome buildlog.Outcome, dependency string) {
	n.locked(func(b *Builder) {
		b.outcome = outcome
		b.dependency = dependency
		b.emit(EventBuildFailed, nil)
	})
}

func (n *notifier) BuildOK() {
	n.locked(func(b *Builder) { b.outcome = buildlog.OutcomeOK })
}

func (n *notifier) DepFail(dependency string) { n.fail(buildlog.OutcomeDepFail, dependency) }
func (n *notifier) GiveBack()                 { n.fail(buildlog.OutcomeGivenBack, "") }
func (n *notifier) BuildFail()                { n.fail(buildlog.OutcomePackageFail, "") }
func (n *notifier) BuilderFail()              { n.fail(buildlog.OutcomeBuilderFail, "") }
func (n *notifier) ChrootFail()               { n.fail(buildlog.OutcomeChrootFail, "") }

// BuildComplete moves the builder to WAITING. An aborted build that reported
// nothing else ends as ABORTED.
func (n *notifier) BuildComplete() {
	n.locked(func(b *Builder) {
		if b.status == StatusAborting && b.outcome == "" {
			b.outcome = buildlog.OutcomeAborted
		}
		if b.outcome == "" {
			b.outcome = buildlog.OutcomeOK
		}
		b.setStatus(StatusWaiting)
		files := make(map[string]string, len(b.waiting))
		for name, sum := range b.waiting {
			files[name] = sum
		}
		b.emit(EventBuildCompleted, files)
		b.logger.Info("Build finished", logfields.BuildID(b.buildID), logfields.Outcome(string(b.outcome)))
	})
}

// AddWaitingFile copies a result into the file cache.
func (n *notifier) AddWaitingFile(path string) error {
	sum, err := n.b.cfg.Cache.AddFile(path)
	if err != nil {
		return err
	}
	n.locked(func(b *Builder) {
		b.waiting[filepath.Base(path)] = sum
		b.logger.Debug("Result stored", logfields.Path(path), logfields.SHA1(sum))
	})
	return nil
}

func (n *notifier) Log(text string) {
	n.locked(func(b *Builder) { b.log.WriteString(text) })
}
