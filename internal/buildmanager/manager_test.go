package buildmanager

import (
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/pkgbuildd/internal/aptindex"
	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

var binaryFiles = map[string]string{"foo_1.dsc": "dsc-sha1"}

var binaryArgs = Args{
	Distribution:   "ubuntu",
	Suite:          "noble-proposed",
	Component:      "main",
	ArchivePurpose: "PRIMARY",
}

func newBinaryHarness(t *testing.T) *harness {
	h := newHarness(t, &BinaryPackage{})
	h.initiate(binaryFiles, binaryArgs)
	return h
}

const changesFile = `Format: 1.8
Source: foo
Version: 1
Files:
 0123456789abcdef0123456789abcdef 1000 devel optional foo_1_amd64.deb
 fedcba9876543210fedcba9876543210 2000 devel optional foo_1_amd64.buildinfo
`

func TestBinaryPackageSuccess(t *testing.T) {
	h := newBinaryHarness(t)
	require.Equal(t, StateInit, h.m.State())

	h.runUpTo(StateSbuild)
	sbuild := h.runner.last()
	require.Equal(t, "/usr/share/pkgbuildd/bin/sbuild-package", sbuild.cmd.Path)
	require.Equal(t, []string{
		"sbuild-package", "123", "amd64", "noble-proposed",
		"-c", "chroot:build-123", "--arch=amd64", "--archive=ubuntu", "--dist=noble-proposed", "--nolog",
		"--purpose=PRIMARY", "--comp=main", "foo_1.dsc",
	}, sbuild.cmd.Args)

	h.writeBuildFile("foo_1_amd64.changes", changesFile)
	h.finish("sbuild-package", 0)
	require.Equal(t, []string{"foo_1_amd64.changes", "foo_1_amd64.deb", "foo_1_amd64.buildinfo"}, h.notifier.waiting)

	h.tearDown()
	require.Equal(t, []string{"buildOK", "buildComplete"}, h.notifier.getCalls())
	outcome, _ := h.m.Outcome()
	require.Equal(t, buildlog.OutcomeOK, outcome)

	select {
	case <-h.m.Done():
	default:
		t.Fatal("Done not closed after completion")
	}
	require.ErrorIs(t, h.m.Iterate(0), ErrComplete)
}

func TestHelperInvocations(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)

	started := h.runner.started
	require.Equal(t, []string{"builder-prep"}, started[0].cmd.Args)
	require.Equal(t, []string{
		"in-target", "unpack-chroot", "--backend=chroot", "--series=noble", "--arch=amd64", "123",
		"--image-type", "chroot", "chroot-sha1",
	}, started[1].cmd.Args)
	require.Equal(t, "/usr/share/pkgbuildd/bin/in-target", started[2].cmd.Path)
	require.Contains(t, h.notifier.logText(),
		"RUN: in-target mount-chroot --backend=chroot --series=noble --arch=amd64 123\n")
}

func TestSourcesStateWhenArchivesGiven(t *testing.T) {
	h := newHarness(t, &BinaryPackage{})
	args := binaryArgs
	args.Archives = []string{"deb http://archive.example/ubuntu noble main"}
	h.initiate(binaryFiles, args)

	h.finish("builder-prep", 0)
	h.finish("unpack-chroot", 0)
	h.finish("mount-chroot", 0)
	require.Equal(t, StateSources, h.m.State())
	require.Equal(t, "deb http://archive.example/ubuntu noble main", h.runner.last().cmd.Args[6])

	h.finish("override-sources-list", 1)
	h.finish("scan-for-processes", 0)
	h.finish("umount-chroot", 0)
	h.finish("remove-build", 0)
	require.Equal(t, []string{"chrootFail", "buildComplete"}, h.notifier.getCalls())
}

func TestMissingChangesIsPackageFailure(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)

	h.finish("sbuild-package", 0)
	h.tearDown()
	require.Equal(t, []string{"buildFail", "buildComplete"}, h.notifier.getCalls())
	require.Contains(t, h.notifier.logText(), "Failed to gather results")
}

func TestStoreFailureIsPackageFailure(t *testing.T) {
	h := newBinaryHarness(t)
	h.notifier.addErr = os.ErrPermission
	h.runUpTo(StateSbuild)

	h.writeBuildFile("foo_1_amd64.changes", changesFile)
	h.finish("sbuild-package", 0)
	h.tearDown()
	require.Equal(t, []string{"buildFail", "buildComplete"}, h.notifier.getCalls())
	outcome, _ := h.m.Outcome()
	require.Equal(t, buildlog.OutcomePackageFail, outcome)
	require.Contains(t, h.notifier.logText(), "Failed to store foo_1_amd64.changes")
}

func TestSbuildFailures(t *testing.T) {
	tests := []struct {
		name  string
		code  int
		log   string
		calls []string
	}{
		{"depfail from log", 1, "E: Unable to locate package enoent\n", []string{"depFail enoent", "buildComplete"}},
		{"unexplained depfail", 1, "nothing useful\n", []string{"buildFail", "buildComplete"}},
		{"given back by code", 2, "", []string{"giveBack", "buildComplete"}},
		{"given back by log", 3, "E: There are problems and -y was used without --force-yes\n", []string{"giveBack", "buildComplete"}},
		{"package failure", 3, "dpkg-buildpackage: error\n", []string{"buildFail", "buildComplete"}},
		{"builder failure", 4, "", []string{"builderFail", "buildComplete"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newBinaryHarness(t)
			h.runUpTo(StateSbuild)
			h.writeLog(tt.log)
			h.finish("sbuild-package", tt.code)
			h.tearDown()
			require.Equal(t, tt.calls, h.notifier.getCalls())
		})
	}
}

const uninstallableLog = "The following packages have unmet dependencies:\n" +
	" sbuild-build-depends-foo-dummy : Depends: foo (>= 2.0) but it is not going to be installed\n" +
	"Fail-Stage: install-deps\n"

func writeAptLists(t *testing.T, h *harness, packages string) {
	t.Helper()
	h.writeBuildFile(filepath.Join("chroot-autobuild", aptindex.ListsDir, "archive_Packages"), packages)
}

func TestDepFailAnalysis(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)
	h.writeBuildFile("foo_1.dsc", "Source: foo\nBuild-Depends: foo (>= 2.0), bar\n")
	writeAptLists(t, h, "Package: foo\nVersion: 1.0\n\nPackage: bar\nVersion: 1.0\n")
	h.writeLog(uninstallableLog)

	h.finish("sbuild-package", 1)
	h.tearDown()
	require.Equal(t, []string{"depFail foo (>= 2.0)", "buildComplete"}, h.notifier.getCalls())
	outcome, dep := h.m.Outcome()
	require.Equal(t, buildlog.OutcomeDepFail, outcome)
	require.Equal(t, "foo (>= 2.0)", dep)
}

func TestDepFailAnalysisAllSatisfied(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)
	h.writeBuildFile("foo_1.dsc", "Source: foo\nBuild-Depends: foo (>= 2.0)\n")
	writeAptLists(t, h, "Package: foo\nVersion: 2.1\n")
	h.writeLog(uninstallableLog)

	h.finish("sbuild-package", 1)
	h.tearDown()
	require.Equal(t, []string{"buildFail", "buildComplete"}, h.notifier.getCalls())
}

func TestDepFailAnalysisError(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)
	h.writeLog(uninstallableLog)

	h.finish("sbuild-package", 1)
	h.tearDown()
	require.Equal(t, []string{"buildFail", "buildComplete"}, h.notifier.getCalls())
	require.Contains(t, h.notifier.logText(), "Failed to analyse dependency wait: [dependency:error] read source package")
}

func TestGenericStateFailures(t *testing.T) {
	t.Run("init", func(t *testing.T) {
		h := newBinaryHarness(t)
		h.finish("builder-prep", 1)
		h.finish("remove-build", 0)
		require.Equal(t, []string{"builderFail", "buildComplete"}, h.notifier.getCalls())
	})
	t.Run("unpack", func(t *testing.T) {
		h := newBinaryHarness(t)
		h.finish("builder-prep", 0)
		h.finish("unpack-chroot", 1)
		h.finish("remove-build", 0)
		require.Equal(t, []string{"chrootFail", "buildComplete"}, h.notifier.getCalls())
	})
	t.Run("mount", func(t *testing.T) {
		h := newBinaryHarness(t)
		h.finish("builder-prep", 0)
		h.finish("unpack-chroot", 0)
		h.finish("mount-chroot", 1)
		h.finish("umount-chroot", 0)
		h.finish("remove-build", 0)
		require.Equal(t, []string{"chrootFail", "buildComplete"}, h.notifier.getCalls())
	})
	t.Run("update", func(t *testing.T) {
		h := newBinaryHarness(t)
		h.finish("builder-prep", 0)
		h.finish("unpack-chroot", 0)
		h.finish("mount-chroot", 0)
		h.finish("update-debian-chroot", 100)
		h.tearDown()
		require.Equal(t, []string{"chrootFail", "buildComplete"}, h.notifier.getCalls())
	})
	t.Run("umount", func(t *testing.T) {
		h := newBinaryHarness(t)
		h.runUpTo(StateSbuild)
		h.writeBuildFile("foo_1_amd64.changes", changesFile)
		h.finish("sbuild-package", 0)
		h.finish("scan-for-processes", 0)
		h.finish("umount-chroot", 1)
		h.finish("remove-build", 0)
		require.Equal(t, []string{"builderFail", "buildComplete"}, h.notifier.getCalls())
	})
	t.Run("cleanup", func(t *testing.T) {
		h := newBinaryHarness(t)
		h.finish("builder-prep", 1)
		h.finish("remove-build", 1)
		require.Equal(t, []string{"builderFail", "buildComplete"}, h.notifier.getCalls())
	})
}

func TestStartFailureCountsAsHelperFailure(t *testing.T) {
	h := newBinaryHarness(t)
	h.runner.failOps["mount-chroot"] = true

	h.finish("builder-prep", 0)
	h.finish("unpack-chroot", 0)
	require.Equal(t, StateUmount, h.m.State())
	h.finish("umount-chroot", 0)
	h.finish("remove-build", 0)
	require.Equal(t, []string{"chrootFail", "buildComplete"}, h.notifier.getCalls())
	require.Contains(t, h.notifier.logText(), "Failed to start")
}

func TestReapOnlyOncePerState(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)
	h.writeLog("")
	h.finish("sbuild-package", 3)
	require.Equal(t, "scan-for-processes", h.runner.last().op())

	h.m.mu.Lock()
	err := h.m.reapProcesses(StateSbuild, false)
	h.m.mu.Unlock()
	require.NoError(t, err)
	require.Equal(t, "scan-for-processes", h.runner.last().op(), "no second reaper")
	require.Contains(t, h.notifier.logText(), "Already reaped from state SBUILD")
}

func TestIterateBeforeInitiate(t *testing.T) {
	h := newHarness(t, &BinaryPackage{})
	require.ErrorIs(t, h.m.Iterate(0), ErrNotInitiated)
	require.ErrorIs(t, h.m.IterateReap(StateSbuild, 0), ErrNotInitiated)
	require.ErrorIs(t, h.m.Abort(), ErrNotInitiated)
	require.Empty(t, h.runner.ops())
}

func TestInitiateTwice(t *testing.T) {
	h := newBinaryHarness(t)
	require.ErrorIs(t, h.m.Initiate(binaryFiles, "", binaryArgs), ErrInitiated)
}

func TestInitiateValidation(t *testing.T) {
	h := newHarness(t, &BinaryPackage{})
	require.Error(t, h.m.Initiate(map[string]string{"foo.tar.gz": "x"}, "", binaryArgs), "no dsc")
	for _, missing := range []string{"distribution", "suite", "ogrecomponent"} {
		args := binaryArgs
		switch missing {
		case "distribution":
			args.Distribution = ""
		case "suite":
			args.Suite = " "
		case "ogrecomponent":
			args.Component = ""
		}
		err := h.m.Initiate(binaryFiles, "", args)
		require.True(t, errors.HasCategory(err, errors.CategoryConfig), "missing %s: %v", missing, err)
		require.Contains(t, err.Error(), "requires "+missing)
	}
	require.Error(t, h.m.Initiate(binaryFiles, "", Args{Suite: "noble"}))

	h = newHarness(t, &BinaryPackage{})
	require.Error(t, h.m.Initiate(map[string]string{"../foo_1.dsc": "x"}, "", binaryArgs))
	require.Empty(t, h.runner.ops())
}

func TestNewRejectsBadInput(t *testing.T) {
	_, err := New(Config{BuildID: "a/b", Runner: &fakeRunner{}, Notifier: &fakeNotifier{}}, &Snap{})
	require.Error(t, err)

	_, err = New(Config{BuildID: "1"}, &Snap{})
	require.Error(t, err)

	_, err = New(Config{BuildID: "1", Runner: &fakeRunner{}, Notifier: &fakeNotifier{}}, &clashingType{})
	require.Error(t, err, "run state colliding with a generic state")
}

type clashingType struct{ Snap }

func (clashingType) RunState() State { return StateUpdate }

func TestTransitionsOnlyMoveForward(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)

	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	require.Error(t, h.m.advance(StateMount))
	require.Error(t, h.m.advance(StateSbuild))
	require.Equal(t, StateSbuild, h.m.state)
}

type panickyType struct{ BinaryPackage }

func (panickyType) Gather(*Build) ([]string, error) { panic("boom") }

func TestClassificationPanicIsPackageFailure(t *testing.T) {
	h := newHarness(t, &panickyType{})
	h.initiate(binaryFiles, binaryArgs)
	h.runUpTo(StateSbuild)

	h.finish("sbuild-package", 0)
	h.tearDown()
	require.Equal(t, []string{"buildFail", "buildComplete"}, h.notifier.getCalls())
}

func TestPublicIterateDrivesMachine(t *testing.T) {
	h := newBinaryHarness(t)
	require.NoError(t, h.m.Iterate(0))
	require.Equal(t, StateUnpack, h.m.State())
	require.NoError(t, h.m.Iterate(1))
	require.Equal(t, StateCleanup, h.m.State())
	require.NoError(t, h.m.Iterate(0))
	require.Equal(t, []string{"chrootFail", "buildComplete"}, h.notifier.getCalls())
}

func TestAbortDuringBuild(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)
	sbuild := h.runner.last()

	require.NoError(t, h.m.Abort())
	require.NoError(t, h.m.Abort(), "abort is idempotent")
	require.Equal(t, "scan-for-processes", h.runner.last().op())
	require.True(t, h.m.cfg.Escalator.Pending(testBuildID))

	h.finish("scan-for-processes", 0)
	require.Equal(t, StateSbuild, h.m.State(), "reap without notification does not advance")

	sbuild.exit(0)
	require.False(t, h.m.cfg.Escalator.Pending(testBuildID))
	require.Equal(t, StateUmount, h.m.State())
	h.finish("umount-chroot", 0)
	h.finish("remove-build", 0)

	require.Equal(t, []string{"buildComplete"}, h.notifier.getCalls())
	outcome, _ := h.m.Outcome()
	require.Equal(t, buildlog.OutcomeAborted, outcome)
	require.Empty(t, sbuild.signalled())
}

func TestAbortDuringUpdate(t *testing.T) {
	h := newBinaryHarness(t)
	h.finish("builder-prep", 0)
	h.finish("unpack-chroot", 0)
	h.finish("mount-chroot", 0)
	update := h.runner.last()

	require.NoError(t, h.m.Abort())
	h.finish("scan-for-processes", 0)
	update.exit(int(syscall.SIGTERM) + process.ExitSignalBase)
	h.finish("umount-chroot", 0)
	h.finish("remove-build", 0)
	require.Equal(t, []string{"buildComplete"}, h.notifier.getCalls())
}

func TestAbortEscalation(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)
	sbuild := h.runner.last()

	require.NoError(t, h.m.Abort())
	reaper := h.runner.last()
	require.Equal(t, "scan-for-processes", reaper.op())

	h.clock.Advance(DefaultReapTimeout - time.Second)
	require.Empty(t, h.notifier.getCalls())

	h.clock.Advance(time.Second)
	require.Eventually(t, func() bool {
		return len(h.notifier.getCalls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{"builderFail"}, h.notifier.getCalls())
	require.Equal(t, []os.Signal{syscall.SIGKILL}, sbuild.signalled())
	require.True(t, sbuild.isDisconnected())
	require.Equal(t, []os.Signal{syscall.SIGKILL}, reaper.signalled())
	require.True(t, reaper.isDisconnected())
	require.Contains(t, h.notifier.logText(), "ABORTING: Failed to kill all processes.")

	// The detached reaper is ignored; the late exit of the build helper
	// proceeds to unmount without reaping again.
	reaper.exit(0)
	require.Equal(t, StateSbuild, h.m.State())
	sbuild.exit(137)
	require.Equal(t, StateUmount, h.m.State())

	h.clock.Advance(2 * DefaultReapTimeout)
	h.finish("umount-chroot", 0)
	h.finish("remove-build", 0)
	require.Equal(t, []string{"builderFail", "buildComplete"}, h.notifier.getCalls())
	outcome, _ := h.m.Outcome()
	require.Equal(t, buildlog.OutcomeBuilderFail, outcome)
}

func TestAbortDuringPostBuildReap(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)
	h.writeLog("")
	h.finish("sbuild-package", 3)
	reaper := h.runner.last()

	require.NoError(t, h.m.Abort())
	h.clock.Advance(DefaultReapTimeout)
	require.Eventually(t, func() bool {
		return h.m.State() == StateUmount
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []os.Signal{syscall.SIGKILL}, reaper.signalled())

	h.finish("umount-chroot", 0)
	h.finish("remove-build", 0)
	require.Equal(t, []string{"buildFail", "buildComplete"}, h.notifier.getCalls())
	outcome, _ := h.m.Outcome()
	require.Equal(t, buildlog.OutcomePackageFail, outcome)
}

func TestAbortEscalationKeepsReportedDepFail(t *testing.T) {
	h := newBinaryHarness(t)
	h.runUpTo(StateSbuild)
	h.writeLog("E: Unable to locate package enoent\n")
	h.finish("sbuild-package", 1)
	reaper := h.runner.last()
	require.Equal(t, "scan-for-processes", reaper.op())

	require.NoError(t, h.m.Abort())
	h.clock.Advance(120 * time.Second)
	require.Eventually(t, func() bool {
		return h.m.State() == StateUmount
	}, 5*time.Second, 10*time.Millisecond)
	require.Contains(t, h.notifier.logText(), "ABORTING: Failed to kill all processes.")

	h.finish("umount-chroot", 0)
	h.finish("remove-build", 0)
	require.Equal(t, []string{"depFail enoent", "buildComplete"}, h.notifier.getCalls())
	outcome, dep := h.m.Outcome()
	require.Equal(t, buildlog.OutcomeDepFail, outcome)
	require.Equal(t, "enoent", dep)
}

func TestAbortBetweenHelpers(t *testing.T) {
	h := newBinaryHarness(t)

	h.m.mu.Lock()
	h.m.primary = nil
	h.m.mu.Unlock()

	require.NoError(t, h.m.Abort())
	require.Equal(t, StateCleanup, h.m.State())
	h.finish("remove-build", 0)
	require.Equal(t, []string{"buildComplete"}, h.notifier.getCalls())
	require.False(t, h.m.cfg.Escalator.Pending(testBuildID))
}

func TestAbortAfterCompletionIsNoop(t *testing.T) {
	h := newBinaryHarness(t)
	h.finish("builder-prep", 1)
	h.finish("remove-build", 0)
	require.NoError(t, h.m.Abort())
	require.Equal(t, []string{"builderFail", "buildComplete"}, h.notifier.getCalls())
}

func TestRunLinesAreShellQuoted(t *testing.T) {
	h := newHarness(t, &BinaryPackage{})
	args := binaryArgs
	args.Archives = []string{"deb http://archive.example/ubuntu noble main"}
	h.initiate(binaryFiles, args)
	h.finish("builder-prep", 0)
	h.finish("unpack-chroot", 0)
	h.finish("mount-chroot", 0)

	line := "RUN: in-target override-sources-list --backend=chroot --series=noble --arch=amd64 123 " +
		"'deb http://archive.example/ubuntu noble main'\n"
	require.True(t, strings.Contains(h.notifier.logText(), line), h.notifier.logText())
}
