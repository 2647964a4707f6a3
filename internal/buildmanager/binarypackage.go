package buildmanager

import (
	"strings"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/depwait"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

// StateSbuild is the run state of binary package builds.
const StateSbuild State = "SBUILD"

// BinaryPackage builds binary packages from a source package with sbuild.
type BinaryPackage struct {
	extraArgs []string
	dsc       string
}

func (*BinaryPackage) Name() string    { return "binarypackage" }
func (*BinaryPackage) RunState() State { return StateSbuild }

func (p *BinaryPackage) Prepare(b *Build) error {
	for name := range b.Files {
		if strings.HasSuffix(name, ".dsc") {
			p.dsc = name
			break
		}
	}
	if p.dsc == "" {
		return errors.ConfigError("binarypackage build requires a .dsc file").Build()
	}
	for _, arg := range []struct{ field, value string }{
		{"distribution", b.Args.Distribution},
		{"suite", b.Args.Suite},
		{"ogrecomponent", b.Args.Component},
	} {
		if err := requireArg(p.Name(), arg.field, arg.value); err != nil {
			return err
		}
	}
	return nil
}

func (p *BinaryPackage) Command(b *Build, h Helpers) (process.Command, error) {
	args := []string{
		b.ID, b.Arch, b.Args.Suite,
		"-c", "chroot:build-" + b.ID,
		"--arch=" + b.Arch,
		"--archive=" + b.Args.Distribution,
		"--dist=" + b.Args.Suite,
		"--nolog",
	}
	if b.Args.ArchIndep {
		args = append(args, "-A")
	}
	if b.Args.ArchivePurpose != "" {
		args = append(args, "--purpose="+b.Args.ArchivePurpose)
	}
	if b.Args.BuildDebugSymbols {
		args = append(args, "--build-debug-symbols")
	}
	args = append(args, p.extraArgs...)
	args = append(args, "--comp="+b.Args.Component, p.dsc)
	return h.Script("sbuild-package", args...), nil
}

func (*BinaryPackage) Codes() buildlog.CodeTable { return buildlog.SbuildCodes }
func (*BinaryPackage) Rules() buildlog.Rules     { return buildlog.SbuildRules }

// Analyze compares the source package's build dependencies with the build
// environment's package lists.
func (p *BinaryPackage) Analyze(b *Build) (string, bool, error) {
	analyzer := depwait.Analyzer{Arch: b.Arch}
	return analyzer.AnalyzeBuild(b.Path(p.dsc), b.Root, b.Args.ArchIndep)
}

// Gather returns <dsc stem>_<arch>.changes and the files it lists.
func (p *BinaryPackage) Gather(b *Build) ([]string, error) {
	name := strings.TrimSuffix(p.dsc, ".dsc") + "_" + b.Arch + ".changes"
	return changesFiles(b.Path(name))
}
