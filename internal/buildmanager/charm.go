package buildmanager

import (
	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

// StateBuildCharm is the run state of charm builds.
const StateBuildCharm State = "BUILD_CHARM"

// Charm builds a charm from a git repository.
type Charm struct {
	noAnalysis
}

func (*Charm) Name() string    { return "charm" }
func (*Charm) RunState() State { return StateBuildCharm }

func (c *Charm) Prepare(b *Build) error {
	if err := requireArg(c.Name(), "name", b.Args.Name); err != nil {
		return err
	}
	return requireArg(c.Name(), "git_repository", b.Args.GitRepository)
}

func (*Charm) Command(b *Build, h Helpers) (process.Command, error) {
	args := sourceArgs(b)
	if b.Args.BuildPath != "" {
		args = append([]string{"--build-path", b.Args.BuildPath}, args...)
	}
	return h.InTarget(b, "build-charm", args...), nil
}

func (*Charm) Codes() buildlog.CodeTable { return buildlog.ArtifactCodes }
func (*Charm) Rules() buildlog.Rules     { return buildlog.Rules{} }

// Gather returns the charms under home/buildd/<name>[/<build_path>].
func (*Charm) Gather(b *Build) ([]string, error) {
	dir := b.RootPath("home", "buildd", b.Args.Name, b.Args.BuildPath)
	files, err := globFiles(dir, ".charm")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.PackageError("charm build produced no output").WithContext("path", dir).Build()
	}
	return files, nil
}
