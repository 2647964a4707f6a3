package buildmanager

import (
	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

// StateBuildSnap is the run state of snap builds.
const StateBuildSnap State = "BUILD_SNAP"

// Snap builds a snap package from a branch or git repository.
type Snap struct {
	noAnalysis
}

func (*Snap) Name() string    { return "snap" }
func (*Snap) RunState() State { return StateBuildSnap }

func (s *Snap) Prepare(b *Build) error {
	if err := requireArg(s.Name(), "name", b.Args.Name); err != nil {
		return err
	}
	if b.Args.Branch == "" && b.Args.GitRepository == "" {
		return errors.ValidationError("snap build requires a branch or git_repository").Build()
	}
	return nil
}

func (*Snap) Command(b *Build, h Helpers) (process.Command, error) {
	return h.InTarget(b, "buildsnap", sourceArgs(b)...), nil
}

func (*Snap) Codes() buildlog.CodeTable { return buildlog.ArtifactCodes }
func (*Snap) Rules() buildlog.Rules     { return buildlog.Rules{} }

// Gather returns the snaps, manifests and debug files under build/<name>.
func (*Snap) Gather(b *Build) ([]string, error) {
	dir := b.RootPath("build", b.Args.Name)
	files, err := globFiles(dir, ".snap", ".manifest", ".debug")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, errors.PackageError("snap build produced no output").WithContext("path", dir).Build()
	}
	return files, nil
}

// sourceArgs renders branch or git source selection followed by the name.
func sourceArgs(b *Build) []string {
	var args []string
	if b.Args.Branch != "" {
		args = append(args, "--branch", b.Args.Branch)
	} else {
		args = append(args, "--git-repository", b.Args.GitRepository)
		if b.Args.GitPath != "" {
			args = append(args, "--git-path", b.Args.GitPath)
		}
	}
	return append(args, b.Args.Name)
}

