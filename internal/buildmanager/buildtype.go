package buildmanager

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/process"
)

// Args carries the per-build parameters sent by the build farm. Each build
// type reads the fields it needs.
type Args struct {
	Series    string   `json:"series,omitempty" yaml:"series,omitempty"`
	ArchTag   string   `json:"arch_tag,omitempty" yaml:"arch_tag,omitempty"`
	Archives  []string `json:"archives,omitempty" yaml:"archives,omitempty"`
	ImageType string   `json:"image_type,omitempty" yaml:"image_type,omitempty"`

	Distribution      string `json:"distribution,omitempty" yaml:"distribution,omitempty"`
	Suite             string `json:"suite,omitempty" yaml:"suite,omitempty"`
	ArchivePurpose    string `json:"archive_purpose,omitempty" yaml:"archive_purpose,omitempty"`
	ArchIndep         bool   `json:"arch_indep,omitempty" yaml:"arch_indep,omitempty"`
	BuildDebugSymbols bool   `json:"build_debug_symbols,omitempty" yaml:"build_debug_symbols,omitempty"`

	RecipeText       string `json:"recipe_text,omitempty" yaml:"recipe_text,omitempty"`
	AuthorName       string `json:"author_name,omitempty" yaml:"author_name,omitempty"`
	AuthorEmail      string `json:"author_email,omitempty" yaml:"author_email,omitempty"`
	Component        string `json:"ogrecomponent,omitempty" yaml:"ogrecomponent,omitempty"`
	DistroSeriesName string `json:"distroseries_name,omitempty" yaml:"distroseries_name,omitempty"`

	Name          string `json:"name,omitempty" yaml:"name,omitempty"`
	Branch        string `json:"branch,omitempty" yaml:"branch,omitempty"`
	GitRepository string `json:"git_repository,omitempty" yaml:"git_repository,omitempty"`
	GitPath       string `json:"git_path,omitempty" yaml:"git_path,omitempty"`
	BuildPath     string `json:"build_path,omitempty" yaml:"build_path,omitempty"`
}

// Build is the fixed context of one build, shared with the build type.
type Build struct {
	ID    string
	Type  string
	Arch  string
	Args  Args
	Files map[string]string
	// Dir is the per-build working directory; Root is the build
	// environment unpacked inside it.
	Dir  string
	Root string
}

// Path joins elem onto the build directory.
func (b *Build) Path(elem ...string) string {
	return filepath.Join(append([]string{b.Dir}, elem...)...)
}

// RootPath joins elem onto the build environment root.
func (b *Build) RootPath(elem ...string) string {
	return filepath.Join(append([]string{b.Root}, elem...)...)
}

// Series is the distribution series, falling back to the suite without its
// pocket suffix.
func (b *Build) Series() string {
	switch {
	case b.Args.Series != "":
		return b.Args.Series
	case b.Args.DistroSeriesName != "":
		return b.Args.DistroSeriesName
	}
	series, _, _ := strings.Cut(b.Args.Suite, "-")
	return series
}

// Helpers builds helper command lines.
type Helpers struct {
	SharePath string
	Backend   string
	Env       []string
}

// InTarget runs an operation inside the build environment.
func (h Helpers) InTarget(b *Build, op string, extra ...string) process.Command {
	args := []string{
		"in-target", op,
		"--backend=" + h.Backend,
		"--series=" + b.Series(),
		"--arch=" + b.Arch,
		b.ID,
	}
	return process.Command{
		Path: filepath.Join(h.SharePath, "bin", "in-target"),
		Args: append(args, extra...),
		Env:  h.Env,
	}
}

// Script runs a standalone helper from the share directory.
func (h Helpers) Script(name string, args ...string) process.Command {
	return process.Command{
		Path: filepath.Join(h.SharePath, "bin", name),
		Args: append([]string{name}, args...),
		Env:  h.Env,
	}
}

// BuildType supplies the type-specific parts of a build: the main helper,
// its exit-status table and log rules, and result gathering.
type BuildType interface {
	Name() string
	// RunState is the state in which the main helper runs.
	RunState() State
	// Prepare validates the build context before anything runs.
	Prepare(b *Build) error
	Command(b *Build, h Helpers) (process.Command, error)
	Codes() buildlog.CodeTable
	Rules() buildlog.Rules
	// Analyze determines an unsatisfied dependency the log only hinted at.
	// ok is false when nothing is unsatisfied.
	Analyze(b *Build) (dep string, ok bool, err error)
	// Gather lists the result files of a successful build.
	Gather(b *Build) ([]string, error)
}

// TypeOptions are operator settings for build types.
type TypeOptions struct {
	// SbuildArgs are appended to every binary package build invocation.
	SbuildArgs []string
}

var registry = map[string]func(TypeOptions) BuildType{
	"binarypackage":       func(o TypeOptions) BuildType { return &BinaryPackage{extraArgs: o.SbuildArgs} },
	"sourcepackagerecipe": func(TypeOptions) BuildType { return &Recipe{} },
	"snap":                func(TypeOptions) BuildType { return &Snap{} },
	"charm":               func(TypeOptions) BuildType { return &Charm{} },
}

// NewBuildType returns a fresh instance of the named build type.
func NewBuildType(name string, opts TypeOptions) (BuildType, error) {
	ctor, ok := registry[name]
	if !ok {
		return nil, errors.ValidationError(fmt.Sprintf("unknown build type %q", name)).
			WithContext("known", strings.Join(BuildTypes(), ",")).
			Build()
	}
	return ctor(opts), nil
}

// BuildTypes lists the registered build type names.
func BuildTypes() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// noAnalysis is embedded by types whose logs never ask for analysis.
type noAnalysis struct{}

func (noAnalysis) Analyze(*Build) (string, bool, error) { return "", false, nil }

// requireArg fails with a configuration error when a build parameter the
// type needs is missing or blank.
func requireArg(typeName, field, value string) error {
	if strings.TrimSpace(value) == "" {
		return errors.ConfigError(fmt.Sprintf("%s build requires %s", typeName, field)).
			WithContext("parameter", field).
			Build()
	}
	return nil
}
