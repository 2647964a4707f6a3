package commands

import (
	"fmt"

	"git.home.luguber.info/inful/pkgbuildd/internal/buildlog"
	"git.home.luguber.info/inful/pkgbuildd/internal/buildmanager"
	"git.home.luguber.info/inful/pkgbuildd/internal/depwait"
)

// ClassifyCmd implements the 'classify' command.
type ClassifyCmd struct {
	Log       string `arg:"" type:"existingfile" help:"Build log to scan"`
	BuildType string `name:"build-type" short:"t" default:"binarypackage" help:"Build type whose exit table and log rules apply"`
	ExitCode  int    `name:"exit-code" short:"e" required:"" help:"Exit status of the build helper"`
	// Analysis of an unnamed dependency needs the source package and a
	// target root.
	Dsc  string `type:"existingfile" help:"Source package .dsc, used when the log does not name the dependency"`
	Root string `type:"existingdir" help:"Target root holding var/lib/apt/lists"`
	Arch string `help:"Architecture for [arch] restrictions"`
}

// Run prints the outcome and, for DEPFAIL, the dependency.
func (c *ClassifyCmd) Run(g *Global) error {
	kind, err := buildmanager.NewBuildType(c.BuildType, buildmanager.TypeOptions{})
	if err != nil {
		return err
	}
	result, err := kind.Rules().ClassifyFile(c.Log, kind.Codes().Outcome(c.ExitCode))
	if err != nil {
		return err
	}

	if result.NeedsAnalysis && c.Dsc != "" && c.Root != "" {
		dep, ok, err := depwait.Analyzer{Arch: c.Arch}.AnalyzeBuild(c.Dsc, c.Root, false)
		if err != nil {
			return err
		}
		if ok {
			result.Dependency = dep
		} else {
			result.Outcome = buildlog.OutcomePackageFail
		}
	}

	line := string(result.Outcome)
	if result.Dependency != "" {
		line += " " + result.Dependency
	}
	if result.Rule != "" {
		line += fmt.Sprintf(" (rule %s)", result.Rule)
	}
	_, err = fmt.Fprintln(g.out(), line)
	return err
}
