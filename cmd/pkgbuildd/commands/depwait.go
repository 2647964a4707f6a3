package commands

import (
	"fmt"

	"git.home.luguber.info/inful/pkgbuildd/internal/depwait"
)

// DepwaitCmd implements the 'depwait' command.
type DepwaitCmd struct {
	Dsc       string `arg:"" type:"existingfile" help:"Source package .dsc file"`
	Root      string `required:"" type:"existingdir" help:"Target root holding var/lib/apt/lists"`
	Arch      string `help:"Architecture for [arch] restrictions (default: no filtering)"`
	ArchIndep bool   `name:"arch-indep" help:"Include Build-Depends-Indep"`
}

// Run prints the unsatisfied relations, or nothing when all are
// satisfiable.
func (d *DepwaitCmd) Run(g *Global) error {
	dep, ok, err := depwait.Analyzer{Arch: d.Arch}.AnalyzeBuild(d.Dsc, d.Root, d.ArchIndep)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	_, err = fmt.Fprintln(g.out(), dep)
	return err
}
