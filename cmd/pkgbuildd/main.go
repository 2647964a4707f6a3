package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/pkgbuildd/cmd/pkgbuildd/commands"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/version"
)

func main() {
	var cli commands.CLI
	ctx := kong.Parse(&cli,
		kong.Name("pkgbuildd"),
		kong.Description("Package build slot daemon and build tools"),
		kong.UsageOnError(),
		kong.Vars{"version": version.Get().String()},
	)

	if err := ctx.Run(&commands.Global{Out: os.Stdout}, &cli); err != nil {
		adapter := errors.NewCLIErrorAdapter(cli.Verbose, slog.Default())
		if cli.Verbose {
			adapter.LogError(err)
		}
		fmt.Fprintln(os.Stderr, adapter.FormatError(err))
		os.Exit(adapter.ExitCodeFor(err))
	}
}
