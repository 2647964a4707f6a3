// Package commands implements the pkgbuildd command line.
package commands

import (
	"io"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"git.home.luguber.info/inful/pkgbuildd/internal/config"
)

// Global is shared by every subcommand.
type Global struct {
	// Out receives command results; logs go to stderr.
	Out io.Writer
}

// CLI definition & global flags.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"/etc/pkgbuildd/config.yaml" env:"PKGBUILDD_CONFIG"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Daemon   DaemonCmd   `cmd:"" help:"Run the build slot daemon"`
	Build    BuildCmd    `cmd:"" help:"Run a single build in the foreground"`
	Classify ClassifyCmd `cmd:"" help:"Classify a build log for a build type and exit status"`
	Depwait  DepwaitCmd  `cmd:"" help:"Report the unsatisfied build-dependencies of a source package"`
	Init     InitCmd     `cmd:"" help:"Write an example configuration file"`
	Ver      VersionCmd  `cmd:"" name:"version" help:"Print version information"`
}

// AfterApply runs after flag parsing; setup logging once.
// nolint:unparam // AfterApply currently never returns an error.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

// loadConfig loads the configuration file and reconfigures logging from it.
// --verbose overrides the configured level.
func loadConfig(root *CLI) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(root.Config)
	if err != nil {
		return nil, nil, err
	}
	logger := newLogger(os.Stderr, cfg.Logging, root.Verbose)
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func newLogger(w io.Writer, cfg config.LoggingConfig, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level.SlogLevel()}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	if cfg.Format == config.LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (g *Global) out() io.Writer {
	if g == nil || g.Out == nil {
		return os.Stdout
	}
	return g.Out
}
