package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/pkgbuildd/internal/daemon"
)

// DaemonCmd implements the 'daemon' command.
type DaemonCmd struct {
	Name            string        `help:"Builder name used on NATS subjects (default: host name)"`
	Listen          string        `help:"Override daemon.listen"`
	ShutdownTimeout time.Duration `name:"shutdown-timeout" help:"Grace period for shutdown" default:"30s"`
}

func (d *DaemonCmd) Run(_ *Global, root *CLI) error {
	cfg, logger, err := loadConfig(root)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if d.Listen != "" {
		cfg.Daemon.Listen = d.Listen
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	dmn, err := daemon.New(cfg, daemon.Options{Name: d.Name, Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to create daemon: %w", err)
	}
	if err := dmn.Run(ctx, d.ShutdownTimeout); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}
	logger.Info("Daemon stopped successfully")
	return nil
}
