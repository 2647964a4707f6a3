package config

import (
	"path/filepath"
	"runtime"
	"time"
)

const (
	DefaultHome              = "/home/buildd"
	DefaultSharePath         = "/usr/share/pkgbuildd"
	DefaultReapTimeout       = 120 * time.Second
	DefaultListen            = ":8221"
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultHistorySize       = 50
	DefaultSubjectPrefix     = "pkgbuildd"
)

// Supported target backends.
const (
	BackendChroot = "chroot"
	BackendLXD    = "lxd"
)

// DefaultApplier applies defaults for a specific configuration domain.
type DefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

var defaultAppliers = []DefaultApplier{
	&BuilderDefaultApplier{},
	&DaemonDefaultApplier{},
	&LoggingDefaultApplier{},
}

func applyDefaults(cfg *Config) error {
	for _, a := range defaultAppliers {
		if err := a.ApplyDefaults(cfg); err != nil {
			return err
		}
	}
	return nil
}

// BuilderDefaultApplier handles builder defaults.
type BuilderDefaultApplier struct{}

func (b *BuilderDefaultApplier) Domain() string { return "builder" }

func (b *BuilderDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Builder.Home == "" {
		cfg.Builder.Home = DefaultHome
	}
	if cfg.Builder.CacheDir == "" {
		cfg.Builder.CacheDir = filepath.Join(cfg.Builder.Home, "filecache")
	}
	if cfg.Builder.SharePath == "" {
		cfg.Builder.SharePath = DefaultSharePath
	}
	if cfg.Builder.Backend == "" {
		cfg.Builder.Backend = BackendChroot
	}
	if cfg.Builder.Arch == "" {
		cfg.Builder.Arch = DebianArch(runtime.GOARCH)
	}
	if cfg.Builder.ReapTimeout == 0 {
		cfg.Builder.ReapTimeout = DefaultReapTimeout
	}
	return nil
}

// DaemonDefaultApplier handles daemon defaults.
type DaemonDefaultApplier struct{}

func (d *DaemonDefaultApplier) Domain() string { return "daemon" }

func (d *DaemonDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Daemon.Listen == "" {
		cfg.Daemon.Listen = DefaultListen
	}
	if cfg.Daemon.HeartbeatInterval == 0 {
		cfg.Daemon.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.Daemon.EventStore == "" {
		cfg.Daemon.EventStore = filepath.Join(cfg.Builder.CacheDir, "events.db")
	}
	if cfg.Daemon.HistorySize <= 0 {
		cfg.Daemon.HistorySize = DefaultHistorySize
	}
	if cfg.NATS.SubjectPrefix == "" {
		cfg.NATS.SubjectPrefix = DefaultSubjectPrefix
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	return nil
}

// LoggingDefaultApplier canonicalizes the logging section.
type LoggingDefaultApplier struct{}

func (l *LoggingDefaultApplier) Domain() string { return "logging" }

func (l *LoggingDefaultApplier) ApplyDefaults(cfg *Config) error {
	cfg.Logging.Level = NormalizeLogLevel(string(cfg.Logging.Level))
	cfg.Logging.Format = NormalizeLogFormat(string(cfg.Logging.Format))
	return nil
}

// DebianArch maps a Go architecture name to the Debian one.
func DebianArch(goarch string) string {
	switch goarch {
	case "386":
		return "i386"
	case "arm":
		return "armhf"
	case "ppc64le":
		return "ppc64el"
	default:
		return goarch
	}
}
