package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

// Config is the daemon configuration file.
type Config struct {
	Builder    BuilderConfig    `yaml:"builder"`
	BuildTypes BuildTypesConfig `yaml:"build_types"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	NATS       NATSConfig       `yaml:"nats"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// BuilderConfig describes the build slot and its helpers.
type BuilderConfig struct {
	// Home holds the per-build directories (build-<id>).
	Home     string `yaml:"home"`
	CacheDir string `yaml:"cache_dir"`
	// SharePath is where the target helper executables live.
	SharePath string `yaml:"share_path"`
	Backend   string `yaml:"backend"`
	Arch      string `yaml:"arch"`
	// ReapTimeout is the grace period before an abort escalates to SIGKILL.
	ReapTimeout time.Duration     `yaml:"reap_timeout"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// EnvList renders Env as sorted KEY=VALUE pairs.
func (b BuilderConfig) EnvList() []string {
	out := make([]string, 0, len(b.Env))
	for k, v := range b.Env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

// BuildTypesConfig holds per build type settings.
type BuildTypesConfig struct {
	SbuildArgs []string `yaml:"sbuild_args,omitempty"`
}

// DaemonConfig represents daemon-specific configuration
type DaemonConfig struct {
	Listen            string        `yaml:"listen"`
	SpoolDir          string        `yaml:"spool_dir,omitempty"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	EventStore        string        `yaml:"event_store"`
	HistorySize       int           `yaml:"history_size"`
	EventRetry        RetryConfig   `yaml:"event_retry"`
}

// NATSConfig enables outbound event publishing when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url,omitempty"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Name          string `yaml:"name,omitempty"`
	// JetStream publishes through JetStream so events survive a scheduler
	// restart. The stream covering the subjects must exist.
	JetStream bool `yaml:"jetstream,omitempty"`
}

// Enabled reports whether a NATS server is configured.
func (n NATSConfig) Enabled() bool { return n.URL != "" }

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}

// Default returns the base configuration. Parse decodes the file on top of
// it, so omitted keys keep these values; paths derived from other settings
// are filled in by applyDefaults.
func Default() *Config {
	return &Config{
		Builder: BuilderConfig{
			Home:        DefaultHome,
			SharePath:   DefaultSharePath,
			Backend:     BackendChroot,
			ReapTimeout: DefaultReapTimeout,
		},
		Daemon: DaemonConfig{
			Listen:            DefaultListen,
			HeartbeatInterval: DefaultHeartbeatInterval,
			HistorySize:       DefaultHistorySize,
			EventRetry:        DefaultRetry(),
		},
		NATS:    NATSConfig{SubjectPrefix: DefaultSubjectPrefix},
		Metrics: MetricsConfig{Enabled: true, Path: "/metrics"},
		Logging: LoggingConfig{Level: LogLevelInfo, Format: LogFormatText},
	}
}

// Load reads a configuration file. ${VAR} references are expanded after
// .env and .env.local have been merged into the environment.
func Load(configPath string) (*Config, error) {
	if _, err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	// #nosec G304 -- operator supplied config path
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.ConfigError(fmt.Sprintf("configuration file not found: %s", configPath)).Build()
		}
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to read config file").
			WithContext("path", configPath).
			Build()
	}
	return Parse(data)
}

// Parse decodes, defaults and validates a configuration document.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.WrapError(err, errors.CategoryConfig, "failed to parse config file").Build()
	}
	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Init writes an example configuration file.
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return errors.ConflictError(fmt.Sprintf("configuration file already exists: %s", configPath)).
			WithContext("hint", "use --force to overwrite").
			Build()
	}

	example := Default()
	example.Builder.Env = map[string]string{"http_proxy": "${BUILDER_HTTP_PROXY}"}
	example.BuildTypes.SbuildArgs = []string{"--nolog"}
	example.Daemon.SpoolDir = "/var/spool/pkgbuildd"
	example.NATS.URL = "nats://127.0.0.1:4222"
	if err := applyDefaults(example); err != nil {
		return err
	}

	data, err := yaml.Marshal(example)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
