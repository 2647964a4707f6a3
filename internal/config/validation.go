package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/normalization"
)

var backendNormalizer = normalization.NewEnumNormalizer("backend", map[string]string{
	BackendChroot: BackendChroot,
	BackendLXD:    BackendLXD,
}, BackendChroot)

// Validate checks a configuration after defaults have been applied.
func Validate(cfg *Config) error {
	validator := newConfigurationValidator(cfg)
	return validator.validate()
}

// configurationValidator validates one configuration domain at a time.
type configurationValidator struct {
	config *Config
}

func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

func (cv *configurationValidator) validate() error {
	if err := cv.validateBuilder(); err != nil {
		return err
	}
	if err := cv.validateDaemon(); err != nil {
		return err
	}
	return cv.validateNATS()
}

func (cv *configurationValidator) validateBuilder() error {
	b := &cv.config.Builder
	for _, p := range []struct{ field, path string }{
		{"builder.home", b.Home},
		{"builder.cache_dir", b.CacheDir},
	} {
		if !filepath.IsAbs(p.path) {
			return invalid(p.field, p.field+" must be an absolute path", p.path)
		}
	}
	backend, err := backendNormalizer.NormalizeWithValidation(b.Backend)
	if err != nil {
		return invalid("builder.backend", err.Error(), b.Backend)
	}
	b.Backend = backend
	if b.ReapTimeout < 0 {
		return invalid("builder.reap_timeout", "builder.reap_timeout must be positive", b.ReapTimeout.String())
	}
	for key := range b.Env {
		if key == "" || strings.ContainsAny(key, "= ") {
			return invalid("builder.env", fmt.Sprintf("invalid environment variable name %q", key), key)
		}
	}
	return nil
}

func (cv *configurationValidator) validateDaemon() error {
	d := cv.config.Daemon
	if d.HeartbeatInterval < 0 {
		return invalid("daemon.heartbeat_interval", "daemon.heartbeat_interval must be positive", d.HeartbeatInterval.String())
	}
	if d.SpoolDir != "" && filepath.Clean(d.SpoolDir) == filepath.Clean(cv.config.Builder.CacheDir) {
		return invalid("daemon.spool_dir", "daemon.spool_dir must differ from builder.cache_dir", d.SpoolDir)
	}
	if err := validateRetry("daemon.event_retry", &cv.config.Daemon.EventRetry); err != nil {
		return err
	}
	if !strings.HasPrefix(cv.config.Metrics.Path, "/") {
		return invalid("metrics.path", "metrics.path must start with /", cv.config.Metrics.Path)
	}
	return nil
}

func (cv *configurationValidator) validateNATS() error {
	n := cv.config.NATS
	if !n.Enabled() {
		return nil
	}
	if strings.ContainsAny(n.SubjectPrefix, " *>") || strings.HasSuffix(n.SubjectPrefix, ".") {
		return invalid("nats.subject_prefix", "nats.subject_prefix must be a literal subject", n.SubjectPrefix)
	}
	return nil
}

func validateRetry(field string, r *RetryConfig) error {
	mode, err := retryModeNormalizer.NormalizeWithValidation(string(r.Mode))
	if err != nil {
		return invalid(field+".mode", err.Error(), string(r.Mode))
	}
	r.Mode = mode
	if r.Initial <= 0 || r.Max <= 0 {
		return invalid(field, field+" delays must be positive", fmt.Sprintf("%s/%s", r.Initial, r.Max))
	}
	if r.MaxRetries < 0 {
		return invalid(field+".max_retries", field+".max_retries cannot be negative", fmt.Sprint(r.MaxRetries))
	}
	return nil
}

func invalid(field, message, value string) error {
	return errors.ConfigError(message).
		WithContext("field", field).
		WithContext("value", value).
		Build()
}
