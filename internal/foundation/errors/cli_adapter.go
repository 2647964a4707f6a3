package errors

import (
	"context"
	"fmt"
	"log/slog"
)

// CLIErrorAdapter maps classified errors onto CLI messages and exit codes.
type CLIErrorAdapter struct {
	verbose bool
	logger  *slog.Logger
}

// NewCLIErrorAdapter creates a new CLI error adapter.
func NewCLIErrorAdapter(verbose bool, logger *slog.Logger) *CLIErrorAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &CLIErrorAdapter{verbose: verbose, logger: logger}
}

// ExitCodeFor determines the process exit code for err.
func (a *CLIErrorAdapter) ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	classified, ok := AsClassified(err)
	if !ok {
		return 1
	}
	switch classified.Category() {
	case CategoryValidation:
		return 2
	case CategoryNotFound:
		return 3
	case CategoryConflict:
		return 4
	case CategoryConfig:
		return 7
	case CategoryMessaging, CategoryEventStore:
		return 8
	case CategoryInternal:
		return 10
	case CategoryDependency, CategoryPackage:
		return 11
	case CategoryProcess, CategoryFileSystem, CategoryDaemon:
		return 12
	default:
		return 1
	}
}

// FormatError formats err for display on stderr.
func (a *CLIErrorAdapter) FormatError(err error) string {
	if err == nil {
		return ""
	}
	classified, ok := AsClassified(err)
	if !ok {
		return fmt.Sprintf("Error: %v", err)
	}
	if a.verbose || classified.Cause() == nil {
		return "Error: " + classified.Error()
	}
	return "Error: " + classified.Message() + " (use -v for details)"
}

// LogError records err with structured attributes.
func (a *CLIErrorAdapter) LogError(err error) {
	if err == nil {
		return
	}
	classified, ok := AsClassified(err)
	if !ok {
		a.logger.Error("Unclassified error", "error", err)
		return
	}
	attrs := []slog.Attr{slog.String("category", string(classified.Category()))}
	if classified.CanRetry() {
		attrs = append(attrs, slog.Bool("retryable", true))
	}
	if cause := classified.Cause(); cause != nil {
		attrs = append(attrs, slog.String("cause", cause.Error()))
	}
	a.logger.LogAttrs(context.Background(), levelForSeverity(classified.Severity()), classified.Message(), attrs...)
}
