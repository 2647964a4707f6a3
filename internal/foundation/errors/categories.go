package errors

import "maps"

// ErrorCategory is the broad class of an error, used for routing.
type ErrorCategory string

const (
	// CategoryConfig covers operator-facing configuration and input errors.
	CategoryConfig     ErrorCategory = "config"
	CategoryValidation ErrorCategory = "validation"
	CategoryNotFound   ErrorCategory = "not_found"
	CategoryConflict   ErrorCategory = "conflict"

	// CategoryDependency and CategoryPackage describe build results that
	// are the fault of the package being built.
	CategoryDependency ErrorCategory = "dependency"
	CategoryPackage    ErrorCategory = "package"

	// CategoryProcess and below are faults of the builder host.
	CategoryProcess    ErrorCategory = "process"
	CategoryFileSystem ErrorCategory = "filesystem"
	CategoryEventStore ErrorCategory = "eventstore"
	CategoryMessaging  ErrorCategory = "messaging"
	CategoryDaemon     ErrorCategory = "daemon"
	CategoryInternal   ErrorCategory = "internal"
)

// ErrorSeverity indicates the impact level of an error.
type ErrorSeverity string

const (
	SeverityFatal   ErrorSeverity = "fatal"   // Stops execution completely
	SeverityError   ErrorSeverity = "error"   // Fails the current operation
	SeverityWarning ErrorSeverity = "warning" // Continues with degraded functionality
	SeverityInfo    ErrorSeverity = "info"
)

// RetryStrategy indicates whether the failed work may be attempted again.
type RetryStrategy string

const (
	RetryNever      RetryStrategy = "never"
	RetryImmediate  RetryStrategy = "immediate"
	RetryBackoff    RetryStrategy = "backoff"
	RetryElsewhere  RetryStrategy = "elsewhere" // Retry on a different builder
	RetryUserAction RetryStrategy = "user"      // Requires operator intervention
)

type classification struct {
	severity ErrorSeverity
	retry    RetryStrategy
}

// defaults is what NewError assumes for a category until told otherwise.
// Unlisted categories fail the operation and are not retried.
var defaults = map[ErrorCategory]classification{
	CategoryConfig:     {SeverityFatal, RetryUserAction},
	CategoryValidation: {SeverityError, RetryUserAction},
	CategoryConflict:   {SeverityError, RetryBackoff},
	CategoryDependency: {SeverityError, RetryUserAction},
	CategoryProcess:    {SeverityError, RetryElsewhere},
	CategoryFileSystem: {SeverityError, RetryBackoff},
	CategoryEventStore: {SeverityError, RetryBackoff},
	CategoryMessaging:  {SeverityError, RetryBackoff},
	CategoryDaemon:     {SeverityFatal, RetryNever},
	CategoryInternal:   {SeverityFatal, RetryNever},
}

func classify(c ErrorCategory) classification {
	if d, ok := defaults[c]; ok {
		return d
	}
	return classification{SeverityError, RetryNever}
}

// ErrorContext holds structured key/value context for an error.
type ErrorContext map[string]any

// Set adds or updates a context value.
func (c ErrorContext) Set(key string, value any) ErrorContext {
	if c == nil {
		c = make(ErrorContext)
	}
	c[key] = value
	return c
}

// Get retrieves a context value.
func (c ErrorContext) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	value, exists := c[key]
	return value, exists
}

// GetString retrieves a string context value.
func (c ErrorContext) GetString(key string) (string, bool) {
	if value, exists := c.Get(key); exists {
		if str, ok := value.(string); ok {
			return str, true
		}
	}
	return "", false
}

// Merge combines two contexts, with other taking precedence.
func (c ErrorContext) Merge(other ErrorContext) ErrorContext {
	if c == nil {
		return other
	}
	if other == nil {
		return c
	}
	result := make(ErrorContext, len(c)+len(other))
	maps.Copy(result, c)
	maps.Copy(result, other)
	return result
}
