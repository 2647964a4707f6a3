package errors

// ErrorBuilder assembles a ClassifiedError. Severity and retry start from
// the category defaults.
type ErrorBuilder struct {
	err ClassifiedError
}

// NewError starts an error of category with message.
func NewError(category ErrorCategory, message string) *ErrorBuilder {
	c := classify(category)
	return &ErrorBuilder{err: ClassifiedError{
		category: category,
		severity: c.severity,
		retry:    c.retry,
		message:  message,
	}}
}

// WrapError starts an error of category caused by err.
func WrapError(err error, category ErrorCategory, message string) *ErrorBuilder {
	return NewError(category, message).WithCause(err)
}

func (b *ErrorBuilder) WithSeverity(severity ErrorSeverity) *ErrorBuilder {
	b.err.severity = severity
	return b
}

func (b *ErrorBuilder) WithRetry(strategy RetryStrategy) *ErrorBuilder {
	b.err.retry = strategy
	return b
}

func (b *ErrorBuilder) WithCause(err error) *ErrorBuilder {
	b.err.cause = err
	return b
}

func (b *ErrorBuilder) WithContext(key string, value any) *ErrorBuilder {
	b.err.context = b.err.context.Set(key, value)
	return b
}

func (b *ErrorBuilder) Warning() *ErrorBuilder   { return b.WithSeverity(SeverityWarning) }
func (b *ErrorBuilder) Retryable() *ErrorBuilder { return b.WithRetry(RetryBackoff) }

// Build returns the error. The builder can keep being used; later changes
// do not affect errors already built.
func (b *ErrorBuilder) Build() *ClassifiedError {
	out := b.err
	out.context = ErrorContext{}.Merge(b.err.context)
	return &out
}

func ConfigError(message string) *ErrorBuilder     { return NewError(CategoryConfig, message) }
func ValidationError(message string) *ErrorBuilder { return NewError(CategoryValidation, message) }
func NotFoundError(message string) *ErrorBuilder   { return NewError(CategoryNotFound, message) }
func ConflictError(message string) *ErrorBuilder   { return NewError(CategoryConflict, message) }
func DependencyError(message string) *ErrorBuilder { return NewError(CategoryDependency, message) }
func PackageError(message string) *ErrorBuilder    { return NewError(CategoryPackage, message) }
func EventStoreError(message string) *ErrorBuilder { return NewError(CategoryEventStore, message) }
func MessagingError(message string) *ErrorBuilder  { return NewError(CategoryMessaging, message) }
func DaemonError(message string) *ErrorBuilder     { return NewError(CategoryDaemon, message) }
func InternalError(message string) *ErrorBuilder   { return NewError(CategoryInternal, message) }
