package eventstore

import (
	"git.home.luguber.info/inful/pkgbuildd/internal/foundation/errors"
)

var (
	// ErrDatabaseOpenFailed indicates the SQLite database could not be opened.
	ErrDatabaseOpenFailed = errors.EventStoreError("could not open event store database").Build()

	// ErrInitializeSchemaFailed indicates the database schema could not be initialized.
	ErrInitializeSchemaFailed = errors.EventStoreError("failed to initialize event store schema").Build()

	ErrEventAppendFailed = errors.EventStoreError("failed to append event to store").Build()
	ErrEventQueryFailed  = errors.EventStoreError("failed to query events from store").Build()
	ErrEventScanFailed   = errors.EventStoreError("failed to scan event rows").Build()

	// ErrMarshalPayloadFailed indicates JSON marshaling of an event payload failed.
	ErrMarshalPayloadFailed = errors.EventStoreError("failed to marshal event payload").Build()
)

func wrap(sentinel *errors.ClassifiedError, cause error) error {
	return errors.WrapError(cause, errors.CategoryEventStore, sentinel.Message()).Retryable().Build()
}
