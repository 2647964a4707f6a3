package eventstore

import "context"

// Store is an append-only log of build records.
type Store interface {
	// Append stores r and returns its sequence number.
	Append(ctx context.Context, r Record) (int64, error)
	// ForBuild returns the records of one build in append order.
	ForBuild(ctx context.Context, buildID string) ([]Record, error)
	// Replay calls fn for every record after seq, in order, stopping at
	// the first error fn returns.
	Replay(ctx context.Context, after int64, fn func(Record) error) error
	Close() error
}
