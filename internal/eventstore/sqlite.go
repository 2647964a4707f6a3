package eventstore

import (
	"context"
	"database/sql"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS build_records (
	seq      INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id TEXT    NOT NULL,
	type     TEXT    NOT NULL,
	builder  TEXT    NOT NULL DEFAULT '',
	at_ms    INTEGER NOT NULL,
	payload  BLOB    NOT NULL
);
CREATE INDEX IF NOT EXISTS build_records_build ON build_records(build_id, seq);
`

const selectRecords = `SELECT seq, build_id, type, builder, at_ms, payload FROM build_records`

// SQLiteStore is a Store in a single SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	clock clockwork.Clock
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens or creates the store at path. ":memory:" gives a
// private in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return NewSQLiteStoreWithClock(path, clockwork.NewRealClock())
}

// NewSQLiteStoreWithClock is NewSQLiteStore with the clock used to stamp
// records appended without a time.
func NewSQLiteStoreWithClock(path string, clock clockwork.Clock) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wrap(ErrDatabaseOpenFailed, err)
	}
	// One connection: an in-memory database lives per connection, and the
	// daemon has a single writer anyway.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000;" + schema); err != nil {
		_ = db.Close()
		return nil, wrap(ErrInitializeSchemaFailed, err)
	}
	return &SQLiteStore{db: db, clock: clock}, nil
}

// Append stores r. A zero r.At is replaced by the current time.
func (s *SQLiteStore) Append(ctx context.Context, r Record) (int64, error) {
	at := r.At
	if at.IsZero() {
		at = s.clock.Now()
	}
	payload := []byte(r.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO build_records (build_id, type, builder, at_ms, payload) VALUES (?, ?, ?, ?, ?)`,
		r.BuildID, r.Type, r.Builder, at.UnixMilli(), payload)
	if err != nil {
		return 0, wrap(ErrEventAppendFailed, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, wrap(ErrEventAppendFailed, err)
	}
	return seq, nil
}

// ForBuild returns the records of buildID.
func (s *SQLiteStore) ForBuild(ctx context.Context, buildID string) ([]Record, error) {
	var out []Record
	err := s.query(ctx, func(r Record) error {
		out = append(out, r)
		return nil
	}, selectRecords+` WHERE build_id = ? ORDER BY seq`, buildID)
	return out, err
}

// Replay streams the records after seq.
func (s *SQLiteStore) Replay(ctx context.Context, after int64, fn func(Record) error) error {
	return s.query(ctx, fn, selectRecords+` WHERE seq > ? ORDER BY seq`, after)
}

func (s *SQLiteStore) query(ctx context.Context, fn func(Record) error, q string, args ...any) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return wrap(ErrEventQueryFailed, err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			r       Record
			atMS    int64
			payload []byte
		)
		if err := rows.Scan(&r.Seq, &r.BuildID, &r.Type, &r.Builder, &atMS, &payload); err != nil {
			return wrap(ErrEventScanFailed, err)
		}
		r.At = time.UnixMilli(atMS)
		r.Payload = payload
		if err := fn(r); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return wrap(ErrEventScanFailed, err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
