package eventstore

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

const testBuildID = "build-123"

func mustRecord(t *testing.T, buildID, recordType string, at time.Time, p Payload) Record {
	t.Helper()
	r, err := NewRecord(buildID, recordType, at, p)
	if err != nil {
		t.Fatalf("failed to create record: %v", err)
	}
	return r
}

func TestSQLiteStore_AppendAndForBuild(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := t.Context()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := mustRecord(t, testBuildID, TypeBuildCompleted, at, Payload{Outcome: "OK", DurationMS: 1500})
	r.Builder = "bos01"

	seq, err := store.Append(ctx, r)
	if err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	if seq != 1 {
		t.Errorf("expected first sequence number 1, got %d", seq)
	}

	records, err := store.ForBuild(ctx, testBuildID)
	if err != nil {
		t.Fatalf("failed to read build: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	got := records[0]
	if got.Seq != seq || got.Type != TypeBuildCompleted || got.Builder != "bos01" {
		t.Errorf("unexpected record: %+v", got)
	}
	if !got.At.Equal(at) {
		t.Errorf("expected time %v, got %v", at, got.At)
	}
	if body := got.Decode(); body.Outcome != "OK" || body.DurationMS != 1500 {
		t.Errorf("unexpected payload: %+v", body)
	}
}

func TestSQLiteStore_StampsMissingTime(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store, err := NewSQLiteStoreWithClock(":memory:", clock)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	if _, err := store.Append(t.Context(), Record{BuildID: "b", Type: TypeBuildAborting}); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	records, _ := store.ForBuild(t.Context(), "b")
	if len(records) != 1 || !records[0].At.Equal(clock.Now()) {
		t.Fatalf("expected record stamped %v, got %+v", clock.Now(), records)
	}
	if string(records[0].Payload) != "{}" {
		t.Errorf("expected empty object payload, got %q", records[0].Payload)
	}
}

func TestSQLiteStore_Replay(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	ctx := t.Context()
	for _, id := range []string{"build-1", "build-2", "build-1"} {
		if _, err := store.Append(ctx, Record{BuildID: id, Type: TypeBuildStarted}); err != nil {
			t.Fatalf("failed to append: %v", err)
		}
	}

	var seqs []int64
	err = store.Replay(ctx, 1, func(r Record) error {
		seqs = append(seqs, r.Seq)
		return nil
	})
	if err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 2 || seqs[1] != 3 {
		t.Errorf("expected records 2 and 3, got %v", seqs)
	}

	stop := errors.New("stop")
	calls := 0
	err = store.Replay(ctx, 0, func(Record) error {
		calls++
		return stop
	})
	if !errors.Is(err, stop) || calls != 1 {
		t.Errorf("expected replay to stop after the first error, got %v after %d calls", err, calls)
	}

	records, _ := store.ForBuild(ctx, "build-1")
	if len(records) != 2 {
		t.Errorf("expected 2 records for build-1, got %d", len(records))
	}
}

func TestSQLiteStore_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.db")
	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	if _, err := store.Append(t.Context(), Record{BuildID: "7", Type: TypeBuildStarted}); err != nil {
		t.Fatalf("failed to append: %v", err)
	}
	_ = store.Close()

	reopened, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("failed to reopen store: %v", err)
	}
	defer func() { _ = reopened.Close() }()
	records, err := reopened.ForBuild(t.Context(), "7")
	if err != nil || len(records) != 1 {
		t.Fatalf("expected the record to survive reopening, got %v %v", records, err)
	}
}

func TestSQLiteStore_Closed(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	_ = store.Close()

	_, err = store.Append(t.Context(), Record{BuildID: "build-1", Type: TypeBuildStarted})
	if !errors.Is(err, ErrEventAppendFailed) {
		t.Errorf("expected ErrEventAppendFailed, got %v", err)
	}
}
