package eventstore

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func newTestProjection(t *testing.T, size int) (*SQLiteStore, *BuildHistoryProjection) {
	t.Helper()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, NewBuildHistoryProjection(store, size)
}

func TestBuildHistoryProjection_ApplyRecords(t *testing.T) {
	_, projection := newTestProjection(t, 10)
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	projection.Apply(mustRecord(t, testBuildID, TypeBuildStarted, start, Payload{BuildType: "binarypackage"}))
	summary, ok := projection.GetBuild(testBuildID)
	if !ok {
		t.Fatal("Expected build to exist")
	}
	if summary.Status != BuildRunning || summary.BuildType != "binarypackage" {
		t.Errorf("Unexpected summary after start: %+v", summary)
	}

	projection.Apply(mustRecord(t, testBuildID, TypeBuildFailed, start.Add(time.Minute),
		Payload{Outcome: "DEPFAIL", Dependency: "libfoo-dev"}))
	summary, _ = projection.GetBuild(testBuildID)
	if summary.Outcome != "DEPFAIL" || summary.Dependency != "libfoo-dev" {
		t.Errorf("Expected DEPFAIL on libfoo-dev, got %q %q", summary.Outcome, summary.Dependency)
	}
	if len(projection.GetHistory()) != 0 {
		t.Error("A failure report does not complete the build")
	}

	projection.Apply(mustRecord(t, testBuildID, TypeBuildCompleted, start.Add(2*time.Minute), Payload{
		Outcome:    "DEPFAIL",
		Dependency: "libfoo-dev",
		Artifacts:  map[string]string{"foo_1_amd64.changes": "abc"},
	}))
	summary, _ = projection.GetBuild(testBuildID)
	if summary.Status != BuildCompleted || summary.Duration != 2*time.Minute {
		t.Errorf("Expected completion after 2m, got %+v", summary)
	}
	if summary.Artifacts["foo_1_amd64.changes"] != "abc" {
		t.Errorf("Expected artifact checksum 'abc', got %v", summary.Artifacts)
	}
	if projection.GetActiveBuild() != nil {
		t.Error("Expected no active build after completion")
	}

	projection.Apply(mustRecord(t, testBuildID, TypeBuilderCleaned, start.Add(3*time.Minute), Payload{}))
	history := projection.GetHistory()
	if len(history) != 1 || !history[0].Cleaned {
		t.Fatalf("Expected one cleaned history entry, got %+v", history)
	}
}

func TestBuildHistoryProjection_Aborting(t *testing.T) {
	_, projection := newTestProjection(t, 10)
	now := time.Now()

	projection.Apply(mustRecord(t, "aborted", TypeBuildStarted, now, Payload{BuildType: "snap"}))
	projection.Apply(mustRecord(t, "aborted", TypeBuildAborting, now, Payload{}))

	active := projection.GetActiveBuild()
	if active == nil || active.Status != BuildAborting {
		t.Fatalf("Expected aborting active build, got %+v", active)
	}

	projection.Apply(mustRecord(t, "aborted", TypeBuildCompleted, now.Add(time.Second), Payload{Outcome: "ABORTED"}))
	if projection.GetActiveBuild() != nil {
		t.Error("Expected no active build after completion")
	}
}

func TestBuildHistoryProjection_Rebuild(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestProjection(t, 10)

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for _, r := range []Record{
		mustRecord(t, "charm-1", TypeBuildStarted, start, Payload{BuildType: "charm"}),
		mustRecord(t, "charm-1", TypeBuildCompleted, start.Add(3*time.Second),
			Payload{Outcome: "OK", Artifacts: map[string]string{"db.charm": "123"}}),
	} {
		r.Builder = "bos02"
		if _, err := store.Append(ctx, r); err != nil {
			t.Fatalf("Failed to append: %v", err)
		}
	}

	projection := NewBuildHistoryProjection(store, 10)
	if err := projection.Rebuild(ctx); err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}

	summary, ok := projection.GetBuild("charm-1")
	if !ok {
		t.Fatal("Expected build to exist after rebuild")
	}
	if summary.Status != BuildCompleted || summary.Outcome != "OK" || summary.BuildType != "charm" || summary.Builder != "bos02" {
		t.Errorf("Unexpected summary after rebuild: %+v", summary)
	}
	if summary.Duration != 3*time.Second {
		t.Errorf("Expected duration from record times, got %v", summary.Duration)
	}
	if summary.Artifacts["db.charm"] != "123" {
		t.Errorf("Expected artifact to survive rebuild, got %v", summary.Artifacts)
	}
	if projection.LastSeq() != 2 {
		t.Errorf("Expected last sequence 2, got %d", projection.LastSeq())
	}
	if projection.LastSyncTime().IsZero() {
		t.Error("Expected last sync time to be set")
	}
}

func TestBuildHistoryProjection_HistoryLimit(t *testing.T) {
	_, projection := newTestProjection(t, 3)
	now := time.Now()

	for i := range 5 {
		buildID := fmt.Sprintf("build-%d", i)
		projection.Apply(mustRecord(t, buildID, TypeBuildStarted, now, Payload{BuildType: "binarypackage"}))
		projection.Apply(mustRecord(t, buildID, TypeBuildCompleted, now, Payload{Outcome: "OK"}))
	}

	history := projection.GetHistory()
	if len(history) != 3 {
		t.Fatalf("Expected history length 3, got %d", len(history))
	}
	if history[0].BuildID != "build-4" {
		t.Errorf("Expected newest build first, got %q", history[0].BuildID)
	}
	if _, ok := projection.GetBuild("build-0"); ok {
		t.Error("Expected oldest build to be pruned")
	}
}
