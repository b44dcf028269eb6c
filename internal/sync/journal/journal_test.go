package journal

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "nested", "journal.db"))
	testhelpers.AssertNoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := db.StartRun(ctx, Run{ID: "run-1", ObservedAt: "2024-05-01T12:00:00.000000Z", StartedAt: started, Phase: "START"})
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertNoError(t, db.SetPhase(ctx, "run-1", "SCAN_INDEX"))

	run, err := db.GetRun(ctx, "run-1")
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, run.Status, StatusRunning)
	testhelpers.AssertEqual(t, run.Phase, "SCAN_INDEX")
	testhelpers.AssertEqual(t, run.StartedAt.Equal(started), true)
	if run.FinishedAt != nil {
		t.Error("Expected running run to have no finish time")
	}

	finished := started.Add(time.Minute)
	err = db.FinishRun(ctx, Run{
		ID: "run-1", Phase: "DONE", Status: StatusSucceeded, FinishedAt: &finished,
		Scopes: 2, Records: 10, Upserted: 10, Tombstoned: 3,
	})
	testhelpers.AssertNoError(t, err)

	run, err = db.GetRun(ctx, "run-1")
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, run.Status, StatusSucceeded)
	testhelpers.AssertEqual(t, run.Tombstoned, 3)
	testhelpers.AssertEqual(t, run.FinishedAt.Equal(finished), true)

	last, err := db.LastSucceeded(ctx)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, last.ID, "run-1")
}

func TestGetRun_NotFound(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetRun(context.Background(), "missing")
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Expected ErrRunNotFound, got %v", err)
	}
	err = db.FinishRun(context.Background(), Run{ID: "missing", Status: StatusFailed})
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Expected ErrRunNotFound from FinishRun, got %v", err)
	}
	_, err = db.LastSucceeded(context.Background())
	if !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("Expected ErrRunNotFound from LastSucceeded, got %v", err)
	}
}

func TestListRuns_NewestFirst(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		err := db.StartRun(ctx, Run{ID: id, ObservedAt: "x", StartedAt: base.Add(time.Duration(i) * time.Hour), Phase: "START"})
		testhelpers.AssertNoError(t, err)
	}

	runs, err := db.ListRuns(ctx, 2)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(runs), 2)
	testhelpers.AssertEqual(t, runs[0].ID, "c")
	testhelpers.AssertEqual(t, runs[1].ID, "b")

	all, err := db.ListRuns(ctx, 0)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(all), 3)
}

func TestRecordScopes_Replaces(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	testhelpers.AssertNoError(t, db.StartRun(ctx, Run{ID: "r", ObservedAt: "x", StartedAt: time.Now(), Phase: "START"}))

	err := db.RecordScopes(ctx, "r", []ScopeRun{{Scope: "Sales", Pages: 1}})
	testhelpers.AssertNoError(t, err)
	err = db.RecordScopes(ctx, "r", []ScopeRun{
		{Scope: "Sales", Pages: 3, Records: 5, Duration: 1500 * time.Millisecond},
		{Scope: "Eng", Error: "PERMISSION_DENIED"},
	})
	testhelpers.AssertNoError(t, err)

	scopes, err := db.ListScopes(ctx, "r")
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(scopes), 2)
	testhelpers.AssertEqual(t, scopes[0].Scope, "Eng")
	testhelpers.AssertEqual(t, scopes[0].Error, "PERMISSION_DENIED")
	testhelpers.AssertEqual(t, scopes[1].Pages, 3)
	testhelpers.AssertEqual(t, scopes[1].Duration, 1500*time.Millisecond)
}

func TestDownloads(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	testhelpers.AssertNoError(t, db.RecordDownload(ctx, Download{Folder: "/counter files", Name: "jan.csv", Size: 10}))
	testhelpers.AssertNoError(t, db.RecordDownload(ctx, Download{Folder: "/counter files", Name: "feb.csv", Size: 20}))
	testhelpers.AssertNoError(t, db.RecordDownload(ctx, Download{Folder: "/other", Name: "x.csv"}))
	testhelpers.AssertNoError(t, db.MarkProcessed(ctx, "/counter files", "jan.csv", time.Now()))
	testhelpers.AssertNoError(t, db.MarkProcessed(ctx, "/counter files", "unknown.csv", time.Now()))

	list, err := db.ListDownloads(ctx, "/counter files")
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(list), 2)
	testhelpers.AssertEqual(t, list[0].Name, "feb.csv")
	testhelpers.AssertEqual(t, list[0].ProcessedAt == nil, true)
	testhelpers.AssertEqual(t, list[1].ProcessedAt != nil, true)

	// a fresh download of the same name clears the processed mark
	testhelpers.AssertNoError(t, db.RecordDownload(ctx, Download{Folder: "/counter files", Name: "jan.csv", Size: 11}))
	list, err = db.ListDownloads(ctx, "")
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(list), 3)
	testhelpers.AssertEqual(t, list[1].Name, "jan.csv")
	testhelpers.AssertEqual(t, list[1].Size, int64(11))
	testhelpers.AssertEqual(t, list[1].ProcessedAt == nil, true)
}
