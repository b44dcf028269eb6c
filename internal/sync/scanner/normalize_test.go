package scanner

import (
	"errors"
	"testing"

	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
	"github.com/dl-alexandre/dbxsync/internal/types"
)

const testObservedAt = "2024-05-01T12:00:00.000000Z"

func TestExtension(t *testing.T) {
	tests := []struct {
		name string
		want string
	}{
		{"report.Q3.csv", "csv"},
		{"README", ""},
		{"archive.tar.gz", "gz"},
		{".bashrc", "bashrc"},
		{"trailing.", ""},
		{"Budgets 2024", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			testhelpers.AssertEqual(t, Extension(tt.name), tt.want)
		})
	}
}

func TestNormalize_PathDerivation(t *testing.T) {
	scope := testhelpers.TestScope("ns-fin", "Finance")
	entry := testhelpers.TestFileEntry("id:1", "/budgets/2024.xlsx", 42)

	rec, ok, err := Normalize(entry, scope, testObservedAt)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, ok, true)
	testhelpers.AssertEqual(t, rec.PathDisplay, "Finance/budgets/2024.xlsx")
	testhelpers.AssertEqual(t, rec.PathLower, "finance/budgets/2024.xlsx")
	testhelpers.AssertEqual(t, rec.Depth, 2)
	testhelpers.AssertEqual(t, rec.ParentPath, "finance/budgets")
	testhelpers.AssertEqual(t, rec.BaseFolder, "Finance")
	testhelpers.AssertEqual(t, rec.Extension, "xlsx")
	testhelpers.AssertEqual(t, rec.LifecycleState, types.LifecycleActive)
	testhelpers.AssertEqual(t, rec.ObservedAt, testObservedAt)
	testhelpers.AssertEqual(t, rec.Size, int64(42))
	testhelpers.AssertEqual(t, rec.Rev, "rev-id:1")
	testhelpers.AssertEqual(t, rec.IsDownloadable, true)
}

func TestNormalize_Folder(t *testing.T) {
	scope := testhelpers.TestScope("ns-eng", "Eng")
	rec, ok, err := Normalize(testhelpers.TestFolderEntry("id:f", "/src.old"), scope, testObservedAt)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, ok, true)
	testhelpers.AssertEqual(t, rec.Tag, types.EntryKindFolder)
	testhelpers.AssertEqual(t, rec.Extension, "old")
	testhelpers.AssertEqual(t, rec.Depth, 1)
	testhelpers.AssertEqual(t, rec.ParentPath, "eng")
}

func TestNormalize_DeletedMarkerIsDropped(t *testing.T) {
	scope := testhelpers.TestScope("ns-eng", "Eng")
	_, ok, err := Normalize(testhelpers.TestDeletedEntry("/gone.txt"), scope, testObservedAt)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, ok, false)
}

func TestNormalize_NotDownloadable(t *testing.T) {
	scope := testhelpers.TestScope("ns-eng", "Eng")
	entry := testhelpers.TestFileEntry("id:p", "/deck.paper", 1)
	no := false
	entry.IsDownloadable = &no

	rec, _, err := Normalize(entry, scope, testObservedAt)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, rec.IsDownloadable, false)

	entry.IsDownloadable = nil
	rec, _, err = Normalize(entry, scope, testObservedAt)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, rec.IsDownloadable, true)
}

func TestNormalize_Malformed(t *testing.T) {
	scope := testhelpers.TestScope("ns-eng", "Eng")
	noID := testhelpers.TestFileEntry("", "/a.txt", 1)
	noPath := testhelpers.TestFileEntry("id:x", "/a.txt", 1)
	noPath.PathLower = ""
	unknown := testhelpers.TestFileEntry("id:y", "/a.txt", 1)
	unknown.Kind = "symlink"

	for name, entry := range map[string]types.ListingEntry{"no id": noID, "no path": noPath, "unknown tag": unknown} {
		t.Run(name, func(t *testing.T) {
			_, ok, err := Normalize(entry, scope, testObservedAt)
			if !errors.Is(err, ErrMalformedEntry) {
				t.Fatalf("Expected ErrMalformedEntry, got %v", err)
			}
			testhelpers.AssertEqual(t, ok, false)
		})
	}
}

func TestNormalizePage_DeletedDoesNotStopPage(t *testing.T) {
	scope := testhelpers.TestScope("ns-eng", "Eng")
	broken := testhelpers.TestFileEntry("", "/broken.txt", 1)
	entries := []types.ListingEntry{
		testhelpers.TestFileEntry("id:a", "/a.txt", 1),
		testhelpers.TestDeletedEntry("/old.txt"),
		broken,
		testhelpers.TestFileEntry("id:b", "/b.txt", 2),
	}

	var malformed []string
	records, stats := NormalizePage(entries, scope, testObservedAt, func(entry types.ListingEntry, err error) {
		malformed = append(malformed, entry.PathDisplay)
	})
	testhelpers.AssertEqual(t, len(records), 2)
	testhelpers.AssertEqual(t, records[0].ID, "id:a")
	testhelpers.AssertEqual(t, records[1].ID, "id:b")
	testhelpers.AssertEqual(t, stats.Dropped, 1)
	testhelpers.AssertEqual(t, stats.Malformed, 1)
	testhelpers.AssertStrings(t, malformed, []string{"/broken.txt"})
}
