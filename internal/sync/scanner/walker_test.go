package scanner

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"testing"

	"github.com/dl-alexandre/dbxsync/internal/dropbox"
	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
	"github.com/dl-alexandre/dbxsync/internal/testing/mocks"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

func newTestDropbox(fake *mocks.FakeDropbox) *dropbox.Client {
	return dropbox.NewClient(mocks.BearerClient("test-token"), dropbox.Options{
		APIURL:        fake.URL(),
		ContentURL:    fake.URL(),
		AdminMemberID: "dbmid:admin",
		RetryDelayMs:  1,
	})
}

func recordIDs(records []types.NormalizedRecord) []string {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		ids = append(ids, r.ID)
	}
	sort.Strings(ids)
	return ids
}

func TestWalk_MergesScopes(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()
	sales := testhelpers.TestScope("ns-sales", "Sales")
	eng := testhelpers.TestScope("ns-eng", "Eng")
	fake.AddTeamFolder(sales,
		testhelpers.TestFileEntry("id:a", "/a.txt", 1),
		testhelpers.TestDeletedEntry("/old.txt"),
		testhelpers.TestFileEntry("id:b", "/b.txt", 2),
	)
	fake.AddTeamFolder(eng,
		testhelpers.TestFolderEntry("id:src", "/src"),
		testhelpers.TestFileEntry("id:c", "/src/main.go", 3),
	)

	walker := NewWalker(newTestDropbox(fake), WalkerOptions{Workers: 2, ObservedAt: testObservedAt})
	result, err := walker.Walk(context.Background(), []types.Scope{sales, eng})
	testhelpers.AssertNoError(t, err)

	testhelpers.AssertStrings(t, recordIDs(result.Records), []string{"id:a", "id:b", "id:c", "id:src"})
	testhelpers.AssertStrings(t, result.Completed, []string{"Eng", "Sales"})
	testhelpers.AssertEqual(t, result.Incomplete(), false)
	testhelpers.AssertEqual(t, result.Dropped, 1)
	testhelpers.AssertEqual(t, len(result.Scopes), 2)
	testhelpers.AssertEqual(t, result.Scopes[1].Scope, "Sales")
	testhelpers.AssertEqual(t, result.Scopes[1].Pages, 2)
	testhelpers.AssertEqual(t, result.Scopes[1].Entries, 3)
	testhelpers.AssertEqual(t, len(result.IDs()), 4)

	for _, rec := range result.Records {
		if rec.ID == "id:c" {
			testhelpers.AssertEqual(t, rec.PathDisplay, "Eng/src/main.go")
			testhelpers.AssertEqual(t, rec.BaseFolder, "Eng")
		}
	}
	if !fake.SawAdmin("dbmid:admin") {
		t.Error("Expected scoped listings to select the team admin")
	}
}

func TestWalk_FailFastCancelsRemainingScopes(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()
	broken := testhelpers.TestScope("ns-broken", "Broken")
	sales := testhelpers.TestScope("ns-sales", "Sales")
	fake.AddTeamFolder(broken)
	fake.AddTeamFolder(sales, testhelpers.TestFileEntry("id:a", "/a.txt", 1))
	fake.FailListing("ns-broken", http.StatusForbidden)

	walker := NewWalker(newTestDropbox(fake), WalkerOptions{Workers: 1})
	result, err := walker.Walk(context.Background(), []types.Scope{broken, sales})
	testhelpers.AssertError(t, err)
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodeScopeFailed)
	testhelpers.AssertEqual(t, len(result.Failed), 1)
	testhelpers.AssertEqual(t, result.Failed[0].Scope, "Broken")
	testhelpers.AssertEqual(t, len(result.Completed), 0)
}

func TestWalk_PartialKeepsGoing(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()
	broken := testhelpers.TestScope("ns-broken", "Broken")
	sales := testhelpers.TestScope("ns-sales", "Sales")
	fake.AddTeamFolder(broken)
	fake.AddTeamFolder(sales, testhelpers.TestFileEntry("id:a", "/a.txt", 1))
	fake.FailListing("ns-broken", http.StatusForbidden)

	walker := NewWalker(newTestDropbox(fake), WalkerOptions{Workers: 1, FailurePolicy: utils.FailurePolicyPartial})
	result, err := walker.Walk(context.Background(), []types.Scope{broken, sales})
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, result.Incomplete(), true)
	testhelpers.AssertStrings(t, result.Completed, []string{"Sales"})
	testhelpers.AssertEqual(t, utils.ErrorCode(result.Failed[0].Err), utils.ErrCodePermissionDenied)
	testhelpers.AssertStrings(t, recordIDs(result.Records), []string{"id:a"})
}

func TestWalk_StreamsPages(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()
	sales := testhelpers.TestScope("ns-sales", "Sales")
	fake.AddTeamFolder(sales,
		testhelpers.TestFileEntry("id:a", "/a.txt", 1),
		testhelpers.TestFileEntry("id:b", "/b.txt", 1),
		testhelpers.TestFileEntry("id:c", "/c.txt", 1),
	)

	var mu sync.Mutex
	var streamed []int
	hook := func(ctx context.Context, scope types.Scope, records []types.NormalizedRecord) error {
		mu.Lock()
		defer mu.Unlock()
		streamed = append(streamed, len(records))
		return nil
	}

	walker := NewWalker(newTestDropbox(fake), WalkerOptions{OnPage: hook})
	result, err := walker.Walk(context.Background(), []types.Scope{sales})
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(result.Records), 3)
	testhelpers.AssertEqual(t, len(streamed), 2)
	testhelpers.AssertEqual(t, streamed[0]+streamed[1], 3)
}

func TestWalk_NoScopes(t *testing.T) {
	walker := NewWalker(nil, WalkerOptions{})
	result, err := walker.Walk(context.Background(), nil)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(result.Records), 0)
	testhelpers.AssertEqual(t, result.Incomplete(), false)
}

func TestActiveTeamFolders(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()
	fake.SetPageSize(1)
	fake.AddTeamFolder(testhelpers.TestScope("ns-sales", "Sales"))
	fake.AddTeamFolder(types.Scope{ID: "ns-old", Name: "Archive", Status: "archived"})
	fake.AddTeamFolder(testhelpers.TestScope("ns-eng", "Eng"))

	scopes, err := ActiveTeamFolders(context.Background(), newTestDropbox(fake), nil)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(scopes), 2)
	testhelpers.AssertEqual(t, scopes[0].Name, "Eng")
	testhelpers.AssertEqual(t, scopes[1].Name, "Sales")
	testhelpers.AssertEqual(t, fake.Calls("/team/team_folder/list/continue"), 2)
}

func TestFilterScopes(t *testing.T) {
	scopes := []types.Scope{
		testhelpers.TestScope("1", "Eng"),
		testhelpers.TestScope("2", "Sales"),
	}

	kept, unknown := FilterScopes(scopes, nil)
	testhelpers.AssertEqual(t, len(kept), 2)
	testhelpers.AssertEqual(t, len(unknown), 0)

	kept, unknown = FilterScopes(scopes, []string{"Sales", "Legal", "Legal"})
	testhelpers.AssertEqual(t, len(kept), 1)
	testhelpers.AssertEqual(t, kept[0].Name, "Sales")
	testhelpers.AssertStrings(t, unknown, []string{"Legal"})
}
