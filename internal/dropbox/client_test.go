package dropbox

import (
	"context"
	"io"
	"net/http"
	"testing"

	testhelpers "github.com/dl-alexandre/dbxsync/internal/testing"
	"github.com/dl-alexandre/dbxsync/internal/testing/mocks"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

func newTestClient(fake *mocks.FakeDropbox) *Client {
	return NewClient(mocks.BearerClient("test-token"), Options{
		APIURL:        fake.URL(),
		ContentURL:    fake.URL(),
		AdminMemberID: "dbmid:admin",
		MaxRetries:    0,
		RetryDelayMs:  1,
	})
}

func TestListFolder_PagesThroughScope(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()

	scope := testhelpers.TestScope("ns1", "Sales")
	fake.AddTeamFolder(scope,
		testhelpers.TestFolderEntry("id:f", "/Q3"),
		testhelpers.TestFileEntry("id:a", "/Q3/report.csv", 10),
		testhelpers.TestFileEntry("id:b", "/Q3/notes.txt", 20),
	)

	client := newTestClient(fake)
	ctx := context.Background()
	reqCtx := testhelpers.TestRequestContext()

	page, err := client.ListFolder(ctx, reqCtx, &scope, RecursiveListing())
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(page.Entries), 2)
	testhelpers.AssertEqual(t, page.HasMore, true)
	testhelpers.AssertEqual(t, page.Entries[0].ID, "id:f")

	next, err := client.ListFolderContinue(ctx, reqCtx, &scope, page.Cursor)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(next.Entries), 1)
	testhelpers.AssertEqual(t, next.HasMore, false)
	testhelpers.AssertEqual(t, next.Entries[0].Name, "notes.txt")

	if !fake.SawAdmin("dbmid:admin") {
		t.Error("Expected the admin member header on scoped listings")
	}
}

func TestListTeamFolders(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()
	fake.SetPageSize(1)
	fake.AddTeamFolder(testhelpers.TestScope("ns1", "Sales"))
	fake.AddTeamFolder(testhelpers.TestScope("ns2", "Eng"))

	client := newTestClient(fake)
	ctx := context.Background()
	reqCtx := testhelpers.TestRequestContext()

	page, err := client.ListTeamFolders(ctx, reqCtx)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, len(page.TeamFolders), 1)
	testhelpers.AssertEqual(t, page.TeamFolders[0].Name, "Sales")
	testhelpers.AssertEqual(t, page.HasMore, true)

	next, err := client.ListTeamFoldersContinue(ctx, reqCtx, page.Cursor)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, next.TeamFolders[0].ID, "ns2")
	testhelpers.AssertEqual(t, next.HasMore, false)
}

func TestListFolder_ErrorsAreClassified(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()

	scope := testhelpers.TestScope("ns1", "Sales")
	fake.AddTeamFolder(scope)
	fake.FailListing("ns1", http.StatusForbidden)

	client := newTestClient(fake)
	_, err := client.ListFolder(context.Background(), testhelpers.TestRequestContext(), &scope, RecursiveListing())
	testhelpers.AssertError(t, err)
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodePermissionDenied)
}

func TestListFolder_RequiresToken(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()

	client := NewClient(http.DefaultClient, Options{APIURL: fake.URL(), ContentURL: fake.URL()})
	_, err := client.ListTeamFolders(context.Background(), testhelpers.TestRequestContext())
	testhelpers.AssertError(t, err)
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodeAuthRequired)
}

func TestDownload(t *testing.T) {
	fake := mocks.NewFakeDropbox()
	defer fake.Close()
	fake.SetFile("id:counter", []byte("a,b,c\n1,2,3\n"))

	client := newTestClient(fake)
	body, err := client.Download(context.Background(), testhelpers.TestRequestContext(), "id:counter")
	testhelpers.AssertNoError(t, err)
	defer body.Close()

	data, err := io.ReadAll(body)
	testhelpers.AssertNoError(t, err)
	testhelpers.AssertEqual(t, string(data), "a,b,c\n1,2,3\n")

	_, err = client.Download(context.Background(), testhelpers.TestRequestContext(), "id:missing")
	testhelpers.AssertEqual(t, utils.ErrorCode(err), utils.ErrCodeNotFound)
}

func TestHeaderSafeJSON(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"/plain/path.txt", `{"path":"/plain/path.txt"}`},
		{"/Caf\u00e9.txt", `{"path":"/Caf\u00e9.txt"}`},
		{"/\U0001F600", `{"path":"/\ud83d\ude00"}`},
	}
	for _, tt := range tests {
		got, err := headerSafeJSON(map[string]string{"path": tt.in})
		testhelpers.AssertNoError(t, err)
		testhelpers.AssertEqual(t, got, tt.want, tt.in)
	}
}
