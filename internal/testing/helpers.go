package testing

import (
	"context"
	pathpkg "path"
	"strings"
	"testing"

	"github.com/dl-alexandre/dbxsync/internal/types"
)

// TestContext creates a standard test context
func TestContext() context.Context {
	return context.Background()
}

// TestRequestContext creates a standard request context for testing
func TestRequestContext() *types.RequestContext {
	return &types.RequestContext{
		RunID:       "test-run",
		RequestType: types.RequestTypeListing,
		TraceID:     "test-trace-id",
	}
}

// TestScope creates an active team folder
func TestScope(id, name string) types.Scope {
	return types.Scope{ID: id, Name: name, Status: "active"}
}

// TestFileEntry creates a raw file entry; path is the display path inside
// the team folder, e.g. "/Budgets/Q3.xlsx"
func TestFileEntry(id, path string, size int64) types.ListingEntry {
	downloadable := true
	return types.ListingEntry{
		Kind:                 types.EntryKindFile,
		ID:                   id,
		Name:                 pathpkg.Base(path),
		PathDisplay:          path,
		PathLower:            strings.ToLower(path),
		Size:                 size,
		ContentHash:          "hash-" + id,
		Rev:                  "rev-" + id,
		ClientModified:       "2024-01-02T03:04:05Z",
		ServerModified:       "2024-01-02T03:04:06Z",
		ParentSharedFolderID: "ns-" + id,
		IsDownloadable:       &downloadable,
	}
}

// TestFolderEntry creates a raw folder entry
func TestFolderEntry(id, path string) types.ListingEntry {
	return types.ListingEntry{
		Kind:        types.EntryKindFolder,
		ID:          id,
		Name:        pathpkg.Base(path),
		PathDisplay: path,
		PathLower:   strings.ToLower(path),
	}
}

// TestDeletedEntry creates a deleted marker, which carries no id
func TestDeletedEntry(path string) types.ListingEntry {
	return types.ListingEntry{
		Kind:        types.EntryKindDeleted,
		Name:        pathpkg.Base(path),
		PathDisplay: path,
		PathLower:   strings.ToLower(path),
	}
}

// AssertNoError is a helper to fail the test if error is not nil
func AssertNoError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err != nil {
		if len(msgAndArgs) > 0 {
			t.Fatalf("%v: %v", msgAndArgs[0], err)
		} else {
			t.Fatalf("unexpected error: %v", err)
		}
	}
}

// AssertError is a helper to fail the test if error is nil
func AssertError(t *testing.T, err error, msgAndArgs ...interface{}) {
	t.Helper()
	if err == nil {
		if len(msgAndArgs) > 0 {
			t.Fatalf("%v: expected error but got nil", msgAndArgs[0])
		} else {
			t.Fatal("expected error but got nil")
		}
	}
}

// AssertEqual is a helper to fail the test if two values are not equal
func AssertEqual(t *testing.T, got, want interface{}, msgAndArgs ...interface{}) {
	t.Helper()
	if got != want {
		if len(msgAndArgs) > 0 {
			t.Fatalf("%v: got %v, want %v", msgAndArgs[0], got, want)
		} else {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

// AssertStrings fails the test unless got and want hold the same strings in
// the same order
func AssertStrings(t *testing.T, got, want []string, msgAndArgs ...interface{}) {
	t.Helper()
	equal := len(got) == len(want)
	for i := 0; equal && i < len(got); i++ {
		equal = got[i] == want[i]
	}
	if !equal {
		if len(msgAndArgs) > 0 {
			t.Fatalf("%v: got %v, want %v", msgAndArgs[0], got, want)
		} else {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
