package mocks

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/dl-alexandre/dbxsync/internal/types"
	"golang.org/x/oauth2"
)

// FakeDropbox serves the list_folder, team_folder and download endpoints
// from memory
type FakeDropbox struct {
	Server *httptest.Server

	mu          sync.Mutex
	teamFolders []types.Scope
	listings    map[string][]types.ListingEntry
	files       map[string][]byte
	failures    map[string]int
	pageSize    int
	calls       map[string]int
	adminIDs    map[string]bool
}

// NewFakeDropbox starts a fake Dropbox API; Close it when done
func NewFakeDropbox() *FakeDropbox {
	f := &FakeDropbox{
		listings: make(map[string][]types.ListingEntry),
		files:    make(map[string][]byte),
		failures: make(map[string]int),
		calls:    make(map[string]int),
		adminIDs: make(map[string]bool),
		pageSize: 2,
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

// URL is used as both the API and the content base URL
func (f *FakeDropbox) URL() string { return f.Server.URL }

func (f *FakeDropbox) Close() { f.Server.Close() }

// SetPageSize sets how many entries each page carries
func (f *FakeDropbox) SetPageSize(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pageSize = n
}

// AddTeamFolder registers a team folder and its recursive listing
func (f *FakeDropbox) AddTeamFolder(scope types.Scope, entries ...types.ListingEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if scope.Status == "" {
		scope.Status = "active"
	}
	f.teamFolders = append(f.teamFolders, scope)
	f.listings[scope.ID] = entries
}

// SetListing replaces the listing of a team folder, or of a plain path when
// key starts with "/"
func (f *FakeDropbox) SetListing(key string, entries ...types.ListingEntry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listings[key] = entries
}

// SetFile registers downloadable content under a path or id
func (f *FakeDropbox) SetFile(pathOrID string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[pathOrID] = content
}

// FailListing makes every listing call for key answer with status
func (f *FakeDropbox) FailListing(key string, status int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[key] = status
}

// Calls returns how many requests endpoint has served
func (f *FakeDropbox) Calls(endpoint string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[endpoint]
}

// SawAdmin reports whether a request selected admin member id
func (f *FakeDropbox) SawAdmin(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.adminIDs[id]
}

func (f *FakeDropbox) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.calls[r.URL.Path]++
	if id := r.Header.Get("Dropbox-API-Select-Admin"); id != "" {
		f.adminIDs[id] = true
	}
	f.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		writeDropboxError(w, http.StatusUnauthorized, "missing_token/")
		return
	}

	switch r.URL.Path {
	case "/team/team_folder/list":
		f.teamFolderPage(w, 0)
	case "/team/team_folder/list/continue":
		var body struct {
			Cursor string `json:"cursor"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		_, offset, ok := parseCursor(body.Cursor)
		if !ok {
			writeDropboxError(w, http.StatusConflict, "invalid_cursor/")
			return
		}
		f.teamFolderPage(w, offset)
	case "/files/list_folder":
		var body struct {
			Path string `json:"path"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		key := namespaceOf(r)
		if key == "" {
			key = body.Path
		}
		f.listingPage(w, key, 0)
	case "/files/list_folder/continue":
		var body struct {
			Cursor string `json:"cursor"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		key, offset, ok := parseCursor(body.Cursor)
		if !ok {
			writeDropboxError(w, http.StatusConflict, "reset/")
			return
		}
		f.listingPage(w, key, offset)
	case "/files/download":
		var arg struct {
			Path string `json:"path"`
		}
		_ = json.Unmarshal([]byte(r.Header.Get("Dropbox-API-Arg")), &arg)
		f.mu.Lock()
		content, ok := f.files[arg.Path]
		f.mu.Unlock()
		if !ok {
			writeDropboxError(w, http.StatusConflict, "path/not_found/")
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(content)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *FakeDropbox) teamFolderPage(w http.ResponseWriter, offset int) {
	f.mu.Lock()
	folders := f.teamFolders
	size := f.pageSize
	f.mu.Unlock()

	end := offset + size
	if end > len(folders) {
		end = len(folders)
	}
	page := map[string]interface{}{
		"team_folders": folders[offset:end],
		"has_more":     end < len(folders),
		"cursor":       "",
	}
	if end < len(folders) {
		page["cursor"] = makeCursor("teamfolders", end)
	}
	writeJSON(w, page)
}

func (f *FakeDropbox) listingPage(w http.ResponseWriter, key string, offset int) {
	f.mu.Lock()
	status, failing := f.failures[key]
	entries, known := f.listings[key]
	size := f.pageSize
	f.mu.Unlock()

	if failing {
		writeDropboxError(w, status, "fake/failure/")
		return
	}
	if !known {
		writeDropboxError(w, http.StatusConflict, "path/not_found/")
		return
	}

	end := offset + size
	if end > len(entries) {
		end = len(entries)
	}
	if offset > end {
		offset = end
	}
	page := map[string]interface{}{
		"entries":  entries[offset:end],
		"has_more": end < len(entries),
		"cursor":   makeCursor(key, end),
	}
	writeJSON(w, page)
}

func namespaceOf(r *http.Request) string {
	raw := r.Header.Get("Dropbox-API-Path-Root")
	if raw == "" {
		return ""
	}
	var root struct {
		NamespaceID string `json:"namespace_id"`
	}
	if err := json.Unmarshal([]byte(raw), &root); err != nil {
		return ""
	}
	return root.NamespaceID
}

func makeCursor(key string, offset int) string {
	return fmt.Sprintf("%s#%d", key, offset)
}

func parseCursor(cursor string) (string, int, bool) {
	i := strings.LastIndex(cursor, "#")
	if i < 0 {
		return "", 0, false
	}
	offset, err := strconv.Atoi(cursor[i+1:])
	if err != nil {
		return "", 0, false
	}
	return cursor[:i], offset, true
}

func writeDropboxError(w http.ResponseWriter, status int, summary string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error_summary": summary,
		"error":         map[string]string{".tag": strings.SplitN(summary, "/", 2)[0]},
	})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// BearerClient returns an HTTP client that sends a static bearer token
func BearerClient(token string) *http.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
	return oauth2.NewClient(context.Background(), src)
}
