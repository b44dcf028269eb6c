package mocks

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// FakeIndex is an in-memory search index speaking enough of the _bulk and
// scroll APIs for sink and scanner tests
type FakeIndex struct {
	Server *httptest.Server

	mu          sync.Mutex
	docs        map[string]map[string]map[string]interface{}
	scrolls     map[string]*fakeScroll
	nextScroll  int
	failItems   map[string]itemFailure
	expireNext  int
	bulkCalls   int
	scrollCalls int
	cleared     int
	username    string
	password    string
}

type itemFailure struct {
	status    int
	remaining int
}

type fakeScroll struct {
	ids  []string
	pos  int
	size int
}

// NewFakeIndex starts a fake index server; Close it when done
func NewFakeIndex() *FakeIndex {
	f := &FakeIndex{
		docs:      make(map[string]map[string]map[string]interface{}),
		scrolls:   make(map[string]*fakeScroll),
		failItems: make(map[string]itemFailure),
	}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *FakeIndex) URL() string { return f.Server.URL }

func (f *FakeIndex) Close() { f.Server.Close() }

// RequireBasicAuth makes every request check credentials
func (f *FakeIndex) RequireBasicAuth(username, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.username = username
	f.password = password
}

// Put stores a document directly, creating the index if needed
func (f *FakeIndex) Put(index, id string, doc map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexLocked(index)[id] = doc
}

// Doc returns a copy of a stored document
func (f *FakeIndex) Doc(index, id string) (map[string]interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	docs, ok := f.docs[index]
	if !ok {
		return nil, false
	}
	doc, ok := docs[id]
	if !ok {
		return nil, false
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out, true
}

// Count returns the number of documents in index
func (f *FakeIndex) Count(index string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.docs[index])
}

// IDsWithState returns the sorted ids whose lifecycle_state equals state
func (f *FakeIndex) IDsWithState(index, state string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var ids []string
	for id, doc := range f.docs[index] {
		if doc["lifecycle_state"] == state {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// FailItem makes the next times bulk items for id fail with status
func (f *FakeIndex) FailItem(id string, status int, times int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failItems[id] = itemFailure{status: status, remaining: times}
}

// ExpireNextScrolls makes the next n scroll continuations report an expired
// search context
func (f *FakeIndex) ExpireNextScrolls(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expireNext = n
}

// BulkCalls returns the number of _bulk requests served
func (f *FakeIndex) BulkCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bulkCalls
}

// ScrollCalls returns the number of scroll continuations served
func (f *FakeIndex) ScrollCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.scrollCalls
}

// ClearedScrolls returns how many scroll ids clients asked to clear
func (f *FakeIndex) ClearedScrolls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cleared
}

// OpenScrolls returns the number of scroll contexts not yet cleared
func (f *FakeIndex) OpenScrolls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scrolls)
}

func (f *FakeIndex) indexLocked(index string) map[string]map[string]interface{} {
	docs, ok := f.docs[index]
	if !ok {
		docs = make(map[string]map[string]interface{})
		f.docs[index] = docs
	}
	return docs
}

func (f *FakeIndex) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	user, pass := f.username, f.password
	f.mu.Unlock()
	if user != "" {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			writeIndexError(w, http.StatusUnauthorized, "security_exception", "missing authentication credentials")
			return
		}
	}

	body, _ := io.ReadAll(r.Body)
	path := strings.Trim(r.URL.Path, "/")

	switch {
	case strings.HasSuffix(path, "_bulk") && r.Method == http.MethodPost:
		f.handleBulk(w, strings.TrimSuffix(strings.TrimSuffix(path, "_bulk"), "/"), body)
	case path == "_search/scroll" && r.Method == http.MethodDelete:
		f.handleClearScroll(w, body)
	case path == "_search/scroll" && r.Method == http.MethodPost:
		f.handleScroll(w, body)
	case strings.HasSuffix(path, "/_search") && r.Method == http.MethodPost:
		f.handleSearch(w, strings.TrimSuffix(path, "/_search"), body)
	default:
		writeIndexError(w, http.StatusNotFound, "not_found", "no handler for "+r.Method+" "+r.URL.Path)
	}
}

type bulkAction struct {
	Index string `json:"_index"`
	ID    string `json:"_id"`
}

func (f *FakeIndex) handleBulk(w http.ResponseWriter, defaultIndex string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bulkCalls++

	var items []map[string]interface{}
	hasErrors := false

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 1024*1024), 64*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var action map[string]bulkAction
		if err := json.Unmarshal(line, &action); err != nil {
			writeIndexError(w, http.StatusBadRequest, "parse_exception", "malformed action line")
			return
		}
		update, ok := action["update"]
		if !ok {
			writeIndexError(w, http.StatusBadRequest, "illegal_argument_exception", "only update actions are supported")
			return
		}
		if !scanner.Scan() {
			writeIndexError(w, http.StatusBadRequest, "parse_exception", "missing source line")
			return
		}
		var src struct {
			Doc         map[string]interface{} `json:"doc"`
			DocAsUpsert bool                   `json:"doc_as_upsert"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &src); err != nil {
			writeIndexError(w, http.StatusBadRequest, "parse_exception", "malformed source line")
			return
		}

		index := update.Index
		if index == "" {
			index = defaultIndex
		}
		item := map[string]interface{}{"_index": index, "_id": update.ID}

		if failure, fail := f.failItems[update.ID]; fail && failure.remaining > 0 {
			failure.remaining--
			f.failItems[update.ID] = failure
			item["status"] = failure.status
			item["error"] = failureError(failure.status)
			hasErrors = true
			items = append(items, map[string]interface{}{"update": item})
			continue
		}

		docs := f.indexLocked(index)
		existing, exists := docs[update.ID]
		switch {
		case !exists && !src.DocAsUpsert:
			item["status"] = http.StatusNotFound
			item["error"] = map[string]string{"type": "document_missing_exception", "reason": "[" + update.ID + "]: document missing"}
			hasErrors = true
		case !exists:
			docs[update.ID] = src.Doc
			item["status"] = http.StatusCreated
			item["result"] = "created"
		default:
			changed := false
			for k, v := range src.Doc {
				if fmt.Sprint(existing[k]) != fmt.Sprint(v) {
					changed = true
				}
				existing[k] = v
			}
			item["status"] = http.StatusOK
			item["result"] = "updated"
			if !changed {
				item["result"] = "noop"
			}
		}
		items = append(items, map[string]interface{}{"update": item})
	}

	writeJSON(w, map[string]interface{}{"took": 1, "errors": hasErrors, "items": items})
}

func (f *FakeIndex) handleSearch(w http.ResponseWriter, index string, body []byte) {
	var req struct {
		Size  int                    `json:"size"`
		Query map[string]interface{} `json:"query"`
	}
	_ = json.Unmarshal(body, &req)
	if req.Size <= 0 {
		req.Size = 10
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	docs, ok := f.docs[index]
	if !ok {
		writeIndexError(w, http.StatusNotFound, "index_not_found_exception", "no such index ["+index+"]")
		return
	}

	var ids []string
	for id, doc := range docs {
		if matches(req.Query, doc) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)

	f.nextScroll++
	scrollID := "scroll-" + strconv.Itoa(f.nextScroll)
	s := &fakeScroll{ids: ids, size: req.Size}
	f.scrolls[scrollID] = s
	f.writeHitsLocked(w, scrollID, s)
}

func (f *FakeIndex) handleScroll(w http.ResponseWriter, body []byte) {
	var req struct {
		ScrollID string `json:"scroll_id"`
	}
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.scrollCalls++

	s, ok := f.scrolls[req.ScrollID]
	if f.expireNext > 0 {
		f.expireNext--
		delete(f.scrolls, req.ScrollID)
		ok = false
	}
	if !ok {
		writeIndexError(w, http.StatusNotFound, "search_context_missing_exception", "No search context found for id ["+req.ScrollID+"]")
		return
	}
	f.writeHitsLocked(w, req.ScrollID, s)
}

func (f *FakeIndex) writeHitsLocked(w http.ResponseWriter, scrollID string, s *fakeScroll) {
	end := s.pos + s.size
	if end > len(s.ids) {
		end = len(s.ids)
	}
	hits := make([]map[string]interface{}, 0, end-s.pos)
	for _, id := range s.ids[s.pos:end] {
		hits = append(hits, map[string]interface{}{"_id": id})
	}
	s.pos = end

	writeJSON(w, map[string]interface{}{
		"_scroll_id": scrollID,
		"hits": map[string]interface{}{
			"total": map[string]interface{}{"value": len(s.ids), "relation": "eq"},
			"hits":  hits,
		},
	})
}

func (f *FakeIndex) handleClearScroll(w http.ResponseWriter, body []byte) {
	var req struct {
		ScrollID []string `json:"scroll_id"`
	}
	_ = json.Unmarshal(body, &req)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared += len(req.ScrollID)
	freed := 0
	for _, id := range req.ScrollID {
		if _, ok := f.scrolls[id]; ok {
			delete(f.scrolls, id)
			freed++
		}
	}
	writeJSON(w, map[string]interface{}{"succeeded": true, "num_freed": freed})
}

// matches understands match_all, term and a bool filter of terms
func matches(query map[string]interface{}, doc map[string]interface{}) bool {
	if len(query) == 0 {
		return true
	}
	if _, ok := query["match_all"]; ok {
		return true
	}
	if term, ok := query["term"].(map[string]interface{}); ok {
		for field, want := range term {
			if obj, ok := want.(map[string]interface{}); ok {
				want = obj["value"]
			}
			if fmt.Sprint(doc[field]) != fmt.Sprint(want) {
				return false
			}
		}
		return true
	}
	if b, ok := query["bool"].(map[string]interface{}); ok {
		filters, _ := b["filter"].([]interface{})
		for _, raw := range filters {
			clause, _ := raw.(map[string]interface{})
			if !matches(clause, doc) {
				return false
			}
		}
		return true
	}
	return false
}

func failureError(status int) map[string]string {
	switch {
	case status == http.StatusTooManyRequests:
		return map[string]string{"type": "es_rejected_execution_exception", "reason": "rejected execution"}
	case status >= 500:
		return map[string]string{"type": "unavailable_shards_exception", "reason": "primary shard is not active"}
	default:
		return map[string]string{"type": "mapper_parsing_exception", "reason": "failed to parse"}
	}
}

func writeIndexError(w http.ResponseWriter, status int, errType, reason string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": map[string]interface{}{
			"type":       errType,
			"reason":     reason,
			"root_cause": []map[string]string{{"type": errType, "reason": reason}},
		},
		"status": status,
	})
}
