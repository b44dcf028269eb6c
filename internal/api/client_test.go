package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/errors"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

func getBuilder(url string) RequestBuilder {
	return func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	}
}

func TestDoJSON_RetriesTransientFailures(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	client := NewClient(errors.ServiceIndex, server.Client(), 3, 1, nil)
	reqCtx := NewRequestContext("run-1", "", types.RequestTypeScan)

	var out struct {
		OK bool `json:"ok"`
	}
	if err := client.DoJSON(context.Background(), reqCtx, getBuilder(server.URL), &out); err != nil {
		t.Fatalf("DoJSON failed: %v", err)
	}
	if !out.OK {
		t.Error("Expected decoded body")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
	if reqCtx.Service != errors.ServiceIndex {
		t.Errorf("Expected service to be stamped on request context, got %q", reqCtx.Service)
	}
}

func TestDo_SetsUserAgent(t *testing.T) {
	var agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.Header.Get("User-Agent")
	}))
	defer server.Close()

	client := NewClient(errors.ServiceDropbox, server.Client(), 0, 1, nil)
	if _, err := client.Do(context.Background(), NewRequestContext("run-1", "", types.RequestTypeScan), getBuilder(server.URL)); err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if !strings.HasPrefix(agent, "dbxsync/") {
		t.Errorf("Expected dbxsync user agent, got %q", agent)
	}
}

func TestDo_NonRetryableStopsImmediately(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error_summary": "path/not_found/.."}`))
	}))
	defer server.Close()

	client := NewClient(errors.ServiceDropbox, server.Client(), 3, 1, nil)
	_, err := client.Do(context.Background(), NewRequestContext("run-1", "Sales", types.RequestTypeListing), getBuilder(server.URL))
	if err == nil {
		t.Fatal("Expected error")
	}
	if code := utils.ErrorCode(err); code != utils.ErrCodeNotFound {
		t.Errorf("Expected NOT_FOUND, got %s", code)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("Expected a single attempt, got %d", got)
	}
}

func TestDo_ExhaustsRetries(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(errors.ServiceDropbox, server.Client(), 2, 1, nil)
	_, err := client.Do(context.Background(), NewRequestContext("run-1", "", types.RequestTypeListing), getBuilder(server.URL))
	if utils.ErrorCode(err) != utils.ErrCodeRateLimited {
		t.Errorf("Expected RATE_LIMITED, got %v", err)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("Expected 3 attempts, got %d", got)
	}
}

func TestDo_CancelledDuringBackoff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	client := NewClient(errors.ServiceDropbox, server.Client(), 3, 1, nil)
	start := time.Now()
	_, err := client.Do(ctx, NewRequestContext("run-1", "", types.RequestTypeListing), getBuilder(server.URL))
	if err == nil {
		t.Fatal("Expected error")
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Backoff did not observe cancellation")
	}
	if code := utils.ErrorCode(err); code != utils.ErrCodeTimeout {
		t.Errorf("Expected TIMEOUT, got %s", code)
	}
}

func TestStream_CallerOwnsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("file-bytes"))
	}))
	defer server.Close()

	client := NewClient(errors.ServiceDropbox, server.Client(), 0, 1, nil)
	resp, err := client.Stream(context.Background(), NewRequestContext("run-1", "", types.RequestTypeDownload), getBuilder(server.URL))
	if err != nil {
		t.Fatalf("Stream failed: %v", err)
	}
	defer resp.Body.Close()
	buf := make([]byte, 10)
	n, _ := resp.Body.Read(buf)
	if string(buf[:n]) != "file-bytes" {
		t.Errorf("Unexpected body %q", buf[:n])
	}
}

func TestCalculateBackoff(t *testing.T) {
	base := 100 * time.Millisecond

	for attempt := 0; attempt < 4; attempt++ {
		delay := calculateBackoff(base, attempt, nil)
		expected := base * time.Duration(1<<attempt)
		if delay < expected*3/4 || delay > expected*5/4 {
			t.Errorf("attempt %d: delay %v outside +/-25%% of %v", attempt, delay, expected)
		}
	}

	if delay := calculateBackoff(base, 20, nil); delay > time.Duration(utils.MaxRetryDelayMs)*time.Millisecond*5/4 {
		t.Errorf("Delay not capped: %v", delay)
	}

	throttled := &errors.HTTPError{StatusCode: 429, Header: http.Header{"Retry-After": []string{"2"}}}
	if delay := calculateBackoff(base, 0, throttled); delay != 2*time.Second {
		t.Errorf("Expected Retry-After of 2s, got %v", delay)
	}

	longWait := &errors.HTTPError{StatusCode: 429, Header: http.Header{"Retry-After": []string{"3600"}}}
	if delay := calculateBackoff(base, 0, longWait); delay != time.Duration(utils.MaxRetryDelayMs)*time.Millisecond {
		t.Errorf("Expected Retry-After capped at max, got %v", delay)
	}
}
