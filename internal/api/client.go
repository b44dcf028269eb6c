package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/errors"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
	"github.com/dl-alexandre/dbxsync/pkg/version"
	"github.com/google/uuid"
)

// maxErrorBody bounds how much of a failed response is kept for diagnostics
const maxErrorBody = 64 * 1024

// Client wraps an HTTP client with retry logic and error classification
type Client struct {
	service    string
	httpClient *http.Client
	maxRetries int
	retryDelay time.Duration
	logger     logging.Logger
}

// NewClient creates a retrying client for one remote service
func NewClient(service string, httpClient *http.Client, maxRetries int, retryDelayMs int, logger logging.Logger) *Client {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		service:    service,
		httpClient: httpClient,
		maxRetries: maxRetries,
		retryDelay: time.Duration(retryDelayMs) * time.Millisecond,
		logger:     logger,
	}
}

// NewRequestContext creates a new request context with trace ID
func NewRequestContext(runID string, scope string, requestType types.RequestType) *types.RequestContext {
	return &types.RequestContext{
		RunID:       runID,
		Scope:       scope,
		RequestType: requestType,
		TraceID:     uuid.New().String(),
	}
}

// RequestBuilder returns a fresh request for every attempt
type RequestBuilder func(ctx context.Context) (*http.Request, error)

// ExecuteWithRetry executes a remote call with retry logic
func ExecuteWithRetry[T any](ctx context.Context, client *Client, reqCtx *types.RequestContext, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	if reqCtx.Service == "" {
		reqCtx.Service = client.service
	}
	logger := client.logger.WithTraceID(reqCtx.TraceID)
	logger.Debug("API operation starting",
		logging.F("requestType", reqCtx.RequestType),
		logging.F("service", client.service),
		logging.F("scope", reqCtx.Scope),
		logging.F("runId", reqCtx.RunID),
	)

	start := time.Now()

	for attempt := 0; attempt <= client.maxRetries; attempt++ {
		if attempt > 0 {
			logger.Warn("Retrying API operation",
				logging.F("attempt", attempt),
				logging.F("maxRetries", client.maxRetries),
			)
		}

		result, lastErr = fn()
		if lastErr == nil {
			logger.Debug("API operation completed",
				logging.F("duration_ms", time.Since(start).Milliseconds()),
				logging.F("attempts", attempt+1),
			)
			return result, nil
		}

		if ctx.Err() != nil || !errors.IsTransient(lastErr) {
			logger.Error("API operation failed (non-retryable)",
				logging.F("duration_ms", time.Since(start).Milliseconds()),
				logging.F("error", lastErr.Error()),
				logging.F("attempts", attempt+1),
			)
			return result, errors.ClassifyHTTPError(client.service, lastErr, reqCtx, logger)
		}

		if attempt < client.maxRetries {
			delay := calculateBackoff(client.retryDelay, attempt, lastErr)
			logger.Warn("API operation failed (retryable)",
				logging.F("attempt", attempt+1),
				logging.F("delay_ms", delay.Milliseconds()),
				logging.F("error", lastErr.Error()),
			)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return result, errors.ClassifyHTTPError(client.service, ctx.Err(), reqCtx, logger)
			case <-timer.C:
			}
		}
	}

	logger.Error("API operation failed after max retries",
		logging.F("duration_ms", time.Since(start).Milliseconds()),
		logging.F("attempts", client.maxRetries+1),
		logging.F("error", lastErr.Error()),
	)

	return result, errors.ClassifyHTTPError(client.service, lastErr, reqCtx, logger)
}

// Do sends the request built by build, retrying transient failures, and
// returns the full response body of a 2xx response
func (c *Client) Do(ctx context.Context, reqCtx *types.RequestContext, build RequestBuilder) ([]byte, error) {
	return ExecuteWithRetry(ctx, c, reqCtx, func() ([]byte, error) {
		resp, err := c.send(ctx, build)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading %s response: %w", c.service, err)
		}
		return body, nil
	})
}

// DoJSON is Do followed by decoding the body into out
func (c *Client) DoJSON(ctx context.Context, reqCtx *types.RequestContext, build RequestBuilder, out interface{}) error {
	body, err := c.Do(ctx, reqCtx, build)
	if err != nil {
		return err
	}
	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeInternalError,
			fmt.Sprintf("decoding %s response: %v", c.service, err)).
			WithContext("traceId", reqCtx.TraceID).
			Build(), err)
	}
	return nil
}

// Stream is Do for large bodies: the caller owns and must close the body
func (c *Client) Stream(ctx context.Context, reqCtx *types.RequestContext, build RequestBuilder) (*http.Response, error) {
	return ExecuteWithRetry(ctx, c, reqCtx, func() (*http.Response, error) {
		return c.send(ctx, build)
	})
}

func (c *Client) send(ctx context.Context, build RequestBuilder) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeInternalError,
			fmt.Sprintf("building %s request: %v", c.service, err)).Build(), err)
	}

	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", version.Get().UserAgent())
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, errors.NewHTTPError(c.service, resp, body)
	}
	return resp, nil
}

// calculateBackoff calculates the retry delay with exponential backoff
func calculateBackoff(baseDelay time.Duration, attempt int, err error) time.Duration {
	maxDelay := time.Duration(utils.MaxRetryDelayMs) * time.Millisecond

	// Honor Retry-After from throttled responses
	if httpErr, ok := errors.AsHTTPError(err); ok && httpErr.Header != nil {
		if retryAfter := httpErr.Header.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.Atoi(retryAfter); err == nil {
				delay := time.Duration(seconds) * time.Second
				if delay > maxDelay {
					return maxDelay
				}
				return delay
			}
			if at, err := http.ParseTime(retryAfter); err == nil {
				delay := time.Until(at)
				if delay < 0 {
					delay = 0
				}
				if delay > maxDelay {
					return maxDelay
				}
				return delay
			}
		}
	}

	// Exponential backoff: base * 2^attempt
	delay := baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if delay > maxDelay {
		delay = maxDelay
	}

	// Add jitter (+/-25% of delay)
	jitterRange := delay / 4
	if jitterRange > 0 {
		jitter := time.Duration(rand.Int63n(int64(jitterRange*2))) - jitterRange
		delay = delay + jitter
	}

	if delay < 0 {
		delay = baseDelay
	}

	return delay
}
