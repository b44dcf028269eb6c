package errors

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// Services
const (
	ServiceDropbox = "dropbox"
	ServiceIndex   = "index"
)

// Index error types that change how a response is classified
const (
	ReasonScrollMissing = "search_context_missing_exception"
	ReasonIndexNotFound = "index_not_found_exception"
	ReasonRejected      = "es_rejected_execution_exception"
)

// HTTPError is a non-2xx response from Dropbox or the search index
type HTTPError struct {
	Service    string
	StatusCode int
	Header     http.Header
	Body       []byte
	// Summary is Dropbox's error_summary or the index error reason
	Summary string
	// Reason is the index error type or Dropbox error tag
	Reason string
}

func (e *HTTPError) Error() string {
	if e.Summary != "" {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Service, e.StatusCode, e.Summary)
	}
	return fmt.Sprintf("%s: HTTP %d", e.Service, e.StatusCode)
}

// NewHTTPError builds an HTTPError, pulling the summary out of body
func NewHTTPError(service string, resp *http.Response, body []byte) *HTTPError {
	e := &HTTPError{
		Service:    service,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       body,
	}
	e.Summary, e.Reason = parseErrorBody(body)
	if e.Summary == "" {
		e.Summary = strings.TrimSpace(truncate(string(body), 256))
	}
	return e
}

// parseErrorBody understands both
//
//	{"error_summary": "path/not_found/..", "error": {".tag": "path"}}
//	{"error": {"type": "index_not_found_exception", "reason": "no such index"}, "status": 404}
func parseErrorBody(body []byte) (summary, reason string) {
	var payload struct {
		ErrorSummary string          `json:"error_summary"`
		Error        json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", ""
	}

	if payload.ErrorSummary != "" {
		summary = payload.ErrorSummary
		var tagged struct {
			Tag string `json:".tag"`
		}
		if json.Unmarshal(payload.Error, &tagged) == nil {
			reason = tagged.Tag
		}
		return summary, reason
	}

	var indexErr struct {
		Type      string `json:"type"`
		Reason    string `json:"reason"`
		RootCause []struct {
			Type string `json:"type"`
		} `json:"root_cause"`
	}
	if json.Unmarshal(payload.Error, &indexErr) == nil && indexErr.Type != "" {
		reason = indexErr.Type
		// Scroll expiry is reported as a root cause under a generic type
		for _, rc := range indexErr.RootCause {
			if rc.Type == ReasonScrollMissing {
				reason = rc.Type
			}
		}
		return indexErr.Reason, reason
	}

	var plain string
	if json.Unmarshal(payload.Error, &plain) == nil {
		return plain, ""
	}
	return "", ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// AsHTTPError unwraps err to an HTTPError if one is in the chain
func AsHTTPError(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if stderrors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}

// IsRetryableStatus reports whether a status code is worth retrying
func IsRetryableStatus(status int) bool {
	switch status {
	case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway,
		http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsTransient reports whether err is a failure a retry may fix: throttling,
// 5xx responses and transport errors. Cancellation is never transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if httpErr, ok := AsHTTPError(err); ok {
		if httpErr.Reason == ReasonRejected {
			return true
		}
		return IsRetryableStatus(httpErr.StatusCode)
	}
	if appErr, ok := utils.AsAppError(err); ok {
		return appErr.CLIError.Retryable
	}
	return true
}

// IsScrollExpired reports whether err means the scroll context is gone
func IsScrollExpired(err error) bool {
	if httpErr, ok := AsHTTPError(err); ok {
		return httpErr.Reason == ReasonScrollMissing
	}
	return utils.ErrorCode(err) == utils.ErrCodeScrollExpired
}

// IsIndexNotFound reports whether err means the target index does not exist
func IsIndexNotFound(err error) bool {
	if httpErr, ok := AsHTTPError(err); ok {
		return httpErr.Reason == ReasonIndexNotFound
	}
	return false
}

// ClassifyHTTPError converts transport and HTTP errors to CLI errors
func ClassifyHTTPError(service string, err error, reqCtx *types.RequestContext, logger logging.Logger) error {
	if err == nil {
		return nil
	}
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if _, ok := utils.AsAppError(err); ok {
		return err
	}

	traceID := ""
	requestType := ""
	if reqCtx != nil {
		traceID = reqCtx.TraceID
		requestType = string(reqCtx.RequestType)
	}

	httpErr, ok := AsHTTPError(err)
	if !ok {
		code := utils.ErrCodeNetworkError
		retryable := true
		switch {
		case stderrors.Is(err, context.Canceled):
			code, retryable = utils.ErrCodeCancelled, false
		case stderrors.Is(err, context.DeadlineExceeded):
			code, retryable = utils.ErrCodeTimeout, false
		}
		logger.Error("Transport error",
			logging.F("error", err.Error()),
			logging.F("traceId", traceID),
			logging.F("service", service),
		)
		return utils.WrapAppError(utils.NewCLIError(code, err.Error()).
			WithRetryable(retryable).
			WithContext("traceId", traceID).
			WithContext("service", service).
			Build(), err)
	}

	var code string
	var retryable bool

	switch httpErr.StatusCode {
	case 400:
		code = utils.ErrCodeInvalidArgument
		if strings.HasPrefix(httpErr.Summary, "expired_access_token") {
			code = utils.ErrCodeAuthExpired
		}
	case 401:
		code = utils.ErrCodeAuthExpired
		if strings.HasPrefix(httpErr.Summary, "missing") || strings.HasPrefix(httpErr.Summary, "invalid_access_token") {
			code = utils.ErrCodeAuthRequired
		}
	case 403:
		code = utils.ErrCodePermissionDenied
	case 404:
		code = utils.ErrCodeNotFound
		if httpErr.Reason == ReasonScrollMissing {
			code = utils.ErrCodeScrollExpired
		}
	case 409:
		// Dropbox reports endpoint-specific failures as 409
		code = utils.ErrCodeConflict
		if strings.Contains(httpErr.Summary, "not_found") {
			code = utils.ErrCodeNotFound
		}
	case 429:
		code = utils.ErrCodeRateLimited
		retryable = true
	case 500, 502, 503, 504:
		code = utils.ErrCodeNetworkError
		retryable = true
	default:
		code = utils.ErrCodeUnknown
		retryable = httpErr.StatusCode >= 500
	}
	if httpErr.Reason == ReasonRejected {
		code = utils.ErrCodeRateLimited
		retryable = true
	}

	logger.Error("API error classified",
		logging.F("httpStatus", httpErr.StatusCode),
		logging.F("errorCode", code),
		logging.F("retryable", retryable),
		logging.F("message", httpErr.Summary),
		logging.F("traceId", traceID),
		logging.F("service", service),
	)

	builder := utils.NewCLIError(code, httpErr.Error()).
		WithHTTPStatus(httpErr.StatusCode).
		WithRetryable(retryable).
		WithContext("traceId", traceID).
		WithContext("requestType", requestType).
		WithContext("service", service)

	if httpErr.Reason != "" {
		builder.WithReason(httpErr.Reason)
	}
	if reqCtx != nil && reqCtx.Scope != "" {
		builder.WithContext("scope", reqCtx.Scope)
	}

	switch code {
	case utils.ErrCodeAuthExpired, utils.ErrCodeAuthRequired:
		if service == ServiceDropbox {
			builder.WithContext("suggestedAction", "run 'dbxsync auth set-token' with a fresh access token")
		} else {
			builder.WithContext("suggestedAction", "check the index credentials")
		}
	case utils.ErrCodeRateLimited:
		builder.WithContext("suggestedAction", "rate limit exceeded, retrying with backoff")
	case utils.ErrCodeScrollExpired:
		builder.WithContext("suggestedAction", "restarting the scan with a new scroll")
	}

	if httpErr.StatusCode >= 500 && httpErr.StatusCode <= 504 {
		builder.WithContext("serverError", true)
	}

	return utils.WrapAppError(builder.Build(), httpErr)
}
