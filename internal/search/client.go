package search

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dl-alexandre/dbxsync/internal/api"
	"github.com/dl-alexandre/dbxsync/internal/errors"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
)

const contentTypeNDJSON = "application/x-ndjson"

// Client is a minimal HTTP client for an Elasticsearch-compatible index
type Client struct {
	api      *api.Client
	baseURL  string
	index    string
	username string
	password string
	logger   logging.Logger
}

// Options configures a Client
type Options struct {
	URL                string
	Index              string
	Username           string
	Password           string
	InsecureSkipVerify bool
	Timeout            time.Duration
	MaxRetries         int
	RetryDelayMs       int
	// Transport wraps the base transport, e.g. a logging.DebugTransport
	Transport func(base http.RoundTripper) http.RoundTripper
	Logger    logging.Logger
}

// NewClient creates an index client
func NewClient(opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}

	base := http.DefaultTransport.(*http.Transport).Clone()
	if opts.InsecureSkipVerify {
		base.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // operator opt-in
	}
	var transport http.RoundTripper = base
	if opts.Transport != nil {
		transport = opts.Transport(base)
	}

	httpClient := &http.Client{Transport: transport, Timeout: opts.Timeout}
	return &Client{
		api:      api.NewClient(errors.ServiceIndex, httpClient, opts.MaxRetries, opts.RetryDelayMs, opts.Logger),
		baseURL:  strings.TrimRight(opts.URL, "/"),
		index:    opts.Index,
		username: opts.Username,
		password: opts.Password,
		logger:   opts.Logger,
	}
}

// Index returns the target index name
func (c *Client) Index() string {
	return c.index
}

// newRequestContext stamps requests with the run id carried by ctx
func newRequestContext(ctx context.Context, requestType types.RequestType) *types.RequestContext {
	return api.NewRequestContext(logging.TraceIDFromContext(ctx), "", requestType)
}

func (c *Client) doJSON(ctx context.Context, reqCtx *types.RequestContext, method, path string, query url.Values, contentType string, body []byte, out interface{}) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	return c.api.DoJSON(ctx, reqCtx, func(ctx context.Context) (*http.Request, error) {
		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", contentType)
		}
		if c.username != "" || c.password != "" {
			req.SetBasicAuth(c.username, c.password)
		}
		return req, nil
	}, out)
}
