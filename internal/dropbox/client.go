package dropbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dl-alexandre/dbxsync/internal/api"
	"github.com/dl-alexandre/dbxsync/internal/errors"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// Client talks to the Dropbox API and content hosts
type Client struct {
	api           *api.Client
	apiURL        string
	contentURL    string
	adminMemberID string
	logger        logging.Logger
}

// Options configures a Client
type Options struct {
	APIURL        string
	ContentURL    string
	AdminMemberID string
	MaxRetries    int
	RetryDelayMs  int
	Logger        logging.Logger
}

// NewClient creates a Dropbox client. httpClient is expected to attach the
// bearer token (see auth.HTTPClient).
func NewClient(httpClient *http.Client, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	if opts.APIURL == "" {
		opts.APIURL = utils.DefaultDropboxAPIURL
	}
	if opts.ContentURL == "" {
		opts.ContentURL = utils.DefaultDropboxContentURL
	}
	return &Client{
		api:           api.NewClient(errors.ServiceDropbox, httpClient, opts.MaxRetries, opts.RetryDelayMs, opts.Logger),
		apiURL:        strings.TrimRight(opts.APIURL, "/"),
		contentURL:    strings.TrimRight(opts.ContentURL, "/"),
		adminMemberID: opts.AdminMemberID,
		logger:        opts.Logger,
	}
}

// ListFolderArg is the body of files/list_folder
type ListFolderArg struct {
	Path                        string `json:"path"`
	Recursive                   bool   `json:"recursive"`
	IncludeDeleted              bool   `json:"include_deleted"`
	IncludeMountedFolders       bool   `json:"include_mounted_folders"`
	IncludeNonDownloadableFiles bool   `json:"include_non_downloadable_files"`
}

// ListFolderPage is one page of files/list_folder or its continuation
type ListFolderPage struct {
	Entries []types.ListingEntry `json:"entries"`
	Cursor  string               `json:"cursor"`
	HasMore bool                 `json:"has_more"`
}

// TeamFolderPage is one page of team/team_folder/list
type TeamFolderPage struct {
	TeamFolders []types.Scope `json:"team_folders"`
	Cursor      string        `json:"cursor"`
	HasMore     bool          `json:"has_more"`
}

// RecursiveListing lists a whole team folder from its root
func RecursiveListing() ListFolderArg {
	return ListFolderArg{
		Path:                        "",
		Recursive:                   true,
		IncludeMountedFolders:       true,
		IncludeNonDownloadableFiles: true,
	}
}

// ListFolder fetches the first page of a listing. When scope is set the call
// is made as the team admin with the scope's namespace as path root.
func (c *Client) ListFolder(ctx context.Context, reqCtx *types.RequestContext, scope *types.Scope, arg ListFolderArg) (*ListFolderPage, error) {
	var page ListFolderPage
	if err := c.rpc(ctx, reqCtx, "/files/list_folder", scope, arg, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListFolderContinue fetches the page after cursor
func (c *Client) ListFolderContinue(ctx context.Context, reqCtx *types.RequestContext, scope *types.Scope, cursor string) (*ListFolderPage, error) {
	var page ListFolderPage
	body := map[string]string{"cursor": cursor}
	if err := c.rpc(ctx, reqCtx, "/files/list_folder/continue", scope, body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListTeamFolders fetches the first page of team folders
func (c *Client) ListTeamFolders(ctx context.Context, reqCtx *types.RequestContext) (*TeamFolderPage, error) {
	var page TeamFolderPage
	if err := c.rpc(ctx, reqCtx, "/team/team_folder/list", nil, struct{}{}, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// ListTeamFoldersContinue fetches the page of team folders after cursor
func (c *Client) ListTeamFoldersContinue(ctx context.Context, reqCtx *types.RequestContext, cursor string) (*TeamFolderPage, error) {
	var page TeamFolderPage
	body := map[string]string{"cursor": cursor}
	if err := c.rpc(ctx, reqCtx, "/team/team_folder/list/continue", nil, body, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Download opens the content of the file at pathOrID. The caller closes it.
func (c *Client) Download(ctx context.Context, reqCtx *types.RequestContext, pathOrID string) (io.ReadCloser, error) {
	arg, err := headerSafeJSON(map[string]string{"path": pathOrID})
	if err != nil {
		return nil, err
	}

	resp, err := c.api.Stream(ctx, reqCtx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.contentURL+"/files/download", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/octet-stream")
		req.Header.Set(utils.HeaderAPIArg, arg)
		return req, nil
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) rpc(ctx context.Context, reqCtx *types.RequestContext, endpoint string, scope *types.Scope, in interface{}, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", endpoint, err)
	}

	var pathRoot string
	if scope != nil {
		pathRoot, err = headerSafeJSON(map[string]string{
			".tag":         "namespace_id",
			"namespace_id": scope.ID,
		})
		if err != nil {
			return err
		}
	}

	return c.api.DoJSON(ctx, reqCtx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("Content-Type", "application/json")
		if scope != nil {
			if c.adminMemberID != "" {
				req.Header.Set(utils.HeaderSelectAdmin, c.adminMemberID)
			}
			req.Header.Set(utils.HeaderPathRoot, pathRoot)
		}
		return req, nil
	}, out)
}

// headerSafeJSON encodes v as JSON with every non-ASCII rune escaped, as
// Dropbox requires for JSON carried in HTTP headers
func headerSafeJSON(v interface{}) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range string(raw) {
		switch {
		case r < 0x80:
			sb.WriteRune(r)
		case r > 0xFFFF:
			r -= 0x10000
			fmt.Fprintf(&sb, `\u%04x\u%04x`, 0xD800+(r>>10), 0xDC00+(r&0x3FF))
		default:
			fmt.Fprintf(&sb, `\u%04x`, r)
		}
	}
	return sb.String(), nil
}
