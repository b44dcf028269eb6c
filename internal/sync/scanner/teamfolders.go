package scanner

import (
	"context"
	"sort"

	"github.com/dl-alexandre/dbxsync/internal/api"
	"github.com/dl-alexandre/dbxsync/internal/dropbox"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
)

// TeamFolderLister enumerates the team folders of a Dropbox team
type TeamFolderLister interface {
	ListTeamFolders(ctx context.Context, reqCtx *types.RequestContext) (*dropbox.TeamFolderPage, error)
	ListTeamFoldersContinue(ctx context.Context, reqCtx *types.RequestContext, cursor string) (*dropbox.TeamFolderPage, error)
}

// ActiveTeamFolders lists every team folder and keeps the active ones,
// sorted by name. Archived folders cannot be listed.
func ActiveTeamFolders(ctx context.Context, lister TeamFolderLister, logger logging.Logger) ([]types.Scope, error) {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	reqCtx := api.NewRequestContext(logging.TraceIDFromContext(ctx), "", types.RequestTypeListing)

	var scopes []types.Scope
	first := func(ctx context.Context) (Page[types.Scope], error) {
		page, err := lister.ListTeamFolders(ctx, reqCtx)
		if err != nil {
			return Page[types.Scope]{}, err
		}
		return Page[types.Scope]{Items: page.TeamFolders, Cursor: page.Cursor, HasMore: page.HasMore}, nil
	}
	next := func(ctx context.Context, cursor string) (Page[types.Scope], error) {
		page, err := lister.ListTeamFoldersContinue(ctx, reqCtx, cursor)
		if err != nil {
			return Page[types.Scope]{}, err
		}
		return Page[types.Scope]{Items: page.TeamFolders, Cursor: page.Cursor, HasMore: page.HasMore}, nil
	}

	total, err := Paginate(ctx, first, next, func(items []types.Scope) error {
		for _, folder := range items {
			status := folder.Status
			if status != "" && status != types.TeamFolderActive {
				logger.Debug("Skipping team folder", logging.F("name", folder.Name), logging.F("status", string(status)))
				continue
			}
			scopes = append(scopes, folder)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(scopes, func(i, j int) bool { return scopes[i].Name < scopes[j].Name })
	logger.Info("Listed team folders", logging.F("total", total), logging.F("active", len(scopes)))
	return scopes, nil
}

// FilterScopes keeps the scopes whose name is in names. An empty filter
// keeps everything. Names that match no scope are returned as unknown.
func FilterScopes(scopes []types.Scope, names []string) (kept []types.Scope, unknown []string) {
	if len(names) == 0 {
		return scopes, nil
	}
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = false
	}
	for _, s := range scopes {
		if _, ok := want[s.Name]; ok {
			kept = append(kept, s)
			want[s.Name] = true
		}
	}
	for _, n := range names {
		if !want[n] {
			unknown = append(unknown, n)
			want[n] = true
		}
	}
	return kept, unknown
}
