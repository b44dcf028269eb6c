package scanner

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dl-alexandre/dbxsync/internal/api"
	"github.com/dl-alexandre/dbxsync/internal/dropbox"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// Lister is the part of the Dropbox client the walker needs
type Lister interface {
	ListFolder(ctx context.Context, reqCtx *types.RequestContext, scope *types.Scope, arg dropbox.ListFolderArg) (*dropbox.ListFolderPage, error)
	ListFolderContinue(ctx context.Context, reqCtx *types.RequestContext, scope *types.Scope, cursor string) (*dropbox.ListFolderPage, error)
}

// PageHook receives every normalized page as soon as it is listed
type PageHook func(ctx context.Context, scope types.Scope, records []types.NormalizedRecord) error

// WalkerOptions configures a Walker
type WalkerOptions struct {
	Workers       int
	FailurePolicy string
	ObservedAt    string
	OnPage        PageHook
	Logger        logging.Logger
}

// ScopeFailure is a scope whose traversal did not complete
type ScopeFailure struct {
	Scope string `json:"scope"`
	Err   error  `json:"-"`
	Error string `json:"error"`
}

// ScopeStats describes the traversal of one scope
type ScopeStats struct {
	Scope     string        `json:"scope"`
	Pages     int           `json:"pages"`
	Entries   int           `json:"entries"`
	Records   int           `json:"records"`
	Dropped   int           `json:"dropped"`
	Malformed int           `json:"malformed"`
	Duration  time.Duration `json:"duration"`
}

// WalkResult is the merged outcome of walking every scope
type WalkResult struct {
	Records   []types.NormalizedRecord `json:"-"`
	Completed []string                 `json:"completed"`
	Failed    []ScopeFailure           `json:"failed,omitempty"`
	Scopes    []ScopeStats             `json:"scopes"`
	Dropped   int                      `json:"dropped"`
	Malformed int                      `json:"malformed"`
}

// Incomplete reports whether any scope failed
func (r *WalkResult) Incomplete() bool {
	return len(r.Failed) > 0
}

// IDs returns the identifier set of every record seen
func (r *WalkResult) IDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(r.Records))
	for _, rec := range r.Records {
		ids[rec.ID] = struct{}{}
	}
	return ids
}

// Walker lists scopes concurrently, one worker per scope
type Walker struct {
	lister        Lister
	workers       int
	failurePolicy string
	observedAt    string
	onPage        PageHook
	logger        logging.Logger
}

// NewWalker creates a walker. Workers defaults to the CPU count and the
// failure policy to fail-fast.
func NewWalker(lister Lister, opts WalkerOptions) *Walker {
	if opts.Workers < 1 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.FailurePolicy != utils.FailurePolicyPartial {
		opts.FailurePolicy = utils.FailurePolicyFast
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNoOpLogger()
	}
	return &Walker{
		lister:        lister,
		workers:       opts.Workers,
		failurePolicy: opts.FailurePolicy,
		observedAt:    opts.ObservedAt,
		onPage:        opts.OnPage,
		logger:        opts.Logger,
	}
}

// Walk traverses every scope. Under fail-fast the first scope error cancels
// the remaining scopes and is returned. Under partial, failed scopes are
// recorded in the result and the others run to completion.
func (w *Walker) Walk(ctx context.Context, scopes []types.Scope) (*WalkResult, error) {
	result := &WalkResult{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.workers)

	for _, scope := range scopes {
		scope := scope
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}

			records, stats, err := w.walkScope(gctx, scope)

			mu.Lock()
			defer mu.Unlock()
			result.Scopes = append(result.Scopes, stats)
			if err != nil {
				result.Failed = append(result.Failed, ScopeFailure{Scope: scope.Name, Err: err, Error: err.Error()})
				w.logger.Error("Scope traversal failed",
					logging.F("scope", scope.Name),
					logging.F("pages", stats.Pages),
					logging.F("error", err.Error()),
				)
				if w.failurePolicy == utils.FailurePolicyFast {
					return scopeError(scope, err)
				}
				return nil
			}
			result.Records = append(result.Records, records...)
			result.Completed = append(result.Completed, scope.Name)
			result.Dropped += stats.Dropped
			result.Malformed += stats.Malformed
			return nil
		})
	}

	err := g.Wait()

	sort.Strings(result.Completed)
	sort.Slice(result.Failed, func(i, j int) bool { return result.Failed[i].Scope < result.Failed[j].Scope })
	sort.Slice(result.Scopes, func(i, j int) bool { return result.Scopes[i].Scope < result.Scopes[j].Scope })

	if err != nil {
		return result, err
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	return result, nil
}

func (w *Walker) walkScope(ctx context.Context, scope types.Scope) ([]types.NormalizedRecord, ScopeStats, error) {
	started := time.Now()
	stats := ScopeStats{Scope: scope.Name}
	reqCtx := api.NewRequestContext(logging.TraceIDFromContext(ctx), scope.Name, types.RequestTypeListing)

	w.logger.Info("Walking scope", logging.F("scope", scope.Name), logging.F("namespace", scope.ID))

	var records []types.NormalizedRecord
	first := func(ctx context.Context) (Page[types.ListingEntry], error) {
		page, err := w.lister.ListFolder(ctx, reqCtx, &scope, dropbox.RecursiveListing())
		if err != nil {
			return Page[types.ListingEntry]{}, err
		}
		return listingPage(page), nil
	}
	next := func(ctx context.Context, cursor string) (Page[types.ListingEntry], error) {
		page, err := w.lister.ListFolderContinue(ctx, reqCtx, &scope, cursor)
		if err != nil {
			return Page[types.ListingEntry]{}, err
		}
		return listingPage(page), nil
	}
	visit := func(entries []types.ListingEntry) error {
		stats.Pages++
		page, pageStats := NormalizePage(entries, scope, w.observedAt, func(entry types.ListingEntry, err error) {
			w.logger.Warn("Dropping malformed entry",
				logging.F("scope", scope.Name),
				logging.F("path", entry.PathDisplay),
				logging.F("error", err.Error()),
			)
		})
		stats.Dropped += pageStats.Dropped
		stats.Malformed += pageStats.Malformed
		records = append(records, page...)

		w.logger.Debug("Listed page",
			logging.F("scope", scope.Name),
			logging.F("page", stats.Pages),
			logging.F("entries", len(entries)),
			logging.F("records", len(page)),
		)

		if w.onPage != nil && len(page) > 0 {
			return w.onPage(ctx, scope, page)
		}
		return nil
	}

	total, err := Paginate(ctx, first, next, visit)
	stats.Entries = total
	stats.Records = len(records)
	stats.Duration = time.Since(started)
	if err != nil {
		return nil, stats, err
	}

	w.logger.Info("Scope complete",
		logging.F("scope", scope.Name),
		logging.F("pages", stats.Pages),
		logging.F("records", stats.Records),
		logging.F("duration", stats.Duration.String()),
	)
	return records, stats, nil
}

func listingPage(page *dropbox.ListFolderPage) Page[types.ListingEntry] {
	return Page[types.ListingEntry]{Items: page.Entries, Cursor: page.Cursor, HasMore: page.HasMore}
}

func scopeError(scope types.Scope, err error) error {
	return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeScopeFailed,
		fmt.Sprintf("listing team folder %q failed: %v", scope.Name, err)).
		WithContext("scope", scope.Name).
		WithContext("cause", utils.ErrorCode(err)).
		WithRetryable(utils.IsRetryable(err)).
		Build(), err)
}
