package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/dl-alexandre/dbxsync/internal/errors"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// ScannerOptions configures a Scanner
type ScannerOptions struct {
	PageSize    int
	KeepAlive   string
	MaxRestarts int
}

// Scanner reads every document identifier in the index with a scroll
type Scanner struct {
	client      *Client
	pageSize    int
	keepAlive   string
	maxRestarts int
	logger      logging.Logger
}

// ScanStats describes the last completed scan
type ScanStats struct {
	IDs      int `json:"ids"`
	Pages    int `json:"pages"`
	Restarts int `json:"restarts"`
}

// NewScanner creates a scanner, filling unset options with defaults
func NewScanner(client *Client, opts ScannerOptions, logger logging.Logger) *Scanner {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if opts.PageSize < 1 || opts.PageSize > utils.MaxBatchSize {
		opts.PageSize = utils.DefaultScanPageSize
	}
	if opts.KeepAlive == "" {
		opts.KeepAlive = utils.DefaultScrollKeepAlive
	}
	if opts.MaxRestarts < 0 {
		opts.MaxRestarts = utils.DefaultScanRestarts
	}
	return &Scanner{
		client:      client,
		pageSize:    opts.PageSize,
		keepAlive:   opts.KeepAlive,
		maxRestarts: opts.MaxRestarts,
		logger:      logger,
	}
}

type searchResponse struct {
	ScrollID string `json:"_scroll_id"`
	Hits     struct {
		Hits []struct {
			ID string `json:"_id"`
		} `json:"hits"`
	} `json:"hits"`
}

// ScanAllIDs returns the id of every document in the index. A missing index
// yields an empty set.
func (s *Scanner) ScanAllIDs(ctx context.Context) (map[string]struct{}, ScanStats, error) {
	return s.scan(ctx, map[string]interface{}{"match_all": map[string]interface{}{}})
}

// ScanActiveIDs returns the ids whose lifecycle_state is active
func (s *Scanner) ScanActiveIDs(ctx context.Context) (map[string]struct{}, ScanStats, error) {
	return s.scan(ctx, map[string]interface{}{
		"term": map[string]interface{}{"lifecycle_state": string(types.LifecycleActive)},
	})
}

func (s *Scanner) scan(ctx context.Context, query map[string]interface{}) (map[string]struct{}, ScanStats, error) {
	var stats ScanStats
	for attempt := 0; ; attempt++ {
		ids, pages, err := s.scanOnce(ctx, query)
		stats.Pages += pages
		if err == nil {
			stats.IDs = len(ids)
			s.logger.Info("Index scan complete",
				logging.F("ids", stats.IDs),
				logging.F("pages", stats.Pages),
				logging.F("restarts", stats.Restarts),
			)
			return ids, stats, nil
		}
		if !errors.IsScrollExpired(err) {
			return nil, stats, err
		}
		if attempt >= s.maxRestarts {
			return nil, stats, utils.WrapAppError(utils.NewCLIError(utils.ErrCodeScrollExpired,
				fmt.Sprintf("scroll expired %d times, giving up", attempt+1)).
				WithContext("keepAlive", s.keepAlive).
				WithContext("suggestedAction", "increase index.scrollKeepAlive").
				Build(), err)
		}
		stats.Restarts++
		s.logger.Warn("Scroll expired, restarting scan",
			logging.F("restart", stats.Restarts),
			logging.F("maxRestarts", s.maxRestarts),
		)
	}
}

func (s *Scanner) scanOnce(ctx context.Context, query map[string]interface{}) (map[string]struct{}, int, error) {
	body, err := json.Marshal(map[string]interface{}{
		"size":    s.pageSize,
		"_source": false,
		"sort":    []string{"_doc"},
		"query":   query,
	})
	if err != nil {
		return nil, 0, fmt.Errorf("encoding scan query: %w", err)
	}

	reqCtx := newRequestContext(ctx, types.RequestTypeScan)
	params := url.Values{"scroll": {s.keepAlive}}

	var page searchResponse
	err = s.client.doJSON(ctx, reqCtx, "POST", "/"+url.PathEscape(s.client.index)+"/_search", params, "application/json", body, &page)
	if err != nil {
		if errors.IsIndexNotFound(err) {
			s.logger.Info("Index does not exist yet, treating as empty", logging.F("index", s.client.index))
			return map[string]struct{}{}, 0, nil
		}
		return nil, 0, err
	}

	scrollIDs := map[string]struct{}{}
	defer func() { s.clear(ctx, scrollIDs) }()

	ids := make(map[string]struct{})
	pages := 0
	for {
		pages++
		if page.ScrollID != "" {
			scrollIDs[page.ScrollID] = struct{}{}
		}
		if len(page.Hits.Hits) == 0 {
			return ids, pages, nil
		}
		for _, hit := range page.Hits.Hits {
			ids[hit.ID] = struct{}{}
		}

		if err := ctx.Err(); err != nil {
			return nil, pages, err
		}

		next, err := json.Marshal(map[string]string{"scroll": s.keepAlive, "scroll_id": page.ScrollID})
		if err != nil {
			return nil, pages, err
		}
		page = searchResponse{}
		if err := s.client.doJSON(ctx, reqCtx, "POST", "/_search/scroll", nil, "application/json", next, &page); err != nil {
			return nil, pages, err
		}
	}
}

// clear releases scroll contexts. Errors are logged and otherwise ignored.
func (s *Scanner) clear(ctx context.Context, scrollIDs map[string]struct{}) {
	if len(scrollIDs) == 0 {
		return
	}
	ids := make([]string, 0, len(scrollIDs))
	for id := range scrollIDs {
		ids = append(ids, id)
	}
	body, err := json.Marshal(map[string][]string{"scroll_id": ids})
	if err != nil {
		return
	}
	reqCtx := newRequestContext(ctx, types.RequestTypeScan)
	if err := s.client.doJSON(context.WithoutCancel(ctx), reqCtx, "DELETE", "/_search/scroll", nil, "application/json", body, nil); err != nil {
		s.logger.Warn("Failed to clear scroll", logging.F("error", err.Error()))
	}
}
