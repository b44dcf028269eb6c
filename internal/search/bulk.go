package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/dl-alexandre/dbxsync/internal/errors"
	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// SinkOptions configures a Sink
type SinkOptions struct {
	BatchSize int
	// Refresh makes every bulk request wait for the writes to be searchable
	Refresh bool
}

// Sink writes records to the index through the _bulk API
type Sink struct {
	client    *Client
	batchSize int
	refresh   bool
	logger    logging.Logger
}

// ItemFailure is one bulk item the index rejected
type ItemFailure struct {
	ID     string `json:"id"`
	Status int    `json:"status"`
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BulkResult summarizes one or more bulk writes
type BulkResult struct {
	Submitted int           `json:"submitted"`
	Succeeded int           `json:"succeeded"`
	Skipped   int           `json:"skipped"`
	Missing   int           `json:"missing"`
	Retried   int           `json:"retried"`
	Batches   int           `json:"batches"`
	Failed    []ItemFailure `json:"failed,omitempty"`
}

// Merge folds other into r
func (r *BulkResult) Merge(other BulkResult) {
	r.Submitted += other.Submitted
	r.Succeeded += other.Succeeded
	r.Skipped += other.Skipped
	r.Missing += other.Missing
	r.Retried += other.Retried
	r.Batches += other.Batches
	r.Failed = append(r.Failed, other.Failed...)
}

// NewSink creates a bulk sink; batch sizes outside 1..MaxBatchSize fall back
// to the default
func NewSink(client *Client, opts SinkOptions, logger logging.Logger) *Sink {
	if logger == nil {
		logger = logging.NewNoOpLogger()
	}
	if opts.BatchSize < 1 || opts.BatchSize > utils.MaxBatchSize {
		opts.BatchSize = utils.DefaultBatchSize
	}
	return &Sink{
		client:    client,
		batchSize: opts.BatchSize,
		refresh:   opts.Refresh,
		logger:    logger,
	}
}

type bulkOp struct {
	id     string
	doc    interface{}
	upsert bool
}

// rejected is an op the index refused with a transient status
type rejected struct {
	op      bulkOp
	failure ItemFailure
}

type bulkSource struct {
	Doc         interface{} `json:"doc"`
	DocAsUpsert bool        `json:"doc_as_upsert"`
}

type bulkResponse struct {
	Errors bool                  `json:"errors"`
	Items  []map[string]bulkItem `json:"items"`
}

type bulkItem struct {
	ID     string `json:"_id"`
	Status int    `json:"status"`
	Result string `json:"result"`
	Error  *struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
}

var tombstoneDoc = map[string]types.LifecycleState{"lifecycle_state": types.LifecycleDeleted}

// Upsert writes records as doc_as_upsert partial updates. Writing the same
// records twice leaves the index unchanged.
func (s *Sink) Upsert(ctx context.Context, records []types.NormalizedRecord) (BulkResult, error) {
	var result BulkResult
	ops := make([]bulkOp, 0, len(records))
	for _, rec := range records {
		if rec.ID == "" {
			result.Skipped++
			s.logger.Error("Skipping record without id",
				logging.F("path", rec.PathDisplay),
				logging.F("scope", rec.BaseFolder),
			)
			continue
		}
		ops = append(ops, bulkOp{id: rec.ID, doc: rec, upsert: true})
	}

	written, err := s.write(ctx, ops)
	result.Merge(written)
	return result, err
}

// Tombstone marks ids deleted without touching any other field. Ids missing
// from the index are counted in Missing, not Failed.
func (s *Sink) Tombstone(ctx context.Context, ids []string) (BulkResult, error) {
	ops := make([]bulkOp, 0, len(ids))
	for _, id := range ids {
		ops = append(ops, bulkOp{id: id, doc: tombstoneDoc, upsert: false})
	}
	return s.write(ctx, ops)
}

func (s *Sink) write(ctx context.Context, ops []bulkOp) (BulkResult, error) {
	var result BulkResult
	var retry []rejected

	for start := 0; start < len(ops); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ops) {
			end = len(ops)
		}
		batch, again, err := s.send(ctx, ops[start:end])
		result.Merge(batch)
		if err != nil {
			return result, err
		}
		retry = append(retry, again...)
	}

	if len(retry) == 0 {
		return result, nil
	}

	// One follow-up pass for items rejected with a transient status
	s.logger.Warn("Retrying rejected bulk items", logging.F("count", len(retry)))
	result.Retried += len(retry)
	ops = make([]bulkOp, len(retry))
	for i, r := range retry {
		ops[i] = r.op
	}
	for start := 0; start < len(ops); start += s.batchSize {
		end := start + s.batchSize
		if end > len(ops) {
			end = len(ops)
		}
		batch, still, err := s.send(ctx, ops[start:end])
		batch.Submitted = 0
		result.Merge(batch)
		if err != nil {
			return result, err
		}
		for _, r := range still {
			result.Failed = append(result.Failed, r.failure)
		}
	}

	return result, nil
}

// send posts one batch and returns the ops worth retrying
func (s *Sink) send(ctx context.Context, ops []bulkOp) (BulkResult, []rejected, error) {
	result := BulkResult{Submitted: len(ops), Batches: 1}
	if len(ops) == 0 {
		return BulkResult{}, nil, nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	byID := make(map[string]bulkOp, len(ops))
	for _, op := range ops {
		action := map[string]map[string]string{"update": {"_index": s.client.index, "_id": op.id}}
		if err := enc.Encode(action); err != nil {
			return result, nil, fmt.Errorf("encoding bulk action for %s: %w", op.id, err)
		}
		if err := enc.Encode(bulkSource{Doc: op.doc, DocAsUpsert: op.upsert}); err != nil {
			return result, nil, fmt.Errorf("encoding bulk source for %s: %w", op.id, err)
		}
		byID[op.id] = op
	}

	query := url.Values{}
	if s.refresh {
		query.Set("refresh", "wait_for")
	}

	reqCtx := newRequestContext(ctx, types.RequestTypeBulk)
	var resp bulkResponse
	if err := s.client.doJSON(ctx, reqCtx, "POST", "/_bulk", query, contentTypeNDJSON, buf.Bytes(), &resp); err != nil {
		return result, nil, err
	}

	var retry []rejected
	for _, entry := range resp.Items {
		for _, item := range entry {
			switch {
			case item.Error == nil && item.Status < 300:
				result.Succeeded++
			case item.Status == 404 && !byID[item.ID].upsert:
				result.Missing++
				s.logger.Warn("Tombstone target not in index", logging.F("id", item.ID))
			default:
				failure := ItemFailure{ID: item.ID, Status: item.Status}
				if item.Error != nil {
					failure.Type = item.Error.Type
					failure.Reason = item.Error.Reason
				}
				if errors.IsRetryableStatus(item.Status) || failure.Type == errors.ReasonRejected {
					if op, ok := byID[item.ID]; ok {
						retry = append(retry, rejected{op: op, failure: failure})
						continue
					}
				}
				result.Failed = append(result.Failed, failure)
				s.logger.Error("Bulk item failed",
					logging.F("id", failure.ID),
					logging.F("status", failure.Status),
					logging.F("type", failure.Type),
					logging.F("reason", failure.Reason),
				)
			}
		}
	}

	s.logger.Debug("Bulk batch written",
		logging.F("submitted", result.Submitted),
		logging.F("succeeded", result.Succeeded),
		logging.F("failed", len(result.Failed)),
		logging.F("retry", len(retry)),
	)
	return result, retry, nil
}
