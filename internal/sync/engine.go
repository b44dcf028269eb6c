package sync

import (
	"context"
	"errors"
	"fmt"
	"strings"
	stdsync "sync"
	"time"

	"github.com/google/uuid"

	"github.com/dl-alexandre/dbxsync/internal/logging"
	"github.com/dl-alexandre/dbxsync/internal/metrics"
	"github.com/dl-alexandre/dbxsync/internal/search"
	"github.com/dl-alexandre/dbxsync/internal/sync/diff"
	"github.com/dl-alexandre/dbxsync/internal/sync/journal"
	"github.com/dl-alexandre/dbxsync/internal/sync/scanner"
	"github.com/dl-alexandre/dbxsync/internal/types"
	"github.com/dl-alexandre/dbxsync/internal/utils"
)

// Phase is a step of the run state machine
type Phase string

const (
	PhaseStart     Phase = "START"
	PhaseEnumerate Phase = "ENUMERATE_SOURCE"
	PhaseUpsert    Phase = "UPSERT_CURRENT"
	PhaseScan      Phase = "SCAN_INDEX"
	PhaseReconcile Phase = "RECONCILE_DELETIONS"
	PhaseDone      Phase = "DONE"
)

// Source lists team folders and their contents
type Source interface {
	scanner.Lister
	scanner.TeamFolderLister
}

// Engine runs one reconciliation of the source into the index
type Engine struct {
	source  Source
	sink    *search.Sink
	scanner *search.Scanner
	journal *journal.DB
	metrics *metrics.Recorder
	logger  logging.Logger
	now     func() time.Time
}

// Deps wires an Engine. Journal and Metrics may be nil.
type Deps struct {
	Source  Source
	Sink    *search.Sink
	Scanner *search.Scanner
	Journal *journal.DB
	Metrics *metrics.Recorder
	Logger  logging.Logger
}

// Options controls a single run
type Options struct {
	Workers       int
	FailurePolicy string
	Folders       []string
	DryRun        bool
	NoDelete      bool
	Stream        bool
}

// Summary describes what a run did
type Summary struct {
	RunID        string                  `json:"runId"`
	ObservedAt   string                  `json:"observedAt"`
	Phase        Phase                   `json:"phase"`
	DryRun       bool                    `json:"dryRun"`
	Scopes       int                     `json:"scopes"`
	Completed    []string                `json:"completed"`
	Failed       []scanner.ScopeFailure  `json:"failed,omitempty"`
	ScopeStats   []scanner.ScopeStats    `json:"scopeStats,omitempty"`
	Records      int                     `json:"records"`
	Dropped      int                     `json:"dropped"`
	Malformed    int                     `json:"malformed"`
	Upsert       search.BulkResult       `json:"upsert"`
	Indexed      int                     `json:"indexed"`
	ScanRestarts int                     `json:"scanRestarts"`
	Stale        int                     `json:"stale"`
	Tombstone    search.BulkResult       `json:"tombstone"`
	SkipReason   diff.SkipReason         `json:"skipReason,omitempty"`
	Durations    map[Phase]time.Duration `json:"durations"`
	StartedAt    time.Time               `json:"startedAt"`
	FinishedAt   time.Time               `json:"finishedAt"`
}

// Result is the outcome of a run
type Result struct {
	Summary Summary
	// Records holds every record listed, for reports
	Records []types.NormalizedRecord
}

// NewEngine creates an engine
func NewEngine(deps Deps) *Engine {
	if deps.Logger == nil {
		deps.Logger = logging.NewNoOpLogger()
	}
	return &Engine{
		source:  deps.Source,
		sink:    deps.Sink,
		scanner: deps.Scanner,
		journal: deps.Journal,
		metrics: deps.Metrics,
		logger:  deps.Logger,
		now:     time.Now,
	}
}

// run carries the state of one Run call
type run struct {
	e       *Engine
	opts    Options
	logger  logging.Logger
	summary *Summary
	mark    time.Time
}

func (r *run) enter(ctx context.Context, phase Phase) {
	now := r.e.now()
	if r.summary.Phase != "" {
		d := now.Sub(r.mark)
		r.summary.Durations[r.summary.Phase] = d
		if r.e.metrics != nil {
			r.e.metrics.PhaseDuration(string(r.summary.Phase), d)
		}
	}
	r.mark = now
	r.summary.Phase = phase
	r.logger.Debug("Entering phase", logging.F("phase", string(phase)))
	if r.e.journal != nil {
		if err := r.e.journal.SetPhase(ctx, r.summary.RunID, string(phase)); err != nil {
			r.logger.Warn("Failed to record phase", logging.F("error", err.Error()))
		}
	}
}

// Run executes START, ENUMERATE_SOURCE, UPSERT_CURRENT, SCAN_INDEX,
// RECONCILE_DELETIONS and DONE in order. Tombstoning only happens after a
// traversal of every team folder succeeded.
func (e *Engine) Run(ctx context.Context, opts Options) (*Result, error) {
	started := e.now()
	runID := uuid.New().String()
	ctx = logging.ContextWithTraceID(ctx, runID)

	summary := &Summary{
		RunID:      runID,
		ObservedAt: started.UTC().Format(utils.ObservedAtLayout),
		DryRun:     opts.DryRun,
		Durations:  make(map[Phase]time.Duration),
		StartedAt:  started,
	}
	result := &Result{}
	r := &run{e: e, opts: opts, logger: e.logger.WithTraceID(runID), summary: summary}

	r.logger.Info("Run started",
		logging.F("observedAt", summary.ObservedAt),
		logging.F("dryRun", opts.DryRun),
		logging.F("folders", strings.Join(opts.Folders, ",")),
	)
	if e.journal != nil {
		err := e.journal.StartRun(ctx, journal.Run{
			ID:         runID,
			ObservedAt: summary.ObservedAt,
			StartedAt:  started,
			Phase:      string(PhaseStart),
			DryRun:     opts.DryRun,
		})
		if err != nil {
			r.logger.Warn("Failed to record run start", logging.F("error", err.Error()))
		}
	}
	r.enter(ctx, PhaseStart)

	err := r.execute(ctx, result)
	if err == nil {
		r.enter(ctx, PhaseDone)
		err = r.outcome()
	}
	r.finish(ctx, err)
	result.Summary = *summary
	return result, err
}

func (r *run) execute(ctx context.Context, result *Result) error {
	e := r.e
	summary := r.summary

	r.enter(ctx, PhaseEnumerate)
	scopes, err := scanner.ActiveTeamFolders(ctx, e.source, r.logger)
	if err != nil {
		return utils.WrapAppError(utils.NewCLIError(utils.ErrCodeScopeFailed,
			fmt.Sprintf("listing team folders failed: %v", err)).
			WithContext("cause", utils.ErrorCode(err)).
			WithRetryable(utils.IsRetryable(err)).
			Build(), err)
	}
	scopes, unknown := scanner.FilterScopes(scopes, r.opts.Folders)
	if len(unknown) > 0 {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeInvalidArgument,
			fmt.Sprintf("unknown team folder(s): %s", strings.Join(unknown, ", "))).
			WithContext("folders", unknown).
			Build())
	}
	summary.Scopes = len(scopes)

	var upsertMu stdsync.Mutex
	var onPage scanner.PageHook
	if r.opts.Stream && !r.opts.DryRun {
		onPage = func(ctx context.Context, scope types.Scope, records []types.NormalizedRecord) error {
			written, err := e.sink.Upsert(ctx, records)
			upsertMu.Lock()
			summary.Upsert.Merge(written)
			upsertMu.Unlock()
			return err
		}
	}

	walker := scanner.NewWalker(e.source, scanner.WalkerOptions{
		Workers:       r.opts.Workers,
		FailurePolicy: r.opts.FailurePolicy,
		ObservedAt:    summary.ObservedAt,
		OnPage:        onPage,
		Logger:        r.logger,
	})
	walk, walkErr := walker.Walk(ctx, scopes)
	if walk != nil {
		summary.Completed = walk.Completed
		summary.Failed = walk.Failed
		summary.ScopeStats = walk.Scopes
		summary.Records = len(walk.Records)
		summary.Dropped = walk.Dropped
		summary.Malformed = walk.Malformed
		result.Records = walk.Records
		if e.metrics != nil {
			for _, s := range walk.Scopes {
				e.metrics.ScopeRecords(s.Scope, s.Records)
			}
			e.metrics.Records(len(walk.Records))
		}
	}
	if walkErr != nil {
		return walkErr
	}

	r.enter(ctx, PhaseUpsert)
	if !r.opts.Stream && !r.opts.DryRun {
		written, err := e.sink.Upsert(ctx, walk.Records)
		summary.Upsert.Merge(written)
		if err != nil {
			return err
		}
	}
	r.logger.Info("Records upserted",
		logging.F("submitted", summary.Upsert.Submitted),
		logging.F("succeeded", summary.Upsert.Succeeded),
		logging.F("failed", len(summary.Upsert.Failed)),
	)

	gate := diff.Gate{
		FailedScopes: len(walk.Failed),
		Filtered:     len(r.opts.Folders) > 0,
		NoDelete:     r.opts.NoDelete,
		DryRun:       r.opts.DryRun,
	}
	summary.SkipReason = gate.Skip()
	if summary.SkipReason != diff.SkipNone && summary.SkipReason != diff.SkipDryRun {
		r.logger.Warn("Skipping deletion reconciliation", logging.F("reason", string(summary.SkipReason)))
		return nil
	}

	r.enter(ctx, PhaseScan)
	previous, stats, err := e.scanner.ScanActiveIDs(ctx)
	summary.ScanRestarts = stats.Restarts
	if e.metrics != nil {
		e.metrics.ScanRestarts(stats.Restarts)
	}
	if err != nil {
		return err
	}
	summary.Indexed = len(previous)

	r.enter(ctx, PhaseReconcile)
	stale := diff.Reconcile(previous, walk.IDs())
	summary.Stale = len(stale)
	if summary.SkipReason == diff.SkipDryRun {
		r.logger.Info("Dry run, not tombstoning", logging.F("stale", len(stale)))
		return nil
	}
	if len(stale) > 0 {
		tomb, err := e.sink.Tombstone(ctx, stale)
		summary.Tombstone = tomb
		if err != nil {
			return err
		}
	}
	r.logger.Info("Deletions reconciled",
		logging.F("indexed", summary.Indexed),
		logging.F("stale", summary.Stale),
		logging.F("tombstoned", summary.Tombstone.Succeeded),
	)
	return nil
}

// outcome is the error of a run that reached DONE: item failures first,
// then an incomplete traversal
func (r *run) outcome() error {
	s := r.summary
	failed := len(s.Upsert.Failed) + len(s.Tombstone.Failed)
	if failed > 0 {
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeBatchPartialFailure,
			fmt.Sprintf("%d bulk item(s) failed", failed)).
			WithContext("upsertFailed", len(s.Upsert.Failed)).
			WithContext("tombstoneFailed", len(s.Tombstone.Failed)).
			Build())
	}
	if len(s.Failed) > 0 {
		names := make([]string, len(s.Failed))
		for i, f := range s.Failed {
			names[i] = f.Scope
		}
		return utils.NewAppError(utils.NewCLIError(utils.ErrCodeIncompleteTraversal,
			fmt.Sprintf("%d team folder(s) failed, deletions not reconciled: %s", len(names), strings.Join(names, ", "))).
			WithContext("failed", names).
			Build())
	}
	return nil
}

func (r *run) finish(ctx context.Context, err error) {
	e := r.e
	s := r.summary
	s.FinishedAt = e.now()
	if s.Phase != PhaseDone {
		d := s.FinishedAt.Sub(r.mark)
		s.Durations[s.Phase] = d
		if e.metrics != nil {
			e.metrics.PhaseDuration(string(s.Phase), d)
		}
	}

	status := journal.StatusSucceeded
	switch {
	case err == nil:
	case utils.ErrorCode(err) == utils.ErrCodeBatchPartialFailure, utils.ErrorCode(err) == utils.ErrCodeIncompleteTraversal:
		status = journal.StatusPartial
	default:
		status = journal.StatusFailed
	}

	fields := []logging.Field{
		logging.F("status", status),
		logging.F("phase", string(s.Phase)),
		logging.F("scopes", s.Scopes),
		logging.F("records", s.Records),
		logging.F("upserted", s.Upsert.Succeeded),
		logging.F("tombstoned", s.Tombstone.Succeeded),
		logging.F("duration", s.FinishedAt.Sub(s.StartedAt).String()),
	}
	if err != nil {
		fields = append(fields, logging.F("error", err.Error()))
		r.logger.Error("Run finished with errors", fields...)
	} else {
		r.logger.Info("Run complete", fields...)
	}

	if e.metrics != nil {
		e.metrics.RunFinished(status, err == nil, s.FinishedAt)
		e.metrics.BulkItems("upsert", s.Upsert.Succeeded, len(s.Upsert.Failed), 0)
		e.metrics.BulkItems("tombstone", s.Tombstone.Succeeded, len(s.Tombstone.Failed), s.Tombstone.Missing)
		e.metrics.Tombstoned(s.Tombstone.Succeeded)
	}

	if e.journal == nil {
		return
	}
	// the run context may already be cancelled; the journal write must land
	jctx := context.WithoutCancel(ctx)
	finished := s.FinishedAt
	entry := journal.Run{
		ID:          s.RunID,
		FinishedAt:  &finished,
		Phase:       string(s.Phase),
		Status:      status,
		Scopes:      s.Scopes,
		Records:     s.Records,
		Upserted:    s.Upsert.Succeeded,
		FailedItems: len(s.Upsert.Failed) + len(s.Tombstone.Failed),
		Tombstoned:  s.Tombstone.Succeeded,
		SkipReason:  string(s.SkipReason),
	}
	if err != nil {
		entry.ErrorCode = utils.ErrorCode(err)
		entry.ErrorMessage = err.Error()
		if errors.Is(err, context.Canceled) {
			entry.ErrorCode = utils.ErrCodeCancelled
		}
	}
	if jerr := e.journal.FinishRun(jctx, entry); jerr != nil {
		r.logger.Warn("Failed to record run", logging.F("error", jerr.Error()))
	}

	scopeRuns := make([]journal.ScopeRun, 0, len(s.ScopeStats))
	failures := make(map[string]string, len(s.Failed))
	for _, f := range s.Failed {
		failures[f.Scope] = f.Error
	}
	for _, st := range s.ScopeStats {
		scopeRuns = append(scopeRuns, journal.ScopeRun{
			Scope:     st.Scope,
			Pages:     st.Pages,
			Records:   st.Records,
			Dropped:   st.Dropped,
			Malformed: st.Malformed,
			Duration:  st.Duration,
			Error:     failures[st.Scope],
		})
	}
	if jerr := e.journal.RecordScopes(jctx, s.RunID, scopeRuns); jerr != nil {
		r.logger.Warn("Failed to record scopes", logging.F("error", jerr.Error()))
	}
}
