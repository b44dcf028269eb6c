package journal

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrRunNotFound is returned when no run has the requested id
var ErrRunNotFound = errors.New("run not found")

// StartRun records a run entering its first phase
func (d *DB) StartRun(ctx context.Context, run Run) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO runs (id, observed_at, started_at, phase, status, dry_run)
		VALUES (?, ?, ?, ?, ?, ?)
	`, run.ID, run.ObservedAt, toMillis(run.StartedAt), run.Phase, StatusRunning, boolToInt(run.DryRun))
	return err
}

// SetPhase moves a running run to phase
func (d *DB) SetPhase(ctx context.Context, id, phase string) error {
	_, err := d.db.ExecContext(ctx, `UPDATE runs SET phase = ? WHERE id = ?`, phase, id)
	return err
}

// FinishRun stores the final counters and status of a run
func (d *DB) FinishRun(ctx context.Context, run Run) error {
	finished := time.Now()
	if run.FinishedAt != nil {
		finished = *run.FinishedAt
	}
	res, err := d.db.ExecContext(ctx, `
		UPDATE runs SET
			finished_at = ?, phase = ?, status = ?, scopes = ?, records = ?, upserted = ?,
			failed_items = ?, tombstoned = ?, skip_reason = ?, error_code = ?, error_message = ?
		WHERE id = ?
	`, toMillis(finished), run.Phase, run.Status, run.Scopes, run.Records, run.Upserted,
		run.FailedItems, run.Tombstoned, run.SkipReason, run.ErrorCode, run.ErrorMessage, run.ID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// RecordScopes replaces the per-scope rows of a run
func (d *DB) RecordScopes(ctx context.Context, runID string, scopes []ScopeRun) (err error) {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `DELETE FROM run_scopes WHERE run_id = ?`, runID)
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO run_scopes (run_id, scope, pages, records, dropped, malformed, duration_ms, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer func() {
		if closeErr := stmt.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for _, s := range scopes {
		_, err := stmt.ExecContext(ctx, runID, s.Scope, s.Pages, s.Records, s.Dropped, s.Malformed, s.Duration.Milliseconds(), s.Error)
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}

	return tx.Commit()
}

const runColumns = `id, observed_at, started_at, finished_at, phase, status, dry_run, scopes, records, upserted,
		       failed_items, tombstoned, skip_reason, error_code, error_message`

// GetRun loads one run
func (d *DB) GetRun(ctx context.Context, id string) (*Run, error) {
	row := d.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListRuns returns the most recent runs first; limit <= 0 means all
func (d *DB) ListRuns(ctx context.Context, limit int) (runs []Run, err error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := d.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

// LastSucceeded returns the newest run that reconciled deletions
func (d *DB) LastSucceeded(ctx context.Context) (*Run, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM runs
		WHERE status = ? AND dry_run = 0
		ORDER BY started_at DESC LIMIT 1
	`, StatusSucceeded)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// ListScopes returns the per-scope rows of a run ordered by scope name
func (d *DB) ListScopes(ctx context.Context, runID string) (scopes []ScopeRun, err error) {
	rows, err := d.db.QueryContext(ctx, `
		SELECT run_id, scope, pages, records, dropped, malformed, duration_ms, error
		FROM run_scopes WHERE run_id = ? ORDER BY scope
	`, runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	for rows.Next() {
		var s ScopeRun
		var durationMs int64
		var scopeErr sql.NullString
		if err := rows.Scan(&s.RunID, &s.Scope, &s.Pages, &s.Records, &s.Dropped, &s.Malformed, &durationMs, &scopeErr); err != nil {
			return nil, err
		}
		s.Duration = time.Duration(durationMs) * time.Millisecond
		s.Error = scopeErr.String
		scopes = append(scopes, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return scopes, nil
}

func scanRun(scanner interface {
	Scan(dest ...interface{}) error
}) (Run, error) {
	var run Run
	var started int64
	var finished sql.NullInt64
	var dryRun int
	var skip, code, msg sql.NullString
	err := scanner.Scan(&run.ID, &run.ObservedAt, &started, &finished, &run.Phase, &run.Status, &dryRun,
		&run.Scopes, &run.Records, &run.Upserted, &run.FailedItems, &run.Tombstoned, &skip, &code, &msg)
	if err != nil {
		return Run{}, err
	}
	run.StartedAt = fromMillis(started)
	if finished.Valid {
		t := fromMillis(finished.Int64)
		run.FinishedAt = &t
	}
	run.DryRun = dryRun != 0
	run.SkipReason = skip.String
	run.ErrorCode = code.String
	run.ErrorMessage = msg.String
	return run, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
