package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/events"
)

// SaveRun persists a cycle summary and appends cycle.completed.
func (r Repo) SaveRun(ctx context.Context, s domain.RunSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO runs(run_id,started_at,finished_at,outcome,succeeded,pending,failed,read_errors,summary_json) VALUES (?,?,?,?,?,?,?,?,?)
ON CONFLICT(run_id) DO UPDATE SET finished_at=excluded.finished_at, outcome=excluded.outcome, succeeded=excluded.succeeded,
  pending=excluded.pending, failed=excluded.failed, read_errors=excluded.read_errors, summary_json=excluded.summary_json`,
		s.RunID, toMillis(s.StartedAt), toMillis(s.FinishedAt), string(s.Outcome), s.Succeeded, s.Pending, s.Failed, len(s.ReadErrors), string(data)); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	if err := r.events().Append(ctx, tx, events.CycleCompleted, "run", s.RunID, "", events.EventPayload{
		"outcome":     s.Outcome,
		"succeeded":   s.Succeeded,
		"pending":     s.Pending,
		"failed":      s.Failed,
		"read_errors": len(s.ReadErrors),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) GetRun(ctx context.Context, runID string) (domain.RunRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT run_id,started_at,finished_at,outcome,succeeded,pending,failed,read_errors,summary_json FROM runs WHERE run_id=?`, runID)
	rec, err := scanRun(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunRecord{}, ErrNotFound
	}
	return rec, err
}

func (r Repo) ListRuns(ctx context.Context, limit int) ([]domain.RunRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT run_id,started_at,finished_at,outcome,succeeded,pending,failed,read_errors,summary_json FROM runs ORDER BY started_at DESC LIMIT ?`, normalizeLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunRecord
	for rows.Next() {
		rec, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func scanRun(scan func(dest ...any) error) (domain.RunRecord, error) {
	var rec domain.RunRecord
	var started, finished int64
	var outcome, summary string
	if err := scan(&rec.RunID, &started, &finished, &outcome, &rec.Succeeded, &rec.Pending, &rec.Failed, &rec.ReadErrors, &summary); err != nil {
		return domain.RunRecord{}, err
	}
	rec.StartedAt = fromMillis(started)
	rec.FinishedAt = fromMillis(finished)
	rec.Outcome = domain.RunOutcome(outcome)
	if err := json.Unmarshal([]byte(summary), &rec.Summary); err != nil {
		return domain.RunRecord{}, fmt.Errorf("decode run %s: %w", rec.RunID, err)
	}
	return rec, nil
}
