package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/events"
)

const recordColumns = `action_key,kind,target,status,error_detail,attempts,created_at,last_attempt_at`

func scanRecord(scan func(dest ...any) error) (domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var kind, status string
	var detail sql.NullString
	var created, last int64
	if err := scan(&rec.ActionKey, &kind, &rec.Target, &status, &detail, &rec.Attempts, &created, &last); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.Kind = domain.ActionKind(kind)
	rec.Status = domain.DispatchStatus(status)
	rec.ErrorDetail = detail.String
	rec.CreatedAt = fromMillis(created)
	rec.LastAttemptAt = fromMillis(last)
	return rec, nil
}

// Get returns the record for key; found is false when none exists.
func (r Repo) Get(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM idempotency_records WHERE action_key=?`, key)
	rec, err := scanRecord(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

func (r Repo) HasSucceeded(ctx context.Context, key string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM idempotency_records WHERE action_key=? AND status='succeeded'`, key).Scan(&n)
	return n > 0, err
}

// Claim atomically takes the dispatch claim for key unless the existing
// record forbids dispatch or another owner holds an unexpired claim. The
// check and the claim are one statement, so two claimants can never both win.
func (r Repo) Claim(ctx context.Context, key string, p domain.ClaimPolicy) (domain.ClaimVerdict, error) {
	now := p.Now.UTC()
	retry := 0
	if p.RetryFailed {
		retry = 1
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO dispatch_claims(action_key,owner_id,acquired_at,expires_at)
SELECT ?,?,?,?
WHERE NOT EXISTS (
  SELECT 1 FROM idempotency_records rec
  WHERE rec.action_key=?
    AND (rec.status='succeeded'
      OR (rec.status='pending_approval' AND rec.last_attempt_at > ?)
      OR (rec.status='failed' AND ?=0))
)
ON CONFLICT(action_key) DO UPDATE SET owner_id=excluded.owner_id, acquired_at=excluded.acquired_at, expires_at=excluded.expires_at
WHERE dispatch_claims.expires_at <= excluded.acquired_at`,
		key, p.Owner, toMillis(now), toMillis(now.Add(p.TTL)),
		key, toMillis(now.Add(-p.PendingCooldown)), retry)
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n > 0 {
		return domain.ClaimGranted, nil
	}
	rec, found, err := r.Get(ctx, key)
	if err != nil {
		return "", err
	}
	if found {
		if v := p.Verdict(rec); v != domain.ClaimGranted {
			return v, nil
		}
	}
	return domain.ClaimSkipInFlight, nil
}

// Release drops a claim without recording an outcome.
func (r Repo) Release(ctx context.Context, key, owner string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM dispatch_claims WHERE action_key=? AND owner_id=?`, key, owner)
	return err
}

// Record stores the outcome for rec.ActionKey and releases owner's claim in
// the same transaction. A succeeded record is never overwritten.
func (r Repo) Record(ctx context.Context, rec domain.IdempotencyRecord, owner string) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("invalid status %q", rec.Status)
	}
	at := rec.LastAttemptAt
	if at.IsZero() {
		at = r.now()
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `INSERT INTO idempotency_records(`+recordColumns+`) VALUES (?,?,?,?,?,1,?,?)
ON CONFLICT(action_key) DO UPDATE SET kind=excluded.kind, target=excluded.target, status=excluded.status,
  error_detail=excluded.error_detail, attempts=idempotency_records.attempts+1, last_attempt_at=excluded.last_attempt_at
WHERE idempotency_records.status <> 'succeeded'`,
		rec.ActionKey, string(rec.Kind), rec.Target, string(rec.Status), nullable(rec.ErrorDetail), toMillis(at), toMillis(at)); err != nil {
		return fmt.Errorf("record %s: %w", rec.ActionKey, err)
	}
	if owner != "" {
		if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_claims WHERE action_key=? AND owner_id=?`, rec.ActionKey, owner); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) ListRecords(ctx context.Context, f domain.RecordFilter) ([]domain.IdempotencyRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Prefix != "" {
		clauses = append(clauses, "action_key LIKE ?")
		args = append(args, f.Prefix+"%")
	}
	args = append(args, normalizeLimit(f.Limit))
	rows, err := r.DB.QueryContext(ctx, `SELECT `+recordColumns+` FROM idempotency_records WHERE `+strings.Join(clauses, " AND ")+` ORDER BY last_attempt_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IdempotencyRecord
	for rows.Next() {
		rec, err := scanRecord(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ForgetRecord deletes a non-succeeded record so the next cycle may
// dispatch the key again.
func (r Repo) ForgetRecord(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	defer tx.Rollback()
	rec, err := scanRecord(tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM idempotency_records WHERE action_key=?`, key).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if rec.Status == domain.StatusSucceeded {
		return rec, ErrRecordPermanent
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM idempotency_records WHERE action_key=?`, key); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	return rec, nil
}

// RecordForgotten clears a rejected approval for a forgotten record, so the
// retry asks again, and logs the event.
func (r Repo) RecordForgotten(ctx context.Context, rec domain.IdempotencyRecord, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM approvals WHERE action_key=? AND status='rejected'`, rec.ActionKey); err != nil {
		return err
	}
	if err := r.events().Append(ctx, tx, events.RecordForgotten, "record", rec.ActionKey, actorID, events.EventPayload{"status": rec.Status}); err != nil {
		return err
	}
	return tx.Commit()
}

// ActiveClaims counts unexpired dispatch claims.
func (r Repo) ActiveClaims(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_claims WHERE expires_at > ?`, toMillis(r.now())).Scan(&n)
	return n, err
}
