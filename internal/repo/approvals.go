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

const approvalColumns = `action_key,kind,target,thread_ts,content,description,status,decided_by,reason,requested_at,decided_at`

func scanApproval(scan func(dest ...any) error) (domain.Approval, error) {
	var a domain.Approval
	var kind, status string
	var threadTS, content, decidedBy, reason sql.NullString
	var requested int64
	var decided sql.NullInt64
	if err := scan(&a.ActionKey, &kind, &a.Target, &threadTS, &content, &a.Description, &status, &decidedBy, &reason, &requested, &decided); err != nil {
		return domain.Approval{}, err
	}
	a.Kind = domain.ActionKind(kind)
	a.Status = domain.ApprovalStatus(status)
	a.ThreadTS = threadTS.String
	a.Content = content.String
	a.DecidedBy = decidedBy.String
	a.Reason = reason.String
	a.RequestedAt = fromMillis(requested)
	if decided.Valid {
		t := fromMillis(decided.Int64)
		a.DecidedAt = &t
	}
	return a, nil
}

func (r Repo) GetApproval(ctx context.Context, key string) (domain.Approval, error) {
	a, err := scanApproval(r.DB.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE action_key=?`, key).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Approval{}, ErrNotFound
	}
	return a, err
}

// LookupApproval is GetApproval with a found flag instead of ErrNotFound.
func (r Repo) LookupApproval(ctx context.Context, key string) (domain.Approval, bool, error) {
	a, err := r.GetApproval(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return domain.Approval{}, false, nil
	}
	if err != nil {
		return domain.Approval{}, false, err
	}
	return a, true, nil
}

// RequestApproval queues a pending approval. An existing request for the same
// key is left untouched and returned with created=false.
func (r Repo) RequestApproval(ctx context.Context, a domain.Approval) (domain.Approval, bool, error) {
	if a.RequestedAt.IsZero() {
		a.RequestedAt = r.now()
	}
	a.Status = domain.ApprovalPending
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, false, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `INSERT INTO approvals(action_key,kind,target,thread_ts,content,description,status,requested_at) VALUES (?,?,?,?,?,?,?,?)
ON CONFLICT(action_key) DO NOTHING`,
		a.ActionKey, string(a.Kind), a.Target, nullable(a.ThreadTS), nullable(a.Content), a.Description, string(a.Status), toMillis(a.RequestedAt))
	if err != nil {
		return domain.Approval{}, false, fmt.Errorf("request approval %s: %w", a.ActionKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Approval{}, false, err
	}
	if n == 0 {
		existing, err := scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE action_key=?`, a.ActionKey).Scan)
		if err != nil {
			return domain.Approval{}, false, err
		}
		return existing, false, nil
	}
	if err := r.events().Append(ctx, tx, events.ApprovalRequested, "approval", a.ActionKey, "", events.EventPayload{
		"kind":        a.Kind,
		"target":      a.Target,
		"description": a.Description,
	}); err != nil {
		return domain.Approval{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, false, err
	}
	return a, true, nil
}

// DecideApproval moves a pending approval to approved or rejected.
func (r Repo) DecideApproval(ctx context.Context, key string, approve bool, actorID, reason string) (domain.Approval, error) {
	status := domain.ApprovalRejected
	if approve {
		status = domain.ApprovalApproved
	}
	now := r.now()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Approval{}, err
	}
	defer tx.Rollback()
	a, err := scanApproval(tx.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE action_key=?`, key).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Approval{}, ErrNotFound
	}
	if err != nil {
		return domain.Approval{}, err
	}
	if a.Status != domain.ApprovalPending {
		return a, fmt.Errorf("%w: %s is %s", ErrAlreadyDecided, key, a.Status)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE approvals SET status=?, decided_by=?, reason=?, decided_at=? WHERE action_key=? AND status='pending'`,
		string(status), nullable(actorID), nullable(reason), toMillis(now), key); err != nil {
		return domain.Approval{}, err
	}
	if err := r.events().Append(ctx, tx, events.ApprovalDecided, "approval", key, actorID, events.EventPayload{
		"status": status,
		"reason": reason,
	}); err != nil {
		return domain.Approval{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Approval{}, err
	}
	a.Status = status
	a.DecidedBy = actorID
	a.Reason = reason
	a.DecidedAt = &now
	return a, nil
}

// MarkApprovalExecuted records that an approved action was applied.
func (r Repo) MarkApprovalExecuted(ctx context.Context, key string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE approvals SET status='executed' WHERE action_key=? AND status='approved'`, key)
	return err
}

func (r Repo) ListApprovals(ctx context.Context, status string, limit int) ([]domain.Approval, error) {
	clauses := []string{"1=1"}
	var args []any
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	args = append(args, normalizeLimit(limit))
	rows, err := r.DB.QueryContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE `+strings.Join(clauses, " AND ")+` ORDER BY requested_at ASC, action_key ASC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
