// Package postgres keeps idempotency records and dispatch claims in
// PostgreSQL so several slka processes can share one store.
package postgres

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ulfschnabel/slka/internal/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type Store struct {
	Pool *pgxpool.Pool
	Now  func() time.Time
}

// Open connects, pings and migrates. dsn may be empty to use DATABASE_URL.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if dsn == "" {
		dsn = os.Getenv("DATABASE_URL")
	}
	if dsn == "" {
		return nil, errors.New("postgres DSN or DATABASE_URL required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	s := &Store{Pool: pool, Now: time.Now}
	if err := s.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.Pool == nil {
		return nil
	}
	s.Pool.Close()
	return nil
}

// Migrate runs migrations not yet listed in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	applied := map[int]bool{}
	rows, err := s.Pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err == nil {
		for rows.Next() {
			var v int
			if err := rows.Scan(&v); err != nil {
				break
			}
			applied[v] = true
		}
		rows.Close()
	}
	files, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return err
	}
	type mig struct {
		version int
		name    string
		sql     string
	}
	var migs []mig
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".sql") {
			continue
		}
		v, err := strconv.Atoi(strings.SplitN(f.Name(), "_", 2)[0])
		if err != nil {
			return fmt.Errorf("invalid migration filename %s: %w", f.Name(), err)
		}
		if applied[v] {
			continue
		}
		body, err := migrationsFS.ReadFile("migrations/" + f.Name())
		if err != nil {
			return err
		}
		migs = append(migs, mig{v, f.Name(), string(body)})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	for _, m := range migs {
		if _, err := s.Pool.Exec(ctx, m.sql); err != nil {
			return fmt.Errorf("migration %s: %w", m.name, err)
		}
		if _, err := s.Pool.Exec(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES($1, $2) ON CONFLICT (version) DO NOTHING`, m.version, s.now().Unix()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.Pool == nil {
		return errors.New("store not configured")
	}
	return s.Pool.Ping(ctx)
}

const recordColumns = `action_key,kind,target,status,COALESCE(error_detail,''),attempts,created_at,last_attempt_at`

func (s *Store) Get(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	rec, err := scanRecord(s.Pool.QueryRow(ctx, `SELECT `+recordColumns+` FROM idempotency_records WHERE action_key=$1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.IdempotencyRecord{}, false, nil
	}
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return rec, true, nil
}

func (s *Store) HasSucceeded(ctx context.Context, key string) (bool, error) {
	var ok bool
	err := s.Pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM idempotency_records WHERE action_key=$1 AND status='succeeded')`, key).Scan(&ok)
	return ok, err
}

// Claim is the same single-statement check-and-claim as the SQLite store.
func (s *Store) Claim(ctx context.Context, key string, p domain.ClaimPolicy) (domain.ClaimVerdict, error) {
	now := p.Now.UTC()
	tag, err := s.Pool.Exec(ctx, `INSERT INTO dispatch_claims(action_key,owner_id,acquired_at,expires_at)
SELECT $1,$2,$3,$4
WHERE NOT EXISTS (
  SELECT 1 FROM idempotency_records rec
  WHERE rec.action_key=$1
    AND (rec.status='succeeded'
      OR (rec.status='pending_approval' AND rec.last_attempt_at > $5)
      OR (rec.status='failed' AND NOT $6))
)
ON CONFLICT (action_key) DO UPDATE SET owner_id=EXCLUDED.owner_id, acquired_at=EXCLUDED.acquired_at, expires_at=EXCLUDED.expires_at
WHERE dispatch_claims.expires_at <= EXCLUDED.acquired_at`,
		key, p.Owner, now.UnixMilli(), now.Add(p.TTL).UnixMilli(), now.Add(-p.PendingCooldown).UnixMilli(), p.RetryFailed)
	if err != nil {
		return "", fmt.Errorf("claim %s: %w", key, err)
	}
	if tag.RowsAffected() > 0 {
		return domain.ClaimGranted, nil
	}
	rec, found, err := s.Get(ctx, key)
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

func (s *Store) Release(ctx context.Context, key, owner string) error {
	_, err := s.Pool.Exec(ctx, `DELETE FROM dispatch_claims WHERE action_key=$1 AND owner_id=$2`, key, owner)
	return err
}

func (s *Store) Record(ctx context.Context, rec domain.IdempotencyRecord, owner string) error {
	if !rec.Status.Valid() {
		return fmt.Errorf("invalid status %q", rec.Status)
	}
	at := rec.LastAttemptAt
	if at.IsZero() {
		at = s.now()
	}
	var detail *string
	if rec.ErrorDetail != "" {
		detail = &rec.ErrorDetail
	}
	return pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `INSERT INTO idempotency_records(action_key,kind,target,status,error_detail,attempts,created_at,last_attempt_at)
VALUES ($1,$2,$3,$4,$5,1,$6,$6)
ON CONFLICT (action_key) DO UPDATE SET kind=EXCLUDED.kind, target=EXCLUDED.target, status=EXCLUDED.status,
  error_detail=EXCLUDED.error_detail, attempts=idempotency_records.attempts+1, last_attempt_at=EXCLUDED.last_attempt_at
WHERE idempotency_records.status <> 'succeeded'`,
			rec.ActionKey, string(rec.Kind), rec.Target, string(rec.Status), detail, at.UnixMilli()); err != nil {
			return fmt.Errorf("record %s: %w", rec.ActionKey, err)
		}
		if owner == "" {
			return nil
		}
		_, err := tx.Exec(ctx, `DELETE FROM dispatch_claims WHERE action_key=$1 AND owner_id=$2`, rec.ActionKey, owner)
		return err
	})
}

func scanRecord(row pgx.Row) (domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	var kind, status string
	var created, last int64
	if err := row.Scan(&rec.ActionKey, &kind, &rec.Target, &status, &rec.ErrorDetail, &rec.Attempts, &created, &last); err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec.Kind = domain.ActionKind(kind)
	rec.Status = domain.DispatchStatus(status)
	rec.CreatedAt = time.UnixMilli(created).UTC()
	rec.LastAttemptAt = time.UnixMilli(last).UTC()
	return rec, nil
}

func (s *Store) ListRecords(ctx context.Context, f domain.RecordFilter) ([]domain.IdempotencyRecord, error) {
	clauses := []string{"TRUE"}
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		clauses = append(clauses, "status=$"+strconv.Itoa(len(args)))
	}
	if f.Prefix != "" {
		args = append(args, f.Prefix+"%")
		clauses = append(clauses, "action_key LIKE $"+strconv.Itoa(len(args)))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)
	rows, err := s.Pool.Query(ctx, `SELECT `+recordColumns+` FROM idempotency_records WHERE `+strings.Join(clauses, " AND ")+
		` ORDER BY last_attempt_at DESC LIMIT $`+strconv.Itoa(len(args)), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IdempotencyRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ForgetRecord deletes a non-succeeded record and returns it.
func (s *Store) ForgetRecord(ctx context.Context, key string) (domain.IdempotencyRecord, error) {
	var rec domain.IdempotencyRecord
	err := pgx.BeginFunc(ctx, s.Pool, func(tx pgx.Tx) error {
		var err error
		rec, err = scanRecord(tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM idempotency_records WHERE action_key=$1 FOR UPDATE`, key))
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if rec.Status == domain.StatusSucceeded {
			return domain.ErrRecordPermanent
		}
		_, err = tx.Exec(ctx, `DELETE FROM idempotency_records WHERE action_key=$1`, key)
		return err
	})
	if err != nil {
		return rec, err
	}
	return rec, nil
}

// ActiveClaims counts unexpired dispatch claims.
func (s *Store) ActiveClaims(ctx context.Context) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM dispatch_claims WHERE expires_at > $1`, s.now().UnixMilli()).Scan(&n)
	return n, err
}
