package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/events"
)

var (
	ErrNotFound        = domain.ErrNotFound
	ErrAlreadyDecided  = errors.New("approval already decided")
	ErrRecordPermanent = domain.ErrRecordPermanent
)

// Repo is the SQLite workspace store: idempotency records, dispatch claims,
// the approval queue, the event log and run history.
type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

func New(db *sql.DB) Repo {
	return Repo{DB: db, Now: time.Now}
}

func (r Repo) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r Repo) events() events.Writer {
	return events.Writer{DB: r.DB, Now: r.Now}
}

// Ping checks that the store is reachable and migrated.
func (r Repo) Ping(ctx context.Context) error {
	if r.DB == nil {
		return errors.New("store not configured")
	}
	var n int
	return r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM dispatch_claims WHERE 0`).Scan(&n)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 1000 {
		return 1000
	}
	return limit
}
