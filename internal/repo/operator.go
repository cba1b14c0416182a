package repo

import (
	"context"
	"errors"

	"github.com/ulfschnabel/slka/internal/domain"
)

// ErrStoreUnreachable is returned by Records when the configured idempotency
// store could not be opened.
var ErrStoreUnreachable = errors.New("idempotency store unreachable")

// RecordStore is the operator side of an idempotency store. Repo and
// postgres.Store implement it.
type RecordStore interface {
	Get(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error)
	ListRecords(ctx context.Context, f domain.RecordFilter) ([]domain.IdempotencyRecord, error)
	ForgetRecord(ctx context.Context, key string) (domain.IdempotencyRecord, error)
	ActiveClaims(ctx context.Context) (int, error)
}

// Records answers operator queries from whichever store holds the
// idempotency records, while approvals and events stay in the workspace.
type Records struct {
	// Store is nil when the configured store is unreachable.
	Store RecordStore
	Repo  Repo
}

func (r *Records) store() (RecordStore, error) {
	if r == nil || r.Store == nil {
		return nil, ErrStoreUnreachable
	}
	return r.Store, nil
}

func (r *Records) List(ctx context.Context, f domain.RecordFilter) ([]domain.IdempotencyRecord, error) {
	s, err := r.store()
	if err != nil {
		return nil, err
	}
	return s.ListRecords(ctx, f)
}

func (r *Records) Get(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	s, err := r.store()
	if err != nil {
		return domain.IdempotencyRecord{}, false, err
	}
	return s.Get(ctx, key)
}

// Forget removes a failed or pending record from the store and then clears
// a rejected approval for it in the workspace.
func (r *Records) Forget(ctx context.Context, key, actorID string) (domain.IdempotencyRecord, error) {
	s, err := r.store()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	rec, err := s.ForgetRecord(ctx, key)
	if err != nil {
		return rec, err
	}
	if err := r.Repo.RecordForgotten(ctx, rec, actorID); err != nil {
		return rec, err
	}
	return rec, nil
}

func (r *Records) ActiveClaims(ctx context.Context) (int, error) {
	s, err := r.store()
	if err != nil {
		return 0, err
	}
	return s.ActiveClaims(ctx)
}
