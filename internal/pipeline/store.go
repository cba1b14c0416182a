package pipeline

import (
	"context"
	"errors"
	"sync"

	"github.com/ulfschnabel/slka/internal/domain"
)

// ErrStoreUnavailable marks a cycle that could not reach its idempotency store.
var ErrStoreUnavailable = errors.New("idempotency store unavailable")

// Store is the durable idempotency contract. repo.Repo (SQLite) and
// postgres.Store implement it.
type Store interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error)
	HasSucceeded(ctx context.Context, key string) (bool, error)
	// Claim atomically checks the record for key and takes the dispatch
	// claim when the policy allows it.
	Claim(ctx context.Context, key string, p domain.ClaimPolicy) (domain.ClaimVerdict, error)
	Release(ctx context.Context, key, owner string) error
	// Record writes the outcome and drops owner's claim.
	Record(ctx context.Context, rec domain.IdempotencyRecord, owner string) error
}

// keyedMutex serialises work per action key inside one process.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = map[string]*keyLock{}
	}
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
