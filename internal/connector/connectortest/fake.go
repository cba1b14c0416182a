// Package connectortest provides scripted in-memory connectors for tests.
package connectortest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
)

// Reader answers queries from maps keyed by Query.Source().
type Reader struct {
	mu      sync.Mutex
	Results map[string][]domain.Observation
	Errors  map[string]error
	Panics  map[string]bool
	// Delay is applied before answering, honouring ctx.
	Delay time.Duration
	calls []connector.Query
}

func NewReader() *Reader {
	return &Reader{Results: map[string][]domain.Observation{}, Errors: map[string]error{}, Panics: map[string]bool{}}
}

func (r *Reader) Set(q connector.Query, obs ...domain.Observation) *Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results[q.Source()] = obs
	return r
}

func (r *Reader) Fail(q connector.Query, err error) *Reader {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Errors[q.Source()] = err
	return r
}

func (r *Reader) Fetch(ctx context.Context, q connector.Query) ([]domain.Observation, error) {
	r.mu.Lock()
	r.calls = append(r.calls, q)
	obs, ok := r.Results[q.Source()]
	err := r.Errors[q.Source()]
	panics := r.Panics[q.Source()]
	delay := r.Delay
	r.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if panics {
		panic("scripted reader panic for " + q.Source())
	}
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no scripted result for %s", q.Source())
	}
	return append([]domain.Observation(nil), obs...), nil
}

func (r *Reader) Calls() []connector.Query {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]connector.Query(nil), r.calls...)
}

// Writer answers every submit with Status unless Outcomes has an entry for
// the action key.
type Writer struct {
	mu       sync.Mutex
	Status   domain.DispatchStatus
	Detail   string
	Outcomes map[string]domain.DispatchOutcome
	// Block, when set, holds every submit until it is closed. The
	// submit ignores ctx so it behaves like an acknowledged platform call.
	Block chan struct{}
	// Started receives the key of each submit as it begins.
	Started chan string
	Now     func() time.Time
	calls   []domain.CandidateAction
}

func NewWriter(status domain.DispatchStatus) *Writer {
	return &Writer{Status: status, Outcomes: map[string]domain.DispatchOutcome{}}
}

func (w *Writer) Submit(ctx context.Context, c domain.CandidateAction) domain.DispatchOutcome {
	w.mu.Lock()
	w.calls = append(w.calls, c)
	block, started := w.Block, w.Started
	out, scripted := w.Outcomes[c.ActionKey]
	status, detail := w.Status, w.Detail
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	w.mu.Unlock()
	if started != nil {
		started <- c.ActionKey
	}
	if block != nil {
		<-block
	}
	if scripted {
		out.ActionKey = c.ActionKey
		if out.DispatchedAt.IsZero() {
			out.DispatchedAt = now()
		}
		return out
	}
	switch status {
	case domain.StatusSucceeded:
		return domain.Succeeded(c.ActionKey, now())
	case domain.StatusPendingApproval:
		return domain.Pending(c.ActionKey, now())
	default:
		return domain.Failed(c.ActionKey, detail, now())
	}
}

func (w *Writer) Calls() []domain.CandidateAction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]domain.CandidateAction(nil), w.calls...)
}

// CallCount returns how many submits carried key.
func (w *Writer) CallCount(key string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.calls {
		if c.ActionKey == key {
			n++
		}
	}
	return n
}
