package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ulfschnabel/slka/internal/domain"
)

// dispatch submits survivors in order with at most DispatchConcurrency in
// flight. Once the context is cancelled or the store fails, no new dispatch
// starts; those already started run to completion and are recorded.
func (c *cycle) dispatch(ctx context.Context, survivors []domain.CandidateAction) {
	sem := semaphore.NewWeighted(int64(c.cfg.DispatchConcurrency))
	var storeFailed atomic.Bool
	var wg sync.WaitGroup

	for i, cand := range survivors {
		stop := ctx.Err() != nil || storeFailed.Load()
		if !stop && sem.Acquire(ctx, 1) != nil {
			stop = true
		}
		if !stop && (ctx.Err() != nil || storeFailed.Load()) {
			sem.Release(1)
			stop = true
		}
		if stop {
			left := len(survivors) - i
			c.update(func(s *domain.RunSummary) { s.NotDispatched += left })
			c.log.Info("dispatch stopped", zap.Int("not_dispatched", left))
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			c.dispatchOne(ctx, cand, &storeFailed)
		}()
	}
	wg.Wait()
	if storeFailed.Load() {
		c.update(func(s *domain.RunSummary) { s.Outcome = domain.RunStoreUnavailable })
	}
}

// storeCtx is detached from cycle cancellation so started work is always
// recorded, but still bounded.
func (c *cycle) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
}

func (c *cycle) dispatchOne(ctx context.Context, cand domain.CandidateAction, storeFailed *atomic.Bool) {
	log := c.log.With(zap.String("action_key", cand.ActionKey))
	unlock := c.o.locks.Lock(cand.ActionKey)
	defer unlock()

	sctx, cancel := c.storeCtx(ctx)
	verdict, err := c.o.Store.Claim(sctx, cand.ActionKey, c.policy())
	cancel()
	if err != nil {
		storeFailed.Store(true)
		log.Error("claim failed", zap.Error(err))
		c.update(func(s *domain.RunSummary) {
			s.StoreErrors++
			s.NotDispatched++
		})
		return
	}
	if verdict != domain.ClaimGranted {
		c.skip(cand, verdict)
		return
	}
	if ctx.Err() != nil {
		rctx, cancel := c.storeCtx(ctx)
		if err := c.o.Store.Release(rctx, cand.ActionKey, c.runID); err != nil {
			log.Warn("release claim", zap.Error(err))
		}
		cancel()
		c.update(func(s *domain.RunSummary) { s.NotDispatched++ })
		return
	}

	c.update(func(s *domain.RunSummary) { s.Attempted++ })
	out := c.submit(ctx, cand)
	log.Info("dispatched", zap.String("status", string(out.Status)), zap.String("detail", out.ErrorDetail))

	rec := domain.RecordFor(cand, out)
	rctx, cancel := c.storeCtx(ctx)
	err = c.o.Store.Record(rctx, rec, c.runID)
	cancel()
	if err != nil {
		storeFailed.Store(true)
		log.Error("record outcome", zap.Error(err))
		c.update(func(s *domain.RunSummary) { s.StoreErrors++ })
	}

	c.update(func(s *domain.RunSummary) {
		switch out.Status {
		case domain.StatusSucceeded:
			s.Succeeded++
		case domain.StatusPendingApproval:
			s.Pending++
		default:
			s.Failed++
		}
		s.Outcomes = append(s.Outcomes, out)
	})
	c.notify("dispatched", func(o Observer) { o.Dispatched(context.WithoutCancel(ctx), c.runID, cand, out) })
}

// submit calls the writer under the per-call timeout and normalises the
// result: a missing key or status, a panic, and a deadline all become
// well-formed outcomes.
func (c *cycle) submit(ctx context.Context, cand domain.CandidateAction) (out domain.DispatchOutcome) {
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.CallTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("writer panic", zap.String("action_key", cand.ActionKey), zap.Any("panic", r))
			out = domain.Failed(cand.ActionKey, fmt.Sprintf("panic: %v", r), c.o.now())
		}
	}()

	out = c.o.Writer.Submit(wctx, cand)
	if out.Status != domain.StatusSucceeded && errors.Is(wctx.Err(), context.DeadlineExceeded) {
		out = domain.Failed(cand.ActionKey, "timeout", c.o.now())
	}
	out.ActionKey = cand.ActionKey
	if out.DispatchedAt.IsZero() {
		out.DispatchedAt = c.o.now()
	}
	switch out.Status {
	case domain.StatusSucceeded, domain.StatusPendingApproval:
		out.ErrorDetail = ""
	case domain.StatusFailed:
		if out.ErrorDetail == "" {
			out.ErrorDetail = "unknown error"
		}
	default:
		out = domain.Failed(cand.ActionKey, fmt.Sprintf("invalid status %q", out.Status), out.DispatchedAt)
	}
	return out
}
