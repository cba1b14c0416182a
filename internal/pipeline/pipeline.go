// Package pipeline runs one poll cycle: fetch, classify, generate, filter,
// dispatch, report. RunCycle is the only entry point; the caller decides
// how often to call it.
package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/generate"
	"github.com/ulfschnabel/slka/internal/jobs"
)

type State string

const (
	StateFetching    State = "FETCHING"
	StateClassifying State = "CLASSIFYING"
	StateGenerating  State = "GENERATING"
	StateFiltering   State = "FILTERING"
	StateDispatching State = "DISPATCHING"
	StateReporting   State = "REPORTING"
	StateDone        State = "DONE"
)

const DefaultCallTimeout = 15 * time.Second

// Config is the per-cycle policy.
type Config struct {
	Jobs                []jobs.Job
	FetchConcurrency    int
	DispatchConcurrency int
	// CallTimeout bounds every connector and store call.
	CallTimeout time.Duration
	// PendingCooldown is the minimum age of a pending_approval record before
	// it is submitted again.
	PendingCooldown time.Duration
	// RetryFailed lets failed records be dispatched again.
	RetryFailed bool
	// ClaimTTL is how long a dispatch claim blocks other claimants.
	ClaimTTL time.Duration
	// DryRun stops after FILTERING and reports the surviving candidates.
	DryRun bool
}

func (c Config) normalized() Config {
	if c.FetchConcurrency < 1 {
		c.FetchConcurrency = 1
	}
	if c.DispatchConcurrency < 1 {
		c.DispatchConcurrency = 1
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * c.CallTimeout
	}
	if c.PendingCooldown < 0 {
		c.PendingCooldown = 0
	}
	return c
}

// Orchestrator wires the connectors, the store and the generator.
type Orchestrator struct {
	Reader    connector.Reader
	Writer    connector.Writer
	Store     Store
	Generator generate.Generator
	Observer  Observer
	Logger    *zap.Logger
	Now       func() time.Time
	NewID     func() string

	locks keyedMutex
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now().UTC()
	}
	return time.Now().UTC()
}

func (o *Orchestrator) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

func (o *Orchestrator) generator() generate.Generator {
	if o.Generator == nil {
		return generate.Rules{ReplyPrefix: generate.DefaultReplyPrefix, Now: o.now}
	}
	return o.Generator
}

// cycle is the mutable state of one RunCycle call.
type cycle struct {
	o     *Orchestrator
	cfg   Config
	log   *zap.Logger
	runID string

	mu      sync.Mutex
	summary domain.RunSummary
}

func (c *cycle) update(fn func(s *domain.RunSummary)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.summary)
}

func (c *cycle) enter(s State) {
	c.update(func(sum *domain.RunSummary) { sum.FinalState = string(s) })
	c.log.Debug("state", zap.String("state", string(s)))
}

// RunCycle runs one poll cycle and always returns a summary; failures are
// folded into its counters rather than returned.
func (o *Orchestrator) RunCycle(ctx context.Context, cfg Config) (summary domain.RunSummary) {
	cfg = cfg.normalized()
	runID := uuid.NewString()
	if o.NewID != nil {
		runID = o.NewID()
	}
	c := &cycle{o: o, cfg: cfg, runID: runID, log: o.logger().With(zap.String("run_id", runID))}
	c.summary = domain.RunSummary{
		RunID:      runID,
		StartedAt:  o.now(),
		Outcome:    domain.RunCompleted,
		DryRun:     cfg.DryRun,
		ReadErrors: []domain.ReadError{},
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("cycle panic", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			c.update(func(s *domain.RunSummary) {
				s.ReadErrors = append(s.ReadErrors, domain.ReadError{Source: "cycle", Reason: fmt.Sprintf("panic: %v", r)})
			})
		}
		summary = c.finish(ctx)
	}()

	c.enter(StateFetching)
	results := c.fetch(ctx)

	c.enter(StateClassifying)
	triggers := c.classify(results)

	c.enter(StateGenerating)
	candidates := c.generate(triggers)

	c.enter(StateFiltering)
	survivors, ok := c.filter(ctx, candidates)
	if !ok {
		return
	}
	if cfg.DryRun {
		c.update(func(s *domain.RunSummary) { s.Planned = survivors })
		return
	}

	c.enter(StateDispatching)
	c.dispatch(ctx, survivors)
	return
}

func (c *cycle) finish(ctx context.Context) domain.RunSummary {
	c.enter(StateReporting)
	c.mu.Lock()
	s := c.summary
	s.FinishedAt = c.o.now()
	if s.Outcome == domain.RunCompleted && ctx.Err() != nil {
		s.Outcome = domain.RunCancelled
	}
	s.FinalState = string(StateDone)
	s.ReadErrors = append([]domain.ReadError{}, s.ReadErrors...)
	s.Outcomes = append([]domain.DispatchOutcome(nil), s.Outcomes...)
	c.summary = s
	c.mu.Unlock()

	c.log.Info("cycle finished",
		zap.String("outcome", string(s.Outcome)),
		zap.Int("attempted", s.Attempted),
		zap.Int("succeeded", s.Succeeded),
		zap.Int("pending", s.Pending),
		zap.Int("failed", s.Failed),
		zap.Int("skipped_duplicate", s.SkippedDuplicate),
		zap.Int("read_errors", len(s.ReadErrors)),
		zap.Int("store_errors", s.StoreErrors))
	c.notify("finished", func(o Observer) { o.Finished(context.WithoutCancel(ctx), s) })
	return s
}

// notify calls the observer; a panic there is logged and does not escape
// the cycle.
func (c *cycle) notify(event string, fn func(Observer)) {
	if c.o.Observer == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("observer panic", zap.String("event", event), zap.Any("panic", r))
		}
	}()
	fn(c.o.Observer)
}

type fetchTask struct {
	job int
	q   connector.Query
}

// fetch runs every job's sources, then every job's follow-up queries. A
// failed query is recorded as a read error and never cancels its siblings.
func (c *cycle) fetch(ctx context.Context) []*jobs.Results {
	results := make([]*jobs.Results, len(c.cfg.Jobs))
	for i := range results {
		results[i] = jobs.NewResults()
	}
	now := c.o.now()

	var first []fetchTask
	for i, j := range c.cfg.Jobs {
		for _, q := range c.safeQueries(j, func() []connector.Query { return j.Sources(now) }) {
			first = append(first, fetchTask{i, q})
		}
	}
	c.runFetches(ctx, results, first)

	var second []fetchTask
	for i, j := range c.cfg.Jobs {
		res := results[i]
		for _, q := range c.safeQueries(j, func() []connector.Query { return j.Expand(res, now) }) {
			second = append(second, fetchTask{i, q})
		}
	}
	c.runFetches(ctx, results, second)

	total := 0
	for _, r := range results {
		total += r.Count()
	}
	c.update(func(s *domain.RunSummary) { s.Observations = total })
	return results
}

func (c *cycle) safeQueries(j jobs.Job, fn func() []connector.Query) (qs []connector.Query) {
	defer func() {
		if r := recover(); r != nil {
			c.readError(j.Name()+"/plan", fmt.Sprintf("panic: %v", r))
			qs = nil
		}
	}()
	return fn()
}

func (c *cycle) runFetches(ctx context.Context, results []*jobs.Results, tasks []fetchTask) {
	var g errgroup.Group
	g.SetLimit(c.cfg.FetchConcurrency)
	for _, t := range tasks {
		res := results[t.job]
		if res.Has(t.q) {
			continue
		}
		name := c.cfg.Jobs[t.job].Name()
		g.Go(func() error {
			obs, err := c.fetchOne(ctx, t.q)
			if err != nil {
				res.Fail(t.q, err)
				re := connector.AsReadError(t.q, err)
				c.readError(name+"/"+re.Source, re.Reason)
				return nil
			}
			res.Put(t.q, obs)
			return nil
		})
	}
	_ = g.Wait()
}

func (c *cycle) fetchOne(ctx context.Context, q connector.Query) (obs []domain.Observation, err error) {
	defer func() {
		if r := recover(); r != nil {
			obs, err = nil, fmt.Errorf("reader panic: %v", r)
		}
	}()
	qctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	obs, err = c.o.Reader.Fetch(qctx, q)
	if err != nil && qctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = &connector.ReadError{Source: q.Source(), Reason: "timeout", Err: err}
	}
	return obs, err
}

func (c *cycle) readError(source, reason string) {
	e := domain.ReadError{Source: source, Reason: reason}
	c.update(func(s *domain.RunSummary) { s.ReadErrors = append(s.ReadErrors, e) })
	c.log.Warn("read failed", zap.String("source", source), zap.String("reason", reason))
	c.notify("read_failed", func(o Observer) { o.ReadFailed(context.Background(), c.runID, e) })
}

func (c *cycle) classify(results []*jobs.Results) []domain.Trigger {
	now := c.o.now()
	var out []domain.Trigger
	for i, j := range c.cfg.Jobs {
		out = append(out, c.classifyJob(j, results[i], now)...)
	}
	return out
}

func (c *cycle) classifyJob(j jobs.Job, res *jobs.Results, now time.Time) (ts []domain.Trigger) {
	defer func() {
		if r := recover(); r != nil {
			c.readError(j.Name()+"/classify", fmt.Sprintf("panic: %v", r))
			ts = nil
		}
	}()
	return j.Classify(res, now)
}

// generate plans candidates in trigger order. A key seen earlier in the
// same cycle counts as a duplicate.
func (c *cycle) generate(triggers []domain.Trigger) []domain.CandidateAction {
	gen := c.o.generator()
	seen := map[string]bool{}
	var out []domain.CandidateAction
	dups := 0
	for _, t := range triggers {
		cand, ok, err := c.plan(gen, t)
		if err != nil {
			c.log.Warn("skip trigger", zap.String("job", t.Job), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if seen[cand.ActionKey] {
			dups++
			continue
		}
		seen[cand.ActionKey] = true
		out = append(out, cand)
	}
	c.update(func(s *domain.RunSummary) {
		s.Candidates = len(out)
		s.SkippedDuplicate += dups
	})
	return out
}

func (c *cycle) plan(gen generate.Generator, t domain.Trigger) (cand domain.CandidateAction, ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("generator panic: %v", r)
		}
	}()
	return generate.Plan(gen, t)
}

func (c *cycle) storeUnavailable(err error, remaining int) {
	c.log.Error("idempotency store unavailable", zap.Error(err))
	c.update(func(s *domain.RunSummary) {
		s.Outcome = domain.RunStoreUnavailable
		s.StoreErrors++
		s.NotDispatched += remaining
	})
}

// filter drops candidates whose record forbids dispatch. It reports false
// when the store is unreachable, in which case nothing may be dispatched.
func (c *cycle) filter(ctx context.Context, candidates []domain.CandidateAction) ([]domain.CandidateAction, bool) {
	if c.o.Store == nil {
		c.storeUnavailable(ErrStoreUnavailable, len(candidates))
		return nil, false
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	err := c.o.Store.Ping(pctx)
	cancel()
	if err != nil {
		c.storeUnavailable(fmt.Errorf("%w: %v", ErrStoreUnavailable, err), len(candidates))
		return nil, false
	}
	policy := c.policy()
	var out []domain.CandidateAction
	for i, cand := range candidates {
		gctx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		rec, found, err := c.o.Store.Get(gctx, cand.ActionKey)
		cancel()
		if err != nil {
			c.storeUnavailable(fmt.Errorf("%w: %v", ErrStoreUnavailable, err), len(candidates)-i)
			return nil, false
		}
		if found {
			if v := policy.Verdict(rec); v != domain.ClaimGranted {
				c.skip(cand, v)
				continue
			}
		}
		out = append(out, cand)
	}
	return out, true
}

func (c *cycle) policy() domain.ClaimPolicy {
	return domain.ClaimPolicy{
		Owner:           c.runID,
		Now:             c.o.now(),
		TTL:             c.cfg.ClaimTTL,
		PendingCooldown: c.cfg.PendingCooldown,
		RetryFailed:     c.cfg.RetryFailed,
	}
}

func (c *cycle) skip(cand domain.CandidateAction, v domain.ClaimVerdict) {
	c.update(func(s *domain.RunSummary) {
		switch v {
		case domain.ClaimSkipSucceeded:
			s.SkippedDuplicate++
		case domain.ClaimSkipCooldown:
			s.SkippedCooldown++
		case domain.ClaimSkipFailed:
			s.SkippedFailed++
		case domain.ClaimSkipInFlight:
			s.SkippedInFlight++
		}
	})
	c.log.Debug("skip", zap.String("action_key", cand.ActionKey), zap.String("verdict", string(v)))
}
