package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/connector/connectortest"
	"github.com/ulfschnabel/slka/internal/db"
	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/generate"
	"github.com/ulfschnabel/slka/internal/jobs"
	"github.com/ulfschnabel/slka/internal/migrate"
	"github.com/ulfschnabel/slka/internal/pipeline"
	"github.com/ulfschnabel/slka/internal/repo"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func channel(id, name string) domain.Observation {
	return domain.ChannelObservation(domain.Channel{ID: id, Name: name}, t0)
}

func message(ch, ts, text string, at time.Time) domain.Observation {
	return domain.MessageObservation(domain.Message{ChannelID: ch, TS: ts, User: "U1", UserName: "ana", Text: text, PostedAt: at}, t0)
}

func history(ch string, limit int) connector.Query {
	return connector.Query{Kind: connector.ChannelHistory, Channel: ch, Limit: limit}
}

// memStore is an in-memory Store with injectable failures.
type memStore struct {
	mu        sync.Mutex
	recs      map[string]domain.IdempotencyRecord
	claims    map[string]memClaim
	pingErr   error
	claimErr  error
	recordErr error
	// getDelay slows every Get, honouring ctx.
	getDelay time.Duration
}

type memClaim struct {
	owner   string
	expires time.Time
}

func newMemStore() *memStore {
	return &memStore{recs: map[string]domain.IdempotencyRecord{}, claims: map[string]memClaim{}}
}

func (m *memStore) Ping(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pingErr
}

func (m *memStore) Get(ctx context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	if m.getDelay > 0 {
		select {
		case <-time.After(m.getDelay):
		case <-ctx.Done():
			return domain.IdempotencyRecord{}, false, ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	return rec, ok, nil
}

func (m *memStore) HasSucceeded(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.recs[key].Status == domain.StatusSucceeded, nil
}

func (m *memStore) Claim(_ context.Context, key string, p domain.ClaimPolicy) (domain.ClaimVerdict, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return "", m.claimErr
	}
	if rec, ok := m.recs[key]; ok {
		if v := p.Verdict(rec); v != domain.ClaimGranted {
			return v, nil
		}
	}
	if c, ok := m.claims[key]; ok && c.owner != p.Owner && p.Now.Before(c.expires) {
		return domain.ClaimSkipInFlight, nil
	}
	m.claims[key] = memClaim{owner: p.Owner, expires: p.Now.Add(p.TTL)}
	return domain.ClaimGranted, nil
}

func (m *memStore) Release(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claims[key].owner == owner {
		delete(m.claims, key)
	}
	return nil
}

func (m *memStore) Record(_ context.Context, rec domain.IdempotencyRecord, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recordErr != nil {
		return m.recordErr
	}
	old, ok := m.recs[rec.ActionKey]
	if ok && old.Status == domain.StatusSucceeded {
		return nil
	}
	rec.Attempts = old.Attempts + 1
	rec.CreatedAt = old.CreatedAt
	if !ok {
		rec.CreatedAt = rec.LastAttemptAt
	}
	m.recs[rec.ActionKey] = rec
	if m.claims[rec.ActionKey].owner == owner {
		delete(m.claims, rec.ActionKey)
	}
	return nil
}

func (m *memStore) record(key string) (domain.IdempotencyRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[key]
	return rec, ok
}

func openRepo(t *testing.T, path string, clk *clock) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Path: path})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	r.Now = clk.Now
	return r
}

func newOrchestrator(r connector.Reader, w connector.Writer, s pipeline.Store, clk *clock) *pipeline.Orchestrator {
	return &pipeline.Orchestrator{
		Reader:    r,
		Writer:    w,
		Store:     s,
		Generator: generate.Rules{ReplyPrefix: generate.DefaultReplyPrefix, Now: clk.Now},
		Now:       clk.Now,
	}
}

func cleanupFixture() *connectortest.Reader {
	r := connectortest.NewReader()
	r.Set(connector.Query{Kind: connector.ListChannels}, channel("C1", "general"), channel("C2", "proj-x"))
	r.Set(history("C2", 1), message("C2", "1700000000.000100", "last words", t0.Add(-90*24*time.Hour-time.Hour)))
	return r
}

func cleanupJob() jobs.Job {
	return jobs.Cleanup{Threshold: 90 * 24 * time.Hour, Exclude: []string{"general"}}
}

func TestStaleChannelPendingThenCooldown(t *testing.T) {
	clk := &clock{now: t0}
	store := newMemStore()
	w := connectortest.NewWriter(domain.StatusPendingApproval)
	w.Now = clk.Now
	o := newOrchestrator(cleanupFixture(), w, store, clk)
	cfg := pipeline.Config{Jobs: []jobs.Job{cleanupJob()}, PendingCooldown: time.Hour}

	s := o.RunCycle(context.Background(), cfg)
	assert.Equal(t, domain.RunCompleted, s.Outcome)
	assert.Equal(t, "DONE", s.FinalState)
	assert.Equal(t, 1, s.Candidates)
	assert.Equal(t, 1, s.Attempted)
	assert.Equal(t, 1, s.Pending)
	assert.Empty(t, s.ReadErrors)
	rec, ok := store.record("archive_channel:C2")
	require.True(t, ok)
	assert.Equal(t, domain.StatusPendingApproval, rec.Status)

	clk.Advance(10 * time.Minute)
	s = o.RunCycle(context.Background(), cfg)
	assert.Equal(t, 0, s.Attempted)
	assert.Equal(t, 1, s.SkippedCooldown)
	assert.Equal(t, 1, w.CallCount("archive_channel:C2"))

	clk.Advance(time.Hour)
	s = o.RunCycle(context.Background(), cfg)
	assert.Equal(t, 1, s.Attempted, "pending is re-checked after the cooldown")
	assert.Equal(t, 2, w.CallCount("archive_channel:C2"))
}

func TestMentionReplyAndDuplicate(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	r.Set(history("C1", 50), message("C1", "1709290000.000200", "Need Help please", t0.Add(-time.Minute)))
	w := connectortest.NewWriter(domain.StatusSucceeded)
	store := newMemStore()
	o := newOrchestrator(r, w, store, clk)
	cfg := pipeline.Config{Jobs: []jobs.Job{jobs.Mentions{Channels: []string{"C1"}, Keywords: []string{"help"}, Limit: 50}}}

	s := o.RunCycle(context.Background(), cfg)
	require.Equal(t, 1, s.Succeeded)
	calls := w.Calls()
	require.Len(t, calls, 1)
	want := domain.CandidateAction{
		ActionKey: "reply_thread:C1:1709290000.000200",
		Kind:      domain.ActionReplyThread,
		Target:    "C1",
		ThreadTS:  "1709290000.000200",
		Content:   generate.DefaultReplyPrefix + generate.HelpResponse,
		Job:       "mentions",
	}
	if diff := cmp.Diff(want, calls[0]); diff != "" {
		t.Fatalf("candidate mismatch (-want +got):\n%s", diff)
	}

	s = o.RunCycle(context.Background(), cfg)
	assert.Equal(t, 1, s.SkippedDuplicate)
	assert.Equal(t, 0, s.Attempted)
	assert.Len(t, w.Calls(), 1)
}

func TestDuplicateKeysWithinCycle(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	r.Set(history("C1", 0), message("C1", "1.1", "help", t0))
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(r, w, newMemStore(), clk)
	job := jobs.Mentions{Channels: []string{"C1", "C1"}, Keywords: []string{"help"}}

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{job}})
	assert.Equal(t, 1, s.Candidates)
	assert.Equal(t, 1, s.SkippedDuplicate)
	assert.Equal(t, 1, w.CallCount("reply_thread:C1:1.1"))
}

func TestPartialReadFailure(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	r.Set(history("C1", 0), message("C1", "1.1", "help", t0))
	r.Fail(history("C2", 0), errors.New("channel_not_found"))
	r.Set(history("C3", 0), message("C3", "3.1", "help me", t0))
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(r, w, newMemStore(), clk)
	job := jobs.Mentions{Channels: []string{"C1", "C2", "C3"}, Keywords: []string{"help"}}

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{job}, FetchConcurrency: 3})
	assert.Equal(t, domain.RunCompleted, s.Outcome)
	assert.Equal(t, []domain.ReadError{{Source: "mentions/channel_history:C2", Reason: "channel_not_found"}}, s.ReadErrors)
	assert.Equal(t, 2, s.Succeeded)
	assert.Equal(t, 2, s.Observations)
}

func TestReaderPanicIsReadError(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	r.Panics["channel_history:C1"] = true
	r.Set(history("C2", 0), message("C2", "2.1", "help", t0))
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(r, w, newMemStore(), clk)
	job := jobs.Mentions{Channels: []string{"C1", "C2"}, Keywords: []string{"help"}}

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{job}})
	require.Len(t, s.ReadErrors, 1)
	assert.Contains(t, s.ReadErrors[0].Reason, "panic")
	assert.Equal(t, 1, s.Succeeded)
}

func TestReadTimeout(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	r.Set(history("C1", 0))
	r.Delay = time.Second
	o := newOrchestrator(r, connectortest.NewWriter(domain.StatusSucceeded), newMemStore(), clk)
	job := jobs.Mentions{Channels: []string{"C1"}, Keywords: []string{"help"}}

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{job}, CallTimeout: 20 * time.Millisecond})
	assert.Equal(t, []domain.ReadError{{Source: "mentions/channel_history:C1", Reason: "timeout"}}, s.ReadErrors)
}

func TestStoreUnavailableBlocksDispatch(t *testing.T) {
	clk := &clock{now: t0}
	store := newMemStore()
	store.pingErr = errors.New("disk I/O error")
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(cleanupFixture(), w, store, clk)

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}})
	assert.Equal(t, domain.RunStoreUnavailable, s.Outcome)
	assert.Equal(t, 1, s.NotDispatched)
	assert.Equal(t, 1, s.StoreErrors)
	assert.Empty(t, w.Calls())

	o.Store = nil
	s = o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}})
	assert.Equal(t, domain.RunStoreUnavailable, s.Outcome)
	assert.Empty(t, w.Calls())
}

func TestSlowStoreLookupsEachGetTheirOwnTimeout(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	var chans []domain.Observation
	for i := 1; i <= 5; i++ {
		id := fmt.Sprintf("C%d", i)
		chans = append(chans, channel(id, "proj-"+id))
		r.Set(history(id, 1), message(id, "1600000000.000100", "old", t0.Add(-200*24*time.Hour)))
	}
	r.Set(connector.Query{Kind: connector.ListChannels}, chans...)
	store := newMemStore()
	store.getDelay = 40 * time.Millisecond
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(r, w, store, clk)

	// Five lookups take longer than one call timeout in total.
	s := o.RunCycle(context.Background(), pipeline.Config{
		Jobs:        []jobs.Job{jobs.Cleanup{Threshold: 90 * 24 * time.Hour}},
		CallTimeout: 100 * time.Millisecond,
	})
	assert.Equal(t, domain.RunCompleted, s.Outcome)
	assert.Equal(t, 0, s.StoreErrors)
	assert.Equal(t, 5, s.Succeeded)
}

func TestRecordFailureStopsDispatch(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	r.Set(history("C1", 0),
		message("C1", "1.1", "help", t0),
		message("C1", "1.2", "help", t0),
		message("C1", "1.3", "help", t0))
	store := newMemStore()
	store.recordErr = errors.New("database is locked")
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(r, w, store, clk)
	job := jobs.Mentions{Channels: []string{"C1"}, Keywords: []string{"help"}}

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{job}})
	assert.Equal(t, domain.RunStoreUnavailable, s.Outcome)
	assert.Equal(t, 1, s.Attempted)
	assert.Equal(t, 1, s.StoreErrors)
	assert.Equal(t, 2, s.NotDispatched)
	assert.Len(t, w.Calls(), 1)
}

func TestClaimFailureStopsDispatch(t *testing.T) {
	clk := &clock{now: t0}
	store := newMemStore()
	store.claimErr = errors.New("connection refused")
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(cleanupFixture(), w, store, clk)

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}})
	assert.Equal(t, domain.RunStoreUnavailable, s.Outcome)
	assert.Equal(t, 1, s.NotDispatched)
	assert.Empty(t, w.Calls())
}

func TestWriteTimeout(t *testing.T) {
	clk := &clock{now: t0}
	store := newMemStore()
	w := connector.WriterFunc(func(ctx context.Context, c domain.CandidateAction) domain.DispatchOutcome {
		<-ctx.Done()
		return domain.Failed(c.ActionKey, ctx.Err().Error(), clk.Now())
	})
	o := newOrchestrator(cleanupFixture(), w, store, clk)

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}, CallTimeout: 20 * time.Millisecond})
	assert.Equal(t, 1, s.Failed)
	require.Len(t, s.Outcomes, 1)
	assert.Equal(t, "timeout", s.Outcomes[0].ErrorDetail)
	rec, ok := store.record("archive_channel:C2")
	require.True(t, ok)
	assert.Equal(t, domain.StatusFailed, rec.Status)
	assert.Equal(t, "timeout", rec.ErrorDetail)

	s = o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}, CallTimeout: 20 * time.Millisecond})
	assert.Equal(t, 1, s.SkippedFailed, "failed records are not retried by default")

	s = o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}, CallTimeout: 20 * time.Millisecond, RetryFailed: true})
	assert.Equal(t, 1, s.Attempted)
}

func TestWriterPanicIsFailedOutcome(t *testing.T) {
	clk := &clock{now: t0}
	store := newMemStore()
	w := connector.WriterFunc(func(context.Context, domain.CandidateAction) domain.DispatchOutcome {
		panic("boom")
	})
	o := newOrchestrator(cleanupFixture(), w, store, clk)

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}})
	assert.Equal(t, 1, s.Failed)
	rec, ok := store.record("archive_channel:C2")
	require.True(t, ok)
	assert.Equal(t, "panic: boom", rec.ErrorDetail)
}

func TestInvalidWriterStatusIsFailed(t *testing.T) {
	clk := &clock{now: t0}
	w := connector.WriterFunc(func(_ context.Context, c domain.CandidateAction) domain.DispatchOutcome {
		return domain.DispatchOutcome{Status: "maybe"}
	})
	o := newOrchestrator(cleanupFixture(), w, newMemStore(), clk)
	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}})
	require.Len(t, s.Outcomes, 1)
	assert.Equal(t, domain.StatusFailed, s.Outcomes[0].Status)
	assert.Equal(t, "archive_channel:C2", s.Outcomes[0].ActionKey)
}

func TestCancellationFinishesInFlight(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	r.Set(history("C1", 0), message("C1", "1.1", "help", t0), message("C1", "1.2", "help", t0))
	store := newMemStore()
	w := connectortest.NewWriter(domain.StatusSucceeded)
	w.Block = make(chan struct{})
	w.Started = make(chan string, 2)
	o := newOrchestrator(r, w, store, clk)
	job := jobs.Mentions{Channels: []string{"C1"}, Keywords: []string{"help"}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan domain.RunSummary, 1)
	go func() { done <- o.RunCycle(ctx, pipeline.Config{Jobs: []jobs.Job{job}}) }()

	assert.Equal(t, "reply_thread:C1:1.1", <-w.Started)
	cancel()
	close(w.Block)
	s := <-done

	assert.Equal(t, domain.RunCancelled, s.Outcome)
	assert.Equal(t, 1, s.Succeeded)
	assert.Equal(t, 1, s.NotDispatched)
	_, ok := store.record("reply_thread:C1:1.1")
	assert.True(t, ok, "in-flight dispatch is recorded after cancellation")
	_, ok = store.record("reply_thread:C1:1.2")
	assert.False(t, ok)
}

func TestDryRun(t *testing.T) {
	clk := &clock{now: t0}
	store := newMemStore()
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(cleanupFixture(), w, store, clk)

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}, DryRun: true})
	assert.True(t, s.DryRun)
	require.Len(t, s.Planned, 1)
	assert.Equal(t, "archive_channel:C2", s.Planned[0].ActionKey)
	assert.Empty(t, w.Calls())
	_, ok := store.record("archive_channel:C2")
	assert.False(t, ok)
}

func TestDispatchConcurrency(t *testing.T) {
	clk := &clock{now: t0}
	r := connectortest.NewReader()
	var obs []domain.Observation
	for i := 0; i < 8; i++ {
		obs = append(obs, message("C1", fmt.Sprintf("1.%d", i), "help", t0))
	}
	r.Set(history("C1", 0), obs...)
	w := connectortest.NewWriter(domain.StatusSucceeded)
	o := newOrchestrator(r, w, newMemStore(), clk)
	job := jobs.Mentions{Channels: []string{"C1"}, Keywords: []string{"help"}}

	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{job}, DispatchConcurrency: 4})
	assert.Equal(t, 8, s.Succeeded)
	assert.Len(t, s.Outcomes, 8)
}

type recordingObserver struct {
	mu         sync.Mutex
	dispatched []string
	readErrors int
	finished   []domain.RunSummary
}

func (r *recordingObserver) ReadFailed(context.Context, string, domain.ReadError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.readErrors++
}

func (r *recordingObserver) Dispatched(_ context.Context, _ string, c domain.CandidateAction, _ domain.DispatchOutcome) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dispatched = append(r.dispatched, c.ActionKey)
}

func (r *recordingObserver) Finished(_ context.Context, s domain.RunSummary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.finished = append(r.finished, s)
}

func TestObserverFanOut(t *testing.T) {
	clk := &clock{now: t0}
	r := cleanupFixture()
	r.Fail(history("C9", 0), errors.New("nope"))
	a, b := &recordingObserver{}, &recordingObserver{}
	o := newOrchestrator(r, connectortest.NewWriter(domain.StatusSucceeded), newMemStore(), clk)
	o.Observer = pipeline.Observers{a, b}
	o.NewID = func() string { return "run-1" }
	jobsList := []jobs.Job{cleanupJob(), jobs.Mentions{Channels: []string{"C9"}, Keywords: []string{"x"}}}

	o.RunCycle(context.Background(), pipeline.Config{Jobs: jobsList})
	for _, obs := range []*recordingObserver{a, b} {
		assert.Equal(t, []string{"archive_channel:C2"}, obs.dispatched)
		assert.Equal(t, 1, obs.readErrors)
		require.Len(t, obs.finished, 1)
		assert.Equal(t, "run-1", obs.finished[0].RunID)
	}
}

type panickingObserver struct{}

func (panickingObserver) ReadFailed(context.Context, string, domain.ReadError) { panic("read") }
func (panickingObserver) Dispatched(context.Context, string, domain.CandidateAction, domain.DispatchOutcome) {
	panic("dispatched")
}
func (panickingObserver) Finished(context.Context, domain.RunSummary) { panic("finished") }

func TestObserverPanicStaysInsideCycle(t *testing.T) {
	clk := &clock{now: t0}
	r := cleanupFixture()
	r.Fail(history("C9", 0), errors.New("nope"))
	after := &recordingObserver{}
	store := newMemStore()
	o := newOrchestrator(r, connectortest.NewWriter(domain.StatusSucceeded), store, clk)
	o.Observer = pipeline.Observers{panickingObserver{}, after}
	jobsList := []jobs.Job{cleanupJob(), jobs.Mentions{Channels: []string{"C9"}, Keywords: []string{"x"}}}

	var s domain.RunSummary
	require.NotPanics(t, func() { s = o.RunCycle(context.Background(), pipeline.Config{Jobs: jobsList}) })
	assert.Equal(t, domain.RunCompleted, s.Outcome)
	assert.Equal(t, "DONE", s.FinalState)
	assert.Equal(t, 1, s.Succeeded)
	rec, ok := store.record("archive_channel:C2")
	require.True(t, ok)
	assert.Equal(t, domain.StatusSucceeded, rec.Status)
}

func TestCrashRestartSkipsSucceeded(t *testing.T) {
	clk := &clock{now: t0}
	path := filepath.Join(t.TempDir(), "slka.db")
	w := connectortest.NewWriter(domain.StatusSucceeded)
	cfg := pipeline.Config{Jobs: []jobs.Job{cleanupJob()}}

	first := newOrchestrator(cleanupFixture(), w, openRepo(t, path, clk), clk)
	require.Equal(t, 1, first.RunCycle(context.Background(), cfg).Succeeded)

	restarted := newOrchestrator(cleanupFixture(), w, openRepo(t, path, clk), clk)
	s := restarted.RunCycle(context.Background(), cfg)
	assert.Equal(t, 1, s.SkippedDuplicate)
	assert.Equal(t, 1, w.CallCount("archive_channel:C2"))
}

func TestExpiredClaimIsReclaimed(t *testing.T) {
	clk := &clock{now: t0}
	path := filepath.Join(t.TempDir(), "slka.db")
	store := openRepo(t, path, clk)
	w := connectortest.NewWriter(domain.StatusSucceeded)

	v, err := store.Claim(context.Background(), "archive_channel:C2", domain.ClaimPolicy{Owner: "crashed", Now: t0.Add(-time.Hour), TTL: time.Minute})
	require.NoError(t, err)
	require.Equal(t, domain.ClaimGranted, v)

	o := newOrchestrator(cleanupFixture(), w, store, clk)
	s := o.RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}})
	assert.Equal(t, 1, s.Succeeded)

	v, err = store.Claim(context.Background(), "archive_channel:C9", domain.ClaimPolicy{Owner: "live", Now: t0, TTL: time.Hour})
	require.NoError(t, err)
	require.Equal(t, domain.ClaimGranted, v)
	r := connectortest.NewReader()
	r.Set(connector.Query{Kind: connector.ListChannels}, channel("C9", "old"))
	r.Set(history("C9", 1))
	s = newOrchestrator(r, w, store, clk).RunCycle(context.Background(), pipeline.Config{Jobs: []jobs.Job{cleanupJob()}})
	assert.Equal(t, 1, s.SkippedInFlight)
	assert.Equal(t, 0, w.CallCount("archive_channel:C9"))
}

func TestConcurrentOrchestratorsDispatchOnce(t *testing.T) {
	clk := &clock{now: t0}
	path := filepath.Join(t.TempDir(), "slka.db")
	r := connectortest.NewReader()
	var obs []domain.Observation
	for i := 0; i < 6; i++ {
		obs = append(obs, message("C1", fmt.Sprintf("1.%d", i), "help", t0))
	}
	r.Set(history("C1", 0), obs...)
	w := connectortest.NewWriter(domain.StatusSucceeded)
	job := jobs.Mentions{Channels: []string{"C1"}, Keywords: []string{"help"}}
	cfg := pipeline.Config{Jobs: []jobs.Job{job}, DispatchConcurrency: 3}

	a := newOrchestrator(r, w, openRepo(t, path, clk), clk)
	b := newOrchestrator(r, w, openRepo(t, path, clk), clk)
	var wg sync.WaitGroup
	sums := make([]domain.RunSummary, 2)
	for i, o := range []*pipeline.Orchestrator{a, b} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sums[i] = o.RunCycle(context.Background(), cfg)
		}()
	}
	wg.Wait()

	for i := 0; i < 6; i++ {
		assert.Equal(t, 1, w.CallCount(fmt.Sprintf("reply_thread:C1:1.%d", i)))
	}
	total := sums[0].Succeeded + sums[1].Succeeded
	assert.Equal(t, 6, total)
	for _, s := range sums {
		assert.Zero(t, s.StoreErrors, "outcome %s", s.Outcome)
	}
}
