package repo_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ulfschnabel/slka/internal/db"
	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/migrate"
	"github.com/ulfschnabel/slka/internal/repo"
)

type testEnv struct {
	Repo repo.Repo
	Ctx  context.Context
	Now  time.Time
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := repo.New(conn)
	r.Now = func() time.Time { return now }
	return testEnv{Repo: r, Ctx: context.Background(), Now: now}
}

func (e testEnv) records() *repo.Records {
	return &repo.Records{Store: e.Repo, Repo: e.Repo}
}

func policy(now time.Time, owner string) domain.ClaimPolicy {
	return domain.ClaimPolicy{Owner: owner, Now: now, TTL: time.Minute, PendingCooldown: time.Hour}
}

func record(key string, status domain.DispatchStatus, at time.Time) domain.IdempotencyRecord {
	rec := domain.IdempotencyRecord{ActionKey: key, Kind: domain.ActionArchiveChannel, Target: "C1", Status: status, LastAttemptAt: at}
	if status == domain.StatusFailed {
		rec.ErrorDetail = "boom"
	}
	return rec
}

func TestClaimThenRecordSucceeded(t *testing.T) {
	env := newTestEnv(t)
	key := "archive_channel:C1"
	v, err := env.Repo.Claim(env.Ctx, key, policy(env.Now, "a"))
	if err != nil || v != domain.ClaimGranted {
		t.Fatalf("first claim: %s %v", v, err)
	}
	v, err = env.Repo.Claim(env.Ctx, key, policy(env.Now, "b"))
	if err != nil || v != domain.ClaimSkipInFlight {
		t.Fatalf("second claim while held: %s %v", v, err)
	}
	if err := env.Repo.Record(env.Ctx, record(key, domain.StatusSucceeded, env.Now), "a"); err != nil {
		t.Fatalf("record: %v", err)
	}
	ok, err := env.Repo.HasSucceeded(env.Ctx, key)
	if err != nil || !ok {
		t.Fatalf("has succeeded = %v, %v", ok, err)
	}
	v, err = env.Repo.Claim(env.Ctx, key, policy(env.Now.Add(24*time.Hour), "b"))
	if err != nil || v != domain.ClaimSkipSucceeded {
		t.Fatalf("claim after success: %s %v", v, err)
	}
	n, err := env.Repo.ActiveClaims(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("claims left behind: %d %v", n, err)
	}
}

func TestSucceededIsNeverDowngraded(t *testing.T) {
	env := newTestEnv(t)
	key := "send_message:C9:2024-03-01"
	if err := env.Repo.Record(env.Ctx, record(key, domain.StatusSucceeded, env.Now), ""); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.Record(env.Ctx, record(key, domain.StatusFailed, env.Now.Add(time.Hour)), ""); err != nil {
		t.Fatal(err)
	}
	rec, found, err := env.Repo.Get(env.Ctx, key)
	if err != nil || !found {
		t.Fatalf("get: %v %v", found, err)
	}
	if rec.Status != domain.StatusSucceeded || rec.Attempts != 1 {
		t.Fatalf("record downgraded: %+v", rec)
	}
}

func TestPendingCooldown(t *testing.T) {
	env := newTestEnv(t)
	key := "archive_channel:C2"
	if err := env.Repo.Record(env.Ctx, record(key, domain.StatusPendingApproval, env.Now), ""); err != nil {
		t.Fatal(err)
	}
	v, err := env.Repo.Claim(env.Ctx, key, policy(env.Now.Add(30*time.Minute), "a"))
	if err != nil || v != domain.ClaimSkipCooldown {
		t.Fatalf("inside cooldown: %s %v", v, err)
	}
	v, err = env.Repo.Claim(env.Ctx, key, policy(env.Now.Add(time.Hour), "a"))
	if err != nil || v != domain.ClaimGranted {
		t.Fatalf("after cooldown: %s %v", v, err)
	}
	if err := env.Repo.Record(env.Ctx, record(key, domain.StatusPendingApproval, env.Now.Add(time.Hour)), "a"); err != nil {
		t.Fatal(err)
	}
	rec, _, _ := env.Repo.Get(env.Ctx, key)
	if rec.Attempts != 2 || !rec.LastAttemptAt.Equal(env.Now.Add(time.Hour)) {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestFailedNeedsRetryPolicyOrForget(t *testing.T) {
	env := newTestEnv(t)
	key := "reply_thread:C3:1700000000.000100"
	if err := env.Repo.Record(env.Ctx, record(key, domain.StatusFailed, env.Now), ""); err != nil {
		t.Fatal(err)
	}
	v, err := env.Repo.Claim(env.Ctx, key, policy(env.Now, "a"))
	if err != nil || v != domain.ClaimSkipFailed {
		t.Fatalf("failed without retry: %s %v", v, err)
	}
	p := policy(env.Now, "a")
	p.RetryFailed = true
	v, err = env.Repo.Claim(env.Ctx, key, p)
	if err != nil || v != domain.ClaimGranted {
		t.Fatalf("failed with retry: %s %v", v, err)
	}
	if err := env.Repo.Release(env.Ctx, key, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.records().Forget(env.Ctx, key, "tester"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, found, _ := env.Repo.Get(env.Ctx, key); found {
		t.Fatalf("record survived forget")
	}
	v, err = env.Repo.Claim(env.Ctx, key, policy(env.Now, "b"))
	if err != nil || v != domain.ClaimGranted {
		t.Fatalf("claim after forget: %s %v", v, err)
	}
}

func TestForgetSucceededRefused(t *testing.T) {
	env := newTestEnv(t)
	key := "archive_channel:C4"
	if err := env.Repo.Record(env.Ctx, record(key, domain.StatusSucceeded, env.Now), ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.records().Forget(env.Ctx, key, "tester"); !errors.Is(err, repo.ErrRecordPermanent) {
		t.Fatalf("expected ErrRecordPermanent, got %v", err)
	}
	if _, err := env.records().Forget(env.Ctx, "missing", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestExpiredClaimIsReclaimable(t *testing.T) {
	env := newTestEnv(t)
	key := "archive_channel:C5"
	if v, _ := env.Repo.Claim(env.Ctx, key, policy(env.Now, "crashed")); v != domain.ClaimGranted {
		t.Fatalf("first claim: %s", v)
	}
	v, err := env.Repo.Claim(env.Ctx, key, policy(env.Now.Add(2*time.Minute), "next"))
	if err != nil || v != domain.ClaimGranted {
		t.Fatalf("reclaim after expiry: %s %v", v, err)
	}
}

func TestConcurrentClaimsHaveOneWinner(t *testing.T) {
	env := newTestEnv(t)
	key := "archive_channel:C6"
	const n = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := env.Repo.Claim(env.Ctx, key, policy(env.Now, string(rune('a'+i))))
			if err != nil {
				t.Errorf("claim %d: %v", i, err)
				return
			}
			if v == domain.ClaimGranted {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if winners != 1 {
		t.Fatalf("expected exactly one winner, got %d", winners)
	}
}

func TestApprovalLifecycle(t *testing.T) {
	env := newTestEnv(t)
	a := domain.Approval{ActionKey: "archive_channel:C7", Kind: domain.ActionArchiveChannel, Target: "C7", Description: "Archive channel C7"}
	created, isNew, err := env.Repo.RequestApproval(env.Ctx, a)
	if err != nil || !isNew || created.Status != domain.ApprovalPending {
		t.Fatalf("request: %+v %v %v", created, isNew, err)
	}
	_, isNew, err = env.Repo.RequestApproval(env.Ctx, a)
	if err != nil || isNew {
		t.Fatalf("second request should be a no-op: %v %v", isNew, err)
	}
	pending, err := env.Repo.ListApprovals(env.Ctx, string(domain.ApprovalPending), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending list: %d %v", len(pending), err)
	}
	decided, err := env.Repo.DecideApproval(env.Ctx, a.ActionKey, true, "ops", "looks dead")
	if err != nil || decided.Status != domain.ApprovalApproved || decided.DecidedAt == nil {
		t.Fatalf("decide: %+v %v", decided, err)
	}
	if _, err := env.Repo.DecideApproval(env.Ctx, a.ActionKey, false, "ops", ""); !errors.Is(err, repo.ErrAlreadyDecided) {
		t.Fatalf("expected ErrAlreadyDecided, got %v", err)
	}
	if err := env.Repo.MarkApprovalExecuted(env.Ctx, a.ActionKey); err != nil {
		t.Fatal(err)
	}
	got, err := env.Repo.GetApproval(env.Ctx, a.ActionKey)
	if err != nil || got.Status != domain.ApprovalExecuted {
		t.Fatalf("executed: %+v %v", got, err)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, "", "approval", a.ActionKey)
	if err != nil || len(evts) != 2 {
		t.Fatalf("approval events: %d %v", len(evts), err)
	}
}

func TestRunsAndEvents(t *testing.T) {
	env := newTestEnv(t)
	s := domain.RunSummary{
		RunID:      "run-1",
		StartedAt:  env.Now,
		FinishedAt: env.Now.Add(time.Second),
		Outcome:    domain.RunCompleted,
		Succeeded:  2,
		Pending:    1,
		ReadErrors: []domain.ReadError{{Source: "channel_history:C1", Reason: "timeout"}},
	}
	if err := env.Repo.SaveRun(env.Ctx, s); err != nil {
		t.Fatalf("save run: %v", err)
	}
	runs, err := env.Repo.ListRuns(env.Ctx, 5)
	if err != nil || len(runs) != 1 {
		t.Fatalf("list runs: %d %v", len(runs), err)
	}
	if runs[0].ReadErrors != 1 || runs[0].Summary.Pending != 1 {
		t.Fatalf("unexpected run %+v", runs[0])
	}
	if _, err := env.Repo.GetRun(env.Ctx, "nope"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	last, err := env.Repo.LatestEventID(env.Ctx)
	if err != nil || last == 0 {
		t.Fatalf("latest event id: %d %v", last, err)
	}
	after, err := env.Repo.EventsAfter(env.Ctx, 10, 0)
	if err != nil || len(after) != 1 || after[0].Type != "cycle.completed" {
		t.Fatalf("events after: %+v %v", after, err)
	}
}

func TestAPIKeys(t *testing.T) {
	env := newTestEnv(t)
	key := domain.APIKey{ID: "k1", ActorID: "ops", KeyHash: repo.HashAPIKey("secret"), Permissions: []string{"approvals.decide"}}
	if err := env.Repo.InsertAPIKey(env.Ctx, key); err != nil {
		t.Fatalf("insert: %v", err)
	}
	got, err := env.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(" secret "))
	if err != nil || got.ActorID != "ops" || len(got.Permissions) != 1 {
		t.Fatalf("lookup: %+v %v", got, err)
	}
	if err := env.Repo.DeleteAPIKey(env.Ctx, "k1"); err != nil {
		t.Fatal(err)
	}
	if err := env.Repo.DeleteAPIKey(env.Ctx, "k1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

// mapStore keeps records outside the workspace database, like a remote store.
type mapStore struct {
	recs   map[string]domain.IdempotencyRecord
	claims int
}

func (m *mapStore) Get(_ context.Context, key string) (domain.IdempotencyRecord, bool, error) {
	rec, ok := m.recs[key]
	return rec, ok, nil
}

func (m *mapStore) ListRecords(_ context.Context, f domain.RecordFilter) ([]domain.IdempotencyRecord, error) {
	var out []domain.IdempotencyRecord
	for _, rec := range m.recs {
		if f.Status == "" || string(rec.Status) == f.Status {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *mapStore) ForgetRecord(_ context.Context, key string) (domain.IdempotencyRecord, error) {
	rec, ok := m.recs[key]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrNotFound
	}
	if rec.Status == domain.StatusSucceeded {
		return rec, domain.ErrRecordPermanent
	}
	delete(m.recs, key)
	return rec, nil
}

func (m *mapStore) ActiveClaims(context.Context) (int, error) { return m.claims, nil }

func TestRecordsUseConfiguredStore(t *testing.T) {
	env := newTestEnv(t)
	key := "archive_channel:C7"
	remote := &mapStore{recs: map[string]domain.IdempotencyRecord{
		key: record(key, domain.StatusFailed, env.Now),
	}, claims: 2}
	// The workspace database has no record for key; only the remote store does.
	if _, found, _ := env.Repo.Get(env.Ctx, key); found {
		t.Fatalf("unexpected local record")
	}
	if _, _, err := env.Repo.RequestApproval(env.Ctx, domain.Approval{ActionKey: key, Kind: domain.ActionArchiveChannel, Target: "C7", RequestedAt: env.Now}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Repo.DecideApproval(env.Ctx, key, false, "alice", "no"); err != nil {
		t.Fatal(err)
	}

	records := &repo.Records{Store: remote, Repo: env.Repo}
	list, err := records.List(env.Ctx, domain.RecordFilter{Status: string(domain.StatusFailed)})
	if err != nil || len(list) != 1 {
		t.Fatalf("list: %v %v", list, err)
	}
	if n, err := records.ActiveClaims(env.Ctx); err != nil || n != 2 {
		t.Fatalf("active claims: %d %v", n, err)
	}
	rec, err := records.Forget(env.Ctx, key, "tester")
	if err != nil {
		t.Fatalf("forget: %v", err)
	}
	if rec.Status != domain.StatusFailed {
		t.Fatalf("forgotten status = %s", rec.Status)
	}
	if _, ok := remote.recs[key]; ok {
		t.Fatalf("record survived in remote store")
	}
	if _, found, err := env.Repo.LookupApproval(env.Ctx, key); err != nil || found {
		t.Fatalf("rejected approval not cleared: found=%v err=%v", found, err)
	}
	evts, err := env.Repo.LatestEvents(env.Ctx, 10, "record.forgotten", "record", key)
	if err != nil || len(evts) != 1 {
		t.Fatalf("forgotten events: %v %v", evts, err)
	}

	unreachable := &repo.Records{Repo: env.Repo}
	if _, err := unreachable.Forget(env.Ctx, key, "tester"); !errors.Is(err, repo.ErrStoreUnreachable) {
		t.Fatalf("expected ErrStoreUnreachable, got %v", err)
	}
}
