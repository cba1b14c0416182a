package approval_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ulfschnabel/slka/internal/approval"
	"github.com/ulfschnabel/slka/internal/connector/connectortest"
	"github.com/ulfschnabel/slka/internal/db"
	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/migrate"
	"github.com/ulfschnabel/slka/internal/repo"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newQueue(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	r := repo.New(conn)
	r.Now = func() time.Time { return now }
	return r
}

func archive(id string) domain.CandidateAction {
	return domain.CandidateAction{ActionKey: "archive_channel:" + id, Kind: domain.ActionArchiveChannel, Target: id, Content: "stale"}
}

type promptFunc func(ctx context.Context, a domain.Approval) (bool, error)

func (f promptFunc) Confirm(ctx context.Context, a domain.Approval) (bool, error) { return f(ctx, a) }

func TestGateLifecycle(t *testing.T) {
	q := newQueue(t)
	inner := connectortest.NewWriter(domain.StatusSucceeded)
	gate := &approval.Gate{Next: inner, Queue: q, Policy: approval.Policy{Require: true}, Now: func() time.Time { return now }}
	ctx := context.Background()
	c := archive("C2")

	out := gate.Submit(ctx, c)
	assert.Equal(t, domain.StatusPendingApproval, out.Status)
	out = gate.Submit(ctx, c)
	assert.Equal(t, domain.StatusPendingApproval, out.Status, "still pending, no duplicate request")
	assert.Empty(t, inner.Calls())

	pending, err := q.ListApprovals(ctx, string(domain.ApprovalPending), 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "Archive channel C2", pending[0].Description)

	_, err = q.DecideApproval(ctx, c.ActionKey, true, "ops", "")
	require.NoError(t, err)

	out = gate.Submit(ctx, c)
	assert.Equal(t, domain.StatusSucceeded, out.Status)
	assert.Equal(t, 1, inner.CallCount(c.ActionKey))

	a, err := q.GetApproval(ctx, c.ActionKey)
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalExecuted, a.Status)

	out = gate.Submit(ctx, c)
	assert.Equal(t, domain.StatusSucceeded, out.Status)
	assert.Equal(t, 1, inner.CallCount(c.ActionKey), "executed approvals are not applied twice")
}

func TestGateRejected(t *testing.T) {
	q := newQueue(t)
	inner := connectortest.NewWriter(domain.StatusSucceeded)
	gate := &approval.Gate{Next: inner, Queue: q, Policy: approval.Policy{Require: true}}
	ctx := context.Background()
	c := archive("C3")

	require.Equal(t, domain.StatusPendingApproval, gate.Submit(ctx, c).Status)
	_, err := q.DecideApproval(ctx, c.ActionKey, false, "ops", "still in use")
	require.NoError(t, err)

	out := gate.Submit(ctx, c)
	assert.Equal(t, domain.StatusFailed, out.Status)
	assert.Equal(t, "approval rejected by ops: still in use", out.ErrorDetail)
	assert.Empty(t, inner.Calls())

	_, err = q.DecideApproval(ctx, c.ActionKey, true, "ops", "")
	assert.True(t, errors.Is(err, repo.ErrAlreadyDecided))
}

func TestGatePolicy(t *testing.T) {
	q := newQueue(t)
	inner := connectortest.NewWriter(domain.StatusSucceeded)
	gate := &approval.Gate{Next: inner, Queue: q, Policy: approval.Policy{Require: true, Kinds: []domain.ActionKind{domain.ActionArchiveChannel}}}
	ctx := context.Background()

	reply := domain.CandidateAction{ActionKey: "reply_thread:C1:1", Kind: domain.ActionReplyThread, Target: "C1", ThreadTS: "1", Content: "hi"}
	assert.Equal(t, domain.StatusSucceeded, gate.Submit(ctx, reply).Status)
	assert.Equal(t, domain.StatusPendingApproval, gate.Submit(ctx, archive("C1")).Status)

	gate.Policy.Require = false
	assert.Equal(t, domain.StatusSucceeded, gate.Submit(ctx, archive("C1")).Status)
}

func TestGateInteractivePrompt(t *testing.T) {
	q := newQueue(t)
	inner := connectortest.NewWriter(domain.StatusSucceeded)
	asked := 0
	gate := &approval.Gate{
		Next: inner, Queue: q, Policy: approval.Policy{Require: true},
		Prompter: promptFunc(func(ctx context.Context, a domain.Approval) (bool, error) {
			asked++
			return a.Target == "C1", nil
		}),
	}
	ctx := context.Background()
	assert.Equal(t, domain.StatusSucceeded, gate.Submit(ctx, archive("C1")).Status)
	assert.Equal(t, domain.StatusFailed, gate.Submit(ctx, archive("C2")).Status)
	assert.Equal(t, 2, asked)

	a, err := q.GetApproval(ctx, "archive_channel:C1")
	require.NoError(t, err)
	assert.Equal(t, "terminal", a.DecidedBy)

	gate.Prompter = promptFunc(func(context.Context, domain.Approval) (bool, error) {
		return false, approval.ErrNotInteractive
	})
	assert.Equal(t, domain.StatusPendingApproval, gate.Submit(ctx, archive("C3")).Status)
}

func TestTerminalPrompter(t *testing.T) {
	var out bytes.Buffer
	p := &approval.TerminalPrompter{
		In:         strings.NewReader("maybe\ny\n\n"),
		Out:        &out,
		IsTerminal: func() bool { return true },
	}
	a := domain.Approval{Description: "Archive channel C1", Content: "stale"}
	ok, err := p.Confirm(context.Background(), a)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Contains(t, out.String(), "Please enter 'y' or 'n'")

	ok, err = p.Confirm(context.Background(), a)
	require.NoError(t, err)
	assert.False(t, ok, "empty answer means no")

	_, err = p.Confirm(context.Background(), a)
	assert.ErrorIs(t, err, approval.ErrNotInteractive, "EOF leaves the request queued")

	p.IsTerminal = func() bool { return false }
	_, err = p.Confirm(context.Background(), a)
	assert.ErrorIs(t, err, approval.ErrNotInteractive)
}

func TestTerminalPrompterStopsAtDeadline(t *testing.T) {
	in, _ := io.Pipe()
	var out bytes.Buffer
	q := newQueue(t)
	inner := connectortest.NewWriter(domain.StatusSucceeded)
	gate := &approval.Gate{
		Next: inner, Queue: q, Policy: approval.Policy{Require: true},
		Prompter: &approval.TerminalPrompter{In: in, Out: &out, IsTerminal: func() bool { return true }},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	done := make(chan domain.DispatchOutcome, 1)
	go func() { done <- gate.Submit(ctx, archive("C2")) }()

	select {
	case got := <-done:
		assert.Equal(t, domain.StatusPendingApproval, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("Submit still blocked on the prompt after its deadline")
	}
	assert.Equal(t, 0, inner.CallCount("archive_channel:C2"))
	a, err := q.GetApproval(context.Background(), "archive_channel:C2")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, a.Status)

	// A second prompt waits for its own deadline, not forever.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel2()
	_, err = gate.Prompter.Confirm(ctx2, a)
	assert.ErrorIs(t, err, approval.ErrNotInteractive)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, `Send message to daily-summary: "hi"`, approval.Describe(domain.CandidateAction{Kind: domain.ActionSendMessage, Target: "daily-summary", Content: "hi"}))
	assert.Equal(t, `Reply in thread 1.2 of C1: "ok"`, approval.Describe(domain.CandidateAction{Kind: domain.ActionReplyThread, Target: "C1", ThreadTS: "1.2", Content: "ok"}))
	long := strings.Repeat("x", 100)
	assert.Contains(t, approval.Describe(domain.CandidateAction{Kind: domain.ActionSendMessage, Target: "c", Content: long}), "…")
}
