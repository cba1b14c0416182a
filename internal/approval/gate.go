// Package approval puts a durable human decision in front of a writer.
//
// The first submission of a gated action queues an approval request and
// answers pending_approval. Later submissions answer pending_approval until a
// human decides: an approved action is executed by the inner writer exactly
// once, a rejected one fails with the rejection as detail.
package approval

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
)

// Queue stores approval requests and decisions. *repo.Repo implements it.
type Queue interface {
	LookupApproval(ctx context.Context, key string) (domain.Approval, bool, error)
	RequestApproval(ctx context.Context, a domain.Approval) (domain.Approval, bool, error)
	DecideApproval(ctx context.Context, key string, approve bool, actorID, reason string) (domain.Approval, error)
	MarkApprovalExecuted(ctx context.Context, key string) error
}

// Prompter asks a human about a pending approval right away. It returns
// ErrNotInteractive when nobody can answer, leaving the request queued.
type Prompter interface {
	Confirm(ctx context.Context, a domain.Approval) (bool, error)
}

var ErrNotInteractive = errors.New("no interactive terminal")

// Policy selects which action kinds need approval.
type Policy struct {
	Require bool
	// Kinds limits gating to these kinds; empty gates every kind.
	Kinds []domain.ActionKind
}

func (p Policy) Gated(kind domain.ActionKind) bool {
	if !p.Require {
		return false
	}
	if len(p.Kinds) == 0 {
		return true
	}
	for _, k := range p.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// DeniedError is the failure detail of a rejected action.
type DeniedError struct {
	ActionKey string
	By        string
	Reason    string
}

func (e *DeniedError) Error() string {
	msg := "approval rejected"
	if e.By != "" {
		msg += " by " + e.By
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Gate is a connector.Writer that consults the approval queue before
// delegating to Next.
type Gate struct {
	Next     connector.Writer
	Queue    Queue
	Policy   Policy
	Prompter Prompter
	Now      func() time.Time
	Logger   *zap.Logger
}

var _ connector.Writer = (*Gate)(nil)

func (g *Gate) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *Gate) logger() *zap.Logger {
	if g.Logger == nil {
		return zap.NewNop()
	}
	return g.Logger
}

func (g *Gate) Submit(ctx context.Context, c domain.CandidateAction) domain.DispatchOutcome {
	if !g.Policy.Gated(c.Kind) {
		return g.Next.Submit(ctx, c)
	}
	log := g.logger().With(zap.String("action_key", c.ActionKey))
	a, found, err := g.Queue.LookupApproval(ctx, c.ActionKey)
	if err != nil {
		return domain.Failed(c.ActionKey, "approval queue: "+err.Error(), g.now())
	}
	if !found {
		a, _, err = g.Queue.RequestApproval(ctx, domain.Approval{
			ActionKey:   c.ActionKey,
			Kind:        c.Kind,
			Target:      c.Target,
			ThreadTS:    c.ThreadTS,
			Content:     c.Content,
			Description: Describe(c),
			RequestedAt: g.now(),
		})
		if err != nil {
			return domain.Failed(c.ActionKey, "approval queue: "+err.Error(), g.now())
		}
		log.Info("approval requested", zap.String("description", a.Description))
	}
	if a.Status == domain.ApprovalPending && g.Prompter != nil {
		a = g.prompt(ctx, a, log)
	}

	switch a.Status {
	case domain.ApprovalPending:
		return domain.Pending(c.ActionKey, g.now())
	case domain.ApprovalRejected:
		return domain.Failed(c.ActionKey, (&DeniedError{ActionKey: a.ActionKey, By: a.DecidedBy, Reason: a.Reason}).Error(), g.now())
	case domain.ApprovalExecuted:
		// Applied on an earlier attempt whose record was lost.
		return domain.Succeeded(c.ActionKey, g.now())
	case domain.ApprovalApproved:
		out := g.Next.Submit(ctx, a.Action())
		if out.Status == domain.StatusSucceeded {
			if err := g.Queue.MarkApprovalExecuted(ctx, a.ActionKey); err != nil {
				log.Warn("mark approval executed", zap.Error(err))
			}
		}
		return out
	}
	return domain.Failed(c.ActionKey, fmt.Sprintf("unknown approval status %q", a.Status), g.now())
}

func (g *Gate) prompt(ctx context.Context, a domain.Approval, log *zap.Logger) domain.Approval {
	ok, err := g.Prompter.Confirm(ctx, a)
	if errors.Is(err, ErrNotInteractive) {
		return a
	}
	if err != nil {
		log.Warn("approval prompt failed", zap.Error(err))
		return a
	}
	decided, err := g.Queue.DecideApproval(ctx, a.ActionKey, ok, "terminal", "")
	if err != nil {
		// Someone else decided first; use their decision.
		if latest, found, lerr := g.Queue.LookupApproval(ctx, a.ActionKey); lerr == nil && found {
			return latest
		}
		log.Warn("record terminal decision", zap.Error(err))
		return a
	}
	return decided
}

// Describe renders a one-line human description of an action.
func Describe(c domain.CandidateAction) string {
	switch c.Kind {
	case domain.ActionSendMessage:
		return fmt.Sprintf("Send message to %s: %q", c.Target, truncate(c.Content, 80))
	case domain.ActionReplyThread:
		return fmt.Sprintf("Reply in thread %s of %s: %q", c.ThreadTS, c.Target, truncate(c.Content, 80))
	case domain.ActionArchiveChannel:
		return fmt.Sprintf("Archive channel %s", c.Target)
	}
	return fmt.Sprintf("Execute action: %s", c.Kind)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
