package app

import (
	"context"

	"go.uber.org/zap"

	"github.com/ulfschnabel/slka/internal/domain"
	"github.com/ulfschnabel/slka/internal/events"
	"github.com/ulfschnabel/slka/internal/repo"
)

// Reporter persists cycle results to the workspace: one action.dispatched
// event per outcome and the run summary when the cycle finishes.
type Reporter struct {
	Repo   repo.Repo
	Logger *zap.Logger
}

func (r *Reporter) log() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Reporter) ReadFailed(context.Context, string, domain.ReadError) {}

func (r *Reporter) Dispatched(ctx context.Context, runID string, c domain.CandidateAction, o domain.DispatchOutcome) {
	payload := events.EventPayload{
		"run_id": runID,
		"kind":   c.Kind,
		"target": c.Target,
		"status": o.Status,
	}
	if o.ErrorDetail != "" {
		payload["error_detail"] = o.ErrorDetail
	}
	if err := r.Repo.AppendEvent(ctx, events.ActionDispatched, "action", c.ActionKey, "", payload); err != nil {
		r.log().Warn("append dispatch event", zap.String("action_key", c.ActionKey), zap.Error(err))
	}
}

func (r *Reporter) Finished(ctx context.Context, s domain.RunSummary) {
	if err := r.Repo.SaveRun(ctx, s); err != nil {
		r.log().Warn("save run", zap.String("run_id", s.RunID), zap.Error(err))
	}
}
