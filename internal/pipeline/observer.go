package pipeline

import (
	"context"

	"github.com/ulfschnabel/slka/internal/domain"
)

// Observer receives cycle events for reporting and metrics. Calls come from
// dispatch goroutines and must be safe for concurrent use. The context is
// detached from cycle cancellation.
type Observer interface {
	ReadFailed(ctx context.Context, runID string, e domain.ReadError)
	Dispatched(ctx context.Context, runID string, c domain.CandidateAction, o domain.DispatchOutcome)
	Finished(ctx context.Context, s domain.RunSummary)
}

// Observers fans out to each observer in order.
type Observers []Observer

func (os Observers) ReadFailed(ctx context.Context, runID string, e domain.ReadError) {
	for _, o := range os {
		o.ReadFailed(ctx, runID, e)
	}
}

func (os Observers) Dispatched(ctx context.Context, runID string, c domain.CandidateAction, out domain.DispatchOutcome) {
	for _, o := range os {
		o.Dispatched(ctx, runID, c, out)
	}
}

func (os Observers) Finished(ctx context.Context, s domain.RunSummary) {
	for _, o := range os {
		o.Finished(ctx, s)
	}
}
