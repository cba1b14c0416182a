// Package connector defines the read and write boundaries between the
// pipeline and the chat platform.
package connector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ulfschnabel/slka/internal/domain"
)

type QueryKind string

const (
	ListChannels   QueryKind = "list_channels"
	ChannelHistory QueryKind = "channel_history"
)

// Query is one read request. Channel accepts an id or a name for
// ChannelHistory and is ignored for ListChannels. Zero Since, Until and
// Limit mean unbounded.
type Query struct {
	Kind    QueryKind `json:"kind"`
	Channel string    `json:"channel,omitempty"`
	Since   time.Time `json:"since,omitempty"`
	Until   time.Time `json:"until,omitempty"`
	Limit   int       `json:"limit,omitempty"`
}

// Source names the query for read-error reporting and result lookup.
func (q Query) Source() string {
	if q.Kind == ChannelHistory {
		return string(q.Kind) + ":" + q.Channel
	}
	return string(q.Kind)
}

func (q Query) Validate() error {
	switch q.Kind {
	case ListChannels:
		return nil
	case ChannelHistory:
		if q.Channel == "" {
			return fmt.Errorf("%s query needs a channel", q.Kind)
		}
		if !q.Since.IsZero() && !q.Until.IsZero() && q.Until.Before(q.Since) {
			return fmt.Errorf("%s query: until before since", q.Kind)
		}
		return nil
	}
	return fmt.Errorf("unknown query kind %q", q.Kind)
}

// Reader runs read-only queries. Implementations never mutate platform state.
type Reader interface {
	Fetch(ctx context.Context, q Query) ([]domain.Observation, error)
}

// Writer submits one candidate and reports the tri-state outcome. It never
// returns an error: transport failures, policy rejection and timeouts are
// all failed outcomes with a detail.
type Writer interface {
	Submit(ctx context.Context, c domain.CandidateAction) domain.DispatchOutcome
}

type WriterFunc func(ctx context.Context, c domain.CandidateAction) domain.DispatchOutcome

func (f WriterFunc) Submit(ctx context.Context, c domain.CandidateAction) domain.DispatchOutcome {
	return f(ctx, c)
}

// ReadError reports a failed query for one source.
type ReadError struct {
	Source string
	Reason string
	Err    error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read %s: %s", e.Source, e.Reason)
}

func (e *ReadError) Unwrap() error { return e.Err }

// AsReadError wraps err for q unless it already is a ReadError.
func AsReadError(q Query, err error) *ReadError {
	var re *ReadError
	if errors.As(err, &re) {
		return re
	}
	return &ReadError{Source: q.Source(), Reason: err.Error(), Err: err}
}
