package otel

import (
	"context"
	"strings"

	"go.opentelemetry.io/otel/metric"

	"github.com/ulfschnabel/slka/internal/domain"
)

// Metrics records cycle results. It implements pipeline.Observer.
type Metrics struct {
	cycles        metric.Int64Counter
	cycleDuration metric.Float64Histogram
	dispatches    metric.Int64Counter
	skipped       metric.Int64Counter
	readErrors    metric.Int64Counter
	storeErrors   metric.Int64Counter
	httpRequests  metric.Int64Counter
}

// ClaimCountFunc reports the number of unexpired dispatch claims.
type ClaimCountFunc func(ctx context.Context) (int, error)

// NewMetrics creates the instruments on Meter(). Call after InitMeterProvider.
// claims may be nil.
func NewMetrics(claims ClaimCountFunc) (*Metrics, error) {
	m := Meter()
	var out Metrics
	var err error
	if out.cycles, err = m.Int64Counter("slka_cycles_total", metric.WithDescription("Poll cycles by outcome")); err != nil {
		return nil, err
	}
	if out.cycleDuration, err = m.Float64Histogram("slka_cycle_duration_seconds", metric.WithDescription("Poll cycle duration in seconds")); err != nil {
		return nil, err
	}
	if out.dispatches, err = m.Int64Counter("slka_dispatch_outcomes_total", metric.WithDescription("Dispatched actions by kind and status")); err != nil {
		return nil, err
	}
	if out.skipped, err = m.Int64Counter("slka_skipped_total", metric.WithDescription("Candidates not dispatched, by reason")); err != nil {
		return nil, err
	}
	if out.readErrors, err = m.Int64Counter("slka_read_errors_total", metric.WithDescription("Failed read queries by job")); err != nil {
		return nil, err
	}
	if out.storeErrors, err = m.Int64Counter("slka_store_errors_total", metric.WithDescription("Idempotency store failures")); err != nil {
		return nil, err
	}
	if out.httpRequests, err = m.Int64Counter("slka_http_requests_total", metric.WithDescription("API requests by route and status")); err != nil {
		return nil, err
	}
	if claims != nil {
		gauge, err := m.Int64ObservableGauge("slka_active_claims", metric.WithDescription("Unexpired dispatch claims"))
		if err != nil {
			return nil, err
		}
		_, err = m.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
			n, err := claims(ctx)
			if err != nil {
				return err
			}
			o.ObserveInt64(gauge, int64(n))
			return nil
		}, gauge)
		if err != nil {
			return nil, err
		}
	}
	return &out, nil
}

func (m *Metrics) ReadFailed(ctx context.Context, _ string, e domain.ReadError) {
	job, _, _ := strings.Cut(e.Source, "/")
	m.readErrors.Add(ctx, 1, metric.WithAttributes(AttrJob.String(job)))
}

func (m *Metrics) Dispatched(ctx context.Context, _ string, c domain.CandidateAction, o domain.DispatchOutcome) {
	m.dispatches.Add(ctx, 1, metric.WithAttributes(AttrKind.String(string(c.Kind)), AttrStatus.String(string(o.Status))))
}

func (m *Metrics) Finished(ctx context.Context, s domain.RunSummary) {
	m.cycles.Add(ctx, 1, metric.WithAttributes(AttrOutcome.String(string(s.Outcome))))
	if !s.FinishedAt.IsZero() && !s.StartedAt.IsZero() {
		m.cycleDuration.Record(ctx, s.FinishedAt.Sub(s.StartedAt).Seconds())
	}
	for reason, n := range map[string]int{
		"duplicate":      s.SkippedDuplicate,
		"cooldown":       s.SkippedCooldown,
		"failed":         s.SkippedFailed,
		"in_flight":      s.SkippedInFlight,
		"not_dispatched": s.NotDispatched,
	} {
		if n > 0 {
			m.skipped.Add(ctx, int64(n), metric.WithAttributes(AttrReason.String(reason)))
		}
	}
	if s.StoreErrors > 0 {
		m.storeErrors.Add(ctx, int64(s.StoreErrors))
	}
}

// RecordHTTPRequest counts one API request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, code int) {
	m.httpRequests.Add(ctx, 1, metric.WithAttributes(AttrMethod.String(method), AttrRoute.String(route), AttrCode.Int(code)))
}
