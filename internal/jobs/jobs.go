// Package jobs holds the configured jobs that feed a cycle: which queries
// to run and how their results become triggers.
package jobs

import (
	"sync"
	"time"

	"github.com/ulfschnabel/slka/internal/config"
	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
)

// Job is one poll/classify recipe. Sources are fetched first; Expand may
// derive follow-up queries from those results (for example one history
// query per listed channel); Classify sees every result of both rounds.
// Classify must be pure and keep input order.
type Job interface {
	Name() string
	Sources(now time.Time) []connector.Query
	Expand(res *Results, now time.Time) []connector.Query
	Classify(res *Results, now time.Time) []domain.Trigger
}

// Results collects observations per query source for one job in one
// cycle. Jobs get separate Results so equal sources never collide.
type Results struct {
	mu     sync.Mutex
	obs    map[string][]domain.Observation
	failed map[string]error
}

func NewResults() *Results {
	return &Results{obs: map[string][]domain.Observation{}, failed: map[string]error{}}
}

func (r *Results) Put(q connector.Query, obs []domain.Observation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.obs[q.Source()] = obs
	delete(r.failed, q.Source())
}

func (r *Results) Fail(q connector.Query, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failed[q.Source()] = err
	delete(r.obs, q.Source())
}

// Get returns the observations for q; ok is false when q failed or never ran.
func (r *Results) Get(q connector.Query) ([]domain.Observation, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obs, ok := r.obs[q.Source()]
	return obs, ok
}

// Has reports whether q has already been fetched, successfully or not.
func (r *Results) Has(q connector.Query) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.obs[q.Source()]
	_, failed := r.failed[q.Source()]
	return ok || failed
}

// Count returns the number of observations collected.
func (r *Results) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, obs := range r.obs {
		n += len(obs)
	}
	return n
}

func channelsOf(obs []domain.Observation) []domain.Channel {
	var out []domain.Channel
	for _, o := range obs {
		if o.Kind == domain.ObservationChannel && o.Channel != nil {
			out = append(out, *o.Channel)
		}
	}
	return out
}

func messagesOf(obs []domain.Observation) []domain.Message {
	var out []domain.Message
	for _, o := range obs {
		if o.Kind == domain.ObservationMessage && o.Message != nil {
			out = append(out, *o.Message)
		}
	}
	return out
}

// FromConfig builds the enabled jobs in a fixed order: cleanup, mentions,
// summary.
func FromConfig(cfg *config.Config, loc *time.Location) ([]Job, error) {
	var out []Job
	j := cfg.Jobs
	if j.Cleanup.Enabled {
		out = append(out, Cleanup{Threshold: j.Cleanup.Threshold.D(), Exclude: j.Cleanup.Exclude})
	}
	if j.Mentions.Enabled {
		out = append(out, Mentions{Channels: j.Mentions.Channels, Keywords: j.Mentions.Keywords, Limit: j.Mentions.Limit})
	}
	if j.Summary.Enabled {
		hour, minute, err := config.ParseAnchor(j.Summary.Anchor)
		if err != nil {
			return nil, err
		}
		out = append(out, Summary{
			Channels: j.Summary.Channels,
			PostTo:   j.Summary.PostTo,
			Anchored: j.Summary.Anchor != "" || j.Summary.Lookback.D() == 0,
			Hour:     hour,
			Minute:   minute,
			Lookback: j.Summary.Lookback.D(),
			Limit:    j.Summary.Limit,
			Location: loc,
		})
	}
	return out, nil
}
