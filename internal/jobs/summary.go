package jobs

import (
	"time"

	"github.com/ulfschnabel/slka/internal/classify"
	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
)

// Summary posts a digest of activity since the previous day's anchor time.
type Summary struct {
	Channels []string
	PostTo   string
	// Anchored selects the yesterday-at-Hour:Minute window; otherwise the
	// window is the last Lookback.
	Anchored bool
	Hour     int
	Minute   int
	Lookback time.Duration
	Limit    int
	Location *time.Location
}

func (Summary) Name() string { return "summary" }

// WindowStart is yesterday at the anchor in the job's location, or
// now-Lookback for an unanchored job.
func (s Summary) WindowStart(now time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.Local
	}
	if !s.Anchored && s.Lookback > 0 {
		return now.Add(-s.Lookback).In(loc)
	}
	y, m, d := now.In(loc).AddDate(0, 0, -1).Date()
	return time.Date(y, m, d, s.Hour, s.Minute, 0, 0, loc)
}

func (s Summary) query(channel string, now time.Time) connector.Query {
	return connector.Query{
		Kind:    connector.ChannelHistory,
		Channel: channel,
		Since:   s.WindowStart(now),
		Until:   now,
		Limit:   s.Limit,
	}
}

func (s Summary) Sources(now time.Time) []connector.Query {
	out := make([]connector.Query, 0, len(s.Channels))
	for _, ch := range s.Channels {
		out = append(out, s.query(ch, now))
	}
	return out
}

func (Summary) Expand(*Results, time.Time) []connector.Query { return nil }

// Classify returns at most one digest trigger. Channels that could not be
// read are left out like quiet ones.
func (s Summary) Classify(res *Results, now time.Time) []domain.Trigger {
	since := s.WindowStart(now)
	var groups []classify.ChannelMessages
	for _, ch := range s.Channels {
		obs, ok := res.Get(s.query(ch, now))
		if !ok {
			continue
		}
		groups = append(groups, classify.ChannelMessages{
			Channel:  ch,
			Messages: classify.Window(messagesOf(obs), since, now),
		})
	}
	tr := classify.Digest(s.Name(), s.PostTo, since, now, groups)
	if tr == nil {
		return nil
	}
	return []domain.Trigger{*tr}
}
