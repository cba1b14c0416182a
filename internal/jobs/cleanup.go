package jobs

import (
	"time"

	"github.com/ulfschnabel/slka/internal/classify"
	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
)

// Cleanup archives channels whose newest message is older than Threshold.
type Cleanup struct {
	Threshold time.Duration
	Exclude   []string
}

func (Cleanup) Name() string { return "cleanup" }

var listQuery = connector.Query{Kind: connector.ListChannels}

func historyOf(ch domain.Channel) connector.Query {
	return connector.Query{Kind: connector.ChannelHistory, Channel: ch.ID, Limit: 1}
}

func (Cleanup) Sources(time.Time) []connector.Query {
	return []connector.Query{listQuery}
}

func (c Cleanup) Expand(res *Results, _ time.Time) []connector.Query {
	obs, ok := res.Get(listQuery)
	if !ok {
		return nil
	}
	exclude := classify.NewExcludeSet(c.Exclude)
	var out []connector.Query
	for _, ch := range channelsOf(obs) {
		if !exclude.Has(ch) {
			out = append(out, historyOf(ch))
		}
	}
	return out
}

// Classify skips channels whose history could not be read: an unreadable
// channel is not evidence of inactivity.
func (c Cleanup) Classify(res *Results, now time.Time) []domain.Trigger {
	obs, ok := res.Get(listQuery)
	if !ok {
		return nil
	}
	var readable []domain.Channel
	last := map[string]time.Time{}
	for _, ch := range channelsOf(obs) {
		hist, ok := res.Get(historyOf(ch))
		if !ok {
			continue
		}
		readable = append(readable, ch)
		for _, m := range messagesOf(hist) {
			if m.PostedAt.After(last[ch.ID]) {
				last[ch.ID] = m.PostedAt
			}
		}
	}
	return classify.Stale(c.Name(), readable, last, c.Threshold, classify.NewExcludeSet(c.Exclude), now)
}
