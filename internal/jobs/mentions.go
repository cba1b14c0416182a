package jobs

import (
	"time"

	"github.com/ulfschnabel/slka/internal/classify"
	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
)

// Mentions replies in thread to recent messages containing a keyword.
type Mentions struct {
	Channels []string
	Keywords []string
	Limit    int
}

func (Mentions) Name() string { return "mentions" }

func (m Mentions) query(channel string) connector.Query {
	return connector.Query{Kind: connector.ChannelHistory, Channel: channel, Limit: m.Limit}
}

func (m Mentions) Sources(time.Time) []connector.Query {
	out := make([]connector.Query, 0, len(m.Channels))
	for _, ch := range m.Channels {
		out = append(out, m.query(ch))
	}
	return out
}

func (Mentions) Expand(*Results, time.Time) []connector.Query { return nil }

func (m Mentions) Classify(res *Results, _ time.Time) []domain.Trigger {
	var out []domain.Trigger
	for _, ch := range m.Channels {
		obs, ok := res.Get(m.query(ch))
		if !ok {
			continue
		}
		out = append(out, classify.Mentions(m.Name(), messagesOf(obs), m.Keywords)...)
	}
	return out
}
