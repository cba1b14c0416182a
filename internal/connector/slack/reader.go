package slack

import (
	"context"
	"time"

	slackapi "github.com/slack-go/slack"

	"github.com/ulfschnabel/slka/internal/connector"
	"github.com/ulfschnabel/slka/internal/domain"
)

const historyPageSize = 200

// Reader serves list_channels and channel_history queries.
type Reader struct {
	Dir *Directory
	Now func() time.Time
}

var _ connector.Reader = (*Reader)(nil)

func NewReader(dir *Directory) *Reader {
	return &Reader{Dir: dir, Now: time.Now}
}

func (r *Reader) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Reader) Fetch(ctx context.Context, q connector.Query) ([]domain.Observation, error) {
	if err := q.Validate(); err != nil {
		return nil, connector.AsReadError(q, err)
	}
	var (
		obs []domain.Observation
		err error
	)
	switch q.Kind {
	case connector.ListChannels:
		obs, err = r.channels(ctx, q)
	case connector.ChannelHistory:
		obs, err = r.history(ctx, q)
	}
	if err != nil {
		return nil, connector.AsReadError(q, err)
	}
	return obs, nil
}

func (r *Reader) channels(ctx context.Context, q connector.Query) ([]domain.Observation, error) {
	list, err := r.Dir.listChannels(ctx, true)
	if err != nil {
		return nil, err
	}
	at := r.now()
	obs := make([]domain.Observation, 0, len(list))
	for _, ch := range list {
		if ch.IsArchived {
			continue
		}
		obs = append(obs, domain.ChannelObservation(convertChannel(ch), at))
		if q.Limit > 0 && len(obs) >= q.Limit {
			break
		}
	}
	return obs, nil
}

func (r *Reader) history(ctx context.Context, q connector.Query) ([]domain.Observation, error) {
	id, name, err := r.Dir.Resolve(ctx, q.Channel)
	if err != nil {
		return nil, err
	}
	params := &slackapi.GetConversationHistoryParameters{ChannelID: id, Limit: historyPageSize}
	if !q.Since.IsZero() {
		params.Oldest = FormatTS(q.Since)
	}
	if !q.Until.IsZero() {
		params.Latest = FormatTS(q.Until)
	}
	if q.Limit > 0 && q.Limit < historyPageSize {
		params.Limit = q.Limit
	}
	at := r.now()
	var obs []domain.Observation
	for {
		if err := r.Dir.wait(ctx); err != nil {
			return nil, err
		}
		resp, err := r.Dir.API.GetConversationHistoryContext(ctx, params)
		if err != nil {
			return nil, describe(err)
		}
		for _, m := range resp.Messages {
			msg, err := r.convertMessage(ctx, id, name, m)
			if err != nil {
				continue
			}
			obs = append(obs, domain.MessageObservation(msg, at))
			if q.Limit > 0 && len(obs) >= q.Limit {
				return obs, nil
			}
		}
		if !resp.HasMore || resp.ResponseMetaData.NextCursor == "" {
			return obs, nil
		}
		params.Cursor = resp.ResponseMetaData.NextCursor
	}
}

func (r *Reader) convertMessage(ctx context.Context, channelID, channelName string, m slackapi.Message) (domain.Message, error) {
	posted, err := ParseTS(m.Timestamp)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ChannelID:   channelID,
		ChannelName: channelName,
		TS:          m.Timestamp,
		ThreadTS:    m.ThreadTimestamp,
		User:        m.User,
		UserName:    r.Dir.UserName(ctx, m.User),
		Text:        m.Text,
		PostedAt:    posted,
	}, nil
}

func convertChannel(ch slackapi.Channel) domain.Channel {
	return domain.Channel{
		ID:          ch.ID,
		Name:        ch.Name,
		IsPrivate:   ch.IsPrivate,
		IsArchived:  ch.IsArchived,
		MemberCount: ch.NumMembers,
		Created:     ch.Created.Time().UTC(),
	}
}
