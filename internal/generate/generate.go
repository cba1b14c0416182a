// Package generate turns triggers into candidate actions. The action key,
// kind and target come from the trigger alone; only Content is produced by a
// pluggable Generator, so swapping generators never changes keys.
package generate

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ulfschnabel/slka/internal/domain"
)

// Generator produces the payload for a trigger. It must be deterministic
// and free of side effects. ok=false means the trigger yields no action.
type Generator interface {
	Content(t domain.Trigger) (content string, ok bool)
}

type Func func(t domain.Trigger) (string, bool)

func (f Func) Content(t domain.Trigger) (string, bool) { return f(t) }

var ErrIncompleteTrigger = errors.New("incomplete trigger")

// Key derives the idempotency key of the action a trigger asks for.
func Key(t domain.Trigger) (string, error) {
	switch t.Kind {
	case domain.TriggerStaleChannel:
		if t.Channel == nil || t.Channel.ID == "" {
			return "", fmt.Errorf("%w: stale trigger without channel", ErrIncompleteTrigger)
		}
		return string(domain.ActionArchiveChannel) + ":" + t.Channel.ID, nil
	case domain.TriggerMention:
		if t.Message == nil || t.Message.ChannelID == "" || t.Message.TS == "" {
			return "", fmt.Errorf("%w: mention trigger without message", ErrIncompleteTrigger)
		}
		return string(domain.ActionReplyThread) + ":" + t.Message.ChannelID + ":" + t.Message.TS, nil
	case domain.TriggerDigest:
		if t.Digest == nil || t.Digest.PostTo == "" {
			return "", fmt.Errorf("%w: digest trigger without destination", ErrIncompleteTrigger)
		}
		target := strings.TrimPrefix(t.Digest.PostTo, "#")
		return string(domain.ActionSendMessage) + ":" + target + ":" + t.Digest.WindowStart.Format("2006-01-02"), nil
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrIncompleteTrigger, t.Kind)
}

// Plan builds the candidate for t. ok is false when the trigger produces no
// action, such as a digest with no active channels.
func Plan(g Generator, t domain.Trigger) (domain.CandidateAction, bool, error) {
	key, err := Key(t)
	if err != nil {
		return domain.CandidateAction{}, false, err
	}
	c := domain.CandidateAction{ActionKey: key, Job: t.Job}
	switch t.Kind {
	case domain.TriggerStaleChannel:
		c.Kind = domain.ActionArchiveChannel
		c.Target = t.Channel.ID
	case domain.TriggerMention:
		c.Kind = domain.ActionReplyThread
		c.Target = t.Message.ChannelID
		c.ThreadTS = t.Message.ThreadTS
		if c.ThreadTS == "" {
			c.ThreadTS = t.Message.TS
		}
	case domain.TriggerDigest:
		if len(t.Digest.Channels) == 0 {
			return domain.CandidateAction{}, false, nil
		}
		c.Kind = domain.ActionSendMessage
		c.Target = strings.TrimPrefix(t.Digest.PostTo, "#")
	}
	content, ok := g.Content(t)
	if !ok {
		return domain.CandidateAction{}, false, nil
	}
	c.Content = content
	return c, true, nil
}
