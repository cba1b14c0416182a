// Package classify turns observations into triggers. Every function is
// pure and keeps the relative order of its input.
package classify

import (
	"sort"
	"strings"
	"time"

	"github.com/ulfschnabel/slka/internal/domain"
)

// IsStale reports whether a channel whose newest message is at last should
// be archived. A channel without messages is always stale; a last message
// exactly at now-threshold is not.
func IsStale(last time.Time, hasMessages bool, threshold time.Duration, now time.Time) bool {
	if !hasMessages {
		return true
	}
	return last.Before(now.Add(-threshold))
}

// ExcludeSet matches channels by id or name, case-insensitively and
// ignoring a leading '#'.
type ExcludeSet map[string]struct{}

func NewExcludeSet(entries []string) ExcludeSet {
	set := ExcludeSet{}
	for _, e := range entries {
		e = normalize(e)
		if e != "" {
			set[e] = struct{}{}
		}
	}
	return set
}

func (s ExcludeSet) Has(ch domain.Channel) bool {
	if _, ok := s[normalize(ch.ID)]; ok {
		return true
	}
	_, ok := s[normalize(ch.Name)]
	return ok
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "#"))
}

// Stale returns a stale_channel trigger for each channel in channels that is
// stale and not excluded. last maps channel id to the newest message time; a
// missing entry means the channel has no messages. Callers drop channels
// whose history could not be read before calling.
func Stale(job string, channels []domain.Channel, last map[string]time.Time, threshold time.Duration, exclude ExcludeSet, now time.Time) []domain.Trigger {
	var out []domain.Trigger
	for _, ch := range channels {
		if exclude.Has(ch) {
			continue
		}
		at, has := last[ch.ID]
		if !IsStale(at, has, threshold, now) {
			continue
		}
		ch := ch
		out = append(out, domain.Trigger{
			Kind:         domain.TriggerStaleChannel,
			Job:          job,
			Channel:      &ch,
			LastActivity: at,
			Threshold:    threshold,
		})
	}
	return out
}

// IsMention reports whether text contains any keyword, ignoring case.
// Matching is by substring, so "help" also matches "helpful".
func IsMention(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" && strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Mentions yields one mention trigger per matching message, however many
// keywords it contains.
func Mentions(job string, messages []domain.Message, keywords []string) []domain.Trigger {
	var out []domain.Trigger
	for _, m := range messages {
		if !IsMention(m.Text, keywords) {
			continue
		}
		m := m
		out = append(out, domain.Trigger{Kind: domain.TriggerMention, Job: job, Message: &m})
	}
	return out
}

// Window keeps messages posted at or after since and before until. A zero
// bound is open.
func Window(messages []domain.Message, since, until time.Time) []domain.Message {
	var out []domain.Message
	for _, m := range messages {
		if !since.IsZero() && m.PostedAt.Before(since) {
			continue
		}
		if !until.IsZero() && !m.PostedAt.Before(until) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ChannelMessages is the windowed history of one summarised channel.
type ChannelMessages struct {
	Channel  string
	Messages []domain.Message
}

// Digest builds the summary trigger for the given channels in order.
// Channels without messages are left out; when none remain it returns nil.
func Digest(job, postTo string, since, until time.Time, groups []ChannelMessages) *domain.Trigger {
	d := &domain.Digest{PostTo: postTo, WindowStart: since, WindowEnd: until}
	for _, g := range groups {
		if len(g.Messages) == 0 {
			continue
		}
		seen := map[string]struct{}{}
		for _, m := range g.Messages {
			seen[participant(m)] = struct{}{}
		}
		names := make([]string, 0, len(seen))
		for n := range seen {
			names = append(names, n)
		}
		sort.Strings(names)
		d.Channels = append(d.Channels, domain.ChannelActivity{
			Channel:      strings.TrimPrefix(g.Channel, "#"),
			Messages:     len(g.Messages),
			Participants: names,
		})
	}
	if len(d.Channels) == 0 {
		return nil
	}
	return &domain.Trigger{Kind: domain.TriggerDigest, Job: job, Digest: d}
}

func participant(m domain.Message) string {
	switch {
	case m.UserName != "":
		return m.UserName
	case m.User != "":
		return m.User
	}
	return "unknown"
}
